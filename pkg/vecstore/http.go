package vecstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Compile-time assertion that HTTPStore implements Store.
var _ Store = (*HTTPStore)(nil)

// HTTPStore talks to a mem0-compatible memory server over its REST API:
// POST /memories for add, POST /search for search, DELETE /memories/{id}.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
}

// HTTPOption is a functional option for HTTPStore.
type HTTPOption func(*HTTPStore)

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPStore) {
		s.httpClient = c
	}
}

// NewHTTPStore creates an HTTPStore for the memory server at baseURL.
func NewHTTPStore(baseURL string, opts ...HTTPOption) (*HTTPStore, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("vecstore: base URL must not be empty")
	}
	s := &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// addRequest is the JSON body for POST /memories.
type addRequest struct {
	Messages []Message `json:"messages"`
	UserID   string    `json:"user_id"`
	Infer    bool      `json:"infer"`
	Prompt   string    `json:"prompt,omitempty"`
}

// searchRequest is the JSON body for POST /search.
type searchRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

// Add implements Store.
func (s *HTTPStore) Add(ctx context.Context, messages []Message, namespace string, opts AddOptions) (any, error) {
	body := addRequest{
		Messages: messages,
		UserID:   namespace,
		Infer:    opts.Infer,
		Prompt:   opts.Prompt,
	}
	return s.postJSON(ctx, "/memories", body)
}

// Search implements Store.
func (s *HTTPStore) Search(ctx context.Context, query string, namespace string, limit int) (any, error) {
	body := searchRequest{Query: query, UserID: namespace, Limit: limit}
	return s.postJSON(ctx, "/search", body)
}

// Delete implements Store.
func (s *HTTPStore) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.baseURL+"/memories/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("vecstore: create delete request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vecstore: delete %s: %w", id, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("vecstore: delete %s: server returned HTTP %d", id, resp.StatusCode)
	}
	return nil
}

// postJSON sends body to path and decodes the response as a generic value.
func (s *HTTPStore) postJSON(ctx context.Context, path string, body any) (any, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("vecstore: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("vecstore: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vecstore: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vecstore: POST %s: server returned HTTP %d", path, resp.StatusCode)
	}

	var decoded any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("vecstore: decode response: %w", err)
	}
	return decoded, nil
}
