// Package health serves the liveness and readiness probes for the Cadenza
// server.
//
//   - /healthz - liveness; a process that can answer HTTP is alive.
//   - /readyz  - readiness; 200 only when every registered [Check] passes.
//
// Readiness probes run concurrently, each bounded by [probeTimeout], so one
// slow dependency cannot stretch the whole request. The response is a JSON
// object with a top-level "status" and a per-check "checks" map.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// probeTimeout bounds each individual readiness probe.
const probeTimeout = 5 * time.Second

// Check is a named readiness probe. Probe returns nil when the dependency is
// usable and an error describing the failure otherwise. It must respect
// context cancellation.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// checkResult is the per-check entry in the readiness response.
type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// report is the JSON response body for both probe endpoints.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The check list is fixed at construction
// time; Handler is safe for concurrent use.
type Handler struct {
	checks []Check
}

// New creates a Handler that evaluates the given checks on each /readyz
// request.
func New(checks ...Check) *Handler {
	c := make([]Check, len(checks))
	copy(c, checks)
	return &Handler{checks: c}
}

// Liveness always returns 200 OK.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readiness runs every check concurrently and returns 200 only when all of
// them pass.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	results := make([]checkResult, len(h.checks))

	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			if err := c.Probe(ctx); err != nil {
				results[i] = checkResult{Status: "fail", Error: err.Error()}
			} else {
				results[i] = checkResult{Status: "ok"}
			}
		}(i, c)
	}
	wg.Wait()

	rep := report{Status: "ok", Checks: make(map[string]checkResult, len(h.checks))}
	status := http.StatusOK
	for i, c := range h.checks {
		rep.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, rep)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Liveness)
	mux.HandleFunc("GET /readyz", h.Readiness)
}

// Pinger is the slice of a connection pool the database check needs.
// Satisfied by [pgxpool.Pool].
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database probes the PostgreSQL pool.
func Database(p Pinger) Check {
	return Check{
		Name:  "database",
		Probe: func(ctx context.Context) error { return p.Ping(ctx) },
	}
}

// SpeechChecker is the slice of the TTS client the speech check needs.
type SpeechChecker interface {
	Healthy(ctx context.Context) bool
}

// TTS probes the speech synthesis backend.
func TTS(c SpeechChecker) Check {
	return Check{
		Name: "tts",
		Probe: func(ctx context.Context) error {
			if !c.Healthy(ctx) {
				return errUnhealthy
			}
			return nil
		},
	}
}

var errUnhealthy = &probeError{"backend reports unhealthy"}

type probeError struct{ msg string }

func (e *probeError) Error() string { return e.msg }

// Endpoint probes TCP reachability of a service URL. Works for ws://, wss://,
// http://, and https:// addresses; the STT engine and the mem0 server expose
// no cheap application-level ping, so reachability is the readiness signal.
func Endpoint(name, rawURL string) Check {
	return Check{
		Name: name,
		Probe: func(ctx context.Context) error {
			u, err := url.Parse(rawURL)
			if err != nil {
				return err
			}
			host := u.Host
			if u.Port() == "" {
				switch u.Scheme {
				case "https", "wss":
					host = net.JoinHostPort(u.Hostname(), "443")
				default:
					host = net.JoinHostPort(u.Hostname(), "80")
				}
			}
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", host)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}

// writeJSON encodes v with the given status code. Falls back to a plain 500
// on encoding failure.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
