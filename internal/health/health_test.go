package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) report {
	t.Helper()
	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestLivenessAlwaysOK(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadinessAllPass(t *testing.T) {
	h := New(
		Check{Name: "database", Probe: func(context.Context) error { return nil }},
		Check{Name: "tts", Probe: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decode(t, rec)
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	for _, name := range []string{"database", "tts"} {
		if body.Checks[name].Status != "ok" {
			t.Errorf("%s = %+v, want ok", name, body.Checks[name])
		}
	}
}

func TestReadinessOneFails(t *testing.T) {
	h := New(
		Check{Name: "database", Probe: func(context.Context) error {
			return errors.New("connection refused")
		}},
		Check{Name: "tts", Probe: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decode(t, rec)
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	db := body.Checks["database"]
	if db.Status != "fail" || db.Error != "connection refused" {
		t.Errorf("database = %+v", db)
	}
	if body.Checks["tts"].Status != "ok" {
		t.Errorf("tts = %+v, want ok", body.Checks["tts"])
	}
}

func TestReadinessNoChecks(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadinessRespectsCancellation(t *testing.T) {
	h := New(Check{Name: "slow", Probe: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegisterRoutes(t *testing.T) {
	h := New(Check{Name: "x", Probe: func(context.Context) error { return nil }})
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestDatabaseCheck(t *testing.T) {
	ok := Database(pingFunc(func(context.Context) error { return nil }))
	if err := ok.Probe(context.Background()); err != nil {
		t.Errorf("Probe() = %v, want nil", err)
	}

	down := Database(pingFunc(func(context.Context) error { return errors.New("down") }))
	if err := down.Probe(context.Background()); err == nil {
		t.Error("Probe() = nil, want error")
	}
}

type healthyFunc func(ctx context.Context) bool

func (f healthyFunc) Healthy(ctx context.Context) bool { return f(ctx) }

func TestTTSCheck(t *testing.T) {
	c := TTS(healthyFunc(func(context.Context) bool { return false }))
	if err := c.Probe(context.Background()); err == nil {
		t.Error("Probe() = nil, want error for unhealthy backend")
	}
	c = TTS(healthyFunc(func(context.Context) bool { return true }))
	if err := c.Probe(context.Background()); err != nil {
		t.Errorf("Probe() = %v, want nil", err)
	}
}

func TestEndpointCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	c := Endpoint("stt", "ws://"+ln.Addr().String())
	if err := c.Probe(context.Background()); err != nil {
		t.Errorf("Probe() = %v, want nil for reachable endpoint", err)
	}

	bad := Endpoint("stt", "://not-a-url")
	if err := bad.Probe(context.Background()); err == nil {
		t.Error("Probe() = nil, want parse error")
	}
}
