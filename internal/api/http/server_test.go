package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Paintersrp/cheese/internal/api"
	"github.com/Paintersrp/cheese/internal/engine"
)

type mockProvider struct {
	statusFn func(stdcontext.Context) (*api.StatusReport, error)
	jobFn    func(stdcontext.Context, string) (*api.JobReport, error)
}

func (m *mockProvider) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	if m.statusFn == nil {
		return &api.StatusReport{}, nil
	}
	return m.statusFn(ctx)
}

func (m *mockProvider) Job(ctx stdcontext.Context, name string) (*api.JobReport, error) {
	if m.jobFn == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownJob, name)
	}
	return m.jobFn(ctx, name)
}

func newTestServer(t *testing.T, provider api.Provider) *Server {
	t.Helper()
	srv, err := NewServer(Config{Provider: provider, Gatherer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func serve(srv *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestNewServerRejectsMissingProvider(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected error without provider")
	}
	var typedNil *mockProvider
	_, err := NewServer(Config{Provider: typedNil})
	if err == nil || !strings.Contains(err.Error(), "mockProvider") {
		t.Fatalf("expected typed nil provider to be rejected, got %v", err)
	}
}

func TestNormalizeAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           defaultAddr,
		":80":        "127.0.0.1:80",
		"0.0.0.0:80": "0.0.0.0:80",
		"host:9000":  "host:9000",
		"[::1]:443":  "[::1]:443",
	}

	for input, expected := range tests {
		input, expected := input, expected
		t.Run(fmt.Sprintf("%s->%s", input, expected), func(t *testing.T) {
			t.Parallel()
			if got := normalizeAddr(input); got != expected {
				t.Fatalf("normalizeAddr(%q)=%q, want %q", input, got, expected)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	srv := newTestServer(t, &mockProvider{
		statusFn: func(stdcontext.Context) (*api.StatusReport, error) {
			return &api.StatusReport{
				GeneratedAt: time.Unix(123, 0),
				Jobs:        map[string]api.JobReport{"home": {Name: "home", State: engine.EventTypeCompleted}},
			}, nil
		},
	})

	rec := serve(srv, http.MethodGet, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}
	var body api.StatusReport
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed decoding response: %v", err)
	}
	if body.Jobs["home"].State != engine.EventTypeCompleted {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestHandleStatusError(t *testing.T) {
	srv := newTestServer(t, &mockProvider{
		statusFn: func(stdcontext.Context) (*api.StatusReport, error) {
			return nil, errors.New("boom")
		},
	})

	rec := serve(srv, http.MethodGet, "/api/v1/status")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != "internal_error" {
		t.Fatalf("expected internal_error code, got %q", body.Code)
	}
}

func TestHandleStatusMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &mockProvider{})
	rec := serve(srv, http.MethodPost, "/api/v1/status")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleJob(t *testing.T) {
	srv := newTestServer(t, &mockProvider{
		jobFn: func(_ stdcontext.Context, name string) (*api.JobReport, error) {
			if name != "home" {
				return nil, fmt.Errorf("%w: %s", api.ErrUnknownJob, name)
			}
			return &api.JobReport{Name: "home", Kills: 2}, nil
		},
	})

	rec := serve(srv, http.MethodGet, "/api/v1/jobs/home")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report api.JobReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Kills != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	rec = serve(srv, http.MethodGet, "/api/v1/jobs/ghost")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != "unknown_job" {
		t.Fatalf("expected unknown_job, got %q", body.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &mockProvider{})
	if rec := serve(srv, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	if rec := serve(srv, http.MethodGet, "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", rec.Code)
	}
	if rec := serve(srv, http.MethodGet, "/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path returned %d", rec.Code)
	}
}

func TestServerRunServesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tracker := api.NewTracker()
	tracker.Apply(engine.Event{Job: "home", Type: engine.EventTypeStarting, Attempt: 1})

	srv, err := NewServer(Config{Provider: tracker, Listener: ln})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/jobs/home")
	if err != nil {
		cancel()
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"state":"starting"`) {
		cancel()
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}
