package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lox/weathercollector/internal/api"
	"github.com/lox/weathercollector/internal/ingest"
	"github.com/lox/weathercollector/internal/store"
)

type staticStatus ingest.Status

func (s staticStatus) Status() ingest.Status { return ingest.Status(s) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, discardLogger())
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     ingest.Status
		wantStatus string
		wantCode   int
	}{
		{
			name:       "starting",
			status:     ingest.Status{Phase: ingest.PhaseStartup, Connection: "disconnected"},
			wantStatus: "starting",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "healthy",
			status:     ingest.Status{Phase: ingest.PhaseRunning, Connection: "connected", Cycles: 3},
			wantStatus: "ok",
			wantCode:   http.StatusOK,
		},
		{
			name: "failing cycles",
			status: ingest.Status{
				Phase:               ingest.PhaseRunning,
				Connection:          "disconnected",
				Cycles:              4,
				ConsecutiveFailures: 2,
				LastError:           "publish: broker publish: reconnect: connection refused",
			},
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "shutting down",
			status:     ingest.Status{Phase: ingest.PhaseShutdown},
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := api.NewServer(staticStatus(tt.status), nil, ":0", discardLogger())
			w := get(t, srv.Handler(), "/health")

			if w.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", w.Code, tt.wantCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var body map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tt.wantStatus)
			}
			if body["phase"] != string(tt.status.Phase) {
				t.Errorf("phase = %v, want %s", body["phase"], tt.status.Phase)
			}
			if got := body["consecutive_failures"]; got != float64(tt.status.ConsecutiveFailures) {
				t.Errorf("consecutive_failures = %v", got)
			}
		})
	}
}

func TestHealthEndpoint_RecentFailures(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)

	run, err := s.StartRun(store.RunKindCycle, 7)
	if err != nil {
		t.Fatal(err)
	}
	run.Stage = sql.NullString{String: store.StageFetch, Valid: true}
	run.HTTPStatus = sql.NullInt64{Int64: 503, Valid: true}
	run.ErrorMessage = sql.NullString{String: "collect: fetch weather: status 503", Valid: true}
	if err := s.CompleteRun(run); err != nil {
		t.Fatal(err)
	}

	st := ingest.Status{Phase: ingest.PhaseRunning, Cycles: 7, ConsecutiveFailures: 1}
	srv := api.NewServer(staticStatus(st), s, ":0", discardLogger())
	w := get(t, srv.Handler(), "/health")

	var health api.HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(health.RecentFailures) != 1 {
		t.Fatalf("recent_failures = %+v, want 1", health.RecentFailures)
	}
	f := health.RecentFailures[0]
	if f.Kind != "cycle" || f.Attempt != 7 || f.Stage != "fetch" || f.HTTPStatus != 503 {
		t.Errorf("failure = %+v", f)
	}
}

func TestRunsEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)

	for i, ok := range []bool{true, false, true} {
		run, err := s.StartRun(store.RunKindCycle, i+1)
		if err != nil {
			t.Fatal(err)
		}
		run.Success = ok
		if !ok {
			run.Stage = sql.NullString{String: store.StagePublish, Valid: true}
		}
		s.CompleteRun(run)
	}

	srv := api.NewServer(staticStatus{}, s, ":0", discardLogger())
	w := get(t, srv.Handler(), "/api/runs?days=3")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", w.Code, w.Body.String())
	}

	var days []struct {
		Kind          string `json:"kind"`
		Total         int    `json:"total"`
		Failed        int    `json:"failed"`
		PublishErrors int    `json:"publish_errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &days); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(days) != 1 {
		t.Fatalf("days = %+v, want one summary", days)
	}
	if days[0].Total != 3 || days[0].Failed != 1 || days[0].PublishErrors != 1 {
		t.Errorf("summary = %+v", days[0])
	}
}

func TestRunsEndpoint_Errors(t *testing.T) {
	t.Parallel()

	noJournal := api.NewServer(staticStatus{}, nil, ":0", discardLogger())
	if w := get(t, noJournal.Handler(), "/api/runs"); w.Code != http.StatusNotFound {
		t.Errorf("without journal: code = %d, want 404", w.Code)
	}

	srv := api.NewServer(staticStatus{}, setupTestStore(t), ":0", discardLogger())
	for _, q := range []string{"0", "-1", "abc", "366"} {
		if w := get(t, srv.Handler(), "/api/runs?days="+q); w.Code != http.StatusBadRequest {
			t.Errorf("days=%s: code = %d, want 400", q, w.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv := api.NewServer(staticStatus{}, nil, ":0", discardLogger())

	w := get(t, srv.Handler(), "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "weathercollector_broker_connected") {
		t.Error("expected collector metrics in exposition")
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	st := ingest.Status{Phase: ingest.PhaseRunning}
	srv := api.NewServer(staticStatus(st), nil, "", discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("code = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
