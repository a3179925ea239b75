package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/weathercollector/internal/ingest"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthStarting = "starting"

	recentFailureLimit = 5
	defaultRunDays     = 7
)

type HealthStatus struct {
	Health string `json:"status"`
	ingest.Status
	RecentFailures []FailureSummary `json:"recent_failures,omitempty"`
	Errors         []string         `json:"errors,omitempty"`
}

type FailureSummary struct {
	Kind       string    `json:"kind"`
	Attempt    int       `json:"attempt"`
	Stage      string    `json:"stage,omitempty"`
	HTTPStatus int64     `json:"http_status,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// healthOf classifies a scheduler snapshot.
func healthOf(st ingest.Status) string {
	switch {
	case st.Phase == ingest.PhaseIdle || st.Phase == ingest.PhaseStartup:
		return healthStarting
	case st.Phase != ingest.PhaseRunning:
		return healthDegraded
	case st.ConsecutiveFailures > 0:
		return healthDegraded
	default:
		return healthOK
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	health := HealthStatus{
		Health: healthOf(st),
		Status: st,
	}

	if s.journal != nil {
		runs, err := s.journal.GetRecentFailures(recentFailureLimit)
		if err != nil {
			health.Errors = append(health.Errors, "journal: "+err.Error())
		}
		for _, run := range runs {
			fs := FailureSummary{
				Kind:       run.Kind,
				Attempt:    run.Attempt,
				Stage:      run.Stage.String,
				HTTPStatus: run.HTTPStatus.Int64,
				Error:      run.ErrorMessage.String,
				At:         run.StartedAt,
			}
			if run.FinishedAt.Valid {
				fs.At = run.FinishedAt.Time
			}
			health.RecentFailures = append(health.RecentFailures, fs)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Health != healthOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn("health: write response", "error", err)
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "run journal disabled", http.StatusNotFound)
		return
	}

	days := defaultRunDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 365 {
			http.Error(w, "days must be between 1 and 365", http.StatusBadRequest)
			return
		}
		days = n
	}

	summaries, err := s.journal.GetRunHealth(days)
	if err != nil {
		s.logger.Error("runs: query journal", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	type daySummary struct {
		Date          string `json:"date"`
		Kind          string `json:"kind"`
		Total         int    `json:"total"`
		Succeeded     int    `json:"succeeded"`
		Failed        int    `json:"failed"`
		FetchErrors   int    `json:"fetch_errors"`
		PublishErrors int    `json:"publish_errors"`
	}
	out := make([]daySummary, 0, len(summaries))
	for _, h := range summaries {
		out = append(out, daySummary{
			Date:          h.Date,
			Kind:          h.Kind,
			Total:         h.TotalRuns,
			Succeeded:     h.SuccessRuns,
			Failed:        h.FailedRuns,
			FetchErrors:   h.FetchErrors,
			PublishErrors: h.PublishErrors,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Warn("runs: write response", "error", err)
	}
}
