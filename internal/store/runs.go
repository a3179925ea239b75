package store

import (
	"database/sql"
	"time"
)

const (
	RunKindStartup = "startup"
	RunKindCycle   = "cycle"

	StageConnect = "connect"
	StageFetch   = "fetch"
	StagePublish = "publish"
)

// Run is a single startup attempt or collection cycle.
type Run struct {
	ID           int64
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Kind         string         // "startup", "cycle"
	Attempt      int            // startup attempt or cycle number, 1-based
	Stage        sql.NullString // stage that failed, if any
	Success      bool
	HTTPStatus   sql.NullInt64
	Queue        sql.NullString
	MessageBytes sql.NullInt64
	ErrorMessage sql.NullString
}

// StartRun creates a new run record and returns it.
func (s *Store) StartRun(kind string, attempt int) (*Run, error) {
	run := &Run{
		StartedAt: s.now().UTC(),
		Kind:      kind,
		Attempt:   attempt,
	}

	result, err := s.db.Exec(`
		INSERT INTO runs (started_at, kind, attempt, success)
		VALUES (?, ?, ?, FALSE)
	`, run.StartedAt, run.Kind, run.Attempt)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteRun updates the run with its outcome.
func (s *Store) CompleteRun(run *Run) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: s.now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE runs SET
			finished_at = ?,
			stage = ?,
			success = ?,
			http_status = ?,
			queue = ?,
			message_bytes = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.Stage, run.Success, run.HTTPStatus, run.Queue,
		run.MessageBytes, run.ErrorMessage, run.ID)
	return err
}

// RunHealthSummary aggregates runs for one day and kind.
type RunHealthSummary struct {
	Date          string
	Kind          string
	TotalRuns     int
	SuccessRuns   int
	FailedRuns    int
	FetchErrors   int
	PublishErrors int
}

// GetRunHealth returns daily summaries for the last N days, newest first.
func (s *Store) GetRunHealth(days int) ([]RunHealthSummary, error) {
	rows, err := s.db.Query(`
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			kind,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			SUM(CASE WHEN stage = 'fetch' THEN 1 ELSE 0 END) as fetch_errors,
			SUM(CASE WHEN stage = 'publish' THEN 1 ELSE 0 END) as publish_errors
		FROM runs
		WHERE SUBSTR(started_at, 1, 19) > datetime('now', '-' || ? || ' days')
		GROUP BY date, kind
		ORDER BY date DESC, kind
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RunHealthSummary
	for rows.Next() {
		var h RunHealthSummary
		if err := rows.Scan(&h.Date, &h.Kind, &h.TotalRuns, &h.SuccessRuns,
			&h.FailedRuns, &h.FetchErrors, &h.PublishErrors); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentFailures returns the most recent failed runs.
func (s *Store) GetRecentFailures(limit int) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, kind, attempt, stage, success,
		       http_status, queue, message_bytes, error_message
		FROM runs
		WHERE success = FALSE AND finished_at IS NOT NULL
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Kind, &r.Attempt,
			&r.Stage, &r.Success, &r.HTTPStatus, &r.Queue, &r.MessageBytes,
			&r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LastSuccess returns when the most recent cycle completed successfully.
func (s *Store) LastSuccess() (time.Time, bool, error) {
	var finished sql.NullTime
	err := s.db.QueryRow(`
		SELECT finished_at FROM runs
		WHERE kind = ? AND success = TRUE
		ORDER BY id DESC
		LIMIT 1
	`, RunKindCycle).Scan(&finished)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return finished.Time, finished.Valid, nil
}

// CleanupOldRuns deletes runs older than retentionDays and returns the
// number of deleted records.
func (s *Store) CleanupOldRuns(retentionDays int) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM runs
		WHERE SUBSTR(started_at, 1, 19) < datetime('now', '-' || ? || ' days')
	`, retentionDays)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
