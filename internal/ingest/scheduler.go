package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/weathercollector/internal/broker"
	"github.com/lox/weathercollector/internal/metrics"
	"github.com/lox/weathercollector/internal/models"
	"github.com/lox/weathercollector/internal/store"
)

const (
	DefaultInterval        = 3600 * time.Second
	DefaultFailureCooldown = 60 * time.Second
	DefaultStartupAttempts = 10
	DefaultStartupDelay    = 5 * time.Second
)

// Phase is the scheduler's position in its lifecycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStartup  Phase = "startup"
	PhaseRunning  Phase = "running"
	PhaseShutdown Phase = "shutdown"
)

type Collector interface {
	Collect(ctx context.Context) (models.Reading, error)
}

type Publisher interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, r models.Reading) error
	Close() error
}

// RunJournal records startup attempts and cycles. *store.Store satisfies it.
type RunJournal interface {
	StartRun(kind string, attempt int) (*store.Run, error)
	CompleteRun(run *store.Run) error
}

type SchedulerConfig struct {
	Interval        time.Duration
	FailureCooldown time.Duration
	StartupAttempts int
	StartupDelay    time.Duration
	Queue           string // recorded in the journal only
}

// Status is a point-in-time snapshot of the scheduler, safe to read from
// other goroutines.
type Status struct {
	Phase               Phase     `json:"phase"`
	Connection          string    `json:"connection"`
	Cycles              int       `json:"cycles"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at,omitzero"`
}

// Scheduler drives the collector and publisher: a bounded startup connect,
// then fetch, publish and sleep forever, until ctx is cancelled. All work
// happens on the goroutine that calls Run.
type Scheduler struct {
	collector Collector
	publisher Publisher
	journal   RunJournal
	cfg       SchedulerConfig
	logger    *slog.Logger
	timer     backoff.Timer
	now       func() time.Time

	mu     sync.Mutex
	status Status
}

func NewScheduler(collector Collector, publisher Publisher, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = DefaultFailureCooldown
	}
	if cfg.StartupAttempts <= 0 {
		cfg.StartupAttempts = DefaultStartupAttempts
	}
	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = DefaultStartupDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		collector: collector,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		timer:     &wallTimer{},
		now:       time.Now,
		status: Status{
			Phase:      PhaseIdle,
			Connection: broker.Disconnected.String(),
		},
	}
}

// SetJournal configures the scheduler to record every startup attempt and
// cycle.
func (s *Scheduler) SetJournal(j RunJournal) {
	s.journal = j
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run connects to the broker and then collects until ctx is cancelled. It
// returns nil on a clean shutdown and the last connect error when startup
// attempts are exhausted. The publisher is closed before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.shutdown()

	if err := s.Startup(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	s.setPhase(PhaseRunning)
	s.logger.Info("collection loop started",
		"interval", s.cfg.Interval.String(),
		"failure_cooldown", s.cfg.FailureCooldown.String(),
	)

	for {
		wait := s.cfg.Interval
		err := s.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		st := s.Status()
		if err != nil {
			wait = s.cfg.FailureCooldown
			s.logger.Error("collection cycle failed",
				"phase", PhaseRunning,
				"cycle", st.Cycles,
				"stage", failedStage(err),
				"consecutive_failures", st.ConsecutiveFailures,
				"retry_in", wait.String(),
				"error", err,
			)
		} else {
			s.logger.Info("waiting for next collection",
				"cycle", st.Cycles,
				"next_in", wait.String(),
			)
		}

		if !s.sleep(ctx, wait) {
			return nil
		}
	}
}

// RunOnce connects, runs a single cycle and closes the publisher.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	defer s.shutdown()

	if err := s.Startup(ctx); err != nil {
		return err
	}
	s.setPhase(PhaseRunning)
	return s.RunCycle(ctx)
}

// Startup calls Publisher.Connect up to StartupAttempts times, waiting
// StartupDelay between attempts.
func (s *Scheduler) Startup(ctx context.Context) error {
	s.setPhase(PhaseStartup)

	maxAttempts := s.cfg.StartupAttempts
	attempt := 0

	operation := func() error {
		attempt++
		run := s.startRun(store.RunKindStartup, attempt)
		err := s.publisher.Connect(ctx)
		s.completeRun(run, store.StageConnect, err)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		s.logger.Warn("broker not ready",
			"phase", PhaseStartup,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"retry_in", next.String(),
			"error", err,
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.StartupDelay), uint64(maxAttempts-1)),
		ctx,
	)
	if err := backoff.RetryNotifyWithTimer(operation, b, notify, s.timer); err != nil {
		s.setConnection(broker.Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error("could not connect to broker",
			"phase", PhaseStartup,
			"attempts", attempt,
			"max_attempts", maxAttempts,
			"error", err,
		)
		return fmt.Errorf("startup: %d attempts: %w", attempt, err)
	}

	s.setConnection(broker.Connected)
	s.logger.Info("broker connection established", "phase", PhaseStartup, "attempts", attempt)
	return nil
}

// RunCycle fetches one reading and publishes it.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	cycle := s.beginCycle()
	run := s.startRun(store.RunKindCycle, cycle)

	reading, err := s.collector.Collect(ctx)
	if err != nil {
		err = fmt.Errorf("collect: %w", err)
		s.completeRun(run, store.StageFetch, err)
		s.endCycle(err)
		return err
	}

	if flags := ValidateReading(reading); len(flags) > 0 {
		s.logger.Warn("reading outside expected ranges",
			"cycle", cycle,
			"flags", flags,
			"weather_code", int(reading.Metrics.WeatherCode),
		)
	}

	if err := s.publisher.Publish(ctx, reading); err != nil {
		err = fmt.Errorf("publish: %w", err)
		s.completeRun(run, store.StagePublish, err)
		s.endCycle(err)
		return err
	}

	if run != nil {
		if body, err := json.Marshal(reading); err == nil {
			run.MessageBytes = sql.NullInt64{Int64: int64(len(body)), Valid: true}
		}
	}
	s.completeRun(run, "", nil)
	s.endCycle(nil)
	return nil
}

func (s *Scheduler) shutdown() {
	s.setPhase(PhaseShutdown)
	s.logger.Info("shutting down")
	if err := s.publisher.Close(); err != nil {
		s.logger.Warn("close publisher", "error", err)
	}
	s.setConnection(broker.Disconnected)
}

// sleep waits d on the scheduler timer. Returns false if ctx was cancelled.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	s.timer.Start(d)
	defer s.timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.timer.C():
		return true
	}
}

func (s *Scheduler) setPhase(p Phase) {
	s.mu.Lock()
	s.status.Phase = p
	s.mu.Unlock()
}

func (s *Scheduler) setConnection(state broker.ConnectionState) {
	s.mu.Lock()
	s.status.Connection = state.String()
	s.mu.Unlock()
}

func (s *Scheduler) beginCycle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Cycles++
	return s.status.Cycles
}

func (s *Scheduler) endCycle(err error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if sp, ok := s.publisher.(interface{ State() broker.ConnectionState }); ok {
		s.status.Connection = sp.State().String()
	}

	if err != nil {
		s.status.ConsecutiveFailures++
		s.status.LastError = err.Error()
		s.status.LastErrorAt = now
		metrics.CyclesTotal.WithLabelValues(failedStage(err) + "_error").Inc()
		return
	}
	s.status.ConsecutiveFailures = 0
	s.status.LastSuccess = now
	metrics.CyclesTotal.WithLabelValues("ok").Inc()
	metrics.LastSuccessTimestamp.Set(float64(now.Unix()))
}

func (s *Scheduler) startRun(kind string, attempt int) *store.Run {
	if s.journal == nil {
		return nil
	}
	run, err := s.journal.StartRun(kind, attempt)
	if err != nil {
		s.logger.Warn("journal start run", "kind", kind, "attempt", attempt, "error", err)
		return nil
	}
	return run
}

func (s *Scheduler) completeRun(run *store.Run, stage string, err error) {
	if s.journal == nil || run == nil {
		return
	}

	run.Success = err == nil
	if s.cfg.Queue != "" {
		run.Queue = sql.NullString{String: s.cfg.Queue, Valid: true}
	}
	if err != nil {
		run.Stage = sql.NullString{String: stage, Valid: true}
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		var fe *FetchError
		if errors.As(err, &fe) && fe.StatusCode > 0 {
			run.HTTPStatus = sql.NullInt64{Int64: int64(fe.StatusCode), Valid: true}
		}
	}

	if err := s.journal.CompleteRun(run); err != nil {
		s.logger.Warn("journal complete run", "id", run.ID, "error", err)
	}
}

func failedStage(err error) string {
	var fe *FetchError
	var pe *broker.PublishError
	switch {
	case errors.As(err, &fe):
		return store.StageFetch
	case errors.As(err, &pe):
		return store.StagePublish
	default:
		return "cycle"
	}
}
