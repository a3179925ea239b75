package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/lox/weathercollector/internal/api"
	"github.com/lox/weathercollector/internal/broker"
	"github.com/lox/weathercollector/internal/config"
	"github.com/lox/weathercollector/internal/httputil"
	"github.com/lox/weathercollector/internal/ingest"
	"github.com/lox/weathercollector/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "collector: %s\n", err)
		cancel()
		os.Exit(1)
	}
}

// run returns nil on clean shutdown and an error when configuration is
// invalid or the broker could not be reached at startup.
func run(ctx context.Context, stdout io.Writer, args []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	var journal *store.Store
	if cfg.JournalDB != "" {
		journal, err = store.Open(cfg.JournalDB, logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()

		if deleted, err := journal.CleanupOldRuns(cfg.JournalRetentionDays); err != nil {
			logger.Warn("journal cleanup failed", "error", err)
		} else if deleted > 0 {
			logger.Info("journal cleaned up", "deleted", deleted, "retention_days", cfg.JournalRetentionDays)
		}
	}

	fetcher := ingest.NewOpenMeteo(ingest.OpenMeteoConfig{
		BaseURL:   cfg.WeatherAPIURL,
		Latitude:  cfg.Latitude,
		Longitude: cfg.Longitude,
		Timeout:   cfg.FetchTimeout.Std(),

		BreakerTimeout: cfg.FailureCooldown.Std(),
	}, httputil.NewClient(cfg.FetchTimeout.Std()), logger)

	publisher := broker.NewPublisher(broker.Config{
		URL:   cfg.BrokerURL(),
		Queue: cfg.RabbitMQQueue,
	}, broker.DialAMQP, logger)

	scheduler := ingest.NewScheduler(fetcher, publisher, ingest.SchedulerConfig{
		Interval:        cfg.CollectionInterval.Std(),
		FailureCooldown: cfg.FailureCooldown.Std(),
		StartupAttempts: cfg.StartupAttempts,
		StartupDelay:    cfg.StartupDelay.Std(),
		Queue:           cfg.RabbitMQQueue,
	}, logger)
	if journal != nil {
		scheduler.SetJournal(journal)
	}

	logger.Info("weather collector starting",
		"latitude", cfg.Latitude,
		"longitude", cfg.Longitude,
		"broker", fmt.Sprintf("%s:%d", cfg.RabbitMQHost, cfg.RabbitMQPort),
		"queue", cfg.RabbitMQQueue,
		"interval", cfg.CollectionInterval.String(),
	)

	if cfg.Once {
		if err := scheduler.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("done")
		return nil
	}

	if cfg.StatusAddr != "" {
		var j api.Journal
		if journal != nil {
			j = journal
		}
		server := api.NewServer(scheduler, j, cfg.StatusAddr, logger)
		go func() {
			if err := server.Run(ctx); err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
	}

	if err := scheduler.Run(ctx); err != nil {
		return err
	}
	logger.Info("weather collector stopped")
	return nil
}
