// Package main implements a Cloud Run service that relays blood bank
// notifications to browser push subscribers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/option"

	"bloodbank-notifier/config"
	"bloodbank-notifier/delivery"
	"bloodbank-notifier/metrics"
	"bloodbank-notifier/pkg/relay"
	"bloodbank-notifier/push"
	"bloodbank-notifier/records"
	"bloodbank-notifier/registry"
	"bloodbank-notifier/schedule"
	"bloodbank-notifier/server"
	"bloodbank-notifier/storage"
	"bloodbank-notifier/sweep"
	"bloodbank-notifier/trigger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

// run wires the relay together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	creds, err := cfg.CredentialsJSON()
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	store, closeStore, err := openSubscriptionStore(ctx, cfg, creds, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New(store, logger, registry.WithMetrics(m))
	reg.Hydrate(ctx)

	engine := delivery.New(reg, newPusher(cfg, logger), logger,
		delivery.WithConcurrency(cfg.DeliveryConcurrency),
		delivery.WithMetrics(m))
	sweeper := sweep.New(reg, cfg.SweepInterval, m, logger)

	repo, err := openRecords(ctx, cfg, creds, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("Failed to close records store", "error", err)
		}
	}()

	trig, err := newTriggers(cfg, engine, repo, logger)
	if err != nil {
		return err
	}

	sched, err := newScheduler(cfg, trig, sweeper, logger)
	if err != nil {
		return err
	}

	srv := server.New(&server.Config{
		Registry:         reg,
		Broadcaster:      engine,
		Sweeper:          sweeper,
		Records:          repo,
		Gatherer:         promReg,
		Logger:           logger,
		RateLimitPerHour: cfg.RateLimitPerHour,
	})
	httpServer := srv.HTTPServer(cfg.Port)

	go watchDonors(ctx, repo, trig, logger)
	sched.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Port, "push_enabled", cfg.PushEnabled(), "firestore", cfg.FirestoreEnabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}
	sched.Stop(shutdownCtx)
	if err := srv.Wait(shutdownCtx); err != nil {
		logger.Warn("Broadcasts still running at shutdown", "error", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// openSubscriptionStore returns the durable mirror of the registry: a local
// directory in development, a Cloud Storage bucket otherwise.
func openSubscriptionStore(ctx context.Context, cfg *config.Config, creds []byte, logger *slog.Logger) (*storage.Store, func(), error) {
	if cfg.LocalStorage != "" {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return storage.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}

	client, err := gcs.NewClient(ctx, clientOptions(ctx, creds, logger)...)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	logger.Info("Using Cloud Storage for subscriptions", "bucket", cfg.StorageBucket)
	return storage.New(client, cfg.StorageBucket, "", logger), closeFn, nil
}

// openRecords picks Firestore when a project is configured, else SQLite.
func openRecords(ctx context.Context, cfg *config.Config, creds []byte, logger *slog.Logger) (records.Repository, error) {
	if cfg.FirestoreEnabled() {
		warnWithoutCredentials(ctx, creds, logger)
		logger.Info("Using Firestore for donor and event records", "project", cfg.Firebase.ProjectID)
		return records.NewFirestore(ctx, cfg.Firebase.ProjectID, creds, logger)
	}
	logger.Info("Using SQLite for donor and event records", "path", cfg.SQLitePath)
	return records.OpenSQLite(ctx, cfg.SQLitePath, cfg.DonorPollInterval, logger)
}

func newPusher(cfg *config.Config, logger *slog.Logger) delivery.Pusher {
	if !cfg.PushEnabled() {
		logger.Info("Mock push mode enabled (no VAPID keys)")
		return push.NewMockProvider(logger)
	}
	return push.NewWebPush(push.Config{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subject:    cfg.VAPIDSubject,
		TTL:        cfg.PushTTL,
	}, nil, logger)
}

func newTriggers(cfg *config.Config, b trigger.Broadcaster, events trigger.EventStore, logger *slog.Logger) (*trigger.Triggers, error) {
	policy, err := trigger.ParsePolicy(cfg.EventNotifyPolicy)
	if err != nil {
		return nil, fmt.Errorf("EVENT_NOTIFY_POLICY: %w", err)
	}
	return trigger.New(b, events, logger,
		trigger.WithPolicy(policy),
		trigger.WithLocation(cfg.Location)), nil
}

// newScheduler registers the daily event checks, the cleanup job and the
// periodic subscription sweep.
func newScheduler(cfg *config.Config, trig *trigger.Triggers, sweeper *sweep.Sweeper, logger *slog.Logger) (*schedule.Scheduler, error) {
	times, err := schedule.ParseTimes(cfg.NotifyTimes)
	if err != nil {
		return nil, fmt.Errorf("NOTIFY_TIMES: %w", err)
	}

	sched := schedule.New(cfg.Location, logger)
	for _, at := range times {
		err := sched.AddDaily("event-check "+at, at, func(ctx context.Context) {
			if _, err := trig.OnScheduledCheck(ctx); err != nil {
				logger.Error("Scheduled event check failed", "error", err)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	err = sched.AddDaily("event-cleanup", cfg.CleanupTime, func(ctx context.Context) {
		if _, err := trig.CleanupPastEvents(ctx); err != nil {
			logger.Error("Event cleanup failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	err = sched.AddInterval("subscription-sweep", sweeper.Interval(), func(ctx context.Context) {
		sweeper.Sweep(ctx)
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// watchDonors announces new donors until ctx is cancelled. Each
// announcement runs on its own so a slow pass never stalls the feed.
func watchDonors(ctx context.Context, repo records.Repository, trig *trigger.Triggers, logger *slog.Logger) {
	err := repo.WatchDonors(ctx, func(ctx context.Context, d relay.Donor) {
		go trig.OnDonorAdded(context.WithoutCancel(ctx), d)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Donor change feed stopped", "error", err)
	}
}

func clientOptions(ctx context.Context, creds []byte, logger *slog.Logger) []option.ClientOption {
	if creds != nil {
		return []option.ClientOption{option.WithCredentialsJSON(creds)}
	}
	warnWithoutCredentials(ctx, creds, logger)
	return nil
}

// warnWithoutCredentials flags ADC use outside Cloud Run, where it usually
// means a missing GOOGLE_CREDENTIALS_JSON.
func warnWithoutCredentials(ctx context.Context, creds []byte, logger *slog.Logger) {
	if creds == nil && !isCloudRun(ctx) {
		logger.Warn("No explicit Google credentials outside Cloud Run, relying on Application Default Credentials")
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

var metadataURL = "http://metadata.google.internal/computeMetadata/v1/project/project-id"
