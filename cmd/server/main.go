package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wakala/settlement/internal/api"
	"github.com/wakala/settlement/internal/batch"
	"github.com/wakala/settlement/internal/config"
	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/ingestion"
	"github.com/wakala/settlement/internal/logger"
	"github.com/wakala/settlement/internal/metrics"
	"github.com/wakala/settlement/internal/profile"
	"github.com/wakala/settlement/internal/repository"
	"github.com/wakala/settlement/internal/store"
	"github.com/wakala/settlement/internal/validation"
	"github.com/wakala/settlement/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	os.Exit(finish(log, run(cfg, log)))
}

// finish logs a failed run, flushes the logger and returns the exit code.
func finish(log *zap.Logger, err error) int {
	if err != nil {
		log.Error("server failed", zap.Error(err))
	}
	_ = log.Sync()
	if err != nil {
		return 1
	}
	return 0
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("initializing database", zap.String("path", cfg.DBPath))
	db, err := repository.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	defer db.Close()

	// Create repositories.
	profileRepo := repository.NewProfileRepo(db)
	jobRepo := repository.NewJobRepo(db)

	// Seed profiles if DB is empty.
	count, err := profileRepo.Count(ctx)
	if err != nil {
		return fmt.Errorf("count profiles: %w", err)
	}
	if count == 0 {
		log.Info("no dealer profiles, seeding from file", zap.String("path", cfg.ProfileSeedPath))
		if err := seedProfiles(ctx, profileRepo, cfg.ProfileSeedPath, log); err != nil {
			log.Warn("failed to seed profiles", zap.Error(err))
		}
	} else {
		log.Info("dealer profiles present, skipping seed", zap.Int("count", count))
	}

	kv, memKV, err := openKV(cfg)
	if err != nil {
		return err
	}
	blobs, err := openBlob(ctx, cfg)
	if err != nil {
		return err
	}

	// Create services.
	m := metrics.New()
	profiles := profile.NewCache(profileRepo, cfg.ProfileCacheTTL, m)
	resolver := profile.NewResolver(profiles, cfg.DefaultTaxRate, log, m)
	jobs := store.NewJobStore(kv, blobs, cfg.ResultTTL, cfg.ExternalizeThreshold)

	orch := batch.NewOrchestrator(resolver, validation.New(), jobs, jobRepo, batch.Limits{
		MaxRows:          cfg.MaxRows,
		DefaultChunkSize: cfg.DefaultChunkSize,
		MaxChunkSize:     cfg.MaxChunkSize,
	}, log, m)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	pool := worker.NewPool(cfg.WorkerCount, cfg.WorkerQueueSize, log)
	pool.Start(workerCtx)

	dispatcher := batch.NewDispatcher(orch, pool, jobs, jobRepo, batch.DispatcherConfig{
		Timeout: cfg.JobTimeout,
		Retry: worker.RetryPolicy{
			MaxAttempts: cfg.JobMaxAttempts,
			Backoff:     cfg.RetryBackoff,
		},
	}, log, m)
	ingestionSvc := ingestion.NewService(dispatcher, kv, jobs, cfg.ResultTTL, log)

	sweeper, err := newSweeper(cfg, log, memKV, profiles, blobs, jobRepo)
	if err != nil {
		stopWorkers()
		return err
	}
	sweeper.Start()

	// Create router.
	router := api.NewRouter(api.Deps{
		Orchestrator: orch,
		Dispatcher:   dispatcher,
		Ingestion:    ingestionSvc,
		Jobs:         jobs,
		JobRepo:      jobRepo,
		ProfileRepo:  profileRepo,
		Profiles:     profiles,
		Metrics:      m,
		Logger:       log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("dealer settlement service listening",
		zap.String("addr", "http://localhost:"+cfg.Port),
		zap.String("api_base", "/api/v1"),
		zap.String("store", cfg.StoreBackend),
		zap.String("blob", cfg.BlobBackend),
		zap.Int("workers", cfg.WorkerCount),
		zap.Strings("endpoints", []string{
			"POST   /api/v1/calculate",
			"POST   /api/v1/batches",
			"POST   /api/v1/batches/upload",
			"GET    /api/v1/batches",
			"GET    /api/v1/batches/summary",
			"GET    /api/v1/batches/{id}",
			"GET    /api/v1/batches/{id}/progress",
			"GET    /api/v1/batches/{id}/result",
			"GET    /api/v1/profiles",
			"GET    /api/v1/profiles/{code}",
			"GET    /metrics",
		}),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stopWorkers()
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	sweeper.Stop(shutdownCtx)
	stopWorkers()
	pool.Wait()
	return nil
}

// openKV returns the configured key-value backend. The second value is set
// only for the in-memory backend, which needs sweeping.
func openKV(cfg config.Config) (store.KV, *store.MemoryKV, error) {
	if cfg.StoreBackend == config.StoreRedis {
		client, err := store.DialRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisKV(client, "settlement:"), nil, nil
	}
	kv := store.NewMemoryKV()
	return kv, kv, nil
}

func openBlob(ctx context.Context, cfg config.Config) (store.Blob, error) {
	if cfg.BlobBackend == config.BlobMinio {
		return store.NewMinioBlob(ctx, store.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Secure:    cfg.MinioSecure,
		})
	}
	return store.NewFileBlob(cfg.ResultDir)
}

func newSweeper(
	cfg config.Config,
	log *zap.Logger,
	memKV *store.MemoryKV,
	profiles *profile.Cache,
	blobs store.Blob,
	jobRepo *repository.JobRepo,
) (*store.Sweeper, error) {
	tasks := []store.SweepTask{
		{Name: "profile_cache", Run: func(context.Context) (int, error) { return profiles.Sweep(), nil }},
		store.BlobSweep("result_blobs", blobs, cfg.ResultTTL),
		{Name: "job_history", Run: func(ctx context.Context) (int, error) {
			return jobRepo.DeleteOlderThan(ctx, time.Now().UTC().Add(-historyRetention))
		}},
	}
	if memKV != nil {
		tasks = append(tasks, store.SweepTask{Name: "job_records", Run: memKV.Sweep})
	}
	return store.NewSweeper(cfg.SweepSchedule, log, tasks...)
}

// historyRetention bounds how long finished job history rows are kept.
const historyRetention = 30 * 24 * time.Hour

func seedProfiles(ctx context.Context, repo *repository.ProfileRepo, path string, log *zap.Logger) error {
	// Try multiple possible locations for the seed file.
	candidates := []string{path}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(dir, path),
			filepath.Join(dir, "..", "..", path),
		)
	}

	var data []byte
	var loadErr error
	for _, p := range candidates {
		data, loadErr = os.ReadFile(p)
		if loadErr == nil {
			log.Info("loaded dealer profiles", zap.String("path", p))
			break
		}
	}
	if loadErr != nil {
		return fmt.Errorf("could not find %s in any candidate path: %w", path, loadErr)
	}

	var profiles []domain.DealerProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("unmarshal profiles: %w", err)
	}

	inserted, err := repo.BulkUpsert(ctx, profiles)
	if err != nil {
		return fmt.Errorf("bulk upsert: %w", err)
	}

	log.Info("seeded dealer profiles", zap.Int("inserted", inserted), zap.Int("in_file", len(profiles)))
	return nil
}
