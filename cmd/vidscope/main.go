package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/vidscope/internal/api"
	"github.com/seantiz/vidscope/internal/artifact"
	"github.com/seantiz/vidscope/internal/config"
	"github.com/seantiz/vidscope/internal/engine"
	"github.com/seantiz/vidscope/internal/model"
	"github.com/seantiz/vidscope/internal/pipeline"
	"github.com/seantiz/vidscope/internal/store"
	"github.com/seantiz/vidscope/internal/submission"
)

const mongoConnectTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("vidscope: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("vidscope: starting",
		"listen_addr", cfg.ListenAddr,
		"store", cfg.Store,
		"temp_dir", cfg.TempDir,
		"analyzer", cfg.Analyzer,
	)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()

	storage, err := artifact.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return err
	}

	reg := pipeline.NewRegistry()
	if err := reg.Register(pipeline.NewMockAnalyzer(cfg.Steps, cfg.StepDelay)); err != nil {
		return err
	}
	analyzer, err := reg.Resolve(cfg.Analyzer)
	if err != nil {
		return err
	}

	cleaner := artifact.NewCleaner(storage, logger)
	eng := engine.NewEngine(st, analyzer, cleaner, logger, engine.Options{
		MaxConcurrent: cfg.MaxConcurrent,
		Timeout:       cfg.JobTimeout,
	})
	coord := submission.NewCoordinator(st, storage, eng, analyzer.Name, logger)

	sweeper := artifact.NewSweeper(storage, jobActive(st), cfg.SweepRetention, logger)
	// Leftovers of a previous process are swept once before serving.
	if _, err := sweeper.Sweep(context.Background()); err != nil {
		logger.Warn("startup sweep failed", "error", err)
	}
	if err := sweeper.Start(cfg.SweepSchedule); err != nil {
		return err
	}
	defer sweeper.Stop()

	srv := api.NewServer(api.Config{
		Addr:           cfg.ListenAddr,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Analyzer:       analyzer.Name,
	}, st, coord, eng.Broker(), reg, logger)

	runErr := srv.Run(context.Background())

	// In-flight jobs finish and release their artifacts before the store closes.
	logger.Info("waiting for running jobs")
	eng.Wait()

	return runErr
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return s, nil
	case config.StoreMongo:
		s, err := store.NewMongoStore(context.Background(), cfg.MongoURI, cfg.MongoDatabase, mongoConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// jobActive reports whether a job still owns its artifact directory. Lookup
// errors count as active so the sweeper never races a job it cannot see.
func jobActive(s store.Store) artifact.ActiveFunc {
	return func(ctx context.Context, jobID string) bool {
		j, err := s.GetJob(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			return false
		}
		if err != nil {
			return true
		}
		return !model.IsTerminal(j.Status)
	}
}
