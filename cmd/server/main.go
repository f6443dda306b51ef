package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/JonMunkholm/pipeimport/internal/archive"
	"github.com/JonMunkholm/pipeimport/internal/config"
	"github.com/JonMunkholm/pipeimport/internal/core"
	"github.com/JonMunkholm/pipeimport/internal/database"
	"github.com/JonMunkholm/pipeimport/internal/logging"
	"github.com/JonMunkholm/pipeimport/internal/memstore"
	"github.com/JonMunkholm/pipeimport/internal/session"
	"github.com/JonMunkholm/pipeimport/internal/tracing"
	"github.com/JonMunkholm/pipeimport/internal/web"
)

func main() {
	activateProject := flag.String("activate-template", "", "project id to install a milestone template for, then exit")
	templateFile := flag.String("template", "", "milestone template JSON file (default: built-in template)")
	flag.Parse()

	// Load .env file if it exists (Overload overwrites existing env vars)
	envLoaded := godotenv.Overload() == nil

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	log.Infow("configuration loaded",
		"env_file", envLoaded,
		"port", cfg.Server.Port,
		"store_driver", cfg.Database.Driver,
		"session_driver", cfg.Session.Driver,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, log)
	if err != nil {
		log.Fatalw("failed to set up tracing", "error", err)
	}

	var checks []web.ServerOption

	var store core.Store
	switch cfg.Database.Driver {
	case "memory":
		log.Warnw("using in-memory component store; data is lost on restart")
		store = memstore.New(memstore.WithDefaultTemplate([]byte(core.DefaultTemplateJSON)))
	default:
		pool, err := connectDatabase(ctx, cfg.Database, log)
		if err != nil {
			log.Fatalw("failed to connect to database", "error", err)
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool); err != nil {
			log.Fatalw("failed to apply schema", "error", err)
		}
		pg := database.NewStore(pool)
		store = pg
		checks = append(checks, web.WithHealthCheck("database", func(ctx context.Context) error {
			return pg.Ping(ctx, time.Second)
		}))

		if *activateProject != "" {
			if err := activateTemplate(ctx, pg, *activateProject, *templateFile, log); err != nil {
				log.Fatalw("failed to activate milestone template", "error", err)
			}
			return
		}
	}
	if *activateProject != "" {
		log.Fatalw("-activate-template requires STORE_DRIVER=postgres")
	}

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	var sessions core.SessionStore
	switch cfg.Session.Driver {
	case "redis":
		rs, err := session.NewRedisStore(ctx, session.RedisOptions{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
			TTL:         cfg.Session.TTL,
		})
		if err != nil {
			log.Fatalw("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		}
		defer func() { _ = rs.Close() }()
		sessions = rs
		checks = append(checks, web.WithHealthCheck("redis", rs.Ping))
	default:
		ms := session.NewMemoryStore(cfg.Session.TTL)
		go ms.StartSweeper(jobCtx, cfg.Session.SweepInterval)
		sessions = ms
	}

	aliases, err := core.LoadAliases(cfg.Import.AliasFile)
	if err != nil {
		log.Fatalw("failed to load header aliases", "path", cfg.Import.AliasFile, "error", err)
	}

	opts := []core.Option{core.WithMapper(core.NewMapper(aliases, cfg.Import.FuzzyThreshold))}
	if cfg.Archive.Enabled {
		arch, err := archive.NewS3(ctx, archive.Options{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			log.Fatalw("failed to set up source archive", "error", err)
		}
		opts = append(opts, core.WithArchive(arch))
		log.Infow("source file archive enabled", "bucket", cfg.Archive.Bucket)
	}

	service := core.NewService(store, sessions, serviceConfig(cfg), opts...)
	server := web.NewServer(service, cfg, checks...)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if status := service.LimiterStatus(); status.Active > 0 {
			log.Infow("waiting for imports to complete", "active", status.Active)
		}
		if err := service.WaitForImports(shutdownCtx); err != nil {
			log.Warnw("imports did not complete in time", "error", err)
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorw("shutdown error", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown error", "error", err)
		}
	}()

	log.Infow("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil {
		log.Infow("server stopped", "error", err)
	}
}

// connectDatabase opens and verifies the connection pool.
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig, log *zap.SugaredLogger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if u, err := url.Parse(cfg.URL); err == nil {
		log.Infow("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		log.Info("connected to database")
	}
	return pool, nil
}

// activateTemplate installs a milestone template for one project.
func activateTemplate(ctx context.Context, store *database.Store, project, path string, log *zap.SugaredLogger) error {
	projectID, err := uuid.Parse(project)
	if err != nil {
		return fmt.Errorf("invalid project id %q: %w", project, err)
	}
	doc := []byte(core.DefaultTemplateJSON)
	if path != "" {
		if doc, err = os.ReadFile(path); err != nil {
			return err
		}
	}
	rec, err := store.ActivateTemplate(ctx, projectID, doc)
	if err != nil {
		return err
	}
	log.Infow("milestone template activated", "project_id", projectID, "version", rec.Version)
	return nil
}

func serviceConfig(cfg *config.Config) core.ServiceConfig {
	return core.ServiceConfig{
		MaxFileSize:     cfg.Import.MaxFileSize,
		MaxRows:         cfg.Import.MaxRows,
		PreviewRows:     cfg.Import.PreviewRows,
		SoftBudget:      cfg.Import.SoftBudget,
		ProcessTimeout:  cfg.Import.ProcessTimeout,
		ValidateWorkers: cfg.Import.ValidateWorkers,
		MaxConcurrent:   cfg.Import.MaxConcurrent,
		MaxWait:         cfg.Import.MaxWaitTime,
		Commit: core.CommitConfig{
			SubBatchSize:    cfg.Import.SubBatchSize,
			SubBatchTimeout: cfg.Import.SubBatchTimeout,
			LockAttempts:    cfg.Import.LockAttempts,
			LockBackoff:     cfg.Import.LockBackoff,
		},
	}
}
