package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/api"
	"github.com/ianktoo/image-converter/internal/archive"
	"github.com/ianktoo/image-converter/internal/batch"
	"github.com/ianktoo/image-converter/internal/codec"
	"github.com/ianktoo/image-converter/internal/config"
	"github.com/ianktoo/image-converter/internal/database"
	"github.com/ianktoo/image-converter/internal/fetch"
	"github.com/ianktoo/image-converter/internal/ledger"
	"github.com/ianktoo/image-converter/internal/service"
	"github.com/ianktoo/image-converter/internal/storage"
	"github.com/ianktoo/image-converter/internal/task"
	"github.com/ianktoo/image-converter/internal/worker"
)

// app holds what graceful shutdown has to drain.
type app struct {
	svc     *service.Service
	pool    *worker.Pool
	batches *batch.Coordinator
	db      *database.DB
}

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal().Err(err).Msg("failed to load .env")
	}
	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := storage.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	a, err := buildApp(baseCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build service")
	}
	if err := a.svc.Recover(baseCtx); err != nil {
		log.Warn().Err(err).Msg("recovery incomplete")
	}
	a.pool.Start(baseCtx)
	go a.svc.RunRetention(baseCtx)

	router := setupRouter()
	api.NewAPI(a.svc).RegisterRoutes(router)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Str("data_dir", cfg.DataDir).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, a, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

// buildApp wires the components. With a database URL the ledger and batch
// records live in Postgres; otherwise in memory and under the data dir.
func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	fs, err := storage.NewFS(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	log.Info().Str("root", fs.Root()).Msg("artifact storage ready")

	var (
		db         *database.DB
		usageStore ledger.Store
		batchStore batch.Store
	)
	if cfg.DatabaseURL != "" {
		db, err = database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		usageStore = ledger.NewPostgresStore(db)
		batchStore = batch.NewPostgresStore(db)
		log.Info().Msg("using postgres for usage and batch records")
	} else {
		usageStore = ledger.NewMemoryStore()
		batchStore = batch.NewFileStore(cfg.DataDir)
	}

	registry := task.NewRegistry(task.NewFileStore(cfg.DataDir))
	c := codec.NewImaging()
	pool := worker.NewPool(cfg.MaxWorkers, cfg.QueueSize)
	assembler := archive.NewAssembler(fs)
	batches := batch.NewCoordinator(registry, assembler, batchStore)

	svc := service.New(cfg, service.Deps{
		Storage:   fs,
		Registry:  registry,
		Pool:      pool,
		Codec:     c,
		Batches:   batches,
		Archives:  assembler,
		Ledger:    ledger.New(usageStore),
		Fetcher:   fetch.New(cfg.URLDownloadTimeout, cfg.URLDownloadMaxBytes()),
		Converter: worker.NewConverter(registry, fs, c, cfg.JobTimeout),
	})
	return &app{svc: svc, pool: pool, batches: batches, db: db}, nil
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, a *app, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !a.pool.WaitAll(ctx) {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	a.batches.Wait()
	if a.db != nil {
		a.db.Close()
	}
	log.Info().Msg("server exited cleanly")
}
