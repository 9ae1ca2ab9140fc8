package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diagforge/refinery/pkg/config"
	"github.com/diagforge/refinery/pkg/database"
	"github.com/diagforge/refinery/pkg/llm"
	"github.com/diagforge/refinery/pkg/metrics"
	"github.com/diagforge/refinery/pkg/objectstore"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/search"
	"log/slog"
)

// getEnv mirrors the teacher's cmd/tarsy getEnv helper: everything
// that isn't part of config.Config (ports, this process's own
// identity) still falls back to a sane default rather than requiring
// every operator to set it.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// rootContext returns a context cancelled on SIGINT/SIGTERM, the
// signal every subcommand waits on before stopping its loop(s).
func rootContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func mustLoadConfig(component string) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "component", component, "error", err)
		os.Exit(1)
	}
	return cfg
}

func mustConnectDB(component string, cfg *config.Config) *database.Client {
	db, err := database.NewClient(database.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		slog.Error("failed to connect to database", "component", component, "error", err)
		os.Exit(1)
	}
	return db
}

func mustConnectQueue(ctx context.Context, component string, cfg *config.Config) *queuestore.Store {
	q, err := queuestore.New(ctx, queuestore.Config{URL: cfg.Queue.URL})
	if err != nil {
		slog.Error("failed to connect to queue store", "component", component, "error", err)
		os.Exit(1)
	}
	return q
}

func mustBuildObjectStore(ctx context.Context, component string, cfg *config.Config) *objectstore.Store {
	store, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:     cfg.Object.Endpoint,
		Region:       cfg.Object.Region,
		AccessKey:    cfg.Object.AccessKey,
		SecretKey:    cfg.Object.SecretKey,
		Bucket:       cfg.Object.Bucket,
		UsePathStyle: cfg.Object.UsePathStyle,
	})
	if err != nil {
		slog.Error("failed to build object store", "component", component, "error", err)
		os.Exit(1)
	}
	return store
}

func buildLLMClient(cfg *config.Config) *llm.Client {
	return llm.NewClient(llm.Config{
		BaseURL:         cfg.LLM.BaseURL,
		EmbeddingModel:  cfg.LLM.EmbeddingModel,
		ReasoningModel:  cfg.LLM.ReasoningModel,
		EmbedTimeout:    cfg.LLM.EmbedTimeout,
		GenerateTimeout: cfg.LLM.GenerateTimeout,
	})
}

func buildSearchClient(cfg *config.Config) *search.Client {
	return search.NewClient(search.Config{BaseURL: cfg.Search.BaseURL, Timeout: cfg.Search.Timeout})
}

// serveOps starts the per-component HTTP surface spec.md §4.9 implies
// every component carries: a /health endpoint the monitor polls via
// MonitorConfig.ComponentHealthURLs, and a /metrics endpoint
// pkg/metrics.Handler() wraps for Prometheus scraping. This is
// deliberately not the teacher's full gin REST API (spec.md §1 scopes
// that out) — just the two ops endpoints the control plane itself
// depends on.
func serveOps(component, port string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","component":"` + component + `"}`))
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server failed", "component", component, "error", err)
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// stoppable is implemented by every stage worker's poll loop (via
// worker.Skeleton) and by every control-plane ticker loop — the
// common shape runUntilShutdown needs to wait for shutdown.
type stoppable interface {
	Stop()
}

// runUntilShutdown starts sk, serves /health and /metrics, blocks
// until ctx is cancelled, then stops both in reverse order.
func runUntilShutdown(ctx context.Context, component, port string, sk stoppable, start func()) {
	srv := serveOps(component, port)
	slog.Info("component started", "component", component, "port", port)
	start()
	<-ctx.Done()
	slog.Info("component shutting down", "component", component)
	sk.Stop()
	shutdownServer(srv)
}
