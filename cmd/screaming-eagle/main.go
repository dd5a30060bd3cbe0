// Command screaming-eagle runs the edge cache proxy: load config, wire the
// pipeline's components, mount the proxy and admin routes, and serve until
// signaled to shut down.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/edgecache-io/screaming-eagle/api"
	"github.com/edgecache-io/screaming-eagle/config"
	"github.com/edgecache-io/screaming-eagle/configurationtypes"
	"github.com/edgecache-io/screaming-eagle/pkg/cache"
	"github.com/edgecache-io/screaming-eagle/pkg/circuitbreaker"
	"github.com/edgecache-io/screaming-eagle/pkg/clock"
	"github.com/edgecache-io/screaming-eagle/pkg/coalescer"
	"github.com/edgecache-io/screaming-eagle/pkg/edge"
	"github.com/edgecache-io/screaming-eagle/pkg/healthcheck"
	"github.com/edgecache-io/screaming-eagle/pkg/metrics"
	"github.com/edgecache-io/screaming-eagle/pkg/origin"
	"github.com/edgecache-io/screaming-eagle/pkg/pipeline"
	"github.com/edgecache-io/screaming-eagle/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to cdn.toml (defaults to $CDN_CONFIG or config/cdn.toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(*configPath, cfg, log); err != nil {
		log.Fatal("exiting", zap.Error(err))
	}
}

func run(configPath string, cfg *configurationtypes.Config, log *zap.Logger) error {
	clk := clock.Default
	mtr := metrics.New()

	cacheEngine, err := cache.New(cfg.Cache, clk, mtr)
	if err != nil {
		return err
	}
	defer cacheEngine.Close()

	breakers := circuitbreaker.NewManager(cfg.CircuitBreaker, clk, mtr)
	limiter := ratelimit.New(cfg.RateLimit, clk, mtr)
	fetcher := origin.New(cfg.Origins, log)
	coal, err := coalescer.New(mtr)
	if err != nil {
		return err
	}
	edgeEngine := edge.New(cfg.Edge, log)
	healthChecker := healthcheck.New(cfg.Origins, clk, log)
	authn := api.NewAuth(cfg.Admin, log)
	pipe := pipeline.New(*cfg, clk, log, mtr, cacheEngine, breakers, limiter, fetcher, coal, edgeEngine)
	admin := api.NewAdmin(log, mtr, cacheEngine, breakers, coal, healthChecker, fetcher, pipe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go healthChecker.Run(ctx)
	go cacheEngine.RunReaper(ctx, time.Minute)
	go limiter.RunCleanup(ctx, 5*time.Minute, 10*time.Minute)

	live := config.NewLive(cfg)
	var stopWatch func()
	if configPath != "" {
		if stop, err := live.Watch(configPath, log); err != nil {
			log.Warn("config hot-reload disabled", zap.Error(err))
		} else {
			stopWatch = stop
		}
	}
	if stopWatch != nil {
		defer stopWatch()
	}

	router := chi.NewRouter()
	router.Get("/{origin}/*", pipe.ServeHTTP)
	router.Head("/{origin}/*", pipe.ServeHTTP)
	router.Get("/{origin}", pipe.ServeHTTP)
	router.Head("/{origin}", pipe.ServeHTTP)

	router.Get("/_cdn/health", admin.Health)
	router.Handle("/_cdn/metrics", admin.Metrics())
	router.Route("/_cdn", func(r chi.Router) {
		r.Use(authn.Middleware)
		r.Get("/stats", admin.Stats)
		r.Get("/circuit-breakers", admin.CircuitBreakers)
		r.Get("/origins/health", admin.OriginsHealth)
		r.Post("/purge", admin.Purge)
		r.Post("/warm", admin.Warm)
	})

	port := cfg.Server.Port
	if port <= 0 {
		port = 8080
	}
	addr := cfg.Server.Host + ":" + strconv.Itoa(port)
	// request_timeout_secs is enforced as a per-request wall-clock deadline
	// inside pkg/pipeline, not here: an http.Server WriteTimeout just resets
	// the connection, which can't produce the spec's JSON 504 body and would
	// cut off a still-useful coalesced fetch for other waiters on the same
	// key. ReadHeaderTimeout stays here since it guards the connection
	// before the pipeline ever sees the request.
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-sigCtx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

