package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tabguard/pkg/audit"
	"tabguard/pkg/auth"
	"tabguard/pkg/events"
	"tabguard/pkg/guard"
	"tabguard/pkg/httpx"
	"tabguard/pkg/metrics"
	"tabguard/pkg/ratelimit"
	"tabguard/pkg/registry"
	"tabguard/pkg/store"
	"tabguard/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context) error {
	shutdownTracing, err := telemetry.Init(ctx, "tabguard")
	if err != nil {
		return err
	}
	defer func() {
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctxShutdown)
	}()

	cfg, err := guard.LoadConfig(os.Getenv("TABGUARD_CONFIG"))
	if err != nil {
		return err
	}

	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, using in-memory stores: %v", err)
		redisClient = nil
	}
	primary := store.NewCache(ctx, redisClient)
	secondary := store.NewCache(ctx, redisClient)
	reg := registry.New(primary, secondary)

	hub := events.NewHub()
	sinks := events.Multi{&events.LogEmitter{}, hub}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		emitter, err := events.NewKafkaEmitter(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   envOr("KAFKA_TOPIC", "tabguard.events"),
		})
		if err != nil {
			return err
		}
		defer emitter.Close()
		sinks = append(sinks, emitter)
	}

	var auditWriter *audit.Writer
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := audit.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		auditWriter = &audit.Writer{DB: pool}
		sinks = append(sinks, &audit.Emitter{Writer: auditWriter})
	}

	svc := guard.NewService(cfg, reg, sinks)
	m := metrics.NewRegistry()
	svc.Metrics = m

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, time.Minute)
	} else {
		limiter = ratelimit.NewInMemory(time.Minute)
	}

	s := &Server{
		Guard:              svc,
		Metrics:            m,
		Hub:                hub,
		Audit:              auditWriter,
		Limiter:            limiter,
		RateLimitPerMinute: envIntOr("TABGUARD_API_RATE_PER_MINUTE", 240),
	}

	if interval := cfg.Session.CleanupIntervalSec; interval > 0 {
		go s.sweepLoop(ctx, time.Duration(interval)*time.Second)
	}

	addr := envOr("TABGUARD_LISTEN_ADDR", ":8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("guardd listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctxShutdown)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.CORSMiddleware(os.Getenv("CORS_ALLOWED_ORIGINS")))
	r.Use(telemetry.HTTPMiddleware("tabguard"))
	r.Use(auth.Middleware(envOr("AUTH_MODE", "header"), os.Getenv("AUTH_SECRET")))
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/tab-guard/status", s.handleStatus)
	r.Post("/tab-guard/evaluate", s.handleEvaluate)
	r.Post("/tab-guard/close-tab", s.handleCloseTab)
	r.Get("/tab-guard/tab-info", s.handleTabInfo)
	r.Post("/tab-guard/heartbeat", s.handleHeartbeat)
	r.Get("/tab-guard/violations", s.handleViolations)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/v1/stream", s.streamEvents)
	return r
}

// sweepLoop runs the background expiry pass at the configured interval
// and publishes the result as gauges.
func (s *Server) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Guard.Registry.Sweep(ctx, "", 0, false)
			if err != nil {
				log.Printf("sweep: %v", err)
				continue
			}
			s.Metrics.SetGauge("sweep_scanned", float64(res.Scanned))
			s.Metrics.SetGauge("sweep_removed", float64(res.Removed))
			s.Metrics.SetGauge("sweep_mirror_scanned", float64(res.MirrorScanned))
			s.Metrics.SetGauge("sweep_mirror_removed", float64(res.MirrorRemoved))
		}
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
