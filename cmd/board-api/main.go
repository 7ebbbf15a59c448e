package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"prism-board/api"
	"prism-board/broadcast"
	"prism-board/ordering"
	"prism-board/storage"
	"prism-board/subscription"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracerProvider()
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	otel.SetTracerProvider(tp)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	var (
		store  ordering.Store
		health []api.Pinger
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := storage.NewPostgres(ctx, dsn, envDur("DB_LOCK_TIMEOUT", 5*time.Second))
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		store = pg
		health = append(health, pg)
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		store = storage.NewMemory()
	}

	hub := broadcast.NewHub(logger, envInt("STREAM_BUFFER", 64))
	publishers := broadcast.Fanout{}

	var (
		rc      *redis.Client
		deduper api.Deduper
	)
	if conn := os.Getenv("REDIS_CONNECTION_STRING"); conn != "" {
		rc = redis.NewClient(redisOptions(conn))
		defer rc.Close()
		health = append(health, pingFunc(func(ctx context.Context) error { return rc.Ping(ctx).Err() }))
		store = storage.NewCache(store, rc, envDur("BOARD_CACHE_TTL", 30*time.Second), logger)
		deduper = api.NewRedisDeduper(rc, envDur("DEDUPER_TTL", 24*time.Hour))
		publishers = append(publishers, broadcast.NewRedisPublisher(rc))
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set, events stay on this instance")
		publishers = append(publishers, hub)
	}

	if connStr, queue := os.Getenv("STORAGE_CONNECTION_STRING"), os.Getenv("EVENTS_QUEUE"); connStr != "" && queue != "" {
		sink, err := broadcast.NewQueueSink(connStr, queue, envDur("EVENTS_QUEUE_TTL", 0))
		if err != nil {
			log.Fatalf("events queue: %v", err)
		}
		publishers = append(publishers, sink)
	}

	async := broadcast.NewAsync(publishers, logger, broadcast.PoolConfig{
		Workers:        envInt("PUBLISH_WORKERS", 8),
		Buffer:         envInt("PUBLISH_BUFFER", 1024),
		Timeout:        envDur("PUBLISH_TIMEOUT", 5*time.Second),
		HandoffTimeout: envDur("PUBLISH_HANDOFF_TIMEOUT", 50*time.Millisecond),
	})
	coord := ordering.NewCoordinator(store, async, logger, ordering.WithTracerProvider(tp))

	auth, err := newAuth()
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	api.Register(e, api.Deps{
		Board:          coord,
		Auth:           auth,
		Deduper:        deduper,
		Subscriber:     hub,
		Health:         health,
		Logger:         logger,
		TracerProvider: tp,
		Registerer:     prometheus.DefaultRegisterer,
		Gatherer:       prometheus.DefaultGatherer,
		Heartbeat:      envDur("SSE_HEARTBEAT", 25*time.Second),
	})

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if rc != nil {
		relay := subscription.NewRelay(rc, hub, logger)
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(sctx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
		return async.Close(sctx)
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("board api: %v", err)
	}
	log.Info("board api stopped")
}

func newAuth() (*api.Auth, error) {
	cfg, err := api.AuthConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if len(cfg.TestSecret) > 0 {
		return api.NewAuth(nil, cfg), nil
	}
	audience := os.Getenv("AUTH0_AUDIENCE")
	domain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || domain == "" {
		return nil, errors.New("missing Auth0 config")
	}
	jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", domain), keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	cfg.Audience = audience
	cfg.Issuer = "https://" + domain + "/"
	return api.NewAuth(jwks, cfg), nil
}

func tracerProvider() (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithSampler(sdktrace.AlwaysSample())}
	if on, _ := strconv.ParseBool(os.Getenv("OTEL_STDOUT")); on {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// redisOptions accepts a redis:// URL or an Azure-style
// "host:port,password=...,ssl=True" string.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: must be a positive integer", name)
	}
	return n
}

func envDur(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Fatalf("invalid %s: %v", name, err)
	}
	return d
}
