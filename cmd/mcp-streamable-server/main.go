// Command mcp-streamable-server serves MCP over Streamable HTTP. It is
// configured entirely from the environment; see config for the variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/ggoodman/mcp-streamable-go/auth/jwtauth"
	"github.com/ggoodman/mcp-streamable-go/eventstore"
	"github.com/ggoodman/mcp-streamable-go/eventstore/cachestore"
	"github.com/ggoodman/mcp-streamable-go/eventstore/redisstream"
	"github.com/ggoodman/mcp-streamable-go/mcp"
	"github.com/ggoodman/mcp-streamable-go/mcpserver"
	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/ggoodman/mcp-streamable-go/sessions/memorystore"
	"github.com/ggoodman/mcp-streamable-go/sessions/redisstore"
	"github.com/ggoodman/mcp-streamable-go/storage/memory"
	redisstorage "github.com/ggoodman/mcp-streamable-go/storage/redis"
	"github.com/ggoodman/mcp-streamable-go/streaminghttp"
	"github.com/joeshaw/envdecode"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

type config struct {
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	Path       string `env:"MCP_PATH,default=/mcp"`
	// Served on the main listener.
	MetricsPath string `env:"METRICS_PATH,default=/metrics"`

	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT,default=2h"`
	SweepInterval   time.Duration `env:"IDLE_SWEEP_INTERVAL,default=5s"`
	MaxIdleSessions int           `env:"MAX_IDLE_SESSIONS,default=10000"`
	RetryInterval   time.Duration `env:"SSE_RETRY_INTERVAL,default=0s"`

	// Leave empty to keep every store in process memory.
	RedisAddr string `env:"REDIS_ADDR"`
	// cache (events as TTL'd cache entries) or stream (Redis Streams).
	EventBackend  string        `env:"EVENT_BACKEND,default=cache"`
	EventTTL      time.Duration `env:"EVENT_TTL,default=1h"`
	EventCapacity int           `env:"MEMORY_EVENT_CAPACITY,default=100000"`

	// json, text or dev.
	LogFormat string `env:"LOG_FORMAT,default=json"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`

	// When set, files under WatchDir are listed as resources and changes are
	// broadcast to every session.
	WatchDir string `env:"WATCH_DIR"`

	OIDCIssuer   string `env:"OIDC_ISSUER"`
	OIDCAudience string `env:"OIDC_AUDIENCE"`
	Realm        string `env:"AUTH_REALM"`
	// Public URL of the MCP endpoint. With OIDC_ISSUER it enables the
	// protected resource metadata document.
	PublicURL string `env:"MCP_PUBLIC_URL"`

	// Semicolon separated.
	AllowedHosts   []string `env:"ALLOWED_HOSTS"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-streamable-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode env: %w", err)
	}

	log, err := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, sessionStore, closeStores, err := newStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	caps := mcp.ServerCapabilities{}
	var fsr *mcpserver.FSResources
	if cfg.WatchDir != "" {
		fsr, err = mcpserver.NewFSResources(cfg.WatchDir, mcpserver.WithFSLogger(log))
		if err != nil {
			return err
		}
		caps.Resources = fsr.Capability()
	}

	server := mcpserver.New(
		mcp.ImplementationInfo{Name: "mcp-streamable-server", Version: "0.1.0"},
		mcpserver.WithLogger(log),
		mcpserver.WithCapabilities(caps),
	)
	if fsr != nil {
		fsr.Register(server)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithPath(cfg.Path),
		streaminghttp.WithEventStore(events),
		streaminghttp.WithRetryInterval(cfg.RetryInterval),
		streaminghttp.WithSessionStore(sessionStore),
		streaminghttp.WithIdleTimeout(cfg.IdleTimeout),
		streaminghttp.WithIdleSweepInterval(cfg.SweepInterval),
		streaminghttp.WithMaxIdleSessions(cfg.MaxIdleSessions),
		streaminghttp.WithMetricsRegisterer(reg),
		streaminghttp.WithAllowedHosts(cfg.AllowedHosts...),
		streaminghttp.WithAllowedOrigins(cfg.AllowedOrigins...),
		streaminghttp.WithRealm(cfg.Realm),
	}
	if cfg.OIDCIssuer != "" {
		authenticator, err := newAuthenticator(ctx, cfg)
		if err != nil {
			return err
		}
		opts = append(opts, streaminghttp.WithAuthenticator(authenticator))
		if cfg.PublicURL != "" {
			opts = append(opts, streaminghttp.WithProtectedResourceMetadata(cfg.PublicURL, []string{cfg.OIDCIssuer}))
		}
	}

	h, err := streaminghttp.New(ctx, server, opts...)
	if err != nil {
		return fmt.Errorf("streaminghttp: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	// The handler routes its own path and the well-known documents.
	mux.Handle("/", h)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.InfoContext(ctx, "http.listen", slog.String("addr", cfg.ListenAddr), slog.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown.start")
		// Ending the sessions first lets the long-lived streams finish so
		// that Shutdown does not wait on them.
		_ = h.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if fsr != nil {
		changes, unsubscribe := fsr.Changes()
		g.Go(func() error {
			return fsr.Watch(ctx)
		})
		g.Go(func() error {
			defer unsubscribe()
			for range changes {
				if err := h.Broadcast(ctx, string(mcp.ResourcesListChangedNotificationMethod), nil); err != nil {
					log.WarnContext(ctx, "resources.broadcast.fail", slog.String("err", err.Error()))
				}
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info("shutdown.ok")
	return err
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case "dev":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: "[15:04:05.000]",
		})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// newStores builds the event and session stores, in Redis when REDIS_ADDR is
// set and in memory otherwise.
func newStores(ctx context.Context, cfg config) (eventstore.Store, sessions.Store, func(), error) {
	if cfg.RedisAddr == "" {
		cache, err := memory.New(cfg.EventCapacity)
		if err != nil {
			return nil, nil, nil, err
		}
		events, err := cachestore.New(cache, cachestore.WithTTL(cfg.EventTTL))
		if err != nil {
			_ = cache.Close()
			return nil, nil, nil, err
		}
		return events, memorystore.New(), func() { _ = cache.Close() }, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	closeClient := func() { _ = client.Close() }
	if err := client.Ping(ctx).Err(); err != nil {
		closeClient()
		return nil, nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	sessionStore, err := redisstore.NewFromEnv(client)
	if err != nil {
		closeClient()
		return nil, nil, nil, err
	}

	var events eventstore.Store
	switch cfg.EventBackend {
	case "stream":
		events, err = redisstream.New(client, redisstream.Config{TTL: cfg.EventTTL})
	case "cache":
		var cache *redisstorage.Storage
		cache, err = redisstorage.New(redisstorage.Config{Client: client})
		if err == nil {
			events, err = cachestore.New(cache, cachestore.WithTTL(cfg.EventTTL))
		}
	default:
		err = fmt.Errorf("unknown event backend %q", cfg.EventBackend)
	}
	if err != nil {
		closeClient()
		return nil, nil, nil, err
	}
	return events, sessionStore, closeClient, nil
}

func newAuthenticator(ctx context.Context, cfg config) (auth.Authenticator, error) {
	jc := jwtauth.DefaultConfig()
	jc.Issuer = cfg.OIDCIssuer
	if cfg.OIDCAudience != "" {
		jc.ExpectedAudiences = []string{cfg.OIDCAudience}
	}
	a, err := jwtauth.NewFromDiscovery(ctx, jc)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery %s: %w", cfg.OIDCIssuer, err)
	}
	return a, nil
}
