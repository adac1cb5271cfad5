package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/quaylabs/breakwater/internal/auth"
	"github.com/quaylabs/breakwater/internal/breaker"
	"github.com/quaylabs/breakwater/internal/config"
	"github.com/quaylabs/breakwater/internal/gateway"
	"github.com/quaylabs/breakwater/internal/logging"
	"github.com/quaylabs/breakwater/internal/mw"
	"github.com/quaylabs/breakwater/internal/netx"
	"github.com/quaylabs/breakwater/internal/ratelimit"
	"github.com/quaylabs/breakwater/internal/router"
	"github.com/quaylabs/breakwater/internal/upstream"
)

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}

	if validateOnly {
		log.Info("config ok")
		return
	}

	trusted, err := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	if err != nil {
		log.Error("invalid trusted_proxies", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// ---- Counter store
	var store ratelimit.Store
	switch strings.ToLower(cfg.Store.Backend) {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Store.Password,
			DB:       cfg.Store.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable at startup; limiter will fail open until it recovers",
				slog.String("addr", cfg.RedisAddr()), slog.String("error", err.Error()))
		}
		cancel()
		store = ratelimit.NewRedisStore(rdb)
	case "memory":
		store = ratelimit.NewMemoryStore(time.Minute)
	default:
		log.Error("unknown store.backend", slog.String("backend", cfg.Store.Backend))
		os.Exit(1)
	}
	defer store.Close()

	tiers := make(map[string]ratelimit.Tier, len(cfg.RateLimit.Tiers))
	for name, t := range cfg.RateLimit.Tiers {
		tiers[name] = ratelimit.Tier{Requests: t.Requests, WindowMs: t.WindowMs}
	}
	limiter := ratelimit.NewLimiter(store, tiers, log)

	// ---- Auth
	authn := auth.Authenticator{
		Secret: []byte(cfg.Auth.Secret),
		Leeway: time.Duration(cfg.Auth.ClockLeewaySeconds) * time.Second,
	}

	// ---- Route table
	routes := make([]*router.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		strip := true
		if rc.StripPath != nil {
			strip = *rc.StripPath
		}
		rt, err := router.Compile(router.Spec{
			Pattern:       rc.Path,
			Target:        rc.Target,
			Methods:       rc.Methods,
			TimeoutMs:     rc.TimeoutMs,
			Retries:       rc.Retries,
			AuthRequired:  rc.AuthRequired,
			RateLimitTier: rc.RateLimitTier,
			StripPath:     strip,
			PreserveHost:  rc.PreserveHost,
			RequiredRoles: rc.RequiredRoles,
			RequiredPerms: rc.RequiredPerms,
		})
		if err != nil {
			log.Error("invalid route", slog.String("path", rc.Path), slog.String("error", err.Error()))
			os.Exit(1)
		}
		routes = append(routes, rt)
	}
	table := router.NewTable(routes)

	// ---- Breakers + dispatcher
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Breaker.RecoveryTimeoutSeconds) * time.Second,
	})
	transport := upstream.NewTransport(upstream.TransportConfig{
		DialTimeout:           time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.Upstream.TLSHandshakeTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		IdleConnTimeout:       time.Duration(cfg.Upstream.IdleConnTimeoutSeconds) * time.Second,
		MaxIdleConns:          cfg.Upstream.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Upstream.MaxIdleConnsPerHost,
	})
	dispatcher := upstream.NewDispatcher(transport,
		time.Duration(cfg.Upstream.SocketTimeoutSeconds)*time.Second, breakers, log)

	// ---- Metrics
	reg := prometheus.NewRegistry()
	metrics := mw.NewMetrics(reg)

	g := gateway.New(gateway.Deps{
		Config:     cfg,
		Log:        log,
		Table:      table,
		Auth:       authn,
		Limiter:    limiter,
		Breakers:   breakers,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Trusted:    trusted,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	g.RegisterHealth(mux)
	g.RegisterAdmin(mux, os.Getenv("BREAKWATER_ADMIN_KEY"))
	mux.Handle("/", g.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info("gateway listening",
			slog.String("addr", srv.Addr),
			slog.String("env", cfg.Server.Env),
			slog.Int("routes", len(cfg.Routes)),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown: fail readiness first, then drain within the grace
	// window, then release the counter store.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	g.SetReady(false)
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("shutdown drain incomplete", slog.String("error", err.Error()))
	}
	log.Info("shutdown complete")
}
