package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"tweetbook.app/internal/auth"
	"tweetbook.app/internal/config"
	"tweetbook.app/internal/httpapi"
	"tweetbook.app/internal/migrate"
	"tweetbook.app/internal/obs"
	"tweetbook.app/internal/store/pg"
	redisstore "tweetbook.app/internal/store/redis"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type stores struct {
	accounts auth.AccountStore
	tokens   auth.RefreshTokenStore
	probe    httpapi.ReadyProbe
	closers  []func() error
}

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("TWEETBOOK_CONFIG"), "path to YAML config")
		autoMigrate = flag.Bool("migrate", false, "apply embedded migrations and seeds on startup (postgres only)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, *autoMigrate)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer func() {
		for _, c := range st.closers {
			_ = c()
		}
	}()

	issuer, err := auth.NewIssuer(cfg.Settings())
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	ledger, err := auth.NewLedger(st.tokens, issuer,
		auth.WithAccountLookup(st.accounts),
		auth.WithReuseRevocation(cfg.Auth.RevokeOnReuse),
		auth.WithRedemptionObserver(obs.ObserveRedemption),
		auth.WithFailureLogger(obs.Error),
	)
	if err != nil {
		log.Fatalf("refresh ledger: %v", err)
	}
	svc, err := auth.NewService(st.accounts, ledger, auth.WithStorageTimeout(cfg.Auth.StorageTimeout))
	if err != nil {
		log.Fatalf("identity service: %v", err)
	}

	policies, err := cfg.BuildPolicies()
	if err != nil {
		log.Fatalf("policies: %v", err)
	}
	evaluator, err := auth.NewEvaluator(policies...)
	if err != nil {
		log.Fatalf("policies: %v", err)
	}
	evaluator = evaluator.WithDecisionObserver(func(policy string, d auth.Decision) {
		obs.ObserveDecision(policy, d.String())
	})

	api, err := httpapi.New(svc, issuer, evaluator, version,
		httpapi.WithReadiness(st.probe),
		httpapi.WithRateLimit(cfg.Server.RateBurst, cfg.Server.RatePerSecond),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCServer(st.probe, version)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go health.Watch(ctx, 5*time.Second)

	obs.Info("starting tweetbook identity", map[string]any{
		"version":        version,
		"http_addr":      srv.Addr,
		"grpc_addr":      cfg.Server.GRPCAddr,
		"accounts":       cfg.Storage.Driver,
		"refresh_tokens": cfg.RefreshTokenDriver(),
		"policies":       evaluator.Names(),
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	obs.Info("stopped", nil)
}

func openStores(ctx context.Context, cfg *config.Config, autoMigrate bool) (*stores, error) {
	st := &stores{}

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		db, err := pg.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		st.probe.DB = db.DB()
		if autoMigrate {
			migrations, seeds := migrate.Embedded()
			mgr := migrate.NewManager(db.DB(), migrations, seeds)
			if err := mgr.Up(ctx); err != nil {
				return nil, err
			}
			if err := mgr.Seed(ctx); err != nil {
				return nil, err
			}
		}
		st.accounts = db.Accounts()
		if cfg.RefreshTokenDriver() == config.DriverPostgres {
			st.tokens = db.RefreshTokens()
		}
	default:
		mem := auth.NewMemoryStore()
		st.accounts = mem.Accounts()
		if cfg.RefreshTokenDriver() == config.DriverMemory {
			st.tokens = mem.RefreshTokens()
		}
	}

	if cfg.RefreshTokenDriver() == config.DriverRedis {
		rc := cfg.Storage.Redis
		tokens, err := redisstore.Open(ctx, rc.Addr, rc.Password, rc.DB, redisstore.WithKeyPrefix(rc.Prefix))
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, tokens.Close)
		st.probe.Checks = append(st.probe.Checks, tokens.Ping)
		st.tokens = tokens
	}
	if st.tokens == nil {
		return nil, errors.New("no refresh token store configured")
	}
	return st, nil
}
