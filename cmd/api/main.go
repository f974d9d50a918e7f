package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"tokengate.org/internal/auth"
	"tokengate.org/internal/config"
	"tokengate.org/internal/httpapi"
	"tokengate.org/internal/migrate"
	"tokengate.org/internal/obs"
	"tokengate.org/internal/store/pg"
	"tokengate.org/internal/store/redis"
	"tokengate.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	envFile := pflag.String("env-file", "", "optional .env file to load before reading the environment")
	configFile := pflag.String("config", "", "optional YAML config file")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("%s %s (%s)\n", obs.ServiceName, version, commit)
		return
	}

	cfg, err := config.Load(config.WithEnvFile(*envFile), config.WithConfigFile(*configFile))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	obs.InitLogger(cfg.Log.Level, cfg.Log.Format)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		l := obs.Logger()
		l.Fatal().Err(err).Msg("tokengate-api stopped")
	}
}

type closer func() error

func run(ctx context.Context, cfg config.Config) error {
	log := obs.Logger()
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn().Err(err).Msg("close failed")
			}
		}
	}()

	probe := httpapi.ReadyProbe{}

	var (
		dir         auth.Directory       = auth.NewMemoryDirectory()
		revocations auth.RevocationStore = auth.NewMemoryRevocations()
	)

	if cfg.UsesPostgres() {
		store, err := pg.Open(cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		closers = append(closers, store.Close)
		probe.DB = store.DB()

		if cfg.Storage.AutoMigrate {
			applied, err := migrate.NewManager(store.DB(), pg.Migrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info().Strs("applied", applied).Msg("migrations up to date")
		}
		if cfg.Storage.Driver == config.DriverPostgres {
			dir = store.Directory()
		}
		if cfg.Revocation.Driver == config.DriverPostgres {
			revocations = store.Revocations()
		}
	}

	if cfg.Revocation.Driver == config.DriverRedis {
		rs, err := redis.Open(ctx, redis.Config{
			Addr:     cfg.Revocation.RedisAddr,
			Password: cfg.Revocation.RedisPassword,
			DB:       cfg.Revocation.RedisDB,
			Prefix:   cfg.Revocation.RedisPrefix,
		})
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		closers = append(closers, rs.Close)
		probe.Pingers = append(probe.Pingers, rs)
		revocations = rs
	}

	hasher, err := auth.NewHasher(auth.HasherConfig{
		Algorithm:  cfg.Auth.HashAlgorithm,
		BcryptCost: cfg.Auth.BcryptCost,
	})
	if err != nil {
		return err
	}

	var key []byte
	if cfg.Auth.SigningSecret != "" {
		key = []byte(cfg.Auth.SigningSecret)
	} else if cfg.IsProduction() {
		log.Warn().Msg("no signing secret configured: tokens are unsigned and can be forged")
	}
	issuer := auth.NewIssuer(auth.IssuerConfig{
		Environment: cfg.Env,
		TTL:         cfg.Auth.TokenTTL,
		Issuer:      cfg.Auth.Issuer,
		SigningKey:  key,
	})

	events := stream.New(64)
	svc, err := auth.NewService(dir, revocations, issuer,
		auth.WithHasher(hasher),
		auth.WithLogger(log),
		auth.WithRevocationObserver(events),
	)
	if err != nil {
		return err
	}

	if err := bootstrapAdmin(ctx, svc, cfg.Auth); err != nil {
		return err
	}

	go auth.RunJanitor(ctx, revocations, cfg.Revocation.PruneInterval, time.Now)

	api := httpapi.New(svc, probe, version,
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithRateLimit(cfg.HTTP.RateLimitPerSecond, cfg.HTTP.RateLimitBurst),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins...),
		httpapi.WithEventStream(events),
		httpapi.WithRegistrableRoles(cfg.Auth.RegistrableRoles...),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 2)

	var (
		gs      *grpc.Server
		grpcSrv *httpapi.GRPCServer
	)
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		gs = grpc.NewServer()
		grpcSrv = httpapi.NewGRPCServer(svc, probe)
		grpcSrv.Register(gs)
		if err := grpcSrv.RefreshHealth(ctx); err != nil {
			log.Warn().Err(err).Msg("initial readiness check failed")
		}
		go refreshHealth(ctx, grpcSrv, 15*time.Second)
		go func() {
			log.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc listening")
			if err := gs.Serve(lis); err != nil {
				errCh <- fmt.Errorf("serve grpc: %w", err)
			}
		}()
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Str("env", cfg.Env).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	obs.SetReady(false)
	if grpcSrv != nil {
		grpcSrv.Shutdown()
		gs.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("stopped")
	return runErr
}

// bootstrapAdmin registers the configured operator account with the admin
// role. Public registration cannot grant that role.
func bootstrapAdmin(ctx context.Context, svc *auth.Service, cfg config.AuthConfig) error {
	if cfg.BootstrapAdminIdentity == "" {
		return nil
	}
	_, err := svc.Register(ctx, cfg.BootstrapAdminIdentity, cfg.BootstrapAdminSecret, []string{"admin"})
	switch {
	case err == nil:
		l := obs.Logger()
		l.Info().Str("identity", auth.NormalizeIdentity(cfg.BootstrapAdminIdentity)).Msg("bootstrap admin registered")
	case errors.Is(err, auth.ErrIdentityAlreadyRegistered):
	default:
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	return nil
}

// refreshHealth keeps the gRPC health status in line with store reachability.
func refreshHealth(ctx context.Context, s *httpapi.GRPCServer, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := s.RefreshHealth(checkCtx); err != nil {
				l := obs.Logger()
				l.Warn().Err(err).Msg("readiness check failed")
			}
			cancel()
		}
	}
}
