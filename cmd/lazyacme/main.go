package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/lazyacme/internal/acme"
	"github.com/edvin/lazyacme/internal/api"
	"github.com/edvin/lazyacme/internal/config"
	"github.com/edvin/lazyacme/internal/db"
	"github.com/edvin/lazyacme/internal/lifecycle"
	"github.com/edvin/lazyacme/internal/lock"
	"github.com/edvin/lazyacme/internal/logging"
	"github.com/edvin/lazyacme/internal/metrics"
	"github.com/edvin/lazyacme/internal/registry"
	"github.com/edvin/lazyacme/internal/store"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "hash-api-key" {
		hashAPIKey(os.Args[2:])
		return
	}
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	created, err := config.Initialize(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize data directory")
	}
	if created {
		logger.Warn().
			Str("config", cfg.DomainConfigPath()).
			Msg("default configuration written, edit it and the provider files before starting again")
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("lazyacme stopped with an error")
	}
	logger.Info().Msg("lazyacme stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entries, err := config.LoadDomains(cfg.DomainConfigPath())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		logger.Warn().Str("config", cfg.DomainConfigPath()).Msg("no domains configured")
	}

	var pinger api.Pinger
	var repo store.Repository
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate record database: %w", err)
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to record database: %w", err)
		}
		defer pool.Close()
		metrics.RegisterRecordPoolMetrics(prometheus.DefaultRegisterer, pool)
		repo = store.NewPostgresRepository(pool)
		pinger = pool
	default:
		fileRepo, err := store.NewFileRepository(filepath.Join(cfg.DirPath, "records"))
		if err != nil {
			return err
		}
		repo = fileRepo
	}

	artifacts, err := store.NewArtifacts(filepath.Join(cfg.DirPath, "certificates"))
	if err != nil {
		return err
	}

	var opts []store.Option
	if cfg.S3.Enabled() {
		opts = append(opts, store.WithMirror(store.NewS3Mirror(store.S3MirrorConfig{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})))
		logger.Info().Str("bucket", cfg.S3.Bucket).Msg("artifact mirror enabled")
	}

	st := store.New(repo, artifacts, logger, opts...)
	if err := st.Open(ctx); err != nil {
		return fmt.Errorf("open certificate store: %w", err)
	}

	svc := lifecycle.NewService(registry.New(entries), st, lock.NewTable(), newExecutor(cfg, logger), logger, lifecycle.Options{
		Threshold:     cfg.RenewalThreshold(),
		MaxConcurrent: cfg.MaxConcurrentRenewals,
	})
	if err := svc.Init(ctx); err != nil {
		return err
	}

	sched := lifecycle.NewScheduler(svc, cfg.UpdateInterval(), logger)

	tlsConfig, err := cfg.ServerTLS()
	if err != nil {
		return fmt.Errorf("configure API TLS: %w", err)
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      api.NewServer(logger, svc, sched, pinger, cfg),
		TLSConfig:    tlsConfig,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	servers := []*http.Server{httpServer}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Bool("tls", tlsConfig != nil).Msg("starting API server")
		var err error
		if tlsConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	if cfg.MetricsListenAddr != "" {
		metricsServer := metrics.NewServer(cfg.MetricsListenAddr)
		servers = append(servers, metricsServer)
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		reloadOnHangup(gctx, cfg, svc, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Str("addr", srv.Addr).Msg("server shutdown incomplete")
			}
		}
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("renewals cancelled by drain timeout")
		}
		return nil
	})

	return g.Wait()
}

func newExecutor(cfg *config.Config, logger zerolog.Logger) acme.Executor {
	if cfg.Executor == config.ExecutorLego {
		return acme.NewLegoExecutor(cfg.DirPath, filepath.Join(cfg.DirPath, "account.key"), cfg.ACMEEmail, cfg.ACMEDirectoryURL, cfg.ACMETimeout, logger)
	}
	return acme.NewCommandExecutor(cfg.DirPath, cfg.LegoDir(), cfg.ACMETimeout, logger)
}

// reloadOnHangup re-reads the domain configuration on SIGHUP. A file that
// fails to parse leaves the running configuration untouched.
func reloadOnHangup(ctx context.Context, cfg *config.Config, svc *lifecycle.Service, logger zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			entries, err := config.LoadDomains(cfg.DomainConfigPath())
			if err != nil {
				logger.Error().Err(err).Msg("reload rejected, keeping current domains")
				continue
			}
			if err := svc.Reload(ctx, entries); err != nil {
				logger.Error().Err(err).Msg("reload failed")
			}
		}
	}
}

func hashAPIKey(args []string) {
	fs := flag.NewFlagSet("hash-api-key", flag.ExitOnError)
	key := fs.String("key", "", "API key to hash (generated when empty)")
	fs.Parse(args)

	rawKey := *key
	if rawKey == "" {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "error: failed to generate key: %v\n", err)
			os.Exit(1)
		}
		rawKey = hex.EncodeToString(buf)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to hash key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("  Key:          %s\n", rawKey)
	fmt.Printf("  API_KEY_HASH: %s\n\n", hash)
	fmt.Printf("Set API_KEY_HASH in the environment and send the key in the X-API-Key header.\n")
}
