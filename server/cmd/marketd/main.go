// Command marketd runs the marketplace HTTP API together with its background
// sweepers: auction activation and close, reservation expiry and the
// withdrawal fraud sweep.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudx-io/openmarket/auction"
	"github.com/cloudx-io/openmarket/clock"
	"github.com/cloudx-io/openmarket/config"
	"github.com/cloudx-io/openmarket/fraud"
	"github.com/cloudx-io/openmarket/identity"
	"github.com/cloudx-io/openmarket/ledger"
	"github.com/cloudx-io/openmarket/logging"
	"github.com/cloudx-io/openmarket/notify"
	"github.com/cloudx-io/openmarket/receipt"
	"github.com/cloudx-io/openmarket/server"
	"github.com/cloudx-io/openmarket/settlement"
	"github.com/cloudx-io/openmarket/storage/bolt"
	"github.com/cloudx-io/openmarket/storage/postgres"
	"github.com/cloudx-io/openmarket/trust"
)

func main() {
	configPath := flag.String("config", os.Getenv("MARKETD_CONFIG"), "Path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("marketd stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("marketd stopped")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.NewSystem()

	outbox := notify.NewOutbox(notify.LogSender{Logger: logger},
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithWorkers(cfg.Notify.Workers),
		notify.WithLogger(logger))
	outbox.Start(ctx)
	defer outbox.Close()

	ledgerOpts := []ledger.Option{ledger.WithLogger(logger)}
	engineOpts := []auction.Option{
		auction.WithClock(clk),
		auction.WithNotifier(outbox),
		auction.WithLogger(logger),
		auction.WithSelfBidPolicy(auction.SelfBidPolicy(cfg.Auction.SelfBidPolicy)),
	}
	var repo settlement.Repository = settlement.NewMemoryRepository()

	if cfg.Postgres.DSN != "" {
		startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		db, err := postgres.Open(startupCtx, postgres.Options{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
			Migrate:         cfg.Postgres.Migrate,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()

		ledgerOpts = append(ledgerOpts, ledger.WithJournal(postgres.NewBidJournal(db)))
		engineOpts = append(engineOpts, auction.WithStore(postgres.NewAuctionStore(db)))
		repo = postgres.NewSettlementRepository(db)
		logger.Info("postgres storage enabled")
	} else {
		logger.Warn("no database configured, auctions and listings are kept in memory only")
	}

	var alertStore fraud.Store = fraud.NewMemoryStore()
	if cfg.Bolt.Path != "" {
		store, err := bolt.Open(cfg.Bolt.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		alertStore = store
		logger.Info("fraud alerts persisted", slog.String("path", cfg.Bolt.Path))
	}

	profiles, closeGraph, err := openIdentity(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	defer closeGraph()

	tr := trust.NewController(
		trust.WithClock(clk),
		trust.WithNotifier(outbox),
		trust.WithLogger(logger))

	l := ledger.New(ledgerOpts...)
	detector := fraud.NewDetector(l, tr,
		fraud.WithConfig(cfg.FraudDetectorConfig()),
		fraud.WithSimilarity(profiles),
		fraud.WithStore(alertStore),
		fraud.WithClock(clk),
		fraud.WithNotifier(outbox),
		fraud.WithLogger(logger))
	detector.Start(ctx)
	defer detector.Close()
	engineOpts = append(engineOpts, auction.WithObserver(detector))

	var signer *receipt.Signer
	if cfg.Receipts.Enabled {
		signer, err = loadSigner(cfg.Receipts.KeyFile, clk, logger)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, auction.WithAttestor(signer))
	}

	engine := auction.NewEngine(l, tr, engineOpts...)
	recovered, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover auctions: %w", err)
	}
	logger.Info("auctions recovered", slog.Int("count", recovered))

	if cfg.Settlement.VerifierURL == "" {
		logger.Warn("no payment verifier configured, settlement requests will fail")
	}
	coord := settlement.NewCoordinator(repo,
		settlement.NewHTTPVerifier(cfg.Settlement.VerifierURL, cfg.Settlement.VerifierAPIKey, cfg.Settlement.VerifierTimeout.Duration),
		tr,
		settlement.WithReservationTTL(cfg.Settlement.ReservationTTL.Duration),
		settlement.WithClock(clk),
		settlement.WithNotifier(outbox),
		settlement.WithLogger(logger))

	engine.StartSweeper(ctx, cfg.Auction.SweepInterval.Duration)
	coord.StartExpirySweep(ctx, cfg.Settlement.ExpiryInterval.Duration)
	detector.StartWithdrawalSweep(ctx, cfg.Fraud.SweepInterval.Duration)

	if cfg.Admin.Token == "" {
		logger.Warn("ADMIN_TOKEN not set, admin routes are disabled")
	}
	app := server.New(server.Deps{
		Engine:     engine,
		Trust:      tr,
		Settlement: coord,
		Fraud:      detector,
		Profiles:   profiles,
		Receipts:   signer,
	}, server.Config{
		AdminToken:   cfg.Admin.Token,
		MaxInFlight:  cfg.HTTP.MaxInFlight,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout: cfg.HTTP.WriteTimeout.Duration,
		IdleTimeout:  cfg.HTTP.IdleTimeout.Duration,
		Logger:       logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("marketd listening", slog.String("addr", cfg.HTTP.Addr))
		return app.Listen(cfg.HTTP.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server")
		return app.ShutdownWithTimeout(cfg.HTTP.ShutdownTimeout.Duration)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openIdentity picks the graph-backed identity provider when a graph URI is
// configured and wraps whichever provider is used in the similarity cache.
func openIdentity(ctx context.Context, cfg config.Config, clk clock.Clock, logger *slog.Logger) (*identity.CachedProvider, func(), error) {
	var next identity.SimilarityProvider = identity.NewMemoryProvider()
	closeFn := func() {}

	if cfg.Graph.URI != "" {
		startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := identity.NewNeo4jClient(startupCtx, identity.GraphOptions{
			URI:            cfg.Graph.URI,
			Username:       cfg.Graph.Username,
			Password:       cfg.Graph.Password,
			Database:       cfg.Graph.Database,
			MaxConnections: cfg.Graph.MaxConnections,
		})
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("connect identity graph: %w", err)
		}
		next = identity.NewGraphProvider(client)
		closeFn = func() {
			if err := client.Close(context.Background()); err != nil {
				logger.Warn("identity graph close failed", slog.Any("error", err))
			}
		}
		logger.Info("identity graph enabled", slog.String("uri", cfg.Graph.URI))
	}

	cached, err := identity.NewCachedProvider(next, cfg.Fraud.SimilarityCacheSize, cfg.Fraud.SimilarityCacheTTL.Duration, clk)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return cached, closeFn, nil
}

// loadSigner reads the receipt signing key, or generates a throwaway one
// when no key file is configured.
func loadSigner(path string, clk clock.Clock, logger *slog.Logger) (*receipt.Signer, error) {
	if path == "" {
		key, err := receipt.GenerateKey()
		if err != nil {
			return nil, err
		}
		signer, err := receipt.NewSigner(key, receipt.WithClock(clk))
		if err != nil {
			return nil, err
		}
		logger.Warn("no receipt key file configured, using an ephemeral signing key",
			slog.String("key_id", signer.KeyID()))
		return signer, nil
	}

	key, err := receipt.LoadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load receipt key: %w", err)
	}
	signer, err := receipt.NewSigner(key, receipt.WithClock(clk))
	if err != nil {
		return nil, err
	}
	logger.Info("receipt signing enabled", slog.String("key_id", signer.KeyID()))
	return signer, nil
}
