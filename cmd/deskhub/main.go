package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/deskhub-io/deskhub/internal/activity"
	"github.com/deskhub-io/deskhub/internal/api"
	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/channel/gmailadapter"
	"github.com/deskhub-io/deskhub/internal/channel/graphadapter"
	"github.com/deskhub-io/deskhub/internal/channel/imapadapter"
	"github.com/deskhub-io/deskhub/internal/channel/metaadapter"
	"github.com/deskhub-io/deskhub/internal/channel/pop3adapter"
	"github.com/deskhub-io/deskhub/internal/config"
	"github.com/deskhub-io/deskhub/internal/contact"
	"github.com/deskhub-io/deskhub/internal/database"
	"github.com/deskhub-io/deskhub/internal/ingest"
	"github.com/deskhub-io/deskhub/internal/metrics"
	"github.com/deskhub-io/deskhub/internal/models"
	"github.com/deskhub-io/deskhub/internal/repository"
	"github.com/deskhub-io/deskhub/internal/sanitize"
	"github.com/deskhub-io/deskhub/internal/settings"
	"github.com/deskhub-io/deskhub/internal/storage"
	"github.com/deskhub-io/deskhub/internal/syncer"
	"github.com/deskhub-io/deskhub/internal/thread"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	version = "dev"
	commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "deskhub",
	Short:   "DeskHub inbound message ingestion engine",
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver and the channel poll scheduler",
	RunE:  runServe,
}

var pollCmd = &cobra.Command{
	Use:   "poll <channel-id>",
	Short: "Poll one email channel once and exit",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoll,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pollCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles everything both commands need.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	channels *repository.ChannelRepository
	pipeline *ingest.Pipeline
	factory  channel.Factory
	registry *prometheus.Registry
	metrics  *metrics.Ingest
}

func buildApp() (*app, func(), error) {
	if err := config.Load(configPath); err != nil {
		return nil, nil, err
	}
	cfg := config.Get()
	logger := log.New(os.Stdout, "[deskhub] ", log.LstdFlags)

	db, err := database.Open(database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.GetDSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	cleanup := func() { db.Close() }

	blobs, err := storage.NewFilesystemBackend(cfg.Storage.Path)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	contacts := repository.NewContactRepository(db)
	tickets := repository.NewTicketRepository(db)
	messages := repository.NewMessageRepository(db)
	attachments := repository.NewAttachmentRepository(db)
	lookups := repository.NewLookupRepository(db)
	channels := repository.NewChannelRepository(db)

	var defaultsProvider settings.Provider = settings.NewSQLProvider(db)
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defaultsProvider = settings.NewCachedProvider(defaultsProvider, rdb, time.Minute)
	}

	sanitizer := sanitize.New(
		sanitize.WithAppHost(cfg.App.Host),
		sanitize.WithStoragePrefix(cfg.Storage.PublicPrefix),
	)

	registry := prometheus.NewRegistry()
	ingestMetrics := metrics.NewIngest(registry)

	pipelineOpts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithNotifier(activity.NewLogNotifier(logger)),
		ingest.WithMetrics(ingestMetrics),
		ingest.WithStoragePrefix(cfg.Storage.PublicPrefix),
	}
	if rdb != nil {
		pipelineOpts = append(pipelineOpts, ingest.WithRedis(rdb))
	}
	pipeline := ingest.NewPipeline(ingest.Stores{
		Contacts:    contact.NewResolver(contacts),
		Threads:     thread.NewResolver(tickets, tickets, messages),
		Tickets:     tickets,
		Messages:    messages,
		Attachments: attachments,
		Statuses:    lookups,
		Blobs:       blobs,
		Settings:    defaultsProvider,
	}, sanitizer, pipelineOpts...)

	factory, err := buildFactory(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		channels: channels,
		pipeline: pipeline,
		factory:  factory,
		registry: registry,
		metrics:  ingestMetrics,
	}, cleanup, nil
}

func buildFactory(cfg *config.Config, logger *log.Logger) (channel.Factory, error) {
	parser := channel.NewEnvelopeParser(
		channel.WithBodyLimit(cfg.Ingest.BodyLimit),
		channel.WithAttachmentLimit(cfg.Ingest.AttachmentLimit),
	)
	timeout := cfg.Ingest.ProviderTimeout

	opts := []channel.FactoryOption{
		channel.WithFetcher(imapadapter.New(
			imapadapter.WithLogger(logger),
			imapadapter.WithDialTimeout(timeout),
			imapadapter.WithEnvelopeParser(parser),
		), models.ProviderIMAP),
		channel.WithFetcher(pop3adapter.New(
			pop3adapter.WithLogger(logger),
			pop3adapter.WithDialTimeout(timeout),
			pop3adapter.WithEnvelopeParser(parser),
		), models.ProviderPOP3),
		channel.WithFetcher(graphadapter.New(
			graphadapter.WithLogger(logger),
			graphadapter.WithTimeout(timeout),
		), models.ProviderGraph),
		channel.WithFetcher(gmailadapter.New(
			gmailadapter.WithLogger(logger),
			gmailadapter.WithTimeout(timeout),
		), models.ProviderGmail),
	}
	for _, provider := range []models.Provider{models.ProviderMessenger, models.ProviderInstagram, models.ProviderWhatsApp} {
		normalizer, err := metaadapter.New(provider, metaadapter.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, channel.WithNormalizer(normalizer, provider))
	}
	return channel.NewFactory(opts...), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, cleanup, err := buildApp()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sync := syncer.New(a.channels, a.factory, a.pipeline,
		syncer.WithLogger(a.logger),
		syncer.WithMetrics(a.metrics),
	)
	if err := sync.Start(ctx); err != nil {
		return err
	}
	defer sync.Stop()

	server := api.NewServer(a.channels, a.factory, a.pipeline,
		api.WithLogger(a.logger),
		api.WithGatherer(a.registry),
	)
	httpServer := &http.Server{
		Addr:         a.cfg.Server.GetServerAddr(),
		Handler:      server.Router(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Printf("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		a.logger.Printf("received %v, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func runPoll(cmd *cobra.Command, args []string) error {
	a, cleanup, err := buildApp()
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("channel id %q: %w", args[0], err)
	}
	ch, err := a.channels.GetByID(cmd.Context(), uint(id))
	if err != nil {
		return fmt.Errorf("channel %d: %w", id, err)
	}
	fetcher, err := a.factory.FetcherFor(*ch)
	if err != nil {
		return err
	}

	result, err := fetcher.Fetch(cmd.Context(), *ch, a.pipeline)
	for _, skipped := range result.Skipped {
		a.logger.Printf("skipped %s: %v", skipped.ProviderMessageID, skipped.Err)
	}
	if err != nil {
		if markErr := a.channels.MarkError(cmd.Context(), ch.ID, err.Error(), channel.IsAuth(err)); markErr != nil {
			a.logger.Printf("channel %d error-state update: %v", ch.ID, markErr)
		}
		return err
	}
	if err := a.channels.MarkSynced(cmd.Context(), ch.ID, time.Now()); err != nil {
		return err
	}
	a.logger.Printf("channel %d: fetched %d, handled %d, skipped %d",
		ch.ID, result.Fetched, result.Handled, len(result.Skipped))
	return nil
}
