package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"whale-watcher/internal/alert"
	"whale-watcher/internal/alerting"
	"whale-watcher/internal/api"
	"whale-watcher/internal/config"
	"whale-watcher/internal/deadletter"
	"whale-watcher/internal/dedup"
	"whale-watcher/internal/extractor"
	"whale-watcher/internal/listener"
	"whale-watcher/internal/pipeline"
	"whale-watcher/internal/scheduler"
	"whale-watcher/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newExtractor() extractor.Extractor {
	return extractor.NewOpenAI(a.Config.LLM.APIKey, extractor.Options{
		Model:        a.Config.LLM.Model,
		Temperature:  a.Config.LLM.Temperature,
		MaxTextRunes: a.Config.LLM.MaxTextRunes,
	}, a.Logger)
}

func (a *App) newNotifier() pipeline.CollisionNotifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newPipeline(store storage.AlertStore, dead deadletter.Log) *pipeline.Pipeline {
	d := dedup.NewDeduplicator(store, a.Config.Pipeline.IdentityBucket, a.Logger)
	return pipeline.New(a.newExtractor(), d, dead, a.newNotifier(), pipeline.Options{
		Workers:        a.Config.Pipeline.Workers,
		ExtractRetry:   a.Config.LLM.Retry.Policy(false),
		StoreRetry:     a.Config.Pipeline.StorageRetry.Policy(false),
		ExtractTimeout: a.Config.LLM.Timeout,
		StoreTimeout:   a.Config.Pipeline.StorageTimeout,
	}, a.Logger)
}

// Run executes the long-running ingestion service: channel listener, worker
// pool, and the periodic ingest stats report.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx, a.Logger); err != nil {
		return err
	}

	dead, err := deadletter.NewFileSink(a.Config.DeadLetter.Path, a.Logger)
	if err != nil {
		return err
	}
	defer dead.Close()

	tg, err := listener.New(
		a.Config.Telegram.BotToken,
		a.Config.Telegram.Channel,
		a.Config.Telegram.PollTimeout,
		a.Config.Telegram.Reconnect.Policy(true),
		a.Logger,
	)
	if err != nil {
		return err
	}

	pipe := a.newPipeline(store, dead)
	messages := make(chan alert.RawMessage, a.Config.Pipeline.QueueSize)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(messages)
		return tg.Run(ctx, messages)
	})
	g.Go(func() error {
		return pipe.Run(ctx, messages)
	})
	if a.Config.Stats.Enabled {
		g.Go(func() error {
			err := a.reportStats(ctx, store, pipe)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	a.Logger.Info().Str("channel", a.Config.Telegram.Channel).Msg("starting ingestion service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("ingestion service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}

// Serve runs the query API until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	srv := api.New(store, api.Options{
		Addr:        a.Config.API.Addr,
		AuthEnabled: a.Config.API.AuthEnabled,
		Keys:        a.Config.API.Keys,
		KeyHeader:   a.Config.API.KeyHeader,
		Timeout:     a.Config.API.Timeout,
		MaxLimit:    a.Config.API.MaxLimit,
		StatsWindow: a.Config.Stats.Window,
	}, a.Logger)

	return srv.ListenAndServe(ctx)
}

// reportStats logs persisted totals and in-process counters on an aligned
// schedule.
func (a *App) reportStats(ctx context.Context, store *storage.Store, pipe *pipeline.Pipeline) error {
	sched := scheduler.New(a.Config.Stats.Interval, a.Logger)
	return sched.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		stats, err := store.Stats(ctx, a.Config.Stats.Window)
		if err != nil {
			return err
		}
		counters := pipe.Snapshot()
		a.Logger.Info().
			Time("bucket", bucket).
			Dur("window", stats.Window).
			Int64("stored", stats.Count).
			Str("volume_usd", stats.VolumeUSD.String()).
			Uint64("processed", counters.Processed).
			Uint64("new", counters.New).
			Uint64("duplicates", counters.Duplicates).
			Uint64("collisions", counters.Collisions).
			Uint64("dead_lettered", counters.DeadLettered).
			Msg("ingest stats")
		return nil
	})
}

// ExportOptions hold parameters for exporting alert history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ReplayOptions configure dead letter replay.
type ReplayOptions struct {
	Path  string
	Stage string
}
