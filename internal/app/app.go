package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bundlegate/internal/alerting"
	"bundlegate/internal/config"
	"bundlegate/internal/fetcher"
	"bundlegate/internal/oracle"
	"bundlegate/internal/pipeline"
	"bundlegate/internal/policy"
	"bundlegate/internal/scheduler"
	"bundlegate/internal/service"
	"bundlegate/internal/storage"
	"bundlegate/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Clock  clock.Clock
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Clock: clock.New()}
}

// newResolver builds the price resolver selected by oracle.backend. The
// returned closer may be nil.
func (a *App) newResolver(ctx context.Context) (oracle.Resolver, func(), error) {
	cfg := a.Config.Oracle
	switch cfg.Backend {
	case config.BackendStatic:
		if cfg.PricesFile == "" {
			return oracle.NewStaticResolver(nil), nil, nil
		}
		res, err := oracle.LoadStaticResolver(cfg.PricesFile)
		if err != nil {
			return nil, nil, err
		}
		return res, nil, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		res := oracle.NewRedisResolver(client, oracle.RedisOptions{
			KeyPrefix:      cfg.Redis.KeyPrefix,
			RefreshChannel: cfg.Redis.RefreshChannel,
			TTL:            cfg.Redis.TTL,
			Clock:          a.Clock,
		}, a.Logger)
		return res, func() { _ = client.Close() }, nil

	case config.BackendHermes:
		res := fetcher.NewHermes(fetcher.HermesOptions{
			BaseURL:   cfg.Hermes.BaseURL,
			Timeout:   cfg.Hermes.RequestTimeout,
			UserAgent: cfg.Hermes.UserAgent,
			MaxAge:    time.Duration(a.Config.Policy.Oracle.MaxPriceAgeSeconds) * time.Second,
			Clock:     a.Clock,
		}, a.Logger)
		return res, nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported oracle backend %q", cfg.Backend)
}

func (a *App) newGate(p policy.Policy, resolver oracle.Resolver) (*pipeline.Gate, error) {
	return pipeline.New(p, pipeline.Options{Resolver: resolver, Clock: a.Clock}, a.Logger)
}

// newNotifier builds one notifier per configured channel. Unknown channels
// are logged and skipped.
func (a *App) newNotifier() alerting.Notifier {
	var out alerting.Fanout
	for _, ch := range a.Config.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				continue
			}
			out = append(out, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
		case "log":
			out = append(out, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", ch).Msg("unknown alert channel ignored")
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running maintenance service around the decision gate.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; checkpoints disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	resolver, closeResolver, err := a.newResolver(ctx)
	if err != nil {
		return err
	}
	if closeResolver != nil {
		defer closeResolver()
	}

	gate, err := a.newGate(a.Config.Policy, resolver)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Clock:        a.Clock,
	}, a.Logger)

	var checkpoints storage.CheckpointStore
	if store != nil {
		checkpoints = store
	}

	svc := service.New(a.Config, gate, sched, checkpoints, a.newNotifier(), a.Clock, a.Logger)
	if err := svc.Restore(ctx); err != nil {
		return err
	}

	a.Logger.Info().Str("version", version.Version).Str("backend", a.Config.Oracle.Backend).Str("tiers", gate.Tiers().String()).Msg("starting bundle gate service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("bundle gate service stopped")
	return nil
}

// EvaluateOptions configure a one-shot evaluation.
type EvaluateOptions struct {
	BundlePath string
	PricesPath string
	JSON       bool
}

// ExportOptions hold parameters for exporting checkpoint history.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	CSVPath string
	PNGPath string
	Limit   int
}

// StateOptions configure the state command.
type StateOptions struct {
	Limit int
	JSON  bool
}
