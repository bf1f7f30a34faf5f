// Package app wires the governance engine, admin API and their
// collaborators from a loaded config. Commands open one App and close it
// on exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/oktsec/toolgate/internal/abuse"
	"github.com/oktsec/toolgate/internal/admin"
	"github.com/oktsec/toolgate/internal/config"
	"github.com/oktsec/toolgate/internal/governance"
	"github.com/oktsec/toolgate/internal/metrics"
	"github.com/oktsec/toolgate/internal/notify"
	"github.com/oktsec/toolgate/internal/policy"
	"github.com/oktsec/toolgate/internal/scan"
	"github.com/oktsec/toolgate/internal/store"
	"github.com/oktsec/toolgate/internal/telemetry"
)

// App holds every long-lived dependency.
type App struct {
	Config    *config.Config
	DB        *store.DB
	Engine    *governance.Engine
	Admin     *admin.API
	Metrics   *metrics.Metrics
	Telemetry *telemetry.Provider
	Alerts    *notify.Dispatcher
	Redis     *redis.Client

	pubsub *notify.PubSubNotifier
	logger *slog.Logger
}

// Open connects to the configured stores and builds the engine. Spans are
// written to traceOut when tracing is enabled.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, traceOut io.Writer) (*App, error) {
	a := &App{Config: cfg, logger: logger, Metrics: metrics.New()}

	tp, err := telemetry.Setup(cfg.Telemetry.Tracing, cfg.Telemetry.ServiceName, traceOut)
	if err != nil {
		return nil, err
	}
	a.Telemetry = tp

	a.DB, err = store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var guard abuse.Guard = abuse.NopGuard{}
	if cfg.Redis.Addr != "" {
		a.Redis, err = store.OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		guard = abuse.NewRedisGuard(a.Redis)
	}

	sinks, err := a.sinks(ctx)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.Alerts = notify.NewDispatcher(sinks, 256, logger)

	opts := governance.Options{
		Guard:   guard,
		Alerts:  a.Alerts,
		Metrics: a.Metrics,
		Tracer:  tp.Tracer("github.com/oktsec/toolgate/internal/governance"),
	}
	if cfg.Scanner.Enabled {
		s := scan.New(cfg.Scanner.CustomRulesDir)
		opts.Scanner = s
		logger.Info("content scanner enabled", "rules", s.RulesCount(ctx))
	}

	a.Engine = governance.New(a.DB, policy.FromConfig(cfg), logger, opts)
	a.Admin = admin.New(a.DB, a.Metrics, logger)
	return a, nil
}

func (a *App) sinks(ctx context.Context) (notify.Multi, error) {
	sinks := notify.Multi{notify.NewLogNotifier(a.logger)}
	if wh := notify.NewWebhookNotifier(a.Config.Webhooks, a.logger); wh.Len() > 0 {
		sinks = append(sinks, wh)
	}
	if a.Redis != nil && a.Config.Redis.AlertChannel != "" {
		sinks = append(sinks, notify.NewRedisNotifier(a.Redis, a.Config.Redis.AlertChannel))
	}
	if a.Config.PubSub.Project != "" {
		ps, err := notify.DialPubSub(ctx, a.Config.PubSub.Project, a.Config.PubSub.Topic)
		if err != nil {
			return nil, err
		}
		a.pubsub = ps
		sinks = append(sinks, ps)
	}
	return sinks, nil
}

// Reload applies a changed config to the running engine. Only the policy
// (tool costs, throttle multipliers, detector tuning) is hot.
func (a *App) Reload(cfg *config.Config) {
	a.Engine.SetPolicy(policy.FromConfig(cfg))
	a.logger.Info("policy reloaded", "tools", len(cfg.Tools))
}

// Watch reloads the policy whenever path changes, until ctx ends.
func (a *App) Watch(ctx context.Context, path string) error {
	return config.Watch(ctx, path, a.logger, a.Reload)
}

// Close flushes queued alerts and releases every connection.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Alerts != nil {
		a.Alerts.Close()
	}
	if a.pubsub != nil {
		errs = append(errs, a.pubsub.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.Telemetry != nil {
		errs = append(errs, a.Telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
