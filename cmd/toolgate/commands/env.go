package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/admin"
	"github.com/oktsec/toolgate/internal/app"
	"github.com/oktsec/toolgate/internal/config"
)

var errNoActor = errors.New("admin commands need --actor")

// loadConfig reads --config, falling back to defaults when the file is missing.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// withApp opens the stores for a one-shot command. Logs stay quiet unless
// --log-level asks otherwise.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := logLevel
	if level == "" {
		level = "error"
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Open(ctx, cfg, newLogger(level, cmd.ErrOrStderr()), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()
	return fn(ctx, a)
}

// adminActor is the identity admin subcommands act as.
func adminActor() (admin.Identity, error) {
	id := actorID
	if id == "" {
		id = os.Getenv("TOOLGATE_ACTOR")
	}
	if id == "" {
		return admin.Identity{}, errNoActor
	}
	return admin.Identity{ID: id, Role: admin.RoleAdmin}, nil
}

// sinceFlag turns "1h"-style durations or RFC3339 timestamps into a lower
// time bound. Empty means no bound.
func sinceFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want a duration (1h) or RFC3339 time", s)
	}
	return t, nil
}
