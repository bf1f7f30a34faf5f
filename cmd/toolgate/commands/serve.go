package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/app"
	"github.com/oktsec/toolgate/internal/config"
	"github.com/oktsec/toolgate/internal/gateway"
	"github.com/oktsec/toolgate/internal/server"
)

func newServeCmd() *cobra.Command {
	var port int
	var bind string
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the toolgate HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.Server.LogLevel, os.Stderr)

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, cfg, logger, os.Stdout)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Warn("closing stores", "error", err)
				}
			}()

			deps := server.Deps{
				DB:             a.DB,
				Engine:         a.Engine,
				Admin:          a.Admin,
				Metrics:        a.Metrics,
				TracerProvider: a.Telemetry.TracerProvider(),
				Version:        version,
			}
			if len(cfg.Gateway.Backends) > 0 {
				gw := gateway.New(cfg.Gateway, a.Engine, a.Admin, version, logger)
				if err := gw.Connect(ctx); err != nil {
					return fmt.Errorf("starting gateway: %w", err)
				}
				defer func() { _ = gw.Close() }()
				deps.Gateway = gw.Handler()
				deps.GatewayPath = cfg.Gateway.EndpointPath
			}

			srv, err := server.New(cfg, deps, logger)
			if err != nil {
				return err
			}

			if watch {
				if _, err := os.Stat(cfgFile); err == nil {
					go func() {
						if err := a.Watch(ctx, cfgFile); err != nil {
							logger.Warn("config watch stopped", "error", err)
						}
					}()
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}

			printBanner(cmd.OutOrStdout(), cfg, srv.Port())

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload tool costs and tuning when the config file changes")
	return cmd
}

func printBanner(w io.Writer, cfg *config.Config, port int) {
	bindAddr := cfg.Server.Bind
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}

	redis := "off"
	if cfg.Redis.Addr != "" {
		redis = cfg.Redis.Addr
	}

	printHeader(w, "toolgate "+version)
	fmt.Fprintf(w, "  API:        http://%s:%d/v1/authorize\n", bindAddr, port)
	fmt.Fprintf(w, "  Metrics:    http://%s:%d/metrics\n", bindAddr, port)
	fmt.Fprintf(w, "  Health:     http://%s:%d/health\n", bindAddr, port)
	if n := len(cfg.Gateway.Backends); n > 0 {
		fmt.Fprintf(w, "  Gateway:    http://%s:%d%s (%d backends)\n", bindAddr, port, cfg.Gateway.EndpointPath, n)
	}
	printRule(w)
	fmt.Fprintf(w, "  Store: %s  |  Redis: %s  |  Tools: %d\n", cfg.Database.Driver, redis, len(cfg.Tools))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Press Ctrl+C to stop.")
	fmt.Fprintln(w)
}
