package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"swarmctl/internal/app"
	"swarmctl/internal/auth"
	"swarmctl/internal/server"
	"swarmctl/internal/telemetry"
	"swarmctl/internal/watch"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			cfg, logger := a.Config, a.Logger
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}

			var metrics http.Handler
			if cfg.Metrics.Enabled {
				metrics, err = telemetry.InitMeterProvider(ctx, "swarmctl")
				if err != nil {
					return fmt.Errorf("init metrics: %w", err)
				}
				if err := telemetry.InitMetrics(ctx); err != nil {
					return fmt.Errorf("init metrics: %w", err)
				}
			}

			keys := auth.NewKeySet(cfg.Auth)
			if keys.Empty() && cfg.Auth.JWTSecret == "" {
				logger.Error("no api keys or jwt secret configured; every authenticated endpoint will return 401", "misconfigured", true)
			}
			if cfg.Alerts.WebhookSecret == "" {
				logger.Warn("alerts.webhook_secret is empty; alert batches will be rejected", "misconfigured", true)
			}

			o := a.Orchestrator
			o.Start(ctx)

			if cfg.Watch.Enabled {
				w := &watch.Watcher{
					Dir:      cfg.Watch.Dir,
					TaskType: cfg.Watch.TaskType,
					Submit: func(ctx context.Context, taskType string, payload map[string]any) error {
						_, err := o.Submit(ctx, taskType, payload)
						return err
					},
					Logger: logger.With("component", "watch"),
				}
				if filepath.Clean(cfg.Watch.Dir) == filepath.Clean(cfg.Agents.Dir) {
					w.Reload = func() error { return o.ReloadAgents(ctx) }
				}
				go func() {
					if err := w.Run(ctx); err != nil {
						logger.Error("file watcher stopped", "err", err)
					}
				}()
			}

			handler, err := server.New(server.Config{
				Orchestrator: o,
				BasePath:     basePath,
				Auth:         server.AuthConfig{Keys: keys, JWTSecret: cfg.Auth.JWTSecret, Logger: logger},
				AlertSecret:  cfg.Alerts.WebhookSecret,
				Metrics:      metrics,
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving swarm control API", "addr", addr, "base_path", basePath, "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}
