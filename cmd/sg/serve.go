package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stagegate/internal/runner"
	"stagegate/internal/server"
)

func serveCmd() *cobra.Command {
	var host, basePath string
	var port, maxParallel int
	var devLogin, dispatch bool
	var agents []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, webhook delivery and the agent runner",
		Long: `Serves the API under --base-path with bearer JWT auth (STAGEGATE_JWT_SECRET).
Agents given with --agent <agent-id>=<command> run locally: their tasks are
claimed when spawned and woken when their prerequisites are approved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			commands, err := parseAgentCommands(agents)
			if err != nil {
				return err
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("STAGEGATE_JWT_SECRET is required for bearer auth")
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			e := rt.Engine

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowDevLogin: devLogin},
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			r := runner.New(e, logger.Named("runner"), maxParallel)
			for id, line := range commands {
				c, err := runner.ParseCommand(line)
				if err != nil {
					return fmt.Errorf("--agent %s: %w", id, err)
				}
				r.Register(id, c)
			}

			addr := server.Address(host, port)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				server.NewWebhookDispatcher(e, logger).Run(gctx)
				return nil
			})
			if len(commands) > 0 {
				if dispatch {
					started, err := r.DispatchStage(gctx)
					if err != nil {
						logger.Warn("dispatch current stage", zap.Error(err))
					}
					logger.Info("dispatched agents", zap.Int("tasks", len(started)))
				}
				g.Go(func() error { return r.Run(gctx) })
			}
			fmt.Printf("Serving stagegate API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			err = g.Wait()
			r.Wait()
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "listen host")
	cmd.Flags().IntVar(&port, "port", 8080, "listen port")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local testing only)")
	cmd.Flags().StringArrayVar(&agents, "agent", nil, "local agent implementation: <agent-id>=<command>")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 4, "agents running at once")
	cmd.Flags().BoolVar(&dispatch, "dispatch", false, "start every local agent allowed in the current stage")
	return cmd
}
