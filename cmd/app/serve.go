package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"omnidesk/internal/agentapi"
	"omnidesk/internal/deadletter"
	"omnidesk/internal/graph"
	"omnidesk/internal/httpserver"
	"omnidesk/internal/outbound"
	"omnidesk/internal/webhook"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, agent API and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load(opts)
			if err != nil {
				return err
			}
			return serve(rt)
		},
	}
}

func serve(rt *runtime) error {
	cfg := rt.cfg
	logger := rt.logger
	logger.Info("starting omnidesk", "env", cfg.AppEnv)

	ctx, stop := signalContext()
	defer stop()

	c, err := buildCore(ctx, rt)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("failed closing resources", "error", err)
		}
	}()

	if cfg.HTTP.PublicBaseURL != "" {
		webhookURL := strings.TrimRight(cfg.HTTP.PublicBaseURL, "/") + "/webhook/meta"
		logger.Info("public base url configured", "base_url", cfg.HTTP.PublicBaseURL, "webhook_url", webhookURL)
	}
	if cfg.Meta.VerifyToken == "" {
		logger.Warn("meta verify token not configured, webhook verification will be rejected")
	}

	receiver := webhook.New(webhook.Config{
		VerifyToken: cfg.Meta.VerifyToken,
		AppSecret:   cfg.Meta.AppSecret,
	}, c.engine, c.dead, logger, rt.metrics)

	handlers := httpserver.Handlers{Webhook: receiver}
	if cfg.Auth.JWTSecret != "" {
		graphClient := graph.New(graph.Config{
			BaseURL:    cfg.Meta.GraphBaseURL,
			APIVersion: cfg.Meta.APIVersion,
			Timeout:    cfg.Meta.Timeout,
		}, logger, rt.metrics)
		svc := outbound.New(graphClient, outbound.Stores{
			Connections:   c.repository,
			Conversations: c.repository,
			Messages:      c.repository,
		}, outbound.Config{EditWindow: cfg.Outbound.EditWindow}, logger, rt.metrics)
		handlers.AgentAPI = agentapi.New(cfg.Auth.JWTSecret, svc, c.repository, logger, rt.metrics)
	} else {
		logger.Warn("auth jwt secret not configured, agent api disabled")
	}

	httpSrv := httpserver.New(cfg.HTTP.ListenAddr, logger, rt.metrics, handlers, cfg.HTTP.BasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Repository: c.repository,
		Redis:      c.redis,
	})

	// Workers outlive the signal so queued jobs drain during shutdown.
	c.dispatcher.Start(context.WithoutCancel(ctx))

	replayer := deadletter.NewReplayer(c.dead, c.engine, deadletter.ReplayerConfig{
		Batch:      cfg.DeadLetter.ReplayBatch,
		MaxReplays: cfg.DeadLetter.MaxReplays,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	if err := replayer.Start(gctx, cfg.DeadLetter.ReplayInterval); err != nil {
		c.dispatcher.Stop()
		return fmt.Errorf("start dead letter replay: %w", err)
	}

	g.Go(httpSrv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		if err := replayer.Stop(); err != nil {
			logger.Error("dead letter replay shutdown error", "error", err)
		}
		c.dispatcher.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}
