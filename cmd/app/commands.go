package main

import (
	"context"
	"fmt"
	"time"

	"omnidesk/internal/agentapi"
	"omnidesk/internal/deadletter"

	"github.com/spf13/cobra"
)

func newDeadLetterCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay dead-lettered webhook events",
	}

	var batches int
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Feed replayable dead letters back through ingestion once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load(opts)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			c, err := buildCore(ctx, rt)
			if err != nil {
				return err
			}
			defer c.Close()

			c.dispatcher.Start(context.WithoutCancel(ctx))
			defer c.dispatcher.Stop()

			replayer := deadletter.NewReplayer(c.dead, c.engine, deadletter.ReplayerConfig{
				Batch:      rt.cfg.DeadLetter.ReplayBatch,
				MaxReplays: rt.cfg.DeadLetter.MaxReplays,
			}, rt.logger)

			var total deadletter.Stats
			for i := 0; i < batches; i++ {
				stats, err := replayer.ReplayOnce(ctx)
				total.Replayed += stats.Replayed
				total.Requeued += stats.Requeued
				total.Discarded += stats.Discarded
				if err != nil {
					return fmt.Errorf("replay dead letters: %w", err)
				}
				if stats == (deadletter.Stats{}) {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed=%d requeued=%d discarded=%d\n", total.Replayed, total.Requeued, total.Discarded)
			return nil
		},
	}
	replay.Flags().IntVar(&batches, "batches", 1, "number of replay batches to run")

	pending := &cobra.Command{
		Use:   "pending",
		Short: "Print the number of queued dead letters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load(opts)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			c, err := buildCore(ctx, rt)
			if err != nil {
				return err
			}
			defer c.Close()

			sink, ok := c.dead.(*deadletter.RedisSink)
			if !ok {
				return fmt.Errorf("dead letters are only persisted when redis is configured")
			}
			replayable, archived, err := sink.Pending(ctx)
			if err != nil {
				return fmt.Errorf("count dead letters: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayable=%d archived=%d\n", replayable, archived)
			return nil
		},
	}

	cmd.AddCommand(replay, pending)
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage agent API tokens",
	}

	var (
		tenantID string
		agentID  string
		ttl      time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed agent token for a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load(opts)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = rt.cfg.Auth.TokenTTL
			}
			signed, expiresAt, err := agentapi.GenerateToken(tenantID, agentID, rt.cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			rt.logger.Info("agent token issued", "tenant_id", tenantID, "expires_at", expiresAt)
			return nil
		},
	}
	issue.Flags().StringVar(&tenantID, "tenant", "", "tenant id the token is scoped to")
	issue.Flags().StringVar(&agentID, "agent", "", "agent id recorded as subject")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = issue.MarkFlagRequired("tenant")

	cmd.AddCommand(issue)
	return cmd
}
