package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pubflow/internal/app"
	"pubflow/internal/pipeline"
)

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		req pipeline.SubmitRequest
		at  string
	)
	c := &cobra.Command{
		Use:   "submit",
		Short: "Queue a post for a bot",
		Long: `Create a SCHEDULED post and queue its first attempt.

Without --at the post is due immediately. --at takes RFC 3339 ("2026-01-02T15:04:05Z").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				req.ScheduledAt = &t
			}
			return withOffline(opts, func(o *app.Offline) error {
				id, err := o.Pipeline.SubmitPost(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	f := c.Flags()
	f.StringVar(&req.BotID, "bot", "", "bot id (required)")
	f.StringVar(&req.Text, "text", "", "post text")
	f.StringVar(&req.ContentID, "content", "", "content id")
	f.StringSliceVar(&req.MediaURLs, "media", nil, "media URLs (repeat or comma-separate)")
	f.StringVar(&at, "at", "", "publish time, RFC 3339")
	_ = c.MarkFlagRequired("bot")
	return c
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <post-id>",
		Short: "Cancel a scheduled or in-flight post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(opts, func(o *app.Offline) error {
				if err := o.Pipeline.CancelPost(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
				return nil
			})
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <post-id>",
		Short: "Show a post and its attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(opts, func(o *app.Offline) error {
				v, err := o.Pipeline.GetPostStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), v)
			})
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue, post, task and registry counts from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(opts, func(o *app.Offline) error {
				st, err := o.Pipeline.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}
