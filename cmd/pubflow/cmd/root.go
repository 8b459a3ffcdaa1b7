// Package cmd holds the pubflow cobra commands.
package cmd

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"pubflow/internal/app"
)

type rootOptions struct {
	configPath string
}

// NewRootCmd builds a fresh command tree; tests build one per case.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "pubflow",
		Short: "Schedule and publish social posts through device-bound bots",
		Long: `pubflow runs the publishing pipeline and offers one-shot operator commands.

The daemon ("pubflow run") owns the scheduler and the worker pool. Every other
command opens the configured database directly, so it works while the daemon
is running or stopped. With the memory driver only "run" is useful.

Examples:
  pubflow run --config ./config.json
  pubflow device upsert --id phone-1 --capacity 2 --endpoint http://10.0.0.5:7000
  pubflow bot upsert --id tw-1 --device phone-1 --platform TWITTER
  pubflow submit --bot tw-1 --text "hello" --at 2026-01-02T15:04:05Z
  pubflow status <post-id>`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	root.AddCommand(
		newRunCmd(opts),
		newSubmitCmd(opts),
		newCancelCmd(opts),
		newStatusCmd(opts),
		newStatsCmd(opts),
		newDeviceCmd(opts),
		newBotCmd(opts),
	)
	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}

// withOffline opens the store for the duration of fn.
func withOffline(opts *rootOptions, fn func(o *app.Offline) error) error {
	o, err := app.OpenOffline(opts.configPath)
	if err != nil {
		return err
	}
	defer o.Close()
	return fn(o)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
