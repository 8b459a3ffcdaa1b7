package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pubflow/internal/app"
	"pubflow/pkg/systemd"
)

const stopTimeout = 90 * time.Second

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the publishing daemon until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runDaemon(ctx, opts.configPath)
		},
	}
}

func runDaemon(ctx context.Context, cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return errors.Join(err, a.Stop(stopCtx))
	}

	_, _ = systemd.Ready()
	_, _ = systemd.Status("publishing")
	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go func() {
		_ = systemd.Watchdog(wdCtx, func(c context.Context) error {
			st, err := a.Pipeline().Stats(c)
			if err != nil {
				return err
			}
			if !st.Running {
				return errors.New("pipeline not running")
			}
			return nil
		})
	}()

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	wdCancel()
	_, _ = systemd.Stopping()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx)
	return errors.Join(a.Err(), stopErr)
}
