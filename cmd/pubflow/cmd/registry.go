package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"pubflow/internal/app"
	"pubflow/internal/config"
	"pubflow/internal/domain"
)

func newDeviceCmd(opts *rootOptions) *cobra.Command {
	c := &cobra.Command{Use: "device", Short: "Manage devices"}

	var seed config.DeviceSeed
	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := app.DeviceFromSeed(seed)
			if err != nil {
				return err
			}
			return withOffline(opts, func(o *app.Offline) error {
				if err := o.Store.UpsertDevice(cmd.Context(), d); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "device %s %s capacity=%d\n", d.ID, d.Status, d.Capacity)
				return nil
			})
		},
	}
	f := upsert.Flags()
	f.StringVar(&seed.ID, "id", "", "device id (required)")
	f.StringVar(&seed.Name, "name", "", "display name")
	f.StringVar(&seed.Status, "status", "", "ONLINE, OFFLINE, BUSY or ERROR (default ONLINE)")
	f.IntVar(&seed.Capacity, "capacity", 1, "concurrent publish slots")
	f.StringVar(&seed.Endpoint, "endpoint", "", "device agent base URL")
	_ = upsert.MarkFlagRequired("id")

	setStatus := &cobra.Command{
		Use:   "set-status <device-id> <status>",
		Short: "Change a device status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseDeviceStatus(args[1])
			if err != nil {
				return err
			}
			return withOffline(opts, func(o *app.Offline) error {
				if err := o.Store.SetDeviceStatus(cmd.Context(), args[0], st); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "device %s %s\n", args[0], st)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(opts, func(o *app.Offline) error {
				ds, err := o.Store.ListDevices(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ds)
			})
		},
	}

	c.AddCommand(upsert, setStatus, list)
	return c
}

func newBotCmd(opts *rootOptions) *cobra.Command {
	c := &cobra.Command{Use: "bot", Short: "Manage bots"}

	var seed config.BotSeed
	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := app.BotFromSeed(seed)
			if err != nil {
				return err
			}
			return withOffline(opts, func(o *app.Offline) error {
				if err := o.Store.UpsertBot(cmd.Context(), b); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "bot %s %s %s on %s\n", b.ID, b.Platform, b.Status, b.DeviceID)
				return nil
			})
		},
	}
	f := upsert.Flags()
	f.StringVar(&seed.ID, "id", "", "bot id (required)")
	f.StringVar(&seed.DeviceID, "device", "", "device id (required)")
	f.StringVar(&seed.Platform, "platform", "", "TWITTER, INSTAGRAM, ... (required)")
	f.StringVar(&seed.Username, "username", "", "account handle")
	f.StringVar(&seed.Status, "status", "", "ACTIVE, INACTIVE, SUSPENDED or LOGIN_REQUIRED (default ACTIVE)")
	_ = upsert.MarkFlagRequired("id")
	_ = upsert.MarkFlagRequired("device")
	_ = upsert.MarkFlagRequired("platform")

	setStatus := &cobra.Command{
		Use:   "set-status <bot-id> <status>",
		Short: "Change a bot status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseBotStatus(args[1])
			if err != nil {
				return err
			}
			return withOffline(opts, func(o *app.Offline) error {
				if err := o.Store.SetBotStatus(cmd.Context(), args[0], st); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "bot %s %s\n", args[0], st)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List bots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffline(opts, func(o *app.Offline) error {
				bs, err := o.Store.ListBots(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), bs)
			})
		},
	}

	c.AddCommand(upsert, setStatus, list)
	return c
}
