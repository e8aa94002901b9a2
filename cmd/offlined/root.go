package main

import (
	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath    string
	Addr          string
	ControlPrefix string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "offlined",
		Short:         "Offline-first caching proxy with background sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yml", "path to the YAML configuration")
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "127.0.0.1:8088", "address of a running offlined proxy")
	cmd.PersistentFlags().StringVar(&opts.ControlPrefix, "control-prefix", "/__offline", "control endpoint prefix of the running proxy")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewNetworkCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
