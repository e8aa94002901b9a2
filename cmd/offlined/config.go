package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-offline/config"
)

// NewConfigCommand prints the effective configuration after defaults and OFFLINE_* overrides.
// Without a path it lists every leaf path; with one it prints that subtree as YAML.
func NewConfigCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config [path]",
		Short: "Validate the configuration and print effective values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := config.NewConfigurationManager(context.Background(), opts.ConfigPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if len(args) == 0 {
				paths, err := cm.GetAllPaths()
				if err != nil {
					return err
				}
				for _, path := range paths {
					fmt.Fprintf(out, "%s = %v\n", path, cm.GetValue(path, nil))
				}
				return nil
			}

			value := cm.GetValue(args[0], nil)
			if value == nil {
				return fmt.Errorf("no configuration value at %q", args[0])
			}

			body, err := yaml.Marshal(value)
			if err != nil {
				return err
			}
			_, err = out.Write(body)
			return err
		},
	}
}
