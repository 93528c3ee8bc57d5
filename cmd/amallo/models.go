package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/axismundi/amallo/internal/config"
	"github.com/axismundi/amallo/internal/daemon"
	"github.com/axismundi/amallo/internal/registry"
)

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect model names and availability",
	}

	cmd.AddCommand(newModelsListCmd())
	cmd.AddCommand(newModelsResolveCmd())
	return cmd
}

func registryFromConfig(cfg *config.Config) *registry.Registry {
	return registry.New(registry.Opts{
		Lister:      daemon.New(cfg.Models.DaemonURL, nil),
		Dir:         cfg.Models.Dir,
		Extension:   cfg.Models.Extension,
		Default:     cfg.Models.Default,
		Aliases:     cfg.Models.Aliases,
		ListTimeout: cfg.Models.ListTimeout(),
	})
}

func newModelsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List models loaded in the daemon and files in the models directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			names := registryFromConfig(cfg).Available(cmd.Context())
			if len(names) == 0 {
				fmt.Fprintln(out, "No models available.")
				return nil
			}
			for _, n := range names {
				fmt.Fprintln(out, n)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "amallo.yaml", "path to Amallo config file")
	return cmd
}

func newModelsResolveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resolve <name>",
		Short: "Show the canonical model name an alias maps to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			reg := registryFromConfig(cfg)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s -> %s\n", args[0], reg.Resolve(args[0]))
			if path, err := reg.LocalFile(reg.Resolve(args[0])); err == nil {
				fmt.Fprintf(out, "local file: %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "amallo.yaml", "path to Amallo config file")
	return cmd
}
