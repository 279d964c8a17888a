package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// BuildVersion is set at link time.
var BuildVersion = "dev"

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "accessgate",
		Short:         "Request authentication and access control",
		Long:          "accessgate verifies identity provider tokens, enforces role and tenant policy and rate limits callers.",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"YAML or JSON config file. Environment variables (ACCESSGATE_*) take precedence.")

	root.AddCommand(
		newServeCommand(opts),
		newKeysCommand(opts),
		newVerifyCommand(opts),
		newConfigCommand(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				cmd.Println(BuildVersion)
			},
		},
	)
	return root
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			return printJSON(cmd, cfg)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
