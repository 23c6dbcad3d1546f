package main

import (
	"encoding/json"
	"io"

	"github.com/fyrsmithlabs/fixloop/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and FIXLOOP_*
environment variables are applied. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := loadApp(ctx, nil, false)
		if err != nil {
			return err
		}
		defer a.close(ctx)
		return printConfig(cmd.OutOrStdout(), a.cfg)
	},
}

func printConfig(w io.Writer, cfg *config.Config) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
