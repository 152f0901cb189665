package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sablecrm/telebridge/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets redacted)",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fatal(err)
			}
			redacted := *cfg
			if redacted.Network.AppKey != "" {
				redacted.Network.AppKey = "***"
			}
			if redacted.Gateway.Token != "" {
				redacted.Gateway.Token = "***"
			}
			if redacted.Admin.APIKey != "" {
				redacted.Admin.APIKey = "***"
			}
			if redacted.Store.PostgresDSN != "" {
				redacted.Store.PostgresDSN = "***"
			}
			if redacted.Media.SecretAccessKey != "" {
				redacted.Media.SecretAccessKey = "***"
			}
			data, _ := json.MarshalIndent(redacted, "", "  ")
			fmt.Println(string(data))
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file for errors",
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := config.Load(resolveConfigPath()); err != nil {
				fatal(err)
			}
			fmt.Println("Config OK:", resolveConfigPath())
		},
	}
}
