package commands

import (
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration the server would run with, after defaults,
the config file and RELAYCHAT_* environment variables are applied.

Examples:
  relaychat config show
  relaychat config show --config /etc/relaychat/config.yaml`,
	RunE: runConfigShow,
}

func init() {
	configShowCmd.Flags().StringVar(&listenAddr, "listen", "", "TCP listen address (overrides listen_address)")
	configShowCmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides http_address)")
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
