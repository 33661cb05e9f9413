package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/mergebot/internal/shared/config"
)

var (
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "mergebotctl",
	Short: "Mergebot CLI for approval-gated deployments",
	Long: `mergebotctl is a command-line tool for interacting with the mergebot daemon.

It allows you to:
  - Request a deployment and open an approval session
  - Approve a pending deployment session
  - List live sessions and watch their progress
  - View the deployment history

Configuration:
  Environment variables:
    MERGEBOT_URL          - mergebot API endpoint (required)
    MERGEBOT_API_KEY      - mergebot API authentication key (required)

  Config file (~/.mergebot/config.yaml):
    url: https://mergebot.example.com
    apiKey: sk_live_abc123

  CLI flags override environment variables and config file.

Example usage:
  mergebotctl deploy todos --env staging --as U123
  mergebotctl sessions list
  mergebotctl history --limit 10`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	config.InitConfig()
	config.AddFlags(rootCmd)

	// Add mergebotctl-specific flags
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
}

// GetMergebotURL returns the configured mergebot URL
func GetMergebotURL() string {
	return config.GetMergebotURL()
}

// GetMergebotAPIKey returns the configured mergebot API key
func GetMergebotAPIKey() string {
	return config.GetMergebotAPIKey()
}

// GetOutputFormat returns the output format
func GetOutputFormat() string {
	return outputFormat
}

// ValidateConfig validates that required configuration is present
func ValidateConfig() error {
	return config.ValidateConfig()
}
