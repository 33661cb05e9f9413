package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sorenmh/infrastructure-shared/mergebot/internal/shared/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Configure mergebotctl settings interactively",
	Long: `Configure mergebotctl settings interactively or via command line flags.

This command will prompt you for the required settings if they are not provided
as flags. The settings are saved to ~/.mergebot/config.yaml by default.

Example:
  mergebotctl configure
  mergebotctl configure --url https://mergebot.example.com --api-key sk_live_abc123`,
	RunE: runConfigure,
}

var (
	configureURL    string
	configureAPIKey string
)

func init() {
	rootCmd.AddCommand(configureCmd)

	configureCmd.Flags().StringVar(&configureURL, "url", "", "mergebot API endpoint")
	configureCmd.Flags().StringVar(&configureAPIKey, "api-key", "", "mergebot API key")
}

func runConfigure(cmd *cobra.Command, args []string) error {
	// Get current values from config
	currentURL := viper.GetString("url")
	currentAPIKey := viper.GetString("apiKey")

	var req *config.ConfigureRequest
	var err error

	// If flags provided, use them directly
	if configureURL != "" && configureAPIKey != "" {
		req = &config.ConfigureRequest{
			URL:    configureURL,
			APIKey: configureAPIKey,
		}
	} else {
		// Run interactive configuration
		req, err = config.ConfigureInteractive(currentURL, currentAPIKey)
		if err != nil {
			return err
		}

		// Override with any provided flags
		if configureURL != "" {
			req.URL = configureURL
		}
		if configureAPIKey != "" {
			req.APIKey = configureAPIKey
		}
	}

	return config.SaveConfig(*req)
}
