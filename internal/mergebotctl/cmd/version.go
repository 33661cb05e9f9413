package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/mergebot/internal/mergebotctl/client"
)

var (
	// Version is the semantic version of mergebotctl
	Version = "dev"
	// GitCommit is the git commit hash
	GitCommit = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show mergebotctl and daemon versions",
	Long:  `Display version information for mergebotctl and, if reachable, the mergebot daemon.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mergebotctl version %s\n", Version)
		fmt.Printf("commit: %s\n", GitCommit)
		fmt.Printf("built: %s\n", BuildTime)

		if GetMergebotURL() == "" {
			return
		}

		c := client.NewClient(GetMergebotURL(), GetMergebotAPIKey())
		h, err := c.Health()
		if err != nil {
			fmt.Printf("daemon: unreachable (%v)\n", err)
			return
		}
		fmt.Printf("daemon: %s (%s)\n", h.Version, h.Status)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
