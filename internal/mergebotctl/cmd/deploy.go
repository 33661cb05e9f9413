package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/mergebot/internal/mergebotctl/client"
	"github.com/sorenmh/infrastructure-shared/mergebot/internal/mergebotctl/output"
)

var deployCmd = &cobra.Command{
	Use:   "deploy [deployable]",
	Short: "Request a deployment and open an approval session",
	Long: `Request a deployment of a deployable to an environment.

The daemon opens an approval session and notifies the configured approvers.
The merge happens only once every approver has approved.

Example:
  mergebotctl deploy todos --env staging --as U123
  mergebotctl deploy todos --env production --as U123 --confirm`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateConfig(); err != nil {
			return err
		}

		deployable := args[0]
		environment, _ := cmd.Flags().GetString("env")
		requesterID, _ := cmd.Flags().GetString("as")
		skipConfirm, _ := cmd.Flags().GetBool("confirm")

		if environment == "" {
			return fmt.Errorf("--env is required")
		}
		if requesterID == "" {
			return fmt.Errorf("--as is required (the requesting user ID)")
		}

		// Show confirmation prompt unless --confirm is used
		if !skipConfirm {
			fmt.Println("You are about to request a deployment:")
			fmt.Println()
			fmt.Printf("  Deployable:  %s\n", deployable)
			fmt.Printf("  Environment: %s\n", environment)
			fmt.Printf("  Requester:   %s\n", requesterID)
			fmt.Println()
			fmt.Println("Approvers will be notified and the merge runs once all of them approve.")
			fmt.Println()
			fmt.Print("Continue? (y/n): ")

			reader := bufio.NewReader(os.Stdin)
			response, _ := reader.ReadString('\n')
			response = strings.TrimSpace(strings.ToLower(response))

			if response != "y" && response != "yes" {
				output.Info("Deployment cancelled")
				os.Exit(2)
			}
		}

		c := client.NewClient(GetMergebotURL(), GetMergebotAPIKey())

		resp, err := c.Deploy(deployable, environment, requesterID)
		if err != nil {
			return err
		}

		output.Success("Approval session opened")
		fmt.Printf("  Session ID:   %s\n", resp.SessionID)
		fmt.Printf("  Repositories: %s\n", strings.Join(resp.Repositories, ", "))
		fmt.Printf("  Approvers:    %s\n", strings.Join(resp.Approvers, ", "))
		fmt.Printf("  Deadline:     %s\n", output.FormatTime(resp.Deadline))

		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve [session-id]",
	Short: "Approve a pending deployment session",
	Long: `Record an approval on a pending session, as if the user had reacted
to the approval message in chat.

Example:
  mergebotctl approve 2f1a4c3e-... --as U456`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateConfig(); err != nil {
			return err
		}

		sessionID := args[0]
		userID, _ := cmd.Flags().GetString("as")
		reaction, _ := cmd.Flags().GetString("reaction")

		if userID == "" {
			return fmt.Errorf("--as is required (the approving user ID)")
		}

		c := client.NewClient(GetMergebotURL(), GetMergebotAPIKey())

		if err := c.Approve(sessionID, userID, reaction); err != nil {
			return err
		}

		sess, err := c.GetSession(sessionID)
		if err != nil {
			return err
		}

		output.Success(fmt.Sprintf("Approval recorded (%d/%d)", sess.ApprovedCount, sess.RequiredCount))
		if len(sess.Outstanding) > 0 {
			fmt.Printf("  Still waiting on: %s\n", strings.Join(sess.Outstanding, ", "))
		} else {
			fmt.Printf("  State: %s\n", sess.State)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(approveCmd)

	// Flags for deploy
	deployCmd.Flags().String("env", "", "Target environment (required)")
	deployCmd.Flags().String("as", "", "Requesting user ID (required)")
	deployCmd.Flags().Bool("confirm", false, "Skip confirmation prompt")

	// Flags for approve
	approveCmd.Flags().String("as", "", "Approving user ID (required)")
	approveCmd.Flags().String("reaction", "approve", "Reaction kind to submit")
}
