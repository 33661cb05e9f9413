package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/mergebot/internal/mergebotctl/client"
	"github.com/sorenmh/infrastructure-shared/mergebot/internal/mergebotctl/output"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage deployment approval sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live approval sessions",
	Long: `List sessions that are still pending approval or executing.

Completed sessions move to the history; see 'mergebotctl history'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateConfig(); err != nil {
			return err
		}

		c := client.NewClient(GetMergebotURL(), GetMergebotAPIKey())

		resp, err := c.ListSessions()
		if err != nil {
			return err
		}

		format := output.Format(GetOutputFormat())
		return output.Print(format, resp, func() {
			if len(resp.Sessions) == 0 {
				output.Info("No live sessions")
				return
			}

			headers := []string{"ID", "DEPLOYABLE", "ENV", "REQUESTER", "STATE", "APPROVALS", "AGE"}
			rows := make([][]string, 0, len(resp.Sessions))
			for _, s := range resp.Sessions {
				rows = append(rows, []string{
					s.ID,
					s.Deployable,
					s.Environment,
					s.RequesterID,
					s.State,
					fmt.Sprintf("%d/%d", s.ApprovedCount, s.RequiredCount),
					output.FormatTimeAgo(s.CreatedAt),
				})
			}
			output.PrintTable(headers, rows)
		})
	},
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get [session-id]",
	Short: "Show one session in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateConfig(); err != nil {
			return err
		}

		c := client.NewClient(GetMergebotURL(), GetMergebotAPIKey())

		sess, err := c.GetSession(args[0])
		if err != nil {
			return err
		}

		format := output.Format(GetOutputFormat())
		return output.Print(format, sess, func() {
			fmt.Printf("ID:          %s\n", sess.ID)
			fmt.Printf("Deployable:  %s\n", sess.Deployable)
			fmt.Printf("Environment: %s\n", sess.Environment)
			fmt.Printf("Requester:   %s\n", sess.RequesterID)
			fmt.Printf("State:       %s\n", sess.State)
			fmt.Printf("Approvals:   %d/%d\n", sess.ApprovedCount, sess.RequiredCount)
			if len(sess.Outstanding) > 0 {
				fmt.Printf("Waiting on:  %s\n", strings.Join(sess.Outstanding, ", "))
			}
			fmt.Printf("Created:     %s\n", output.FormatTime(sess.CreatedAt))

			if len(sess.Jobs) > 0 {
				fmt.Println()
				headers := []string{"REPOSITORY", "BASE", "TARGET", "STATUS", "REASON"}
				rows := make([][]string, 0, len(sess.Jobs))
				for _, j := range sess.Jobs {
					rows = append(rows, []string{j.Repository, j.BaseBranch, j.TargetBranch, j.Status, j.Reason})
				}
				output.PrintTable(headers, rows)
			}
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived deployment sessions",
	Long: `List completed, failed and abandoned sessions, most recent first.

Example:
  mergebotctl history --limit 10`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateConfig(); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		c := client.NewClient(GetMergebotURL(), GetMergebotAPIKey())

		resp, err := c.History(limit, offset)
		if err != nil {
			return err
		}

		format := output.Format(GetOutputFormat())
		return output.Print(format, resp, func() {
			if len(resp.Sessions) == 0 {
				output.Info("No archived sessions")
				return
			}

			headers := []string{"ID", "DEPLOYABLE", "ENV", "REQUESTER", "STATE", "CREATED"}
			rows := make([][]string, 0, len(resp.Sessions))
			for _, s := range resp.Sessions {
				rows = append(rows, []string{
					s.ID,
					s.Deployable,
					s.Environment,
					s.RequesterID,
					s.State,
					output.FormatTime(s.CreatedAt),
				})
			}
			output.PrintTable(headers, rows)
			fmt.Printf("\nShowing %d of %d sessions\n", len(resp.Sessions), resp.Total)
		})
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().Int("limit", 20, "Maximum number of sessions to show")
	historyCmd.Flags().Int("offset", 0, "Number of sessions to skip")
}
