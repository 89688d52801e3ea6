package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/merlab/mer-backend/pkg/models"
)

var (
	purgeStatus string
	purgeYes    bool
)

// jobsCmd groups operator maintenance commands
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Operator job maintenance",
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every job in a status",
	Long: `Delete every job in the given status together with its logs, segments,
sources and feedback. Purging queued or processing jobs frees their songs
for resubmission. Requires the admin API key.`,
	RunE: runJobsPurge,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsPurgeCmd)

	jobsPurgeCmd.Flags().StringVar(&purgeStatus, "status", "", "status to purge (required)")
	jobsPurgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "skip the confirmation prompt")
	jobsPurgeCmd.MarkFlagRequired("status")
}

func runJobsPurge(cmd *cobra.Command, args []string) error {
	status, ok := models.ParseJobStatus(purgeStatus)
	if !ok {
		return fmt.Errorf("invalid status %q", purgeStatus)
	}
	if apiKey == "" {
		return fmt.Errorf("an admin API key is required (--api-key or MER_ADMIN_KEY)")
	}

	if !purgeYes {
		fmt.Fprintf(cmd.OutOrStdout(), "Delete all %s jobs? [y/N]: ", status)
		var answer string
		fmt.Fscanln(cmd.InOrStdin(), &answer)
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
			return nil
		}
	}

	reqBody, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := newRequest("POST", "/admin/jobs/purge", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}

	var result struct {
		Status  string `json:"status"`
		Deleted int64  `json:"deleted"`
	}
	if err := doJSON(req, http.StatusOK, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d %s jobs\n", result.Deleted, result.Status)
	return nil
}
