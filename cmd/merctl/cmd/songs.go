package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/merlab/mer-backend/pkg/models"
)

var (
	listStatus     string
	followProgress bool
)

// songsCmd represents the songs command
var songsCmd = &cobra.Command{
	Use:   "songs",
	Short: "Submit and inspect songs",
	Long:  `Commands for submitting songs for emotion classification and inspecting their results.`,
}

var songsSubmitCmd = &cobra.Command{
	Use:   "submit <youtube-url-or-id>",
	Short: "Submit a song for classification",
	Args:  cobra.ExactArgs(1),
	RunE:  runSongsSubmit,
}

var songsStatusCmd = &cobra.Command{
	Use:   "status <external-id>",
	Short: "Show the latest job of a song",
	Args:  cobra.ExactArgs(1),
	RunE:  runSongsStatus,
}

var songsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List songs",
	RunE:  runSongsList,
}

var songsProgressCmd = &cobra.Command{
	Use:   "progress <external-id>",
	Short: "Show processing progress of a song",
	Args:  cobra.ExactArgs(1),
	RunE:  runSongsProgress,
}

var songsSegmentsCmd = &cobra.Command{
	Use:   "segments <external-id>",
	Short: "Show classified segments of a song",
	Args:  cobra.ExactArgs(1),
	RunE:  runSongsSegments,
}

func init() {
	rootCmd.AddCommand(songsCmd)
	songsCmd.AddCommand(songsSubmitCmd)
	songsCmd.AddCommand(songsStatusCmd)
	songsCmd.AddCommand(songsListCmd)
	songsCmd.AddCommand(songsProgressCmd)
	songsCmd.AddCommand(songsSegmentsCmd)

	songsListCmd.Flags().StringVar(&listStatus, "status", "", "comma separated statuses (queued, processing, processed, error, cancelled)")
	songsProgressCmd.Flags().BoolVar(&followProgress, "follow", false, "poll progress every 2 seconds until the song finishes")
}

func classification(job models.Job) string {
	if job.Classification == nil {
		return "-"
	}
	return *job.Classification
}

func submitter(job models.Job) string {
	if job.Submitter.UserID != "" {
		return "user " + job.Submitter.UserID
	}
	return job.Submitter.IP
}

func printJob(job models.Job) error {
	if IsJSONOutput() {
		return printJSON(job)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Song", job.ExternalID)
	table.Append("Job #", fmt.Sprintf("%d", job.ID))
	table.Append("Status", string(job.Status))
	table.Append("Classification", classification(job))
	table.Append("Submitter", submitter(job))
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	table.Append("Updated At", job.UpdatedAt.Format(time.RFC3339))
	return table.Render()
}

func runSongsSubmit(cmd *cobra.Command, args []string) error {
	reqBody, err := json.Marshal(models.SubmitRequest{URL: args[0]})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := newRequest("POST", "/songs/classify", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	var job models.Job
	if err := doJSON(req, http.StatusCreated, &job); err != nil {
		return err
	}
	if err := printJob(job); err != nil {
		return err
	}
	if !IsJSONOutput() {
		fmt.Printf("\nSong %s queued for classification\n", job.ExternalID)
	}
	return nil
}

func fetchSong(id string) (models.Job, error) {
	var job models.Job
	req, err := newRequest("GET", "/songs/"+url.PathEscape(id), nil)
	if err != nil {
		return job, err
	}
	err = doJSON(req, http.StatusOK, &job)
	return job, err
}

func runSongsStatus(cmd *cobra.Command, args []string) error {
	job, err := fetchSong(args[0])
	if err != nil {
		return err
	}
	return printJob(job)
}

func runSongsList(cmd *cobra.Command, args []string) error {
	path := "/songs"
	if listStatus != "" {
		path += "?status=" + url.QueryEscape(listStatus)
	}
	req, err := newRequest("GET", path, nil)
	if err != nil {
		return err
	}

	var result struct {
		Songs []models.Job `json:"songs"`
		Count int          `json:"count"`
	}
	if err := doJSON(req, http.StatusOK, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job #", "Song", "Status", "Classification", "Submitter", "Updated")
	for _, job := range result.Songs {
		table.Append(
			fmt.Sprintf("%d", job.ID),
			job.ExternalID,
			string(job.Status),
			classification(job),
			submitter(job),
			job.UpdatedAt.Format(time.RFC3339),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d songs\n", result.Count)
	return nil
}

func fetchProgress(id string) (models.ProgressView, error) {
	var view models.ProgressView
	req, err := newRequest("GET", "/processing/progress/"+url.PathEscape(id), nil)
	if err != nil {
		return view, err
	}
	err = doJSON(req, http.StatusOK, &view)
	return view, err
}

func printProgress(id string, view models.ProgressView) error {
	if IsJSONOutput() {
		return printJSON(view)
	}
	fmt.Printf("%s  %3d%%  %-10s  %s\n", id, view.Progress, view.Status, view.State)
	return nil
}

func runSongsProgress(cmd *cobra.Command, args []string) error {
	id := args[0]
	if !followProgress {
		view, err := fetchProgress(id)
		if err != nil {
			return err
		}
		return printProgress(id, view)
	}

	fmt.Printf("Following song %s (press Ctrl+C to stop)...\n\n", id)
	last := -1
	for {
		view, err := fetchProgress(id)
		if err != nil {
			return err
		}
		if view.Progress != last {
			if err := printProgress(id, view); err != nil {
				return err
			}
			last = view.Progress
		}
		if models.IsTerminalState(view.Status) {
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

func runSongsSegments(cmd *cobra.Command, args []string) error {
	req, err := newRequest("GET", "/songs/"+url.PathEscape(args[0])+"/segments", nil)
	if err != nil {
		return err
	}

	var result struct {
		ExternalID     string           `json:"external_id"`
		Classification *string          `json:"classification"`
		Segments       []models.Segment `json:"segments"`
	}
	if err := doJSON(req, http.StatusOK, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Start", "End", "Emotion")
	for _, seg := range result.Segments {
		table.Append(fmt.Sprintf("%.1fs", seg.Start), fmt.Sprintf("%.1fs", seg.End), seg.Emotion)
	}
	return table.Render()
}
