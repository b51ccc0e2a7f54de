package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/studyforge-ai/studyforge/cmd/studyforge-cli/ui"
)

var (
	statusServer string
	statusJobID  string
	statusWatch  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a submitted job",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusServer, "server", "s", "http://localhost:8090", "server base URL")
	statusCmd.Flags().StringVarP(&statusJobID, "job", "j", "", "job ID (required)")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "poll until the job finishes")
	statusCmd.MarkFlagRequired("job")
	rootCmd.AddCommand(statusCmd)
}

type jobStatusView struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Stage       string `json:"stage"`
	Progress    int    `json:"progress"`
	Message     string `json:"message"`
	ErrorDetail string `json:"errorDetail"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ui.Init(noColor)

	client := &http.Client{Timeout: 30 * time.Second}

	view, err := fetchStatus(client)
	if err != nil {
		return err
	}

	if !statusWatch {
		printStatus(view)
		return nil
	}

	bar := ui.NewProgressBar(100, view.Stage)
	for {
		bar.Set(int64(view.Progress))
		if view.Message != "" {
			bar.Describe(view.Message)
		}
		if view.Status == "ready" || view.Status == "error" {
			break
		}

		time.Sleep(2 * time.Second)
		view, err = fetchStatus(client)
		if err != nil {
			return err
		}
	}
	bar.Finish()

	printStatus(view)
	return nil
}

func fetchStatus(client *http.Client) (*jobStatusView, error) {
	resp, err := client.Get(statusServer + "/api/v1/jobs/" + statusJobID)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}

	var view jobStatusView
	if err := json.Unmarshal(body, &view); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &view, nil
}

func printStatus(view *jobStatusView) {
	switch view.Status {
	case "ready":
		ui.Success("Job %s is ready", view.ID)
		ui.Message("Fetch the result from %s/api/v1/jobs/%s/result", statusServer, view.ID)
	case "error":
		ui.Error("Job %s failed: %s", view.ID, view.ErrorDetail)
		ui.Message("Retry with: POST %s/api/v1/jobs/%s/retry", statusServer, view.ID)
	default:
		ui.Info("Job %s: %s, stage %s, %d%% (%s)",
			view.ID, view.Status, view.Stage, view.Progress, view.Message)
	}
}
