package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/studyforge-ai/studyforge/cmd/studyforge-cli/ui"
)

var (
	submitServer     string
	submitPDFPath    string
	submitUserID     string
	submitEnrichment string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a PDF to a StudyForge server",
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitServer, "server", "s", "http://localhost:8090", "server base URL")
	submitCmd.Flags().StringVarP(&submitPDFPath, "pdf", "p", "", "path to PDF file (required)")
	submitCmd.Flags().StringVarP(&submitUserID, "user", "u", "", "user ID (required)")
	submitCmd.Flags().StringVarP(&submitEnrichment, "enrichment", "e", "quiz", "enrichment kind: quiz or audio")
	submitCmd.MarkFlagRequired("pdf")
	submitCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ui.Init(noColor)

	file, err := os.Open(submitPDFPath)
	if err != nil {
		return fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("document", filepath.Base(submitPDFPath))
	if err != nil {
		return fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("read pdf: %w", err)
	}
	writer.WriteField("userId", submitUserID)
	writer.WriteField("enrichment", submitEnrichment)
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize form: %w", err)
	}

	spin := ui.NewSpinner("Uploading document...")
	spin.Start()

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(submitServer+"/api/v1/jobs", writer.FormDataContentType(), &body)
	spin.Stop()
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, respBody)
	}

	var job struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &job); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	ui.Success("Job submitted: %s", job.ID)
	ui.Message("Track it with: studyforge status --server %s --job %s --watch", submitServer, job.ID)
	return nil
}
