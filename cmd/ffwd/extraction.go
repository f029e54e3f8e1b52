package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// ExtractionRequest matches internal/server ExtractionRequest.
type ExtractionRequest struct {
	Action string `json:"action"`
	Resume bool   `json:"resume"`
}

// ExtractionActionResponse matches internal/server ExtractionActionResponse.
type ExtractionActionResponse struct {
	Status  string `json:"status"`
	Deleted int    `json:"deleted,omitempty"`
}

// StatusResponse matches pipeline.Status.
type StatusResponse struct {
	State      string `json:"state"`
	Checkpoint struct {
		RunID      string    `json:"run_id"`
		Cursor     string    `json:"cursor"`
		Fetched    int       `json:"fetched"`
		Classified int       `json:"classified"`
		Clustered  int       `json:"clustered"`
		Failed     int       `json:"failed"`
		Phase      string    `json:"phase"`
		UpdatedAt  time.Time `json:"updated_at"`
	} `json:"checkpoint"`
	LastError string   `json:"last_error,omitempty"`
	Log       []string `json:"log,omitempty"`
}

var resumeFlag bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an extraction run",
	Long: `Start an extraction run on the server.

Examples:
  # Start from the beginning
  ffwd run

  # Continue from the latest checkpoint
  ffwd run --resume`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp ExtractionActionResponse
		if err := postJSON("/api/extraction", ExtractionRequest{Action: "start", Resume: resumeFlag}, &resp); err != nil {
			return err
		}
		fmt.Printf("Extraction %s\n", resp.Status)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active extraction run",
	Long: `Request a graceful stop of the active extraction run. The run
finishes its current page, writes a final checkpoint, and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp ExtractionActionResponse
		if err := postJSON("/api/extraction", ExtractionRequest{Action: "stop"}, &resp); err != nil {
			return err
		}
		fmt.Printf("Extraction %s\n", resp.Status)
		return nil
	},
}

var showLog bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show extraction run status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp StatusResponse
		if err := getJSON("/api/extraction", &resp); err != nil {
			return err
		}

		fmt.Printf("State:      %s\n", resp.State)
		if resp.Checkpoint.RunID != "" {
			fmt.Printf("Run:        %s\n", resp.Checkpoint.RunID)
			fmt.Printf("Phase:      %s\n", resp.Checkpoint.Phase)
			fmt.Printf("Cursor:     %s\n", resp.Checkpoint.Cursor)
			fmt.Printf("Fetched:    %d\n", resp.Checkpoint.Fetched)
			fmt.Printf("Classified: %d\n", resp.Checkpoint.Classified)
			fmt.Printf("Clustered:  %d\n", resp.Checkpoint.Clustered)
			fmt.Printf("Failed:     %d\n", resp.Checkpoint.Failed)
		}
		if resp.LastError != "" {
			fmt.Printf("Last Error: %s\n", resp.LastError)
		}
		if showLog {
			for _, line := range resp.Log {
				fmt.Println(line)
			}
		}
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all saved checkpoints",
	Long: `Delete all saved checkpoints so the next run starts from the
beginning. Fails while a run is active.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp ExtractionActionResponse
		if err := postJSON("/api/extraction", ExtractionRequest{Action: "clear"}, &resp); err != nil {
			return err
		}
		fmt.Printf("Deleted %d checkpoint(s)\n", resp.Deleted)
		return nil
	},
}

// RunsResponse matches internal/server RunsResponse.
type RunsResponse struct {
	Runs []struct {
		ID         string    `json:"id"`
		Status     string    `json:"status"`
		Error      string    `json:"error,omitempty"`
		StartedAt  time.Time `json:"started_at"`
		FinishedAt time.Time `json:"finished_at,omitempty"`
	} `json:"runs"`
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent extraction runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp RunsResponse
		if err := getJSON("/api/runs", &resp); err != nil {
			return err
		}
		if len(resp.Runs) == 0 {
			fmt.Println("No runs recorded")
			return nil
		}
		for _, r := range resp.Runs {
			line := fmt.Sprintf("%s  %-10s %s", r.StartedAt.Format(time.RFC3339), r.Status, r.ID)
			if r.Error != "" {
				line += "  " + r.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&resumeFlag, "resume", false, "continue from the latest checkpoint")
	statusCmd.Flags().BoolVar(&showLog, "log", false, "include recent run log lines")
}
