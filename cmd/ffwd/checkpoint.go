package main

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

// Checkpoint matches store.Checkpoint.
type Checkpoint struct {
	RunID      string    `json:"run_id"`
	Cursor     string    `json:"cursor"`
	Fetched    int       `json:"fetched"`
	Classified int       `json:"classified"`
	Clustered  int       `json:"clustered"`
	Failed     int       `json:"failed"`
	Phase      string    `json:"phase"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CheckpointsResponse matches internal/server CheckpointsResponse.
type CheckpointsResponse struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and manage saved checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp CheckpointsResponse
		if err := getJSON("/api/checkpoints", &resp); err != nil {
			return err
		}
		if len(resp.Checkpoints) == 0 {
			fmt.Println("No checkpoints saved")
			return nil
		}
		for _, cp := range resp.Checkpoints {
			fmt.Printf("%s  %s  phase=%s fetched=%d failed=%d cursor=%q\n",
				cp.UpdatedAt.Format(time.RFC3339), cp.RunID, cp.Phase, cp.Fetched, cp.Failed, cp.Cursor)
		}
		return nil
	},
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run's checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var cp Checkpoint
		if err := getJSON("/api/checkpoints/"+url.PathEscape(args[0]), &cp); err != nil {
			return err
		}
		fmt.Printf("Run:        %s\n", cp.RunID)
		fmt.Printf("Phase:      %s\n", cp.Phase)
		fmt.Printf("Cursor:     %s\n", cp.Cursor)
		fmt.Printf("Fetched:    %d\n", cp.Fetched)
		fmt.Printf("Classified: %d\n", cp.Classified)
		fmt.Printf("Clustered:  %d\n", cp.Clustered)
		fmt.Printf("Failed:     %d\n", cp.Failed)
		fmt.Printf("Updated:    %s\n", cp.UpdatedAt.Format(time.RFC3339))
		return nil
	},
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete one run's checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := serverURL + "/api/checkpoints/" + url.PathEscape(args[0])
		req, err := http.NewRequest(http.MethodDelete, target, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request to %s: %w", target, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			return serverError(resp)
		}
		fmt.Printf("Deleted checkpoint for run %s\n", args[0])
		return nil
	},
}

func init() {
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointDeleteCmd)
	rootCmd.AddCommand(checkpointCmd)
}
