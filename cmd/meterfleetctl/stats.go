package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// statsResponse mirrors internal/api.statsResponse; kept as an
// independent, loosely-coupled copy since the CLI talks to the daemon
// only over its public HTTP surface, never by importing its packages.
type statsResponse struct {
	Enabled               bool  `json:"enabled"`
	AttemptedConnections  int64 `json:"attempted_connections"`
	SuccessfulConnections int64 `json:"successful_connections"`
	FailedConnections     int64 `json:"failed_connections"`
	AttemptedDialUps      int64 `json:"attempted_dial_ups"`
	SuccessfulDialUps     int64 `json:"successful_dial_ups"`
	FailedDialUps         int64 `json:"failed_dial_ups"`
	TotalProcessedFiles   int64 `json:"total_processed_files"`
	FilesDownloaded       int64 `json:"files_downloaded"`
	TotalFilesDownloaded  int64 `json:"total_files_downloaded"`
	BytesDownloaded       int64 `json:"bytes_downloaded"`
	OverallTasksCount     int64 `json:"overall_tasks_count"`
	OverallTasksCompleted int64 `json:"overall_tasks_completed"`
}

var statsCmd = &cobra.Command{
	Use:   "stats --api <base-url> --device <acronym>",
	Short: "Print a device's RuntimeState counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, _ := cmd.Flags().GetString("api")
		device, _ := cmd.Flags().GetString("device")
		if device == "" {
			return fmt.Errorf("--device is required")
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(fmt.Sprintf("%s/v1/devices/%s/stats", base, device))
		if err != nil {
			return fmt.Errorf("fetch stats: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch stats: unexpected status %s", resp.Status)
		}

		var st statsResponse
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("decode stats: %w", err)
		}

		fmt.Printf("device:                  %s\n", device)
		fmt.Printf("enabled:                 %t\n", st.Enabled)
		fmt.Printf("connections attempted:   %d (ok: %d, failed: %d)\n", st.AttemptedConnections, st.SuccessfulConnections, st.FailedConnections)
		fmt.Printf("dial-ups attempted:      %d (ok: %d, failed: %d)\n", st.AttemptedDialUps, st.SuccessfulDialUps, st.FailedDialUps)
		fmt.Printf("files processed/total:   %d / %d\n", st.TotalProcessedFiles, st.TotalFilesDownloaded)
		fmt.Printf("files this run:          %d\n", st.FilesDownloaded)
		fmt.Printf("bytes downloaded:        %d\n", st.BytesDownloaded)
		fmt.Printf("tasks completed/total:   %d / %d\n", st.OverallTasksCompleted, st.OverallTasksCount)
		return nil
	},
}

func init() {
	statsCmd.Flags().String("api", "http://127.0.0.1:8642", "control API base URL")
	statsCmd.Flags().String("device", "", "device acronym")
}
