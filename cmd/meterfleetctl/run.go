package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run --api <base-url> --device <acronym>",
	Short: "Trigger an immediate run for a registered device",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, _ := cmd.Flags().GetString("api")
		device, _ := cmd.Flags().GetString("device")
		if device == "" {
			return fmt.Errorf("--device is required")
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Post(fmt.Sprintf("%s/v1/devices/%s/run", base, device), "", nil)
		if err != nil {
			return fmt.Errorf("trigger run: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("trigger run: unexpected status %s", resp.Status)
		}
		fmt.Printf("run triggered for %s\n", device)
		return nil
	},
}

func init() {
	runCmd.Flags().String("api", "http://127.0.0.1:8642", "control API base URL")
	runCmd.Flags().String("device", "", "device acronym")
}
