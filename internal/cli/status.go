package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the orchestrator's aggregated health",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type healthReport struct {
	Status     string                 `json:"status"`
	Components map[string]healthEntry `json:"components"`
}

type healthEntry struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	var report healthReport
	// /health lives outside /api/v1, so strip the client's base path.
	client := newAPIClient()
	client.baseURL = trimAPIPrefix(client.baseURL)

	if err := client.get("/health", &report); err != nil {
		return err
	}

	fmt.Printf("Orchestrator: %s\n", report.Status)
	for name, entry := range report.Components {
		line := fmt.Sprintf("  %-20s %s", name, entry.Status)
		if entry.Message != "" {
			line += " (" + entry.Message + ")"
		}
		fmt.Println(line)
	}

	if report.Status != "HEALTHY" {
		return unhealthyErr("orchestrator reports status %s", report.Status)
	}
	return nil
}

func trimAPIPrefix(base string) string {
	const suffix = "/api/v1"
	if len(base) > len(suffix) && base[len(base)-len(suffix):] == suffix {
		return base[:len(base)-len(suffix)]
	}
	return base
}
