package main

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/sharegate/internal/tui/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live TUI of job activity on a running gateway",
	Long: `Live TUI of job activity on a running gateway.

Shows gateway health, per-kind job counts and the event stream. The API key
needs the events:ro scope.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiURL, _ := cmd.Flags().GetString("api-url")
		apiKey, _ := cmd.Flags().GetString("api-key")
		if apiKey == "" {
			return fmt.Errorf("API key required: use --api-key or SHAREGATE_API_KEY")
		}

		p := tea.NewProgram(watch.New(strings.TrimRight(apiURL, "/"), apiKey))
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().String("api-url", "http://localhost:8080", "gateway API URL")
	watchCmd.Flags().String("api-key", os.Getenv("SHAREGATE_API_KEY"), "API bearer token")
}
