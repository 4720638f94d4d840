package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ragengine/internal/apiclient"
)

var (
	apiURL     string
	apiTimeout time.Duration
	outputJSON bool

	client *apiclient.Client
)

var rootCmd = &cobra.Command{
	Use:   "ragctl",
	Short: "Manage documents and query the RAG engine",
	Long: `ragctl talks to the ragengine API: upload documents for ingestion,
follow their status, and ask questions answered from the indexed content.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		base := apiURL
		if base == "" {
			base = os.Getenv("RAG_API_BASE_URL")
		}
		if base == "" {
			base = "http://localhost:8080"
		}
		client = apiclient.New(base, apiTimeout)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "base URL of the ragengine API (default $RAG_API_BASE_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().DurationVar(&apiTimeout, "timeout", 5*time.Minute, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print raw JSON responses")
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
