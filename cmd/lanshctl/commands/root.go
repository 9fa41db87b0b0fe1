package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient is the Rendezvous Server HTTP client, built in
	// PersistentPreRunE once serverAddr is known.
	httpClient *http.Client

	// serverAddr is the rendezvous server's base URL.
	serverAddr string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "lanshctl",
	Short: "CLI client for the lanshared Rendezvous Server",
	Long:  "lanshctl talks to a Rendezvous Server over HTTP to inspect and manage its peer registry.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		httpClient = &http.Client{Timeout: 5 * time.Second}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://localhost:8420",
		"rendezvous server base URL")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(unregisterCmd())
	rootCmd.AddCommand(heartbeatCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
