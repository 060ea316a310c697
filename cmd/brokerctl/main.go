// Package main provides brokerctl, a command-line client for the contract
// broker HTTP API.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"

	serverURL string
	outputFmt string
	client    *brokerClient
)

// errNotDeployable makes can-i-deploy exit non-zero after printing its
// verdict.
var errNotDeployable = errors.New("not deployable")

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "brokerctl",
		Short: "CLI for the contract broker",
		Long: `brokerctl talks to a contract broker server.

It records versions and tags, shows the latest verification results between
consumers and providers, and answers whether a set of versions can be
deployed together.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			client = newBrokerClient(serverURL)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOrDefault("BROKER_URL", "http://localhost:9292"), "Broker server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(newMatrixCmd())
	rootCmd.AddCommand(newCanIDeployCmd())
	rootCmd.AddCommand(newLatestVerificationCmd())
	rootCmd.AddCommand(newTagCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errNotDeployable) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
