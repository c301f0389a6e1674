package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "certmill",
	Short: "CertMill is a certificate authority management service",
	Long: `A certificate authority management service: CA hierarchies, CSR review,
chain validation, revocation and certificate export over a REST API.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
