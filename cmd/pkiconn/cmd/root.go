package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pkiconn",
	Short: "PKIConn is a remote authority connector service",
	Long: `A certificate authority connector that accepts enrollment, renewal,
revocation, CRL replication and key recovery requests from trusted remote
authorities over mutually authenticated TLS, with exactly-once processing
of retried submissions.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
