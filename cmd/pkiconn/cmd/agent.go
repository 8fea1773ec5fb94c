package cmd

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dogtagpki/pki-sub041/auth"
)

var (
	agentCertFile string
	agentUserID   string
	agentGroupsIn []string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Remote authority agent management",
	Long:  `Commands for managing the registry of remote authority agents trusted to submit requests.`,
}

var agentAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an agent by its client certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		pemData, err := os.ReadFile(agentCertFile)
		if err != nil {
			return fmt.Errorf("failed to read certificate: %w", err)
		}
		block, _ := pem.Decode(pemData)
		if block == nil {
			return fmt.Errorf("no PEM block found in %s", agentCertFile)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("failed to parse certificate: %w", err)
		}

		userID := agentUserID
		if userID == "" {
			userID = cert.Subject.CommonName
		}
		if userID == "" {
			return fmt.Errorf("certificate has no common name; --user is required")
		}

		registry, err := auth.NewBoltRegistryFromFile(dataDir+"/agents.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open agent registry: %w", err)
		}
		defer registry.Close()

		fp := auth.Fingerprint(cert)
		err = registry.Register(&auth.Agent{
			UserID:      userID,
			SubjectDN:   cert.Subject.String(),
			Fingerprint: fp,
			Groups:      agentGroupsIn,
		})
		if err != nil {
			return fmt.Errorf("failed to register agent: %w", err)
		}

		fmt.Printf("Registered agent %s\n", userID)
		fmt.Printf("  Subject:     %s\n", cert.Subject.String())
		fmt.Printf("  Fingerprint: %s\n", fp)
		fmt.Printf("  Groups:      %s\n", strings.Join(agentGroupsIn, ", "))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentAddCmd)
	agentCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	agentAddCmd.Flags().StringVar(&agentCertFile, "cert", "", "Path to the agent's client certificate (PEM)")
	agentAddCmd.Flags().StringVar(&agentUserID, "user", "", "Agent user ID (defaults to the certificate CN)")
	agentAddCmd.Flags().StringSliceVar(&agentGroupsIn, "group", []string{"Registration Manager Agents"}, "Groups the agent belongs to")
	agentAddCmd.MarkFlagRequired("cert")
}
