package command

// root.go defines the root command and the global flags.

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"clusterhub/cmd/hubctl/authentication"
)

var (
	adminURL string // admin API base URL
	hubAddr  string // hub peer port, for protocol-level commands
	token    string // admin bearer token, overrides the keyring
)

var rootCmd = &cobra.Command{
	Use:   "hubctl",
	Short: "hubctl - clusterhub operator tool",
	Long: `hubctl inspects a running clusterhub hub. It can:
- List and watch registered servers through the admin API
- Look up a server by type and name over the peer protocol
- Mint and store admin tokens

Use "hubctl command --help" to see all available commands.`,
	SilenceUsage: true,
}

// Execute runs the root command. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin", envOr("HUBCTL_ADMIN_URL", "http://localhost:8090"), "admin API URL")
	rootCmd.PersistentFlags().StringVar(&hubAddr, "hub", envOr("HUB_ADDR", "127.0.0.1:5600"), "hub peer address")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "admin token (defaults to the stored one)")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// resolveToken prefers --token, then the keyring.
func resolveToken() (string, error) {
	if token != "" {
		return token, nil
	}
	creds, err := authentication.GetToken()
	if err != nil {
		return "", err
	}
	return creds.Token, nil
}
