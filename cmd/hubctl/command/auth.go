package command

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"clusterhub/cmd/hubctl/authentication"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Admin token commands",
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin token signed with the hub's JWT secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		subject, _ := cmd.Flags().GetString("subject")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		save, _ := cmd.Flags().GetBool("save")

		signed, expiresAt, err := mintToken(secret, subject, role, ttl)
		if err != nil {
			return err
		}
		if save {
			if err := authentication.StoreToken(&authentication.StoredCredentials{
				Token:     signed,
				Subject:   subject,
				ExpiresAt: expiresAt.Unix(),
			}); err != nil {
				return fmt.Errorf("failed to store token: %w", err)
			}
			color.Green("✓ Token stored, expires %s", expiresAt.Format(time.RFC3339))
			return nil
		}
		fmt.Println(signed)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an existing admin token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if token == "" {
			return fmt.Errorf("--token is required")
		}
		if err := authentication.StoreToken(&authentication.StoredCredentials{Token: token}); err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}
		color.Green("✓ Token stored.")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored admin token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := authentication.DeleteToken(); err != nil {
			return err
		}
		color.Green("✓ Token removed.")
		return nil
	},
}

func mintToken(secret, subject, role string, ttl time.Duration) (string, time.Time, error) {
	if len(secret) < 32 {
		return "", time.Time{}, fmt.Errorf("secret must be at least 32 characters")
	}
	expiresAt := time.Now().Add(ttl)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  time.Now().Unix(),
		"exp":  expiresAt.Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(tokenCmd)
	authCmd.AddCommand(loginCmd)
	authCmd.AddCommand(logoutCmd)

	tokenCmd.Flags().String("secret", envOr("JWT_SECRET", ""), "hub JWT secret")
	tokenCmd.Flags().String("subject", "operator", "token subject")
	tokenCmd.Flags().String("role", "admin", "token role")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")
	tokenCmd.Flags().Bool("save", false, "store the token in the keyring instead of printing it")
}
