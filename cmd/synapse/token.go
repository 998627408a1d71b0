package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antoniostano/synapse/internal/auth"
	"github.com/antoniostano/synapse/internal/storage"
	"github.com/antoniostano/synapse/internal/users"
)

// newTokenCmd mints a credential for an existing account, for scripted
// clients that cannot go through the login form.
func newTokenCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a credential for an existing account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(email) == "" {
				return fmt.Errorf("--email is required")
			}
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			backend, err := storage.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer backend.Close()
			if backend.Driver == storage.DriverMemory {
				return fmt.Errorf("DATABASE_URL is not set; in-memory accounts do not outlive the server")
			}

			directory, err := users.NewDirectory(ctx, backend)
			if err != nil {
				return err
			}
			defer directory.Close()

			account, err := directory.FindByEmail(ctx, email)
			if err != nil {
				return err
			}
			creds, err := auth.NewCredentials(cfg.AuthJWTSecret, cfg.AuthCredentialTTL)
			if err != nil {
				return err
			}
			token, expires, err := creds.Issue(account.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}
