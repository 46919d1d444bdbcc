package main

import (
	"fmt"
	"strings"
	"time"

	"edittime/api/internal/auth"
	"edittime/api/internal/config"
	"edittime/api/internal/rbac"
	"github.com/spf13/cobra"
)

func newTokenCmd(cfg *config.Config) *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an editor, as the host application does",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			token, err := auth.IssueToken([]byte(cfg.TokenSecret), auth.NewClaims(userID, rbac.Normalize(role), ttl, time.Now()))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "host user ID")
	cmd.Flags().StringVar(&role, "role", string(rbac.RoleAuthor), "subscriber, author, editor or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
