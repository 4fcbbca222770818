package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Sign a student or proctor token with the configured JWT secret",
	Long: `Sign a bearer token for local runs. Production tokens are issued by the
identity service; this only works where JWT_SECRET is known.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(service.TokenTypeStudent), "student or proctor")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 4*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	var userID int64
	if _, err := fmt.Sscan(args[0], &userID); err != nil || userID <= 0 {
		return fmt.Errorf("user id must be a positive integer, got %q", args[0])
	}

	role := service.TokenType(tokenRole)
	if role != service.TokenTypeStudent && role != service.TokenTypeProctor {
		return fmt.Errorf("unknown role %q", tokenRole)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	token, err := service.NewAuthService(cfg.JWTSecret).IssueToken(role, userID, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
