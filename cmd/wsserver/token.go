package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/pairchat/internal/auth"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/store"
)

func newTokenCommand() *cobra.Command {
	var (
		userID   string
		username string
		ttl      time.Duration
		create   bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed credential for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET must be set")
			}
			if username == "" {
				username = userID
			}

			if create {
				st, err := openStore(cfg)
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.CreateUser(context.Background(), &store.User{ID: userID, Username: username}); err != nil {
					return fmt.Errorf("create user: %w", err)
				}
			}

			token, err := auth.NewAuthenticator(cfg.JWTSecret, cfg.AuthCookieName).Issue(userID, username, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to embed in the token")
	cmd.Flags().StringVar(&username, "username", "", "display name (defaults to the user id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().BoolVar(&create, "create", false, "also create the user in the configured store")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
