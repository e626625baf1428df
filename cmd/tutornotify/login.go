package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/tutornotify/internal/backend"
	"github.com/nhle/tutornotify/internal/backend/rest"
	"github.com/nhle/tutornotify/internal/credential"
	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/session"
)

func newLoginCmd(c *cli) *cobra.Command {
	var (
		token  string
		server string
		role   string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify and store an access token",
		Long: `Verify an access token against the server and store it in the
system keyring. Without --token you are prompted for it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if server != "" {
				c.cfg.Server.BaseURL = strings.TrimRight(server, "/")
			}
			if cmd.Flags().Changed("role") {
				c.cfg.Inbox.Role = role
			}
			if err := c.cfg.Validate(); err != nil {
				return err
			}

			if token == "" {
				if !isTerminal(os.Stdin) {
					return errors.New("no token given: pass --token")
				}
				if err := promptToken(&token); err != nil {
					return err
				}
			}
			token = strings.TrimSpace(token)

			if err := verifyToken(cmd.Context(), c.cfg, token); err != nil {
				return err
			}

			vault, err := c.getVault()
			if err != nil {
				return err
			}
			if err := vault.SetToken(token); err != nil {
				return err
			}
			if server != "" || cmd.Flags().Changed("role") {
				if err := model.SaveConfig(c.configPath, c.cfg); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Signed in to %s\n", c.cfg.Server.BaseURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "access token (prompted when empty)")
	cmd.Flags().StringVar(&server, "server", "", "server base URL to save in the config")
	cmd.Flags().StringVar(&role, "role", "", "role to save in the config")
	return cmd
}

func promptToken(token *string) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Access Token").
				Description("Bearer token from your account settings").
				EchoMode(huh.EchoModePassword).
				Value(token).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("token is required")
					}
					return nil
				}),
		),
	).Run()
}

// verifyToken requests one notification to prove the token works.
func verifyToken(ctx context.Context, cfg *model.AppConfig, token string) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Server.RequestTimeout())
	defer cancel()

	adapter := rest.NewAdapter(cfg.Server.BaseURL, token, rest.Options{
		Timeout: cfg.Server.RequestTimeout(),
	})
	_, err := adapter.ListNotifications(ctx, backend.ListParams{
		Limit: 1,
		Role:  model.Role(cfg.Inbox.Role),
	})
	if backend.IsAuthError(err) {
		return fmt.Errorf("token rejected by %s: %w", cfg.Server.BaseURL, err)
	}
	if err != nil {
		return fmt.Errorf("verifying token: %w", err)
	}
	return nil
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token and clear the local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vault, err := c.getVault()
			if err != nil {
				return err
			}
			token, err := vault.Token()
			if errors.Is(err, credential.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
				return nil
			}
			if err != nil {
				return err
			}

			sess, err := session.Open(cmd.Context(), c.cfg, token, session.Deps{
				Vault:  vault,
				Logger: c.logger,
			})
			if err != nil {
				return err
			}
			if err := sess.Logout(); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}
