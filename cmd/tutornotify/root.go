package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nhle/tutornotify/internal/credential"
	"github.com/nhle/tutornotify/internal/logging"
	"github.com/nhle/tutornotify/internal/model"
)

// tokenEnv overrides the stored token (e.g., TUTORNOTIFY_TOKEN in CI).
const tokenEnv = model.EnvPrefix + "_TOKEN"

// cli carries state shared by every command.
type cli struct {
	configPath string
	logLevel   string

	cfg      *model.AppConfig
	logger   *slog.Logger
	closeLog func() error

	openVault func(configDir string) (*credential.Vault, error)
	vault     *credential.Vault
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "tutornotify",
		Short: "Real-time notifications for the tutoring marketplace",
		Long: `tutornotify keeps a live inbox of your marketplace notifications:
bookings, sessions, messages, payments and more. Without a subcommand
it opens the interactive client.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.closeLog != nil {
				return c.closeLog()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTUI(cmd, c)
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", model.DefaultConfigPath(), "config file path")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newTUICmd(c),
		newLoginCmd(c),
		newLogoutCmd(c),
		newListCmd(c),
		newWatchCmd(c),
	)
	return root
}

// setup loads the config and builds the logger. The interactive client
// owns the terminal, so it logs to the configured file.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := model.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	level := cfg.Log.Level
	if c.logLevel != "" {
		level = c.logLevel
	}
	logCfg := logging.Config{Level: level, Stderr: cmd.ErrOrStderr()}
	if cmd.Name() == "tui" || cmd.Parent() == nil {
		logCfg.Path = cfg.Log.Path
	}

	logger, closeLog, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	c.logger = logger
	c.closeLog = closeLog
	slog.SetDefault(logger)
	return nil
}

// getVault opens the keyring on first use.
func (c *cli) getVault() (*credential.Vault, error) {
	if c.vault != nil {
		return c.vault, nil
	}
	v, err := c.openVault(filepath.Dir(c.configPath))
	if err != nil {
		return nil, err
	}
	c.vault = v
	return v, nil
}

// token returns the bearer token from the environment or the keyring.
func (c *cli) token() (string, error) {
	if tok := os.Getenv(tokenEnv); tok != "" {
		return tok, nil
	}
	v, err := c.getVault()
	if err != nil {
		return "", err
	}
	tok, err := v.Token()
	if errors.Is(err, credential.ErrNotFound) {
		return "", fmt.Errorf("not signed in: run 'tutornotify login'")
	}
	return tok, err
}
