package main

import (
	"errors"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/nhle/tutornotify/internal/app"
)

func newTUICmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive notification client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTUI(cmd, c)
		},
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func runTUI(_ *cobra.Command, c *cli) error {
	if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
		return errors.New("the interactive client needs a terminal; use 'tutornotify list' or 'tutornotify watch'")
	}

	vault, err := c.getVault()
	if err != nil {
		c.logger.Warn("keyring unavailable", "err", err)
	}
	token, err := c.token()
	if err != nil {
		c.logger.Info("no stored token, starting on the connect form", "err", err)
		token = ""
	}

	m := app.New(app.Deps{
		Config:     c.cfg,
		ConfigPath: c.configPath,
		Vault:      vault,
		Token:      token,
		Logger:     c.logger,
	})

	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if fm, ok := final.(app.Model); ok {
		if cerr := fm.Close(); cerr != nil {
			c.logger.Warn("closing session", "err", cerr)
		}
	}
	return err
}
