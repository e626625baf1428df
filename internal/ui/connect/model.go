// Package connect is the sign-in form: server URL, access token and role.
// A connection is tested before anything is saved.
package connect

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/tutornotify/internal/backend"
	"github.com/nhle/tutornotify/internal/backend/rest"
	"github.com/nhle/tutornotify/internal/credential"
	"github.com/nhle/tutornotify/internal/keys"
	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/theme"
)

// Mode is the current screen of the connect view.
type Mode int

const (
	ModeForm       Mode = iota // Editing fields
	ModeValidating             // Testing connection
	ModeResult                 // Showing a failed test
)

// ConnectedMsg reports saved settings and a stored token.
type ConnectedMsg struct {
	Config *model.AppConfig
	Token  string
}

// CancelledMsg asks the parent to close the view without changes.
type CancelledMsg struct{}

type validateResultMsg struct {
	cfg   *model.AppConfig
	token string
	err   error
}

// fields holds the form values. huh binds to these pointers, so they
// must survive Model copies.
type fields struct {
	baseURL string
	token   string
	role    string
}

// Model is the connect form view.
type Model struct {
	cfg   *model.AppConfig
	path  string
	vault *credential.Vault
	keys  *keys.KeyMap

	form    *huh.Form
	fields  *fields
	mode    Mode
	spinner spinner.Model
	err     error

	width  int
	height int
}

// New builds the form prefilled from cfg. On success the updated config
// is written to path and the token to vault; either may be empty/nil.
func New(cfg *model.AppConfig, path string, vault *credential.Vault, k *keys.KeyMap) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorBlue)

	f := &fields{baseURL: cfg.Server.BaseURL, role: cfg.Inbox.Role}
	if vault != nil {
		if tok, err := vault.Token(); err == nil {
			f.token = tok
		}
	}

	m := Model{
		cfg:     cfg,
		path:    path,
		vault:   vault,
		keys:    k,
		fields:  f,
		spinner: sp,
		width:   80,
		height:  24,
	}
	m.form = m.buildForm()
	return m
}

// Init starts the form.
func (m Model) Init() tea.Cmd {
	return m.form.Init()
}

// Mode returns the current screen.
func (m Model) Mode() Mode {
	return m.mode
}

// Err returns the last connection test error.
func (m Model) Err() error {
	return m.err
}

// SetSize updates the view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	if m.form != nil {
		m.form = m.form.WithWidth(m.formWidth())
	}
}

func (m Model) buildForm() *huh.Form {
	roles := []huh.Option[string]{huh.NewOption("Any", "")}
	for _, r := range []model.Role{
		model.RoleStudent, model.RoleTutor, model.RoleCounselor,
		model.RoleTeacher, model.RoleAdmin,
	} {
		roles = append(roles, huh.NewOption(strings.ToUpper(string(r[:1]))+string(r[1:]), string(r)))
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server URL").
				Description("Marketplace API root (e.g., https://api.example.com)").
				Placeholder("https://api.example.com").
				Value(&m.fields.baseURL).
				Validate(validateURL),
			huh.NewInput().
				Title("Access Token").
				Description("Bearer token from your account settings").
				EchoMode(huh.EchoModePassword).
				Value(&m.fields.token).
				Validate(validateRequired("Token")),
			huh.NewSelect[string]().
				Title("Role").
				Description("Which notifications to show").
				Options(roles...).
				Value(&m.fields.role),
		),
	).WithWidth(m.formWidth())
}

// Update handles messages for the connect view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case validateResultMsg:
		if m.mode != ModeValidating {
			return m, nil
		}
		if msg.err != nil {
			m.err = msg.err
			m.mode = ModeResult
			return m, nil
		}
		m.err = nil
		m.mode = ModeForm
		cfg, token := msg.cfg, msg.token
		return m, func() tea.Msg { return ConnectedMsg{Config: cfg, Token: token} }

	case spinner.TickMsg:
		if m.mode == ModeValidating {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		switch m.mode {
		case ModeValidating:
			if key.Matches(msg, m.keys.Back) {
				m.mode = ModeForm
				m.form = m.buildForm()
				return m, m.form.Init()
			}
			return m, nil
		case ModeResult:
			switch {
			case key.Matches(msg, m.keys.Back):
				return m, cancelled
			case msg.String() == "enter":
				m.mode = ModeForm
				m.form = m.buildForm()
				return m, m.form.Init()
			}
			return m, nil
		case ModeForm:
			if key.Matches(msg, m.keys.Back) {
				return m, cancelled
			}
		}
	}

	return m.updateForm(msg)
}

func cancelled() tea.Msg { return CancelledMsg{} }

func (m Model) updateForm(msg tea.Msg) (Model, tea.Cmd) {
	if m.mode != ModeForm || m.form == nil {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		return m.submit()
	}
	if m.form.State == huh.StateAborted {
		return m, cancelled
	}

	return m, cmd
}

func (m Model) submit() (Model, tea.Cmd) {
	m.mode = ModeValidating
	return m, tea.Batch(
		m.spinner.Tick,
		m.validateAndSave(*m.fields),
	)
}

// validateAndSave tests the connection with f, then persists the config
// and token if it succeeded.
func (m Model) validateAndSave(f fields) tea.Cmd {
	base := *m.cfg
	path, vault := m.path, m.vault
	return func() tea.Msg {
		cfg := base
		cfg.Server.BaseURL = strings.TrimRight(strings.TrimSpace(f.baseURL), "/")
		cfg.Inbox.Role = f.role
		token := strings.TrimSpace(f.token)

		if err := cfg.Validate(); err != nil {
			return validateResultMsg{err: err}
		}
		if _, err := cfg.Server.WebSocketURL(); err != nil {
			return validateResultMsg{err: err}
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout())
		defer cancel()

		adapter := rest.NewAdapter(cfg.Server.BaseURL, token, rest.Options{
			Timeout: cfg.Server.RequestTimeout(),
		})
		_, err := adapter.ListNotifications(ctx, backend.ListParams{
			Limit: 1,
			Role:  model.Role(cfg.Inbox.Role),
		})
		if err != nil {
			return validateResultMsg{err: err}
		}

		if path != "" {
			if err := model.SaveConfig(path, &cfg); err != nil {
				return validateResultMsg{err: fmt.Errorf("connection OK but save failed: %w", err)}
			}
		}
		if vault != nil {
			if err := vault.SetToken(token); err != nil {
				return validateResultMsg{err: fmt.Errorf("connection OK but storing token failed: %w", err)}
			}
		}
		return validateResultMsg{cfg: &cfg, token: token}
	}
}

// View renders the connect view.
func (m Model) View() string {
	style := lipgloss.NewStyle().
		Padding(1, 2).
		Width(m.width).
		Height(m.height)

	switch m.mode {
	case ModeValidating:
		return style.Render(fmt.Sprintf(
			"%s Testing connection...\n\nPress esc to cancel.",
			m.spinner.View(),
		))

	case ModeResult:
		errStyle := lipgloss.NewStyle().Foreground(theme.ColorRed).Bold(true)
		msg := "Connection failed"
		if backend.IsAuthError(m.err) {
			msg = "Authentication failed: check your access token"
		}
		content := errStyle.Render(msg) + "\n\n" +
			theme.DimmedStyle.Render(m.err.Error()) + "\n\n" +
			"Press enter to edit, esc to cancel."
		return style.Render(content)
	}

	if m.form == nil {
		return ""
	}
	return style.Render(m.form.View())
}

func (m Model) formWidth() int {
	w := m.width - 4
	if w < 40 {
		w = 40
	}
	if w > 100 {
		w = 100
	}
	return w
}

// --- Validators ---

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validateURL(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL must start with http:// or https://")
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must include a host (e.g., https://example.com)")
	}
	return nil
}
