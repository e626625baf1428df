package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nhle/tutornotify/internal/backend"
	"github.com/nhle/tutornotify/internal/filter"
	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/session"
	"github.com/nhle/tutornotify/internal/store"
	"github.com/nhle/tutornotify/internal/theme"
	"github.com/nhle/tutornotify/internal/ui"
)

// cachedReadLimit bounds how many rows the offline listing reads.
const cachedReadLimit = 500

type listOptions struct {
	unread   bool
	category string
	query    string
	role     string
	order    string
	limit    int
	cached   bool
	asJSON   bool
}

func newListCmd(c *cli) *cobra.Command {
	var opts listOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print notifications",
		Long: `Fetch the newest notifications and print them. With --cached the
local cache is read instead and no request is made.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := opts.filter(c.cfg)
			if err != nil {
				return err
			}

			var ns []model.Notification
			if opts.cached {
				ns, err = listCached(cmd.Context(), c.cfg)
			} else {
				ns, err = listLive(cmd.Context(), c, opts.limit)
			}
			if err != nil {
				return err
			}

			ns = filter.Apply(ns, f)
			if opts.limit > 0 && len(ns) > opts.limit {
				ns = ns[:opts.limit]
			}

			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), ns)
			}
			printTable(cmd.OutOrStdout(), ns, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.unread, "unread", "u", false, "only unread notifications")
	cmd.Flags().StringVarP(&opts.category, "category", "c", "", "only this category (e.g., booking, payment)")
	cmd.Flags().StringVarP(&opts.query, "query", "q", "", "match title or content")
	cmd.Flags().StringVar(&opts.role, "role", "", "scope to a role's categories (default from config)")
	cmd.Flags().StringVar(&opts.order, "order", "newest", "sort order: newest, oldest, priority")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "maximum notifications to print")
	cmd.Flags().BoolVar(&opts.cached, "cached", false, "read the local cache only")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print JSON")
	return cmd
}

func (o listOptions) filter(cfg *model.AppConfig) (filter.Filter, error) {
	f := filter.Filter{
		Query: o.query,
		Role:  model.Role(cfg.Inbox.Role),
	}
	if o.role != "" {
		f.Role = model.Role(o.role)
	}
	if o.unread {
		f.Read = filter.UnreadOnly
	}
	if o.category != "" {
		cat, err := model.ParseCategory(o.category)
		if err != nil {
			return filter.Filter{}, err
		}
		f.Categories = []model.Category{cat}
	}
	switch o.order {
	case "", "newest":
		f.Order = filter.NewestFirst
	case "oldest":
		f.Order = filter.OldestFirst
	case "priority":
		f.Order = filter.PriorityFirst
	default:
		return filter.Filter{}, fmt.Errorf("unknown order %q", o.order)
	}
	return f, nil
}

// listLive fetches page 1 through a session, so the cache is refreshed
// on the way out.
func listLive(ctx context.Context, c *cli, limit int) ([]model.Notification, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}
	vault, _ := c.getVault()

	sess, err := session.Open(ctx, c.cfg, token, session.Deps{
		Vault:  vault,
		Logger: c.logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			c.logger.Warn("closing session", "err", err)
		}
	}()

	pageSize := c.cfg.Inbox.PageSize
	if limit > pageSize {
		pageSize = min(limit, 100)
	}
	if _, err := sess.Inbox().FetchNotifications(ctx, backend.ListParams{
		Page:  1,
		Limit: pageSize,
		Role:  model.Role(c.cfg.Inbox.Role),
	}); err != nil {
		return nil, err
	}
	return sess.Inbox().Snapshot().Notifications, nil
}

func listCached(ctx context.Context, cfg *model.AppConfig) ([]model.Notification, error) {
	if !cfg.Cache.Enabled {
		return nil, fmt.Errorf("the local cache is disabled in the config")
	}
	st, err := store.NewSQLiteStore(cfg.Cache.Path)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	return st.GetNotifications(ctx, store.NotificationFilter{Limit: cachedReadLimit})
}

type jsonNotification struct {
	ID        string         `json:"id"`
	Type      model.Type     `json:"type"`
	Category  model.Category `json:"category"`
	Priority  model.Priority `json:"priority"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	IsRead    bool           `json:"isRead"`
	CreatedAt time.Time      `json:"createdAt"`
}

func printJSON(w io.Writer, ns []model.Notification) error {
	out := make([]jsonNotification, len(ns))
	for i, n := range ns {
		out[i] = jsonNotification{
			ID:        n.ID,
			Type:      n.Type,
			Category:  n.Category(),
			Priority:  n.Priority(),
			Title:     n.Title,
			Content:   model.RenderContent(n),
			IsRead:    n.IsRead,
			CreatedAt: n.CreatedAt,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printTable(w io.Writer, ns []model.Notification, now time.Time) {
	if len(ns) == 0 {
		fmt.Fprintln(w, "No notifications.")
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		Headers("", "CATEGORY", "TITLE", "WHEN", "ID")
	for _, n := range ns {
		marker := " "
		if !n.IsRead {
			marker = "●"
		}
		t.Row(marker, string(n.Category()), n.Title, ui.RelativeTime(n.CreatedAt, now), n.ID)
	}
	fmt.Fprintln(w, t.Render())
}
