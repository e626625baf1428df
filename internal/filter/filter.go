package filter

import (
	"cmp"
	"slices"
	"strings"

	"github.com/nhle/tutornotify/internal/model"
)

// Order selects how Apply sorts its result.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
	PriorityFirst
)

func (o Order) String() string {
	switch o {
	case OldestFirst:
		return "oldest"
	case PriorityFirst:
		return "priority"
	default:
		return "newest"
	}
}

// Next cycles through the orders.
func (o Order) Next() Order {
	return (o + 1) % 3
}

// ReadState restricts by read state.
type ReadState int

const (
	AnyReadState ReadState = iota
	UnreadOnly
	ReadOnly
)

// Filter describes a consumer's view. The zero value matches everything,
// newest first.
type Filter struct {
	// Categories keeps only these categories when non-empty.
	Categories []model.Category

	// TypePrefix keeps types starting with it (e.g., "booking." or
	// "session.reminder").
	TypePrefix string

	Read ReadState

	// Query matches title and rendered content, case-insensitively.
	Query string

	Priorities []model.Priority

	// Role keeps only the categories that role sees.
	Role model.Role

	Order Order
}

// Match reports whether n passes every criterion of f.
func (f Filter) Match(n model.Notification) bool {
	c := model.Classify(n.Type)

	if len(f.Categories) > 0 && !slices.Contains(f.Categories, c.Category) {
		return false
	}
	if f.Role != "" && !slices.Contains(model.RoleCategories(f.Role), c.Category) {
		return false
	}
	if f.TypePrefix != "" && !strings.HasPrefix(string(n.Type), f.TypePrefix) {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, c.Priority) {
		return false
	}
	switch f.Read {
	case UnreadOnly:
		if n.IsRead {
			return false
		}
	case ReadOnly:
		if !n.IsRead {
			return false
		}
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		q = strings.ToLower(q)
		if !strings.Contains(strings.ToLower(n.Title), q) &&
			!strings.Contains(strings.ToLower(model.RenderContent(n)), q) {
			return false
		}
	}
	return true
}

// Apply returns the notifications matching f in f.Order. ns is not modified.
func Apply(ns []model.Notification, f Filter) []model.Notification {
	out := make([]model.Notification, 0, len(ns))
	for _, n := range ns {
		if f.Match(n) {
			out = append(out, n)
		}
	}
	Sort(out, f.Order)
	return out
}

// Sort orders ns in place. Ties fall back to newest first, then id.
func Sort(ns []model.Notification, o Order) {
	slices.SortStableFunc(ns, func(a, b model.Notification) int {
		switch o {
		case OldestFirst:
			if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		case PriorityFirst:
			if c := cmp.Compare(a.Priority(), b.Priority()); c != 0 {
				return c
			}
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Recent returns the newest n notifications.
func Recent(ns []model.Notification, n int) []model.Notification {
	if n <= 0 {
		return []model.Notification{}
	}
	out := Apply(ns, Filter{})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// CountByCategory counts notifications per category.
func CountByCategory(ns []model.Notification) map[model.Category]int {
	counts := make(map[model.Category]int)
	for _, n := range ns {
		counts[n.Category()]++
	}
	return counts
}

// UnreadByCategory counts unread notifications per category.
func UnreadByCategory(ns []model.Notification) map[model.Category]int {
	counts := make(map[model.Category]int)
	for _, n := range ns {
		if !n.IsRead {
			counts[n.Category()]++
		}
	}
	return counts
}
