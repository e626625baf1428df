package model

import (
	"fmt"
	"regexp"
	"strings"
)

// Category groups notification types by their dotted prefix.
type Category string

const (
	CategoryBooking Category = "booking"
	CategorySession Category = "session"
	CategoryMessage Category = "message"
	CategoryPayment Category = "payment"
	CategoryPayout  Category = "payout"
	CategoryReview  Category = "review"
	CategoryProfile Category = "profile"
	CategorySystem  Category = "system"
	CategorySupport Category = "support"
)

// Categories lists every known category in display order.
var Categories = []Category{
	CategoryBooking,
	CategorySession,
	CategoryMessage,
	CategoryPayment,
	CategoryPayout,
	CategoryReview,
	CategoryProfile,
	CategorySupport,
	CategorySystem,
}

// Priority levels (lower number = higher priority).
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Classification is the derived (category, priority) pair for a type.
type Classification struct {
	Category Category
	Priority Priority
}

// highPriority holds types that interrupt the user regardless of category.
var highPriority = map[Type]bool{
	TypeBookingCancelled: true,
	TypeSessionStarting:  true,
	TypePaymentFailed:    true,
	TypeSystemSecurity:   true,
}

// categoryPriority is the default priority for each category.
var categoryPriority = map[Category]Priority{
	CategoryBooking: PriorityMedium,
	CategorySession: PriorityMedium,
	CategoryMessage: PriorityMedium,
	CategoryPayment: PriorityMedium,
	CategoryPayout:  PriorityMedium,
	CategorySupport: PriorityMedium,
	CategoryReview:  PriorityLow,
	CategoryProfile: PriorityLow,
	CategorySystem:  PriorityLow,
}

// Classify derives the category and priority of a notification type.
// Unknown prefixes classify as system/low.
func Classify(t Type) Classification {
	prefix, _, _ := strings.Cut(string(t), ".")
	cat := Category(strings.ToLower(prefix))
	prio, ok := categoryPriority[cat]
	if !ok {
		cat = CategorySystem
		prio = PriorityLow
	}
	if highPriority[t] {
		prio = PriorityHigh
	}
	return Classification{Category: cat, Priority: prio}
}

// ParseCategory validates a category name given on the command line or
// in a filter.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := categoryPriority[c]; !ok {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Role is the marketplace role of the signed-in user.
type Role string

const (
	RoleStudent   Role = "student"
	RoleTutor     Role = "tutor"
	RoleCounselor Role = "counselor"
	RoleTeacher   Role = "teacher"
	RoleAdmin     Role = "admin"
)

// roleCategories lists the categories surfaced in a role-specific view.
var roleCategories = map[Role][]Category{
	RoleStudent: {
		CategoryBooking, CategorySession, CategoryMessage,
		CategoryPayment, CategoryReview, CategoryProfile,
		CategorySupport, CategorySystem,
	},
	RoleTutor: {
		CategoryBooking, CategorySession, CategoryMessage,
		CategoryPayout, CategoryReview, CategoryProfile,
		CategorySupport, CategorySystem,
	},
	RoleCounselor: {
		CategoryBooking, CategorySession, CategoryMessage,
		CategoryProfile, CategorySupport, CategorySystem,
	},
	RoleTeacher: {
		CategorySession, CategoryMessage, CategoryProfile,
		CategorySupport, CategorySystem,
	},
	RoleAdmin: Categories,
}

// RoleCategories returns the categories shown to the given role. An
// empty or unknown role sees every category.
func RoleCategories(r Role) []Category {
	if cats, ok := roleCategories[r]; ok {
		return cats
	}
	return Categories
}

// placeholderPattern matches {key} tokens in notification content.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.-]+)\}`)

// RenderContent resolves {key} placeholders in n.Content against
// n.Metadata. Unknown keys are left as-is.
func RenderContent(n Notification) string {
	if len(n.Metadata) == 0 || !strings.Contains(n.Content, "{") {
		return n.Content
	}
	return placeholderPattern.ReplaceAllStringFunc(n.Content, func(tok string) string {
		key := tok[1 : len(tok)-1]
		v, ok := n.Metadata[key]
		if !ok || v == nil {
			return tok
		}
		return fmt.Sprint(v)
	})
}
