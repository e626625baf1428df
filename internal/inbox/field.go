package inbox

import "time"

// Field is a server-owned value the client may change optimistically.
// It is either confirmed, or carries a pending local value over the last
// confirmed one. Fields are values; every transition returns a new one.
type Field[T comparable] struct {
	Confirmed   T
	ConfirmedAt time.Time
	Pending     *Pending[T]
}

// Pending is an unconfirmed local change. Token identifies the mutation
// that made it, so a late confirm or rollback for a different mutation
// is ignored.
type Pending[T comparable] struct {
	Value T
	Since time.Time
	Token uint64
}

// NewField returns a confirmed field.
func NewField[T comparable](v T, at time.Time) Field[T] {
	return Field[T]{Confirmed: v, ConfirmedAt: at}
}

// Value is what consumers see: the pending value if any.
func (f Field[T]) Value() T {
	if f.Pending != nil {
		return f.Pending.Value
	}
	return f.Confirmed
}

// IsPending reports whether a local change awaits confirmation.
func (f Field[T]) IsPending() bool {
	return f.Pending != nil
}

// Apply records an optimistic local change. A newer Apply replaces an
// older pending change.
func (f Field[T]) Apply(v T, since time.Time, token uint64) Field[T] {
	f.Pending = &Pending[T]{Value: v, Since: since, Token: token}
	return f
}

// Confirm promotes the pending value made by token. It reports false,
// leaving f unchanged, when no such pending change exists.
func (f Field[T]) Confirm(token uint64) (Field[T], bool) {
	if f.Pending == nil || f.Pending.Token != token {
		return f, false
	}
	return Field[T]{Confirmed: f.Pending.Value, ConfirmedAt: f.Pending.Since}, true
}

// Rollback drops the pending value made by token.
func (f Field[T]) Rollback(token uint64) (Field[T], bool) {
	if f.Pending == nil || f.Pending.Token != token {
		return f, false
	}
	f.Pending = nil
	return f, true
}

// Observe merges a server-reported value stamped at. A pending change
// yields only to a strictly newer observation, which then becomes the
// confirmed value and discards the pending change. A confirmed value
// yields to a newer observation, or to an equally old one when
// winsTie(v) is true.
func (f Field[T]) Observe(v T, at time.Time, winsTie func(T) bool) Field[T] {
	if f.Pending != nil {
		if at.After(f.Pending.Since) {
			return Field[T]{Confirmed: v, ConfirmedAt: at}
		}
		return f
	}
	switch {
	case at.After(f.ConfirmedAt):
		return Field[T]{Confirmed: v, ConfirmedAt: at}
	case at.Equal(f.ConfirmedAt) && v != f.Confirmed && winsTie != nil && winsTie(v):
		f.Confirmed = v
		return f
	}
	return f
}
