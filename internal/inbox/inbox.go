package inbox

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nhle/tutornotify/internal/backend"
	"github.com/nhle/tutornotify/internal/metrics"
	"github.com/nhle/tutornotify/internal/model"
)

var (
	// ErrNotFound is returned when marking an id the inbox does not hold.
	ErrNotFound = errors.New("notification not found")

	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("inbox closed")
)

// fetchTimeout bounds a shared page request. Callers stop waiting when
// their own context ends; the request itself runs on.
const fetchTimeout = 30 * time.Second

// PartialError reports a batch read the backend confirmed for only some
// ids. The failed ids have been rolled back.
type PartialError struct {
	Failed []string
	Total  int
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d of %d notifications could not be marked read", len(e.Failed), e.Total)
}

// Hinter forwards best-effort read hints over the push channel.
type Hinter interface {
	MarkAsRead(id string) bool
	MarkAllAsRead() bool
}

// Snapshot is an immutable view of the inbox. UnreadCount is always
// counted from Notifications.
type Snapshot struct {
	// Notifications is ordered newest first.
	Notifications []model.Notification
	UnreadCount   int
	Loading       bool
	Err           error
	Version       uint64
}

// Get returns the notification with id.
func (s Snapshot) Get(id string) (model.Notification, bool) {
	for _, n := range s.Notifications {
		if n.ID == id {
			return n, true
		}
	}
	return model.Notification{}, false
}

// Config holds inbox settings.
type Config struct {
	// ConfirmTimeout bounds each backend confirmation; a timeout rolls
	// the optimistic change back.
	ConfirmTimeout time.Duration
	PageSize       int
	Role           model.Role
}

// Option configures an Inbox.
type Option func(*Inbox)

func WithLogger(l *slog.Logger) Option {
	return func(i *Inbox) { i.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Inbox) { i.metrics = m }
}

// WithClock replaces time.Now for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(i *Inbox) { i.now = now }
}

type entry struct {
	n    model.Notification
	read Field[bool]
}

// Inbox is the session's notification store. Every mutation is applied
// under one lock and publishes a new Snapshot.
type Inbox struct {
	backend backend.Backend
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu        sync.Mutex
	entries   map[string]*entry
	loading   int
	err       error
	closed    bool
	nextToken uint64
	snap      Snapshot
	hinter    Hinter
	subs      map[int]chan Snapshot
	nextSub   int

	// fetchGen numbers fetches in start order; inflight holds the ones
	// still running. deleted maps a removed id to the newest fetch
	// started before the removal, whose results must not restore it.
	fetchGen uint64
	inflight map[uint64]struct{}
	deleted  map[string]uint64
}

// New creates an empty Inbox backed by be.
func New(be backend.Backend, cfg Config, opts ...Option) *Inbox {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	i := &Inbox{
		backend: be,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		entries:  make(map[string]*entry),
		subs:     make(map[int]chan Snapshot),
		inflight: make(map[uint64]struct{}),
		deleted:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	i.snap = Snapshot{Notifications: []model.Notification{}}
	return i
}

// Snapshot returns the current view.
func (i *Inbox) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snap
}

// Confirmed returns the notifications with their last confirmed read
// state, ignoring optimistic changes, in snapshot order.
func (i *Inbox) Confirmed() []model.Notification {
	i.mu.Lock()
	defer i.mu.Unlock()

	ns := make([]model.Notification, 0, len(i.snap.Notifications))
	for _, n := range i.snap.Notifications {
		if e, ok := i.entries[n.ID]; ok {
			n.IsRead = e.read.Confirmed
		}
		ns = append(ns, n)
	}
	return ns
}

// Subscribe returns a channel that always holds the latest snapshot,
// starting with the current one, and a func that ends the subscription.
// The channel is closed on cancel or Close.
func (i *Inbox) Subscribe() (<-chan Snapshot, func()) {
	i.mu.Lock()
	defer i.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if i.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- i.snap
	id := i.nextSub
	i.nextSub++
	i.subs[id] = ch

	return ch, func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		if c, ok := i.subs[id]; ok {
			delete(i.subs, id)
			close(c)
		}
	}
}

// FetchNotifications loads one page and merges it. Concurrent calls with
// the same params share one request, which is not tied to any caller's
// context; a caller whose ctx ends gets ctx.Err() while the others keep
// waiting. A failure is recorded on the snapshot and existing entries
// are kept.
func (i *Inbox) FetchNotifications(ctx context.Context, params backend.ListParams) (*backend.Page, error) {
	params = params.Normalize(i.cfg.PageSize)
	if params.Role == "" {
		params.Role = i.cfg.Role
	}

	ch := i.group.DoChan(params.Key(), func() (any, error) {
		i.mu.Lock()
		if i.closed {
			i.mu.Unlock()
			return nil, ErrClosed
		}
		i.fetchGen++
		gen := i.fetchGen
		i.inflight[gen] = struct{}{}
		i.loading++
		i.publishLocked()
		i.mu.Unlock()

		fctx, cancel := context.WithTimeout(i.ctx, fetchTimeout)
		defer cancel()
		page, err := i.backend.ListNotifications(fctx, params)
		i.metrics.Fetch(err)
		if err := i.finishFetch(gen, page, err); err != nil {
			return nil, err
		}
		return page, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			i.logger.Debug("fetch shared with in-flight request", "params", params.Key())
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*backend.Page), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("fetching notifications: %w", ctx.Err())
	}
}

func (i *Inbox) finishFetch(gen uint64, page *backend.Page, err error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return ErrClosed
	}
	i.loading--
	delete(i.inflight, gen)
	defer i.pruneDeletedLocked()

	if err != nil {
		i.err = err
		i.publishLocked()
		i.logger.Warn("fetching notifications failed", "error", err)
		return fmt.Errorf("fetching notifications: %w", err)
	}

	i.err = nil
	for _, n := range page.Notifications {
		if removedAt, ok := i.deleted[n.ID]; ok && gen <= removedAt {
			continue
		}
		i.mergeLocked(n)
	}
	i.publishLocked()
	return nil
}

// pruneDeletedLocked forgets removals no running fetch predates.
func (i *Inbox) pruneDeletedLocked() {
	oldest := uint64(math.MaxUint64)
	for gen := range i.inflight {
		oldest = min(oldest, gen)
	}
	for id, removedAt := range i.deleted {
		if removedAt < oldest {
			delete(i.deleted, id)
		}
	}
}

// Merge applies pushed records by id and clears any earlier removal of
// the same id.
func (i *Inbox) Merge(ns ...model.Notification) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	for _, n := range ns {
		delete(i.deleted, n.ID)
		i.mergeLocked(n)
	}
	i.publishLocked()
}

// Seed loads cached records at startup with the same merge rule.
func (i *Inbox) Seed(ns ...model.Notification) {
	i.Merge(ns...)
}

func readWinsTie(v bool) bool { return v }

// mergeLocked replaces the fields of an existing entry unless the
// incoming record is older by server time. Read state always follows
// Field.Observe, and a known CreatedAt is kept.
func (i *Inbox) mergeLocked(n model.Notification) {
	if n.ID == "" {
		return
	}
	n = n.Clone()
	at := n.ServerTime()

	e, ok := i.entries[n.ID]
	if !ok {
		i.entries[n.ID] = &entry{n: n, read: NewField(n.IsRead, at)}
		return
	}
	e.read = e.read.Observe(n.IsRead, at, readWinsTie)
	if at.Before(e.n.ServerTime()) {
		return
	}
	if !e.n.CreatedAt.IsZero() {
		n.CreatedAt = e.n.CreatedAt
	}
	e.n = n
}

// Remove drops id from the inbox. Fetches already running when it is
// removed cannot bring it back.
func (i *Inbox) Remove(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	if len(i.inflight) > 0 {
		i.deleted[id] = i.fetchGen
	}
	if _, ok := i.entries[id]; !ok {
		return
	}
	delete(i.entries, id)
	i.publishLocked()
}

// ApplyRead records a server-side read of id at the given time (now when
// zero).
func (i *Inbox) ApplyRead(id string, at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	e, ok := i.entries[id]
	if !ok {
		return
	}
	if at.IsZero() {
		at = i.now()
	}
	e.read = e.read.Observe(true, at, readWinsTie)
	i.publishLocked()
}

// ApplyReadAll records a server-side read of every entry.
func (i *Inbox) ApplyReadAll(at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	if at.IsZero() {
		at = i.now()
	}
	for _, e := range i.entries {
		e.read = e.read.Observe(true, at, readWinsTie)
	}
	i.publishLocked()
}

// MarkAsRead marks id read immediately and confirms with the backend.
// On failure or timeout the change is rolled back and the error returned.
// An id read only by another unconfirmed change is confirmed again under
// this call, so a nil return always means the server has it read.
func (i *Inbox) MarkAsRead(ctx context.Context, id string) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrClosed
	}
	e, ok := i.entries[id]
	if !ok {
		i.mu.Unlock()
		return fmt.Errorf("marking %s read: %w", id, ErrNotFound)
	}
	if e.read.Confirmed && !e.read.IsPending() {
		i.mu.Unlock()
		return nil
	}
	i.nextToken++
	token := i.nextToken
	e.read = e.read.Apply(true, i.now(), token)
	i.publishLocked()
	hinter := i.hinter
	i.mu.Unlock()

	if hinter != nil {
		hinter.MarkAsRead(id)
	}

	cctx, cancel := context.WithTimeout(ctx, i.cfg.ConfirmTimeout)
	err := i.backend.MarkRead(cctx, id)
	cancel()
	i.metrics.Confirmation("mark_read", err)

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrClosed
	}

	e, ok = i.entries[id]
	if err != nil {
		if ok {
			if f, rolled := e.read.Rollback(token); rolled {
				e.read = f
				i.metrics.Rollback(1)
				i.publishLocked()
			}
		}
		i.logger.Warn("mark read not confirmed, rolled back", "id", id, "error", err)
		return fmt.Errorf("marking %s read: %w", id, err)
	}
	if ok {
		if f, done := e.read.Confirm(token); done {
			e.read = f
			i.publishLocked()
		}
	}
	return nil
}

// MarkAllAsRead marks every unread entry read immediately and confirms
// them in one batch. A per-item backend result rolls back only the
// failed ids and returns *PartialError; any other failure rolls back the
// whole batch.
func (i *Inbox) MarkAllAsRead(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrClosed
	}
	i.nextToken++
	token := i.nextToken
	now := i.now()
	var ids []string
	for id, e := range i.entries {
		if e.read.Value() {
			continue
		}
		e.read = e.read.Apply(true, now, token)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		i.mu.Unlock()
		return nil
	}
	slices.Sort(ids)
	i.publishLocked()
	hinter := i.hinter
	i.mu.Unlock()

	if hinter != nil {
		hinter.MarkAllAsRead()
	}

	cctx, cancel := context.WithTimeout(ctx, i.cfg.ConfirmTimeout)
	res, err := i.backend.MarkAllRead(cctx, ids)
	cancel()
	i.metrics.Confirmation("mark_all_read", err)

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrClosed
	}

	if err != nil {
		n := i.resolveLocked(ids, token, false)
		i.metrics.Rollback(n)
		i.publishLocked()
		i.logger.Warn("mark all read not confirmed, rolled back", "count", n, "error", err)
		return fmt.Errorf("marking all read: %w", err)
	}

	if !res.PerItem || len(res.Failed) == 0 {
		i.resolveLocked(ids, token, true)
		i.publishLocked()
		return nil
	}

	failed := make(map[string]bool, len(res.Failed))
	for _, id := range res.Failed {
		failed[id] = true
	}
	var ok, bad []string
	for _, id := range ids {
		if failed[id] {
			bad = append(bad, id)
		} else {
			ok = append(ok, id)
		}
	}
	i.resolveLocked(ok, token, true)
	i.metrics.Rollback(i.resolveLocked(bad, token, false))
	i.publishLocked()
	if len(bad) == 0 {
		return nil
	}
	i.logger.Warn("mark all read partially confirmed", "failed", bad, "total", len(ids))
	return &PartialError{Failed: bad, Total: len(ids)}
}

// resolveLocked confirms or rolls back token's pending change on ids and
// returns how many entries changed.
func (i *Inbox) resolveLocked(ids []string, token uint64, confirm bool) int {
	n := 0
	for _, id := range ids {
		e, ok := i.entries[id]
		if !ok {
			continue
		}
		var f Field[bool]
		var changed bool
		if confirm {
			f, changed = e.read.Confirm(token)
		} else {
			f, changed = e.read.Rollback(token)
		}
		if changed {
			e.read = f
			n++
		}
	}
	return n
}

// Close discards later responses and closes every subscription.
func (i *Inbox) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	i.cancel()
	for id, ch := range i.subs {
		delete(i.subs, id)
		close(ch)
	}
}

// publishLocked rebuilds the snapshot from entries and hands it to
// subscribers.
func (i *Inbox) publishLocked() {
	ns := make([]model.Notification, 0, len(i.entries))
	unread := 0
	for _, e := range i.entries {
		n := e.n
		n.IsRead = e.read.Value()
		if !n.IsRead {
			unread++
		}
		ns = append(ns, n)
	}
	slices.SortFunc(ns, func(a, b model.Notification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	i.snap = Snapshot{
		Notifications: ns,
		UnreadCount:   unread,
		Loading:       i.loading > 0,
		Err:           i.err,
		Version:       i.snap.Version + 1,
	}
	i.metrics.SetUnread(unread)

	for _, ch := range i.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- i.snap:
		default:
		}
	}
}
