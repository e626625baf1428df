package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/tutornotify/internal/backend"
	"github.com/nhle/tutornotify/internal/model"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeBackend answers from funcs set per test.
type fakeBackend struct {
	list    func(ctx context.Context, p backend.ListParams) (*backend.Page, error)
	markOne func(ctx context.Context, id string) error
	markAll func(ctx context.Context, ids []string) (*backend.MarkAllResult, error)

	listCalls atomic.Int32
	markCalls atomic.Int32

	mu      sync.Mutex
	batches [][]string
}

func (f *fakeBackend) ListNotifications(ctx context.Context, p backend.ListParams) (*backend.Page, error) {
	f.listCalls.Add(1)
	if f.list == nil {
		return &backend.Page{Page: p.Page, Limit: p.Limit}, nil
	}
	return f.list(ctx, p)
}

func (f *fakeBackend) MarkRead(ctx context.Context, id string) error {
	f.markCalls.Add(1)
	if f.markOne == nil {
		return nil
	}
	return f.markOne(ctx, id)
}

func (f *fakeBackend) MarkAllRead(ctx context.Context, ids []string) (*backend.MarkAllResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, ids)
	f.mu.Unlock()
	if f.markAll == nil {
		return &backend.MarkAllResult{}, nil
	}
	return f.markAll(ctx, ids)
}

func notif(id string, read bool, created time.Time) model.Notification {
	return model.Notification{
		ID:        id,
		Type:      model.TypeMessageReceived,
		Title:     "title " + id,
		Content:   "content " + id,
		IsRead:    read,
		CreatedAt: created,
	}
}

func newTestInbox(t *testing.T, be backend.Backend, opts ...Option) *Inbox {
	t.Helper()
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return base.Add(time.Hour) }),
	}, opts...)
	i := New(be, Config{ConfirmTimeout: time.Second, PageSize: 20}, opts...)
	t.Cleanup(i.Close)
	return i
}

func readState(t *testing.T, s Snapshot, id string) bool {
	t.Helper()
	n, ok := s.Get(id)
	require.True(t, ok, "missing %s", id)
	return n.IsRead
}

func assertConsistent(t *testing.T, s Snapshot) {
	t.Helper()
	unread := 0
	for _, n := range s.Notifications {
		if !n.IsRead {
			unread++
		}
	}
	assert.Equal(t, unread, s.UnreadCount, "unread count drifted at version %d", s.Version)
}

func TestFetchNotifications_MergesNewestFirst(t *testing.T) {
	be := &fakeBackend{list: func(_ context.Context, p backend.ListParams) (*backend.Page, error) {
		assert.Equal(t, 1, p.Page)
		assert.Equal(t, 20, p.Limit)
		return &backend.Page{Notifications: []model.Notification{
			notif("old", true, base),
			notif("new", false, base.Add(2*time.Minute)),
			notif("mid", false, base.Add(time.Minute)),
		}, Total: 3, Page: 1, Limit: 20}, nil
	}}
	i := newTestInbox(t, be)

	page, err := i.FetchNotifications(context.Background(), backend.ListParams{})
	require.NoError(t, err)
	assert.Len(t, page.Notifications, 3)

	s := i.Snapshot()
	ids := make([]string, 0, len(s.Notifications))
	for _, n := range s.Notifications {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)
	assert.Equal(t, 2, s.UnreadCount)
	assert.False(t, s.Loading)
	assert.NoError(t, s.Err)
}

func TestFetchNotifications_DeduplicatesInFlight(t *testing.T) {
	gate := make(chan struct{})
	be := &fakeBackend{list: func(context.Context, backend.ListParams) (*backend.Page, error) {
		<-gate
		return &backend.Page{Notifications: []model.Notification{notif("a", false, base)}}, nil
	}}
	i := newTestInbox(t, be)

	var wg sync.WaitGroup
	pages := make([]*backend.Page, 2)
	for k := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := i.FetchNotifications(context.Background(), backend.ListParams{Page: 1})
			assert.NoError(t, err)
			pages[k] = p
		}()
	}

	require.Eventually(t, func() bool { return i.Snapshot().Loading }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), be.listCalls.Load())
	assert.Same(t, pages[0], pages[1])
	assert.False(t, i.Snapshot().Loading)
	assert.Equal(t, 1, i.Snapshot().UnreadCount)
}

func TestFetchNotifications_FailureKeepsEntries(t *testing.T) {
	fail := true
	be := &fakeBackend{list: func(context.Context, backend.ListParams) (*backend.Page, error) {
		if fail {
			return nil, errors.New("gateway timeout")
		}
		return &backend.Page{}, nil
	}}
	i := newTestInbox(t, be)
	i.Seed(notif("a", false, base), notif("b", true, base))

	_, err := i.FetchNotifications(context.Background(), backend.ListParams{})
	require.Error(t, err)

	s := i.Snapshot()
	assert.Len(t, s.Notifications, 2)
	assert.Equal(t, 1, s.UnreadCount)
	assert.False(t, s.Loading)
	assert.EqualError(t, s.Err, "gateway timeout")

	fail = false
	_, err = i.FetchNotifications(context.Background(), backend.ListParams{})
	require.NoError(t, err)
	assert.NoError(t, i.Snapshot().Err)
}

func TestFetchNotifications_StaleResponseKeepsNewerPush(t *testing.T) {
	gate := make(chan struct{})
	stale := notif("a", true, base)
	stale.Title = "old title"
	stale.UpdatedAt = base.Add(time.Minute)
	be := &fakeBackend{list: func(context.Context, backend.ListParams) (*backend.Page, error) {
		<-gate
		return &backend.Page{Notifications: []model.Notification{stale}}, nil
	}}
	i := newTestInbox(t, be)
	i.Seed(notif("a", false, base))

	done := make(chan error, 1)
	go func() {
		_, err := i.FetchNotifications(context.Background(), backend.ListParams{})
		done <- err
	}()
	require.Eventually(t, func() bool { return be.listCalls.Load() == 1 }, time.Second, time.Millisecond)

	pushed := notif("a", false, base)
	pushed.Title = "new title"
	pushed.UpdatedAt = base.Add(2 * time.Minute)
	i.Merge(pushed)

	close(gate)
	require.NoError(t, <-done)

	n, ok := i.Snapshot().Get("a")
	require.True(t, ok)
	assert.Equal(t, "new title", n.Title)
	assert.Equal(t, base.Add(2*time.Minute), n.UpdatedAt)
	assert.False(t, n.IsRead, "older read state is ignored too")
}

func TestFetchNotifications_CancelledCallerDoesNotFailOthers(t *testing.T) {
	gate := make(chan struct{})
	be := &fakeBackend{list: func(ctx context.Context, _ backend.ListParams) (*backend.Page, error) {
		select {
		case <-gate:
			return &backend.Page{Notifications: []model.Notification{notif("a", false, base)}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	i := newTestInbox(t, be)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := i.FetchNotifications(ctx, backend.ListParams{Page: 1})
		first <- err
	}()
	require.Eventually(t, func() bool { return be.listCalls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := i.FetchNotifications(context.Background(), backend.ListParams{Page: 1})
		second <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(gate)
	require.NoError(t, <-second)
	assert.Equal(t, int32(1), be.listCalls.Load())

	s := i.Snapshot()
	assert.NoError(t, s.Err)
	assert.Equal(t, 1, s.UnreadCount)
}

func TestFetchNotifications_RequestHasDeadline(t *testing.T) {
	deadlines := make(chan bool, 1)
	be := &fakeBackend{list: func(ctx context.Context, p backend.ListParams) (*backend.Page, error) {
		_, ok := ctx.Deadline()
		deadlines <- ok
		return &backend.Page{Page: p.Page}, nil
	}}
	i := newTestInbox(t, be)

	i.refetch()
	assert.True(t, <-deadlines, "refetch after connect is bounded")
}

func TestRemove_RunningFetchCannotRestore(t *testing.T) {
	gate := make(chan struct{})
	be := &fakeBackend{list: func(context.Context, backend.ListParams) (*backend.Page, error) {
		<-gate
		return &backend.Page{Notifications: []model.Notification{notif("a", false, base)}}, nil
	}}
	i := newTestInbox(t, be)
	i.Seed(notif("a", false, base))

	done := make(chan error, 1)
	go func() {
		_, err := i.FetchNotifications(context.Background(), backend.ListParams{})
		done <- err
	}()
	require.Eventually(t, func() bool { return be.listCalls.Load() == 1 }, time.Second, time.Millisecond)

	i.Remove("a")
	close(gate)
	require.NoError(t, <-done)

	s := i.Snapshot()
	_, ok := s.Get("a")
	assert.False(t, ok, "removed notification came back")
	assert.Zero(t, s.UnreadCount)

	i.mu.Lock()
	assert.Empty(t, i.deleted)
	i.mu.Unlock()

	// A fetch started after the removal is current again.
	_, err := i.FetchNotifications(context.Background(), backend.ListParams{})
	require.NoError(t, err)
	_, ok = i.Snapshot().Get("a")
	assert.True(t, ok)
}

func TestRemove_PushRestoresDuringFetch(t *testing.T) {
	gate := make(chan struct{})
	be := &fakeBackend{list: func(context.Context, backend.ListParams) (*backend.Page, error) {
		<-gate
		return &backend.Page{}, nil
	}}
	i := newTestInbox(t, be)
	i.Seed(notif("a", false, base))

	done := make(chan error, 1)
	go func() {
		_, err := i.FetchNotifications(context.Background(), backend.ListParams{})
		done <- err
	}()
	require.Eventually(t, func() bool { return be.listCalls.Load() == 1 }, time.Second, time.Millisecond)

	i.Remove("a")
	i.Merge(notif("a", false, base))
	close(gate)
	require.NoError(t, <-done)

	_, ok := i.Snapshot().Get("a")
	assert.True(t, ok)
}

func TestMarkAsRead_OptimisticThenConfirmed(t *testing.T) {
	gate := make(chan error)
	be := &fakeBackend{markOne: func(context.Context, string) error { return <-gate }}
	i := newTestInbox(t, be)
	i.Seed(notif("a", false, base), notif("b", false, base))

	done := make(chan error, 1)
	go func() { done <- i.MarkAsRead(context.Background(), "a") }()

	require.Eventually(t, func() bool { return i.Snapshot().UnreadCount == 1 }, time.Second, time.Millisecond)
	assert.True(t, readState(t, i.Snapshot(), "a"))

	confirmed := i.Confirmed()
	require.Len(t, confirmed, 2)
	for _, n := range confirmed {
		assert.False(t, n.IsRead, "pending read of %s is not confirmed yet", n.ID)
	}

	gate <- nil
	require.NoError(t, <-done)
	s := i.Snapshot()
	assert.True(t, readState(t, s, "a"))
	assert.Equal(t, 1, s.UnreadCount)
	assert.Equal(t, s.Notifications, i.Confirmed())
}

func TestMarkAsRead_RollbackOnFailure(t *testing.T) {
	be := &fakeBackend{markOne: func(context.Context, string) error { return backend.ErrRejected }}
	i := newTestInbox(t, be)
	i.Seed(notif("a", false, base), notif("b", true, base))
	before := i.Snapshot()

	err := i.MarkAsRead(context.Background(), "a")
	require.ErrorIs(t, err, backend.ErrRejected)

	s := i.Snapshot()
	assert.False(t, readState(t, s, "a"))
	assert.Equal(t, before.UnreadCount, s.UnreadCount)
	assert.Greater(t, s.Version, before.Version)
}

func TestMarkAsRead_TimeoutRollsBack(t *testing.T) {
	be := &fakeBackend{markOne: func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	i := New(be, Config{ConfirmTimeout: 20 * time.Millisecond},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(i.Close)
	i.Seed(notif("a", false, base))

	err := i.MarkAsRead(context.Background(), "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, i.Snapshot().UnreadCount)
}

func TestMarkAsRead_UnknownAndAlreadyRead(t *testing.T) {
	be := &fakeBackend{}
	i := newTestInbox(t, be)
	i.Seed(notif("read", true, base))

	assert.ErrorIs(t, i.MarkAsRead(context.Background(), "missing"), ErrNotFound)
	assert.NoError(t, i.MarkAsRead(context.Background(), "read"))
	assert.Equal(t, int32(0), be.markCalls.Load())
}

func TestMarkAsRead_DuringPendingMarkAll(t *testing.T) {
	gate := make(chan struct{})
	be := &fakeBackend{markAll: func(context.Context, []string) (*backend.MarkAllResult, error) {
		<-gate
		return nil, errors.New("service unavailable")
	}}
	i := newTestInbox(t, be)
	i.Seed(notif("a", false, base), notif("b", false, base))

	all := make(chan error, 1)
	go func() { all <- i.MarkAllAsRead(context.Background()) }()
	require.Eventually(t, func() bool { return i.Snapshot().UnreadCount == 0 }, time.Second, time.Millisecond)

	require.NoError(t, i.MarkAsRead(context.Background(), "a"))
	assert.Equal(t, int32(1), be.markCalls.Load(), "the read is confirmed on its own")

	close(gate)
	require.Error(t, <-all)

	s := i.Snapshot()
	assert.True(t, readState(t, s, "a"))
	assert.False(t, readState(t, s, "b"))
	assert.Equal(t, 1, s.UnreadCount)
}

func TestMerge_PendingReadSupersession(t *testing.T) {
	t1 := base.Add(30 * time.Minute)
	t2 := base.Add(time.Hour) // optimistic clock
	t3 := base.Add(90 * time.Minute)

	gate := make(chan error)
	be := &fakeBackend{markOne: func(context.Context, string) error { return <-gate }}
	i := newTestInbox(t, be)
	i.Seed(notif("a", false, base))

	done := make(chan error, 1)
	go func() { done <- i.MarkAsRead(context.Background(), "a") }()
	require.Eventually(t, func() bool { return i.Snapshot().UnreadCount == 0 }, time.Second, time.Millisecond)

	stale := notif("a", false, base)
	stale.UpdatedAt = t1
	stale.Title = "edited"
	i.Merge(stale)
	s := i.Snapshot()
	assert.True(t, readState(t, s, "a"), "older server state must not revert the pending read")
	n, _ := s.Get("a")
	assert.Equal(t, "edited", n.Title, "non-read fields still update")

	reopened := notif("a", false, base)
	reopened.UpdatedAt = t3
	i.Merge(reopened)
	assert.False(t, readState(t, i.Snapshot(), "a"), "newer server state wins")
	assert.True(t, t3.After(t2))

	gate <- nil
	require.NoError(t, <-done)
	s = i.Snapshot()
	assert.False(t, readState(t, s, "a"), "superseded confirmation is ignored")
	assert.Equal(t, 1, s.UnreadCount)
}

func TestMerge_ConfirmedReadIgnoresOlderPush(t *testing.T) {
	i := newTestInbox(t, &fakeBackend{})
	i.Seed(notif("a", false, base))
	require.NoError(t, i.MarkAsRead(context.Background(), "a"))

	older := notif("a", false, base.Add(time.Minute))
	i.Merge(older)
	assert.True(t, readState(t, i.Snapshot(), "a"))

	newer := notif("a", false, base.Add(2*time.Hour))
	i.Merge(newer)
	assert.False(t, readState(t, i.Snapshot(), "a"))
}

func TestMerge_KeepsCreatedAt(t *testing.T) {
	i := newTestInbox(t, &fakeBackend{})
	i.Seed(notif("a", false, base))

	moved := notif("a", false, base.Add(time.Hour))
	i.Merge(moved)
	n, ok := i.Snapshot().Get("a")
	require.True(t, ok)
	assert.Equal(t, base, n.CreatedAt)
}

func TestMarkAllAsRead_PerItemFailure(t *testing.T) {
	be := &fakeBackend{markAll: func(context.Context, []string) (*backend.MarkAllResult, error) {
		return &backend.MarkAllResult{PerItem: true, Failed: []string{"2"}}, nil
	}}
	i := newTestInbox(t, be)
	i.Seed(notif("1", false, base), notif("2", false, base), notif("3", true, base))

	err := i.MarkAllAsRead(context.Background())
	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{"2"}, partial.Failed)
	assert.Equal(t, 2, partial.Total)

	s := i.Snapshot()
	assert.True(t, readState(t, s, "1"))
	assert.False(t, readState(t, s, "2"))
	assert.True(t, readState(t, s, "3"))
	assert.Equal(t, 1, s.UnreadCount)

	be.mu.Lock()
	assert.Equal(t, [][]string{{"1", "2"}}, be.batches)
	be.mu.Unlock()
}

func TestMarkAllAsRead_OptimisticZero(t *testing.T) {
	gate := make(chan struct{})
	be := &fakeBackend{markAll: func(context.Context, []string) (*backend.MarkAllResult, error) {
		<-gate
		return nil, errors.New("service unavailable")
	}}
	i := newTestInbox(t, be)
	i.Seed(notif("1", false, base), notif("2", false, base), notif("3", true, base))

	done := make(chan error, 1)
	go func() { done <- i.MarkAllAsRead(context.Background()) }()
	require.Eventually(t, func() bool { return i.Snapshot().UnreadCount == 0 }, time.Second, time.Millisecond)

	close(gate)
	err := <-done
	require.Error(t, err)
	assert.NotErrorAs(t, err, new(*PartialError))

	s := i.Snapshot()
	assert.False(t, readState(t, s, "1"))
	assert.False(t, readState(t, s, "2"))
	assert.True(t, readState(t, s, "3"))
	assert.Equal(t, 2, s.UnreadCount)
}

func TestMarkAllAsRead_AggregateSuccess(t *testing.T) {
	i := newTestInbox(t, &fakeBackend{})
	i.Seed(notif("1", false, base), notif("2", false, base))

	require.NoError(t, i.MarkAllAsRead(context.Background()))
	assert.Equal(t, 0, i.Snapshot().UnreadCount)

	require.NoError(t, i.MarkAllAsRead(context.Background()), "nothing unread is a no-op")
}

func TestApplyRead(t *testing.T) {
	i := newTestInbox(t, &fakeBackend{})
	i.Seed(notif("a", false, base), notif("b", false, base), notif("c", false, base))

	i.ApplyRead("a", time.Time{})
	assert.Equal(t, 2, i.Snapshot().UnreadCount)

	i.ApplyRead("missing", base)
	i.ApplyReadAll(base.Add(time.Minute))
	assert.Equal(t, 0, i.Snapshot().UnreadCount)

	i.Remove("a")
	_, ok := i.Snapshot().Get("a")
	assert.False(t, ok)
}

func TestUnreadCountConsistency(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	var fail atomic.Bool
	be := &fakeBackend{
		markOne: func(context.Context, string) error {
			if fail.Load() {
				return errors.New("nope")
			}
			return nil
		},
		markAll: func(_ context.Context, ids []string) (*backend.MarkAllResult, error) {
			if fail.Load() {
				return &backend.MarkAllResult{PerItem: true, Failed: ids[:len(ids)/2]}, nil
			}
			return &backend.MarkAllResult{}, nil
		},
	}
	i := newTestInbox(t, be)

	for step := range 500 {
		id := fmt.Sprintf("n%d", rng.IntN(20))
		fail.Store(rng.IntN(3) == 0)
		at := base.Add(time.Duration(rng.IntN(240)) * time.Minute)

		switch rng.IntN(6) {
		case 0:
			n := notif(id, rng.IntN(2) == 0, base.Add(time.Duration(step)*time.Second))
			n.UpdatedAt = at
			i.Merge(n)
		case 1:
			i.Remove(id)
		case 2:
			i.ApplyRead(id, at)
		case 3:
			_ = i.MarkAsRead(context.Background(), id)
		case 4:
			_ = i.MarkAllAsRead(context.Background())
		case 5:
			i.ApplyReadAll(at)
		}
		assertConsistent(t, i.Snapshot())
	}
}

func TestSubscribe_LatestValue(t *testing.T) {
	i := newTestInbox(t, &fakeBackend{})
	ch, cancel := i.Subscribe()

	first := <-ch
	assert.Empty(t, first.Notifications)

	i.Merge(notif("a", false, base))
	i.Merge(notif("b", false, base))
	i.Merge(notif("c", true, base))

	latest := <-ch
	assert.Len(t, latest.Notifications, 3)
	assert.Equal(t, 2, latest.UnreadCount)
	select {
	case s := <-ch:
		t.Fatalf("stale snapshot queued: version %d", s.Version)
	default:
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestClose_DiscardsLateResponses(t *testing.T) {
	gate := make(chan struct{})
	be := &fakeBackend{list: func(context.Context, backend.ListParams) (*backend.Page, error) {
		<-gate
		return &backend.Page{Notifications: []model.Notification{notif("late", false, base)}}, nil
	}}
	i := New(be, Config{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ch, _ := i.Subscribe()
	<-ch

	done := make(chan error, 1)
	go func() {
		_, err := i.FetchNotifications(context.Background(), backend.ListParams{})
		done <- err
	}()
	require.Eventually(t, func() bool { return be.listCalls.Load() == 1 }, time.Second, time.Millisecond)

	i.Close()
	close(gate)
	assert.ErrorIs(t, <-done, ErrClosed)

	_, ok := i.Snapshot().Get("late")
	assert.False(t, ok)
	for range ch {
	}
	assert.ErrorIs(t, i.MarkAsRead(context.Background(), "late"), ErrClosed)
	assert.ErrorIs(t, i.MarkAllAsRead(context.Background()), ErrClosed)
}
