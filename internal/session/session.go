// Package session assembles the notification subsystem for one signed-in
// user: push channel, REST backend, inbox, background refresh and the
// local cache. Tearing the session down releases all of them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nhle/tutornotify/internal/backend"
	"github.com/nhle/tutornotify/internal/backend/rest"
	"github.com/nhle/tutornotify/internal/credential"
	"github.com/nhle/tutornotify/internal/inbox"
	"github.com/nhle/tutornotify/internal/metrics"
	"github.com/nhle/tutornotify/internal/model"
	"github.com/nhle/tutornotify/internal/socket"
	"github.com/nhle/tutornotify/internal/store"
	"github.com/nhle/tutornotify/internal/sync"
)

// ErrNoCredential is returned when no bearer token is available.
var ErrNoCredential = errors.New("no credential: run 'tutornotify login'")

// cacheLimit bounds how many cached notifications seed a new session.
const cacheLimit = 200

// flushTimeout bounds the cache write on Close.
const flushTimeout = 5 * time.Second

// Deps overrides collaborators. Nil fields are built from the config.
type Deps struct {
	Dialer     socket.Dialer
	Backend    backend.Backend
	Store      store.Store
	Vault      *credential.Vault
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Session owns every component built for one credential.
type Session struct {
	cfg     *model.AppConfig
	token   string
	logger  *slog.Logger
	metrics *metrics.Metrics

	client *socket.Client
	inbox  *inbox.Inbox
	poller *sync.Poller
	store  store.Store
	vault  *credential.Vault

	ownsStore bool
	detach    func()
	closeOnce gosync.Once
	closeErr  error
}

// Open builds a session for token. It does not connect; call Start.
func Open(ctx context.Context, cfg *model.AppConfig, token string, deps Deps) (*Session, error) {
	if token == "" {
		return nil, ErrNoCredential
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wsURL, err := cfg.Server.WebSocketURL()
	if err != nil {
		return nil, fmt.Errorf("resolving socket url: %w", err)
	}

	s := &Session{
		cfg:    cfg,
		token:  token,
		logger: logger,
		store:  deps.Store,
		vault:  deps.Vault,
	}
	if deps.Registerer != nil {
		s.metrics = metrics.New(deps.Registerer)
	}

	if s.store == nil && cfg.Cache.Enabled {
		st, err := store.NewSQLiteStore(cfg.Cache.Path)
		if err != nil {
			// The cache only speeds up startup.
			logger.Warn("local cache unavailable", "path", cfg.Cache.Path, "err", err)
		} else {
			s.store = st
			s.ownsStore = true
		}
	}

	be := deps.Backend
	if be == nil {
		be = rest.NewAdapter(cfg.Server.BaseURL, token, rest.Options{
			Timeout:         cfg.Server.RequestTimeout(),
			RateLimitPerSec: cfg.Server.RateLimitPerSec,
			Logger:          logger.With("component", "rest"),
		})
	}

	s.client = socket.New(socket.Config{
		URL:              wsURL,
		BaseDelay:        cfg.Reconnect.BaseDelay(),
		MaxDelay:         cfg.Reconnect.MaxDelay(),
		MaxAttempts:      cfg.Reconnect.MaxAttempts,
		HandshakeTimeout: cfg.Server.RequestTimeout(),
	}, deps.Dialer,
		socket.WithLogger(logger.With("component", "socket")),
		socket.WithMetrics(s.metrics),
	)

	role := model.Role(cfg.Inbox.Role)
	s.inbox = inbox.New(be, inbox.Config{
		ConfirmTimeout: cfg.Inbox.ConfirmTimeout(),
		PageSize:       cfg.Inbox.PageSize,
		Role:           role,
	},
		inbox.WithLogger(logger.With("component", "inbox")),
		inbox.WithMetrics(s.metrics),
	)

	s.warmStart(ctx, role)
	s.detach = s.inbox.Attach(s.client)

	pollerOpts := []sync.Option{sync.WithLogger(logger.With("component", "poller"))}
	if s.store != nil {
		pollerOpts = append(pollerOpts, sync.WithStore(s.store))
	}
	s.poller = sync.New(s.inbox, sync.Config{
		Interval: cfg.Display.PollInterval(),
		PageSize: cfg.Inbox.PageSize,
		Role:     role,
	}, pollerOpts...)
	s.poller.WatchConnection(s.client)

	return s, nil
}

// warmStart seeds the inbox from the cache. A cache written for another
// role is discarded.
func (s *Session) warmStart(ctx context.Context, role model.Role) {
	if s.store == nil {
		return
	}

	cached, err := s.store.GetSyncState(ctx, store.KeyUserRole)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.logger.Warn("reading cached role", "err", err)
		return
	case cached != string(role):
		s.logger.Info("role changed, dropping cache", "cached", cached, "role", role)
		if err := s.store.ClearNotifications(ctx); err != nil {
			s.logger.Warn("clearing cache", "err", err)
			return
		}
	}
	if err := s.store.SetSyncState(ctx, store.KeyUserRole, string(role)); err != nil {
		s.logger.Warn("recording role", "err", err)
	}

	ns, err := s.store.GetNotifications(ctx, store.NotificationFilter{Limit: cacheLimit})
	if err != nil {
		s.logger.Warn("reading cache", "err", err)
		return
	}
	if len(ns) > 0 {
		s.inbox.Seed(ns...)
		s.logger.Debug("seeded from cache", "count", len(ns))
	}
}

// Start opens the push channel. A failed first dial is logged and left
// to the reconnect policy; only ErrClosed is returned.
func (s *Session) Start(ctx context.Context) error {
	err := s.client.Connect(ctx, s.token)
	if errors.Is(err, socket.ErrClosed) {
		return err
	}
	if err != nil {
		s.logger.Warn("initial connect failed", "err", err)
	}
	return nil
}

func (s *Session) Inbox() *inbox.Inbox       { return s.inbox }
func (s *Session) Client() *socket.Client    { return s.client }
func (s *Session) Poller() *sync.Poller      { return s.poller }
func (s *Session) Metrics() *metrics.Metrics { return s.metrics }
func (s *Session) Config() *model.AppConfig  { return s.cfg }

// Close tears the session down: refresh, push channel, inbox, then the
// cache is rewritten from the final confirmed state. Safe to call twice.
func (s *Session) Close() error {
	return s.shutdown(true)
}

// Logout closes the session, empties the cache and forgets the token.
func (s *Session) Logout() error {
	err := s.shutdown(false)
	if s.vault != nil {
		if verr := s.vault.Delete(credential.TokenKey); verr != nil {
			err = errors.Join(err, verr)
		}
	}
	return err
}

func (s *Session) shutdown(flush bool) error {
	s.closeOnce.Do(func() {
		s.poller.Stop()
		s.detach()
		s.client.Close()

		// Pending reads were never confirmed, so they are not cached.
		confirmed := s.inbox.Confirmed()
		s.inbox.Close()

		if s.store == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()

		var errs []error
		if flush {
			if err := s.store.ReplaceNotifications(ctx, confirmed); err != nil {
				errs = append(errs, fmt.Errorf("flushing cache: %w", err))
			}
		} else if err := s.store.ClearNotifications(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clearing cache: %w", err))
		}
		if s.ownsStore {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing cache: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
