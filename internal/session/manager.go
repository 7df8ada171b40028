package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/tabssh/internal/logger"
	internalssh "github.com/die-net/tabssh/internal/ssh"
)

// ErrUnknownSession is returned for an id not in the manager.
var ErrUnknownSession = errors.New("session: unknown id")

// ErrManagerClosed is returned by Create after Close.
var ErrManagerClosed = errors.New("session: manager closed")

// Manager is the registry of live sessions.
type Manager struct {
	opts Options
	log  *logger.Logger
	cron *cron.Cron

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	order    []uuid.UUID
	closed   bool
}

// sweepEvery is how often the keepalive sweep checks sessions. Each session
// is sent a keepalive once its own interval is nearly up.
const sweepEvery = "@every 1s"

// NewManager returns a Manager. A keepalive sweep runs until Close.
func NewManager(opts Options) (*Manager, error) {
	if opts.HostKeys == nil {
		return nil, errors.New("session: host key store required")
	}
	m := &Manager{
		opts:     opts,
		log:      opts.Log.Component("sessions"),
		sessions: make(map[uuid.UUID]*Session),
	}

	cl := opts.Log.Cron()
	m.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := m.cron.AddFunc(sweepEvery, func() { m.SweepKeepAlives(context.Background()) }); err != nil {
		return nil, fmt.Errorf("schedule keepalives: %w", err)
	}
	m.cron.Start()
	return m, nil
}

// Create registers a new idle session.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	s := newSession(uuid.New(), m.opts)
	m.sessions[s.id] = s
	m.order = append(m.order, s.id)
	m.log.Debug().Str("session", s.id.String()).Msg("session created")
	return s, nil
}

// Get returns the session with id.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	return s, ok
}

// List returns the sessions in creation order.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out
}

// Remove closes the session and forgets it.
func (m *Manager) Remove(id uuid.UUID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		for i, o := range m.order {
			if o == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	return s.Close()
}

// Close stops the keepalive sweep and closes every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		sessions = append(sessions, m.sessions[id])
	}
	clear(m.sessions)
	m.order = nil
	m.mu.Unlock()

	<-m.cron.Stop().Done()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(s.Close)
	}
	return g.Wait()
}

// SweepKeepAlives sends a keepalive on every connected session that is
// due one. A session whose keepalive fails has its transport closed, which
// fails the session.
func (m *Manager) SweepKeepAlives(ctx context.Context) {
	now := time.Now()
	g, _ := errgroup.WithContext(ctx)
	for _, s := range m.List() {
		if !s.keepAliveDue(now) {
			continue
		}
		g.Go(func() error {
			if err := s.KeepAlive(); err != nil {
				m.log.Warn().Err(err).Str("session", s.id.String()).Msg("keepalive failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// keepAliveDue reports whether the session is connected and all but a tenth
// of its interval has elapsed.
func (s *Session) keepAliveDue(now time.Time) bool {
	interval := time.Duration(s.keepInterval.Load())
	if interval <= 0 || s.client.Load() == nil {
		return false
	}
	last := time.Unix(0, s.lastKeep.Load())
	return now.Sub(last) >= interval-interval/10
}

// KeepAlive sends one keepalive request. If no reply arrives within the
// keepalive interval the transport is closed.
func (s *Session) KeepAlive() error {
	c := s.client.Load()
	if c == nil {
		return nil
	}
	timeout := time.Duration(s.keepInterval.Load())
	if timeout <= 0 {
		timeout = s.opts.HandshakeTimeout
	}
	s.lastKeep.Store(time.Now().UnixNano())
	if err := internalssh.KeepAlive(c, timeout); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// SFTP opens an SFTP client over the session's transport. The caller
// closes it. It fails unless the session is authenticated.
func (s *Session) SFTP() (*sftp.Client, error) {
	c := s.client.Load()
	if c == nil {
		return nil, &Error{Kind: InvalidState, Reason: "sftp needs an authenticated session"}
	}
	client, err := sftp.NewClient(c)
	if err != nil {
		return nil, &Error{Kind: ChannelError, Reason: "could not start sftp", Err: err}
	}
	return client, nil
}
