package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/die-net/tabssh/internal/logger"
)

// DefaultGrace is how long Remove lets in-flight relays drain.
const DefaultGrace = 2 * time.Second

// Channels opens SSH channels. *ssh.Client satisfies it.
type Channels interface {
	// DialContext opens a direct-tcpip channel to addr.
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	// Listen asks the server to listen on addr and returns the forwarded
	// connections.
	Listen(network, addr string) (net.Listener, error)
}

// ContextDialer dials the local target of a remote forward.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a Manager.
type Options struct {
	// Grace bounds how long removed forwards drain. Zero means DefaultGrace;
	// negative means close relays immediately.
	Grace time.Duration
	// HandshakeTimeout bounds SOCKS5 negotiation on dynamic forwards.
	// Zero means 30s.
	HandshakeTimeout time.Duration
	// KeepAlive is applied to connections accepted by local and dynamic
	// forwards.
	KeepAlive net.KeepAliveConfig
	// Dialer connects remote forwards to their local target. Nil means a
	// net.Dialer.
	Dialer ContextDialer
	// OnStatus is called after every change to a forward. It must not
	// block.
	OnStatus func(Status)
	Log      *logger.Logger
}

// Status reports a forward and its active relay count.
type Status struct {
	ID     uuid.UUID
	Spec   Spec
	Addr   string
	Active int
	// Stopped is set on the last status of a removed forward.
	Stopped bool
}

// ErrUnknownForward is returned by Remove for an id not in the manager.
var ErrUnknownForward = errors.New("forward: unknown id")

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("forward: manager closed")

// BindError means a forward's listener could not be created.
type BindError struct {
	Spec Spec
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Spec, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Manager owns the forwards of one SSH transport.
type Manager struct {
	ch   Channels
	opts Options
	log  *logger.Logger

	mu       sync.Mutex
	forwards map[uuid.UUID]*forward
	order    []uuid.UUID
	closed   bool
}

type forward struct {
	id   uuid.UUID
	spec Spec
	ln   net.Listener

	// ctx is canceled to force-close relays.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active int
}

// NewManager returns a Manager opening channels on ch.
func NewManager(ch Channels, opts Options) *Manager {
	if opts.Grace == 0 {
		opts.Grace = DefaultGrace
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	return &Manager{
		ch:       ch,
		opts:     opts,
		log:      opts.Log.Component("forward"),
		forwards: make(map[uuid.UUID]*forward),
	}
}

// Add binds the forward's listener and starts accepting. A listener that
// cannot be created is reported as *BindError and nothing is started.
func (m *Manager) Add(ctx context.Context, spec Spec) (uuid.UUID, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return uuid.Nil, err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return uuid.Nil, ErrClosed
	}

	var ln net.Listener
	var err error
	if spec.Kind == Remote {
		ln, err = m.ch.Listen("tcp", spec.BindAddr())
	} else {
		ln, err = listenTCP(ctx, spec.BindAddr(), m.opts.KeepAlive)
	}
	if err != nil {
		return uuid.Nil, &BindError{Spec: spec, Err: err}
	}

	fctx, cancel := context.WithCancel(context.Background())
	f := &forward{
		id:     uuid.New(),
		spec:   spec,
		ln:     ln,
		ctx:    fctx,
		cancel: cancel,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		_ = ln.Close()
		return uuid.Nil, ErrClosed
	}
	m.forwards[f.id] = f
	m.order = append(m.order, f.id)
	m.mu.Unlock()

	m.log.Info().Str("forward", f.id.String()).Stringer("spec", spec).Str("addr", ln.Addr().String()).Msg("forward started")
	m.report(f, false)

	f.wg.Go(func() { m.acceptLoop(f) })
	return f.id, nil
}

// Remove stops accepting on the forward, lets in-flight relays drain for
// the grace period and then closes them.
func (m *Manager) Remove(id uuid.UUID) error {
	m.mu.Lock()
	f, ok := m.forwards[id]
	if ok {
		m.dropLocked(id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownForward
	}

	m.stop(f)
	return nil
}

// List returns the status of every forward in the order they were added.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.forwards[id].status(false))
	}
	return out
}

// Close removes every forward concurrently and rejects further Adds.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	fs := make([]*forward, 0, len(m.order))
	for _, id := range m.order {
		fs = append(fs, m.forwards[id])
	}
	clear(m.forwards)
	m.order = nil
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, f := range fs {
		wg.Go(func() { m.stop(f) })
	}
	wg.Wait()
	return nil
}

func (m *Manager) dropLocked(id uuid.UUID) {
	delete(m.forwards, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) stop(f *forward) {
	_ = f.ln.Close()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	if m.opts.Grace > 0 {
		timer := time.NewTimer(m.opts.Grace)
		select {
		case <-done:
		case <-timer.C:
			m.log.Debug().Str("forward", f.id.String()).Msg("grace period over, closing relays")
		}
		timer.Stop()
	}
	f.cancel()
	<-done

	m.log.Info().Str("forward", f.id.String()).Stringer("spec", f.spec).Msg("forward stopped")
	m.report(f, true)
}

func (m *Manager) acceptLoop(f *forward) {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			if f.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				m.log.Warn().Err(err).Str("forward", f.id.String()).Msg("accept failed")
			}
			return
		}

		f.wg.Go(func() {
			m.track(f, 1)
			defer m.track(f, -1)

			switch f.spec.Kind {
			case Local:
				m.relayLocal(f, conn)
			case Remote:
				m.relayRemote(f, conn)
			case Dynamic:
				m.relayDynamic(f, conn)
			}
		})
	}
}

func (m *Manager) relayLocal(f *forward, conn net.Conn) {
	ch, err := m.ch.DialContext(f.ctx, "tcp", f.spec.TargetAddr())
	if err != nil {
		m.log.Debug().Err(err).Str("forward", f.id.String()).Str("target", f.spec.TargetAddr()).Msg("channel open failed")
		_ = conn.Close()
		return
	}
	m.relay(f, conn, ch)
}

func (m *Manager) relayRemote(f *forward, ch net.Conn) {
	conn, err := m.opts.Dialer.DialContext(f.ctx, "tcp", f.spec.TargetAddr())
	if err != nil {
		m.log.Debug().Err(err).Str("forward", f.id.String()).Str("target", f.spec.TargetAddr()).Msg("dial failed")
		_ = ch.Close()
		return
	}
	m.relay(f, ch, conn)
}

func (m *Manager) relay(f *forward, left, right net.Conn) {
	if err := CopyBidirectional(f.ctx, left, right); err != nil {
		m.log.Debug().Err(err).Str("forward", f.id.String()).Msg("relay ended")
	}
}

func (m *Manager) track(f *forward, delta int) {
	f.mu.Lock()
	f.active += delta
	f.mu.Unlock()
	m.report(f, false)
}

func (m *Manager) report(f *forward, stopped bool) {
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(f.status(stopped))
	}
}

func (f *forward) status(stopped bool) Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	return Status{
		ID:      f.id,
		Spec:    f.spec,
		Addr:    f.ln.Addr().String(),
		Active:  f.active,
		Stopped: stopped,
	}
}
