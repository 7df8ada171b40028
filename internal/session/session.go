package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/tabssh/internal/dialer"
	"github.com/die-net/tabssh/internal/forward"
	"github.com/die-net/tabssh/internal/hostkey"
	"github.com/die-net/tabssh/internal/logger"
	"github.com/die-net/tabssh/internal/profile"
	internalssh "github.com/die-net/tabssh/internal/ssh"
	"github.com/die-net/tabssh/internal/terminal"
)

const (
	eventBuffer    = 256
	internalBuffer = 256
	inputBuffer    = 256
)

// Options are shared by every session of a Manager.
type Options struct {
	// HostKeys verifies server host keys. Required.
	HostKeys *hostkey.Store
	// KnownHosts is an OpenSSH known_hosts file consulted for keys
	// HostKeys does not know.
	KnownHosts string
	// Secrets resolves secret references in profiles. May be nil.
	Secrets profile.SecretGetter
	// Home expands ~ in key paths and locates default keys.
	Home string
	// Agent overrides the SSH agent used for agent credentials.
	Agent func() ([]ssh.Signer, io.Closer, error)

	Dialer dialer.Config
	// Proxy is used when a profile names none.
	Proxy string

	// HandshakeTimeout bounds each SSH handshake including authentication.
	// Zero means 30s.
	HandshakeTimeout time.Duration
	// KeepAliveInterval is the default keepalive interval. Zero or negative
	// disables keepalives unless the profile sets one.
	KeepAliveInterval time.Duration
	// ForwardGrace is how long forwards drain on removal and teardown.
	ForwardGrace time.Duration
	// Scrollback is the terminal scrollback limit. Negative means the
	// terminal default.
	Scrollback int

	Log *logger.Logger
}

// request is a command awaiting its result.
type request struct {
	cmd   Command
	reply chan result
}

type result struct {
	id  uuid.UUID
	err error
}

// Session is one SSH connection. Create sessions with Manager.Create.
type Session struct {
	id   uuid.UUID
	opts Options
	log  *logger.Logger

	reqs     chan request
	internal chan any
	renderCh chan struct{}
	events   chan Event
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	// Read without the actor.
	stateV       atomic.Int32
	client       atomic.Pointer[ssh.Client]
	bridge       atomic.Pointer[terminal.Bridge]
	keepInterval atomic.Int64
	lastKeep     atomic.Int64

	// Owned by the actor goroutine.
	state      State
	gen        int
	profile    profile.Profile
	connCtx    context.Context
	cancel     context.CancelFunc
	connecting bool
	jumps      []*dialer.JumpDialer
	forwards   *forward.Manager
	shell      *ssh.Session
	input      chan shellOp
	shellBusy  bool
	hostKeyAsk chan bool
	authNeg    *internalssh.Negotiator
	pending    int
	final      State
	finalErr   *Error
}

func newSession(id uuid.UUID, opts Options) *Session {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	s := &Session{
		id:       id,
		opts:     opts,
		log:      &logger.Logger{Logger: opts.Log.Component("session").With().Str("session", id.String()).Logger()},
		reqs:     make(chan request),
		internal: make(chan any, internalBuffer),
		renderCh: make(chan struct{}, 1),
		events:   make(chan Event, eventBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.stateV.Load())
}

// Events delivers session events. It is closed after Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Snapshot returns the terminal grid, or false before the first Connect.
func (s *Session) Snapshot() (terminal.Grid, bool) {
	b := s.bridge.Load()
	if b == nil {
		return terminal.Grid{}, false
	}
	return b.Snapshot(), true
}

// Bridge returns the terminal bridge, or nil before the first Connect.
func (s *Session) Bridge() *terminal.Bridge {
	return s.bridge.Load()
}

// Send runs cmd on the session. Connect returns once connecting has
// started; progress is reported through Events. Commands not allowed in the
// current state fail with an *Error of kind InvalidState.
func (s *Session) Send(ctx context.Context, cmd Command) error {
	_, err := s.do(ctx, cmd)
	return err
}

// AddForward starts spec and returns its id once it is listening.
func (s *Session) AddForward(ctx context.Context, spec forward.Spec) (uuid.UUID, error) {
	return s.do(ctx, AddForward{Spec: spec})
}

// Forwards lists the active forwards.
func (s *Session) Forwards(ctx context.Context) ([]forward.Status, error) {
	var out []forward.Status
	err := s.call(ctx, func() {
		if s.forwards != nil {
			out = s.forwards.List()
		}
	})
	return out, err
}

// Close tears the session down, waits for its resources to be released and
// closes Events.
func (s *Session) Close() error {
	s.quitOnce.Do(func() { close(s.quit) })
	<-s.done
	return nil
}

func (s *Session) do(ctx context.Context, cmd Command) (uuid.UUID, error) {
	req := request{cmd: cmd, reply: make(chan result, 1)}
	select {
	case s.reqs <- req:
	case <-s.done:
		return uuid.Nil, ErrSessionClosed
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.id, r.err
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

// call runs fn on the actor goroutine.
func (s *Session) call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !s.post(func() { fn(); close(ran) }) {
		return ErrSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands msg to the actor. It reports false once the session is gone.
func (s *Session) post(msg any) bool {
	select {
	case s.internal <- msg:
		return true
	case <-s.done:
		return false
	}
}

// postStatus forwards a forward status to the actor. Statuses reported
// while the session shuts down are dropped.
func (s *Session) postStatus(st forward.Status) {
	select {
	case s.internal <- st:
	case <-s.quit:
	case <-s.done:
	}
}

func (s *Session) requestRender() {
	select {
	case s.renderCh <- struct{}{}:
	default:
	}
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.quit:
	}
}

func (s *Session) setState(st State, err *Error) {
	if s.state == st {
		return
	}
	s.log.Debug().Stringer("from", s.state).Stringer("to", st).Msg("state change")
	s.state = st
	s.stateV.Store(int32(st))
	s.emit(StateChanged{State: st, Err: err})
}

func (s *Session) run() {
	defer close(s.done)
	defer close(s.events)

	for {
		select {
		case req := <-s.reqs:
			id, err := s.handle(req)
			if req.reply != nil && !errors.Is(err, errDeferred) {
				req.reply <- result{id: id, err: err}
			}
		case msg := <-s.internal:
			s.handleInternal(msg)
		case <-s.renderCh:
			s.render()
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

// errDeferred means a goroutine will answer the request.
var errDeferred = errors.New("deferred")

func (s *Session) handle(req request) (uuid.UUID, error) {
	switch cmd := req.cmd.(type) {
	case Connect:
		if !s.state.Terminal() {
			return uuid.Nil, invalidState(cmd, s.state)
		}
		return uuid.Nil, s.connect(cmd.Profile)

	case Disconnect:
		if s.state.Terminal() || s.state == Closing {
			return uuid.Nil, invalidState(cmd, s.state)
		}
		s.beginClose(Disconnected, nil)
		return uuid.Nil, nil

	case SendInput:
		if s.state != ShellOpen {
			return uuid.Nil, invalidState(cmd, s.state)
		}
		select {
		case s.input <- shellOp{data: append([]byte(nil), cmd.Data...)}:
			return uuid.Nil, nil
		default:
			return uuid.Nil, &Error{Kind: ChannelError, Reason: "shell input backlog is full"}
		}

	case Resize:
		if cmd.Cols < 1 || cmd.Rows < 1 {
			return uuid.Nil, &Error{Kind: InvalidState, Reason: "terminal size must be positive"}
		}
		b := s.bridge.Load()
		if b == nil || s.state == Closing {
			return uuid.Nil, invalidState(cmd, s.state)
		}
		b.Resize(cmd.Cols, cmd.Rows)
		s.profile.Cols, s.profile.Rows = cmd.Cols, cmd.Rows
		if s.input != nil {
			select {
			case s.input <- shellOp{resize: true, cols: cmd.Cols, rows: cmd.Rows}:
			default:
				return uuid.Nil, &Error{Kind: ChannelError, Reason: "shell input backlog is full"}
			}
		}
		s.render()
		return uuid.Nil, nil

	case AddForward:
		if !s.state.connected() {
			return uuid.Nil, invalidState(cmd, s.state)
		}
		m, ctx := s.forwards, s.connCtx
		go func() {
			id, err := m.Add(ctx, cmd.Spec)
			if err != nil {
				e := classify(err)
				s.post(forwardFailed{err: e})
				err = e
			}
			req.reply <- result{id: id, err: err}
		}()
		return uuid.Nil, errDeferred

	case RemoveForward:
		if !s.state.connected() {
			return uuid.Nil, invalidState(cmd, s.state)
		}
		m := s.forwards
		go func() {
			req.reply <- result{id: cmd.ID, err: m.Remove(cmd.ID)}
		}()
		return uuid.Nil, errDeferred

	case OpenShell:
		if (s.state != Ready && s.state != ForwardingOnly) || s.shellBusy {
			return uuid.Nil, invalidState(cmd, s.state)
		}
		s.startShell()
		return uuid.Nil, nil

	case HostKeyDecision:
		if s.hostKeyAsk == nil {
			return uuid.Nil, invalidState(cmd, s.state)
		}
		s.hostKeyAsk <- cmd.Accept
		s.hostKeyAsk = nil
		return uuid.Nil, nil

	case AuthResponse:
		if s.authNeg == nil {
			return uuid.Nil, invalidState(cmd, s.state)
		}
		if err := s.authNeg.Respond(cmd.Answers); err != nil {
			return uuid.Nil, &Error{Kind: InvalidState, Reason: "no authentication prompt is pending", Err: err}
		}
		return uuid.Nil, nil

	default:
		return uuid.Nil, &Error{Kind: InvalidState, Reason: "unknown command"}
	}
}

func (s *Session) render() {
	b := s.bridge.Load()
	if b == nil || !b.Dirty() {
		return
	}
	s.emit(Rendered{Diff: b.Diff()})
}

func (s *Session) connect(p profile.Profile) error {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return &Error{Kind: InvalidState, Reason: "invalid profile", Err: err}
	}

	s.gen++
	s.profile = p
	s.finalErr = nil

	b := s.bridge.Load()
	if b == nil {
		b = terminal.New(p.Cols, p.Rows, s.opts.Scrollback)
		s.bridge.Store(b)
	} else {
		b.Resize(p.Cols, p.Rows)
	}

	interval := s.opts.KeepAliveInterval
	if p.KeepAlive != 0 {
		interval = p.KeepAlive
	}
	s.keepInterval.Store(int64(interval))

	ctx, cancel := context.WithCancel(context.Background())
	s.connCtx, s.cancel = ctx, cancel
	s.connecting = true
	s.setState(Connecting, nil)

	gen := s.gen
	go func() {
		client, jumps, err := s.dial(ctx, gen, p)
		s.post(connectResult{gen: gen, client: client, jumps: jumps, err: err})
	}()
	return nil
}

// shutdown runs on Close. Resources are released inline.
func (s *Session) shutdown() {
	if s.hostKeyAsk != nil {
		s.hostKeyAsk <- false
		s.hostKeyAsk = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	res := s.takeResources()
	res.release()

	// Drain the in-flight connect, if any, so its transport is closed.
	for s.connecting {
		msg := <-s.internal
		if r, ok := msg.(connectResult); ok && r.gen == s.gen {
			s.connecting = false
			resources{client: r.client, jumps: r.jumps}.release()
		} else if r, ok := msg.(shellResult); ok {
			r.close()
		}
	}
	if !s.state.Terminal() {
		s.state = Disconnected
		s.stateV.Store(int32(Disconnected))
	}
	s.client.Store(nil)
}

// beginClose moves to Closing and releases everything off the actor. The
// session settles in final once release and any in-flight connect finish.
func (s *Session) beginClose(final State, err *Error) {
	if s.state == Closing || s.state.Terminal() {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Stringer("kind", err.Kind).Msg("session failed")
	}
	s.final, s.finalErr = final, err
	if s.cancel != nil {
		s.cancel()
	}
	s.setState(Closing, nil)

	if s.hostKeyAsk != nil {
		s.hostKeyAsk <- false
		s.hostKeyAsk = nil
	}
	s.authNeg = nil

	res := s.takeResources()
	s.pending = 1
	if s.connecting {
		s.pending++
	}
	gen := s.gen
	go func() {
		res.release()
		s.post(released{gen: gen})
	}()
}

func (s *Session) settle() {
	s.pending--
	if s.pending > 0 {
		return
	}
	s.setState(s.final, s.finalErr)
}

// takeResources detaches every resource from the session so that it is
// released exactly once.
func (s *Session) takeResources() resources {
	res := resources{
		forwards: s.forwards,
		shell:    s.shell,
		client:   s.client.Load(),
		jumps:    s.jumps,
		cancel:   s.cancel,
	}
	if s.input != nil {
		close(s.input)
	}
	s.forwards, s.shell, s.input, s.jumps, s.cancel = nil, nil, nil, nil, nil
	s.shellBusy = false
	s.client.Store(nil)
	return res
}

type resources struct {
	forwards *forward.Manager
	shell    *ssh.Session
	client   *ssh.Client
	jumps    []*dialer.JumpDialer
	cancel   context.CancelFunc
}

// release closes forwards (draining them), then the shell, the transport
// and the jump hosts from the innermost out.
func (r resources) release() {
	if r.forwards != nil {
		_ = r.forwards.Close()
	}
	if r.shell != nil {
		_ = r.shell.Close()
	}
	if r.client != nil {
		_ = r.client.Close()
	}
	for i := len(r.jumps) - 1; i >= 0; i-- {
		_ = r.jumps[i].Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
}

// Internal messages.
type (
	connectResult struct {
		gen    int
		client *ssh.Client
		jumps  []*dialer.JumpDialer
		err    error
	}
	authenticating struct{ gen int }
	hostKeyAsk     struct {
		gen    int
		prompt internalssh.HostKeyPrompt
		reply  chan bool
	}
	authAsk struct {
		gen    int
		host   string
		neg    *internalssh.Negotiator
		prompt internalssh.Prompt
	}
	transportClosed struct {
		gen int
		err error
	}
	released      struct{ gen int }
	forwardFailed struct{ err *Error }
	forwardsReady struct {
		gen       int
		openShell bool
	}
	shellResult struct {
		gen    int
		sess   *ssh.Session
		stdin  io.WriteCloser
		stdout io.Reader
		err    error
	}
	shellClosed struct {
		gen int
		err *Error
	}
)

func (r shellResult) close() {
	if r.sess != nil {
		_ = r.sess.Close()
	}
}

func (s *Session) handleInternal(msg any) {
	switch m := msg.(type) {
	case func():
		m()

	case forward.Status:
		s.emit(ForwardStatus{Status: m})

	case forwardFailed:
		s.emit(ErrorEvent{Err: m.err})

	case authenticating:
		if m.gen == s.gen && s.state == Connecting {
			s.setState(Authenticating, nil)
		}

	case hostKeyAsk:
		if m.gen != s.gen || s.state == Closing || s.state.Terminal() {
			m.reply <- false
			return
		}
		s.hostKeyAsk = m.reply
		s.emit(HostKeyPrompt{HostKeyPrompt: m.prompt})

	case authAsk:
		if m.gen != s.gen || s.state == Closing || s.state.Terminal() {
			return
		}
		s.authNeg = m.neg
		s.emit(AuthPrompt{Host: m.host, Prompt: m.prompt})

	case connectResult:
		s.onConnected(m)

	case released:
		if m.gen == s.gen && s.state == Closing {
			s.settle()
		}

	case transportClosed:
		if m.gen != s.gen || !s.state.connected() {
			return
		}
		s.beginClose(Failed, &Error{Kind: TransportError, Reason: "connection lost", Err: m.err})

	case forwardsReady:
		if m.gen != s.gen || s.state != Ready {
			return
		}
		if m.openShell {
			s.startShell()
			return
		}
		s.setState(ForwardingOnly, nil)

	case shellResult:
		s.onShell(m)

	case shellClosed:
		if m.gen != s.gen || s.state != ShellOpen {
			return
		}
		if m.err != nil {
			s.beginClose(Failed, m.err)
			return
		}
		s.beginClose(Disconnected, nil)
	}
}

func (s *Session) onConnected(m connectResult) {
	if m.gen != s.gen || s.state == Closing || s.state.Terminal() {
		if m.gen == s.gen {
			s.connecting = false
		}
		go resources{client: m.client, jumps: m.jumps}.release()
		if m.gen == s.gen && s.state == Closing {
			s.settle()
		}
		return
	}
	s.connecting = false
	s.hostKeyAsk = nil
	s.authNeg = nil

	if m.err != nil {
		s.beginClose(Failed, classify(m.err))
		return
	}

	client := m.client
	s.client.Store(client)
	s.jumps = m.jumps
	s.lastKeep.Store(time.Now().UnixNano())

	gen := s.gen
	go func() {
		err := client.Wait()
		s.post(transportClosed{gen: gen, err: err})
	}()

	s.forwards = forward.NewManager(client, forward.Options{
		Grace:     s.opts.ForwardGrace,
		KeepAlive: s.opts.Dialer.KeepAlive,
		OnStatus:  s.postStatus,
		Log:       s.log,
	})
	s.setState(Ready, nil)

	specs, err := s.profile.ForwardSpecs()
	if err != nil {
		// Validate already parsed them.
		s.emit(ErrorEvent{Err: classify(err)})
	}
	m2, ctx, openShell := s.forwards, s.connCtx, !s.profile.NoShell
	s.shellBusy = openShell
	go func() {
		for _, spec := range specs {
			if _, err := m2.Add(ctx, spec); err != nil {
				s.post(forwardFailed{err: classify(err)})
			}
		}
		s.post(forwardsReady{gen: gen, openShell: openShell})
	}()
}
