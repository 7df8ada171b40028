package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/tabssh/internal/logger"
)

// AuthState is the negotiation state.
type AuthState int

const (
	AuthIdle AuthState = iota
	AuthAwaitingTransport
	AuthAwaitingUser
	AuthAuthenticated
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthIdle:
		return "idle"
	case AuthAwaitingTransport:
		return "awaiting-transport-auth-result"
	case AuthAwaitingUser:
		return "awaiting-user-response"
	case AuthAuthenticated:
		return "authenticated"
	case AuthFailed:
		return "failed"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

// Outcome is the result of one credential.
type Outcome int

const (
	NotAttempted Outcome = iota
	Succeeded
	BadCredential
	MethodUnavailable
	ServerRejected
)

func (o Outcome) String() string {
	switch o {
	case NotAttempted:
		return "not-attempted"
	case Succeeded:
		return "succeeded"
	case BadCredential:
		return "bad-credential"
	case MethodUnavailable:
		return "method-unavailable"
	case ServerRejected:
		return "server-rejected"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Attempt records what happened to the credential at index Credential.
type Attempt struct {
	Credential int
	Method     Method
	Outcome    Outcome
	Err        error
}

// Prompt asks the user for input during authentication.
type Prompt struct {
	Method      Method
	Name        string
	Instruction string
	Questions   []string
	Echo        []bool
}

var (
	// ErrNoPendingPrompt is returned by Respond when nothing is waiting for
	// an answer.
	ErrNoPendingPrompt = errors.New("ssh: no authentication prompt pending")

	errNoCredentials = errors.New("no more credentials for method")
)

// AuthExhaustedError is returned when every credential failed.
type AuthExhaustedError struct {
	Attempts []Attempt
	Err      error
}

func (e *AuthExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Method, a.Outcome))
	}
	return fmt.Sprintf("ssh: authentication exhausted [%s]", strings.Join(parts, ", "))
}

func (e *AuthExhaustedError) Unwrap() error { return e.Err }

// IsAuthFailure reports whether a handshake error came from the server
// refusing every offered method.
func IsAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// NegotiatorOptions configures a Negotiator.
type NegotiatorOptions struct {
	// Agent returns the agent signers. Defaults to AgentSigners.
	Agent func() ([]ssh.Signer, io.Closer, error)
	Log   *logger.Logger
}

// Negotiator tries credentials in configured order over one transport.
//
// The transport's auth loop runs one wire method at a time, so credentials
// that share a wire method (password, publickey, keyboard-interactive) form
// one block at the position of the first of them. PublicKey and Agent share
// publickey. Only the first keyboard-interactive credential is used.
//
// Callbacks run on the handshake goroutine. Interactive input suspends them
// until Respond is called or the context passed to AuthMethods ends.
type Negotiator struct {
	creds []Credential
	agent func() ([]ssh.Signer, io.Closer, error)
	log   *logger.Logger

	prompts chan Prompt
	answers chan []string

	mu       sync.Mutex
	state    AuthState
	attempts []Attempt
	invoked  []bool
	group    []int
	pending  []int
	signedBy int
	closers  []io.Closer
}

// NewNegotiator returns a Negotiator for creds.
func NewNegotiator(creds []Credential, opts NegotiatorOptions) *Negotiator {
	if opts.Agent == nil {
		opts.Agent = AgentSigners
	}
	n := &Negotiator{
		creds:    creds,
		agent:    opts.Agent,
		log:      opts.Log.Component("auth"),
		prompts:  make(chan Prompt, 1),
		answers:  make(chan []string, 1),
		attempts: make([]Attempt, len(creds)),
		invoked:  make([]bool, len(creds)),
		group:    make([]int, len(creds)),
		signedBy: -1,
	}
	for i, c := range creds {
		n.attempts[i] = Attempt{Credential: i, Method: c.Method}
	}
	return n
}

// AuthMethods returns the transport auth methods. ctx bounds user prompts.
func (n *Negotiator) AuthMethods(ctx context.Context) []ssh.AuthMethod {
	var order []string
	groups := make(map[string][]int)
	for i, c := range n.creds {
		if c.Unavailable != nil {
			n.finishAttempt(i, MethodUnavailable, c.Unavailable)
			continue
		}
		w := c.Method.wireName()
		if w == "" {
			n.finishAttempt(i, MethodUnavailable, fmt.Errorf("unsupported method %s", c.Method))
			continue
		}
		if _, ok := groups[w]; !ok {
			order = append(order, w)
		}
		groups[w] = append(groups[w], i)
		n.mu.Lock()
		n.group[i] = len(order) - 1
		n.mu.Unlock()
	}

	var methods []ssh.AuthMethod
	for _, w := range order {
		idx := groups[w]
		switch w {
		case "password":
			methods = append(methods, ssh.RetryableAuthMethod(ssh.PasswordCallback(n.passwordFunc(ctx, idx)), len(idx)))
		case "publickey":
			methods = append(methods, ssh.PublicKeysCallback(n.signersFunc(ctx, idx)))
		case "keyboard-interactive":
			methods = append(methods, ssh.KeyboardInteractive(n.challengeFunc(ctx, idx[0])))
		}
	}
	return methods
}

// Prompts delivers user prompts. At most one is outstanding at a time.
func (n *Negotiator) Prompts() <-chan Prompt {
	return n.prompts
}

// Respond answers the outstanding prompt.
func (n *Negotiator) Respond(answers []string) error {
	n.mu.Lock()
	st := n.state
	n.mu.Unlock()
	if st != AuthAwaitingUser {
		return ErrNoPendingPrompt
	}

	select {
	case n.answers <- answers:
		return nil
	default:
		return ErrNoPendingPrompt
	}
}

// State returns the current negotiation state.
func (n *Negotiator) State() AuthState {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state
}

// Started reports whether any credential has been offered.
func (n *Negotiator) Started() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, v := range n.invoked {
		if v {
			return true
		}
	}
	return false
}

// Attempts returns a copy of the per-credential results.
func (n *Negotiator) Attempts() []Attempt {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]Attempt(nil), n.attempts...)
}

// Finish resolves outstanding attempts once the handshake returned. A nil
// handshakeErr marks the last offered credential as the successful one. A
// non-nil one yields *AuthExhaustedError wrapping it.
func (n *Negotiator) Finish(handshakeErr error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if handshakeErr == nil {
		n.resolvePendingLocked(true)
		// Credentials of methods ordered before the accepted one were
		// skipped because the server did not offer them.
		for w, a := range n.attempts {
			if a.Outcome != Succeeded {
				continue
			}
			for i := range n.attempts {
				if !n.invoked[i] && n.group[i] < n.group[w] {
					n.attempts[i].Outcome = MethodUnavailable
				}
			}
		}
		n.state = AuthAuthenticated
		return nil
	}

	n.resolvePendingLocked(false)
	for i := range n.attempts {
		if n.attempts[i].Outcome == NotAttempted {
			n.attempts[i].Outcome = MethodUnavailable
		}
	}
	n.state = AuthFailed
	return &AuthExhaustedError{Attempts: append([]Attempt(nil), n.attempts...), Err: handshakeErr}
}

// Close releases agent connections opened during negotiation.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	closers := n.closers
	n.closers = nil
	n.mu.Unlock()

	var errs []error
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// begin marks idx as offered to the server. Whatever was pending before was
// not accepted.
func (n *Negotiator) begin(idx ...int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.resolvePendingLocked(false)
	for _, i := range idx {
		n.invoked[i] = true
	}
	n.pending = idx
	n.signedBy = -1
	n.state = AuthAwaitingTransport
}

func (n *Negotiator) resolvePendingLocked(success bool) {
	if len(n.pending) == 0 {
		return
	}

	if success {
		winner := n.pending[len(n.pending)-1]
		if n.signedBy >= 0 {
			winner = n.signedBy
		}
		after := false
		for _, i := range n.pending {
			switch {
			case i == winner:
				n.attempts[i].Outcome = Succeeded
				after = true
			case after:
				n.attempts[i].Outcome = NotAttempted
			default:
				n.attempts[i].Outcome = failureOutcome(n.creds[i].Method)
			}
		}
	} else {
		for _, i := range n.pending {
			n.attempts[i].Outcome = failureOutcome(n.creds[i].Method)
		}
	}
	n.pending = nil
	n.signedBy = -1
}

func failureOutcome(m Method) Outcome {
	switch m {
	case MethodPublicKey, MethodAgent:
		return ServerRejected
	default:
		return BadCredential
	}
}

func (n *Negotiator) finishAttempt(i int, o Outcome, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.invoked[i] = true
	n.attempts[i].Outcome = o
	n.attempts[i].Err = err
}

func (n *Negotiator) setState(s AuthState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

func (n *Negotiator) prompt(ctx context.Context, p Prompt) ([]string, error) {
	n.setState(AuthAwaitingUser)

	select {
	case n.prompts <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case a := <-n.answers:
		n.setState(AuthAwaitingTransport)
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Negotiator) passwordFunc(ctx context.Context, idx []int) func() (string, error) {
	next := 0
	return func() (string, error) {
		if next >= len(idx) {
			return "", errNoCredentials
		}
		i := idx[next]
		next++

		n.begin(i)
		cred := n.creds[i]
		if cred.Password != "" {
			n.log.Debug().Int("credential", i).Msg("offering password")
			return cred.Password, nil
		}

		answers, err := n.prompt(ctx, Prompt{
			Method:    MethodPassword,
			Questions: []string{"Password: "},
			Echo:      []bool{false},
		})
		if err != nil {
			return "", err
		}
		if len(answers) == 0 {
			return "", nil
		}
		return answers[0], nil
	}
}

func (n *Negotiator) challengeFunc(ctx context.Context, i int) ssh.KeyboardInteractiveChallenge {
	first := true
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		if first {
			n.begin(i)
			first = false
		}
		if len(questions) == 0 {
			return []string{}, nil
		}

		cred := n.creds[i]
		if cred.Password != "" && len(questions) == 1 && !echos[0] {
			return []string{cred.Password}, nil
		}

		answers, err := n.prompt(ctx, Prompt{
			Method:      MethodKeyboardInteractive,
			Name:        name,
			Instruction: instruction,
			Questions:   questions,
			Echo:        echos,
		})
		if err != nil {
			return nil, err
		}
		if len(answers) != len(questions) {
			return nil, fmt.Errorf("keyboard-interactive: got %d answers for %d questions", len(answers), len(questions))
		}
		return answers, nil
	}
}

func (n *Negotiator) signersFunc(ctx context.Context, idx []int) func() ([]ssh.Signer, error) {
	return func() ([]ssh.Signer, error) {
		var signers []ssh.Signer
		var offered []int
		for _, i := range idx {
			loaded, err := n.loadSigners(ctx, i)
			if err != nil {
				// A key file that exists but cannot be used is a bad
				// credential; a missing file or agent is unavailable.
				o := MethodUnavailable
				if n.creds[i].Method == MethodPublicKey && !errors.Is(err, os.ErrNotExist) && ctx.Err() == nil {
					o = BadCredential
				}
				n.log.Debug().Err(err).Int("credential", i).Str("method", n.creds[i].Method.String()).Msg("credential unusable")
				n.finishAttempt(i, o, err)
				continue
			}
			for _, s := range loaded {
				signers = append(signers, n.track(s, i))
			}
			offered = append(offered, i)
		}

		if len(offered) == 0 {
			return nil, errNoCredentials
		}
		n.begin(offered...)
		return signers, nil
	}
}

func (n *Negotiator) loadSigners(ctx context.Context, i int) ([]ssh.Signer, error) {
	cred := n.creds[i]
	switch cred.Method {
	case MethodAgent:
		signers, closer, err := n.agent()
		if err != nil {
			return nil, err
		}
		n.mu.Lock()
		n.closers = append(n.closers, closer)
		n.mu.Unlock()
		return signers, nil

	case MethodPublicKey:
		if cred.Signer != nil {
			return []ssh.Signer{cred.Signer}, nil
		}
		signer, err := LoadPrivateKey(cred.KeyPath, cred.Passphrase)
		var missing *ssh.PassphraseMissingError
		if !errors.As(err, &missing) {
			return []ssh.Signer{signer}, err
		}

		answers, perr := n.prompt(ctx, Prompt{
			Method:    MethodPublicKey,
			Questions: []string{fmt.Sprintf("Passphrase for %s: ", cred.KeyPath)},
			Echo:      []bool{false},
		})
		if perr != nil {
			return nil, perr
		}
		if len(answers) == 0 || answers[0] == "" {
			return nil, err
		}
		signer, err = LoadPrivateKey(cred.KeyPath, answers[0])
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{signer}, nil

	default:
		return nil, fmt.Errorf("method %s has no signers", cred.Method)
	}
}

// track wraps s so that a signature request marks credential i as the one
// the server accepted. The wrapper keeps the algorithm interfaces of s so
// signature algorithm negotiation is unchanged.
func (n *Negotiator) track(s ssh.Signer, i int) ssh.Signer {
	mark := func() {
		n.mu.Lock()
		n.signedBy = i
		n.mu.Unlock()
	}
	switch as := s.(type) {
	case ssh.MultiAlgorithmSigner:
		return trackedMultiSigner{MultiAlgorithmSigner: as, mark: mark}
	case ssh.AlgorithmSigner:
		return trackedAlgorithmSigner{AlgorithmSigner: as, mark: mark}
	default:
		return trackedSigner{Signer: s, mark: mark}
	}
}

type trackedSigner struct {
	ssh.Signer
	mark func()
}

func (s trackedSigner) Sign(rand io.Reader, data []byte) (*ssh.Signature, error) {
	s.mark()
	return s.Signer.Sign(rand, data)
}

type trackedAlgorithmSigner struct {
	ssh.AlgorithmSigner
	mark func()
}

func (s trackedAlgorithmSigner) Sign(rand io.Reader, data []byte) (*ssh.Signature, error) {
	s.mark()
	return s.AlgorithmSigner.Sign(rand, data)
}

func (s trackedAlgorithmSigner) SignWithAlgorithm(rand io.Reader, data []byte, algorithm string) (*ssh.Signature, error) {
	s.mark()
	return s.AlgorithmSigner.SignWithAlgorithm(rand, data, algorithm)
}

type trackedMultiSigner struct {
	ssh.MultiAlgorithmSigner
	mark func()
}

func (s trackedMultiSigner) Sign(rand io.Reader, data []byte) (*ssh.Signature, error) {
	s.mark()
	return s.MultiAlgorithmSigner.Sign(rand, data)
}

func (s trackedMultiSigner) SignWithAlgorithm(rand io.Reader, data []byte, algorithm string) (*ssh.Signature, error) {
	s.mark()
	return s.MultiAlgorithmSigner.SignWithAlgorithm(rand, data, algorithm)
}
