package hostkey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/die-net/tabssh/internal/logger"
)

// Result is the outcome of verifying a fingerprint.
type Result int

const (
	Unknown Result = iota
	Trusted
	Mismatch
)

func (r Result) String() string {
	switch r {
	case Unknown:
		return "unknown"
	case Trusted:
		return "trusted"
	case Mismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

var (
	// ErrNotFound is returned by a Backend when no entry exists.
	ErrNotFound = errors.New("hostkey: entry not found")

	// ErrEntryExists is returned by Record when an entry with a different
	// fingerprint already exists. Use Replace to overwrite it.
	ErrEntryExists = errors.New("hostkey: entry exists with a different fingerprint")
)

// Entry is a known host key. Host, Port and Algorithm identify it.
type Entry struct {
	Host        string
	Port        int
	Algorithm   string
	Fingerprint string
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Backend persists entries. Get returns ErrNotFound when no entry exists for
// the tuple. Put inserts or overwrites the entry for the tuple.
type Backend interface {
	Get(ctx context.Context, host string, port int, algorithm string) (Entry, error)
	Put(ctx context.Context, e Entry) error
}

// Store verifies and records host keys on top of a Backend.
type Store struct {
	backend Backend
	log     *logger.Logger
	now     func() time.Time

	// One verification or mutation at a time.
	mu sync.Mutex
}

// NewStore returns a Store over b.
func NewStore(b Backend, log *logger.Logger) *Store {
	return &Store{
		backend: b,
		log:     log.Component("hostkey"),
		now:     time.Now,
	}
}

// Verify compares fingerprint with the stored entry for (host, port,
// algorithm).
func (s *Store) Verify(ctx context.Context, host string, port int, algorithm, fingerprint string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.backend.Get(ctx, host, port, algorithm)
	switch {
	case errors.Is(err, ErrNotFound):
		return Unknown
	case err != nil:
		s.log.Warn().Err(err).Str("host", host).Int("port", port).Str("algorithm", algorithm).
			Msg("host key lookup failed, treating key as unknown")
		return Unknown
	}

	if e.Fingerprint != fingerprint {
		s.log.Warn().Str("host", host).Int("port", port).Str("algorithm", algorithm).
			Str("want", e.Fingerprint).Str("got", fingerprint).Msg("host key mismatch")
		return Mismatch
	}

	e.LastSeen = s.now()
	if err := s.backend.Put(ctx, e); err != nil {
		s.log.Warn().Err(err).Str("host", host).Msg("updating host key last-seen failed")
	}
	return Trusted
}

// Lookup returns the stored entry for the tuple, or ErrNotFound.
func (s *Store) Lookup(ctx context.Context, host string, port int, algorithm string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.backend.Get(ctx, host, port, algorithm)
}

// Record creates an entry for an unknown host key after the user accepted it.
// Recording the same fingerprint twice is a no-op; recording a different one
// fails with ErrEntryExists.
func (s *Store) Record(ctx context.Context, host string, port int, algorithm, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.backend.Get(ctx, host, port, algorithm)
	switch {
	case err == nil:
		if e.Fingerprint == fingerprint {
			return nil
		}
		return fmt.Errorf("record %s: %w", hostPort(host, port), ErrEntryExists)
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("record %s: %w", hostPort(host, port), err)
	}

	now := s.now()
	if err := s.backend.Put(ctx, Entry{
		Host:        host,
		Port:        port,
		Algorithm:   algorithm,
		Fingerprint: fingerprint,
		FirstSeen:   now,
		LastSeen:    now,
	}); err != nil {
		return fmt.Errorf("record %s: %w", hostPort(host, port), err)
	}

	s.log.Info().Str("host", host).Int("port", port).Str("algorithm", algorithm).
		Str("fingerprint", fingerprint).Msg("recorded new host key")
	return nil
}

// Replace overwrites the fingerprint for the tuple. It is the explicit
// accept-new-key action after a mismatch. First-seen restarts.
func (s *Store) Replace(ctx context.Context, host string, port int, algorithm, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := s.backend.Put(ctx, Entry{
		Host:        host,
		Port:        port,
		Algorithm:   algorithm,
		Fingerprint: fingerprint,
		FirstSeen:   now,
		LastSeen:    now,
	}); err != nil {
		return fmt.Errorf("replace %s: %w", hostPort(host, port), err)
	}

	s.log.Warn().Str("host", host).Int("port", port).Str("algorithm", algorithm).
		Str("fingerprint", fingerprint).Msg("replaced host key")
	return nil
}

func hostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
