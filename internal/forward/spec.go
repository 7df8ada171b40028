package forward

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind is the type of a forward.
type Kind int

const (
	Local Kind = iota
	Remote
	Dynamic
)

var kindNames = map[Kind]string{
	Local:   "local",
	Remote:  "remote",
	Dynamic: "dynamic",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

func (k Kind) MarshalText() ([]byte, error) {
	s, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown forward kind %d", int(k))
	}
	return []byte(s), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "local", "l":
		*k = Local
	case "remote", "r":
		*k = Remote
	case "dynamic", "d", "socks", "socks5":
		*k = Dynamic
	default:
		return fmt.Errorf("unknown forward kind %q", string(b))
	}
	return nil
}

// Default bind hosts per kind.
const (
	DefaultLocalBind   = "127.0.0.1"
	DefaultRemoteBind  = "0.0.0.0"
	DefaultDynamicBind = "127.0.0.1"
)

// Spec describes one forward. Dynamic forwards have no target.
type Spec struct {
	Kind       Kind
	BindHost   string
	BindPort   int
	TargetHost string
	TargetPort int
}

// ErrInvalidSpec is wrapped by ParseSpec and Validate failures.
var ErrInvalidSpec = errors.New("invalid forward spec")

// ParseSpec parses the OpenSSH forms [bind:]port:host:hostport for local and
// remote forwards and [bind:]port for dynamic ones. IPv6 addresses are
// written in brackets. A bind address of "*" means all interfaces.
func ParseSpec(kind Kind, s string) (Spec, error) {
	fields, err := splitFields(s)
	if err != nil {
		return Spec{}, fmt.Errorf("%w %q: %w", ErrInvalidSpec, s, err)
	}

	spec := Spec{Kind: kind}
	bind := ""
	switch kind {
	case Local, Remote:
		switch len(fields) {
		case 3:
		case 4:
			bind, fields = fields[0], fields[1:]
			if bind == "" {
				bind = "*"
			}
		default:
			return Spec{}, fmt.Errorf("%w %q: want [bind:]port:host:hostport", ErrInvalidSpec, s)
		}
		spec.TargetHost = fields[1]
		if spec.TargetPort, err = parsePort(fields[2]); err != nil {
			return Spec{}, fmt.Errorf("%w %q: %w", ErrInvalidSpec, s, err)
		}
	case Dynamic:
		switch len(fields) {
		case 1:
		case 2:
			bind, fields = fields[0], fields[1:]
			if bind == "" {
				bind = "*"
			}
		default:
			return Spec{}, fmt.Errorf("%w %q: want [bind:]port", ErrInvalidSpec, s)
		}
	default:
		return Spec{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidSpec, int(kind))
	}

	if spec.BindPort, err = parsePort(fields[0]); err != nil {
		return Spec{}, fmt.Errorf("%w %q: %w", ErrInvalidSpec, s, err)
	}
	if bind == "*" {
		bind = "0.0.0.0"
	}
	spec.BindHost = bind
	spec = spec.WithDefaults()
	return spec, spec.Validate()
}

// WithDefaults fills in the default bind host for the kind.
func (s Spec) WithDefaults() Spec {
	if s.BindHost != "" {
		return s
	}
	switch s.Kind {
	case Local:
		s.BindHost = DefaultLocalBind
	case Remote:
		s.BindHost = DefaultRemoteBind
	case Dynamic:
		s.BindHost = DefaultDynamicBind
	}
	return s
}

// Validate checks ports and the presence of a target.
func (s Spec) Validate() error {
	if _, ok := kindNames[s.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidSpec, int(s.Kind))
	}
	if s.BindPort < 0 || s.BindPort > 65535 {
		return fmt.Errorf("%w: bind port %d out of range", ErrInvalidSpec, s.BindPort)
	}
	if s.Kind == Dynamic {
		return nil
	}
	if s.TargetHost == "" {
		return fmt.Errorf("%w: %s forward needs a target host", ErrInvalidSpec, s.Kind)
	}
	if s.TargetPort < 1 || s.TargetPort > 65535 {
		return fmt.Errorf("%w: target port %d out of range", ErrInvalidSpec, s.TargetPort)
	}
	return nil
}

// BindAddr returns the listen address as host:port.
func (s Spec) BindAddr() string {
	return net.JoinHostPort(s.BindHost, strconv.Itoa(s.BindPort))
}

// TargetAddr returns the target as host:port, or "" for dynamic forwards.
func (s Spec) TargetAddr() string {
	if s.Kind == Dynamic {
		return ""
	}
	return net.JoinHostPort(s.TargetHost, strconv.Itoa(s.TargetPort))
}

func (s Spec) String() string {
	if s.Kind == Dynamic {
		return fmt.Sprintf("%s %s", s.Kind, s.BindAddr())
	}
	return fmt.Sprintf("%s %s -> %s", s.Kind, s.BindAddr(), s.TargetAddr())
}

// splitFields splits on colons outside brackets and strips the brackets.
func splitFields(s string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inBracket := false
	for _, r := range s {
		switch {
		case r == '[' && !inBracket && cur.Len() == 0:
			inBracket = true
		case r == ']' && inBracket:
			inBracket = false
		case r == ':' && !inBracket:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if inBracket {
		return nil, errors.New("unterminated '['")
	}
	return append(fields, cur.String()), nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return int(p), nil
}
