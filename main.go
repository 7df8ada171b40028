package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/tabssh/internal/config"
	"github.com/die-net/tabssh/internal/dialer"
	"github.com/die-net/tabssh/internal/forward"
	"github.com/die-net/tabssh/internal/hostkey"
	"github.com/die-net/tabssh/internal/logger"
	"github.com/die-net/tabssh/internal/profile"
	"github.com/die-net/tabssh/internal/session"
	"github.com/die-net/tabssh/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.RegisterFlags(pflag.CommandLine)
	var (
		locals   = pflag.StringArrayP("local", "L", nil, "Local forward [bind:]port:host:hostport (repeatable)")
		remotes  = pflag.StringArrayP("remote", "R", nil, "Remote forward [bind:]port:host:hostport (repeatable)")
		dynamics = pflag.StringArrayP("dynamic", "D", nil, "SOCKS5 forward [bind:]port (repeatable)")
		noShell  = pflag.BoolP("no-shell", "N", false, "Do not open a shell; only run forwards")
		list     = pflag.Bool("list", false, "List profiles and exit")

		replaceKey = pflag.Bool("replace-host-key", false, "On a host key mismatch, offer to trust the new key and reconnect")
		listKeys   = pflag.Bool("known-hosts-list", false, "List trusted host keys and exit")
		forget     = pflag.String("forget-host", "", "Delete trusted keys for host[:port] and exit")
		storeRef   = pflag.String("store-secret", "", "Read a secret and store it as service/account, then exit")
		deleteRef  = pflag.String("delete-secret", "", "Delete the stored secret service/account and exit")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <profile | [user@]host[:port]>\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	cfg, err := config.Load(config.Options{Flags: flags, FlagSet: pflag.CommandLine})
	if err != nil {
		return err
	}
	log, err := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	profiles, err := loadProfiles(cfg.Profiles)
	if err != nil {
		return err
	}
	if *list {
		for _, p := range profiles.Profiles {
			fmt.Printf("%s\t%s@%s\n", p.Name, p.Username, p.Addr())
		}
		return nil
	}

	con := newConsole(os.Stdin, os.Stdout)

	db, err := store.Open(cfg.DatabasePath(), log)
	if err != nil {
		return err
	}
	defer db.Close()

	key := cfg.SecretKey
	if key == "" {
		if key, err = store.LoadOrCreateKey(cfg.SecretKeyPath()); err != nil {
			return err
		}
	}
	secrets, err := db.Secrets(key)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *listKeys:
		return listHostKeys(ctx, os.Stdout, db.HostKeys())
	case *forget != "":
		n, err := forgetHost(ctx, db.HostKeys(), *forget)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d key(s) for %s\n", n, *forget)
		return nil
	case *storeRef != "":
		fmt.Printf("Secret for %s: ", *storeRef)
		return storeSecret(ctx, secrets, *storeRef, con.readLine(true))
	case *deleteRef != "":
		return deleteSecret(ctx, secrets, *deleteRef)
	}

	if pflag.NArg() != 1 {
		pflag.Usage()
		return errors.New("expected one profile name or target")
	}

	p, err := selectProfile(profiles, pflag.Arg(0))
	if err != nil {
		return err
	}
	for _, f := range []struct {
		kind  forward.Kind
		specs []string
	}{{forward.Local, *locals}, {forward.Remote, *remotes}, {forward.Dynamic, *dynamics}} {
		for _, s := range f.specs {
			p.Forwards = append(p.Forwards, profile.ForwardEntry{Kind: f.kind, Spec: s})
		}
	}
	if *noShell {
		p.NoShell = true
	}
	if cols, rows, ok := con.size(); ok {
		p.Cols, p.Rows = cols, rows
	}

	ka, err := cfg.TCPKeepAliveConfig()
	if err != nil {
		return err
	}
	home, _ := os.UserHomeDir()

	hostKeys := hostkey.NewStore(db.HostKeys(), log)
	mgr, err := session.NewManager(session.Options{
		HostKeys:   hostKeys,
		KnownHosts: cfg.KnownHosts,
		Secrets:    secrets,
		Home:       home,
		Dialer: dialer.Config{
			DialTimeout:        cfg.DialTimeout,
			NegotiationTimeout: cfg.NegotiationTimeout,
			KeepAlive:          ka,
		},
		Proxy:             cfg.Proxy,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		ForwardGrace:      cfg.ForwardGrace,
		Scrollback:        cfg.Scrollback,
		Log:               log,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	s, err := mgr.Create()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	retry := func(e *session.Error) bool {
		mm, ok := hostKeyMismatch(e)
		if !ok {
			return false
		}
		if !*replaceKey {
			log.Warn().Msg("rerun with --replace-host-key to trust the new key")
			return false
		}
		fmt.Fprintln(os.Stderr, e.UserMessage())
		if !con.confirm(fmt.Sprintf("Replace the stored %s key for %s:%d with %s (yes/no)? ", mm.Algorithm, mm.Host, mm.Port, mm.Got)) {
			return false
		}
		if err := replaceHostKey(ctx, hostKeys, mm); err != nil {
			log.Error().Err(err).Msg("could not replace host key")
			return false
		}
		go func() { _ = s.Send(ctx, session.Connect{Profile: p}) }()
		return true
	}
	g.Go(func() error {
		defer con.restore()
		return attach(ctx, s, con, log, retry)
	})
	if err := s.Send(ctx, session.Connect{Profile: p}); err != nil {
		return err
	}
	return g.Wait()
}

func loadProfiles(path string) (*profile.File, error) {
	f, err := profile.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &profile.File{}, nil
	}
	return f, err
}

// selectProfile returns the named profile, or a profile for an ad-hoc
// [user@]host[:port] target using the default credentials.
func selectProfile(f *profile.File, arg string) (profile.Profile, error) {
	if p, err := f.Find(arg); err == nil {
		return p, nil
	}
	p, err := profile.ParseTarget(arg)
	if err != nil {
		return profile.Profile{}, err
	}
	if p.Username == "" {
		u, err := user.Current()
		if err != nil {
			return profile.Profile{}, fmt.Errorf("no user in %q: %w", arg, err)
		}
		p.Username = u.Username
	}
	return p, nil
}

// attach runs the session in the foreground until it ends or ctx is done.
// retry is offered each failure and reports whether it reconnected.
func attach(ctx context.Context, s *session.Session, con *console, log *logger.Logger, retry func(*session.Error) bool) error {
	resize := make(chan os.Signal, 1)
	notifyResize(resize)
	defer signal.Stop(resize)

	var input <-chan []byte
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-resize:
			if cols, rows, ok := con.size(); ok {
				if err := s.Send(ctx, session.Resize{Cols: cols, Rows: rows}); err != nil {
					log.Debug().Err(err).Msg("resize")
				}
			}

		case data, ok := <-input:
			if !ok {
				input = nil
				_ = s.Send(ctx, session.Disconnect{})
				continue
			}
			if err := s.Send(ctx, session.SendInput{Data: data}); err != nil {
				log.Debug().Err(err).Msg("input dropped")
			}

		case ev, ok := <-s.Events():
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case session.StateChanged:
				switch e.State {
				case session.ShellOpen:
					if err := con.makeRaw(); err != nil {
						log.Warn().Err(err).Msg("could not switch terminal to raw mode")
					}
					if input == nil {
						input = con.pump()
					}
				case session.ForwardingOnly:
					log.Info().Msg("forwarding only; press Ctrl-C to exit")
				case session.Disconnected:
					return nil
				case session.Failed:
					con.restore()
					if e.Err != nil && retry != nil && retry(e.Err) {
						continue
					}
					if e.Err != nil {
						return errors.New(e.Err.UserMessage())
					}
					return errors.New("session failed")
				default:
					log.Debug().Stringer("state", e.State).Msg("session state")
				}

			case session.Rendered:
				con.paint(e.Diff)

			case session.ForwardStatus:
				if e.Stopped {
					log.Info().Str("forward", e.Spec.String()).Msg("forward stopped")
				} else {
					log.Debug().Str("forward", e.Spec.String()).Str("addr", e.Addr).Int("active", e.Active).Msg("forward")
				}

			case session.ErrorEvent:
				log.Warn().Err(e.Err).Msg(e.Err.UserMessage())

			case session.HostKeyPrompt:
				accept := con.confirm(fmt.Sprintf("The authenticity of host %s:%d can't be established.\n%s key fingerprint is %s.\nAre you sure you want to continue connecting (yes/no)? ",
					e.Host, e.Port, e.Algorithm, e.Fingerprint))
				go func() { _ = s.Send(ctx, session.HostKeyDecision{Accept: accept}) }()

			case session.AuthPrompt:
				answers := con.answer(e)
				go func() { _ = s.Send(ctx, session.AuthResponse{Answers: answers}) }()
			}
		}
	}
}
