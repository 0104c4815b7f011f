package manager

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// CommandHandler is the host callback: it receives one typed terminal line
// and reports whether it took ownership of it. false means the host runs the
// line the default way.
type CommandHandler func(line string) bool

// InterceptorOptions wires the pipeline stages together.
type InterceptorOptions struct {
	Config   *Config
	Resolver *Resolver
	Planner  *ElevationPlanner
	Launcher *Launcher
	// SSHConfig fills user, port and identity from the client config when
	// neither the typed line nor the inventory sets them. nil disables it.
	SSHConfig SSHConfigFunc
}

// Interceptor turns typed ssh lines into supervised sessions:
// parse, resolve host and credentials, plan elevation, launch.
type Interceptor struct {
	cfg       *Config
	resolver  *Resolver
	planner   *ElevationPlanner
	launcher  *Launcher
	sshConfig SSHConfigFunc
	log       logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewInterceptor(opts InterceptorOptions, log logrus.FieldLogger) *Interceptor {
	cfg := opts.Config
	if cfg == nil {
		cfg = &Config{}
	}
	planner := opts.Planner
	if planner == nil {
		planner = NewElevationPlanner(opts.Resolver, log)
	}
	return &Interceptor{
		cfg:       cfg,
		resolver:  opts.Resolver,
		planner:   planner,
		launcher:  opts.Launcher,
		sshConfig: opts.SSHConfig,
		log:       log,
		sessions:  make(map[string]*Session),
	}
}

// Prepare runs everything up to the launch. Lines that are not interactive
// ssh invocations return ErrNotApplicable before any other stage runs.
// Credential problems are not errors: the request then carries no secret and
// ssh prompts as usual.
func (ic *Interceptor) Prepare(ctx context.Context, line string) (LaunchRequest, error) {
	intent, ok := ParseIntent(line)
	if !ok {
		return LaunchRequest{}, ErrNotApplicable
	}

	typed := intent.Host()
	host := ic.cfg.Lookup(typed)
	if host.Configured {
		intent = intent.WithHost(host.EffectiveHostName)
		if intent.Username() == "" && host.EffectiveUser != "" {
			intent = intent.WithUsername(host.EffectiveUser)
		}
		if !intent.PortExplicit() && host.EffectivePort > 0 {
			intent = intent.WithPort(host.EffectivePort)
		}
	}

	identity := host.EffectiveIdentityFile
	if ic.sshConfig != nil && (intent.Username() == "" || intent.Port() == defaultSSHPort || identity == "") {
		eff := ic.sshConfig(ctx, intent.Host())
		if intent.Username() == "" && eff.User != "" {
			intent = intent.WithUsername(eff.User)
		}
		if !intent.PortExplicit() && host.EffectivePort <= 0 && eff.Port > 0 {
			intent = intent.WithPort(eff.Port)
		}
		if identity == "" && !intent.HasOption('i') {
			identity = eff.FirstIdentityFile()
		}
	}
	if opts := intent.Options(); intent.HasOption('i') {
		for i := 0; i+1 < len(opts); i++ {
			if opts[i] == "-i" {
				identity = expandPath(opts[i+1])
				break
			}
		}
	}

	req := LaunchRequest{Intent: intent, Host: host}
	fields := logrus.Fields{"host": intent.Host(), "user": intent.Username(), "port": intent.Port()}
	policy := ElevationPolicy{
		UsesLogin:       host.ElevationUsesLogin,
		Windows:         host.Windows,
		StartupCommands: host.StartupCommands(),
		ScopeHost:       typed,
	}

	if !host.SuppliesCredentials() || ic.resolver == nil {
		ic.log.WithFields(fields).Debug("credential injection disabled for host")
		req.Elevation = ic.planner.Detect(intent, policy)
		return req, nil
	}

	cred, err := ic.resolver.ResolveLogin(ctx, typed, intent.Username(), identity != "" && IdentityNeedsPassphrase(identity))
	switch {
	case err == nil:
		if intent.Username() == "" && cred.Scope.Username != "" {
			intent = intent.WithUsername(cred.Scope.Username)
			req.Intent = intent
		}
		req.Credential = &cred
	case errors.Is(err, context.Canceled):
		return LaunchRequest{}, err
	default:
		ic.log.WithFields(fields).WithError(err).Debug("no login credential; ssh will prompt")
	}

	req.Elevation = ic.planner.Plan(ctx, intent, req.Credential, policy)
	ic.log.WithFields(fields).WithFields(logrus.Fields{
		"login":     req.Credential != nil,
		"elevation": req.Elevation.HasSecret(),
	}).Debug("credentials resolved")
	return req, nil
}

// Start prepares and launches. The returned session is tracked until it ends.
func (ic *Interceptor) Start(ctx context.Context, line string) (*Session, error) {
	req, err := ic.Prepare(ctx, line)
	if err != nil {
		return nil, err
	}
	if ic.launcher == nil {
		if ic.resolver != nil {
			releaseRequest(ic.resolver.Store(), req)
		}
		return nil, ErrNotApplicable
	}
	s, err := ic.launcher.Launch(ctx, req)
	if err != nil {
		return nil, err
	}
	ic.track(s)
	return s, nil
}

// Handle is the boolean host contract. It returns false for lines that are
// not applicable, for duplicates and for synchronous launch failures; the
// host then runs the line itself and the user sees ssh's own output.
func (ic *Interceptor) Handle(ctx context.Context, line string) bool {
	_, err := ic.Start(ctx, line)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrNotApplicable):
		return false
	default:
		ic.log.WithError(err).Warn("ssh launch not handled")
		return false
	}
}

// Handler adapts Handle to the host callback type.
func (ic *Interceptor) Handler(ctx context.Context) CommandHandler {
	return func(line string) bool { return ic.Handle(ctx, line) }
}

func (ic *Interceptor) track(s *Session) {
	ic.mu.Lock()
	ic.sessions[s.ID] = s
	ic.mu.Unlock()
	go func() {
		<-s.Done()
		ic.mu.Lock()
		delete(ic.sessions, s.ID)
		ic.mu.Unlock()
	}()
}

// Sessions returns the sessions that have not ended yet.
func (ic *Interceptor) Sessions() []*Session {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	out := make([]*Session, 0, len(ic.sessions))
	for _, s := range ic.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown closes every running session.
func (ic *Interceptor) Shutdown() {
	for _, s := range ic.Sessions() {
		_ = s.Close()
	}
}
