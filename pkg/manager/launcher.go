package manager

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultConnectDelay = 500 * time.Millisecond
	defaultCommandGap   = 150 * time.Millisecond

	// NotifyArg and AskpassArg are the hidden subcommands ssh calls back into.
	NotifyArg  = "__notify"
	AskpassArg = "__askpass"
)

// LaunchRequest is everything the launcher needs for one connection.
type LaunchRequest struct {
	Intent     ConnectionIntent
	Credential *Credential
	Elevation  ElevationPlan
	Host       ResolvedHost
}

// LauncherOptions configures how ssh is started.
type LauncherOptions struct {
	SSHBinary string
	// SelfPath is this executable; ssh runs it as SSH_ASKPASS and as
	// LocalCommand.
	SelfPath  string
	Transport Transport

	// Stdin is copied into the session; Stdout receives its output.
	Stdin  io.Reader
	Stdout io.Writer

	// Env is the base environment for ssh; nil means os.Environ().
	Env []string

	ConnectDelay time.Duration
	CommandGap   time.Duration
}

// Launcher starts ssh sessions and drives them through the registry.
type Launcher struct {
	registry *Registry
	store    SecretStore
	opts     LauncherOptions
	log      logrus.FieldLogger
}

func NewLauncher(registry *Registry, store SecretStore, opts LauncherOptions, log logrus.FieldLogger) *Launcher {
	if opts.SSHBinary == "" {
		opts.SSHBinary = "ssh"
	}
	if opts.SelfPath == "" {
		if exe, err := os.Executable(); err == nil {
			opts.SelfPath = exe
		}
	}
	if opts.Transport == nil {
		opts.Transport = PTYTransport{SizeFrom: os.Stdout}
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.ConnectDelay <= 0 {
		opts.ConnectDelay = defaultConnectDelay
	}
	if opts.CommandGap <= 0 {
		opts.CommandGap = defaultCommandGap
	}
	return &Launcher{registry: registry, store: store, opts: opts, log: log}
}

// BuildArgv returns the ssh argument vector. It never contains secret
// material: login secrets travel through the askpass broker and elevation
// secrets are typed into the PTY. injectLogin limits ssh to one password
// round so a rejected secret surfaces as an authentication failure;
// injectElevation enables the sudo prompt marker.
func (l *Launcher) BuildArgv(req LaunchRequest, injectLogin, injectElevation bool) []string {
	in := req.Intent
	argv := []string{l.opts.SSHBinary}
	// A typed or configured 22 is still passed so ssh_config cannot move it.
	if in.PortExplicit() || in.Port() != defaultSSHPort || req.Host.EffectivePort > 0 {
		argv = append(argv, "-p", strconv.Itoa(in.Port()))
	}
	if j := req.Host.EffectiveJumpHost; j != "" && !in.HasOption('J') {
		argv = append(argv, "-J", j)
	}
	if id := req.Host.EffectiveIdentityFile; id != "" && !in.HasOption('i') {
		argv = append(argv, "-i", id)
	}
	if injectLogin {
		argv = append(argv, "-o", "NumberOfPasswordPrompts=1")
	}
	argv = append(argv,
		"-o", "PermitLocalCommand=yes",
		"-o", "LocalCommand="+l.notifyCommand(),
	)

	remote := in.RemoteShellCommand()
	if remote != "" && req.Elevation.Required && !in.HasOption('t') && !in.HasOption('T') {
		argv = append(argv, "-t")
	}
	argv = append(argv, in.Options()...)

	dest := hostForDestination(in.Host())
	if u := in.Username(); u != "" {
		dest = u + "@" + dest
	}
	argv = append(argv, dest)
	if remote != "" {
		if injectElevation && req.Elevation.Method == ElevationSudoInline {
			remote, _ = rewriteSudo(remote)
		}
		argv = append(argv, remote)
	}
	return argv
}

// notifyCommand is run by ssh through the user's shell after authentication;
// '%' is a token prefix in LocalCommand.
func (l *Launcher) notifyCommand() string {
	return strings.ReplaceAll(shellQuote(l.opts.SelfPath)+" "+NotifyArg, "%", "%%")
}

func (l *Launcher) env(b *AskpassBroker, injectLogin bool) []string {
	base := l.opts.Env
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+4)
	for _, kv := range base {
		switch strings.SplitN(kv, "=", 2)[0] {
		case "SSH_ASKPASS", "SSH_ASKPASS_REQUIRE", EnvBroker, EnvToken:
			continue
		}
		env = append(env, kv)
	}
	env = append(env, b.Env()...)
	if injectLogin {
		env = append(env, "SSH_ASKPASS="+l.opts.SelfPath, "SSH_ASKPASS_REQUIRE=force")
	}
	return env
}

// Launch registers the target and starts ssh. A duplicate target fails with
// ErrDuplicateConnection before anything is started. Secrets are opened
// here and wiped on every exit path of the session.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (*Session, error) {
	key := req.Intent.Key()
	rec, ok := l.registry.TryBegin(key)
	if !ok {
		releaseRequest(l.store, req)
		return nil, targetErr("launch", key, ErrDuplicateConnection)
	}
	fields := logrus.Fields{"session": rec.ID, "host": key.Host, "user": key.Username, "port": key.Port}

	secrets := l.openSecrets(ctx, req, fields)
	fail := func(err error) (*Session, error) {
		secrets.releaseAll()
		l.registry.Transition(key, StateFailed)
		l.registry.End(key)
		return nil, targetErr("launch", key, err)
	}

	s := &Session{
		ID:      rec.ID,
		Key:     key,
		done:    make(chan struct{}),
		secrets: secrets,
		l:       l,
		log:     l.log.WithFields(fields),
		w:       &lockedWriter{},
		startup: req.Host.StartupCommands(),
		delay:   time.Duration(req.Host.EffectiveConnectDelayMS) * time.Millisecond,
	}
	if s.delay <= 0 {
		s.delay = l.opts.ConnectDelay
	}
	if req.Intent.RemoteShellCommand() != "" {
		s.startup = nil
	}
	if secrets.hasElevation() {
		s.watcher = newPromptWatcher(req.Elevation)
	}

	var provide SecretProvider
	if secrets.hasLogin() {
		provide = secrets.loginFor
	}
	broker, err := StartAskpassBroker(provide, s.markActive)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrTransportIO, err))
	}
	s.broker = broker
	s.argv = l.BuildArgv(req, secrets.hasLogin(), secrets.hasElevation())

	proc, err := l.opts.Transport.Start(ctx, s.argv, l.env(broker, secrets.hasLogin()))
	if err != nil {
		_ = broker.Close()
		return fail(fmt.Errorf("%w: start ssh: %v", ErrTransportIO, err))
	}
	s.proc = proc
	s.w.attach(proc)

	s.log.WithField("argv", s.argv).Debug("ssh started")
	go s.supervise(ctx)
	return s, nil
}

// openSecrets opens the login and elevation handles. A handle that cannot be
// opened degrades to the interactive prompt for that step.
func (l *Launcher) openSecrets(ctx context.Context, req LaunchRequest, fields logrus.Fields) *sessionSecrets {
	ss := &sessionSecrets{store: l.store}
	if l.store == nil {
		return ss
	}
	if c := req.Credential; c != nil && c.Present() {
		ss.handles = append(ss.handles, c.Handle)
		if sec, err := l.store.Open(ctx, c.Handle); err == nil && !sec.Empty() {
			ss.login, ss.loginKind = sec, c.Kind
		} else {
			l.log.WithFields(fields).Warn("login credential unavailable; ssh will prompt")
		}
	}
	if req.Elevation.HasSecret() {
		h := *req.Elevation.Secret
		if req.Credential != nil && h == req.Credential.Handle && ss.login != nil {
			ss.elevation = ss.login
			return ss
		}
		ss.handles = append(ss.handles, h)
		if sec, err := l.store.Open(ctx, h); err == nil && !sec.Empty() {
			ss.elevation = sec
		} else {
			l.log.WithFields(fields).Warn("elevation credential unavailable; prompt left to the user")
		}
	}
	return ss
}

// releaseRequest releases the handles a request carries when no session
// takes ownership of them.
func releaseRequest(store SecretStore, req LaunchRequest) {
	if store == nil {
		return
	}
	if c := req.Credential; c != nil && c.Present() {
		ReleaseHandle(store, c.Handle)
	}
	if req.Elevation.HasSecret() {
		h := *req.Elevation.Secret
		if req.Credential == nil || h != req.Credential.Handle {
			ReleaseHandle(store, h)
		}
	}
}

// sessionSecrets owns the opened secrets of one session. The login secret is
// dropped once the handshake completed; the elevation secret once every
// expected prompt was answered; everything on session end.
type sessionSecrets struct {
	store   SecretStore
	handles []SecretHandle

	mu        sync.Mutex
	login     *Secret
	loginKind CredentialKind
	elevation *Secret
}

func (ss *sessionSecrets) hasLogin() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.login != nil
}

func (ss *sessionSecrets) hasElevation() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.elevation != nil
}

func (ss *sessionSecrets) loginFor(kind CredentialKind) ([]byte, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.login == nil || kind != ss.loginKind {
		return nil, false
	}
	return append([]byte(nil), ss.login.Bytes()...), true
}

// typeElevation writes the elevation secret and a carriage return.
func (ss *sessionSecrets) typeElevation(w io.Writer) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.elevation == nil {
		return nil
	}
	buf := append(append([]byte(nil), ss.elevation.Bytes()...), '\r')
	defer wipeBytes(buf)
	_, err := w.Write(buf)
	return err
}

func (ss *sessionSecrets) dropLogin() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.login != nil && ss.login != ss.elevation {
		ss.login.Wipe()
	}
	ss.login = nil
}

func (ss *sessionSecrets) dropElevation() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.elevation != nil && ss.elevation != ss.login {
		ss.elevation.Wipe()
	}
	ss.elevation = nil
}

func (ss *sessionSecrets) releaseAll() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.login.Wipe()
	ss.elevation.Wipe()
	ss.login, ss.elevation = nil, nil
	for _, h := range ss.handles {
		ReleaseHandle(ss.store, h)
	}
	ss.handles = nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) attach(w io.Writer) {
	lw.mu.Lock()
	lw.w = w
	lw.mu.Unlock()
}

func (lw *lockedWriter) Write(b []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.w == nil {
		return 0, io.ErrClosedPipe
	}
	return lw.w.Write(b)
}

// SessionResult is how a session ended.
type SessionResult struct {
	State    SessionState
	ExitCode int
	Err      error
}

// Session is one running ssh client.
type Session struct {
	ID  string
	Key SessionKey

	l       *Launcher
	log     logrus.FieldLogger
	argv    []string
	proc    Process
	w       *lockedWriter
	broker  *AskpassBroker
	secrets *sessionSecrets
	watcher *promptWatcher
	startup []string
	delay   time.Duration

	active  atomic.Bool
	closing atomic.Bool
	done    chan struct{}
	result  SessionResult
}

// Argv is the ssh argument vector the session was started with.
func (s *Session) Argv() []string { return append([]string(nil), s.argv...) }

func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ended.
func (s *Session) Wait() SessionResult {
	<-s.done
	return s.result
}

// PTY returns the terminal master when the transport provides one.
func (s *Session) PTY() (*os.File, bool) {
	p, ok := s.proc.(interface{ PTY() *os.File })
	if !ok {
		return nil, false
	}
	return p.PTY(), true
}

// Close terminates the session. The record ends as closed.
func (s *Session) Close() error {
	if s.closing.Swap(true) {
		<-s.done
		return nil
	}
	err := s.proc.Kill()
	<-s.done
	return err
}

// markActive runs when ssh reports a completed handshake.
func (s *Session) markActive() {
	if !s.l.registry.Transition(s.Key, StateActive) {
		return
	}
	s.active.Store(true)
	s.secrets.dropLogin()
	s.log.Info("session active")
	if len(s.startup) > 0 {
		go s.typeStartup()
	}
}

func (s *Session) typeStartup() {
	select {
	case <-time.After(s.delay):
	case <-s.done:
		return
	}
	elevate := s.secrets.hasElevation()
	for i, cmd := range s.startup {
		if i > 0 {
			select {
			case <-time.After(s.l.opts.CommandGap):
			case <-s.done:
				return
			}
		}
		if elevate {
			cmd, _ = rewriteSudo(cmd)
		}
		if _, err := io.WriteString(s.w, cmd+"\r"); err != nil {
			s.log.WithError(err).Debug("startup command not delivered")
			return
		}
	}
}

func (s *Session) supervise(ctx context.Context) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()
	if in := s.l.opts.Stdin; in != nil {
		go func() { _, _ = io.Copy(s.w, in) }()
	}

	var tail outputTail
	buf := make([]byte, 4096)
	for {
		n, rerr := s.proc.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = s.l.opts.Stdout.Write(chunk)
			tail.Write(chunk)
			// Prompts before the handshake belong to ssh itself.
			if s.active.Load() && s.watcher.Check(&tail) {
				if err := s.secrets.typeElevation(s.w); err != nil {
					s.log.WithError(err).Warn("elevation secret not delivered")
				}
				if s.watcher.Done() {
					s.secrets.dropElevation()
				}
			}
		}
		if rerr != nil {
			break
		}
	}

	code, werr := s.proc.Wait()
	state, err := classifyExit(code, werr, s.active.Load(), s.closing.Load(), tail.String())
	if err != nil {
		err = targetErr("session", s.Key, err)
	}
	_ = s.broker.Close()
	s.secrets.releaseAll()

	s.l.registry.Transition(s.Key, state)
	s.l.registry.End(s.Key)

	_ = s.proc.Close()

	entry := s.log.WithFields(logrus.Fields{"exit": code, "state": string(state)})
	if err != nil {
		entry.WithError(err).Warn("session failed")
	} else {
		entry.Info("session closed")
	}
	s.result = SessionResult{State: state, ExitCode: code, Err: err}
	close(s.done)
}

// classifyExit maps how ssh ended to a terminal state. ssh reserves exit
// status 255 for its own errors; anything else is the remote command's.
func classifyExit(code int, waitErr error, active, closing bool, tail string) (SessionState, error) {
	switch {
	case closing:
		return StateClosed, nil
	case waitErr != nil:
		return StateFailed, fmt.Errorf("%w: %v", ErrTransportIO, waitErr)
	case code == 255 && !active && authRejected(tail):
		return StateFailed, ErrTransportAuthRejected
	case code == 255 && !active:
		return StateFailed, ErrTransportHandshakeFailed
	case code == 255:
		return StateFailed, ErrTransportIO
	case code < 0:
		return StateFailed, ErrTransportIO
	default:
		return StateClosed, nil
	}
}
