package manager

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeProcess stands in for an ssh client on a PTY. The test script feeds
// output through emit and ends it with finish. Output emitted after finish is
// dropped.
type fakeProcess struct {
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	input bytes.Buffer
	exit  int
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{out: make(chan []byte, 16), done: make(chan struct{})}
}

func (p *fakeProcess) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.out:
		return copy(b, chunk), nil
	case <-p.done:
	}
	// Drain what was emitted before finish.
	select {
	case chunk := <-p.out:
		return copy(b, chunk), nil
	default:
		return 0, io.EOF
	}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(b)
}

func (p *fakeProcess) Wait() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, nil
}

func (p *fakeProcess) Kill() error {
	p.finish(-1)
	return nil
}

func (p *fakeProcess) Close() error { return nil }

func (p *fakeProcess) emit(s string) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.out <- []byte(s):
	case <-p.done:
	}
}

func (p *fakeProcess) finish(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exit = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) typed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// waitTyped polls until the session wrote want into the process.
func (p *fakeProcess) waitTyped(want string) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(p.typed(), want) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

type fakeTransport struct {
	mu     sync.Mutex
	argv   []string
	env    []string
	proc   *fakeProcess
	err    error
	script func(p *fakeProcess, env map[string]string)
}

func (f *fakeTransport) Start(_ context.Context, argv, env []string) (Process, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := newFakeProcess()
	f.mu.Lock()
	f.argv, f.env, f.proc = argv, env, p
	f.mu.Unlock()

	vars := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	if f.script != nil {
		go f.script(p, vars)
	}
	return p, nil
}

// authenticate plays ssh's side of a password login through the broker.
func authenticate(p *fakeProcess, env map[string]string, got chan<- string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	secret, handled, err := RequestAskpass(ctx, env[EnvBroker], env[EnvToken], "bob@web1's password: ")
	if got != nil {
		switch {
		case err != nil:
			got <- "error: " + err.Error()
		case !handled:
			got <- "unhandled"
		default:
			got <- string(secret)
		}
	}
	_ = NotifyActive(ctx, env[EnvBroker], env[EnvToken])
}

const testSelf = "/usr/local/bin/ssh-bootstrap"

func newTestLauncher(reg *Registry, store SecretStore, tr Transport) *Launcher {
	return NewLauncher(reg, store, LauncherOptions{
		SSHBinary:    "ssh",
		SelfPath:     testSelf,
		Transport:    tr,
		Env:          []string{"PATH=/usr/bin", "SSH_ASKPASS=/usr/libexec/x11-ssh-askpass", "HOME=/home/bob"},
		ConnectDelay: time.Millisecond,
		CommandGap:   time.Millisecond,
	}, quietLogger())
}

func loginCredential() *Credential {
	scope := CredentialScope{Host: "web1", Username: "bob"}
	return &Credential{
		Scope:  scope,
		Kind:   CredentialPassword,
		Handle: NewSecretHandle("mem", scope, storeKindPassword, "bob"),
	}
}

func sudoHandle() *SecretHandle {
	h := NewSecretHandle("mem", CredentialScope{Host: "web1", Username: "bob", Elevation: true}, storeKindSudo, "bob")
	return &h
}

func testStore() *memStore {
	return newMemStore("mem").
		put("web1", "bob", storeKindPassword, "hunter2").
		put("web1", "bob", storeKindSudo, "s3cret")
}

func mustIntent(t *testing.T, line string) ConnectionIntent {
	t.Helper()
	ci, ok := ParseIntent(line)
	if !ok {
		t.Fatalf("expected %q to parse", line)
	}
	return ci
}

func waitResult(t *testing.T, s *Session) SessionResult {
	t.Helper()
	select {
	case <-s.Done():
		return s.Wait()
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not end")
		return SessionResult{}
	}
}

func TestLauncher_PasswordLogin(t *testing.T) {
	reg := NewRegistry()
	store := testStore()
	got := make(chan string, 1)
	tr := &fakeTransport{script: func(p *fakeProcess, env map[string]string) {
		authenticate(p, env, got)
		p.emit("Welcome to web1\r\n$ ")
		p.finish(0)
	}}
	l := newTestLauncher(reg, store, tr)

	req := LaunchRequest{Intent: mustIntent(t, "ssh bob@web1"), Credential: loginCredential()}
	s, err := l.Launch(context.Background(), req)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	res := waitResult(t, s)

	if secret := <-got; secret != "hunter2" {
		t.Fatalf("expected login secret via askpass, got %q", secret)
	}
	if res.State != StateClosed || res.Err != nil || res.ExitCode != 0 {
		t.Fatalf("expected clean close, got %+v", res)
	}
	for _, a := range append(s.Argv(), tr.env...) {
		if strings.Contains(a, "hunter2") {
			t.Fatalf("expected no secret in argv or env, got %q", a)
		}
	}
	env := strings.Join(tr.env, "\n")
	if !strings.Contains(env, "SSH_ASKPASS="+testSelf) || !strings.Contains(env, "SSH_ASKPASS_REQUIRE=force") {
		t.Fatalf("expected askpass env, got %q", env)
	}
	if strings.Contains(env, "x11-ssh-askpass") {
		t.Fatalf("expected inherited SSH_ASKPASS dropped")
	}
	if _, ok := reg.Get(req.Intent.Key()); ok {
		t.Fatalf("expected registry entry removed after session end")
	}
	if len(store.releasedRefs()) != 1 {
		t.Fatalf("expected login handle released, got %v", store.releasedRefs())
	}
}

func TestLauncher_RemoteSudoInjectsElevation(t *testing.T) {
	reg := NewRegistry()
	store := testStore()
	var states []SessionState
	var mu sync.Mutex
	reg.OnTransition(func(rec SessionRecord, _ SessionState) {
		mu.Lock()
		states = append(states, rec.State)
		mu.Unlock()
	})

	tr := &fakeTransport{}
	tr.script = func(p *fakeProcess, env map[string]string) {
		authenticate(p, env, nil)
		p.emit("\r\n" + elevationMarker)
		if !p.waitTyped("s3cret\r") {
			p.finish(1)
			return
		}
		p.emit("\r\n")
		p.finish(0)
	}
	l := newTestLauncher(reg, store, tr)

	intent := mustIntent(t, `ssh bob@web1 "sudo systemctl restart app"`)
	req := LaunchRequest{
		Intent:     intent,
		Credential: loginCredential(),
		Elevation:  ElevationPlan{Required: true, Method: ElevationSudoInline, Prompts: 1, Secret: sudoHandle()},
	}
	s, err := l.Launch(context.Background(), req)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	res := waitResult(t, s)
	if res.State != StateClosed || res.ExitCode != 0 {
		t.Fatalf("expected elevated command to finish, got %+v", res)
	}

	want := []string{
		"ssh",
		"-o", "NumberOfPasswordPrompts=1",
		"-o", "PermitLocalCommand=yes",
		"-o", "LocalCommand=" + testSelf + " " + NotifyArg,
		"-t",
		"bob@web1",
		"sudo -p " + shellQuote(elevationMarker) + " systemctl restart app",
	}
	if !reflect.DeepEqual(s.Argv(), want) {
		t.Fatalf("expected argv %q, got %q", want, s.Argv())
	}
	if strings.Contains(strings.Join(s.Argv(), " "), "s3cret") {
		t.Fatalf("expected no elevation secret in argv")
	}
	mu.Lock()
	defer mu.Unlock()
	wantStates := []SessionState{StateLaunching, StateActive, StateClosed}
	if !reflect.DeepEqual(states, wantStates) {
		t.Fatalf("expected states %v, got %v", wantStates, states)
	}
	if len(store.releasedRefs()) != 2 {
		t.Fatalf("expected both handles released, got %v", store.releasedRefs())
	}
}

func TestLauncher_StartupCommandsAfterActive(t *testing.T) {
	reg := NewRegistry()
	store := testStore()
	tr := &fakeTransport{}
	tr.script = func(p *fakeProcess, env map[string]string) {
		authenticate(p, env, nil)
		if !p.waitTyped("sudo -p ") {
			p.finish(1)
			return
		}
		p.emit("\r\n" + elevationMarker)
		if !p.waitTyped("s3cret\r") {
			p.finish(1)
			return
		}
		p.emit("root# ")
		p.finish(0)
	}
	l := newTestLauncher(reg, store, tr)

	cfg := &Config{Hosts: []Host{{Name: "web1", OnConnect: []string{"sudo -i"}}}}
	host := cfg.Lookup("web1")
	intent := mustIntent(t, "ssh bob@web1")
	plan := NewElevationPlanner(nil, quietLogger()).Detect(intent, ElevationPolicy{StartupCommands: host.StartupCommands()})
	plan.Secret = sudoHandle()

	s, err := l.Launch(context.Background(), LaunchRequest{Intent: intent, Credential: loginCredential(), Elevation: plan, Host: host})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	res := waitResult(t, s)
	if res.State != StateClosed || res.ExitCode != 0 {
		t.Fatalf("expected startup elevation to complete, got %+v", res)
	}
	typed := tr.proc.typed()
	if !strings.HasPrefix(typed, "sudo -p "+shellQuote(elevationMarker)+" -i\r") {
		t.Fatalf("expected rewritten startup command first, got %q", typed)
	}
	for _, a := range s.Argv() {
		if a == "-t" {
			t.Fatalf("expected no -t for an interactive session")
		}
	}
}

func TestLauncher_DuplicateTarget(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	tr := &fakeTransport{script: func(p *fakeProcess, _ map[string]string) {
		<-release
		p.finish(0)
	}}
	l := newTestLauncher(reg, nil, tr)

	req := LaunchRequest{Intent: mustIntent(t, "ssh bob@web1")}
	s, err := l.Launch(context.Background(), req)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	dupReq := LaunchRequest{Intent: mustIntent(t, "ssh -p 22 bob@WEB1.")}
	if _, err := l.Launch(context.Background(), dupReq); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}
	other := LaunchRequest{Intent: mustIntent(t, "ssh alice@web1")}
	s2, err := l.Launch(context.Background(), other)
	if err != nil {
		t.Fatalf("expected a different user to launch, got %v", err)
	}

	close(release)
	waitResult(t, s)
	waitResult(t, s2)
	if _, err := l.Launch(context.Background(), req); err != nil {
		t.Fatalf("expected relaunch after the session ended, got %v", err)
	}
}

func TestLauncher_AuthRejected(t *testing.T) {
	reg := NewRegistry()
	store := testStore()
	tr := &fakeTransport{script: func(p *fakeProcess, env map[string]string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _, _ = RequestAskpass(ctx, env[EnvBroker], env[EnvToken], "bob@web1's password: ")
		p.emit("bob@web1: Permission denied (publickey,password).\r\n")
		p.finish(255)
	}}
	l := newTestLauncher(reg, store, tr)

	s, err := l.Launch(context.Background(), LaunchRequest{Intent: mustIntent(t, "ssh bob@web1"), Credential: loginCredential()})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	res := waitResult(t, s)
	if res.State != StateFailed || !errors.Is(res.Err, ErrTransportAuthRejected) {
		t.Fatalf("expected auth rejected, got %+v", res)
	}
	if msg := res.Err.Error(); strings.Contains(msg, "hunter2") || !strings.Contains(msg, "bob@web1:22") {
		t.Fatalf("expected error naming only the target, got %q", msg)
	}
}

func TestLauncher_StartFailureReleasesEverything(t *testing.T) {
	reg := NewRegistry()
	store := testStore()
	tr := &fakeTransport{err: errors.New("exec: \"ssh\": executable file not found in $PATH")}
	l := newTestLauncher(reg, store, tr)

	req := LaunchRequest{Intent: mustIntent(t, "ssh bob@web1"), Credential: loginCredential()}
	if _, err := l.Launch(context.Background(), req); !errors.Is(err, ErrTransportIO) {
		t.Fatalf("expected ErrTransportIO, got %v", err)
	}
	if _, ok := reg.Get(req.Intent.Key()); ok {
		t.Fatalf("expected no registry entry after a failed start")
	}
	if len(store.releasedRefs()) != 1 {
		t.Fatalf("expected handle released, got %v", store.releasedRefs())
	}
}

func TestSession_CloseEndsClosed(t *testing.T) {
	reg := NewRegistry()
	tr := &fakeTransport{script: func(p *fakeProcess, _ map[string]string) {
		p.emit("$ ")
	}}
	l := newTestLauncher(reg, nil, tr)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := l.Launch(ctx, LaunchRequest{Intent: mustIntent(t, "ssh web1")})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	cancel()
	res := waitResult(t, s)
	if res.State != StateClosed || res.Err != nil {
		t.Fatalf("expected cancelled session to close cleanly, got %+v", res)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("expected second close to be a no-op, got %v", err)
	}
}

func TestBuildArgv(t *testing.T) {
	l := newTestLauncher(NewRegistry(), nil, &fakeTransport{})
	notify := []string{"-o", "PermitLocalCommand=yes", "-o", "LocalCommand=" + testSelf + " " + NotifyArg}

	cases := []struct {
		name string
		req  LaunchRequest
		want []string
	}{
		{
			name: "plain",
			req:  LaunchRequest{Intent: mustIntent(t, "ssh web1")},
			want: append(append([]string{"ssh"}, notify...), "web1"),
		},
		{
			name: "typed default port",
			req:  LaunchRequest{Intent: mustIntent(t, "ssh -p 22 alice@db")},
			want: append(append([]string{"ssh", "-p", "22"}, notify...), "alice@db"),
		},
		{
			name: "inventory default port",
			req: LaunchRequest{
				Intent: mustIntent(t, "ssh db").WithPort(22),
				Host:   ResolvedHost{EffectivePort: 22},
			},
			want: append(append([]string{"ssh", "-p", "22"}, notify...), "db"),
		},
		{
			name: "inventory port jump identity",
			req: LaunchRequest{
				Intent: mustIntent(t, "ssh alice@db").WithHost("db.internal").WithPort(2222),
				Host:   ResolvedHost{EffectiveJumpHost: "bastion", EffectiveIdentityFile: "/keys/db"},
			},
			want: append(append([]string{"ssh", "-p", "2222", "-J", "bastion", "-i", "/keys/db"}, notify...), "alice@db.internal"),
		},
		{
			name: "typed jump and options pass through",
			req: LaunchRequest{
				Intent: mustIntent(t, "ssh -J edge -v web1 uptime"),
				Host:   ResolvedHost{EffectiveJumpHost: "bastion"},
			},
			want: append(append([]string{"ssh"}, notify...), "-J", "edge", "-v", "web1", "uptime"),
		},
		{
			name: "ipv6",
			req:  LaunchRequest{Intent: mustIntent(t, "ssh root@[2001:db8::1]:2022")},
			want: append(append([]string{"ssh", "-p", "2022"}, notify...), "root@2001:db8::1"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := l.BuildArgv(tc.req, false, false)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestBuildArgv_EscapesLocalCommandTokens(t *testing.T) {
	l := NewLauncher(NewRegistry(), nil, LauncherOptions{SelfPath: "/opt/100% tools/ssh-bootstrap", Transport: &fakeTransport{}}, quietLogger())
	argv := l.BuildArgv(LaunchRequest{Intent: mustIntent(t, "ssh web1")}, false, false)
	want := "LocalCommand='/opt/100%% tools/ssh-bootstrap' " + NotifyArg
	found := false
	for _, a := range argv {
		if a == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %q in %q", want, argv)
	}
}

func TestClassifyExit(t *testing.T) {
	denied := "Permission denied (publickey).\n"
	cases := []struct {
		name    string
		code    int
		waitErr error
		active  bool
		closing bool
		tail    string
		state   SessionState
		err     error
	}{
		{"clean exit", 0, nil, true, false, "", StateClosed, nil},
		{"remote command status", 3, nil, true, false, "", StateClosed, nil},
		{"closed by us", -1, nil, true, true, "", StateClosed, nil},
		{"auth rejected", 255, nil, false, false, denied, StateFailed, ErrTransportAuthRejected},
		{"handshake failed", 255, nil, false, false, "Connection refused\n", StateFailed, ErrTransportHandshakeFailed},
		{"denied text after login", 255, nil, true, false, denied, StateFailed, ErrTransportIO},
		{"signal", -1, nil, true, false, "", StateFailed, ErrTransportIO},
		{"wait error", 0, errors.New("wait: no child"), false, false, "", StateFailed, ErrTransportIO},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state, err := classifyExit(tc.code, tc.waitErr, tc.active, tc.closing, tc.tail)
			if state != tc.state {
				t.Fatalf("expected state %s, got %s", tc.state, state)
			}
			if tc.err == nil && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestSessionSecrets_SharedLoginAndElevation(t *testing.T) {
	store := testStore()
	cred := loginCredential()
	h := cred.Handle
	l := newTestLauncher(NewRegistry(), store, &fakeTransport{})

	ss := l.openSecrets(context.Background(), LaunchRequest{
		Credential: cred,
		Elevation:  ElevationPlan{Required: true, Method: ElevationSuPrompt, Secret: &h},
	}, nil)
	if !ss.hasLogin() || !ss.hasElevation() {
		t.Fatalf("expected shared secret for login and elevation")
	}
	backing := ss.login.Bytes()

	ss.dropLogin()
	if !ss.hasElevation() {
		t.Fatalf("expected elevation to survive the login drop")
	}
	var w bytes.Buffer
	if err := ss.typeElevation(&w); err != nil || w.String() != "hunter2\r" {
		t.Fatalf("expected typed secret, got %q (%v)", w.String(), err)
	}
	ss.releaseAll()
	if !bytes.Equal(backing, make([]byte, len(backing))) {
		t.Fatalf("expected secret wiped on release")
	}
	if len(store.releasedRefs()) != 1 {
		t.Fatalf("expected the shared handle released once, got %v", store.releasedRefs())
	}
}

func TestLauncher_DuplicateReleasesResolvedSecrets(t *testing.T) {
	reg := NewRegistry()
	store := testStore()
	l := newTestLauncher(reg, store, &fakeTransport{})

	req := LaunchRequest{
		Intent:     mustIntent(t, `ssh bob@web1 "sudo reboot"`),
		Credential: loginCredential(),
		Elevation:  ElevationPlan{Required: true, Method: ElevationSudoInline, Prompts: 1, Secret: sudoHandle()},
	}
	if _, ok := reg.TryBegin(req.Intent.Key()); !ok {
		t.Fatalf("expected first registration to win")
	}
	if _, err := l.Launch(context.Background(), req); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}
	if got := store.releasedRefs(); len(got) != 2 {
		t.Fatalf("expected login and elevation handles released, got %v", got)
	}
}

func TestLauncher_InteractiveElevationFallback(t *testing.T) {
	reg := NewRegistry()
	store := testStore()
	var states []SessionState
	var mu sync.Mutex
	reg.OnTransition(func(rec SessionRecord, _ SessionState) {
		mu.Lock()
		states = append(states, rec.State)
		mu.Unlock()
	})

	tr := &fakeTransport{}
	tr.script = func(p *fakeProcess, env map[string]string) {
		authenticate(p, env, nil)
		p.emit("[sudo] password for bob: ")
		time.Sleep(50 * time.Millisecond)
		p.finish(0)
	}
	l := newTestLauncher(reg, store, tr)

	req := LaunchRequest{
		Intent:     mustIntent(t, `ssh bob@web1 "sudo systemctl restart app"`),
		Credential: loginCredential(),
		Elevation:  ElevationPlan{Required: true, Method: ElevationSudoInline, Prompts: 1},
	}
	s, err := l.Launch(context.Background(), req)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	res := waitResult(t, s)
	if res.State != StateClosed || res.Err != nil {
		t.Fatalf("expected clean close, got %+v", res)
	}

	argv := s.Argv()
	if argv[len(argv)-1] != "sudo systemctl restart app" {
		t.Fatalf("expected remote command unchanged, got %q", argv[len(argv)-1])
	}
	hasT := false
	for _, a := range argv {
		if a == "-t" {
			hasT = true
		}
	}
	if !hasT {
		t.Fatalf("expected -t so the user can answer sudo, got %q", argv)
	}
	if typed := tr.proc.typed(); typed != "" {
		t.Fatalf("expected nothing typed into the session, got %q", typed)
	}
	mu.Lock()
	defer mu.Unlock()
	wantStates := []SessionState{StateLaunching, StateActive, StateClosed}
	if !reflect.DeepEqual(states, wantStates) {
		t.Fatalf("expected states %v, got %v", wantStates, states)
	}
}

func TestLauncher_SuPromptIgnoredBeforeHandshake(t *testing.T) {
	reg := NewRegistry()
	store := testStore()
	before := make(chan string, 1)
	tr := &fakeTransport{}
	tr.script = func(p *fakeProcess, env map[string]string) {
		// keyboard-interactive login prompt from ssh itself
		p.emit("Password: ")
		time.Sleep(50 * time.Millisecond)
		before <- p.typed()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = NotifyActive(ctx, env[EnvBroker], env[EnvToken])
		p.emit("\r\nPassword: ")
		if !p.waitTyped("s3cret\r") {
			p.finish(1)
			return
		}
		p.finish(0)
	}
	l := newTestLauncher(reg, store, tr)

	req := LaunchRequest{
		Intent:    mustIntent(t, "ssh bob@web1 su -"),
		Elevation: ElevationPlan{Required: true, Method: ElevationSuPrompt, Prompts: 1, Secret: sudoHandle()},
	}
	s, err := l.Launch(context.Background(), req)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	res := waitResult(t, s)
	if got := <-before; got != "" {
		t.Fatalf("expected no secret typed at the login prompt, got %q", got)
	}
	if res.State != StateClosed || res.ExitCode != 0 {
		t.Fatalf("expected su answered after the handshake, got %+v", res)
	}
	if typed := tr.proc.typed(); typed != "s3cret\r" {
		t.Fatalf("expected one elevation answer, got %q", typed)
	}
}

func TestLauncher_StaleNotifyDoesNotTouchNextSession(t *testing.T) {
	reg := NewRegistry()
	first := &fakeTransport{script: func(p *fakeProcess, _ map[string]string) {
		p.finish(255)
	}}
	req := LaunchRequest{Intent: mustIntent(t, "ssh bob@web1")}
	s1, err := newTestLauncher(reg, nil, first).Launch(context.Background(), req)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitResult(t, s1)

	old := make(map[string]string)
	for _, kv := range first.env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			old[k] = v
		}
	}

	release := make(chan struct{})
	second := &fakeTransport{script: func(p *fakeProcess, _ map[string]string) {
		<-release
		p.finish(0)
	}}
	s2, err := newTestLauncher(reg, nil, second).Launch(context.Background(), req)
	if err != nil {
		t.Fatalf("expected relaunch, got %v", err)
	}
	defer func() {
		close(release)
		waitResult(t, s2)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := NotifyActive(ctx, old[EnvBroker], old[EnvToken]); err == nil {
		t.Fatalf("expected the ended session's broker to be gone")
	}
	if rec, ok := reg.Get(req.Intent.Key()); !ok || rec.State != StateLaunching {
		t.Fatalf("expected the new session still launching, got %+v", rec)
	}
}
