package manager

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Environment handed to ssh (and inherited by its askpass and LocalCommand
// children) so they can reach the per-session broker.
const (
	EnvBroker = "SSHBOOT_BROKER"
	EnvToken  = "SSHBOOT_TOKEN"

	brokerServiceName = "Askpass"
	brokerDialTimeout = 10 * time.Second
)

var errBadToken = errors.New("askpass: invalid token")

// SecretProvider hands out the login secret for one prompt kind. The returned
// slice is a copy owned by the caller.
type SecretProvider func(kind CredentialKind) ([]byte, bool)

// AskpassBroker is a per-session unix socket that answers ssh's askpass
// requests and receives the handshake notification. It lives in a private
// 0700 directory and every call must present the one-time token.
type AskpassBroker struct {
	dir    string
	socket string
	token  string
	ln     net.Listener

	provide  SecretProvider
	onActive func()

	mu       sync.Mutex
	answered map[CredentialKind]bool

	activeOnce sync.Once
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// Broker RPC payloads. net/rpc only registers methods whose argument and
// reply types are exported.
type (
	SecretArgs struct {
		Token  string
		Prompt string
	}
	SecretReply struct {
		Handled bool
		Secret  []byte
	}
	ActiveArgs struct {
		Token string
	}
	ActiveReply struct{}
)

type askpassHandler struct {
	b *AskpassBroker
}

// Secret answers one askpass prompt. Each credential kind is answered at most
// once; repeats (wrong password) and unknown prompts are left to the user.
func (h *askpassHandler) Secret(req SecretArgs, resp *SecretReply) error {
	if !h.b.checkToken(req.Token) {
		return errBadToken
	}
	kind, ok := classifyAskpassPrompt(req.Prompt)
	if !ok || h.b.provide == nil {
		return nil
	}

	h.b.mu.Lock()
	if h.b.answered[kind] {
		h.b.mu.Unlock()
		return nil
	}
	h.b.answered[kind] = true
	h.b.mu.Unlock()

	secret, ok := h.b.provide(kind)
	if !ok {
		return nil
	}
	resp.Handled = true
	resp.Secret = secret
	return nil
}

// Active is called from ssh's LocalCommand once authentication succeeded.
func (h *askpassHandler) Active(req ActiveArgs, _ *ActiveReply) error {
	if !h.b.checkToken(req.Token) {
		return errBadToken
	}
	h.b.activeOnce.Do(func() {
		if h.b.onActive != nil {
			h.b.onActive()
		}
	})
	return nil
}

// StartAskpassBroker creates the socket and starts serving. provide may be
// nil when no login secret is injected; the broker then only relays the
// handshake notification.
func StartAskpassBroker(provide SecretProvider, onActive func()) (*AskpassBroker, error) {
	dir, err := os.MkdirTemp("", "ssh-bootstrap-")
	if err != nil {
		return nil, fmt.Errorf("create broker dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("chmod broker dir: %w", err)
	}
	token, err := randomToken()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	socket := filepath.Join(dir, "broker.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("listen broker socket: %w", err)
	}
	if err := os.Chmod(socket, 0o600); err != nil {
		_ = ln.Close()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("chmod broker socket: %w", err)
	}

	b := &AskpassBroker{
		dir:      dir,
		socket:   socket,
		token:    token,
		ln:       ln,
		provide:  provide,
		onActive: onActive,
		answered: make(map[CredentialKind]bool),
	}
	srv := rpc.NewServer()
	if err := srv.RegisterName(brokerServiceName, &askpassHandler{b: b}); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("register broker: %w", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				_ = conn.SetDeadline(time.Now().Add(brokerDialTimeout))
				srv.ServeCodec(jsonrpc.NewServerCodec(conn))
			}()
		}
	}()
	return b, nil
}

func (b *AskpassBroker) Socket() string { return b.socket }
func (b *AskpassBroker) Token() string  { return b.token }

// Env returns the variables that point children at this broker.
func (b *AskpassBroker) Env() []string {
	return []string{EnvBroker + "=" + b.socket, EnvToken + "=" + b.token}
}

// Close stops serving and removes the socket directory.
func (b *AskpassBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.ln.Close()
		b.wg.Wait()
		if rmErr := os.RemoveAll(b.dir); rmErr != nil && err == nil {
			err = rmErr
		}
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (b *AskpassBroker) checkToken(t string) bool {
	return len(t) == len(b.token) && subtle.ConstantTimeCompare([]byte(t), []byte(b.token)) == 1
}

func randomToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate broker token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// classifyAskpassPrompt maps an ssh prompt to the credential kind it asks
// for. Host key confirmations and other questions are not secrets.
func classifyAskpassPrompt(prompt string) (CredentialKind, bool) {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "(yes/no"), strings.Contains(p, "continue connecting"):
		return "", false
	case strings.Contains(p, "passphrase"):
		return CredentialKeyPassphrase, true
	case strings.Contains(p, "password"):
		return CredentialPassword, true
	default:
		return "", false
	}
}

func dialBroker(ctx context.Context, socket string) (*rpc.Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(brokerDialTimeout))
	return rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn)), nil
}

// RequestAskpass asks the broker for the answer to prompt. handled=false
// means the caller should ask the user.
func RequestAskpass(ctx context.Context, socket, token, prompt string) (secret []byte, handled bool, err error) {
	client, err := dialBroker(ctx, socket)
	if err != nil {
		return nil, false, fmt.Errorf("dial broker: %w", err)
	}
	defer client.Close()

	var resp SecretReply
	if err := client.Call(brokerServiceName+".Secret", SecretArgs{Token: token, Prompt: prompt}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Secret, resp.Handled, nil
}

// NotifyActive reports a completed handshake to the broker.
func NotifyActive(ctx context.Context, socket, token string) error {
	client, err := dialBroker(ctx, socket)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer client.Close()
	return client.Call(brokerServiceName+".Active", ActiveArgs{Token: token}, &ActiveReply{})
}
