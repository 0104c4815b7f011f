package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const redacted = "[redacted]"

// CredentialKind is what a stored secret unlocks.
type CredentialKind string

const (
	CredentialPassword      CredentialKind = "password"
	CredentialKeyPassphrase CredentialKind = "keyPassphrase"
	CredentialNone          CredentialKind = "none"
)

// Backend kind strings as they are stored in secret stores. Elevation secrets
// live under their own kind so they never collide with login passwords.
const (
	storeKindPassword   = "password"
	storeKindPassphrase = "passphrase"
	storeKindSudo       = "sudo"
)

// NormalizeStoreKind maps user input ("sudo_password", "key", ...) to a
// backend kind.
func NormalizeStoreKind(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "password", "login":
		return storeKindPassword, nil
	case "passphrase", "key", "key_password", "keypassphrase":
		return storeKindPassphrase, nil
	case "sudo", "sudo_password", "elevation", "su":
		return storeKindSudo, nil
	default:
		return "", fmt.Errorf("unknown credential kind %q (expected password|passphrase|sudo)", kind)
	}
}

func storeKindFor(kind CredentialKind, elevation bool) string {
	switch {
	case elevation:
		return storeKindSudo
	case kind == CredentialKeyPassphrase:
		return storeKindPassphrase
	default:
		return storeKindPassword
	}
}

func credentialKindFor(storeKind string) CredentialKind {
	if storeKind == storeKindPassphrase {
		return CredentialKeyPassphrase
	}
	return CredentialPassword
}

// CredentialScope is the (host, username) pair a secret belongs to. An empty
// Username in a lookup means "any username for this host".
type CredentialScope struct {
	Host      string
	Username  string
	Elevation bool
}

// Account is the store account name: the username, or the host itself for
// host-wide entries.
func (s CredentialScope) Account() string {
	if u := strings.TrimSpace(s.Username); u != "" {
		return u
	}
	return s.Host
}

func (s CredentialScope) normalized() CredentialScope {
	s.Host = NormalizeHostFull(s.Host)
	s.Username = strings.TrimSpace(s.Username)
	return s
}

// SecretHandle is an opaque reference to a secret inside one store. It never
// holds secret bytes and always renders as [redacted].
type SecretHandle struct {
	store string
	scope CredentialScope
	kind  string
	ref   string
}

// NewSecretHandle is for SecretStore implementations.
func NewSecretHandle(store string, scope CredentialScope, kind, ref string) SecretHandle {
	return SecretHandle{store: store, scope: scope, kind: kind, ref: ref}
}

func (h SecretHandle) Valid() bool            { return h.store != "" }
func (h SecretHandle) Store() string          { return h.store }
func (h SecretHandle) Scope() CredentialScope { return h.scope }
func (h SecretHandle) Kind() string           { return h.kind }
func (h SecretHandle) Ref() string            { return h.ref }

func (h SecretHandle) String() string                    { return redacted }
func (h SecretHandle) GoString() string                  { return redacted }
func (h SecretHandle) MarshalJSON() ([]byte, error)      { return []byte(`"` + redacted + `"`), nil }
func (h SecretHandle) MarshalYAML() (interface{}, error) { return redacted, nil }

// Secret is raw secret material opened from a store. Callers must Wipe it as
// soon as it has been handed to the transport.
type Secret struct {
	b []byte
}

// NewSecret takes ownership of b.
func NewSecret(b []byte) *Secret { return &Secret{b: b} }

func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

func (s *Secret) Empty() bool { return s == nil || len(s.b) == 0 }

// Wipe zeroes the buffer. Safe to call more than once and on nil.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	wipeBytes(s.b)
	s.b = nil
}

func (s *Secret) String() string                    { return redacted }
func (s *Secret) GoString() string                  { return redacted }
func (s *Secret) MarshalJSON() ([]byte, error)      { return []byte(`"` + redacted + `"`), nil }
func (s *Secret) MarshalYAML() (interface{}, error) { return redacted, nil }

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Credential is a located (never constructed) reference to a stored secret.
type Credential struct {
	Scope  CredentialScope
	Kind   CredentialKind
	Handle SecretHandle
}

// Present reports whether the credential points at a stored secret.
func (c Credential) Present() bool {
	return c.Kind != "" && c.Kind != CredentialNone && c.Handle.Valid()
}

// SecretStore is a secret backend. Lookup must not return secret bytes;
// Open is the only way to dereference a handle.
type SecretStore interface {
	Name() string
	Lookup(ctx context.Context, scope CredentialScope, kind string) (SecretHandle, error)
	Open(ctx context.Context, h SecretHandle) (*Secret, error)
}

// WritableSecretStore is a store the cred subcommands can manage.
type WritableSecretStore interface {
	SecretStore
	Put(ctx context.Context, scope CredentialScope, kind string, secret []byte) error
	Delete(ctx context.Context, scope CredentialScope, kind string) error
}

// SecretReleaser is implemented by stores that keep secrets in memory
// between Lookup and Open.
type SecretReleaser interface {
	Release(h SecretHandle)
}

// ReleaseHandle lets the owning store drop any in-memory copy of h.
func ReleaseHandle(store SecretStore, h SecretHandle) {
	if r, ok := store.(SecretReleaser); ok && h.Valid() {
		r.Release(h)
	}
}

// errStoreUnavailable marks a backend that cannot run here (tool missing,
// keyring daemon down). The chain skips such stores.
var errStoreUnavailable = errors.New("secret store unavailable")

// pickAccount chooses the account for a lookup among the accounts a store
// holds for (host, kind): the exact username when one was given, otherwise
// the host-wide entry, otherwise the lexically first username.
func pickAccount(scope CredentialScope, accounts []string) (string, bool) {
	if len(accounts) == 0 {
		return "", false
	}
	if scope.Username != "" {
		for _, a := range accounts {
			if a == scope.Username {
				return a, true
			}
		}
		return "", false
	}
	sorted := append([]string(nil), accounts...)
	sort.Strings(sorted)
	for _, a := range sorted {
		if a == scope.Host {
			return a, true
		}
	}
	return sorted[0], true
}

// scopeForAccount rebuilds the scope a stored entry belongs to.
func scopeForAccount(scope CredentialScope, account string) CredentialScope {
	out := scope
	out.Username = ""
	if account != scope.Host {
		out.Username = account
	}
	return out
}

// ChainStore queries stores in order; the first hit wins.
type ChainStore struct {
	stores []SecretStore
	log    logrus.FieldLogger
}

func NewChainStore(log logrus.FieldLogger, stores ...SecretStore) *ChainStore {
	var keep []SecretStore
	for _, s := range stores {
		if s != nil {
			keep = append(keep, s)
		}
	}
	return &ChainStore{stores: keep, log: log}
}

func (c *ChainStore) Name() string { return "chain" }

// Stores returns the chained stores in lookup order.
func (c *ChainStore) Stores() []SecretStore {
	return append([]SecretStore(nil), c.stores...)
}

func (c *ChainStore) Lookup(ctx context.Context, scope CredentialScope, kind string) (SecretHandle, error) {
	for _, s := range c.stores {
		h, err := s.Lookup(ctx, scope, kind)
		if err == nil {
			return h, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SecretHandle{}, ctxErr
		}
		if !errors.Is(err, ErrCredentialNotFound) {
			c.log.WithFields(logrus.Fields{"store": s.Name(), "kind": kind}).WithError(err).Debug("secret store skipped")
		}
	}
	return SecretHandle{}, ErrCredentialNotFound
}

func (c *ChainStore) Open(ctx context.Context, h SecretHandle) (*Secret, error) {
	for _, s := range c.stores {
		if s.Name() == h.Store() {
			return s.Open(ctx, h)
		}
	}
	return nil, fmt.Errorf("open secret: store %q not configured", h.Store())
}

func (c *ChainStore) Release(h SecretHandle) {
	for _, s := range c.stores {
		if s.Name() == h.Store() {
			ReleaseHandle(s, h)
			return
		}
	}
}

// Resolver locates credentials for connection targets with a bounded wait.
type Resolver struct {
	store   SecretStore
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewResolver(store SecretStore, timeout time.Duration, log logrus.FieldLogger) *Resolver {
	if timeout <= 0 {
		timeout = defaultCredentialTimeout
	}
	return &Resolver{store: store, timeout: timeout, log: log}
}

// Store returns the backing store, for opening handles inside the launcher.
func (r *Resolver) Store() SecretStore { return r.store }

// Resolve finds a login password for (host, username).
func (r *Resolver) Resolve(ctx context.Context, host, username string) (Credential, error) {
	return r.ResolveKind(ctx, CredentialScope{Host: host, Username: username}, CredentialPassword)
}

// ResolveLogin finds the login secret. For passphrase-protected identity
// files the key passphrase is preferred over a password.
func (r *Resolver) ResolveLogin(ctx context.Context, host, username string, encryptedKey bool) (Credential, error) {
	scope := CredentialScope{Host: host, Username: username}
	if encryptedKey {
		cred, err := r.ResolveKind(ctx, scope, CredentialKeyPassphrase)
		if err == nil || !errors.Is(err, ErrCredentialNotFound) {
			return cred, err
		}
	}
	return r.ResolveKind(ctx, scope, CredentialPassword)
}

// ResolveElevation finds the sudo/su secret for (host, username).
func (r *Resolver) ResolveElevation(ctx context.Context, host, username string) (Credential, error) {
	return r.ResolveKind(ctx, CredentialScope{Host: host, Username: username, Elevation: true}, CredentialPassword)
}

// ResolveKind runs one lookup under the configured timeout. The result is
// ErrCredentialNotFound or ErrCredentialTimeout on failure; store errors are
// logged and degrade to not found.
func (r *Resolver) ResolveKind(ctx context.Context, scope CredentialScope, kind CredentialKind) (Credential, error) {
	scope = scope.normalized()
	if scope.Host == "" || r.store == nil {
		return Credential{Kind: CredentialNone}, ErrCredentialNotFound
	}
	fields := logrus.Fields{"host": scope.Host, "user": scope.Username, "kind": string(kind), "elevation": scope.Elevation}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		h   SecretHandle
		err error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := r.store.Lookup(ctx, scope, storeKindFor(kind, scope.Elevation))
		ch <- result{h: h, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
		// A lookup finishing after the deadline still owns a handle.
		go func() {
			if late := <-ch; late.err == nil {
				ReleaseHandle(r.store, late.h)
			}
		}()
	}

	switch {
	case res.err == nil:
		r.log.WithFields(fields).Debug("credential found")
		return Credential{Scope: res.h.Scope(), Kind: credentialKindFor(res.h.Kind()), Handle: res.h}, nil
	case errors.Is(res.err, context.DeadlineExceeded):
		r.log.WithFields(fields).Warn("credential lookup timed out")
		return Credential{Kind: CredentialNone}, ErrCredentialTimeout
	case errors.Is(res.err, context.Canceled):
		return Credential{Kind: CredentialNone}, res.err
	case errors.Is(res.err, ErrCredentialNotFound):
		r.log.WithFields(fields).Debug("no stored credential")
		return Credential{Kind: CredentialNone}, ErrCredentialNotFound
	default:
		r.log.WithFields(fields).WithError(res.err).Warn("credential lookup failed")
		return Credential{Kind: CredentialNone}, ErrCredentialNotFound
	}
}
