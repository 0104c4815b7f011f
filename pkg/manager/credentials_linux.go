//go:build linux
// +build linux

package manager

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Linux credential backend: Secret Service via `secret-tool`.
//
// Items carry the attributes app/host/user/kind. "user" is the account: the
// username, or the host itself for host-wide entries.
// Security: stdout of lookup/search carries secret material; it is wiped and
// never included in errors.

const secretServiceApp = "ssh-bootstrap"

type secretServiceStore struct{}

func platformSecretStore() WritableSecretStore { return &secretServiceStore{} }

func (s *secretServiceStore) Name() string { return string(CredBackendSecretService) }

func (s *secretServiceStore) Lookup(ctx context.Context, scope CredentialScope, kind string) (SecretHandle, error) {
	scope = scope.normalized()
	path, err := ensureSecretTool()
	if err != nil {
		return SecretHandle{}, err
	}

	if scope.Username != "" {
		out, stderr, err := runTool(ctx, path, nil, secretToolArgs("lookup", scope.Host, scope.Account(), kind)...)
		found := err == nil && len(bytes.TrimSpace(out)) > 0
		wipeBytes(out)
		if err != nil && looksLikeSecretServiceUnavailable(stderr) {
			return SecretHandle{}, fmt.Errorf("%w: %s", errStoreUnavailable, stderr)
		}
		if !found {
			return SecretHandle{}, ErrCredentialNotFound
		}
		return NewSecretHandle(s.Name(), scope, kind, scope.Account()), nil
	}

	accounts, err := secretToolAccounts(ctx, path, scope.Host, kind)
	if err != nil {
		return SecretHandle{}, err
	}
	account, ok := pickAccount(scope, accounts)
	if !ok {
		return SecretHandle{}, ErrCredentialNotFound
	}
	return NewSecretHandle(s.Name(), scopeForAccount(scope, account), kind, account), nil
}

func (s *secretServiceStore) Open(ctx context.Context, h SecretHandle) (*Secret, error) {
	path, err := ensureSecretTool()
	if err != nil {
		return nil, err
	}
	out, stderr, err := runTool(ctx, path, nil, secretToolArgs("lookup", h.Scope().Host, h.Ref(), h.Kind())...)
	if err != nil {
		wipeBytes(out)
		if looksLikeSecretServiceUnavailable(stderr) {
			return nil, fmt.Errorf("%w: %s", errStoreUnavailable, stderr)
		}
		return nil, ErrCredentialNotFound
	}
	return NewSecret(trimLineEnd(out)), nil
}

func (s *secretServiceStore) Put(ctx context.Context, scope CredentialScope, kind string, secret []byte) error {
	scope = scope.normalized()
	path, err := ensureSecretTool()
	if err != nil {
		return err
	}
	_ = s.Delete(ctx, scope, kind)

	args := append([]string{"store", "--label=" + fmt.Sprintf("%s %s (%s)", secretServiceApp, scope.Host, kind)},
		secretToolAttrs(scope.Host, scope.Account(), kind)...)
	_, stderr, err := runTool(ctx, path, secret, args...)
	if err != nil {
		return fmt.Errorf("secret-tool store failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	return nil
}

func (s *secretServiceStore) Delete(ctx context.Context, scope CredentialScope, kind string) error {
	scope = scope.normalized()
	path, err := ensureSecretTool()
	if err != nil {
		return err
	}
	_, stderr, err := runTool(ctx, path, nil, secretToolArgs("clear", scope.Host, scope.Account(), kind)...)
	if err != nil {
		if stderr == "" {
			return nil
		}
		if looksLikeSecretServiceUnavailable(stderr) {
			return fmt.Errorf("%w: %s", errStoreUnavailable, stderr)
		}
		m := strings.ToLower(stderr)
		if strings.Contains(m, "not found") || strings.Contains(m, "no such") {
			return nil
		}
		return fmt.Errorf("secret-tool clear failed: %s", stderr)
	}
	return nil
}

// secretToolAccounts lists the "user" attribute of every item for
// (host, kind). The search output includes the secret, which is wiped.
func secretToolAccounts(ctx context.Context, path, host, kind string) ([]string, error) {
	args := []string{"search", "--all", "app", secretServiceApp, "host", host, "kind", kind}
	out, stderr, err := runTool(ctx, path, nil, args...)
	defer wipeBytes(out)
	if err != nil {
		if looksLikeSecretServiceUnavailable(stderr) {
			return nil, fmt.Errorf("%w: %s", errStoreUnavailable, stderr)
		}
		return nil, ErrCredentialNotFound
	}

	var accounts []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		k, v, ok := splitKV(sc.Text())
		if ok && k == "attribute.user" && v != "" {
			accounts = append(accounts, v)
		}
	}
	return accounts, nil
}

var secretToolCandidates = []string{"/usr/bin/secret-tool", "/bin/secret-tool", "secret-tool"}

func ensureSecretTool() (string, error) {
	for _, c := range secretToolCandidates {
		if strings.Contains(c, "/") {
			if st, err := os.Stat(c); err == nil && st != nil {
				return c, nil
			}
			continue
		}
		if p, err := exec.LookPath(c); err == nil && p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: secret-tool not found (install libsecret-tools)", errStoreUnavailable)
}

func secretToolAttrs(host, account, kind string) []string {
	return []string{"app", secretServiceApp, "host", host, "user", account, "kind", kind}
}

func secretToolArgs(op, host, account, kind string) []string {
	return append([]string{op}, secretToolAttrs(host, account, kind)...)
}

func looksLikeSecretServiceUnavailable(msg string) bool {
	m := strings.ToLower(strings.TrimSpace(msg))
	return strings.Contains(m, "org.freedesktop.secrets") ||
		strings.Contains(m, "no such interface") ||
		strings.Contains(m, "serviceunknown") ||
		strings.Contains(m, "could not connect") ||
		strings.Contains(m, "failed to connect") ||
		strings.Contains(m, "dbus") ||
		strings.Contains(m, "not provided")
}
