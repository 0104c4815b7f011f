//go:build darwin
// +build darwin

package manager

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
)

// macOS Keychain backend via the built-in `security` tool.
//
// Each secret is a generic password item:
// - service: "ssh-bootstrap:<kind>:<host>"
// - account: the username, or the host for host-wide entries
//
// `find-generic-password` without -w prints only item attributes, so
// lookups never see secret material. Writes go through `security -i` on
// stdin so the secret is not visible in the process list.

const keychainServicePrefix = "ssh-bootstrap"

type keychainStore struct{}

func platformSecretStore() WritableSecretStore { return &keychainStore{} }

func (s *keychainStore) Name() string { return string(CredBackendKeychain) }

func keychainService(host, kind string) string {
	return keychainServicePrefix + ":" + kind + ":" + host
}

func (s *keychainStore) Lookup(ctx context.Context, scope CredentialScope, kind string) (SecretHandle, error) {
	scope = scope.normalized()
	svc := keychainService(scope.Host, kind)

	if scope.Username != "" {
		if _, _, err := runSecurity(ctx, nil, "find-generic-password", "-s", svc, "-a", scope.Username); err != nil {
			return SecretHandle{}, ErrCredentialNotFound
		}
		return NewSecretHandle(s.Name(), scope, kind, scope.Username), nil
	}

	// Host-wide entry first, then whatever account the keychain returns.
	if _, _, err := runSecurity(ctx, nil, "find-generic-password", "-s", svc, "-a", scope.Host); err == nil {
		return NewSecretHandle(s.Name(), scope, kind, scope.Host), nil
	}
	out, _, err := runSecurity(ctx, nil, "find-generic-password", "-s", svc)
	if err != nil {
		return SecretHandle{}, ErrCredentialNotFound
	}
	account := keychainAccount(out)
	if account == "" {
		return SecretHandle{}, ErrCredentialNotFound
	}
	return NewSecretHandle(s.Name(), scopeForAccount(scope, account), kind, account), nil
}

func (s *keychainStore) Open(ctx context.Context, h SecretHandle) (*Secret, error) {
	out, _, err := runSecurity(ctx, nil, "find-generic-password", "-w",
		"-s", keychainService(h.Scope().Host, h.Kind()), "-a", h.Ref())
	if err != nil {
		wipeBytes(out)
		return nil, ErrCredentialNotFound
	}
	return NewSecret(trimLineEnd(out)), nil
}

func (s *keychainStore) Put(ctx context.Context, scope CredentialScope, kind string, secret []byte) error {
	scope = scope.normalized()
	var cmd bytes.Buffer
	fmt.Fprintf(&cmd, "add-generic-password -U -s %s -a %s -l %s -w ",
		securityQuote([]byte(keychainService(scope.Host, kind))),
		securityQuote([]byte(scope.Account())),
		securityQuote([]byte(fmt.Sprintf("%s (%s)", scope.Host, kind))))
	q := securityQuote(secret)
	cmd.Write(q)
	wipeBytes(q)
	cmd.WriteByte('\n')
	defer wipeBytes(cmd.Bytes())

	if _, stderr, err := runSecurity(ctx, cmd.Bytes(), "-i"); err != nil || strings.Contains(strings.ToLower(stderr), "error") {
		return fmt.Errorf("keychain write failed: %s", firstNonEmpty(stderr, fmt.Sprint(err)))
	}
	return nil
}

func (s *keychainStore) Delete(ctx context.Context, scope CredentialScope, kind string) error {
	scope = scope.normalized()
	_, stderr, err := runSecurity(ctx, nil, "delete-generic-password",
		"-s", keychainService(scope.Host, kind), "-a", scope.Account())
	if err != nil {
		if strings.Contains(strings.ToLower(stderr), "could not be found") {
			return nil
		}
		return fmt.Errorf("keychain delete failed: %s", firstNonEmpty(stderr, err.Error()))
	}
	return nil
}

// keychainAccount extracts the account from find-generic-password output:
//
//	"acct"<blob>="alice"
func keychainAccount(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, `"acct"<blob>=`) {
			continue
		}
		v := strings.TrimPrefix(line, `"acct"<blob>=`)
		if v == "<NULL>" {
			return ""
		}
		return strings.Trim(v, `"`)
	}
	return ""
}

// securityQuote quotes a word for `security -i` command lines.
func securityQuote(b []byte) []byte {
	out := make([]byte, 0, len(b)+2)
	out = append(out, '"')
	for _, c := range b {
		if c == '"' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return append(out, '"')
}

func runSecurity(ctx context.Context, stdin []byte, args ...string) ([]byte, string, error) {
	path := "/usr/bin/security"
	if _, err := os.Stat(path); err != nil {
		path = "security"
	}
	return runTool(ctx, path, stdin, args...)
}
