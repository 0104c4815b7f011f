package manager

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// CredentialBackendKind identifies a secret store backend.
type CredentialBackendKind string

const (
	CredBackendKeychain      CredentialBackendKind = "keychain"
	CredBackendSecretService CredentialBackendKind = "secret-service"
	CredBackendFile          CredentialBackendKind = "file"
	CredBackendPrompt        CredentialBackendKind = "prompt"
	CredBackendUnsupported   CredentialBackendKind = "unsupported"
)

// PlatformBackend returns the OS keyring backend for this platform.
func PlatformBackend() CredentialBackendKind {
	switch runtime.GOOS {
	case "darwin":
		return CredBackendKeychain
	case "linux":
		return CredBackendSecretService
	default:
		return CredBackendUnsupported
	}
}

// CredentialBackendLabel returns a short label for display.
func CredentialBackendLabel(kind CredentialBackendKind) string {
	switch kind {
	case CredBackendKeychain:
		return "Keychain"
	case CredBackendSecretService:
		return "Secret Service (secret-tool)"
	case CredBackendFile:
		return "encrypted file store"
	case CredBackendPrompt:
		return "interactive prompt"
	default:
		return "Unsupported"
	}
}

// CredentialBackendHint is a one-line setup hint for status and errors.
func CredentialBackendHint(kind CredentialBackendKind) string {
	switch kind {
	case CredBackendKeychain:
		return "macOS Keychain via `security`"
	case CredBackendSecretService:
		return "Linux Secret Service via `secret-tool` (install libsecret tools + keyring provider)"
	case CredBackendFile:
		return "set SSHBOOT_FILE_STORE_PASSPHRASE_FILE to a chmod 600 file"
	default:
		return "no OS keyring for this platform; use the file store"
	}
}

// BuildSecretStores assembles the lookup chain from settings:
// platform keyring, encrypted file store, then the interactive prompt.
// The first writable store is returned for the cred subcommands.
func BuildSecretStores(s Settings, prompt *PromptStore, log logrus.FieldLogger) (*ChainStore, WritableSecretStore) {
	var (
		stores   []SecretStore
		writable WritableSecretStore
	)
	add := func(w WritableSecretStore) {
		if w == nil {
			return
		}
		stores = append(stores, w)
		if writable == nil {
			writable = w
		}
	}

	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case "none":
	case "platform":
		add(platformSecretStore())
	case "file":
		add(NewFileStore(s.FileStore, s.FileStorePassphraseFile))
	default:
		add(platformSecretStore())
		if s.FileStorePassphraseFile != "" {
			add(NewFileStore(s.FileStore, s.FileStorePassphraseFile))
		}
	}
	if prompt != nil {
		stores = append(stores, prompt)
	}
	return NewChainStore(log, stores...), writable
}
