package manager

import (
	"errors"
	"os"

	"golang.org/x/crypto/ssh"
)

// IdentityNeedsPassphrase reports whether the private key at path is
// encrypted. Unreadable or unparsable files report false so that ssh handles
// them itself.
func IdentityNeedsPassphrase(path string) bool {
	path = expandPath(path)
	if path == "" {
		return false
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	defer wipeBytes(pem)

	_, err = ssh.ParseRawPrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	return errors.As(err, &missing)
}
