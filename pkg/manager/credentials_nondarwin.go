//go:build !darwin && !linux
// +build !darwin,!linux

package manager

// platformSecretStore reports no OS keyring on this platform; only the
// encrypted file store and the prompt are available.
func platformSecretStore() WritableSecretStore { return nil }
