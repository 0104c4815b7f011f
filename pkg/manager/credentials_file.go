package manager

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypted file store for headless machines without a keyring.
//
// One JSON document holds all entries. Each secret is sealed with
// XChaCha20-Poly1305 under a key derived by Argon2id from the contents of a
// passphrase file (chmod 600). The entry scope is bound as additional data,
// so an entry cannot be moved to another host or account.

const (
	defaultCredsFilename = "credentials.json"
	fileStoreVersion     = 1
	fileStoreVerifier    = "ssh-bootstrap file store"
)

var ErrWrongPassphrase = errors.New("file store passphrase does not match")

type fileKDF struct {
	Salt    []byte `json:"salt"`
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

type fileEntry struct {
	Host       string `json:"host"`
	Account    string `json:"account"`
	Kind       string `json:"kind"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Updated    string `json:"updated,omitempty"`
}

type fileDoc struct {
	Version  int         `json:"version"`
	KDF      fileKDF     `json:"kdf"`
	Verifier fileEntry   `json:"verifier"`
	Entries  []fileEntry `json:"entries"`
}

// FileStore is a WritableSecretStore backed by an encrypted JSON file.
type FileStore struct {
	path           string
	passphraseFile string

	mu sync.Mutex
}

// NewFileStore returns a store at path (default
// ~/.config/ssh-bootstrap/credentials.json) keyed by passphraseFile.
func NewFileStore(path, passphraseFile string) *FileStore {
	if strings.TrimSpace(path) == "" {
		if dir, err := DefaultConfigDir(); err == nil {
			path = filepath.Join(dir, defaultCredsFilename)
		}
	}
	return &FileStore{path: expandPath(path), passphraseFile: expandPath(passphraseFile)}
}

func (s *FileStore) Name() string { return string(CredBackendFile) }

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Lookup(ctx context.Context, scope CredentialScope, kind string) (SecretHandle, error) {
	scope = scope.normalized()
	s.mu.Lock()
	doc, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return SecretHandle{}, err
	}
	if err := ctx.Err(); err != nil {
		return SecretHandle{}, err
	}

	var accounts []string
	for _, e := range doc.Entries {
		if e.Host == scope.Host && e.Kind == kind {
			accounts = append(accounts, e.Account)
		}
	}
	account, ok := pickAccount(scope, accounts)
	if !ok {
		return SecretHandle{}, ErrCredentialNotFound
	}
	return NewSecretHandle(s.Name(), scopeForAccount(scope, account), kind, account), nil
}

func (s *FileStore) Open(ctx context.Context, h SecretHandle) (*Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	idx := doc.find(h.Scope().Host, h.Ref(), h.Kind())
	if idx < 0 {
		return nil, ErrCredentialNotFound
	}
	aead, err := s.aead(ctx, doc)
	if err != nil {
		return nil, err
	}
	e := doc.Entries[idx]
	plain, err := aead.Open(nil, e.Nonce, e.Ciphertext, entryAD(e.Host, e.Account, e.Kind))
	if err != nil {
		return nil, fmt.Errorf("decrypt %s entry: %w", h.Kind(), ErrWrongPassphrase)
	}
	return NewSecret(plain), nil
}

func (s *FileStore) Put(ctx context.Context, scope CredentialScope, kind string, secret []byte) error {
	scope = scope.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if len(doc.KDF.Salt) == 0 {
		if err := doc.init(); err != nil {
			return err
		}
	}
	aead, err := s.aead(ctx, doc)
	if err != nil {
		return err
	}
	if doc.Verifier.Kind == "" {
		v, err := seal(aead, "", "", "verifier", []byte(fileStoreVerifier))
		if err != nil {
			return err
		}
		doc.Verifier = v
	}

	account := scope.Account()
	e, err := seal(aead, scope.Host, account, kind, secret)
	if err != nil {
		return err
	}
	e.Updated = time.Now().UTC().Format(time.RFC3339)
	if idx := doc.find(scope.Host, account, kind); idx >= 0 {
		doc.Entries[idx] = e
	} else {
		doc.Entries = append(doc.Entries, e)
	}
	return s.save(doc)
}

func (s *FileStore) Delete(ctx context.Context, scope CredentialScope, kind string) error {
	scope = scope.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	idx := doc.find(scope.Host, scope.Account(), kind)
	if idx < 0 {
		return nil
	}
	doc.Entries = append(doc.Entries[:idx], doc.Entries[idx+1:]...)
	return s.save(doc)
}

func (d *fileDoc) init() error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	d.Version = fileStoreVersion
	d.KDF = fileKDF{Salt: salt, Time: 1, Memory: 64 * 1024, Threads: 4}
	return nil
}

func (d *fileDoc) find(host, account, kind string) int {
	for i, e := range d.Entries {
		if e.Host == host && e.Account == account && e.Kind == kind {
			return i
		}
	}
	return -1
}

// aead derives the entry key and checks it against the verifier.
func (s *FileStore) aead(ctx context.Context, doc *fileDoc) (cipher.AEAD, error) {
	if s.passphraseFile == "" {
		return nil, fmt.Errorf("%w: no passphrase file configured", errStoreUnavailable)
	}
	pass, err := os.ReadFile(s.passphraseFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read passphrase file: %v", errStoreUnavailable, err)
	}
	defer wipeBytes(pass)
	pass = trimLineEnd(pass)
	if len(pass) == 0 {
		return nil, fmt.Errorf("%w: passphrase file is empty", errStoreUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k := doc.KDF
	key := argon2.IDKey(pass, k.Salt, k.Time, k.Memory, k.Threads, chacha20poly1305.KeySize)
	defer wipeBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	if v := doc.Verifier; v.Kind != "" {
		plain, err := aead.Open(nil, v.Nonce, v.Ciphertext, entryAD(v.Host, v.Account, v.Kind))
		if err != nil || string(plain) != fileStoreVerifier {
			return nil, ErrWrongPassphrase
		}
	}
	return aead, nil
}

func seal(aead cipher.AEAD, host, account, kind string, plain []byte) (fileEntry, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fileEntry{}, fmt.Errorf("generate nonce: %w", err)
	}
	return fileEntry{
		Host:       host,
		Account:    account,
		Kind:       kind,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plain, entryAD(host, account, kind)),
	}, nil
}

func entryAD(host, account, kind string) []byte {
	return []byte(host + "\x00" + account + "\x00" + kind)
}

// load reads the document. A missing file is an empty store.
func (s *FileStore) load() (*fileDoc, error) {
	if s.path == "" {
		return nil, fmt.Errorf("%w: no file store path", errStoreUnavailable)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &fileDoc{Version: fileStoreVersion}, nil
		}
		return nil, fmt.Errorf("read credential file %s: %w", s.path, err)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse credential file %s: %w", s.path, err)
	}
	if doc.Version == 0 {
		doc.Version = fileStoreVersion
	}
	return &doc, nil
}

// save writes the document atomically with 0600 permissions.
func (s *FileStore) save(doc *fileDoc) error {
	sort.SliceStable(doc.Entries, func(i, j int) bool {
		a, b := doc.Entries[i], doc.Entries[j]
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		return a.Kind < b.Kind
	})

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir %s: %w", dir, err)
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}
	payload = append(payload, '\n')

	tmp := s.path + fmt.Sprintf(".tmp-%d-%d", os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write temp credential file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("atomic rename to %s: %w", s.path, err)
	}
	return nil
}
