// Package secrets supplies the remote API credential. Values returned here
// must never be logged; use Preview when a key has to be shown.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// TornAPIKey is the name the remote API credential is stored under.
const TornAPIKey = "torn_api_key"

// ErrReadOnly is returned by providers that cannot store values.
var ErrReadOnly = errors.New("secrets: provider is read-only")

// Provider returns a named secret, or "" when it is not configured.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// Keeper is a Provider that can also store secrets.
type Keeper interface {
	Provider
	Put(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
}

// Preview shows the first and last four characters of a key, or "****" for
// keys too short to abbreviate.
func Preview(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// Static holds secrets in memory. Useful for tests and for keys supplied by
// configuration.
type Static struct {
	mu   sync.RWMutex
	vals map[string]string
}

// NewStatic creates a Static provider with initial values.
func NewStatic(vals map[string]string) *Static {
	s := &Static{vals: make(map[string]string, len(vals))}
	for k, v := range vals {
		if v != "" {
			s.vals[k] = v
		}
	}
	return s
}

func (s *Static) Get(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vals[name], nil
}

func (s *Static) Put(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[name] = value
	return nil
}

func (s *Static) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vals, name)
	return nil
}

// Env reads secrets from environment variables, e.g.
// {"torn_api_key": "BUDDY_TORN_API_KEY"}.
type Env map[string]string

func (e Env) Get(_ context.Context, name string) (string, error) {
	if v, ok := e[name]; ok {
		return strings.TrimSpace(os.Getenv(v)), nil
	}
	return "", nil
}

// Chain asks each provider in turn and returns the first non-empty value.
// Writes go to the first Keeper in the chain.
type Chain []Provider

func (c Chain) Get(ctx context.Context, name string) (string, error) {
	for _, p := range c {
		v, err := p.Get(ctx, name)
		if err != nil {
			return "", err
		}
		if v != "" {
			return v, nil
		}
	}
	return "", nil
}

func (c Chain) Put(ctx context.Context, name, value string) error {
	for _, p := range c {
		if k, ok := p.(Keeper); ok {
			return k.Put(ctx, name, value)
		}
	}
	return ErrReadOnly
}

func (c Chain) Delete(ctx context.Context, name string) error {
	for _, p := range c {
		if k, ok := p.(Keeper); ok {
			return k.Delete(ctx, name)
		}
	}
	return ErrReadOnly
}

// FileKeeper stores secrets AES-GCM encrypted in a 0600 JSON file. The key
// is derived from a passphrase; without one it falls back to a per-user
// value, which only keeps the file from being plain text.
type FileKeeper struct {
	path string
	key  [32]byte
	mu   sync.Mutex
}

type secretFile struct {
	Keys map[string]string `json:"keys"` // name -> base64(nonce|ciphertext)
}

// NewFileKeeper opens (lazily) the secret file at path.
func NewFileKeeper(path, passphrase string) *FileKeeper {
	if passphrase == "" {
		passphrase = fmt.Sprintf("buddy-engine-%s-%s", runtime.GOOS, os.Getenv("USER"))
	}
	return &FileKeeper{path: path, key: sha256.Sum256([]byte(passphrase))}
}

// DefaultPath returns the secret file location under the user config dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "buddy-engine", "keys.json"), nil
}

func (f *FileKeeper) Get(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sf, err := f.load()
	if err != nil {
		return "", err
	}
	enc, ok := sf.Keys[norm(name)]
	if !ok {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("secrets: decode %s: %w", name, err)
	}
	pt, err := f.decrypt(raw)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt %s: %w", name, err)
	}
	return string(pt), nil
}

func (f *FileKeeper) Put(_ context.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sf, err := f.load()
	if err != nil {
		return err
	}
	ct, err := f.encrypt([]byte(value))
	if err != nil {
		return err
	}
	sf.Keys[norm(name)] = base64.StdEncoding.EncodeToString(ct)
	return f.save(sf)
}

func (f *FileKeeper) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sf, err := f.load()
	if err != nil {
		return err
	}
	delete(sf.Keys, norm(name))
	return f.save(sf)
}

func (f *FileKeeper) load() (secretFile, error) {
	sf := secretFile{Keys: map[string]string{}}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return sf, nil
	}
	if err != nil {
		return sf, fmt.Errorf("secrets: read: %w", err)
	}
	if err := json.Unmarshal(data, &sf); err != nil {
		return sf, fmt.Errorf("secrets: parse: %w", err)
	}
	if sf.Keys == nil {
		sf.Keys = map[string]string{}
	}
	return sf, nil
}

func (f *FileKeeper) save(sf secretFile) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("secrets: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("secrets: write: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *FileKeeper) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(f.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (f *FileKeeper) encrypt(plain []byte) ([]byte, error) {
	gcm, err := f.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (f *FileKeeper) decrypt(ct []byte) ([]byte, error) {
	gcm, err := f.gcm()
	if err != nil {
		return nil, err
	}
	if len(ct) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	return gcm.Open(nil, ct[:gcm.NonceSize()], ct[gcm.NonceSize():], nil)
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
