package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/axion-labs/plancore/pkg/fault"
)

// FileStore is the encrypted-file backend: values sealed individually with
// ChaCha20-Poly1305 under a key derived (scrypt) from a generated key file.
// The store file and the key file both live owner-readable only.
type FileStore struct {
	mu      sync.Mutex
	path    string
	saltB64 string
	aead    func() ([]byte, error) // returns the derived sealing key
	values  map[string]sealedValue
}

type sealedValue struct {
	Nonce  string `json:"nonce"`
	Cipher string `json:"cipher"`
}

type storeFile struct {
	Salt   string                 `json:"salt"`
	Values map[string]sealedValue `json:"values"`
}

const keyFileSize = 32

// NewFileStore opens (or initializes) the encrypted store at dir. The
// layout is dir/secrets.json plus dir/secrets.key.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("secrets dir %s: %w", dir, err)
	}
	storePath := filepath.Join(dir, "secrets.json")
	keyPath := filepath.Join(dir, "secrets.key")

	keyMaterial, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}

	fs := &FileStore{path: storePath, values: map[string]sealedValue{}}
	salt, err := fs.load()
	if err != nil {
		return nil, err
	}

	derived, err := scrypt.Key(keyMaterial, salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("secrets key derivation: %w", err)
	}
	fs.aead = func() ([]byte, error) { return derived, nil }
	return fs, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	if raw, err := os.ReadFile(path); err == nil {
		return raw, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read secrets key %s: %w", path, err)
	}
	key := make([]byte, keyFileSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate secrets key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write secrets key %s: %w", path, err)
	}
	return key, nil
}

// load reads the store file and returns the key-derivation salt, minting a
// fresh one for new stores.
func (fs *FileStore) load() ([]byte, error) {
	raw, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		fs.saltB64 = base64.StdEncoding.EncodeToString(salt)
		return salt, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets store %s: %w", fs.path, err)
	}
	var sf storeFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("secrets store %s: %w", fs.path, err)
	}
	salt, err := base64.StdEncoding.DecodeString(sf.Salt)
	if err != nil {
		return nil, fmt.Errorf("secrets store %s: bad salt", fs.path)
	}
	fs.saltB64 = sf.Salt
	if sf.Values != nil {
		fs.values = sf.Values
	}
	return salt, nil
}

func (fs *FileStore) Name() string { return "file" }

// Get unseals a stored value.
func (fs *FileStore) Get(ref Reference) (string, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	sealed, ok := fs.values[ref.String()]
	if !ok {
		return "", false, nil
	}
	key, err := fs.aead()
	if err != nil {
		return "", false, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", false, fmt.Errorf("secrets cipher: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return "", false, fmt.Errorf("secret %s: bad nonce", ref)
	}
	cipher, err := base64.StdEncoding.DecodeString(sealed.Cipher)
	if err != nil {
		return "", false, fmt.Errorf("secret %s: bad ciphertext", ref)
	}
	plain, err := aead.Open(nil, nonce, cipher, []byte(ref.String()))
	if err != nil {
		return "", false, fmt.Errorf("secret %s: unseal failed: %w", ref, err)
	}
	return string(plain), true, nil
}

// Set seals and persists a value.
func (fs *FileStore) Set(ref Reference, value string) error {
	if len(value) > MaxValueLength {
		return fault.New(fault.CodeValidationFailed, "secret %s: value exceeds %d bytes", ref, MaxValueLength)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	key, err := fs.aead()
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("secrets cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	cipher := aead.Seal(nil, nonce, []byte(value), []byte(ref.String()))
	fs.values[ref.String()] = sealedValue{
		Nonce:  base64.StdEncoding.EncodeToString(nonce),
		Cipher: base64.StdEncoding.EncodeToString(cipher),
	}
	return fs.persist()
}

// Delete removes a value; missing keys are a no-op.
func (fs *FileStore) Delete(ref Reference) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.values, ref.String())
	return fs.persist()
}

// List returns the stored reference strings, never the values.
func (fs *FileStore) List() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.values))
	for k := range fs.values {
		out = append(out, k)
	}
	return out
}

func (fs *FileStore) persist() error {
	out, err := json.MarshalIndent(storeFile{Salt: fs.saltB64, Values: fs.values}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal secrets store: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write secrets store: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("commit secrets store: %w", err)
	}
	return nil
}
