package account

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"antigravity-manager/internal/platform/errors"
)

// Encrypted values are stored as ivHex:tagHex:cipherHex, the format earlier
// releases wrote, so existing databases stay readable.
const (
	gcmNonceSize = 16
	gcmTagSize   = 16
)

// ErrMissingCredentialData is returned when no key source can decrypt a
// stored payload.
var ErrMissingCredentialData = errors.New(errors.KindDomain, "account.decrypt", "missing credential data")

// KeySource yields one candidate master key. Sources are tried in order;
// index 0 is the current key, everything after it is legacy.
type KeySource interface {
	Name() string
	Key() ([]byte, error)
}

// fileKeySource reads a 32-byte key stored as hex.
type fileKeySource struct {
	name string
	path string
}

func (s fileKeySource) Name() string { return s.name }

func (s fileKeySource) Key() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", s.path, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key file %s: want 32 bytes, got %d", s.path, len(key))
	}
	return key, nil
}

// FileKeySource builds a key source backed by a hex key file.
func FileKeySource(name, path string) KeySource {
	return fileKeySource{name: name, path: path}
}

// derivedKeySource derives a key from stable machine identity. This is the
// last-resort legacy source for databases created before key files existed.
type derivedKeySource struct{}

func (derivedKeySource) Name() string { return "machine-derived" }

func (derivedKeySource) Key() ([]byte, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	username := ""
	if u, uerr := user.Current(); uerr == nil {
		username = u.Username
	}
	secret := []byte(host + "|" + username)
	return pbkdf2.Key(secret, []byte("antigravity-manager.v1"), 4096, 32, sha256.New), nil
}

// DerivedKeySource returns the machine-derived legacy key source.
func DerivedKeySource() KeySource { return derivedKeySource{} }

// MigrationStats aggregates key-migration outcomes over one bulk read.
type MigrationStats struct {
	Total        int
	Migrated     int
	FallbackUsed int
	Failed       int
}

// Cipher encrypts with the current key and decrypts with an ordered list of
// key sources, reporting which source succeeded so callers can re-encrypt
// legacy payloads in place.
type Cipher struct {
	sources []KeySource
}

// NewCipher builds a cipher over the given sources. The first source is the
// current key and must be able to produce a key for writes.
func NewCipher(sources ...KeySource) *Cipher {
	return &Cipher{sources: sources}
}

// EnsureKeyFile creates a fresh random master key at path when none exists.
func EnsureKeyFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return errors.Wrap(errors.KindDomain, "account.ensure_key", "generate master key", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return errors.Wrap(errors.KindDomain, "account.ensure_key", "write master key", err)
	}
	return nil
}

// Encrypt seals plaintext with the current key.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if len(c.sources) == 0 {
		return "", errors.New(errors.KindDomain, "account.encrypt", "no key sources configured")
	}
	key, err := c.sources[0].Key()
	if err != nil {
		return "", errors.Wrap(errors.KindDomain, "account.encrypt", "load current key", err)
	}

	aead, err := newGCM(key)
	if err != nil {
		return "", errors.Wrap(errors.KindDomain, "account.encrypt", "init cipher", err)
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", errors.Wrap(errors.KindDomain, "account.encrypt", "generate iv", err)
	}

	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext)), nil
}

// Decrypt opens a stored value. The returned index identifies the key source
// that succeeded; any index above zero means the payload is due for
// re-encryption with the current key. Plain JSON values pass through
// untouched with index 0.
func (c *Cipher) Decrypt(value string) (string, int, error) {
	if value == "" {
		return "", 0, nil
	}
	// Rows written before encryption was introduced hold raw JSON.
	if strings.HasPrefix(value, "{") || strings.HasPrefix(value, "[") {
		return value, 0, nil
	}

	iv, tag, ciphertext, err := splitEncrypted(value)
	if err != nil {
		return "", 0, err
	}

	for i, source := range c.sources {
		key, kerr := source.Key()
		if kerr != nil {
			continue
		}
		aead, aerr := newGCM(key)
		if aerr != nil {
			continue
		}
		sealed := append(append([]byte{}, ciphertext...), tag...)
		plain, derr := aead.Open(nil, iv, sealed, nil)
		if derr == nil {
			return string(plain), i, nil
		}
	}
	return "", 0, ErrMissingCredentialData
}

func splitEncrypted(value string) (iv, tag, ciphertext []byte, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil, nil, nil, errors.New(errors.KindDomain, "account.decrypt", "unexpected payload format")
	}
	if iv, err = hex.DecodeString(parts[0]); err != nil {
		return nil, nil, nil, errors.Wrap(errors.KindDomain, "account.decrypt", "decode iv", err)
	}
	if tag, err = hex.DecodeString(parts[1]); err != nil {
		return nil, nil, nil, errors.Wrap(errors.KindDomain, "account.decrypt", "decode tag", err)
	}
	if ciphertext, err = hex.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, errors.Wrap(errors.KindDomain, "account.decrypt", "decode ciphertext", err)
	}
	return iv, tag, ciphertext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, gcmNonceSize)
}
