package account

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeKeyFile(t *testing.T, dir, name string) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestCipherRoundTrip(t *testing.T) {
	dir := t.TempDir()
	current := FileKeySource("current", writeKeyFile(t, dir, "master.key"))
	c := NewCipher(current)

	plaintext := `{"access_token":"ya29.abc","refresh_token":"1//xyz"}`
	sealed, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if sealed == plaintext {
		t.Fatalf("value not encrypted")
	}

	got, idx, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt error: %v", err)
	}
	if got != plaintext {
		t.Fatalf("round trip mismatch: %s", got)
	}
	if idx != 0 {
		t.Fatalf("expected current key source, got index %d", idx)
	}
}

func TestCipherLegacyFallback(t *testing.T) {
	dir := t.TempDir()
	currentPath := writeKeyFile(t, dir, "master.key")
	legacyPath := writeKeyFile(t, dir, ".mk")

	legacyOnly := NewCipher(FileKeySource("legacy", legacyPath))
	sealed, err := legacyOnly.Encrypt(`{"v":1}`)
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}

	migrating := NewCipher(
		FileKeySource("current", currentPath),
		FileKeySource("legacy", legacyPath),
	)
	plain, idx, err := migrating.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt error: %v", err)
	}
	if plain != `{"v":1}` {
		t.Fatalf("unexpected plaintext: %s", plain)
	}
	if idx != 1 {
		t.Fatalf("expected legacy source index 1, got %d", idx)
	}
}

func TestCipherAllSourcesFail(t *testing.T) {
	dir := t.TempDir()
	a := NewCipher(FileKeySource("a", writeKeyFile(t, dir, "a.key")))
	b := NewCipher(FileKeySource("b", writeKeyFile(t, dir, "b.key")))

	sealed, err := a.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if _, _, err := b.Decrypt(sealed); !errors.Is(err, ErrMissingCredentialData) {
		t.Fatalf("expected ErrMissingCredentialData, got %v", err)
	}
}

func TestCipherPlaintextPassthrough(t *testing.T) {
	c := NewCipher(DerivedKeySource())

	for _, value := range []string{`{"plain":true}`, `[1,2,3]`, ""} {
		got, idx, err := c.Decrypt(value)
		if err != nil {
			t.Fatalf("Decrypt(%q) error: %v", value, err)
		}
		if got != value || idx != 0 {
			t.Fatalf("Decrypt(%q) = %q idx=%d", value, got, idx)
		}
	}
}

func TestEnsureKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	if err := EnsureKeyFile(path); err != nil {
		t.Fatalf("EnsureKeyFile error: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	// A second call must not rotate the key.
	if err := EnsureKeyFile(path); err != nil {
		t.Fatalf("EnsureKeyFile second call: %v", err)
	}
	second, _ := os.ReadFile(path)
	if string(first) != string(second) {
		t.Fatalf("key rotated on second EnsureKeyFile call")
	}
}
