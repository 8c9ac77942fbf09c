package inject

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protowire"

	"antigravity-manager/internal/platform/storage"
)

func newTestState(t *testing.T) *storage.StateDB {
	t.Helper()
	state, err := storage.OpenStateDB(filepath.Join(t.TempDir(), "state.vscdb"), 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return state
}

func TestResolveFormat(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		hasUnified bool
		hasLegacy  bool
		want       Format
	}{
		{"version at threshold", "1.2.0", false, false, FormatUnified},
		{"version above threshold", "1.11.3", false, false, FormatUnified},
		{"version below threshold", "1.1.9", true, true, FormatLegacy},
		{"version with suffix", "1.2.0-insider", false, false, FormatUnified},
		{"unknown version, unified key only", "", true, false, FormatUnified},
		{"unknown version, legacy key only", "dev", false, true, FormatLegacy},
		{"unknown version, both keys", "", true, true, FormatDual},
		{"unknown version, no keys", "", false, false, FormatDual},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveFormat(tt.version, tt.hasUnified, tt.hasLegacy); got != tt.want {
				t.Fatalf("ResolveFormat = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolveKnownVersionSkipsStateDB(t *testing.T) {
	state := newTestState(t)
	state.Close()

	// A closed state database fails every lookup, so a successful resolve
	// proves the version decided by itself.
	inj := NewInjector(state, "1.4.0", nil)
	format, err := inj.Resolve()
	if err != nil {
		t.Fatalf("Resolve with known version hit the state db: %v", err)
	}
	if format != FormatUnified {
		t.Fatalf("format = %s, want unified", format)
	}

	old := NewInjector(state, "1.1.0", nil)
	format, err = old.Resolve()
	if err != nil || format != FormatLegacy {
		t.Fatalf("pre-unified resolve = (%s, %v)", format, err)
	}

	// An unknown version still needs the key lookups.
	unknown := NewInjector(state, "dev", nil)
	if _, err := unknown.Resolve(); err == nil {
		t.Fatalf("Resolve with unknown version ignored the state db error")
	}
}

func TestCurrentAuthStatus(t *testing.T) {
	state := newTestState(t)
	inj := NewInjector(state, "1.2.0", nil)

	status, err := inj.CurrentAuthStatus()
	if err != nil || status != nil {
		t.Fatalf("empty state db = (%+v, %v)", status, err)
	}

	if err := state.Set(AuthStatusKey, `{"name":"N","email":"n@example.com","apiKey":"secret"}`); err != nil {
		t.Fatalf("seed auth status: %v", err)
	}
	status, err = inj.CurrentAuthStatus()
	if err != nil {
		t.Fatalf("CurrentAuthStatus: %v", err)
	}
	if status == nil || status.Email != "n@example.com" || status.Name != "N" {
		t.Fatalf("status = %+v", status)
	}

	// A record without an email is not a signed-in account.
	if err := state.Set(AuthStatusKey, `{"name":"stale"}`); err != nil {
		t.Fatalf("seed auth status: %v", err)
	}
	if status, err := inj.CurrentAuthStatus(); err != nil || status != nil {
		t.Fatalf("email-less status = (%+v, %v)", status, err)
	}
}

func TestInjectUnified(t *testing.T) {
	state := newTestState(t)
	if err := state.Set(LegacySessionKey, "stale-session"); err != nil {
		t.Fatalf("seed session key: %v", err)
	}

	inj := NewInjector(state, "1.3.0", nil)
	creds := Credentials{
		Name:         "Test User",
		Email:        "user@example.com",
		AccessToken:  "access-tok",
		RefreshToken: "refresh-tok",
		ExpiryUnix:   1700000000,
	}
	format, err := inj.Inject(context.Background(), creds)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if format != FormatUnified {
		t.Fatalf("format = %s, want unified", format)
	}

	token, ok, err := state.Get(UnifiedTokenKey)
	if err != nil || !ok {
		t.Fatalf("unified token missing: %v", err)
	}
	if token != EncodeUnifiedToken("access-tok", "refresh-tok", 1700000000) {
		t.Fatalf("unified token value mismatch")
	}

	rawStatus, ok, err := state.Get(AuthStatusKey)
	if err != nil || !ok {
		t.Fatalf("auth status missing: %v", err)
	}
	var status map[string]string
	if err := sonic.UnmarshalString(rawStatus, &status); err != nil {
		t.Fatalf("auth status not json: %v", err)
	}
	if status["name"] != "Test User" || status["email"] != "user@example.com" || status["apiKey"] != "access-tok" {
		t.Fatalf("auth status = %v", status)
	}

	if onboarding, ok, _ := state.Get(OnboardingKey); !ok || onboarding != "true" {
		t.Fatalf("onboarding flag = (%q, %v)", onboarding, ok)
	}
	if has, _ := state.Has(LegacySessionKey); has {
		t.Fatalf("stale session record survived injection")
	}
}

func TestInjectAuthStatusNameFallsBackToEmail(t *testing.T) {
	state := newTestState(t)
	inj := NewInjector(state, "1.2.0", nil)
	_, err := inj.Inject(context.Background(), Credentials{
		Email: "solo@example.com", AccessToken: "a", RefreshToken: "r", ExpiryUnix: 1,
	})
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	rawStatus, _, _ := state.Get(AuthStatusKey)
	var status map[string]string
	if err := sonic.UnmarshalString(rawStatus, &status); err != nil {
		t.Fatalf("auth status not json: %v", err)
	}
	if status["name"] != "solo@example.com" {
		t.Fatalf("name fallback = %q", status["name"])
	}
}

func TestInjectLegacySplicesBlob(t *testing.T) {
	state := newTestState(t)

	var blob []byte
	blob = protowire.AppendTag(blob, 1, protowire.BytesType)
	blob = protowire.AppendString(blob, "keep-me")
	blob = protowire.AppendTag(blob, 6, protowire.BytesType)
	blob = protowire.AppendBytes(blob, encodeOAuthInfo("old", "old", 1))
	if err := state.Set(LegacyStateKey, base64.StdEncoding.EncodeToString(blob)); err != nil {
		t.Fatalf("seed legacy blob: %v", err)
	}

	inj := NewInjector(state, "1.1.0", nil)
	format, err := inj.Inject(context.Background(), Credentials{
		Email: "u@example.com", AccessToken: "new-access", RefreshToken: "new-refresh", ExpiryUnix: 2,
	})
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if format != FormatLegacy {
		t.Fatalf("format = %s, want legacy", format)
	}

	encoded, ok, _ := state.Get(LegacyStateKey)
	if !ok {
		t.Fatalf("legacy blob missing after inject")
	}
	updated, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("legacy blob not base64: %v", err)
	}
	fields := parseFields(t, updated)
	if consumeString(t, fields[1]) != "keep-me" {
		t.Fatalf("unrelated legacy field lost")
	}
	oauth := parseFields(t, consumeBytes(t, fields[6]))
	if consumeString(t, oauth[1]) != "new-access" {
		t.Fatalf("oauth access token not spliced")
	}

	// Legacy path never touches unified keys.
	if has, _ := state.Has(UnifiedTokenKey); has {
		t.Fatalf("legacy inject wrote unified key")
	}
}

func TestInjectLegacyMissingBlobWritesStatusOnly(t *testing.T) {
	state := newTestState(t)
	inj := NewInjector(state, "1.0.5", nil)
	if _, err := inj.Inject(context.Background(), Credentials{
		Email: "u@example.com", AccessToken: "a", RefreshToken: "r", ExpiryUnix: 1,
	}); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if has, _ := state.Has(AuthStatusKey); !has {
		t.Fatalf("auth status not written")
	}
	if has, _ := state.Has(LegacyStateKey); has {
		t.Fatalf("legacy blob invented from nothing")
	}
}

func TestInjectDualWritesBothFormats(t *testing.T) {
	state := newTestState(t)
	// Seed both keys so probing cannot decide.
	if err := state.Set(UnifiedTokenKey, "old"); err != nil {
		t.Fatalf("seed unified: %v", err)
	}
	var blob []byte
	blob = protowire.AppendTag(blob, 6, protowire.BytesType)
	blob = protowire.AppendBytes(blob, encodeOAuthInfo("old", "old", 1))
	if err := state.Set(LegacyStateKey, base64.StdEncoding.EncodeToString(blob)); err != nil {
		t.Fatalf("seed legacy: %v", err)
	}

	inj := NewInjector(state, "", nil)
	format, err := inj.Inject(context.Background(), Credentials{
		Email: "u@example.com", AccessToken: "new", RefreshToken: "new", ExpiryUnix: 3,
	})
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if format != FormatDual {
		t.Fatalf("format = %s, want dual", format)
	}
	if token, _, _ := state.Get(UnifiedTokenKey); token == "old" {
		t.Fatalf("unified side not rewritten")
	}
	if encoded, _, _ := state.Get(LegacyStateKey); encoded == base64.StdEncoding.EncodeToString(blob) {
		t.Fatalf("legacy side not rewritten")
	}
}

func TestInjectRejectsEmptyToken(t *testing.T) {
	inj := NewInjector(newTestState(t), "1.2.0", nil)
	if _, err := inj.Inject(context.Background(), Credentials{Email: "u@example.com"}); err == nil {
		t.Fatalf("empty token accepted")
	}
}
