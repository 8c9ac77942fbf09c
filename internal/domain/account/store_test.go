package account

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"antigravity-manager/internal/platform/storage"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:accounts-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *Cipher) {
	t.Helper()
	dir := t.TempDir()
	cipher := NewCipher(FileKeySource("current", writeKeyFile(t, dir, "master.key")))
	return NewStore(newTestDB(t), cipher, nil), cipher
}

func TestStoreAddListOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	older := &Record{Email: "old@example.com", LastUsed: 100,
		Token: &Token{AccessToken: "a1", RefreshToken: "r1", ExpiryTimestamp: 1}}
	newer := &Record{Email: "new@example.com", LastUsed: 200,
		Token: &Token{AccessToken: "a2", RefreshToken: "r2", ExpiryTimestamp: 2}}

	if _, err := store.Add(ctx, older, false); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if _, err := store.Add(ctx, newer, false); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	records, stats, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Email != "new@example.com" {
		t.Fatalf("expected most recently used first, got %s", records[0].Email)
	}
	if records[0].Token == nil || records[0].Token.AccessToken != "a2" {
		t.Fatalf("token not decrypted: %+v", records[0].Token)
	}
	if stats.Total != 2 || stats.Failed != 0 || stats.Migrated != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStoreSingleActiveInvariant(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := store.Add(ctx, &Record{
			Email: fmt.Sprintf("acc%d@example.com", i),
			Token: &Token{AccessToken: "a", RefreshToken: "r"},
		}, i == 0)
		if err != nil {
			t.Fatalf("Add error: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	activeCount := func() int {
		records, _, err := store.List(ctx)
		if err != nil {
			t.Fatalf("List error: %v", err)
		}
		n := 0
		for _, r := range records {
			if r.IsActive {
				n++
			}
		}
		return n
	}

	if activeCount() != 1 {
		t.Fatalf("expected exactly one active account after add")
	}

	// Activate each account in turn; the invariant must hold throughout.
	for _, id := range ids {
		if err := store.SetActive(ctx, id); err != nil {
			t.Fatalf("SetActive error: %v", err)
		}
		if activeCount() != 1 {
			t.Fatalf("active invariant violated after SetActive(%s)", id)
		}
	}

	active, err := store.Active(ctx)
	if err != nil {
		t.Fatalf("Active error: %v", err)
	}
	if active == nil || active.ID != ids[len(ids)-1] {
		t.Fatalf("unexpected active account: %+v", active)
	}

	if err := store.SetActive(ctx, "no-such-id"); err == nil {
		t.Fatalf("expected error for unknown id")
	}
}

func TestStoreSelfHealingMigration(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	currentPath := writeKeyFile(t, dir, "master.key")
	legacyPath := writeKeyFile(t, dir, ".mk")

	db := newTestDB(t)
	legacyStore := NewStore(db, NewCipher(FileKeySource("legacy", legacyPath)), nil)

	rec, err := legacyStore.Add(ctx, &Record{
		Email: "legacy@example.com",
		Token: &Token{AccessToken: "tok", RefreshToken: "ref", ExpiryTimestamp: 99},
	}, false)
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}

	// Reads through the migrating store must succeed and rewrite the blob
	// with the current key, invisibly to the caller.
	migrating := NewStore(db, NewCipher(
		FileKeySource("current", currentPath),
		FileKeySource("legacy", legacyPath),
	), nil)

	records, stats, err := migrating.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if records[0].Token == nil || records[0].Token.AccessToken != "tok" {
		t.Fatalf("caller observed different content: %+v", records[0].Token)
	}
	if stats.FallbackUsed != 1 || stats.Migrated != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// The persisted payload now opens with the current key alone.
	currentOnly := NewStore(db, NewCipher(FileKeySource("current", currentPath)), nil)
	got, err := currentOnly.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get after migration: %v", err)
	}
	if got.Token == nil || got.Token.AccessToken != "tok" {
		t.Fatalf("migrated payload unreadable with current key: %+v", got.Token)
	}
}

func TestStoreMissingCredentialsDoNotFailList(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := newTestDB(t)

	writer := NewStore(db, NewCipher(FileKeySource("a", writeKeyFile(t, dir, "a.key"))), nil)
	if _, err := writer.Add(ctx, &Record{
		Email: "lost@example.com",
		Token: &Token{AccessToken: "tok", RefreshToken: "ref"},
	}, false); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	reader := NewStore(db, NewCipher(FileKeySource("b", writeKeyFile(t, dir, "b.key"))), nil)
	records, stats, err := reader.List(ctx)
	if err != nil {
		t.Fatalf("List should tolerate undecryptable rows: %v", err)
	}
	if len(records) != 1 || records[0].Token != nil {
		t.Fatalf("expected record without token, got %+v", records[0])
	}
	if records[0].Status != "missing_credentials" {
		t.Fatalf("expected missing_credentials status, got %s", records[0].Status)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected one failed field, got %+v", stats)
	}

	// A direct Get must surface the terminal error.
	if _, err := reader.Get(ctx, records[0].ID); err == nil {
		t.Fatalf("expected missing credential data error")
	}
}

func TestStoreSettings(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	val, err := store.GetSetting(ctx, "absent")
	if err != nil || val != "" {
		t.Fatalf("expected empty for absent setting, got %q err=%v", val, err)
	}
	if err := store.SetSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("SetSetting error: %v", err)
	}
	if err := store.SetSetting(ctx, "theme", "light"); err != nil {
		t.Fatalf("SetSetting update error: %v", err)
	}
	val, err = store.GetSetting(ctx, "theme")
	if err != nil || val != "light" {
		t.Fatalf("GetSetting = %q err=%v", val, err)
	}
}
