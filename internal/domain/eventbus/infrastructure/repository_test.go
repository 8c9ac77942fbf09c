package infrastructure

import (
	"context"
	"fmt"
	"testing"
	"time"

	"antigravity-manager/internal/domain/eventbus"
	"antigravity-manager/internal/domain/eventbus/repository"
	"antigravity-manager/internal/platform/storage"
)

var testDBSeq int

func newTestRepo(t *testing.T) repository.AuditRepository {
	t.Helper()
	testDBSeq++
	db, err := storage.Open(fmt.Sprintf("file:audit-test-%d?mode=memory&cache=shared", testDBSeq))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return NewAuditRepository(db)
}

func TestAuditStoreAndFind(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		err := repo.Store(ctx, repository.Event{
			EventType: eventbus.EventSwitchCompleted,
			AccountID: "acct-1",
			Data:      eventbus.SwitchEventData{Email: "u@example.com", DurationMs: int64(i)},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	if err := repo.Store(ctx, repository.Event{
		EventType: eventbus.EventSwitchFailed,
		AccountID: "acct-2",
		CreatedAt: base.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	recent, err := repo.FindRecent(ctx, 2)
	if err != nil {
		t.Fatalf("FindRecent: %v", err)
	}
	if len(recent) != 2 || recent[0].EventType != eventbus.EventSwitchFailed {
		t.Fatalf("recent = %+v", recent)
	}

	byAccount, err := repo.FindByAccountID(ctx, "acct-1")
	if err != nil {
		t.Fatalf("FindByAccountID: %v", err)
	}
	if len(byAccount) != 3 {
		t.Fatalf("events for acct-1 = %d, want 3", len(byAccount))
	}
	if !byAccount[0].CreatedAt.Before(byAccount[2].CreatedAt) {
		t.Fatalf("account events not oldest first")
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[eventbus.EventSwitchCompleted] != 3 || stats[eventbus.EventSwitchFailed] != 1 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestAuditDeleteBefore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := repo.Store(ctx, repository.Event{EventType: "old", CreatedAt: old}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := repo.Store(ctx, repository.Event{EventType: "new", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := repo.DeleteBefore(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	remaining, err := repo.FindRecent(ctx, 0)
	if err != nil {
		t.Fatalf("FindRecent: %v", err)
	}
	if len(remaining) != 1 || remaining[0].EventType != "new" {
		t.Fatalf("remaining = %+v", remaining)
	}
}
