package switchsvc

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"antigravity-manager/internal/domain/account"
	"antigravity-manager/internal/domain/identity"
	"antigravity-manager/internal/domain/inject"
	"antigravity-manager/internal/platform/config"
	"antigravity-manager/internal/platform/errors"
	"antigravity-manager/internal/platform/storage"
)

var orchDBSeq int

func newTestStore(t *testing.T) *account.Store {
	t.Helper()
	orchDBSeq++
	db, err := storage.Open(fmt.Sprintf("file:orch-test-%d?mode=memory&cache=shared", orchDBSeq))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "master.key")
	if err := account.EnsureKeyFile(keyPath); err != nil {
		t.Fatalf("ensure key file: %v", err)
	}
	return account.NewStore(db, account.NewCipher(account.FileKeySource("master", keyPath)), nil)
}

func addAccount(t *testing.T, store *account.Store, email string, withProfile bool) *account.Record {
	t.Helper()
	rec := &account.Record{
		Email: email,
		Name:  "Tester",
		Token: &account.Token{
			AccessToken:     "access-" + email,
			RefreshToken:    "refresh-" + email,
			ExpiryTimestamp: time.Now().Add(time.Hour).UnixMilli(),
		},
	}
	added, err := store.Add(context.Background(), rec, false)
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	if withProfile {
		profile, err := identity.Generate(identity.DefaultTemplate())
		if err != nil {
			t.Fatalf("generate profile: %v", err)
		}
		raw, err := sonic.Marshal(profile)
		if err != nil {
			t.Fatalf("marshal profile: %v", err)
		}
		if err := store.SetProfile(context.Background(), added.ID, raw); err != nil {
			t.Fatalf("bind profile: %v", err)
		}
	}
	return added
}

type stubIdentity struct {
	can      bool
	why      string
	applied  []*identity.Profile
	applyErr error
	rollback identity.RollbackOutcome
}

func (s *stubIdentity) CanApply() (bool, string) { return s.can, s.why }
func (s *stubIdentity) Apply(_ context.Context, p *identity.Profile) (identity.RollbackOutcome, error) {
	if s.applyErr != nil {
		return s.rollback, s.applyErr
	}
	s.applied = append(s.applied, p)
	return identity.RollbackNone, nil
}

type stubInjector struct {
	injected []inject.Credentials
	err      error
}

func (s *stubInjector) Inject(_ context.Context, creds inject.Credentials) (inject.Format, error) {
	if s.err != nil {
		return "", s.err
	}
	s.injected = append(s.injected, creds)
	return inject.FormatUnified, nil
}

type stubProcs struct {
	closed   int
	started  int
	closeErr error
	startErr error
}

func (s *stubProcs) Close(_ context.Context, _ time.Duration) error {
	s.closed++
	return s.closeErr
}

func (s *stubProcs) Start(_ context.Context, _ string, _ ...string) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started++
	return nil
}

type stubRefresher struct {
	token *account.Token
	err   error
	calls int
}

func (s *stubRefresher) RefreshAccessToken(_ context.Context, _ string) (*account.Token, error) {
	s.calls++
	return s.token, s.err
}

func newTestOrchestrator(store *account.Store, id *stubIdentity, inj *stubInjector, procs *stubProcs, google *stubRefresher) *Orchestrator {
	return NewOrchestrator(Options{
		Store:    store,
		Identity: id,
		Injector: inj,
		Procs:    procs,
		Google:   google,
		App:      config.AppConfig{Executable: "/opt/ide/bin", ExitTimeout: time.Second},
		Logger:   nil,
	})
}

func TestSwitchHappyPath(t *testing.T) {
	store := newTestStore(t)
	rec := addAccount(t, store, "a@example.com", true)

	id := &stubIdentity{can: true}
	inj := &stubInjector{}
	procs := &stubProcs{}
	orch := newTestOrchestrator(store, id, inj, procs, nil)

	if err := orch.Switch(context.Background(), rec.ID, OwnerLocal); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	if procs.closed != 1 || procs.started != 1 {
		t.Fatalf("process calls = close %d, start %d", procs.closed, procs.started)
	}
	if len(id.applied) != 1 {
		t.Fatalf("profile applied %d times", len(id.applied))
	}
	if len(inj.injected) != 1 || inj.injected[0].Email != "a@example.com" {
		t.Fatalf("injected = %+v", inj.injected)
	}

	active, err := store.Active(context.Background())
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active.ID != rec.ID {
		t.Fatalf("active account = %s, want %s", active.ID, rec.ID)
	}

	snap := orch.Metrics().Snapshot()
	if snap.Success != 1 || snap.Failure != 0 {
		t.Fatalf("metrics = %+v", snap)
	}
	if snap.ByOwner[OwnerLocal].Success != 1 {
		t.Fatalf("owner metrics = %+v", snap.ByOwner)
	}
}

func TestSwitchMissingBoundProfileIsFatal(t *testing.T) {
	store := newTestStore(t)
	rec := addAccount(t, store, "nb@example.com", false)

	id := &stubIdentity{can: true}
	inj := &stubInjector{}
	procs := &stubProcs{}
	orch := newTestOrchestrator(store, id, inj, procs, nil)

	err := orch.Switch(context.Background(), rec.ID, OwnerLocal)
	if err == nil {
		t.Fatalf("Switch succeeded without bound profile")
	}
	if got := errors.ReasonOf(err); got != errors.ReasonMissingBoundProfile {
		t.Fatalf("reason = %s", got)
	}
	if len(inj.injected) != 0 {
		t.Fatalf("credentials injected despite fatal profile error")
	}
	if procs.started != 0 {
		t.Fatalf("process restarted after failed switch")
	}
}

func TestSwitchSkipsApplyWhenDisabled(t *testing.T) {
	store := newTestStore(t)
	rec := addAccount(t, store, "off@example.com", false)

	id := &stubIdentity{can: false, why: "profile application disabled"}
	inj := &stubInjector{}
	procs := &stubProcs{}
	orch := newTestOrchestrator(store, id, inj, procs, nil)

	// No bound profile, but apply is skipped, so the switch proceeds.
	if err := orch.Switch(context.Background(), rec.ID, OwnerCloud); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if len(id.applied) != 0 {
		t.Fatalf("profile applied while disabled")
	}
	if len(inj.injected) != 1 {
		t.Fatalf("credentials not injected")
	}
}

func TestSwitchInjectFailureLeavesIDEStopped(t *testing.T) {
	store := newTestStore(t)
	rec := addAccount(t, store, "fail@example.com", true)

	id := &stubIdentity{can: true}
	inj := &stubInjector{err: errors.New(errors.KindInject, "inject", "state db unwritable")}
	procs := &stubProcs{}
	orch := newTestOrchestrator(store, id, inj, procs, nil)

	err := orch.Switch(context.Background(), rec.ID, OwnerLocal)
	if err == nil {
		t.Fatalf("Switch succeeded despite inject failure")
	}
	if got := errors.ReasonOf(err); got != errors.ReasonPerformSwitchFailed {
		t.Fatalf("reason = %s", got)
	}
	if procs.started != 0 {
		t.Fatalf("IDE restarted after failed injection")
	}
	if active, _ := store.Active(context.Background()); active != nil {
		t.Fatalf("account marked active despite failed switch")
	}

	snap := orch.Metrics().Snapshot()
	if snap.Failure != 1 || snap.Reasons[errors.ReasonPerformSwitchFailed] != 1 {
		t.Fatalf("metrics = %+v", snap)
	}
	if snap.LastFailure == nil || snap.LastFailure.Stage != "switch" {
		t.Fatalf("last failure = %+v", snap.LastFailure)
	}
}

func TestSwitchRecordsRollbackOutcome(t *testing.T) {
	store := newTestStore(t)
	rec := addAccount(t, store, "rb@example.com", true)

	id := &stubIdentity{
		can:      true,
		applyErr: errors.New(errors.KindIdentity, "identity.apply.write_storage", "disk full"),
		rollback: identity.RollbackSucceeded,
	}
	orch := newTestOrchestrator(store, id, &stubInjector{}, &stubProcs{}, nil)

	if err := orch.Switch(context.Background(), rec.ID, OwnerLocal); err == nil {
		t.Fatalf("Switch succeeded despite apply failure")
	}

	snap := orch.Metrics().Snapshot()
	if snap.RollbackAttempted != 1 || snap.RollbackSucceeded != 1 || snap.RollbackFailed != 0 {
		t.Fatalf("rollback counters = %d/%d/%d",
			snap.RollbackAttempted, snap.RollbackSucceeded, snap.RollbackFailed)
	}
	if snap.ByOwner[OwnerLocal].Rollbacks != 1 {
		t.Fatalf("owner rollbacks = %+v", snap.ByOwner)
	}

	// A failed restore shows up in the failed counter.
	id2 := &stubIdentity{
		can:      true,
		applyErr: errors.New(errors.KindIdentity, "identity.apply.write_storage", "disk full"),
		rollback: identity.RollbackFailed,
	}
	orch2 := newTestOrchestrator(store, id2, &stubInjector{}, &stubProcs{}, nil)
	if err := orch2.Switch(context.Background(), rec.ID, OwnerCloud); err == nil {
		t.Fatalf("Switch succeeded despite apply failure")
	}
	snap2 := orch2.Metrics().Snapshot()
	if snap2.RollbackAttempted != 1 || snap2.RollbackFailed != 1 {
		t.Fatalf("rollback counters = %+v", snap2)
	}
}

func TestSwitchStartFailure(t *testing.T) {
	store := newTestStore(t)
	rec := addAccount(t, store, "start@example.com", true)

	id := &stubIdentity{can: true}
	inj := &stubInjector{}
	procs := &stubProcs{startErr: errors.New(errors.KindPlatform, "procctl.start", "executable not found")}
	orch := newTestOrchestrator(store, id, inj, procs, nil)

	err := orch.Switch(context.Background(), rec.ID, OwnerLocal)
	if err == nil {
		t.Fatalf("Switch succeeded despite start failure")
	}
	if got := errors.ReasonOf(err); got != errors.ReasonStartProcessFailed {
		t.Fatalf("reason = %s", got)
	}
	// Credentials landed before the start stage; the account stays active.
	if active, _ := store.Active(context.Background()); active == nil || active.ID != rec.ID {
		t.Fatalf("active account lost after start failure")
	}
}

func TestSwitchRefreshesExpiredToken(t *testing.T) {
	store := newTestStore(t)
	rec := addAccount(t, store, "exp@example.com", false)
	expired := &account.Token{
		AccessToken:     "stale",
		RefreshToken:    "rt",
		ExpiryTimestamp: time.Now().Add(-time.Hour).UnixMilli(),
	}
	if err := store.UpdateToken(context.Background(), rec.ID, expired); err != nil {
		t.Fatalf("seed expired token: %v", err)
	}

	google := &stubRefresher{token: &account.Token{
		AccessToken:     "fresh",
		RefreshToken:    "rt",
		ExpiryTimestamp: time.Now().Add(time.Hour).UnixMilli(),
	}}
	id := &stubIdentity{can: false, why: "disabled"}
	inj := &stubInjector{}
	orch := newTestOrchestrator(store, id, inj, &stubProcs{}, google)

	if err := orch.Switch(context.Background(), rec.ID, OwnerLocal); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if google.calls != 1 {
		t.Fatalf("refresh calls = %d", google.calls)
	}
	if inj.injected[0].AccessToken != "fresh" {
		t.Fatalf("injected stale token: %+v", inj.injected[0])
	}

	// The refreshed token was persisted.
	stored, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Token.AccessToken != "fresh" {
		t.Fatalf("stored token = %+v", stored.Token)
	}
}
