package identity

import (
	"context"
	"fmt"
	"os"
	"sync"

	"antigravity-manager/internal/platform/config"
	"antigravity-manager/internal/platform/errors"
	"antigravity-manager/internal/platform/logging"
	"antigravity-manager/internal/platform/storage"
)

// Apply stage names. Classification of a failed apply keys off these, so
// they are part of the error contract.
const (
	StageBackup         = "backup"
	StageWriteStorage   = "write_storage"
	StageSyncState      = "sync_state"
	StageVerifyStorage  = "verify_storage"
	StageVerifyState    = "verify_state"
	StageCommitSnapshot = "commit_snapshot"
)

const backupSuffix = ".backup"

// RollbackOutcome reports what happened to the on-disk files after a failed
// apply. Callers use it to count rollbacks without parsing log output.
type RollbackOutcome int

const (
	// RollbackNone means no rollback ran, either because the apply
	// succeeded or because there was nothing on disk to restore.
	RollbackNone RollbackOutcome = iota
	RollbackSucceeded
	RollbackFailed
)

func (r RollbackOutcome) String() string {
	switch r {
	case RollbackSucceeded:
		return "succeeded"
	case RollbackFailed:
		return "failed"
	default:
		return "none"
	}
}

// Manager owns the device-identity profile lifecycle: generation, capture,
// the staged apply protocol with rollback, and the hardening state machine.
type Manager struct {
	cfg         config.IdentityConfig
	tmpl        Template
	storagePath string
	statePath   string

	state     *storage.StateDB
	logger    *logging.Logger
	hardening *Hardening
	snapshot  *Snapshot

	mu       sync.Mutex
	baseline *Profile
}

func NewManager(cfg config.IdentityConfig, app config.AppConfig, snapshotDir string, state *storage.StateDB, logger *logging.Logger) *Manager {
	tmpl := Template{Prefix: cfg.MachineIDPrefix, HexLen: cfg.MachineIDHexLen}
	if tmpl.HexLen <= 0 {
		tmpl = DefaultTemplate()
	}
	return &Manager{
		cfg:         cfg,
		tmpl:        tmpl,
		storagePath: app.StorageFile,
		statePath:   app.StateDB,
		state:       state,
		logger:      logger,
		hardening:   NewHardening(cfg.FailureThreshold, cfg.SafeModeWindow),
		snapshot:    NewSnapshot(snapshotDir),
	}
}

// Template returns the machineId shape this manager validates against.
func (m *Manager) Template() Template { return m.tmpl }

// Hardening exposes the failure tracker for status reporting.
func (m *Manager) Hardening() *Hardening { return m.hardening }

// SnapshotMarker reports the last-known-good snapshot state, nil if none.
func (m *Manager) SnapshotMarker() (*SnapshotMarker, error) { return m.snapshot.Marker() }

// Generate produces a validated fresh profile.
func (m *Manager) Generate() (*Profile, error) {
	return Generate(m.tmpl)
}

// Capture reads the profile currently on disk. Fields the IDE has never
// written come back empty.
func (m *Manager) Capture() (*Profile, error) {
	data, err := readStorageFile(m.storagePath)
	if err != nil {
		return nil, err
	}
	return captureProfile(data), nil
}

// Baseline returns the profile captured before the first apply, nil if no
// apply has happened yet. The baseline is first-write-wins for the process
// lifetime so the operator can always get back to the machine's original
// identity.
func (m *Manager) Baseline() *Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseline
}

// CanApply reports whether profile application may run. Safe mode wins over
// the enabled flag; the force override wins over safe mode.
func (m *Manager) CanApply() (bool, string) {
	if m.hardening.SafeModeActive() {
		if m.cfg.ForceEnabled {
			return true, "safe mode overridden by force flag"
		}
		return false, "safe mode active"
	}
	if !m.cfg.Enabled {
		return false, "profile application disabled"
	}
	return true, ""
}

// Apply runs the staged protocol: backup, write storage, sync state, verify
// both, commit snapshot. Any failure before commit rolls the files back to
// their pre-apply content; the returned error always carries the classified
// reason for the stage that failed, and the outcome reports how the rollback
// went.
func (m *Manager) Apply(ctx context.Context, profile *Profile) (RollbackOutcome, error) {
	if err := Validate(profile, m.tmpl); err != nil {
		return RollbackNone, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return RollbackNone, errors.Wrap(errors.KindIdentity, "identity.apply", "context cancelled", err)
	}

	previous, err := m.captureLocked()
	if err != nil {
		return RollbackNone, err
	}
	if m.baseline == nil {
		m.baseline = previous
	}

	haveStorageBackup := false
	haveStateBackup := false
	defer func() {
		if haveStorageBackup {
			os.Remove(m.storagePath + backupSuffix)
		}
		if haveStateBackup {
			os.Remove(m.statePath + backupSuffix)
		}
	}()

	fail := func(stage string, err error) (RollbackOutcome, error) {
		reason := errors.Classify(stage, err)
		m.hardening.RecordFailure(reason, stage)
		m.logger.ErrorTag("identity", "apply failed at %s: %v", stage, err)
		outcome := m.rollback(previous, haveStorageBackup, haveStateBackup)
		return outcome, errors.WithReason(errors.KindIdentity, "identity.apply."+stage, reason,
			fmt.Sprintf("apply failed at stage %s", stage), err)
	}

	// Stage 1: backup the live files next to themselves.
	if _, err := os.Stat(m.storagePath); err == nil {
		if err := copyFile(m.storagePath, m.storagePath+backupSuffix); err != nil {
			return fail(StageBackup, err)
		}
		haveStorageBackup = true
	}
	if m.statePath != "" {
		if _, err := os.Stat(m.statePath); err == nil {
			if err := copyFile(m.statePath, m.statePath+backupSuffix); err != nil {
				return fail(StageBackup, err)
			}
			haveStateBackup = true
		}
	}

	// Stage 2: rewrite storage.json atomically.
	data, err := readStorageFile(m.storagePath)
	if err != nil {
		return fail(StageWriteStorage, err)
	}
	applyProfile(data, profile)
	if err := writeStorageFile(m.storagePath, data); err != nil {
		return fail(StageWriteStorage, err)
	}

	// Stage 3: mirror devDeviceId into the state database. Busy retries
	// happen inside the state layer.
	if m.state != nil {
		if err := m.state.Set(ServiceMachineIDKey, profile.DevDeviceID); err != nil {
			return fail(StageSyncState, err)
		}
	}

	// Stage 4: re-read storage.json and compare field by field.
	written, err := m.captureLocked()
	if err != nil {
		return fail(StageVerifyStorage, err)
	}
	if !written.Equal(profile) {
		return fail(StageVerifyStorage, errors.New(errors.KindIdentity,
			"identity.apply.verify_storage", "storage file does not match applied profile"))
	}

	// Stage 5: confirm the state mirror.
	if m.state != nil {
		value, ok, err := m.state.Get(ServiceMachineIDKey)
		if err != nil {
			return fail(StageVerifyState, err)
		}
		if !ok || value != profile.DevDeviceID {
			return fail(StageVerifyState, errors.New(errors.KindIdentity,
				"identity.apply.verify_state", "state db service machine id mismatch"))
		}
	}

	// Stage 6: refresh the last-known-good snapshot. The apply already
	// verified, so a snapshot failure is recorded but not fatal and does
	// not count towards safe mode.
	if err := m.snapshot.Commit(m.storagePath, m.statePath); err != nil {
		m.logger.WarnTag("identity", "snapshot commit failed after verified apply: %v", err)
		m.hardening.RecordNonFatal(errors.ReasonSnapshotUpdateFailed, StageCommitSnapshot)
		m.hardening.RecordSuccess()
		return RollbackNone, nil
	}

	m.hardening.RecordSuccess()
	m.logger.InfoTag("identity", "profile applied and verified (devDeviceId=%s)", profile.DevDeviceID)
	return RollbackNone, nil
}

func (m *Manager) captureLocked() (*Profile, error) {
	data, err := readStorageFile(m.storagePath)
	if err != nil {
		return nil, err
	}
	return captureProfile(data), nil
}

// rollback restores the pre-apply files: first from the adjacent .backup
// copies, and if that fails or verification still disagrees, from the
// last-known-good snapshot. Every path failing is logged; the original
// stage error is what the caller sees, with the outcome reported alongside.
func (m *Manager) rollback(previous *Profile, haveStorage, haveState bool) RollbackOutcome {
	if !haveStorage && !haveState {
		return RollbackNone
	}
	restored := true
	if haveStorage {
		if err := copyFile(m.storagePath+backupSuffix, m.storagePath); err != nil {
			m.logger.ErrorTag("identity", "rollback: restore storage backup failed: %v", err)
			restored = false
		}
	}
	if haveState {
		if err := copyFile(m.statePath+backupSuffix, m.statePath); err != nil {
			m.logger.ErrorTag("identity", "rollback: restore state backup failed: %v", err)
			restored = false
		}
	}

	if restored && haveStorage {
		if current, err := m.captureLocked(); err != nil || !current.Equal(previous) {
			m.logger.WarnTag("identity", "rollback verification mismatch, falling back to snapshot")
			restored = false
		}
	}

	if !restored {
		if err := m.snapshot.Restore(m.storagePath, m.statePath); err != nil {
			m.logger.ErrorTag("identity", "rollback: snapshot restore failed: %v", err)
			return RollbackFailed
		}
	}
	return RollbackSucceeded
}
