package errors

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindConfig    Kind = "config"
	KindDomain    Kind = "domain"
	KindTransport Kind = "transport"
	KindPlatform  Kind = "platform"
	KindBootstrap Kind = "bootstrap"
	KindStorage   Kind = "storage"
	KindIdentity  Kind = "identity"
	KindInject    Kind = "inject"
	KindSwitch    Kind = "switch"
	KindUnknown   Kind = "unknown"
)

// Reason is a canonical switch/apply failure code. Reasons are assigned at the
// throw site; Classify is the defensive fallback for errors raised outside
// this codebase.
type Reason string

const (
	ReasonBackupFailed         Reason = "backup_failed"
	ReasonStorageWriteFailed   Reason = "storage_write_failed"
	ReasonStateSyncFailed      Reason = "state_sync_failed"
	ReasonVerifyStorageFailed  Reason = "verify_storage_failed"
	ReasonVerifyStateFailed    Reason = "verify_state_failed"
	ReasonSnapshotUpdateFailed Reason = "snapshot_update_failed"
	ReasonRollbackFailed       Reason = "rollback_failed"
	ReasonMissingBoundProfile  Reason = "missing_bound_profile"
	ReasonProcessCloseFailed   Reason = "process_close_failed"
	ReasonStartProcessFailed   Reason = "start_process_failed"
	ReasonPerformSwitchFailed  Reason = "perform_switch_failed"
	ReasonUnknown              Reason = "unknown"
)

type Error struct {
	Kind    Kind
	Op      string
	Reason  Reason
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func Wrap(kind Kind, op, message string, err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}

func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

// WithReason builds an error carrying a canonical failure reason. Unlike Wrap
// it never collapses into an existing typed error: the reason recorded at the
// throw site must survive.
func WithReason(kind Kind, op string, reason Reason, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Reason:  reason,
		Message: message,
		Cause:   err,
	}
}

// IsKind checks whether any error in the chain matches the provided kind.
func IsKind(err error, kind Kind) bool {
	var target *Error
	for err != nil {
		if errors.As(err, &target) {
			return target.Kind == kind
		}
		err = errors.Unwrap(err)
	}
	return false
}

// ReasonOf walks the chain and returns the first non-empty reason, or
// ReasonUnknown when nothing in the chain carries one.
func ReasonOf(err error) Reason {
	for err != nil {
		var typed *Error
		if errors.As(err, &typed) && typed.Reason != "" {
			return typed.Reason
		}
		err = errors.Unwrap(err)
	}
	return ReasonUnknown
}

// stageReasons maps apply-protocol stage names onto reason codes.
var stageReasons = map[string]Reason{
	"backup":          ReasonBackupFailed,
	"write_storage":   ReasonStorageWriteFailed,
	"sync_state":      ReasonStateSyncFailed,
	"verify_storage":  ReasonVerifyStorageFailed,
	"verify_state":    ReasonVerifyStateFailed,
	"commit_snapshot": ReasonSnapshotUpdateFailed,
	"rollback":        ReasonRollbackFailed,
	"close":           ReasonProcessCloseFailed,
	"switch":          ReasonPerformSwitchFailed,
	"start":           ReasonStartProcessFailed,
}

// messageHints classify foreign errors by message substring. They only fire
// when neither the error chain nor the stage name resolves a reason.
var messageHints = []struct {
	substr string
	reason Reason
}{
	{"database is locked", ReasonStateSyncFailed},
	{"database table is locked", ReasonStateSyncFailed},
	{"permission denied", ReasonStorageWriteFailed},
	{"no such file", ReasonBackupFailed},
	{"verify", ReasonVerifyStorageFailed},
}

// Classify resolves the reason for a failure observed at a named stage.
// Priority: an explicit reason already on the chain, then the stage name,
// then known message substrings.
func Classify(stage string, err error) Reason {
	if r := ReasonOf(err); r != ReasonUnknown {
		return r
	}
	if r, ok := stageReasons[stage]; ok {
		return r
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		for _, hint := range messageHints {
			if strings.Contains(msg, hint.substr) {
				return hint.reason
			}
		}
	}
	return ReasonUnknown
}
