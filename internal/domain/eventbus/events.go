package eventbus

import "time"

// Event topics published by the manager.
const (
	// Switch lifecycle.
	EventSwitchStarted   = "switch:started"
	EventSwitchCompleted = "switch:completed"
	EventSwitchFailed    = "switch:failed"

	// Account lifecycle.
	EventAccountAdded     = "account:added"
	EventAccountRemoved   = "account:removed"
	EventAccountRefreshed = "account:refreshed"

	// Identity profile lifecycle.
	EventProfileApplied  = "identity:applied"
	EventProfileSafeMode = "identity:safe_mode"

	// System events.
	EventSystemError = "system:error"
	EventSystemInfo  = "system:info"
)

// SwitchEventData describes one switch attempt.
type SwitchEventData struct {
	AccountID  string `json:"account_id"`
	Email      string `json:"email"`
	Owner      string `json:"owner"`
	Stage      string `json:"stage,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// AccountEventData describes an account mutation.
type AccountEventData struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Action    string `json:"action"`
}

// IdentityEventData describes a profile apply or safe-mode transition.
type IdentityEventData struct {
	DevDeviceID string     `json:"dev_device_id,omitempty"`
	Stage       string     `json:"stage,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	SafeUntil   *time.Time `json:"safe_until,omitempty"`
}

// SystemEventData is a free-form system notification.
type SystemEventData struct {
	Level   string      `json:"level"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
