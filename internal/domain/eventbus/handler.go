package eventbus

import (
	"antigravity-manager/internal/platform/logging"
)

// SetupLogging subscribes a logging sink to the lifecycle topics so every
// switch and profile event lands in the structured log regardless of which
// transport triggered it.
func SetupLogging(logger *logging.Logger) {
	_ = SubscribeAsync(EventSwitchStarted, func(data SwitchEventData) {
		logger.InfoTag("switch", "switch started for %s (owner %s)", data.Email, data.Owner)
	})
	_ = SubscribeAsync(EventSwitchCompleted, func(data SwitchEventData) {
		logger.InfoTag("switch", "switch completed for %s in %dms", data.Email, data.DurationMs)
	})
	_ = SubscribeAsync(EventSwitchFailed, func(data SwitchEventData) {
		logger.ErrorTag("switch", "switch failed for %s at %s (%s)", data.Email, data.Stage, data.Reason)
	})
	_ = SubscribeAsync(EventProfileApplied, func(data IdentityEventData) {
		logger.InfoTag("identity", "profile applied (devDeviceId=%s)", data.DevDeviceID)
	})
	_ = SubscribeAsync(EventProfileSafeMode, func(data IdentityEventData) {
		logger.WarnTag("identity", "safe mode armed until %v after %s", data.SafeUntil, data.Reason)
	})
	_ = SubscribeAsync(EventSystemError, func(data SystemEventData) {
		logger.ErrorTag("boot", "%s", data.Message)
	})
}
