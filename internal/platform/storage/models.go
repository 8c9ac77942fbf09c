package storage

import (
	"time"

	"gorm.io/datatypes"
)

// Account is the persisted form of a provider account. TokenJSON and
// QuotaJSON hold AES-GCM encrypted payloads, never plaintext.
type Account struct {
	ID             string         `gorm:"type:varchar(36);primaryKey"        json:"id"`
	Provider       string         `gorm:"type:varchar(32);not null;default:'google'" json:"provider"`
	Email          string         `gorm:"type:varchar(255);uniqueIndex;not null"     json:"email"`
	Name           string         `                                          json:"name"`
	AvatarURL      string         `                                          json:"avatar_url"`
	TokenJSON      string         `gorm:"type:text"                          json:"token_json"`
	QuotaJSON      string         `gorm:"type:text"                          json:"quota_json"`
	Status         string         `gorm:"type:varchar(32);default:'ok'"      json:"status"`
	IsActive       bool           `gorm:"index"                              json:"is_active"`
	LastUsed       int64          `gorm:"index"                              json:"last_used"`
	Profile        datatypes.JSON `                                          json:"profile,omitempty"`
	ProfileHistory datatypes.JSON `                                          json:"profile_history,omitempty"`
	CreatedAt      time.Time      `                                          json:"created_at"`
	UpdatedAt      time.Time      `                                          json:"updated_at"`
}

// AuditEvent is a persisted lifecycle event, the switch history shown in
// the UI and kept for troubleshooting.
type AuditEvent struct {
	ID        uint           `gorm:"primaryKey"                   json:"id"`
	EventType string         `gorm:"type:varchar(64);index"       json:"event_type"`
	AccountID string         `gorm:"type:varchar(36);index"       json:"account_id"`
	Data      datatypes.JSON `                                    json:"data,omitempty"`
	CreatedAt time.Time      `gorm:"index"                        json:"created_at"`
}

// Setting is an opaque key/value row for manager-level state.
type Setting struct {
	Key       string    `gorm:"type:varchar(128);primaryKey" json:"key"`
	Value     string    `gorm:"type:text"                    json:"value"`
	UpdatedAt time.Time `                                    json:"updated_at"`
}
