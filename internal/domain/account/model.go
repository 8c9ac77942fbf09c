package account

import (
	"encoding/json"
	"strings"
	"time"
)

// Token is the decrypted OAuth credential attached to an account.
// ExpiryTimestamp is epoch milliseconds, matching what the managed IDE
// persists.
type Token struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	TokenType       string `json:"token_type,omitempty"`
	ExpiryTimestamp int64  `json:"expiry_timestamp"`
	IDToken         string `json:"id_token,omitempty"`
}

// Expired reports whether the access token is past its expiry. A token
// without an expiry is treated as expired.
func (t *Token) Expired() bool {
	if t == nil || t.ExpiryTimestamp == 0 {
		return true
	}
	return time.Now().UnixMilli() >= t.ExpiryTimestamp
}

// ModelQuota is the remaining quota for a single model.
type ModelQuota struct {
	Percentage int    `json:"percentage"`
	ResetTime  string `json:"resetTime"`
}

// Quota aggregates per-model quota for an account.
type Quota struct {
	Models map[string]ModelQuota `json:"models"`
}

// MinPercentage returns the lowest quota across models whose name contains
// filter (case-insensitive); filter "" considers every model. The second
// return is false when no model matched.
func (q *Quota) MinPercentage(filter string) (int, bool) {
	if q == nil || len(q.Models) == 0 {
		return 0, false
	}
	min, found := 0, false
	for name, m := range q.Models {
		if filter != "" && !containsFold(name, filter) {
			continue
		}
		if !found || m.Percentage < min {
			min, found = m.Percentage, true
		}
	}
	return min, found
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Record is the decrypted in-memory view of a stored account. Profile and
// ProfileHistory stay opaque here; the identity package owns their shape.
type Record struct {
	ID             string          `json:"id"`
	Provider       string          `json:"provider"`
	Email          string          `json:"email"`
	Name           string          `json:"name"`
	AvatarURL      string          `json:"avatar_url"`
	Status         string          `json:"status"`
	IsActive       bool            `json:"is_active"`
	LastUsed       int64           `json:"last_used"`
	CreatedAt      time.Time       `json:"created_at"`
	Token          *Token          `json:"token,omitempty"`
	Quota          *Quota          `json:"quota,omitempty"`
	Profile        json.RawMessage `json:"profile,omitempty"`
	ProfileHistory json.RawMessage `json:"profile_history,omitempty"`
}
