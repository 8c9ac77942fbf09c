package inject

import (
	"strconv"
	"strings"
)

// Format selects which state database representation receives credentials.
type Format string

const (
	// FormatUnified writes the base64 protobuf envelope introduced in 1.2.0.
	FormatUnified Format = "unified"
	// FormatLegacy splices the OAuth sub-message into the old init blob.
	FormatLegacy Format = "legacy"
	// FormatDual writes both when probing cannot decide which one the
	// installed IDE reads.
	FormatDual Format = "dual"
)

// State database keys touched by injection.
const (
	UnifiedTokenKey  = "antigravityUnifiedStateSync.oauthToken"
	LegacyStateKey   = "antigravity.agentInitState"
	AuthStatusKey    = "antigravityAuthStatus"
	OnboardingKey    = "antigravityOnboarding"
	LegacySessionKey = "google.antigravity"
)

// unifiedSince is the first IDE version that reads the unified token key.
var unifiedSince = [3]int{1, 2, 0}

// FormatFromVersion decides the format from the IDE version alone. ok is
// false when the version cannot be parsed and key presence must decide.
func FormatFromVersion(version string) (Format, bool) {
	major, minor, patch, ok := parseVersion(version)
	if !ok {
		return "", false
	}
	if versionAtLeast(major, minor, patch, unifiedSince) {
		return FormatUnified, true
	}
	return FormatLegacy, true
}

// ResolveFormat picks the injection format. A known version decides outright;
// otherwise the presence of exactly one of the two token keys decides; when
// both or neither exist the caller must write both.
func ResolveFormat(version string, hasUnified, hasLegacy bool) Format {
	if f, ok := FormatFromVersion(version); ok {
		return f
	}
	switch {
	case hasUnified && !hasLegacy:
		return FormatUnified
	case hasLegacy && !hasUnified:
		return FormatLegacy
	default:
		return FormatDual
	}
}

func parseVersion(version string) (major, minor, patch int, ok bool) {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		return 0, 0, 0, false
	}
	// Tolerate suffixes like "1.2.0-insider".
	if idx := strings.IndexAny(version, "-+ "); idx >= 0 {
		version = version[:idx]
	}
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return 0, 0, 0, false
	}
	nums := make([]int, 0, 3)
	for i, part := range parts {
		if i == 3 {
			break
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, 0, 0, false
		}
		nums = append(nums, n)
	}
	for len(nums) < 3 {
		nums = append(nums, 0)
	}
	return nums[0], nums[1], nums[2], true
}

func versionAtLeast(major, minor, patch int, min [3]int) bool {
	if major != min[0] {
		return major > min[0]
	}
	if minor != min[1] {
		return minor > min[1]
	}
	return patch >= min[2]
}
