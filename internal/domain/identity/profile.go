package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"antigravity-manager/internal/platform/errors"
)

// Profile is the set of four correlated identifiers the managed IDE uses to
// recognise "this machine".
type Profile struct {
	MachineID    string `json:"machineId"`
	MacMachineID string `json:"macMachineId"`
	DevDeviceID  string `json:"devDeviceId"`
	SqmID        string `json:"sqmId"`
}

// Template describes the platform-specific shape of machineId: a fixed
// prefix followed by a lowercase hex suffix of exact length.
type Template struct {
	Prefix string
	HexLen int
}

// DefaultTemplate matches the shape the IDE generates on every supported
// platform today.
func DefaultTemplate() Template {
	return Template{Prefix: "", HexLen: 64}
}

// Namespace tags salt the seed hash per field so the four identifiers are
// derived independently.
const (
	tagMachineID    = "machine-id"
	tagMacMachineID = "mac-machine-id"
	tagDevDeviceID  = "dev-device-id"
	tagSqmID        = "sqm-id"
)

var (
	uuidV4Pattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	sqmPattern    = regexp.MustCompile(`^\{[0-9A-F]{8}-[0-9A-F]{4}-4[0-9A-F]{3}-[89AB][0-9A-F]{3}-[0-9A-F]{12}\}$`)
	hexPattern    = regexp.MustCompile(`^[0-9a-f]+$`)
)

// Generate derives a fresh profile from a random seed. The result is
// validated before it is returned; a malformed profile is an error, never
// silently coerced.
func Generate(tmpl Template) (*Profile, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, errors.Wrap(errors.KindIdentity, "identity.generate", "draw random seed", err)
	}
	return generateFromSeed(tmpl, seed)
}

func generateFromSeed(tmpl Template, seed []byte) (*Profile, error) {
	machineID, err := machineIDFromSeed(tmpl, seed)
	if err != nil {
		return nil, err
	}

	profile := &Profile{
		MachineID:    machineID,
		MacMachineID: uuidFromSeed(seed, tagMacMachineID).String(),
		DevDeviceID:  uuidFromSeed(seed, tagDevDeviceID).String(),
		SqmID:        "{" + strings.ToUpper(uuidFromSeed(seed, tagSqmID).String()) + "}",
	}

	if err := Validate(profile, tmpl); err != nil {
		return nil, err
	}
	return profile, nil
}

func machineIDFromSeed(tmpl Template, seed []byte) (string, error) {
	if tmpl.HexLen <= 0 {
		return "", errors.New(errors.KindIdentity, "identity.generate", "template hex length must be positive")
	}

	// Chain hashes until enough hex digits are available.
	var hexDigits strings.Builder
	material := append(append([]byte{}, seed...), tagMachineID...)
	for hexDigits.Len() < tmpl.HexLen {
		sum := sha256.Sum256(material)
		hexDigits.WriteString(hex.EncodeToString(sum[:]))
		material = sum[:]
	}
	return tmpl.Prefix + hexDigits.String()[:tmpl.HexLen], nil
}

// uuidFromSeed coerces sha256(seed||tag) into a version-4 shaped UUID.
func uuidFromSeed(seed []byte, tag string) uuid.UUID {
	sum := sha256.Sum256(append(append([]byte{}, seed...), tag...))
	var u uuid.UUID
	copy(u[:], sum[:16])
	u[6] = (u[6] & 0x0f) | 0x40
	u[8] = (u[8] & 0x3f) | 0x80
	return u
}

// Validate checks every structural invariant of a profile. Failures are
// terminal: a profile that does not validate must never be applied.
func Validate(p *Profile, tmpl Template) error {
	if p == nil {
		return errors.New(errors.KindIdentity, "identity.validate", "nil profile")
	}
	if !strings.HasPrefix(p.MachineID, tmpl.Prefix) {
		return errors.New(errors.KindIdentity, "identity.validate",
			fmt.Sprintf("machineId missing prefix %q", tmpl.Prefix))
	}
	suffix := strings.TrimPrefix(p.MachineID, tmpl.Prefix)
	if len(suffix) != tmpl.HexLen || !hexPattern.MatchString(suffix) {
		return errors.New(errors.KindIdentity, "identity.validate",
			fmt.Sprintf("machineId suffix must be %d hex chars", tmpl.HexLen))
	}
	if !uuidV4Pattern.MatchString(p.MacMachineID) {
		return errors.New(errors.KindIdentity, "identity.validate", "macMachineId is not a v4 uuid")
	}
	if !uuidV4Pattern.MatchString(p.DevDeviceID) {
		return errors.New(errors.KindIdentity, "identity.validate", "devDeviceId is not a v4 uuid")
	}
	if !sqmPattern.MatchString(p.SqmID) {
		return errors.New(errors.KindIdentity, "identity.validate", "sqmId is not a braced uppercase uuid")
	}
	if p.MacMachineID == p.DevDeviceID {
		return errors.New(errors.KindIdentity, "identity.validate", "macMachineId equals devDeviceId")
	}
	return nil
}

// Equal reports whether two profiles carry identical identifiers.
func (p *Profile) Equal(other *Profile) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.MachineID == other.MachineID &&
		p.MacMachineID == other.MacMachineID &&
		p.DevDeviceID == other.DevDeviceID &&
		p.SqmID == other.SqmID
}
