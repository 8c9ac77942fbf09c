package identity

import (
	"strings"
	"testing"
)

func TestGenerateShape(t *testing.T) {
	tmpl := DefaultTemplate()
	seen := map[string]bool{}

	for i := 0; i < 20; i++ {
		p, err := Generate(tmpl)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if err := Validate(p, tmpl); err != nil {
			t.Fatalf("generated profile failed validation: %v", err)
		}
		if len(p.MachineID) != 64 {
			t.Fatalf("machineId length = %d, want 64", len(p.MachineID))
		}
		if p.SqmID != strings.ToUpper(p.SqmID) {
			t.Fatalf("sqmId not uppercase: %s", p.SqmID)
		}
		if seen[p.MachineID] {
			t.Fatalf("duplicate machineId across generations")
		}
		seen[p.MachineID] = true
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	tmpl := Template{Prefix: "auth0|user_", HexLen: 32}
	p, err := Generate(tmpl)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(p.MachineID, "auth0|user_") {
		t.Fatalf("machineId missing prefix: %s", p.MachineID)
	}
	if len(p.MachineID) != len("auth0|user_")+32 {
		t.Fatalf("machineId length = %d", len(p.MachineID))
	}
}

func TestGenerateLongHexSuffix(t *testing.T) {
	// Longer than a single sha256 digest, exercises hash chaining.
	tmpl := Template{HexLen: 96}
	p, err := Generate(tmpl)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(p.MachineID) != 96 {
		t.Fatalf("machineId length = %d, want 96", len(p.MachineID))
	}
}

func TestValidateRejects(t *testing.T) {
	tmpl := DefaultTemplate()
	good, err := Generate(tmpl)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p *Profile)
	}{
		{"short machineId", func(p *Profile) { p.MachineID = p.MachineID[:40] }},
		{"non-hex machineId", func(p *Profile) { p.MachineID = strings.Repeat("z", 64) }},
		{"uppercase mac uuid", func(p *Profile) { p.MacMachineID = strings.ToUpper(p.MacMachineID) }},
		{"wrong uuid version", func(p *Profile) {
			p.DevDeviceID = p.DevDeviceID[:14] + "1" + p.DevDeviceID[15:]
		}},
		{"unbraced sqmId", func(p *Profile) { p.SqmID = strings.Trim(p.SqmID, "{}") }},
		{"lowercase sqmId", func(p *Profile) { p.SqmID = strings.ToLower(p.SqmID) }},
		{"mac equals dev", func(p *Profile) { p.DevDeviceID = p.MacMachineID }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := *good
			tt.mutate(&bad)
			if err := Validate(&bad, tmpl); err == nil {
				t.Fatalf("Validate accepted malformed profile")
			}
		})
	}

	if err := Validate(nil, tmpl); err == nil {
		t.Fatalf("Validate accepted nil profile")
	}
}

func TestGenerateFromSeedIndependentFields(t *testing.T) {
	seed := []byte("fixed seed for derivation check, 32b")
	p, err := generateFromSeed(DefaultTemplate(), seed)
	if err != nil {
		t.Fatalf("generateFromSeed: %v", err)
	}
	inner := strings.ToLower(strings.Trim(p.SqmID, "{}"))
	if p.MacMachineID == p.DevDeviceID || p.MacMachineID == inner || p.DevDeviceID == inner {
		t.Fatalf("derived identifiers collide: %+v", p)
	}
}
