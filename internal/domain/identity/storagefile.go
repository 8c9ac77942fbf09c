package identity

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"

	"antigravity-manager/internal/platform/errors"
)

// ServiceMachineIDKey is the state database key mirrored from devDeviceId.
// The IDE reads the same value from both places and treats disagreement as
// corruption.
const ServiceMachineIDKey = "storage.serviceMachineId"

// storage.json keeps each identifier twice: inside the nested "telemetry"
// object and as a flat "telemetry.<field>" key. Both spellings are observed
// by different IDE versions, so the writer keeps them in sync.
const (
	fieldMachineID    = "machineId"
	fieldMacMachineID = "macMachineId"
	fieldDevDeviceID  = "devDeviceId"
	fieldSqmID        = "sqmId"
)

var telemetryFields = []string{fieldMachineID, fieldMacMachineID, fieldDevDeviceID, fieldSqmID}

// readStorageFile parses storage.json into a generic map so unknown keys
// survive the round trip untouched. A missing file yields an empty map.
func readStorageFile(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{}, nil
		}
		return nil, errors.Wrap(errors.KindIdentity, "identity.storage.read", "read storage file", err)
	}
	data := map[string]interface{}{}
	if len(raw) > 0 {
		if err := sonic.Unmarshal(raw, &data); err != nil {
			return nil, errors.Wrap(errors.KindIdentity, "identity.storage.read", "parse storage file", err)
		}
	}
	return data, nil
}

// applyProfile writes the four identifiers into both spellings plus the
// service machine id mirror.
func applyProfile(data map[string]interface{}, p *Profile) {
	values := map[string]string{
		fieldMachineID:    p.MachineID,
		fieldMacMachineID: p.MacMachineID,
		fieldDevDeviceID:  p.DevDeviceID,
		fieldSqmID:        p.SqmID,
	}

	nested, _ := data["telemetry"].(map[string]interface{})
	if nested == nil {
		nested = map[string]interface{}{}
	}
	for _, field := range telemetryFields {
		nested[field] = values[field]
		data["telemetry."+field] = values[field]
	}
	data["telemetry"] = nested
	data[ServiceMachineIDKey] = p.DevDeviceID
}

// captureProfile reads the identifiers back out, preferring the flat keys
// and falling back to the nested object. Absent fields stay empty.
func captureProfile(data map[string]interface{}) *Profile {
	nested, _ := data["telemetry"].(map[string]interface{})
	read := func(field string) string {
		if v, ok := data["telemetry."+field].(string); ok && v != "" {
			return v
		}
		if nested != nil {
			if v, ok := nested[field].(string); ok {
				return v
			}
		}
		return ""
	}
	return &Profile{
		MachineID:    read(fieldMachineID),
		MacMachineID: read(fieldMacMachineID),
		DevDeviceID:  read(fieldDevDeviceID),
		SqmID:        read(fieldSqmID),
	}
}

// writeStorageFile writes storage.json atomically: marshal, write to a temp
// file in the same directory, then rename over the original. Filesystems
// that refuse the rename fall back to copy and delete.
func writeStorageFile(path string, data map[string]interface{}) error {
	raw, err := sonic.ConfigDefault.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrap(errors.KindIdentity, "identity.storage.write", "marshal storage file", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.KindIdentity, "identity.storage.write", "create storage dir", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(errors.KindIdentity, "identity.storage.write", "create temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(errors.KindIdentity, "identity.storage.write", "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(errors.KindIdentity, "identity.storage.write", "close temp file", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// Cross-device or locked target: copy the bytes instead.
		if copyErr := copyFile(tmpPath, path); copyErr != nil {
			os.Remove(tmpPath)
			return errors.Wrap(errors.KindIdentity, "identity.storage.write",
				fmt.Sprintf("rename failed (%v), copy fallback failed", err), copyErr)
		}
		os.Remove(tmpPath)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	mode := os.FileMode(0o644)
	if info, err := os.Stat(src); err == nil {
		mode = info.Mode()
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
