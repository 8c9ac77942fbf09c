package inject

import (
	"bytes"
	"encoding/base64"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// parseFields splits a message into its top-level fields, keyed by number.
func parseFields(t *testing.T, msg []byte) map[protowire.Number][]byte {
	t.Helper()
	fields := map[protowire.Number][]byte{}
	offset := 0
	for offset < len(msg) {
		num, typ, tagLen := protowire.ConsumeTag(msg[offset:])
		if tagLen < 0 {
			t.Fatalf("malformed tag at offset %d", offset)
		}
		valueLen := protowire.ConsumeFieldValue(num, typ, msg[offset+tagLen:])
		if valueLen < 0 {
			t.Fatalf("malformed value for field %d", num)
		}
		fields[num] = append([]byte{}, msg[offset:offset+tagLen+valueLen]...)
		offset += tagLen + valueLen
	}
	return fields
}

func consumeString(t *testing.T, field []byte) string {
	t.Helper()
	_, _, tagLen := protowire.ConsumeTag(field)
	v, n := protowire.ConsumeString(field[tagLen:])
	if n < 0 {
		t.Fatalf("malformed string field")
	}
	return v
}

func consumeBytes(t *testing.T, field []byte) []byte {
	t.Helper()
	_, _, tagLen := protowire.ConsumeTag(field)
	v, n := protowire.ConsumeBytes(field[tagLen:])
	if n < 0 {
		t.Fatalf("malformed bytes field")
	}
	return v
}

func TestEncodeUnifiedTokenEnvelope(t *testing.T) {
	value := EncodeUnifiedToken("access-1", "refresh-1", 1700000000)

	outer, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		t.Fatalf("value is not base64: %v", err)
	}

	outerFields := parseFields(t, outer)
	if len(outerFields) != 1 || outerFields[1] == nil {
		t.Fatalf("outer message fields = %v, want only field 1", outerFields)
	}

	inner := parseFields(t, consumeBytes(t, outerFields[1]))
	if got := consumeString(t, inner[1]); got != "oauthTokenInfoSentinelKey" {
		t.Fatalf("sentinel = %q", got)
	}
	wrapped := parseFields(t, consumeBytes(t, inner[2]))
	infoB64 := consumeString(t, wrapped[1])
	info, err := base64.StdEncoding.DecodeString(infoB64)
	if err != nil {
		t.Fatalf("oauth info is not base64: %v", err)
	}

	infoFields := parseFields(t, info)
	if got := consumeString(t, infoFields[1]); got != "access-1" {
		t.Fatalf("access token = %q", got)
	}
	if got := consumeString(t, infoFields[2]); got != "Bearer" {
		t.Fatalf("token type = %q", got)
	}
	if got := consumeString(t, infoFields[3]); got != "refresh-1" {
		t.Fatalf("refresh token = %q", got)
	}
	ts := parseFields(t, consumeBytes(t, infoFields[4]))
	_, _, tagLen := protowire.ConsumeTag(ts[1])
	seconds, n := protowire.ConsumeVarint(ts[1][tagLen:])
	if n < 0 || seconds != 1700000000 {
		t.Fatalf("expiry seconds = %d", seconds)
	}
}

func TestSpliceReplacesOnlyOAuthField(t *testing.T) {
	// A legacy blob with fields 1 (string), 6 (old oauth) and 9 (varint).
	var blob []byte
	blob = protowire.AppendTag(blob, 1, protowire.BytesType)
	blob = protowire.AppendString(blob, "session-meta")
	blob = protowire.AppendTag(blob, 6, protowire.BytesType)
	blob = protowire.AppendBytes(blob, encodeOAuthInfo("old-access", "old-refresh", 1))
	blob = protowire.AppendTag(blob, 9, protowire.VarintType)
	blob = protowire.AppendVarint(blob, 7)

	newOAuth := encodeOAuthInfo("new-access", "new-refresh", 1800000000)
	spliced, err := spliceOAuthField(blob, newOAuth)
	if err != nil {
		t.Fatalf("spliceOAuthField: %v", err)
	}

	before := parseFields(t, blob)
	after := parseFields(t, spliced)
	if !bytes.Equal(before[1], after[1]) {
		t.Fatalf("field 1 bytes changed by splice")
	}
	if !bytes.Equal(before[9], after[9]) {
		t.Fatalf("field 9 bytes changed by splice")
	}
	if bytes.Equal(before[6], after[6]) {
		t.Fatalf("field 6 was not replaced")
	}
	got := parseFields(t, consumeBytes(t, after[6]))
	if consumeString(t, got[1]) != "new-access" || consumeString(t, got[3]) != "new-refresh" {
		t.Fatalf("spliced oauth payload wrong: %v", got)
	}
}

func TestSpliceAppendsWhenFieldMissing(t *testing.T) {
	var blob []byte
	blob = protowire.AppendTag(blob, 1, protowire.BytesType)
	blob = protowire.AppendString(blob, "meta")

	spliced, err := spliceOAuthField(blob, encodeOAuthInfo("a", "r", 1))
	if err != nil {
		t.Fatalf("spliceOAuthField: %v", err)
	}
	if !bytes.HasPrefix(spliced, blob) {
		t.Fatalf("existing bytes not preserved as prefix")
	}
	fields := parseFields(t, spliced)
	if fields[6] == nil {
		t.Fatalf("field 6 not appended")
	}
}

func TestSpliceRejectsMalformedBlob(t *testing.T) {
	if _, err := spliceOAuthField([]byte{0xff, 0xff, 0xff}, []byte("x")); err == nil {
		t.Fatalf("malformed blob accepted")
	}
}
