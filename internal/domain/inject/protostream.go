package inject

import (
	"encoding/base64"

	"google.golang.org/protobuf/encoding/protowire"

	"antigravity-manager/internal/platform/errors"
)

// sentinelKey marks the unified envelope so the IDE recognises it as an
// OAuth token record rather than arbitrary synced state.
const sentinelKey = "oauthTokenInfoSentinelKey"

// legacyOAuthField is the field number of the OAuth sub-message inside the
// legacy init blob.
const legacyOAuthField = 6

// encodeOAuthInfo builds the OAuth sub-message shared by both formats:
// access token, "Bearer", refresh token, expiry as a Timestamp message.
func encodeOAuthInfo(accessToken, refreshToken string, expiryUnix int64) []byte {
	var ts []byte
	ts = protowire.AppendTag(ts, 1, protowire.VarintType)
	ts = protowire.AppendVarint(ts, uint64(expiryUnix))

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, accessToken)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, "Bearer")
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, refreshToken)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)
	return b
}

// EncodeUnifiedToken produces the value stored under the unified token key:
// base64 of an outer message whose field 1 wraps the sentinel string and a
// nested message carrying the base64 OAuth sub-message.
func EncodeUnifiedToken(accessToken, refreshToken string, expiryUnix int64) string {
	infoB64 := base64.StdEncoding.EncodeToString(encodeOAuthInfo(accessToken, refreshToken, expiryUnix))

	var wrapped []byte
	wrapped = protowire.AppendTag(wrapped, 1, protowire.BytesType)
	wrapped = protowire.AppendString(wrapped, infoB64)

	var inner []byte
	inner = protowire.AppendTag(inner, 1, protowire.BytesType)
	inner = protowire.AppendString(inner, sentinelKey)
	inner = protowire.AppendTag(inner, 2, protowire.BytesType)
	inner = protowire.AppendBytes(inner, wrapped)

	var outer []byte
	outer = protowire.AppendTag(outer, 1, protowire.BytesType)
	outer = protowire.AppendBytes(outer, inner)

	return base64.StdEncoding.EncodeToString(outer)
}

// spliceOAuthField replaces the OAuth sub-message inside a legacy init blob,
// byte-preserving every other field. The blob is opaque apart from the one
// field being replaced; nothing else is re-encoded. When the field is absent
// the new sub-message is appended.
func spliceOAuthField(blob []byte, oauth []byte) ([]byte, error) {
	var replacement []byte
	replacement = protowire.AppendTag(replacement, legacyOAuthField, protowire.BytesType)
	replacement = protowire.AppendBytes(replacement, oauth)

	offset := 0
	for offset < len(blob) {
		num, typ, tagLen := protowire.ConsumeTag(blob[offset:])
		if tagLen < 0 {
			return nil, errors.New(errors.KindInject, "inject.splice", "malformed tag in legacy blob")
		}
		valueLen := protowire.ConsumeFieldValue(num, typ, blob[offset+tagLen:])
		if valueLen < 0 {
			return nil, errors.New(errors.KindInject, "inject.splice", "malformed field value in legacy blob")
		}
		fieldEnd := offset + tagLen + valueLen

		if num == legacyOAuthField && typ == protowire.BytesType {
			out := make([]byte, 0, len(blob)-(fieldEnd-offset)+len(replacement))
			out = append(out, blob[:offset]...)
			out = append(out, replacement...)
			out = append(out, blob[fieldEnd:]...)
			return out, nil
		}
		offset = fieldEnd
	}

	return append(append([]byte{}, blob...), replacement...), nil
}
