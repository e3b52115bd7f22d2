package dslversion

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Keys removed recursively before hashing, so timestamp-only remote changes
// do not spawn spurious versions.
var volatileKeys = map[string]struct{}{
	"id":         {},
	"created_at": {},
	"updated_at": {},
}

// CalculateDSLHash returns the hex SHA-256 of the canonical serialization of
// content: volatile keys stripped at every nesting level, remaining map keys
// sorted, scalars JSON-encoded. Nil or unserializable content hashes the
// empty-object literal.
func CalculateDSLHash(content any) string {
	var buf bytes.Buffer
	if content == nil || appendCanonical(&buf, content) != nil {
		buf.Reset()
		buf.WriteString("{}")
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func appendCanonical(buf *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			if _, volatile := volatileKeys[key]; volatile {
				continue
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := appendCanonical(buf, typed[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range typed {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}
