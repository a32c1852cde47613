// Package signing implements the audit signer cryptography: canonical
// JSON serialization, the local and external-command signing backends,
// and the hash-chained append-only audit log.
package signing

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Canonicalize serializes v into deterministic JSON: object keys sorted
// by code point, non-finite numbers emitted as null, no insignificant
// whitespace. The same logical value always produces the same bytes,
// which makes the output safe to hash and sign.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, normalize(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize converts arbitrary Go values (structs, typed maps, ints)
// into the json-generic shape writeCanonical understands.
func normalize(v any) any {
	switch v.(type) {
	case nil, bool, string, float64, json.Number, []any, map[string]any:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(data)
	case json.Number:
		if f, err := val.Float64(); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString(val.String())
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			buf.WriteString("null")
			return nil
		}
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(data)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, normalize(item)); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		first := true
		for _, k := range keys {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			keyData, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyData)
			buf.WriteByte(':')
			if err := writeCanonical(buf, normalize(val[k])); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return writeCanonical(buf, normalize(v))
	}
	return nil
}

// HashB64u returns the raw-url-base64 SHA-256 of data.
func HashB64u(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// HashNamed prefixes the digest with its algorithm, the form used by
// chained audit records ("sha256:<b64url>").
func HashNamed(data []byte) string {
	return "sha256:" + HashB64u(data)
}
