package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Hash creates a deterministic record hash for a conformed attribute map.
// The hash is a SHA256 of the canonicalized representation: keys sorted,
// nested maps canonicalized recursively, primitives JSON-encoded. Map
// iteration order never leaks into the result.
func Hash(attributes map[string]any) string {
	return HashWithExclusions(attributes, nil)
}

// HashWithExclusions hashes the attribute map with dot-notation field paths
// excluded (audit and provenance fields, columns flagged exclude_from_hash).
func HashWithExclusions(attributes map[string]any, exclude map[string]bool) string {
	var b strings.Builder
	canonicalize(&b, attributes, exclude, "")
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonicalize(b *strings.Builder, data any, exclude map[string]bool, path string) {
	switch v := data.(type) {
	case map[string]any:
		canonicalizeMap(b, v, exclude, path)
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			canonicalize(b, item, exclude, path)
		}
		b.WriteByte(']')
	case time.Time:
		b.WriteByte('"')
		b.WriteString(v.UTC().Format(time.RFC3339Nano))
		b.WriteByte('"')
	default:
		enc, _ := json.Marshal(v)
		b.Write(enc)
	}
}

func canonicalizeMap(b *strings.Builder, m map[string]any, exclude map[string]bool, path string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	first := true
	for _, k := range keys {
		fieldPath := k
		if path != "" {
			fieldPath = path + "." + k
		}
		if excluded(fieldPath, exclude) {
			continue
		}

		if !first {
			b.WriteByte(',')
		}
		first = false
		keyJSON, _ := json.Marshal(k)
		b.Write(keyJSON)
		b.WriteByte(':')
		canonicalize(b, m[k], exclude, fieldPath)
	}
	b.WriteByte('}')
}

// excluded matches exact field paths and parents of nested paths.
func excluded(fieldPath string, exclude map[string]bool) bool {
	if exclude == nil {
		return false
	}
	if exclude[fieldPath] {
		return true
	}
	for e := range exclude {
		if strings.HasPrefix(fieldPath, e+".") {
			return true
		}
	}
	return false
}
