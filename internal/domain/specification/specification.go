// Package specification implements the content-addressed, deduplicated
// computation descriptor pointed at by every record.
package specification

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Specification is a canonicalised, content-addressed descriptor of how a
// record should be computed: program, method, basis, keywords, protocols,
// and workflow-level knobs (service drivers read the latter out of Keywords).
type Specification struct {
	ID       int64
	Program  string
	Method   string
	Basis    *string
	Keywords map[string]any
	Protocols map[string]any
	Hash     string
}

// Canonicalize normalises a Specification prior to dedup-insert: string
// fields are lowercased, default-valued sub-fields are elided, and
// basis = null is treated the same as basis = "".
func Canonicalize(s Specification) Specification {
	out := s
	out.Program = strings.ToLower(strings.TrimSpace(s.Program))
	out.Method = strings.ToLower(strings.TrimSpace(s.Method))
	if s.Basis != nil {
		trimmed := strings.ToLower(strings.TrimSpace(*s.Basis))
		if trimmed == "" {
			out.Basis = nil
		} else {
			out.Basis = &trimmed
		}
	}
	out.Keywords = elideDefaults(s.Keywords)
	out.Protocols = elideDefaults(s.Protocols)
	out.Hash = Hash(out)
	return out
}

// elideDefaults drops keys whose value is the Go zero value for its JSON
// representation (nil, false, 0, "", empty map/slice) so that specs supplied
// with or without explicit defaults hash identically.
func elideDefaults(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isZeroJSONValue(v) {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isZeroJSONValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return t == ""
	case float64:
		return t == 0
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

// Hash computes the content-address of a (presumed already-canonicalised)
// specification. Equal content under Canonicalize always yields equal Hash
func Hash(s Specification) string {
	payload := map[string]any{
		"program":   s.Program,
		"method":    s.Method,
		"basis":     s.Basis,
		"keywords":  sortedCopy(s.Keywords),
		"protocols": sortedCopy(s.Protocols),
	}
	// json.Marshal on a map sorts keys lexicographically, giving a stable
	// byte sequence for hashing regardless of Go map iteration order.
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(m))
	for _, k := range keys {
		out[k] = m[k]
	}
	return out
}
