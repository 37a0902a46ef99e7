// Package molecule implements the content-addressed, deduplicated molecule
// descriptor referenced by records and specifications.
package molecule

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Molecule is a content-addressed geometry: symbols, coordinates, charge, and
// multiplicity. The core treats the payload as opaque beyond what is needed
// to hash and dedup it; quantum-chemistry semantics live in the workers.
type Molecule struct {
	ID             int64
	Symbols        []string
	Geometry       []float64 // flattened Nx3, atomic units
	Charge         int
	Multiplicity   int
	Identifiers    map[string]string // e.g. {"smiles": "...", "inchi": "..."}
	Hash           string
}

// Canonicalize fills in Hash from the structural fields. Identifiers are
// descriptive metadata and are excluded from the hash so two molecules that
// differ only in which names they're known by still dedup.
func Canonicalize(m Molecule) Molecule {
	out := m
	out.Hash = Hash(m)
	return out
}

// Hash computes the content-address of a molecule's structural fields
func Hash(m Molecule) string {
	keys := make([]string, 0)
	payload := map[string]any{
		"symbols":      m.Symbols,
		"geometry":     m.Geometry,
		"charge":       m.Charge,
		"multiplicity": m.Multiplicity,
	}
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
