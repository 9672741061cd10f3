package embeddings

import "strings"

// EntityMeta describes a structured text unit (a function, type, or other
// code entity) for embedding.
type EntityMeta struct {
	Type      string `json:"type,omitempty"`
	Name      string `json:"name,omitempty"`
	Signature string `json:"signature,omitempty"`
	Doc       string `json:"doc,omitempty"`
	Location  string `json:"location,omitempty"`
}

// EntityText returns the canonical text projection embedded for a structured
// entity: type, name, signature, and doc joined by single spaces, absent
// fields skipped. Index and query paths must both use this projection or
// their vectors stop being comparable.
func EntityText(meta EntityMeta) string {
	parts := make([]string, 0, 4)
	for _, field := range []string{meta.Type, meta.Name, meta.Signature, meta.Doc} {
		if field != "" {
			parts = append(parts, field)
		}
	}
	return strings.Join(parts, " ")
}
