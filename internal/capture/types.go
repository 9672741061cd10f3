// Package capture ingests interaction records: content-hash deduplication,
// durable persistence, and pattern/trait aggregation.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Interaction is one captured user/assistant exchange. Immutable once
// persisted; retention is an external concern.
type Interaction struct {
	SessionID    string    `json:"session_id"`
	UserText     string    `json:"user_prompt"`
	ResponseText string    `json:"assistant_response"`
	ToolsUsed    []string  `json:"tools_used,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ContentHash returns the dedup key: SHA-256 over the normalized
// concatenation of user and response text. Session and tool fields are
// deliberately excluded so dedup is content-based.
func (i Interaction) ContentHash() string {
	normalized := strings.TrimSpace(i.UserText) + "\n" + strings.TrimSpace(i.ResponseText)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Empty reports whether the interaction carries no text at all.
func (i Interaction) Empty() bool {
	return strings.TrimSpace(i.UserText) == "" && strings.TrimSpace(i.ResponseText) == ""
}

// SubmitResult is the outcome of submitting an interaction.
type SubmitResult struct {
	// Accepted is true only when the interaction was newly persisted.
	Accepted bool `json:"accepted"`
	// Duplicate is true when the content hash was already recorded.
	Duplicate bool `json:"duplicate"`
	// Skipped is true when the interaction was empty and not persisted.
	Skipped bool `json:"skipped,omitempty"`
	// Buffered is true when persistence failed and the record went to the
	// recovery buffer instead.
	Buffered bool `json:"buffered,omitempty"`
	// PatternsFound counts patterns extracted from an accepted interaction.
	PatternsFound int `json:"patterns_found"`
}

// Stats are aggregate counters derived from persisted state on every call,
// never from in-memory counters, so they survive restarts without drift.
type Stats struct {
	TotalInteractions int            `json:"total_interactions"`
	TotalSessions     int            `json:"total_sessions"`
	TotalPatterns     int            `json:"total_patterns"`
	PatternsByType    map[string]int `json:"patterns_by_type"`
}
