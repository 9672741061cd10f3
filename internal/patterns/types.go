// Package patterns extracts lightweight behavioral and usage signals from
// captured interaction text using static keyword, regex, and phrase rules.
package patterns

// Type classifies an extracted pattern.
type Type string

// Pattern types.
const (
	TypeKeyword   Type = "keyword"
	TypeToolUsage Type = "tool_usage"
	TypeIntent    Type = "intent"
)

// Pattern is one discrete signal found in interaction text.
type Pattern struct {
	Type  Type   `json:"pattern_type"`
	Value string `json:"pattern_value"`
}

// Trait is a timestamped observation about user preference or requirement.
// Traits are appended to history unconditionally, never merged.
type Trait struct {
	Category   string  `json:"category"`
	Name       string  `json:"trait"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// IntentRule fires an intent pattern when any phrase is present.
type IntentRule struct {
	Intent  string
	Phrases []string
}

// TraitRule appends a trait when any phrase is present.
type TraitRule struct {
	Phrases    []string
	Category   string
	Name       string
	Value      string
	Confidence float64
}

// Rules holds the static extraction configuration. Extraction is a pure
// function of the input text and these rules.
type Rules struct {
	// Keywords is the vocabulary matched case-insensitively as substrings.
	Keywords []string
	// Tools maps a tool name to phrase regexes matched against the
	// combined lowercased text.
	Tools map[string][]string
	// Intents are phrase-presence rules; multiple intents may co-fire.
	Intents []IntentRule
	// Traits are phrase-presence rules for behavior traits.
	Traits []TraitRule
}

// DefaultRules returns the built-in extraction rule set.
func DefaultRules() Rules {
	return Rules{
		Keywords: []string{
			"api", "async", "auth", "cache", "config", "database",
			"debug", "deploy", "docker", "git", "index", "logging",
			"migration", "optimize", "parallel", "queue", "refactor",
			"search", "server", "test",
		},
		Tools: map[string][]string{
			"file_search": {
				`search(ed|ing)?\s+(for\s+)?(the\s+)?files?`,
				`grep|glob`,
			},
			"code_edit": {
				`edit(ed|ing)?\s+(the\s+)?(file|code)`,
				`appl(y|ied)\s+(a\s+|the\s+)?patch`,
			},
			"shell": {
				`ran?\s+(the\s+)?command`,
				`execut(e|ed|ing)\s+(the\s+)?(script|command)`,
			},
			"web_search": {
				`search(ed|ing)?\s+(the\s+)?web`,
				`look(ed)?\s+(it\s+)?up\s+online`,
			},
		},
		Intents: []IntentRule{
			{Intent: "debugging", Phrases: []string{"fix", "debug", "broken", "error", "issue"}},
			{Intent: "creation", Phrases: []string{"create", "build", "implement", "add a", "write a"}},
			{Intent: "testing", Phrases: []string{"test"}},
			{Intent: "automation", Phrases: []string{"automat"}},
		},
		Traits: []TraitRule{
			{Phrases: []string{"parallel"}, Category: "preference", Name: "parallel_execution", Value: "high", Confidence: 0.7},
			{Phrases: []string{"quick", "fast", "asap"}, Category: "preference", Name: "speed", Value: "high", Confidence: 0.6},
			{Phrases: []string{"thorough", "detailed", "step by step"}, Category: "preference", Name: "thoroughness", Value: "high", Confidence: 0.6},
			{Phrases: []string{"must not", "never", "avoid"}, Category: "requirement", Name: "constraint", Value: "stated", Confidence: 0.5},
		},
	}
}
