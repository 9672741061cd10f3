package patterns

import (
	"regexp"
	"sort"
	"strings"
)

// Extractor finds patterns and traits in interaction text.
//
// All rule matching happens against static, pre-compiled configuration, so
// Extract and Traits are deterministic for a given pair of input strings.
type Extractor struct {
	keywords []string
	tools    map[string][]*regexp.Regexp
	intents  []IntentRule
	traits   []TraitRule
}

// NewExtractor compiles the given rules. Rules with invalid regexes are
// skipped rather than failing construction, matching the tolerant handling
// of user-supplied rule files.
func NewExtractor(rules Rules) *Extractor {
	if len(rules.Keywords) == 0 && len(rules.Tools) == 0 &&
		len(rules.Intents) == 0 && len(rules.Traits) == 0 {
		rules = DefaultRules()
	}

	tools := make(map[string][]*regexp.Regexp, len(rules.Tools))
	for tool, exprs := range rules.Tools {
		compiled := make([]*regexp.Regexp, 0, len(exprs))
		for _, expr := range exprs {
			re, err := regexp.Compile(expr)
			if err != nil {
				continue
			}
			compiled = append(compiled, re)
		}
		if len(compiled) > 0 {
			tools[tool] = compiled
		}
	}

	keywords := make([]string, len(rules.Keywords))
	for i, kw := range rules.Keywords {
		keywords[i] = strings.ToLower(kw)
	}

	return &Extractor{
		keywords: keywords,
		tools:    tools,
		intents:  rules.Intents,
		traits:   rules.Traits,
	}
}

// Extract returns the set of patterns present in the interaction text.
// Each keyword yields at most one pattern regardless of occurrence count.
// The result is sorted by (type, value) so repeated calls compare equal.
func (e *Extractor) Extract(userText, responseText string) []Pattern {
	combined := strings.ToLower(userText + " " + responseText)

	seen := make(map[Pattern]struct{})

	for _, kw := range e.keywords {
		if strings.Contains(combined, kw) {
			seen[Pattern{Type: TypeKeyword, Value: kw}] = struct{}{}
		}
	}

	for tool, res := range e.tools {
		for _, re := range res {
			if re.MatchString(combined) {
				seen[Pattern{Type: TypeToolUsage, Value: tool}] = struct{}{}
				break
			}
		}
	}

	for _, rule := range e.intents {
		for _, phrase := range rule.Phrases {
			if strings.Contains(combined, phrase) {
				seen[Pattern{Type: TypeIntent, Value: rule.Intent}] = struct{}{}
				break
			}
		}
	}

	result := make([]Pattern, 0, len(seen))
	for p := range seen {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Type != result[j].Type {
			return result[i].Type < result[j].Type
		}
		return result[i].Value < result[j].Value
	})
	return result
}

// Traits returns behavior traits observed in the interaction text, in rule
// order. Callers append these to history without deduplication.
func (e *Extractor) Traits(userText, responseText string) []Trait {
	combined := strings.ToLower(userText + " " + responseText)

	var traits []Trait
	for _, rule := range e.traits {
		for _, phrase := range rule.Phrases {
			if strings.Contains(combined, phrase) {
				traits = append(traits, Trait{
					Category:   rule.Category,
					Name:       rule.Name,
					Value:      rule.Value,
					Confidence: rule.Confidence,
				})
				break
			}
		}
	}
	return traits
}
