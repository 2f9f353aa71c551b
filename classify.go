package modelgate

import "strings"

// Keyword sets for lexical prompt classification. Matching is
// case-insensitive on whole words.
var (
	codingKeywords = []string{
		"code", "program", "function", "class", "debug", "algorithm",
		"api", "database", "compile", "refactor", "bug",
		"python", "javascript", "golang", "java", "html", "css", "sql",
	}
	reasoningKeywords = []string{
		"explain", "analyze", "analyse", "compare", "why", "prove",
		"reason", "logic", "deduce", "step by step", "think", "consider",
	}
	creativeKeywords = []string{
		"story", "poem", "poetry", "fiction", "imagine", "creative",
		"lyrics", "screenplay", "novel", "haiku",
	}
)

// Classify infers the task type from the prompt text. Deterministic,
// pure, no I/O. Unknown or ambiguous prompts default to CapGeneric.
//
// Precedence: a code fence always wins, then coding keywords, then
// creative, then reasoning. Question-only prompts lean reasoning.
func Classify(prompt string) CapabilityTag {
	lower := strings.ToLower(prompt)

	if strings.Contains(prompt, "```") {
		return CapCoding
	}

	words := tokenize(lower)

	if matchesAny(lower, words, codingKeywords) {
		return CapCoding
	}
	if matchesAny(lower, words, creativeKeywords) {
		return CapCreative
	}
	if matchesAny(lower, words, reasoningKeywords) {
		return CapReasoning
	}

	// A bare question with no other signal reads as reasoning.
	if strings.HasSuffix(strings.TrimSpace(lower), "?") &&
		(words["why"] || words["how"] || words["what"]) {
		return CapReasoning
	}

	return CapGeneric
}

func tokenize(lower string) map[string]bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	words := make(map[string]bool, len(fields))
	for _, f := range fields {
		words[f] = true
	}
	return words
}

func matchesAny(lower string, words map[string]bool, keywords []string) bool {
	for _, k := range keywords {
		if strings.ContainsRune(k, ' ') {
			if strings.Contains(lower, k) {
				return true
			}
			continue
		}
		if words[k] {
			return true
		}
	}
	return false
}
