// Package branch resolves and validates the base branch a run starts from.
package branch

import (
	"regexp"
	"strings"
)

// Rules configures the resolution chain.
type Rules struct {
	Default       string            // global fallback, usually "main"
	RepoOverrides map[string]string // repository URL -> branch
	TypeRules     map[string]string // inferred task type -> branch
}

// Candidate inputs for resolution, in priority order.
type Candidate struct {
	EventValue  string // branch supplied by the ticket event
	Repository  string // repository URL, for the override map
	Title       string
	Description string
	Priority    string
}

// Resolve walks the priority chain and returns the first candidate that
// passes validity rules. Invalid candidates fall through to the next
// priority rather than failing resolution.
func (r Rules) Resolve(c Candidate) string {
	if Valid(c.EventValue) {
		return c.EventValue
	}

	if b, ok := r.RepoOverrides[c.Repository]; ok && Valid(b) {
		return b
	}

	if t := inferType(c.Title, c.Description, c.Priority); t != "" {
		if b, ok := r.TypeRules[t]; ok && Valid(b) {
			return b
		}
	}

	if b := contentCue(c.Description); Valid(b) {
		return b
	}
	if b := contentCue(c.Title); Valid(b) {
		return b
	}

	if Valid(r.Default) {
		return r.Default
	}
	return "main"
}

var typeKeywords = []struct {
	taskType string
	re       *regexp.Regexp
}{
	{"hotfix", regexp.MustCompile(`(?i)\bhotfix\b`)},
	{"bug", regexp.MustCompile(`(?i)\b(bug|fix|crash|broken|regression)\b`)},
	{"release", regexp.MustCompile(`(?i)\brelease\b`)},
	{"experiment", regexp.MustCompile(`(?i)\b(experiment|poc|prototype|spike)\b`)},
	{"feature", regexp.MustCompile(`(?i)\b(feature|feat|add|implement|new)\b`)},
}

// inferType classifies the task from title, description and priority.
// Order matters: hotfix and bug outrank feature.
func inferType(title, description, priority string) string {
	text := title + " " + description
	if strings.EqualFold(priority, "critical") || strings.EqualFold(priority, "urgent") {
		return "hotfix"
	}
	for _, tk := range typeKeywords {
		if tk.re.MatchString(text) {
			return tk.taskType
		}
	}
	return ""
}

var cueRe = regexp.MustCompile(`(?i)\b(?:base:\s*|into\s+|target\s+)([A-Za-z0-9._/-]+)`)

// contentCue extracts an explicit branch mention like "base: develop",
// "into release/2.0" or "target staging".
func contentCue(text string) string {
	m := cueRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return sanitize(m[1])
}

// sanitize trims punctuation that commonly trails an in-sentence mention.
func sanitize(name string) string {
	return strings.Trim(name, ".,;:!?")
}

const maxBranchLen = 255

var (
	allowedRe = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

	// Two-letter language codes and stop-words seen in ticket prose;
	// these are never plausible branch names.
	languageCodes = map[string]struct{}{
		"en": {}, "fr": {}, "de": {}, "es": {}, "it": {}, "pt": {}, "nl": {},
		"ru": {}, "ja": {}, "zh": {}, "ko": {}, "ar": {}, "pl": {}, "sv": {},
	}
	stopWords = map[string]struct{}{
		"the": {}, "a": {}, "an": {}, "this": {}, "that": {}, "it": {},
		"le": {}, "la": {}, "les": {}, "un": {}, "une": {}, "ce": {}, "cette": {},
		"account": {}, "branch": {}, "repo": {}, "production": {},
	}
)

// Valid reports whether name is an acceptable git branch name for use as a
// base branch.
func Valid(name string) bool {
	if name == "" || len(name) > maxBranchLen {
		return false
	}
	if !allowedRe.MatchString(name) {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") ||
		strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") ||
		strings.HasSuffix(name, ".lock") {
		return false
	}
	lower := strings.ToLower(name)
	if _, ok := languageCodes[lower]; ok {
		return false
	}
	if _, ok := stopWords[lower]; ok {
		return false
	}
	return true
}
