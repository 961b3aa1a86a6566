// Package intent classifies human comments into workflow decisions.
//
// Classification runs as an escalation ladder: a cheap weighted-pattern
// stage first, an LLM stage only when pattern confidence is below the high
// threshold, and a clarification fallback when the combined confidence
// stays below the medium threshold.
package intent

// Decision is the classifier's verdict on a human comment.
type Decision string

const (
	DecisionApprove       Decision = "approve"
	DecisionReject        Decision = "reject"
	DecisionAbandon       Decision = "abandon"
	DecisionQuestion      Decision = "question"
	DecisionUnclear       Decision = "unclear"
	DecisionClarification Decision = "clarification_needed"
)

// Confidence thresholds for the escalation ladder.
const (
	ConfidenceHigh   = 0.8
	ConfidenceMedium = 0.5
)

// Method records which stage produced the final decision.
type Method string

const (
	MethodPattern  Method = "pattern"
	MethodLLM      Method = "llm"
	MethodCombined Method = "combined"
)

// Result is the analyzer's output for a comment.
type Result struct {
	Decision              Decision `json:"decision"`
	Confidence            float64  `json:"confidence"`
	Concerns              []string `json:"concerns,omitempty"`
	SuggestedAction       string   `json:"suggested_action,omitempty"`
	RequiresClarification bool     `json:"requires_clarification"`
	Method                Method   `json:"analysis_method"`
	ExtractedRequirements string   `json:"extracted_requirements,omitempty"`
}

// Context carries task state that adjusts pattern scores.
type Context struct {
	TestsFailed     bool `json:"tests_failed"`
	Urgent          bool `json:"urgent"`
	PriorRejections int  `json:"prior_rejections"`
}

// LLMVerdict is the JSON contract returned by the LLM stage.
type LLMVerdict struct {
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Concerns   []string `json:"concerns"`
	Urgent     bool     `json:"urgent"`
}

// UpdateAnalysis is the reactivation detector's output for an update on a
// finished task. It never carries an approve/reject verdict; it only
// decides whether the text is a new instruction.
type UpdateAnalysis struct {
	RequiresReactivation  bool    `json:"requires_reactivation"`
	Confidence            float64 `json:"confidence"`
	Reasoning             string  `json:"reasoning"`
	ExtractedRequirements string  `json:"extracted_requirements,omitempty"`
}

// Merge combines the pattern result with the LLM verdict.
// Agreement raises confidence; disagreement keeps the higher-confidence
// side scaled down.
func Merge(pattern Result, llm LLMVerdict) Result {
	if pattern.Decision == llm.Decision {
		combined := (pattern.Confidence + llm.Confidence) / 1.5
		if combined > 0.98 {
			combined = 0.98
		}
		out := pattern
		out.Confidence = combined
		out.Method = MethodCombined
		out.Concerns = append(out.Concerns, llm.Concerns...)
		return out
	}

	out := pattern
	out.Method = MethodCombined
	if llm.Confidence > pattern.Confidence {
		out.Decision = llm.Decision
		out.Confidence = llm.Confidence * 0.9
		out.Concerns = llm.Concerns
	} else {
		out.Confidence = pattern.Confidence * 0.9
	}
	return out
}

// Finalize applies the clarification fallback: below the medium threshold
// the decision becomes clarification_needed and must not be acted on.
func Finalize(r Result) Result {
	if r.Confidence < ConfidenceMedium {
		r.Decision = DecisionClarification
		r.RequiresClarification = true
	}
	return r
}
