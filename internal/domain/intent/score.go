package intent

import (
	"regexp"
	"strings"
)

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// CleanText strips HTML tags and collapses whitespace.
func CleanText(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Scores holds the per-bucket weighted scores, each clamped to [0, 1].
type Scores struct {
	Approval    float64
	Rejection   float64
	Abandonment float64
	Question    float64
}

// Score computes weighted bucket scores for cleaned text. A pattern that
// matches n times contributes weight * (1 + 0.1*(n-1)); the bucket total is
// clamped to 1.
func Score(text string) Scores {
	totals := map[Bucket]float64{}
	for _, p := range commentPatterns {
		n := len(p.Regex.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		totals[p.Bucket] += p.Weight * (1 + 0.1*float64(n-1))
	}
	clamp := func(v float64) float64 {
		if v > 1 {
			return 1
		}
		return v
	}
	return Scores{
		Approval:    clamp(totals[BucketApproval]),
		Rejection:   clamp(totals[BucketRejection]),
		Abandonment: clamp(totals[BucketAbandonment]),
		Question:    clamp(totals[BucketQuestion]),
	}
}

// Adjust applies multiplicative context adjustments.
func (s Scores) Adjust(ctx Context) Scores {
	if ctx.TestsFailed {
		s.Rejection *= 1.2
	}
	if ctx.Urgent {
		s.Approval *= 1.1
	}
	if ctx.PriorRejections >= 2 {
		s.Abandonment *= 1.15
	}
	return s
}

// max reports whether v is the strict maximum among all bucket scores.
func (s Scores) max(v float64) bool {
	return v >= s.Approval && v >= s.Rejection && v >= s.Abandonment && v >= s.Question
}

// ClassifyPattern runs the pattern stage decision rules, in mandated order:
// abandonment first (highest bar), then approval, rejection, question.
func ClassifyPattern(text string, ctx Context) Result {
	cleaned := CleanText(text)
	s := Score(cleaned).Adjust(ctx)

	capped := func(v, cap float64) float64 {
		if v > cap {
			return cap
		}
		return v
	}

	switch {
	case s.Abandonment >= 0.7 && s.max(s.Abandonment):
		return Result{Decision: DecisionAbandon, Confidence: capped(s.Abandonment, 0.98), Method: MethodPattern}
	case s.Approval > 0.3 && s.max(s.Approval):
		return Result{Decision: DecisionApprove, Confidence: capped(s.Approval, 0.95), Method: MethodPattern}
	case s.Rejection > 0.3 && s.max(s.Rejection):
		return Result{
			Decision:              DecisionReject,
			Confidence:            capped(s.Rejection, 0.95),
			Method:                MethodPattern,
			ExtractedRequirements: cleaned,
		}
	case s.Question > 0.4 && s.max(s.Question):
		return Result{Decision: DecisionQuestion, Confidence: capped(s.Question, 0.8), Method: MethodPattern}
	default:
		return Result{Decision: DecisionUnclear, Confidence: 0, Method: MethodPattern}
	}
}

// Detector constants for update reactivation analysis.
const (
	detectorMatchWeight  = 0.2
	detectorGroupCap     = 0.4
	detectorContextCap   = 0.2
	detectorThreshold    = 0.1
	detectorMinTextChars = 10
)

// IsAgentSignature reports whether text carries the orchestrator's own
// footer or reserved markers. Such updates never trigger reactivation.
func IsAgentSignature(text string) bool {
	for _, re := range agentSignaturePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// AnalyzeUpdate decides whether an update on a finished task is a new
// instruction. The threshold is deliberately permissive; the reactivation
// gate blocks spam downstream.
func AnalyzeUpdate(text string) UpdateAnalysis {
	cleaned := CleanText(text)

	if IsAgentSignature(cleaned) {
		return UpdateAnalysis{Reasoning: "agent signature"}
	}

	group := func(patterns []*regexp.Regexp) float64 {
		var score float64
		for _, re := range patterns {
			if re.MatchString(cleaned) {
				score += detectorMatchWeight
			}
		}
		if score > detectorGroupCap {
			score = detectorGroupCap
		}
		return score
	}

	total := group(explicitRequestPatterns) + group(questionRequestPatterns)

	var bonus float64
	if len(cleaned) >= detectorMinTextChars {
		bonus += 0.1
	}
	if technicalKeywords.MatchString(cleaned) {
		bonus += 0.1
	}
	if bonus > detectorContextCap {
		bonus = detectorContextCap
	}
	total += bonus

	if total < detectorThreshold {
		return UpdateAnalysis{Confidence: total, Reasoning: "below threshold"}
	}
	return UpdateAnalysis{
		RequiresReactivation:  true,
		Confidence:            total,
		Reasoning:             "instruction patterns matched",
		ExtractedRequirements: cleaned,
	}
}
