package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/domain/intent"
	"github.com/ticketpilot/ticketpilot/internal/port/llm"
)

type intentEnv struct {
	store *mockStore
	cache *mockCache
	llm   *mockLLM
	svc   *IntentAnalyzer
}

func newIntentEnv(client *mockLLM) *intentEnv {
	store := &mockStore{}
	detectorCache := &mockCache{}
	var c llm.Client
	if client != nil {
		c = client
	}
	return &intentEnv{
		store: store,
		cache: detectorCache,
		llm:   client,
		svc:   NewIntentAnalyzer(c, detectorCache, NewLedgerService(store), time.Minute),
	}
}

func verdictJSON(decision intent.Decision, confidence float64) string {
	return fmt.Sprintf(`{"decision":%q,"confidence":%g,"reasoning":"scripted","concerns":[],"urgent":false}`,
		decision, confidence)
}

func closeTo(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestAnalyzePatternShortCircuitsLLM(t *testing.T) {
	env := newIntentEnv(&mockLLM{content: verdictJSON(intent.DecisionReject, 0.9)})

	res := env.svc.AnalyzeComment(context.Background(), "LGTM, ship it", intent.Context{}, UsageRef{})

	if res.Decision != intent.DecisionApprove {
		t.Fatalf("expected approve, got %q", res.Decision)
	}
	if !closeTo(res.Confidence, 0.95) {
		t.Fatalf("expected confidence 0.95, got %v", res.Confidence)
	}
	if res.Method != intent.MethodPattern {
		t.Fatalf("expected the pattern stage to answer, got %q", res.Method)
	}
	if env.llm.completions != 0 {
		t.Fatalf("expected no completion call, got %d", env.llm.completions)
	}
}

func TestAnalyzeLLMAgreementBoostsConfidence(t *testing.T) {
	env := newIntentEnv(&mockLLM{content: verdictJSON(intent.DecisionReject, 0.7)})

	res := env.svc.AnalyzeComment(context.Background(), "please fix the error handling", intent.Context{}, UsageRef{})

	if res.Decision != intent.DecisionReject {
		t.Fatalf("expected reject, got %q", res.Decision)
	}
	// Pattern scores 0.5, the verdict 0.7; agreement combines to 0.8.
	if !closeTo(res.Confidence, (0.5+0.7)/1.5) {
		t.Fatalf("expected combined confidence 0.8, got %v", res.Confidence)
	}
	if res.Method != intent.MethodCombined {
		t.Fatalf("expected combined method, got %q", res.Method)
	}
	if res.ExtractedRequirements != "please fix the error handling" {
		t.Fatalf("expected requirements carried, got %q", res.ExtractedRequirements)
	}
	if env.llm.completions != 1 {
		t.Fatalf("expected 1 completion call, got %d", env.llm.completions)
	}
}

func TestAnalyzeLLMDisagreementKeepsStrongerVerdict(t *testing.T) {
	env := newIntentEnv(&mockLLM{content: verdictJSON(intent.DecisionQuestion, 0.9)})

	res := env.svc.AnalyzeComment(context.Background(), "please fix the error handling", intent.Context{}, UsageRef{})

	if res.Decision != intent.DecisionQuestion {
		t.Fatalf("expected the stronger llm verdict to win, got %q", res.Decision)
	}
	if !closeTo(res.Confidence, 0.9*0.9) {
		t.Fatalf("expected scaled confidence 0.81, got %v", res.Confidence)
	}
	if res.Method != intent.MethodCombined {
		t.Fatalf("expected combined method, got %q", res.Method)
	}
}

func TestAnalyzeLLMFailureKeepsPatternResult(t *testing.T) {
	env := newIntentEnv(&mockLLM{completeErr: errors.New("llm down")})

	res := env.svc.AnalyzeComment(context.Background(), "please fix the error handling",
		intent.Context{}, UsageRef{RunID: "run-1", StepID: "step-1"})

	if res.Decision != intent.DecisionReject {
		t.Fatalf("expected the pattern result kept, got %q", res.Decision)
	}
	if !closeTo(res.Confidence, 0.5) {
		t.Fatalf("expected pattern confidence 0.5, got %v", res.Confidence)
	}
	if res.Method != intent.MethodPattern {
		t.Fatalf("expected pattern method, got %q", res.Method)
	}

	// The failed call is still booked for the audit trail.
	if len(env.store.usageRecs) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(env.store.usageRecs))
	}
	rec := env.store.usageRecs[0]
	if rec.Success {
		t.Fatal("expected the record marked failed")
	}
	if rec.Error != "llm down" {
		t.Fatalf("expected the failure reason booked, got %q", rec.Error)
	}
}

func TestAnalyzeBadVerdictKeepsPatternResult(t *testing.T) {
	env := newIntentEnv(&mockLLM{content: "not json"})

	res := env.svc.AnalyzeComment(context.Background(), "please fix the error handling", intent.Context{}, UsageRef{})

	if res.Decision != intent.DecisionReject || res.Method != intent.MethodPattern {
		t.Fatalf("expected the pattern result kept, got %q via %q", res.Decision, res.Method)
	}
}

func TestAnalyzeVagueCommentNeedsClarification(t *testing.T) {
	env := newIntentEnv(&mockLLM{content: verdictJSON(intent.DecisionUnclear, 0.2)})

	res := env.svc.AnalyzeComment(context.Background(), "hmm interesting", intent.Context{}, UsageRef{})

	if res.Decision != intent.DecisionClarification {
		t.Fatalf("expected clarification_needed, got %q", res.Decision)
	}
	if !res.RequiresClarification {
		t.Fatal("expected the clarification flag set")
	}
	if env.llm.completions != 1 {
		t.Fatalf("expected the llm stage consulted, got %d calls", env.llm.completions)
	}
}

func TestAnalyzeNilLLMDegradesToPatterns(t *testing.T) {
	env := newIntentEnv(nil)

	res := env.svc.AnalyzeComment(context.Background(), "please fix the error handling", intent.Context{}, UsageRef{})
	if res.Decision != intent.DecisionReject || res.Method != intent.MethodPattern {
		t.Fatalf("expected a pattern-only reject, got %q via %q", res.Decision, res.Method)
	}

	res = env.svc.AnalyzeComment(context.Background(), "hmm interesting", intent.Context{}, UsageRef{})
	if res.Decision != intent.DecisionClarification {
		t.Fatalf("expected clarification_needed without an llm, got %q", res.Decision)
	}
}

func TestAnalyzeModerationFlagShortCircuits(t *testing.T) {
	env := newIntentEnv(&mockLLM{flagged: true, content: verdictJSON(intent.DecisionApprove, 0.9)})

	res := env.svc.AnalyzeComment(context.Background(), "LGTM, ship it", intent.Context{}, UsageRef{})

	if res.Decision != intent.DecisionClarification {
		t.Fatalf("expected flagged text forced to clarification, got %q", res.Decision)
	}
	if !res.RequiresClarification {
		t.Fatal("expected the clarification flag set")
	}
	if env.llm.completions != 0 {
		t.Fatalf("expected no completion after the moderation stop, got %d", env.llm.completions)
	}
}

func TestAnalyzeModerationFailureFailsOpen(t *testing.T) {
	env := newIntentEnv(&mockLLM{moderateErr: errors.New("moderation down")})

	res := env.svc.AnalyzeComment(context.Background(), "LGTM, ship it", intent.Context{}, UsageRef{})

	if res.Decision != intent.DecisionApprove {
		t.Fatalf("expected the ladder to continue past a moderation outage, got %q", res.Decision)
	}
}

func TestAnalyzeBooksUsage(t *testing.T) {
	env := newIntentEnv(&mockLLM{
		content:      verdictJSON(intent.DecisionReject, 0.7),
		inputTokens:  1200,
		outputTokens: 90,
	})
	tctx := intent.Context{TestsFailed: true, PriorRejections: 2}

	env.svc.AnalyzeComment(context.Background(), "please fix the error handling", tctx,
		UsageRef{RunID: "run-1", StepID: "step-1"})

	if len(env.store.usageRecs) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(env.store.usageRecs))
	}
	rec := env.store.usageRecs[0]
	if rec.RunID != "run-1" || rec.StepID != "step-1" {
		t.Fatalf("expected the record pinned to run-1/step-1, got %q/%q", rec.RunID, rec.StepID)
	}
	if rec.Operation != "intent_analysis" {
		t.Fatalf("expected operation intent_analysis, got %q", rec.Operation)
	}
	if rec.Provider != "litellm" || rec.Model != "test-model" {
		t.Fatalf("expected provider and model booked, got %q/%q", rec.Provider, rec.Model)
	}
	if rec.InputTokens != 1200 || rec.OutputTokens != 90 {
		t.Fatalf("expected token counts carried, got %d/%d", rec.InputTokens, rec.OutputTokens)
	}
	if !rec.Success {
		t.Fatal("expected the record marked successful")
	}
	if !strings.Contains(env.llm.lastPrompt, "tests_failed=true") ||
		!strings.Contains(env.llm.lastPrompt, "prior_rejections=2") {
		t.Fatalf("expected task context in the prompt, got %q", env.llm.lastPrompt)
	}

	// Without a run reference nothing is booked.
	env.svc.AnalyzeComment(context.Background(), "please fix the error handling", tctx, UsageRef{})
	if len(env.store.usageRecs) != 1 {
		t.Fatalf("expected the unpinned call skipped, got %d records", len(env.store.usageRecs))
	}
}

func TestDetectReactivationComputesAndCaches(t *testing.T) {
	env := newIntentEnv(nil)
	text := "Please also add an endpoint for exporting metrics"

	got := env.svc.DetectReactivation(context.Background(), 42, text)
	if !got.RequiresReactivation {
		t.Fatal("expected the update detected as an instruction")
	}
	if got.ExtractedRequirements != text {
		t.Fatalf("expected requirements carried, got %q", got.ExtractedRequirements)
	}

	raw, ok := env.cache.entries[detectorKey(42, text)]
	if !ok {
		t.Fatal("expected the analysis cached")
	}
	var cached intent.UpdateAnalysis
	if err := json.Unmarshal(raw, &cached); err != nil {
		t.Fatalf("decode cached analysis: %v", err)
	}
	if cached.RequiresReactivation != got.RequiresReactivation || cached.Confidence != got.Confidence {
		t.Fatalf("expected the cached analysis to match, got %+v", cached)
	}
}

func TestDetectReactivationCacheHit(t *testing.T) {
	env := newIntentEnv(nil)
	text := "Please also add an endpoint for exporting metrics"
	contrarian, err := json.Marshal(intent.UpdateAnalysis{Reasoning: "cached"})
	if err != nil {
		t.Fatalf("marshal cached analysis: %v", err)
	}
	env.cache.entries = map[string][]byte{detectorKey(42, text): contrarian}

	got := env.svc.DetectReactivation(context.Background(), 42, text)

	if got.RequiresReactivation {
		t.Fatal("expected the cached analysis returned verbatim")
	}
	if got.Reasoning != "cached" {
		t.Fatalf("expected the cached reasoning, got %q", got.Reasoning)
	}
}

func TestDetectReactivationSkipsSmallTalk(t *testing.T) {
	env := newIntentEnv(nil)

	got := env.svc.DetectReactivation(context.Background(), 42, "Thanks!")

	if got.RequiresReactivation {
		t.Fatal("expected small talk ignored")
	}
}
