package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/domain/intent"
	"github.com/ticketpilot/ticketpilot/internal/domain/usage"
	"github.com/ticketpilot/ticketpilot/internal/port/cache"
	"github.com/ticketpilot/ticketpilot/internal/port/llm"
)

// llmVerdictSchema is the JSON contract the LLM stage must answer with.
const llmVerdictSchema = `{
	"type": "object",
	"properties": {
		"decision": {"type": "string", "enum": ["approve", "reject", "abandon", "question", "unclear"]},
		"confidence": {"type": "number"},
		"reasoning": {"type": "string"},
		"concerns": {"type": "array", "items": {"type": "string"}},
		"urgent": {"type": "boolean"}
	},
	"required": ["decision", "confidence", "reasoning", "concerns", "urgent"],
	"additionalProperties": false
}`

const intentSystemPrompt = `You classify a reviewer's comment on an automated code change.
Decide whether the reviewer approves the change, rejects it with rework
instructions, abandons the task, asks a question, or is unclear.
Answer only with the JSON object described by the schema. Confidence is
your own certainty in [0,1]. Comments may be in English or French.`

// UsageRef pins analyzer LLM calls to a run step so the ledger can book
// them. A zero ref skips booking (the ledger requires a run).
type UsageRef struct {
	RunID  string
	StepID string
}

// IntentAnalyzer classifies human comments through the escalation ladder:
// moderation gate, weighted patterns, LLM stage below the high-confidence
// threshold, clarification fallback below the medium threshold.
type IntentAnalyzer struct {
	llm         llm.Client
	cache       cache.Cache
	ledger      *LedgerService
	detectorTTL time.Duration
}

// NewIntentAnalyzer creates an IntentAnalyzer. llmClient may be nil, which
// degrades the ladder to pattern-only classification.
func NewIntentAnalyzer(llmClient llm.Client, detectorCache cache.Cache, ledger *LedgerService, detectorTTL time.Duration) *IntentAnalyzer {
	if detectorTTL <= 0 {
		detectorTTL = 5 * time.Minute
	}
	return &IntentAnalyzer{
		llm:         llmClient,
		cache:       detectorCache,
		ledger:      ledger,
		detectorTTL: detectorTTL,
	}
}

// AnalyzeComment runs the full ladder over a validation reply.
func (s *IntentAnalyzer) AnalyzeComment(ctx context.Context, text string, tctx intent.Context, ref UsageRef) intent.Result {
	cleaned := intent.CleanText(text)

	if flagged, categories := s.moderate(ctx, cleaned); flagged {
		slog.Warn("comment flagged by moderation", "categories", categories)
		return intent.Result{
			Decision:              intent.DecisionClarification,
			Confidence:            0,
			Concerns:              categories,
			RequiresClarification: true,
			Method:                intent.MethodLLM,
		}
	}

	pattern := intent.ClassifyPattern(text, tctx)
	if pattern.Confidence >= intent.ConfidenceHigh {
		return pattern
	}
	if s.llm == nil {
		return intent.Finalize(pattern)
	}

	verdict, err := s.classifyLLM(ctx, cleaned, tctx, ref)
	if err != nil {
		slog.Warn("llm intent stage failed, keeping pattern result", "error", err)
		return intent.Finalize(pattern)
	}
	return intent.Finalize(intent.Merge(pattern, *verdict))
}

// DetectReactivation decides whether an update on a finished task is a new
// instruction. Results are cached per (task, text hash) so webhook replays
// beyond the dedup window cost nothing.
func (s *IntentAnalyzer) DetectReactivation(ctx context.Context, taskID int64, text string) intent.UpdateAnalysis {
	key := detectorKey(taskID, text)
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var cached intent.UpdateAnalysis
			if json.Unmarshal(raw, &cached) == nil {
				return cached
			}
		}
	}

	analysis := intent.AnalyzeUpdate(text)

	if s.cache != nil {
		if raw, err := json.Marshal(analysis); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.detectorTTL); err != nil {
				slog.Debug("detector cache set failed", "error", err)
			}
		}
	}
	return analysis
}

// moderate runs the moderation gate. Transport failures fail open: the
// gate protects against hostile text, not against provider downtime.
func (s *IntentAnalyzer) moderate(ctx context.Context, text string) (bool, []string) {
	if s.llm == nil || text == "" {
		return false, nil
	}
	res, err := s.llm.Moderate(ctx, text)
	if err != nil {
		slog.Debug("moderation unavailable", "error", err)
		return false, nil
	}
	return res.Flagged, res.Categories
}

func (s *IntentAnalyzer) classifyLLM(ctx context.Context, text string, tctx intent.Context, ref UsageRef) (*intent.LLMVerdict, error) {
	prompt := fmt.Sprintf(
		"Task context: tests_failed=%t, urgent=%t, prior_rejections=%d\n\nComment:\n%s",
		tctx.TestsFailed, tctx.Urgent, tctx.PriorRejections, text)

	start := time.Now()
	res, err := s.llm.Complete(ctx, llm.CompletionRequest{
		System:    intentSystemPrompt,
		Prompt:    prompt,
		Schema:    json.RawMessage(llmVerdictSchema),
		MaxTokens: 500,
	})

	if ref.RunID != "" && s.ledger != nil {
		rec := usage.Record{
			RunID:     ref.RunID,
			StepID:    ref.StepID,
			Operation: "intent_analysis",
			Duration:  time.Since(start),
			Success:   err == nil,
		}
		if err != nil {
			rec.Error = err.Error()
		} else {
			rec.Provider = res.Provider
			rec.Model = res.Model
			rec.InputTokens = res.InputTokens
			rec.OutputTokens = res.OutputTokens
			rec.Duration = res.Duration
		}
		if lerr := s.ledger.Record(ctx, &rec); lerr != nil {
			slog.Error("intent usage record dropped", "run_id", ref.RunID, "error", lerr)
		}
	}
	if err != nil {
		return nil, err
	}

	var verdict intent.LLMVerdict
	if err := json.Unmarshal(res.Content, &verdict); err != nil {
		return nil, fmt.Errorf("decode llm verdict: %w", err)
	}
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 1 {
		verdict.Confidence = 1
	}
	return &verdict, nil
}

func detectorKey(taskID int64, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("detector:%d:%s", taskID, hex.EncodeToString(sum[:8]))
}
