package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	tpotel "github.com/ticketpilot/ticketpilot/internal/adapter/otel"
	"github.com/ticketpilot/ticketpilot/internal/adapter/ws"
	"github.com/ticketpilot/ticketpilot/internal/config"
	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/branch"
	"github.com/ticketpilot/ticketpilot/internal/domain/intent"
	"github.com/ticketpilot/ticketpilot/internal/domain/reactivation"
	"github.com/ticketpilot/ticketpilot/internal/domain/task"
	"github.com/ticketpilot/ticketpilot/internal/domain/webhook"
	"github.com/ticketpilot/ticketpilot/internal/logger"
	"github.com/ticketpilot/ticketpilot/internal/port/broadcast"
	"github.com/ticketpilot/ticketpilot/internal/port/cache"
	"github.com/ticketpilot/ticketpilot/internal/port/database"
	"github.com/ticketpilot/ticketpilot/internal/port/ticket"
)

// columnBaseBranch is the ticket-board column mirrored into the task's
// base branch.
const columnBaseBranch = "base_branch"

// IntakeService is the single entry point for ticket-system webhooks. It
// authenticates, deduplicates, classifies, and persists every delivery,
// then routes accepted events to task creation, validation replies, or
// the reactivation gate. Downstream failures are absorbed: the delivery
// row records them and the provider still gets a 2xx so it does not
// retry a poison payload forever.
type IntakeService struct {
	store     database.Store
	window    cache.Cache   // in-process payload-hash window
	dedup     cache.Deduper // cross-instance delivery ids
	tickets   ticket.Client
	factory   *RunFactory
	gate      *ReactivationGate
	intents   *IntentAnalyzer
	validator *ValidationCoordinator
	hub       broadcast.Broadcaster
	cfg       config.Webhook
	metrics   *tpotel.Metrics
	now       func() time.Time
}

func NewIntakeService(
	store database.Store,
	window cache.Cache,
	dedup cache.Deduper,
	tickets ticket.Client,
	factory *RunFactory,
	gate *ReactivationGate,
	intents *IntentAnalyzer,
	validator *ValidationCoordinator,
	hub broadcast.Broadcaster,
	cfg config.Webhook,
) *IntakeService {
	return &IntakeService{
		store:     store,
		window:    window,
		dedup:     dedup,
		tickets:   tickets,
		factory:   factory,
		gate:      gate,
		intents:   intents,
		validator: validator,
		hub:       hub,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *IntakeService) SetMetrics(m *tpotel.Metrics) {
	s.metrics = m
}

// IntakeResult is the body returned to the webhook provider.
type IntakeResult struct {
	Status       string `json:"status"`
	Challenge    string `json:"challenge,omitempty"`
	EventID      string `json:"event_id,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
}

// Process handles one raw delivery. It returns domain.ErrMalformed for
// bodies that cannot be parsed and domain.ErrBadSignature for failed
// verification; every other failure is recorded on the delivery row and
// reported as a non-error result.
func (s *IntakeService) Process(ctx context.Context, body []byte, signature string) (*IntakeResult, error) {
	env, err := webhook.ParseEnvelope(body)
	if err != nil {
		slog.Warn("rejecting webhook body", "error", err)
		return nil, domain.ErrMalformed
	}

	// URL verification handshake: echo the challenge before any other check.
	if env.Challenge != "" {
		return &IntakeResult{Status: "ok", Challenge: env.Challenge}, nil
	}
	if env.Event == nil {
		slog.Warn("rejecting webhook body", "error", "no event object")
		return nil, domain.ErrMalformed
	}

	canonical, err := webhook.Canonicalize(body)
	if err != nil {
		return nil, domain.ErrMalformed
	}
	hash := webhook.PayloadHash(canonical)
	received := s.now().UTC()
	evType := webhook.Classify(env.Event.Type)

	if s.cfg.SigningSecret == "" {
		slog.Warn("webhook signing secret not configured, accepting unverified delivery")
	} else if !verifySignature(s.cfg.SigningSecret, canonical, signature) {
		ev := s.newEvent(env, evType, canonical, hash, signature, received)
		ev.Processing = webhook.ProcessingFailed
		ev.ErrorMessage = "signature verification failed"
		if ierr := s.store.InsertWebhookEvent(ctx, ev); ierr != nil && !errors.Is(ierr, domain.ErrDuplicate) {
			slog.Error("persist rejected delivery", "error", ierr)
		}
		return nil, domain.ErrBadSignature
	}

	// Fast in-process window absorbs tight retry storms without a row.
	windowKey := "payload:" + hash
	if _, hit, _ := s.window.Get(ctx, windowKey); hit {
		s.countDeduped(ctx, "window")
		return &IntakeResult{Status: "duplicate", Deduplicated: true}, nil
	}
	_ = s.window.Set(ctx, windowKey, []byte{1}, s.cfg.ProcWindow)

	// Cross-instance dedup on the provider's delivery id. A KV outage
	// degrades to at-most-once per instance, never to dropping events.
	if key := dedupKey(env.Event, hash); key != "" {
		created, derr := s.dedup.SetIfAbsent(ctx, key, []byte(received.Format(time.RFC3339)))
		if derr != nil {
			slog.Warn("dedup store unavailable, continuing", "error", derr)
		} else if !created {
			s.countDeduped(ctx, "kv")
			ev := s.newEvent(env, evType, canonical, hash, signature, received)
			ev.Processing = webhook.ProcessingDuplicate
			if ierr := s.store.InsertWebhookEvent(ctx, ev); ierr != nil && !errors.Is(ierr, domain.ErrDuplicate) {
				slog.Error("persist duplicate delivery", "error", ierr)
			}
			return &IntakeResult{Status: "duplicate", Deduplicated: true, EventID: ev.ID}, nil
		}
	}

	ev := s.newEvent(env, evType, canonical, hash, signature, received)
	if err := s.store.InsertWebhookEvent(ctx, ev); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			s.countDeduped(ctx, "store")
			return &IntakeResult{Status: "duplicate", Deduplicated: true, EventID: ev.ID}, nil
		}
		return nil, fmt.Errorf("persist delivery: %w", err)
	}
	if s.metrics != nil {
		s.metrics.WebhooksReceived.Add(ctx, 1,
			metric.WithAttributes(attribute.String("type", string(evType))))
	}
	s.hub.BroadcastEvent(ctx, ws.EventWebhookReceived, ws.WebhookReceivedEvent{
		EventID: ev.ID,
		Type:    string(evType),
		ItemID:  env.Event.PulseID.String(),
	})

	if reason := s.ignoreReason(env.Event, evType); reason != "" {
		if ferr := s.store.FinishWebhookEvent(ctx, ev.ID, webhook.ProcessingIgnored, 0, ""); ferr != nil {
			slog.Error("finish webhook event", "event_id", ev.ID, "error", ferr)
		}
		return &IntakeResult{Status: "ignored", EventID: ev.ID, Outcome: reason}, nil
	}

	ie := webhook.IntakeEvent{
		EventID:     ev.ID,
		ItemID:      env.Event.PulseID.String(),
		Name:        env.Event.PulseName,
		Type:        evType,
		Text:        env.Event.TextBody,
		Column:      env.Event.ColumnID,
		NewValue:    labelFromValue(env.Event.Value),
		TriggererID: env.Event.UserID.String(),
		ReceivedAt:  received,
	}
	ictx := logger.WithEventID(ctx, ev.ID)

	outcome, taskID, err := s.route(ictx, ie)
	if err != nil {
		slog.Error("webhook routing failed", "event_id", ev.ID, "type", evType, "error", err)
		if ferr := s.store.FinishWebhookEvent(ctx, ev.ID, webhook.ProcessingFailed, taskID, err.Error()); ferr != nil {
			slog.Error("finish webhook event", "event_id", ev.ID, "error", ferr)
		}
		return &IntakeResult{Status: "failed", EventID: ev.ID, Outcome: outcome}, nil
	}
	if ferr := s.store.FinishWebhookEvent(ctx, ev.ID, webhook.ProcessingProcessed, taskID, ""); ferr != nil {
		slog.Error("finish webhook event", "event_id", ev.ID, "error", ferr)
	}
	return &IntakeResult{Status: "processed", EventID: ev.ID, Outcome: outcome}, nil
}

func (s *IntakeService) newEvent(env *webhook.Envelope, evType webhook.EventType, canonical []byte, hash, signature string, received time.Time) *webhook.Event {
	id := env.Event.TriggerUUID
	if id == "" {
		id = uuid.NewString()
	}
	return &webhook.Event{
		ID:          id,
		Source:      "monday",
		Type:        evType,
		Payload:     canonical,
		PayloadHash: hash,
		Signature:   signature,
		ReceivedAt:  received,
		Processing:  webhook.ProcessingPending,
	}
}

// ignoreReason reports why an event should be dropped after persisting,
// or "" when it must be routed.
func (s *IntakeService) ignoreReason(ev *webhook.EnvelopeEvent, evType webhook.EventType) string {
	if evType == webhook.EventIgnored {
		return "unhandled_type"
	}
	if s.cfg.BoardID != "" && ev.BoardID.String() != "" && ev.BoardID.String() != s.cfg.BoardID {
		return "foreign_board"
	}
	itemID := ev.PulseID.String()
	for _, prefix := range s.cfg.TestItemPrefixes {
		if prefix != "" && strings.HasPrefix(itemID, prefix) {
			return "test_item"
		}
	}
	return ""
}

func (s *IntakeService) route(ctx context.Context, ie webhook.IntakeEvent) (outcome string, taskID int64, err error) {
	switch ie.Type {
	case webhook.EventTaskCreate:
		return s.routeTaskCreate(ctx, ie)
	case webhook.EventItemUpdate:
		return s.routeItemUpdate(ctx, ie)
	case webhook.EventTaskStatusChange, webhook.EventColumnValueChange:
		return s.routeColumnChange(ctx, ie)
	}
	return "unhandled_type", 0, nil
}

func (s *IntakeService) routeTaskCreate(ctx context.Context, ie webhook.IntakeEvent) (string, int64, error) {
	req := task.CreateRequest{
		ExternalItemID: ie.ItemID,
		Title:          ie.Name,
	}
	var eventBranch string
	item, err := s.tickets.GetItemInfo(ctx, ie.ItemID)
	if err != nil {
		// The board stays authoritative later; a minimal task is enough
		// to get the first run moving.
		slog.Warn("ticket lookup failed, creating minimal task", "item_id", ie.ItemID, "error", err)
	} else {
		if item.Name != "" {
			req.Title = item.Name
		}
		req.Description = item.Description
		req.RepositoryURL = item.RepositoryURL
		req.BaseBranch = item.BaseBranch
		req.Priority = item.Priority
		eventBranch = item.BaseBranch
	}

	t, err := s.store.CreateTask(ctx, req)
	if err != nil {
		return "", 0, fmt.Errorf("create task: %w", err)
	}
	if _, err := s.factory.StartInitial(ctx, t, eventBranch); err != nil {
		if errors.Is(err, domain.ErrLocked) {
			// A concurrent delivery already started the first run.
			return "already_locked", t.ID, nil
		}
		return "", t.ID, fmt.Errorf("start initial run: %w", err)
	}
	return "task_created", t.ID, nil
}

func (s *IntakeService) routeItemUpdate(ctx context.Context, ie webhook.IntakeEvent) (string, int64, error) {
	if intent.IsAgentSignature(ie.Text) {
		return "own_comment", 0, nil
	}

	t, err := s.store.GetTaskByExternalItem(ctx, ie.ItemID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Debug("update on unknown item", "item_id", ie.ItemID)
		return "unknown_task", 0, nil
	}
	if err != nil {
		return "", 0, err
	}

	// A pending validation claims every human update on the task.
	v, err := s.store.GetOpenValidationByTask(ctx, t.ID)
	if err == nil {
		res, rerr := s.validator.HandleReply(ctx, v, t, ie.Text)
		if rerr != nil {
			return "", t.ID, fmt.Errorf("validation reply: %w", rerr)
		}
		return "validation_" + string(res.Decision), t.ID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", t.ID, err
	}

	analysis := s.intents.DetectReactivation(ctx, t.ID, ie.Text)
	if !analysis.RequiresReactivation {
		return "no_instruction", t.ID, nil
	}

	payload, _ := json.Marshal(ie)
	newRun, decision, err := s.gate.Reactivate(ctx, t, ReactivateRequest{
		Trigger:      reactivation.TriggerUpdate,
		UpdateText:   intent.CleanText(ie.Text),
		Instructions: analysis.ExtractedRequirements,
		Payload:      payload,
		ItemID:       ie.ItemID,
	})
	if err != nil {
		return "", t.ID, fmt.Errorf("reactivate: %w", err)
	}
	if newRun == nil {
		return "rejected_" + string(decision.Reason), t.ID, nil
	}
	return "reactivated", t.ID, nil
}

func (s *IntakeService) routeColumnChange(ctx context.Context, ie webhook.IntakeEvent) (string, int64, error) {
	t, err := s.store.GetTaskByExternalItem(ctx, ie.ItemID)
	if errors.Is(err, domain.ErrNotFound) {
		return "unknown_task", 0, nil
	}
	if err != nil {
		return "", 0, err
	}

	if ie.Column == columnBaseBranch && ie.NewValue != "" {
		if !branch.Valid(ie.NewValue) {
			slog.Warn("ignoring invalid base branch from board",
				"task_id", t.ID, "value", ie.NewValue)
			// Put the effective branch back so the board shows what the
			// next run will actually use.
			if t.BaseBranch != "" {
				if err := s.tickets.ChangeColumnValue(ctx, ie.ItemID, ie.Column, strconv.Quote(t.BaseBranch)); err != nil {
					slog.Warn("base branch revert failed", "task_id", t.ID, "error", err)
				}
			}
			return "invalid_branch", t.ID, nil
		}
		if err := s.store.UpdateTaskBaseBranch(ctx, t.ID, ie.NewValue); err != nil {
			return "", t.ID, err
		}
		return "base_branch_updated", t.ID, nil
	}
	return "recorded", t.ID, nil
}

func (s *IntakeService) countDeduped(ctx context.Context, layer string) {
	if s.metrics == nil {
		return
	}
	s.metrics.WebhooksDeduped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("layer", layer)))
}

// verifySignature checks the HMAC-SHA256 of the canonical payload against
// the provider header, which may carry a "v1=" scheme prefix.
func verifySignature(secret string, canonical []byte, header string) bool {
	header = strings.TrimPrefix(strings.TrimSpace(header), "v1=")
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(header)))
}

// dedupKey derives the cross-instance idempotency key for a delivery.
// Provider trigger ids are preferred; deliveries without one fall back to
// a content key so edit storms on the same item still collapse.
func dedupKey(ev *webhook.EnvelopeEvent, hash string) string {
	if ev.TriggerUUID != "" {
		return "update:" + ev.TriggerUUID
	}
	if len(hash) > 16 {
		hash = hash[:16]
	}
	return fmt.Sprintf("webhook:%s:%s:%s", ev.PulseID.String(), ev.Type, hash)
}

// labelFromValue extracts a usable string from a column-change value,
// which arrives in several shapes depending on the column type.
func labelFromValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return strings.TrimSpace(plain)
	}
	var obj struct {
		Label json.RawMessage `json:"label"`
		Text  string          `json:"text"`
		Value string          `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if len(obj.Label) > 0 {
		var labelText string
		if err := json.Unmarshal(obj.Label, &labelText); err == nil {
			return strings.TrimSpace(labelText)
		}
		var labelObj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(obj.Label, &labelObj); err == nil {
			return strings.TrimSpace(labelObj.Text)
		}
	}
	if obj.Text != "" {
		return strings.TrimSpace(obj.Text)
	}
	return strings.TrimSpace(obj.Value)
}
