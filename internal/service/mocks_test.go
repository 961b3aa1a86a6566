package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/reactivation"
	"github.com/ticketpilot/ticketpilot/internal/domain/run"
	"github.com/ticketpilot/ticketpilot/internal/domain/task"
	"github.com/ticketpilot/ticketpilot/internal/domain/usage"
	"github.com/ticketpilot/ticketpilot/internal/domain/validation"
	"github.com/ticketpilot/ticketpilot/internal/domain/webhook"
	"github.com/ticketpilot/ticketpilot/internal/port/cache"
	"github.com/ticketpilot/ticketpilot/internal/port/database"
	"github.com/ticketpilot/ticketpilot/internal/port/llm"
	"github.com/ticketpilot/ticketpilot/internal/port/messagequeue"
	"github.com/ticketpilot/ticketpilot/internal/port/notifier"
	"github.com/ticketpilot/ticketpilot/internal/port/scm"
	"github.com/ticketpilot/ticketpilot/internal/port/ticket"
	"github.com/ticketpilot/ticketpilot/internal/port/workflow"
)

// Ensure mockStore implements database.Store at compile time.
var _ database.Store = (*mockStore)(nil)

// mockStore is an in-memory database.Store that mirrors the postgres
// compare-and-set semantics the services rely on: lock CAS, terminal run
// guard, validation status CAS, and the duplicate webhook id backstop.
// The worker pool hits the store from several goroutines, hence the mutex.
type mockStore struct {
	mu            sync.Mutex
	tasks         []task.Task
	runs          []run.Run
	steps         []run.Step
	validations   []validation.Request
	reactivations []reactivation.Record
	usageRecs     []usage.Record
	webhookEvents []webhook.Event
	nextTaskID    int64
	nextID        int

	// Error hooks. Set these to inject failures.
	createTaskErr         error
	getTaskErr            error
	updateTaskStatusErr   error
	acquireLockErr        error
	createRunErr          error
	updateRunStatusErr    error
	createStepErr         error
	listStepsErr          error
	createValidationErr   error
	createReactivationErr error
	listReactivationsErr  error
	insertUsageErr        error
	insertWebhookErr      error
	listDeadRunsErr       error
}

func (m *mockStore) genID(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

// --- Tasks ---

func (m *mockStore) CreateTask(_ context.Context, req task.CreateRequest) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createTaskErr != nil {
		return nil, m.createTaskErr
	}
	for i := range m.tasks {
		if m.tasks[i].ExternalItemID == req.ExternalItemID {
			t := m.tasks[i]
			return &t, nil
		}
	}
	m.nextTaskID++
	t := task.Task{
		ID:             m.nextTaskID,
		ExternalItemID: req.ExternalItemID,
		Title:          req.Title,
		Description:    req.Description,
		RepositoryURL:  req.RepositoryURL,
		BaseBranch:     req.BaseBranch,
		Priority:       req.Priority,
		Status:         task.StatusPending,
	}
	m.tasks = append(m.tasks, t)
	return &t, nil
}

func (m *mockStore) GetTask(_ context.Context, id int64) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getTaskErr != nil {
		return nil, m.getTaskErr
	}
	t := m.findTask(id)
	if t == nil {
		return nil, domain.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (m *mockStore) GetTaskByExternalItem(_ context.Context, externalItemID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ExternalItemID == externalItemID {
			t := m.tasks[i]
			return &t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) UpdateTaskStatus(_ context.Context, id int64, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateTaskStatusErr != nil {
		return m.updateTaskStatusErr
	}
	t := m.findTask(id)
	if t == nil {
		return domain.ErrNotFound
	}
	t.Status = status
	return nil
}

func (m *mockStore) UpdateTaskDescription(_ context.Context, id int64, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findTask(id)
	if t == nil {
		return domain.ErrNotFound
	}
	if len(description) >= len(t.Description) {
		t.Description = description
	}
	return nil
}

func (m *mockStore) UpdateTaskBaseBranch(_ context.Context, id int64, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findTask(id)
	if t == nil {
		return domain.ErrNotFound
	}
	t.BaseBranch = branch
	return nil
}

func (m *mockStore) AcquireTaskLock(_ context.Context, taskID int64, lockID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireLockErr != nil {
		return m.acquireLockErr
	}
	t := m.findTask(taskID)
	if t == nil {
		return domain.ErrNotFound
	}
	if t.IsLocked {
		return domain.ErrLocked
	}
	lockedAt := at
	t.IsLocked = true
	t.LockedBy = lockID
	t.LockedAt = &lockedAt
	return nil
}

func (m *mockStore) ReleaseTaskLock(_ context.Context, taskID int64, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findTask(taskID)
	if t == nil {
		return domain.ErrNotFound
	}
	if t.LockedBy != lockID {
		return domain.ErrConflict
	}
	t.IsLocked = false
	t.LockedBy = ""
	t.LockedAt = nil
	return nil
}

func (m *mockStore) ReclaimStaleLocks(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.tasks {
		t := &m.tasks[i]
		if t.IsLocked && t.LockedAt != nil && t.LockedAt.Before(olderThan) {
			t.IsLocked = false
			t.LockedBy = ""
			t.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *mockStore) CommitReactivation(_ context.Context, taskID int64, cooldownUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findTask(taskID)
	if t == nil {
		return domain.ErrNotFound
	}
	t.FailedReactivation = 0
	t.CooldownUntil = nullableTime(cooldownUntil)
	return nil
}

func (m *mockStore) RollbackReactivation(_ context.Context, taskID int64, cooldownUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findTask(taskID)
	if t == nil {
		return domain.ErrNotFound
	}
	t.FailedReactivation++
	t.CooldownUntil = nullableTime(cooldownUntil)
	return nil
}

func (m *mockStore) findTask(id int64) *task.Task {
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			return &m.tasks[i]
		}
	}
	return nil
}

// --- Runs ---

func (m *mockStore) CreateRun(_ context.Context, req run.StartRequest) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createRunErr != nil {
		return nil, m.createRunErr
	}
	t := m.findTask(req.TaskID)
	if t == nil {
		return nil, domain.ErrNotFound
	}
	reactCount := t.ReactivationCount
	if req.IsReactivation {
		reactCount++
	}
	nextNumber := 1
	for i := range m.runs {
		if m.runs[i].TaskID == req.TaskID && m.runs[i].RunNumber >= nextNumber {
			nextNumber = m.runs[i].RunNumber + 1
		}
	}
	id := req.ID
	if id == "" {
		id = m.genID("run")
	}
	r := run.Run{
		ID:                id,
		TaskID:            req.TaskID,
		RunNumber:         nextNumber,
		Status:            run.StatusStarted,
		IsReactivation:    req.IsReactivation,
		ReactivationCount: reactCount,
		ParentRunID:       req.ParentRunID,
		BaseBranch:        req.BaseBranch,
		Instructions:      req.Instructions,
		StartedAt:         time.Now(),
	}
	m.runs = append(m.runs, r)
	t.LastRunID = r.ID
	t.ReactivationCount = reactCount
	t.Status = task.StatusProcessing
	return &r, nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findRun(id)
	if r == nil {
		return nil, domain.ErrNotFound
	}
	out := *r
	return &out, nil
}

func (m *mockStore) GetActiveRun(_ context.Context, taskID int64) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *run.Run
	for i := range m.runs {
		r := &m.runs[i]
		if r.TaskID != taskID || !r.Status.Active() {
			continue
		}
		if best == nil || r.RunNumber > best.RunNumber {
			best = r
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	out := *best
	return &out, nil
}

func (m *mockStore) ListRuns(_ context.Context, taskID int64) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.Run
	for i := range m.runs {
		if m.runs[i].TaskID == taskID {
			out = append(out, m.runs[i])
		}
	}
	return out, nil
}

func (m *mockStore) UpdateRunStatus(_ context.Context, id string, status run.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateRunStatusErr != nil {
		return m.updateRunStatusErr
	}
	r := m.findRun(id)
	if r == nil {
		return domain.ErrNotFound
	}
	if r.Status.Terminal() {
		return domain.ErrTerminal
	}
	r.Status = status
	if status.Terminal() {
		completed := at
		r.CompletedAt = &completed
	}
	return nil
}

func (m *mockStore) SetRunNode(_ context.Context, id string, node run.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findRun(id)
	if r == nil {
		return domain.ErrNotFound
	}
	if r.Status.Terminal() {
		return domain.ErrTerminal
	}
	r.CurrentNode = node
	return nil
}

func (m *mockStore) SetRunWorkers(_ context.Context, id string, workerIDs []string, lastWorkerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findRun(id)
	if r == nil {
		return domain.ErrNotFound
	}
	r.ActiveWorkerIDs = workerIDs
	if lastWorkerID != "" {
		r.LastWorkerID = lastWorkerID
	}
	return nil
}

func (m *mockStore) RecordHeartbeat(_ context.Context, runID, workerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findRun(runID)
	if r == nil {
		return domain.ErrNotFound
	}
	if r.Status.Terminal() {
		return domain.ErrTerminal
	}
	beat := at
	r.HeartbeatAt = &beat
	r.LastWorkerID = workerID
	return nil
}

func (m *mockStore) ListDeadRuns(_ context.Context, heartbeatOlderThan time.Time) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listDeadRunsErr != nil {
		return nil, m.listDeadRunsErr
	}
	var out []run.Run
	for i := range m.runs {
		r := &m.runs[i]
		if r.Status != run.StatusStarted && r.Status != run.StatusRunning {
			continue
		}
		if r.HeartbeatAt != nil && r.HeartbeatAt.Before(heartbeatOlderThan) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockStore) findRun(id string) *run.Run {
	for i := range m.runs {
		if m.runs[i].ID == id {
			return &m.runs[i]
		}
	}
	return nil
}

// --- Steps ---

func (m *mockStore) CreateStep(_ context.Context, step *run.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createStepErr != nil {
		return m.createStepErr
	}
	for i := range m.steps {
		if m.steps[i].RunID == step.RunID && m.steps[i].StepOrder == step.StepOrder {
			return domain.ErrConflict
		}
	}
	step.ID = m.genID("step")
	m.steps = append(m.steps, *step)
	return nil
}

func (m *mockStore) FinishStep(_ context.Context, step *run.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.steps {
		if m.steps[i].ID == step.ID {
			m.steps[i] = *step
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) ListSteps(_ context.Context, runID string) ([]run.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listStepsErr != nil {
		return nil, m.listStepsErr
	}
	var out []run.Step
	for i := range m.steps {
		if m.steps[i].RunID == runID {
			out = append(out, m.steps[i])
		}
	}
	return out, nil
}

// --- Validation requests ---

func (m *mockStore) CreateValidation(_ context.Context, req *validation.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createValidationErr != nil {
		return m.createValidationErr
	}
	req.ID = m.genID("val")
	req.Status = validation.StatusPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	m.validations = append(m.validations, *req)
	return nil
}

func (m *mockStore) GetValidation(_ context.Context, id string) (*validation.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.findValidation(id)
	if v == nil {
		return nil, domain.ErrNotFound
	}
	out := *v
	return &out, nil
}

func (m *mockStore) GetOpenValidationByTask(_ context.Context, taskID int64) (*validation.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.validations) - 1; i >= 0; i-- {
		v := &m.validations[i]
		if v.TaskID != taskID {
			continue
		}
		if v.Status == validation.StatusPending || v.Status == validation.StatusTimedOut {
			out := *v
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) TransitionValidation(_ context.Context, id string, from, to validation.Status, instructions string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.findValidation(id)
	if v == nil {
		return domain.ErrNotFound
	}
	if v.Status != from {
		return domain.ErrConflict
	}
	v.Status = to
	if instructions != "" {
		v.RejectionInstructions = instructions
	}
	if to != validation.StatusTimedOut {
		resolved := at
		v.ResolvedAt = &resolved
	}
	return nil
}

func (m *mockStore) ListExpiredValidations(_ context.Context, now time.Time) ([]validation.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []validation.Request
	for i := range m.validations {
		v := &m.validations[i]
		if v.Status == validation.StatusPending && !v.ExpiresAt.After(now) {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *mockStore) MarkValidationNotified(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.findValidation(id)
	if v == nil {
		return domain.ErrNotFound
	}
	if v.TimeoutNotified {
		return domain.ErrConflict
	}
	v.TimeoutNotified = true
	return nil
}

func (m *mockStore) MarkClarificationSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.findValidation(id)
	if v == nil {
		return domain.ErrNotFound
	}
	if v.ClarificationSent {
		return domain.ErrConflict
	}
	v.ClarificationSent = true
	return nil
}

func (m *mockStore) findValidation(id string) *validation.Request {
	for i := range m.validations {
		if m.validations[i].ID == id {
			return &m.validations[i]
		}
	}
	return nil
}

// --- Reactivation records ---

func (m *mockStore) CreateReactivation(_ context.Context, rec *reactivation.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createReactivationErr != nil {
		return m.createReactivationErr
	}
	rec.ID = m.genID("react")
	rec.Status = reactivation.StatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.reactivations = append(m.reactivations, *rec)
	return nil
}

func (m *mockStore) FinishReactivation(_ context.Context, id string, status reactivation.Status, runID, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.reactivations {
		rec := &m.reactivations[i]
		if rec.ID != id {
			continue
		}
		rec.Status = status
		if runID != "" {
			rec.RunID = runID
		}
		rec.ErrorMessage = errMsg
		completed := at
		rec.CompletedAt = &completed
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) ListReactivations(_ context.Context, taskID int64) ([]reactivation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listReactivationsErr != nil {
		return nil, m.listReactivationsErr
	}
	var out []reactivation.Record
	for i := range m.reactivations {
		if m.reactivations[i].TaskID == taskID {
			out = append(out, m.reactivations[i])
		}
	}
	return out, nil
}

// --- AI usage ledger ---

func (m *mockStore) InsertUsage(_ context.Context, rec *usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertUsageErr != nil {
		return m.insertUsageErr
	}
	rec.ID = m.genID("usage")
	m.usageRecs = append(m.usageRecs, *rec)
	return nil
}

func (m *mockStore) RunUsage(_ context.Context, runID string) (*usage.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := usage.Summary{}
	for i := range m.usageRecs {
		if m.usageRecs[i].RunID == runID {
			addToSummary(&sum, &m.usageRecs[i])
		}
	}
	return &sum, nil
}

func (m *mockStore) TaskUsage(_ context.Context, taskID int64) (*usage.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	taskRuns := make(map[string]bool)
	for i := range m.runs {
		if m.runs[i].TaskID == taskID {
			taskRuns[m.runs[i].ID] = true
		}
	}
	sum := usage.Summary{}
	for i := range m.usageRecs {
		if taskRuns[m.usageRecs[i].RunID] {
			addToSummary(&sum, &m.usageRecs[i])
		}
	}
	return &sum, nil
}

func (m *mockStore) DailyUsage(_ context.Context, from, to time.Time) ([]usage.DailySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDay := make(map[string]*usage.Summary)
	for i := range m.usageRecs {
		rec := &m.usageRecs[i]
		if rec.Timestamp.Before(from) || !rec.Timestamp.Before(to) {
			continue
		}
		day := rec.Timestamp.Format("2006-01-02")
		if byDay[day] == nil {
			byDay[day] = &usage.Summary{}
		}
		addToSummary(byDay[day], rec)
	}
	var out []usage.DailySummary
	for day, sum := range byDay {
		out = append(out, usage.DailySummary{Date: day, Summary: *sum})
	}
	return out, nil
}

func (m *mockStore) MonthlyUsage(_ context.Context, from, to time.Time) ([]usage.MonthlySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byMonth := make(map[string]*usage.Summary)
	for i := range m.usageRecs {
		rec := &m.usageRecs[i]
		if rec.Timestamp.Before(from) || !rec.Timestamp.Before(to) {
			continue
		}
		month := rec.Timestamp.Format("2006-01")
		if byMonth[month] == nil {
			byMonth[month] = &usage.Summary{}
		}
		addToSummary(byMonth[month], rec)
	}
	var out []usage.MonthlySummary
	for month, sum := range byMonth {
		out = append(out, usage.MonthlySummary{Month: month, Summary: *sum})
	}
	return out, nil
}

func (m *mockStore) ProviderUsage(_ context.Context, runID string) ([]usage.ProviderSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byProvider := make(map[string]*usage.Summary)
	for i := range m.usageRecs {
		rec := &m.usageRecs[i]
		if rec.RunID != runID {
			continue
		}
		if byProvider[rec.Provider] == nil {
			byProvider[rec.Provider] = &usage.Summary{}
		}
		addToSummary(byProvider[rec.Provider], rec)
	}
	var out []usage.ProviderSummary
	for provider, sum := range byProvider {
		out = append(out, usage.ProviderSummary{Provider: provider, Summary: *sum})
	}
	return out, nil
}

func addToSummary(sum *usage.Summary, rec *usage.Record) {
	sum.TotalCostUSD += rec.EstimatedCost
	sum.TotalTokensIn += rec.InputTokens
	sum.TotalTokensOut += rec.OutputTokens
	sum.CallCount++
}

// --- Webhook events ---

func (m *mockStore) InsertWebhookEvent(_ context.Context, ev *webhook.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertWebhookErr != nil {
		return m.insertWebhookErr
	}
	for i := range m.webhookEvents {
		if m.webhookEvents[i].ID == ev.ID {
			return domain.ErrDuplicate
		}
	}
	m.webhookEvents = append(m.webhookEvents, *ev)
	return nil
}

func (m *mockStore) FinishWebhookEvent(_ context.Context, id string, status webhook.ProcessingStatus, relatedTaskID int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.webhookEvents {
		ev := &m.webhookEvents[i]
		if ev.ID != id {
			continue
		}
		ev.Processing = status
		if relatedTaskID != 0 {
			ev.RelatedTaskID = relatedTaskID
		}
		ev.ErrorMessage = errMsg
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) CountWebhookEvents(_ context.Context, status webhook.ProcessingStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.webhookEvents {
		if m.webhookEvents[i].Processing == status {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) webhookEvent(id string) *webhook.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.webhookEvents {
		if m.webhookEvents[i].ID == id {
			ev := m.webhookEvents[i]
			return &ev
		}
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	out := t
	return &out
}

// --- Queue ---

var _ messagequeue.Queue = (*mockQueue)(nil)

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    []byte
	}
	handlers   map[string]messagequeue.Handler
	publishErr error
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handlers == nil {
		q.handlers = make(map[string]messagequeue.Handler)
	}
	q.handlers[subject] = handler
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

// subjects returns the published subjects in order.
func (q *mockQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.published))
	for i := range q.published {
		out[i] = q.published[i].subject
	}
	return out
}

func (q *mockQueue) countSubject(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := range q.published {
		if q.published[i].subject == subject {
			n++
		}
	}
	return n
}

func (q *mockQueue) lastPayload(subject string) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.published) - 1; i >= 0; i-- {
		if q.published[i].subject == subject {
			return q.published[i].data
		}
	}
	return nil
}

// --- Broadcaster ---

// mockHub records broadcast events.
type mockHub struct {
	mu     sync.Mutex
	events []string
}

func (h *mockHub) BroadcastEvent(_ context.Context, eventType string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, eventType)
}

// --- Ticket client ---

var _ ticket.Client = (*mockTickets)(nil)

// mockTickets implements ticket.Client and records posted comments and
// status changes.
type mockTickets struct {
	items         map[string]*ticket.Item
	comments      []string
	statusLabels  []string
	columnValues  []string
	getItemErr    error
	addCommentErr error
}

func (c *mockTickets) GetItemInfo(_ context.Context, itemID string) (*ticket.Item, error) {
	if c.getItemErr != nil {
		return nil, c.getItemErr
	}
	if item, ok := c.items[itemID]; ok {
		out := *item
		return &out, nil
	}
	return nil, domain.ErrNotFound
}

func (c *mockTickets) GetItemUpdates(_ context.Context, _ string) ([]ticket.Update, error) {
	return nil, nil
}

func (c *mockTickets) UpdateItemStatus(_ context.Context, _, statusLabel string) error {
	c.statusLabels = append(c.statusLabels, statusLabel)
	return nil
}

func (c *mockTickets) AddComment(_ context.Context, _, body string) error {
	if c.addCommentErr != nil {
		return c.addCommentErr
	}
	c.comments = append(c.comments, body)
	return nil
}

func (c *mockTickets) ChangeColumnValue(_ context.Context, _, _, value string) error {
	c.columnValues = append(c.columnValues, value)
	return nil
}

// --- SCM client ---

var _ scm.Client = (*mockSCM)(nil)

// mockSCM implements scm.Client over a fixed pull request list.
type mockSCM struct {
	pulls      []scm.PullRequest
	files      []scm.File
	merged     []int
	prComments []string
	listErr    error
	mergeErr   error

	// getHook overrides GetPullRequest when set.
	getHook func(number int) (*scm.PullRequest, error)
}

func (c *mockSCM) ListPullRequests(_ context.Context, _ string, state string) ([]scm.PullRequest, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	if state == "all" {
		return c.pulls, nil
	}
	var out []scm.PullRequest
	for _, pr := range c.pulls {
		if pr.State == state {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (c *mockSCM) GetPullRequest(_ context.Context, _ string, number int) (*scm.PullRequest, error) {
	if c.getHook != nil {
		return c.getHook(number)
	}
	for i := range c.pulls {
		if c.pulls[i].Number == number {
			pr := c.pulls[i]
			return &pr, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (c *mockSCM) ListPullRequestFiles(_ context.Context, _ string, _ int) ([]scm.File, error) {
	return c.files, nil
}

func (c *mockSCM) CreatePullRequest(_ context.Context, _ string, req scm.CreatePRRequest) (*scm.PullRequest, error) {
	pr := scm.PullRequest{
		Number:     len(c.pulls) + 1,
		Title:      req.Title,
		State:      "open",
		HeadBranch: req.HeadBranch,
		BaseBranch: req.BaseBranch,
	}
	c.pulls = append(c.pulls, pr)
	return &pr, nil
}

func (c *mockSCM) AddPullRequestComment(_ context.Context, _ string, _ int, body string) error {
	c.prComments = append(c.prComments, body)
	return nil
}

func (c *mockSCM) MergePullRequest(_ context.Context, _ string, number int) error {
	if c.mergeErr != nil {
		return c.mergeErr
	}
	for i := range c.pulls {
		if c.pulls[i].Number == number {
			c.pulls[i].State = "merged"
		}
	}
	c.merged = append(c.merged, number)
	return nil
}

func (c *mockSCM) ListRecentCommits(_ context.Context, _, _ string, _ int) ([]scm.Commit, error) {
	return nil, nil
}

// --- Workflow executor ---

var _ workflow.Executor = (*mockExecutor)(nil)

// mockExecutor scripts per-node behavior for the driver. failures counts
// down per node: a node with failures remaining errors and decrements.
type mockExecutor struct {
	mu       sync.Mutex
	calls    []workflow.NodeInput
	outputs  map[run.Node][]byte
	failures map[run.Node]int
	usage    map[run.Node][]usage.Record
	block    chan struct{} // when set, ExecuteNode waits for ctx or close
}

func (e *mockExecutor) ExecuteNode(ctx context.Context, in workflow.NodeInput) (*workflow.NodeOutput, error) {
	e.mu.Lock()
	e.calls = append(e.calls, in)
	block := e.block
	remaining := 0
	if e.failures != nil {
		remaining = e.failures[in.Node]
		if remaining > 0 {
			e.failures[in.Node] = remaining - 1
		}
	}
	e.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	if remaining > 0 {
		return nil, fmt.Errorf("node %s scripted failure", in.Node)
	}
	out := &workflow.NodeOutput{}
	if e.outputs != nil {
		out.Output = e.outputs[in.Node]
	}
	if e.usage != nil {
		out.AIUsage = e.usage[in.Node]
	}
	return out, nil
}

func (e *mockExecutor) callCount(node run.Node) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := range e.calls {
		if e.calls[i].Node == node {
			n++
		}
	}
	return n
}

func (e *mockExecutor) calledNodes() []run.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]run.Node, len(e.calls))
	for i := range e.calls {
		out[i] = e.calls[i].Node
	}
	return out
}

// --- LLM client ---

var _ llm.Client = (*mockLLM)(nil)

// mockLLM returns a canned completion and moderation verdict.
type mockLLM struct {
	content      string
	completeErr  error
	flagged      bool
	moderateErr  error
	completions  int
	lastPrompt   string
	inputTokens  int64
	outputTokens int64
}

func (c *mockLLM) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error) {
	c.completions++
	c.lastPrompt = req.Prompt
	if c.completeErr != nil {
		return nil, c.completeErr
	}
	return &llm.CompletionResult{
		Content:      []byte(c.content),
		Provider:     "litellm",
		Model:        "test-model",
		InputTokens:  c.inputTokens,
		OutputTokens: c.outputTokens,
	}, nil
}

func (c *mockLLM) Moderate(_ context.Context, _ string) (*llm.ModerationResult, error) {
	if c.moderateErr != nil {
		return nil, c.moderateErr
	}
	return &llm.ModerationResult{Flagged: c.flagged}, nil
}

// --- Caches ---

var _ cache.Cache = (*mockCache)(nil)

// mockCache is a TTL-less in-memory cache.
type mockCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	getErr  error
	setErr  error
}

func (c *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	if c.entries == nil {
		c.entries = make(map[string][]byte)
	}
	c.entries[key] = value
	return nil
}

func (c *mockCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

var _ cache.Deduper = (*mockDeduper)(nil)

// mockDeduper is an in-memory SetIfAbsent.
type mockDeduper struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (d *mockDeduper) SetIfAbsent(_ context.Context, key string, _ []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.keys == nil {
		d.keys = make(map[string]bool)
	}
	if d.keys[key] {
		return false, nil
	}
	d.keys[key] = true
	return true, nil
}

// --- Notifier ---

var _ notifier.Notifier = (*mockNotifier)(nil)

// mockNotifier records sent notifications and direct messages.
type mockNotifier struct {
	sent    []notifier.Notification
	directs []string // recipient emails
	sendErr error
}

func (n *mockNotifier) Name() string { return "mock" }

func (n *mockNotifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{DirectMessages: true}
}

func (n *mockNotifier) Send(_ context.Context, notification notifier.Notification) error {
	if n.sendErr != nil {
		return n.sendErr
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *mockNotifier) SendDirect(_ context.Context, email string, notification notifier.Notification) error {
	if n.sendErr != nil {
		return n.sendErr
	}
	n.sent = append(n.sent, notification)
	n.directs = append(n.directs, email)
	return nil
}
