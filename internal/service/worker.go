package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	tpotel "github.com/ticketpilot/ticketpilot/internal/adapter/otel"
	"github.com/ticketpilot/ticketpilot/internal/adapter/ws"
	"github.com/ticketpilot/ticketpilot/internal/domain"
	"github.com/ticketpilot/ticketpilot/internal/domain/run"
	"github.com/ticketpilot/ticketpilot/internal/domain/task"
	"github.com/ticketpilot/ticketpilot/internal/port/broadcast"
	"github.com/ticketpilot/ticketpilot/internal/port/database"
	"github.com/ticketpilot/ticketpilot/internal/port/messagequeue"
)

// RunWorkerPool consumes run work items from the queue and drives each one
// through the workflow. A weighted semaphore bounds concurrent runs; queue
// redelivery covers items this instance never acknowledged, and the dead-run
// reclaim covers items it acknowledged and then died holding.
type RunWorkerPool struct {
	queue   messagequeue.Queue
	store   database.Store
	driver  *WorkflowDriver
	hub     broadcast.Broadcaster
	sem     *semaphore.Weighted
	metrics *tpotel.Metrics
	now     func() time.Time

	id             string // heartbeat owner recorded on claimed runs
	heartbeatEvery time.Duration
	deadAfter      time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
	unsubs []func()
	base   context.Context
	wg     sync.WaitGroup
}

func NewRunWorkerPool(
	queue messagequeue.Queue,
	store database.Store,
	driver *WorkflowDriver,
	hub broadcast.Broadcaster,
	count int,
	heartbeatEvery, deadAfter time.Duration,
) *RunWorkerPool {
	if count < 1 {
		count = 1
	}
	return &RunWorkerPool{
		queue:          queue,
		store:          store,
		driver:         driver,
		hub:            hub,
		sem:            semaphore.NewWeighted(int64(count)),
		now:            time.Now,
		id:             uuid.NewString(),
		heartbeatEvery: heartbeatEvery,
		deadAfter:      deadAfter,
		active:         make(map[string]context.CancelFunc),
	}
}

func (p *RunWorkerPool) SetMetrics(m *tpotel.Metrics) {
	p.metrics = m
}

// WorkerID returns the heartbeat owner id this pool stamps on claimed runs.
func (p *RunWorkerPool) WorkerID() string {
	return p.id
}

// Start subscribes to the run subjects and launches the reclaim loop.
// Runs started by handlers live on ctx, not on the per-message context.
func (p *RunWorkerPool) Start(ctx context.Context) error {
	p.base = ctx

	for _, subject := range []string{messagequeue.SubjectRunStart, messagequeue.SubjectRunResume} {
		unsub, err := p.queue.Subscribe(ctx, subject, p.handleWork)
		if err != nil {
			p.stopSubscriptions()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		p.unsubs = append(p.unsubs, unsub)
	}
	unsub, err := p.queue.Subscribe(ctx, messagequeue.SubjectRunCancel, p.handleCancel)
	if err != nil {
		p.stopSubscriptions()
		return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectRunCancel, err)
	}
	p.unsubs = append(p.unsubs, unsub)

	go p.reclaimLoop(ctx)
	slog.Info("run worker pool started", "worker_id", p.id)
	return nil
}

// Stop cancels the subscriptions and waits for in-flight runs to finish,
// or until ctx expires.
func (p *RunWorkerPool) Stop(ctx context.Context) error {
	p.stopSubscriptions()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func (p *RunWorkerPool) stopSubscriptions() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (p *RunWorkerPool) handleWork(ctx context.Context, subject string, data []byte) error {
	var msg messagequeue.RunStartMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("discarding unreadable run message", "subject", subject, "error", err)
		return nil
	}
	if msg.RunID == "" {
		return nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		// Redelivery will retry once a slot frees up.
		return fmt.Errorf("acquire worker slot: %w", err)
	}

	runCtx, cancel := context.WithCancel(p.base)
	p.mu.Lock()
	if _, dup := p.active[msg.RunID]; dup {
		p.mu.Unlock()
		cancel()
		p.sem.Release(1)
		return nil
	}
	p.active[msg.RunID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.active, msg.RunID)
			p.mu.Unlock()
			p.sem.Release(1)
			p.wg.Done()
		}()

		stopBeat := p.startHeartbeat(runCtx, msg.RunID)
		defer stopBeat()

		if err := p.driver.Execute(runCtx, msg.RunID); err != nil {
			slog.Error("run execution failed",
				"run_id", msg.RunID, "task_id", msg.TaskID, "error", err)
		}
	}()
	return nil
}

func (p *RunWorkerPool) handleCancel(ctx context.Context, subject string, data []byte) error {
	var msg messagequeue.RunCancelMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("discarding unreadable cancel message", "error", err)
		return nil
	}
	p.mu.Lock()
	cancel, ok := p.active[msg.RunID]
	p.mu.Unlock()
	if !ok {
		// Another instance holds the run, or it already ended.
		return nil
	}
	slog.Info("cancelling run", "run_id", msg.RunID, "reason", msg.Reason)
	cancel()
	return nil
}

// startHeartbeat stamps the run with this worker id on an interval so the
// reclaim loop on other instances can tell a slow run from a dead one.
func (p *RunWorkerPool) startHeartbeat(ctx context.Context, runID string) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := p.store.RecordHeartbeat(hbCtx, runID, p.id, p.now().UTC())
				switch {
				case err == nil:
				case errors.Is(err, domain.ErrTerminal), errors.Is(err, domain.ErrNotFound):
					return
				case errors.Is(err, context.Canceled):
					return
				default:
					slog.Warn("heartbeat failed", "run_id", runID, "error", err)
				}
			}
		}
	}()
	return cancel
}

func (p *RunWorkerPool) reclaimLoop(ctx context.Context) {
	every := p.deadAfter / 2
	if every < time.Minute {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.ReclaimDeadRuns(ctx); err != nil {
				slog.Error("dead run reclaim failed", "error", err)
			} else if n > 0 {
				slog.Info("reclaimed dead runs", "count", n)
			}
		}
	}
}

// ReclaimDeadRuns fails every non-terminal run whose heartbeat went silent
// and frees its task lock so the task can be reactivated.
func (p *RunWorkerPool) ReclaimDeadRuns(ctx context.Context) (int, error) {
	cutoff := p.now().UTC().Add(-p.deadAfter)
	dead, err := p.store.ListDeadRuns(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list dead runs: %w", err)
	}

	reclaimed := 0
	for i := range dead {
		r := &dead[i]
		if p.isActive(r.ID) {
			continue
		}
		at := p.now().UTC()
		if err := p.store.UpdateRunStatus(ctx, r.ID, run.StatusFailed, at); err != nil {
			if errors.Is(err, domain.ErrTerminal) {
				continue
			}
			slog.Error("reclaim: fail run", "run_id", r.ID, "error", err)
			continue
		}
		if err := p.store.UpdateTaskStatus(ctx, r.TaskID, task.StatusFailed); err != nil {
			slog.Error("reclaim: fail task", "task_id", r.TaskID, "error", err)
		}
		if err := p.store.ReleaseTaskLock(ctx, r.TaskID, r.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
			slog.Error("reclaim: release lock", "task_id", r.TaskID, "error", err)
		}
		if p.metrics != nil {
			p.metrics.RunsFailed.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", "heartbeat_lost")))
		}
		p.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
			RunID:     r.ID,
			TaskID:    r.TaskID,
			RunNumber: r.RunNumber,
			Status:    string(run.StatusFailed),
		})
		slog.Warn("reclaimed dead run",
			"run_id", r.ID, "task_id", r.TaskID, "last_heartbeat", r.HeartbeatAt)
		reclaimed++
	}
	return reclaimed, nil
}

func (p *RunWorkerPool) isActive(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[runID]
	return ok
}
