// Package task defines the Task domain entity: the long-lived intent
// derived from an external ticket.
package task

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the internal lifecycle state of a task.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusQualityCheck Status = "quality_check"
	StatusAbandoned    Status = "abandoned"
)

// Reactivatable reports whether a task in this status may accept a new run.
func (s Status) Reactivatable() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusQualityCheck:
		return true
	default:
		return false
	}
}

// Task is the persistent subject of work derived from an external ticket.
// Tasks are never deleted; they are mutated only by the reactivation gate
// and the workflow driver.
type Task struct {
	ID                 int64      `json:"id"`
	ExternalItemID     string     `json:"external_item_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	RepositoryURL      string     `json:"repository_url"`
	BaseBranch         string     `json:"base_branch,omitempty"`
	Priority           string     `json:"priority,omitempty"`
	Status             Status     `json:"status"`
	IsLocked           bool       `json:"is_locked"`
	LockedBy           string     `json:"locked_by,omitempty"`
	LockedAt           *time.Time `json:"locked_at,omitempty"`
	CooldownUntil      *time.Time `json:"cooldown_until,omitempty"`
	ReactivationCount  int        `json:"reactivation_count"`
	FailedReactivation int        `json:"failed_reactivation_attempts"`
	LastRunID          string     `json:"last_run_id,omitempty"`
	Version            int        `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// InCooldown reports whether the task's cooldown window covers now.
// The boundary instant itself is admitted.
func (t *Task) InCooldown(now time.Time) bool {
	return t.CooldownUntil != nil && now.Before(*t.CooldownUntil)
}

// CooldownRemaining returns the time left in the cooldown window, or zero.
func (t *Task) CooldownRemaining(now time.Time) time.Duration {
	if !t.InCooldown(now) {
		return 0
	}
	return t.CooldownUntil.Sub(now)
}

// CreateRequest holds the fields needed to create a new task from a ticket.
type CreateRequest struct {
	ExternalItemID string `json:"external_item_id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	RepositoryURL  string `json:"repository_url"`
	BaseBranch     string `json:"base_branch,omitempty"`
	Priority       string `json:"priority,omitempty"`
}

// maxUpdateEntries caps the UPDATES history appended to a description.
const maxUpdateEntries = 4

const updatesHeader = "## UPDATES"

// AppendUpdate returns the description with the given update appended under
// a timestamped UPDATES section, keeping only the most recent entries.
// If the result would be strictly shorter than the current description the
// current one is returned unchanged, so enriched bodies are never clobbered.
func AppendUpdate(description, update string, at time.Time) string {
	base, entries := splitUpdates(description)

	entries = append(entries, fmt.Sprintf("- [%s] %s", at.UTC().Format(time.RFC3339), strings.TrimSpace(update)))
	if len(entries) > maxUpdateEntries {
		entries = entries[len(entries)-maxUpdateEntries:]
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "\n"))
	b.WriteString("\n\n")
	b.WriteString(updatesHeader)
	b.WriteString("\n")
	b.WriteString(strings.Join(entries, "\n"))

	out := b.String()
	if len(out) < len(description) {
		return description
	}
	return out
}

// splitUpdates separates the base description from existing UPDATES entries.
func splitUpdates(description string) (base string, entries []string) {
	idx := strings.Index(description, updatesHeader)
	if idx < 0 {
		return description, nil
	}
	base = description[:idx]
	for _, line := range strings.Split(description[idx+len(updatesHeader):], "\n") {
		if line = strings.TrimSpace(line); strings.HasPrefix(line, "- ") {
			entries = append(entries, line)
		}
	}
	return base, entries
}
