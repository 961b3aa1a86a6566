// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrLocked indicates the task is already locked by another writer.
var ErrLocked = errors.New("task is locked by another writer")

// ErrCooldown indicates the task is inside its reactivation cooldown window.
var ErrCooldown = errors.New("task is in cooldown")

// ErrTooManyAttempts indicates the failed-reactivation cap was reached.
var ErrTooManyAttempts = errors.New("too many failed reactivation attempts")

// ErrTerminal indicates a write was attempted against a terminal run.
var ErrTerminal = errors.New("run is in a terminal state")

// ErrDuplicate indicates an event was already processed (idempotent replay).
var ErrDuplicate = errors.New("duplicate event")

// ErrBadSignature indicates webhook signature verification failed.
var ErrBadSignature = errors.New("webhook signature verification failed")

// ErrMalformed indicates an inbound payload could not be parsed.
var ErrMalformed = errors.New("malformed payload")
