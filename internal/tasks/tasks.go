// Package tasks runs best-effort background work queued from request paths:
// access-metadata refreshes, upgrade-job creation, and client notifications.
// Submitted tasks may be dropped; nothing may rely on them for correctness.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Task kinds.
const (
	KindTouchProxy = "proxy:touch"
	KindUpgrade    = "proxy:upgrade"
	KindNotify     = "job:notify"
)

// ErrQueueFull is returned when a task is dropped for lack of capacity.
var ErrQueueFull = errors.New("tasks: queue full")

// ErrUnknownKind is returned when no handler is registered for a kind.
var ErrUnknownKind = errors.New("tasks: no handler registered")

// Handler processes one task payload.
type Handler func(ctx context.Context, payload []byte) error

// Queue accepts tasks from request paths and runs registered handlers.
type Queue interface {
	// Register binds a handler to kind. It must be called before Start.
	Register(kind string, handler Handler)
	// Submit enqueues a task without blocking on its execution.
	Submit(ctx context.Context, kind string, payload []byte) error
	Start() error
	Shutdown(ctx context.Context) error
}

// SubmitJSON encodes v and submits it as kind.
func SubmitJSON(ctx context.Context, queue Queue, kind string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s task: %w", kind, err)
	}
	return queue.Submit(ctx, kind, payload)
}

// DecodeJSON is the counterpart of SubmitJSON for handlers.
func DecodeJSON(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}
	return nil
}

// TouchPayload asks for a proxy object's access metadata to be refreshed.
type TouchPayload struct {
	Key     string `json:"key"`
	Quality string `json:"quality"`
}

// UpgradePayload asks for a missing tier to be backfilled for a job.
type UpgradePayload struct {
	OriginalJobID string `json:"originalJobId"`
	Quality       string `json:"quality"`
}

// NotifyPayload is a client callback delivery.
type NotifyPayload struct {
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body"`
}
