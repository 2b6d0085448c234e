package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// EventType names the billing incidents and lifecycle signals the credits
// service exports. Operators subscribe to these to feed paging, audit sinks,
// or reconciliation scripts.
type EventType string

const (
	// EventRefundFailed is emitted when a refund could not be applied; an
	// un-refunded failed operation is a billing-correctness incident.
	EventRefundFailed EventType = "credits.refund.failed"
	// EventFallbackEngaged is emitted whenever a ledger mutation runs on
	// the non-atomic fallback path, signalling the atomic primitive is
	// missing in the current deployment.
	EventFallbackEngaged EventType = "credits.fallback.engaged"
	// EventAllocationCompleted is emitted after a monthly allocation run.
	EventAllocationCompleted EventType = "credits.allocation.completed"
	// EventTransactionLogFailed is emitted when a balance mutation
	// succeeded but its audit row could not be written.
	EventTransactionLogFailed EventType = "credits.transaction_log.failed"
)

// Event envelopes the payload broadcast to alert listeners.
type Event struct {
	ID         string         `json:"id"`          // globally unique event identifier
	Type       EventType      `json:"type"`        // incident identifier
	Level      string         `json:"level"`       // info | warning | error
	OccurredAt time.Time      `json:"occurred_at"` // timestamp of emission
	UserID     string         `json:"user_id"`     // user associated with the event, if any
	Message    string         `json:"message"`     // human-readable summary
	Metadata   map[string]any `json:"metadata"`    // extensible JSON-friendly payload
}

// Handler reacts to an Event. Implementations should be idempotent.
type Handler func(context.Context, Event) error

// Dispatcher coordinates handler registration and event fan-out.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Register adds a new handler. Handlers fire sequentially in registration
// order so operators can reason about side effects.
func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Emit delivers an event to all registered handlers. Errors are aggregated
// so callers can surface each failure in logs.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ScriptConfig describes how to invoke an external command when events fire.
// This lets operators bridge billing incidents into paging or ticketing
// systems without native integrations.
type ScriptConfig struct {
	Command string            // required executable (absolute or PATH lookup)
	Args    []string          // static arguments passed to the executable
	Env     map[string]string // optional environment overrides
	Timeout time.Duration     // optional max execution time
}

// MarshalEvent converts an Event into the wire format presented to scripts.
var MarshalEvent = JSONMarshaler

// JSONMarshaler renders the event as a single JSON document.
func JSONMarshaler(evt Event) ([]byte, error) {
	evt.OccurredAt = evt.OccurredAt.UTC()
	return json.Marshal(evt)
}

// NewScriptHandler returns a Handler that pipes the marshalled event to a
// configured executable via STDIN.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(parentCtx context.Context, evt Event) error {
		if cfg.Command == "" {
			return fmt.Errorf("alerts: command not configured")
		}

		payload, err := MarshalEvent(evt)
		if err != nil {
			return fmt.Errorf("alerts: marshal event: %w", err)
		}

		ctx := parentCtx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := cmd.Environ()
			for key, val := range cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", key, val))
			}
			cmd.Env = env
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("alerts: open stdin: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("alerts: start script: %w", err)
		}
		if _, err := stdin.Write(payload); err != nil {
			_ = stdin.Close()
			_ = cmd.Wait()
			return fmt.Errorf("alerts: write payload: %w", err)
		}
		if err := stdin.Close(); err != nil {
			_ = cmd.Wait()
			return fmt.Errorf("alerts: close stdin: %w", err)
		}
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("alerts: script failed: %w", err)
		}
		return nil
	}
}
