// Package prompts coordinates exit-confirmation handoff between the detector
// and whichever surface the user is looking at. The detector may run headless
// in a background process, so the prompt and the user's decision are persisted
// records in the kv table, not live callbacks: a reconciliation pass applies
// any outstanding decision exactly once and clears both records.
package prompts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Koutacode/tracklog-pwa/internal/db"
	"github.com/Koutacode/tracklog-pwa/internal/monitoring"
	"github.com/Koutacode/tracklog-pwa/internal/timeutil"
)

const (
	promptKeyPrefix   = "expressway_prompt:"
	decisionKeyPrefix = "expressway_decision:"
)

func promptKey(tripID string) string   { return promptKeyPrefix + tripID }
func decisionKey(tripID string) string { return decisionKeyPrefix + tripID }

// Prompt is a pending exit confirmation raised by the detector.
type Prompt struct {
	ID       string    `json:"id"`
	TripID   string    `json:"tripId"`
	SpeedKmh float64   `json:"speedKmh"`
	Lat      *float64  `json:"lat,omitempty"`
	Lng      *float64  `json:"lng,omitempty"`
	At       time.Time `json:"at"`
}

// Action is the user's answer to an exit confirmation.
type Action string

const (
	// ActionEnd closes the expressway session.
	ActionEnd Action = "end"
	// ActionKeep keeps the session open and suppresses further prompts
	// until speed recovers.
	ActionKeep Action = "keep"
)

// Decision is the user's persisted answer, written by whichever surface the
// user acted on.
type Decision struct {
	TripID string    `json:"tripId"`
	Action Action    `json:"action"`
	At     time.Time `json:"at"`
}

// ErrUnknownAction rejects a decision whose action is not end or keep.
var ErrUnknownAction = errors.New("unknown decision action")

// Notifier is the native confirmation surface. Implementations must not
// block; failures are logged and the persisted prompt remains the source of
// truth for in-app surfaces.
type Notifier interface {
	// ShowConfirmation raises a two-action (end/keep) confirmation.
	ShowConfirmation(ctx context.Context, p Prompt) error
	// CancelConfirmation withdraws any outstanding confirmation for a trip.
	CancelConfirmation(ctx context.Context, tripID string) error
}

// NopNotifier is used when no native surface is wired up.
type NopNotifier struct{}

func (NopNotifier) ShowConfirmation(ctx context.Context, p Prompt) error        { return nil }
func (NopNotifier) CancelConfirmation(ctx context.Context, tripID string) error { return nil }

// Handler applies a reconciled decision. The detector implements this.
type Handler interface {
	// ConfirmExit closes the expressway session for the trip.
	ConfirmExit(ctx context.Context, tripID string, at time.Time) error
	// KeepOpen keeps the session and enables resume suppression.
	KeepOpen(ctx context.Context, tripID string, at time.Time) error
}

// Coordinator owns the persisted prompt/decision records and the periodic
// reconciliation loop.
type Coordinator struct {
	db       *db.DB
	notifier Notifier
	clock    timeutil.Clock
	interval time.Duration
	handler  Handler
	trigger  chan struct{}
}

// CoordinatorConfig configures a Coordinator. Notifier defaults to
// NopNotifier, Clock to the real clock, Interval to 30s.
type CoordinatorConfig struct {
	DB       *db.DB
	Notifier Notifier
	Clock    timeutil.Clock
	Interval time.Duration
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Coordinator{
		db:       cfg.DB,
		notifier: notifier,
		clock:    clock,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// SetHandler wires the decision consumer. Must be called before Run or
// Reconcile; kept separate from construction because the detector and the
// coordinator reference each other.
func (c *Coordinator) SetHandler(h Handler) {
	c.handler = h
}

// SetPrompt persists a prompt and raises the native confirmation. A prompt
// replaces any previous one for the trip.
func (c *Coordinator) SetPrompt(ctx context.Context, p Prompt) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.At.IsZero() {
		p.At = c.clock.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := c.db.SetKV(ctx, promptKey(p.TripID), string(data)); err != nil {
		return err
	}
	if err := c.notifier.ShowConfirmation(ctx, p); err != nil {
		monitoring.Logf("Prompts: failed to show confirmation for trip %s: %v", p.TripID, err)
	}
	return nil
}

// GetPrompt returns the pending prompt for a trip, or nil.
func (c *Coordinator) GetPrompt(ctx context.Context, tripID string) (*Prompt, error) {
	raw, ok, err := c.db.GetKV(ctx, promptKey(tripID))
	if err != nil || !ok {
		return nil, err
	}
	var p Prompt
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("corrupt prompt record for trip %s: %w", tripID, err)
	}
	return &p, nil
}

// ClearPrompt removes the prompt record and withdraws the native
// confirmation. Clearing an absent prompt is a no-op.
func (c *Coordinator) ClearPrompt(ctx context.Context, tripID string) error {
	if err := c.db.DeleteKV(ctx, promptKey(tripID)); err != nil {
		return err
	}
	if err := c.notifier.CancelConfirmation(ctx, tripID); err != nil {
		monitoring.Logf("Prompts: failed to cancel confirmation for trip %s: %v", tripID, err)
	}
	return nil
}

// SetDecision persists the user's answer and clears the prompt record. The
// decision is applied later by Reconcile; prompt and decision are never both
// present for a trip.
func (c *Coordinator) SetDecision(ctx context.Context, d Decision) error {
	if d.Action != ActionEnd && d.Action != ActionKeep {
		return fmt.Errorf("%w: %q", ErrUnknownAction, d.Action)
	}
	if d.At.IsZero() {
		d.At = c.clock.Now().UTC()
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := c.db.SetKV(ctx, decisionKey(d.TripID), string(data)); err != nil {
		return err
	}
	if err := c.db.DeleteKV(ctx, promptKey(d.TripID)); err != nil {
		return err
	}
	c.Trigger()
	return nil
}

// GetDecision returns the outstanding decision for a trip, or nil.
func (c *Coordinator) GetDecision(ctx context.Context, tripID string) (*Decision, error) {
	raw, ok, err := c.db.GetKV(ctx, decisionKey(tripID))
	if err != nil || !ok {
		return nil, err
	}
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("corrupt decision record for trip %s: %w", tripID, err)
	}
	return &d, nil
}

// ClearDecision removes the decision record without applying it.
func (c *Coordinator) ClearDecision(ctx context.Context, tripID string) error {
	return c.db.DeleteKV(ctx, decisionKey(tripID))
}

// Reconcile applies every outstanding decision exactly once: the handler runs,
// then decision, prompt, and native confirmation are all cleared. A handler
// failure leaves the decision in place for the next pass. Reconciling with
// nothing outstanding is a no-op, so re-running after a crash or on app
// resume is always safe.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	if c.handler == nil {
		return errors.New("prompts: no handler wired")
	}
	records, err := c.db.ListKV(ctx, decisionKeyPrefix)
	if err != nil {
		return err
	}
	for key, raw := range records {
		var d Decision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			// A corrupt record can never apply; drop it rather than retry
			// forever.
			monitoring.Logf("Prompts: dropping corrupt decision record %s: %v", key, err)
			if err := c.db.DeleteKV(ctx, key); err != nil {
				return err
			}
			continue
		}

		var applyErr error
		switch d.Action {
		case ActionEnd:
			applyErr = c.handler.ConfirmExit(ctx, d.TripID, d.At)
		case ActionKeep:
			applyErr = c.handler.KeepOpen(ctx, d.TripID, d.At)
		default:
			monitoring.Logf("Prompts: dropping decision with unknown action %q for trip %s", d.Action, d.TripID)
		}
		if applyErr != nil {
			monitoring.Logf("Prompts: failed to apply %s decision for trip %s: %v", d.Action, d.TripID, applyErr)
			continue
		}

		if err := c.db.DeleteKV(ctx, key); err != nil {
			return err
		}
		if err := c.ClearPrompt(ctx, d.TripID); err != nil {
			return err
		}
	}
	return nil
}

// Trigger requests an immediate reconciliation pass from the Run loop.
// Non-blocking; coalesces with any pass already requested.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run reconciles periodically and on demand until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	monitoring.Logf("Prompts: reconciliation loop started, interval=%v", c.interval)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("Prompts: reconciliation loop stopping")
			return nil
		case <-ticker.C():
		case <-c.trigger:
		}
		if err := c.Reconcile(ctx); err != nil {
			monitoring.Logf("Prompts: reconcile failed: %v", err)
		}
	}
}
