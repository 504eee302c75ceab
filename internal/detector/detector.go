// Package detector implements the automatic expressway entry/exit state
// machine. One Detector watches one trip's fused speed signal and writes
// expressway_start events itself; exits are never written automatically but
// raised as confirmation prompts for the driver to answer.
package detector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Koutacode/tracklog-pwa/internal/config"
	"github.com/Koutacode/tracklog-pwa/internal/ledger"
	"github.com/Koutacode/tracklog-pwa/internal/monitoring"
	"github.com/Koutacode/tracklog-pwa/internal/prompts"
	"github.com/Koutacode/tracklog-pwa/internal/roadgraph"
	"github.com/Koutacode/tracklog-pwa/internal/signal"
	"github.com/Koutacode/tracklog-pwa/internal/timeutil"
)

// State of the per-trip detector.
type State string

const (
	// StateIdle: no open expressway session, speed below the entry threshold.
	StateIdle State = "idle"
	// StateAccumulatingEntry: speed at or above the entry threshold, sustain
	// timer running.
	StateAccumulatingEntry State = "accumulating_entry"
	// StateOpen: an expressway session is open.
	StateOpen State = "open"
	// StateAccumulatingExit: speed below the exit threshold, sustain timer
	// running, prompt not yet raised.
	StateAccumulatingExit State = "accumulating_exit"
	// StateAwaitingConfirmation: an exit prompt is raised, blocked on the
	// driver's decision.
	StateAwaitingConfirmation State = "awaiting_confirmation"
)

// Detector runs the state machine for a single trip. All duration guards are
// measured against fix timestamps, not wall time, so replayed or delayed
// fixes behave deterministically.
type Detector struct {
	tripID string
	cfg    *config.Tuning
	store  *ledger.Store
	proc   *signal.Processor
	roads  roadgraph.Querier
	coord  *prompts.Coordinator
	clock  timeutil.Clock

	// onWrite is called after a successful automatic event write, typically
	// to nudge the annotation worker. Optional.
	onWrite func()

	// inFlight guards the write phase of a transition: overlapping fix
	// callbacks must not double-trigger an automatic event or prompt.
	inFlight atomic.Bool

	mu             sync.Mutex
	state          State
	entrySince     time.Time // accumulating-entry start (fix time)
	exitSince      time.Time // accumulating-exit start (fix time)
	lastAutoAt     time.Time // last automatic write, for the cooldown
	lastPromptAt   time.Time
	lastTransition time.Time
	lastSpeedKmh   float64
	suppressed     bool // set by a "keep" decision
	resumeSince    time.Time
}

// Config wires a Detector.
type Config struct {
	TripID    string
	Tuning    *config.Tuning
	Store     *ledger.Store
	Processor *signal.Processor
	Roads     roadgraph.Querier
	Prompts   *prompts.Coordinator
	Clock     timeutil.Clock
	OnWrite   func()
	// Initial state, derived by the caller from the ledger (open session)
	// and the prompt store. Defaults to idle.
	InitialState State
}

func New(cfg Config) *Detector {
	tuning := cfg.Tuning
	if tuning == nil {
		tuning = &config.Tuning{}
	}
	proc := cfg.Processor
	if proc == nil {
		proc = signal.NewProcessor(tuning, signal.ModePrecision)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	state := cfg.InitialState
	if state == "" {
		state = StateIdle
	}
	return &Detector{
		tripID:  cfg.TripID,
		cfg:     tuning,
		store:   cfg.Store,
		proc:    proc,
		roads:   cfg.Roads,
		coord:   cfg.Prompts,
		clock:   clock,
		onWrite: cfg.OnWrite,
		state:   state,
	}
}

// TripID returns the trip this detector watches.
func (d *Detector) TripID() string { return d.tripID }

// Processor exposes the trip's signal processor (for mode switches).
func (d *Detector) Processor() *signal.Processor { return d.proc }

// OnFix feeds one raw fix through fusion and the state machine. The returned
// reject is non-empty when the fix was dropped by the signal layer; dropped
// fixes never advance the state machine.
func (d *Detector) OnFix(ctx context.Context, f signal.Fix) (*signal.Sample, signal.Reject) {
	s, reject := d.proc.Process(f)
	if reject != "" {
		return nil, reject
	}
	d.step(ctx, s)
	return s, ""
}

func (d *Detector) setStateLocked(s State, at time.Time) {
	if d.state == s {
		return
	}
	monitoring.Logf("Detector: trip %s %s -> %s", d.tripID, d.state, s)
	d.state = s
	d.lastTransition = at
}

func (d *Detector) step(ctx context.Context, s *signal.Sample) {
	speed := s.SmoothedSpeedKmh
	now := s.Fix.At

	d.mu.Lock()
	d.lastSpeedKmh = speed

	switch d.state {
	case StateIdle:
		if speed >= d.cfg.GetEntrySpeedKmh() {
			d.setStateLocked(StateAccumulatingEntry, now)
			d.entrySince = now
		}

	case StateAccumulatingEntry:
		if speed < d.cfg.GetEntrySpeedKmh() {
			d.setStateLocked(StateIdle, now)
			if speed < d.cfg.GetExitSpeedKmh() {
				// The speed fell right away; a spike remembered from this
				// aborted run must not trigger an entry much later.
				d.proc.ClearAccelMemory()
			}
			break
		}
		if now.Sub(d.entrySince) < d.cfg.GetEntryHold() {
			break
		}
		accel, ok := d.proc.LastStrongAccel()
		if !ok || now.Sub(accel.At) > d.cfg.GetAccelLookback() {
			break
		}
		if !d.lastAutoAt.IsZero() && now.Sub(d.lastAutoAt) < d.cfg.GetAutoCooldown() {
			break
		}
		if !d.inFlight.CompareAndSwap(false, true) {
			break
		}
		d.mu.Unlock()
		d.tryOpen(ctx, s, accel)
		return

	case StateOpen:
		if d.suppressed {
			d.stepResumeLocked(speed, now)
			break
		}
		if speed < d.cfg.GetExitSpeedKmh() {
			d.setStateLocked(StateAccumulatingExit, now)
			d.exitSince = now
		}

	case StateAccumulatingExit:
		if speed >= d.cfg.GetExitSpeedKmh() {
			d.setStateLocked(StateOpen, now)
			break
		}
		if now.Sub(d.exitSince) < d.cfg.GetExitHold() {
			break
		}
		decelAt, hasDecel := d.proc.LastStrongDecel()
		recentDecel := hasDecel && now.Sub(decelAt) <= d.cfg.GetAccelLookback()
		if !recentDecel && speed > d.cfg.GetLowSpeedKmh() {
			break
		}
		if !d.lastPromptAt.IsZero() && now.Sub(d.lastPromptAt) < d.cfg.GetPromptCooldown() {
			break
		}
		if !d.inFlight.CompareAndSwap(false, true) {
			break
		}
		d.mu.Unlock()
		d.tryPrompt(ctx, s)
		return

	case StateAwaitingConfirmation:
		// Blocked on the driver; decisions arrive via ConfirmExit/KeepOpen.
	}
	d.mu.Unlock()
}

// stepResumeLocked handles exit monitoring while suppressed by a "keep"
// decision: suppression lifts only after speed holds above the exit threshold
// plus a margin for the recovery duration.
func (d *Detector) stepResumeLocked(speed float64, now time.Time) {
	resumeAt := d.cfg.GetExitSpeedKmh() + d.cfg.GetResumeMarginKmh()
	if speed < resumeAt {
		d.resumeSince = time.Time{}
		return
	}
	if d.resumeSince.IsZero() {
		d.resumeSince = now
		return
	}
	if now.Sub(d.resumeSince) >= d.cfg.GetResumeHold() {
		monitoring.Logf("Detector: trip %s speed recovered, exit monitoring resumed", d.tripID)
		d.suppressed = false
		d.resumeSince = time.Time{}
	}
}

// tryOpen runs the corroboration query and writes the expressway_start. The
// in-flight flag is held for the whole phase; the mutex is not, so fix
// processing continues while the network query runs.
func (d *Detector) tryOpen(ctx context.Context, s *signal.Sample, accel signal.AccelEvent) {
	defer d.inFlight.Store(false)
	now := s.Fix.At

	r := d.corroborate(ctx, s.Fix.Lat, s.Fix.Lng)
	if r.Confident && !r.OnMotorway && !r.NearJunction {
		// The road graph confidently says ordinary road. Restart the sustain
		// timer rather than re-querying on every subsequent fix.
		monitoring.Logf("Detector: trip %s entry contradicted by road graph, re-accumulating", d.tripID)
		d.mu.Lock()
		d.entrySince = now
		d.mu.Unlock()
		return
	}

	// The strong-acceleration fix is the best guess for the on-ramp.
	e := ledger.Event{
		Type:   ledger.TypeExpresswayStart,
		TripID: d.tripID,
		At:     accel.At,
		Lat:    &accel.Lat,
		Lng:    &accel.Lng,
	}
	written, err := d.store.Append(ctx, e)
	switch {
	case err == nil:
		monitoring.Logf("Detector: trip %s expressway session opened (%s)", d.tripID, *written.SessionID)
		d.mu.Lock()
		d.setStateLocked(StateOpen, now)
		d.lastAutoAt = now
		d.mu.Unlock()
		d.notifyWrite()
	case errors.Is(err, ledger.ErrSessionAlreadyOpen):
		// Someone (the driver, or another process) opened it first.
		d.mu.Lock()
		d.setStateLocked(StateOpen, now)
		d.mu.Unlock()
	default:
		monitoring.Logf("Detector: trip %s failed to write expressway_start: %v", d.tripID, err)
		d.mu.Lock()
		d.entrySince = now
		d.mu.Unlock()
	}
}

// tryPrompt runs the corroboration query and raises the exit confirmation.
func (d *Detector) tryPrompt(ctx context.Context, s *signal.Sample) {
	defer d.inFlight.Store(false)
	now := s.Fix.At

	r := d.corroborate(ctx, s.Fix.Lat, s.Fix.Lng)
	if r.Confident && r.OnMotorway && !r.NearJunction {
		// Confidently still on the mainline: a traffic jam, not an exit.
		monitoring.Logf("Detector: trip %s exit contradicted by road graph, re-accumulating", d.tripID)
		d.mu.Lock()
		d.exitSince = now
		d.mu.Unlock()
		return
	}

	p := prompts.Prompt{
		TripID:   d.tripID,
		SpeedKmh: s.SmoothedSpeedKmh,
		Lat:      &s.Fix.Lat,
		Lng:      &s.Fix.Lng,
		At:       now,
	}
	if err := d.coord.SetPrompt(ctx, p); err != nil {
		monitoring.Logf("Detector: trip %s failed to raise exit prompt: %v", d.tripID, err)
		d.mu.Lock()
		d.exitSince = now
		d.mu.Unlock()
		return
	}
	monitoring.Logf("Detector: trip %s exit confirmation raised at %.1f km/h", d.tripID, s.SmoothedSpeedKmh)
	d.mu.Lock()
	d.setStateLocked(StateAwaitingConfirmation, now)
	d.lastPromptAt = now
	d.mu.Unlock()
}

// corroborate queries the road graph, degrading to inconclusive when no
// querier is wired.
func (d *Detector) corroborate(ctx context.Context, lat, lng float64) roadgraph.Result {
	if d.roads == nil {
		return roadgraph.Result{}
	}
	return d.roads.Corroborate(ctx, lat, lng)
}

func (d *Detector) notifyWrite() {
	if d.onWrite != nil {
		d.onWrite()
	}
}

// ConfirmExit applies an "end" decision: the expressway_end is written and
// the detector returns to idle. Applying it when no session is open, or when
// the trip has been closed in the meantime, is a no-op so reconciliation can
// safely re-run and a stale decision still settles.
func (d *Detector) ConfirmExit(ctx context.Context, at time.Time) error {
	e := ledger.Event{
		Type:   ledger.TypeExpresswayEnd,
		TripID: d.tripID,
		At:     at,
	}
	if last := d.proc.Last(); last != nil {
		e.Lat = &last.Fix.Lat
		e.Lng = &last.Fix.Lng
	}
	_, err := d.store.Append(ctx, e)
	if err != nil && !errors.Is(err, ledger.ErrNoOpenSession) && !errors.Is(err, ledger.ErrTripClosed) {
		return err
	}
	if err == nil {
		d.notifyWrite()
	}

	d.mu.Lock()
	d.setStateLocked(StateIdle, at)
	d.lastAutoAt = at
	d.suppressed = false
	d.resumeSince = time.Time{}
	d.mu.Unlock()
	monitoring.Logf("Detector: trip %s expressway session closed by driver", d.tripID)
	return nil
}

// KeepOpen applies a "keep" decision: the session stays open and exit
// monitoring is suppressed until speed recovers.
func (d *Detector) KeepOpen(at time.Time) {
	d.mu.Lock()
	d.setStateLocked(StateOpen, at)
	d.suppressed = true
	d.resumeSince = time.Time{}
	d.mu.Unlock()
	monitoring.Logf("Detector: trip %s kept open by driver, exit monitoring suppressed", d.tripID)
}

// Status is a point-in-time snapshot for introspection.
type Status struct {
	TripID            string        `json:"tripId"`
	State             State         `json:"state"`
	Suppressed        bool          `json:"suppressed"`
	LastSpeedKmh      float64       `json:"lastSpeedKmh"`
	WindowMeanKmh     float64       `json:"windowMeanKmh"`
	LastTransition    time.Time     `json:"lastTransition,omitempty"`
	CooldownRemaining time.Duration `json:"cooldownRemaining"`
}

// Status reports the detector's current state. The windowed mean covers the
// entry-hold duration, the same horizon the sustain guard watches.
func (d *Detector) Status() Status {
	mean, _, _ := d.proc.WindowStats(d.cfg.GetEntryHold())

	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		TripID:         d.tripID,
		State:          d.state,
		Suppressed:     d.suppressed,
		LastSpeedKmh:   d.lastSpeedKmh,
		WindowMeanKmh:  mean,
		LastTransition: d.lastTransition,
	}
	if !d.lastAutoAt.IsZero() {
		if remaining := d.cfg.GetAutoCooldown() - d.clock.Since(d.lastAutoAt); remaining > 0 {
			st.CooldownRemaining = remaining
		}
	}
	return st
}
