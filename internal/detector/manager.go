package detector

import (
	"context"
	"sync"
	"time"

	"github.com/Koutacode/tracklog-pwa/internal/config"
	"github.com/Koutacode/tracklog-pwa/internal/ledger"
	"github.com/Koutacode/tracklog-pwa/internal/monitoring"
	"github.com/Koutacode/tracklog-pwa/internal/prompts"
	"github.com/Koutacode/tracklog-pwa/internal/roadgraph"
	"github.com/Koutacode/tracklog-pwa/internal/signal"
	"github.com/Koutacode/tracklog-pwa/internal/timeutil"
)

// Manager routes incoming fixes to the active trip's detector, creating one
// per trip on demand, and applies reconciled prompt decisions. It is the
// prompts.Handler for the coordinator.
type Manager struct {
	cfg     *config.Tuning
	store   *ledger.Store
	roads   roadgraph.Querier
	coord   *prompts.Coordinator
	clock   timeutil.Clock
	onWrite func()

	mu        sync.Mutex
	detectors map[string]*Detector
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Tuning  *config.Tuning
	Store   *ledger.Store
	Roads   roadgraph.Querier
	Prompts *prompts.Coordinator
	Clock   timeutil.Clock
	OnWrite func()
}

func NewManager(cfg ManagerConfig) *Manager {
	tuning := cfg.Tuning
	if tuning == nil {
		tuning = &config.Tuning{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manager{
		cfg:       tuning,
		store:     cfg.Store,
		roads:     cfg.Roads,
		coord:     cfg.Prompts,
		clock:     clock,
		onWrite:   cfg.OnWrite,
		detectors: make(map[string]*Detector),
	}
}

// OnFix routes a fix to the active trip's detector. Fixes arriving with no
// active trip are dropped: there is nothing to detect against.
func (m *Manager) OnFix(ctx context.Context, f signal.Fix) (*signal.Sample, signal.Reject, error) {
	tripID, ok, err := m.store.ActiveTrip(ctx)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", ledger.ErrNoActiveTrip
	}
	d, err := m.DetectorFor(ctx, tripID)
	if err != nil {
		return nil, "", err
	}
	s, reject := d.OnFix(ctx, f)
	return s, reject, nil
}

// DetectorFor returns the detector for a trip, creating and seeding it from
// persisted state on first use. A restart mid-session must come back in the
// open (or awaiting-confirmation) state, not idle.
func (m *Manager) DetectorFor(ctx context.Context, tripID string) (*Detector, error) {
	m.mu.Lock()
	if d, ok := m.detectors[tripID]; ok {
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	// Derive the initial state outside the lock; creation races are settled
	// below by re-checking the map.
	state := StateIdle
	open, err := m.store.OpenSession(ctx, tripID, ledger.CategoryExpressway)
	if err != nil {
		return nil, err
	}
	if open != nil {
		state = StateOpen
		if m.coord != nil {
			p, err := m.coord.GetPrompt(ctx, tripID)
			if err != nil {
				return nil, err
			}
			if p != nil {
				state = StateAwaitingConfirmation
			}
		}
	}

	d := New(Config{
		TripID:       tripID,
		Tuning:       m.cfg,
		Store:        m.store,
		Roads:        m.roads,
		Prompts:      m.coord,
		Clock:        m.clock,
		OnWrite:      m.onWrite,
		InitialState: state,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.detectors[tripID]; ok {
		return existing, nil
	}
	m.detectors[tripID] = d
	monitoring.Logf("Detector: trip %s watcher created in state %s", tripID, state)
	return d, nil
}

// SetMode switches the fix-acceptance profile on every live detector.
// Switching flushes fusion state, per the one-stream-at-a-time rule.
func (m *Manager) SetMode(mode signal.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.detectors {
		d.Processor().SetMode(mode)
	}
}

// ConfirmExit implements prompts.Handler.
func (m *Manager) ConfirmExit(ctx context.Context, tripID string, at time.Time) error {
	d, err := m.DetectorFor(ctx, tripID)
	if err != nil {
		return err
	}
	return d.ConfirmExit(ctx, at)
}

// KeepOpen implements prompts.Handler.
func (m *Manager) KeepOpen(ctx context.Context, tripID string, at time.Time) error {
	d, err := m.DetectorFor(ctx, tripID)
	if err != nil {
		return err
	}
	d.KeepOpen(at)
	return nil
}

// Statuses reports every live detector, for the introspection endpoint.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.detectors))
	for _, d := range m.detectors {
		out = append(out, d.Status())
	}
	return out
}

// Release drops the detector for a trip, typically after trip_end.
func (m *Manager) Release(tripID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.detectors, tripID)
}
