package roadgraph

import (
	"context"
	"time"

	"github.com/Koutacode/tracklog-pwa/internal/ledger"
	"github.com/Koutacode/tracklog-pwa/internal/monitoring"
	"github.com/Koutacode/tracklog-pwa/internal/timeutil"
)

// Annotator backfills network-dependent fields onto events after the fact:
// interchange names on expressway events and addresses on point marks. The
// underlying events were written synchronously long ago; everything here
// fails soft and retries on a later sweep. Sweeps are capped per tick to
// respect the public endpoints' rate limits.
type Annotator struct {
	store    *ledger.Store
	querier  Querier
	clock    timeutil.Clock
	interval time.Duration
	perTick  int
	trigger  chan struct{}
}

// AnnotatorConfig configures an Annotator. Interval defaults to 2 minutes,
// PerTick to 5.
type AnnotatorConfig struct {
	Store    *ledger.Store
	Querier  Querier
	Clock    timeutil.Clock
	Interval time.Duration
	PerTick  int
}

func NewAnnotator(cfg AnnotatorConfig) *Annotator {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	perTick := cfg.PerTick
	if perTick <= 0 {
		perTick = 5
	}
	return &Annotator{
		store:    cfg.Store,
		querier:  cfg.Querier,
		clock:    clock,
		interval: interval,
		perTick:  perTick,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests an immediate sweep, used when connectivity returns.
// Non-blocking.
func (a *Annotator) Trigger() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// Run sweeps periodically and on demand until the context is cancelled.
func (a *Annotator) Run(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	monitoring.Logf("Annotator: started, interval=%v, cap=%d per sweep", a.interval, a.perTick)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("Annotator: stopping")
			return nil
		case <-ticker.C():
		case <-a.trigger:
		}
		if n, err := a.Sweep(ctx); err != nil {
			monitoring.Logf("Annotator: sweep failed: %v", err)
		} else if n > 0 {
			monitoring.Logf("Annotator: resolved %d annotation(s)", n)
		}
	}
}

// Sweep resolves up to the per-tick cap of pending annotations and returns
// how many were settled. Query failures leave events pending for the next
// sweep; a successful query with no answer settles the event as unresolved
// so it is not retried forever.
func (a *Annotator) Sweep(ctx context.Context) (int, error) {
	pending, err := a.store.PendingAnnotations(ctx, a.perTick)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range pending {
		e := &pending[i]
		if e.Lat == nil || e.Lng == nil {
			continue
		}
		switch e.Type {
		case ledger.TypeExpresswayStart, ledger.TypeExpresswayEnd:
			if a.resolveInterchange(ctx, e) {
				resolved++
			}
		case ledger.TypePointMark:
			if a.resolveAddress(ctx, e) {
				resolved++
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return resolved, nil
}

func (a *Annotator) resolveInterchange(ctx context.Context, e *ledger.Event) bool {
	j, err := a.querier.NearestInterchange(ctx, *e.Lat, *e.Lng)
	if err != nil {
		// Offline or rate limited; stays pending for a later sweep.
		monitoring.Logf("Annotator: interchange lookup failed for event %s: %v", e.ID, err)
		return false
	}

	status := ledger.ICUnresolved
	var name *string
	var distance *float64
	if j != nil {
		status = ledger.ICResolved
		name = &j.Name
		distance = &j.DistanceM
	}
	if err := a.store.SetInterchange(ctx, e.ID, status, name, distance); err != nil {
		// The event may have been deleted since the sweep started; a stale
		// result is harmless.
		monitoring.Logf("Annotator: could not record interchange for event %s: %v", e.ID, err)
		return false
	}
	return true
}

func (a *Annotator) resolveAddress(ctx context.Context, e *ledger.Event) bool {
	addr, err := a.querier.ReverseGeocode(ctx, *e.Lat, *e.Lng)
	if err != nil {
		monitoring.Logf("Annotator: reverse geocode failed for event %s: %v", e.ID, err)
		return false
	}
	if err := a.store.SetAddress(ctx, e.ID, addr); err != nil {
		monitoring.Logf("Annotator: could not record address for event %s: %v", e.ID, err)
		return false
	}
	return true
}
