package roadgraph

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Koutacode/tracklog-pwa/internal/db"
	"github.com/Koutacode/tracklog-pwa/internal/ledger"
)

// stubQuerier returns fixed answers without touching the network.
type stubQuerier struct {
	junction *Junction
	icErr    error
	address  string
	geoErr   error
}

func (s *stubQuerier) Corroborate(ctx context.Context, lat, lng float64) Result {
	return Result{}
}

func (s *stubQuerier) NearestInterchange(ctx context.Context, lat, lng float64) (*Junction, error) {
	return s.junction, s.icErr
}

func (s *stubQuerier) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	return s.address, s.geoErr
}

func newAnnotatorFixture(t *testing.T, q Querier) (*Annotator, *ledger.Store) {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "annotator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	store := ledger.NewStore(d)
	return NewAnnotator(AnnotatorConfig{Store: store, Querier: q}), store
}

func f64(v float64) *float64 { return &v }

// seedExpresswayStart opens a trip and an expressway session with a located
// start, returning the start event.
func seedExpresswayStart(t *testing.T, store *ledger.Store) ledger.Event {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	_, err := store.Append(ctx, ledger.Event{
		Type: ledger.TypeTripStart, At: at, OdoKm: f64(1000),
	})
	require.NoError(t, err)

	start, err := store.Append(ctx, ledger.Event{
		Type: ledger.TypeExpresswayStart, At: at.Add(time.Hour),
		Lat: f64(35.0), Lng: f64(139.7),
	})
	require.NoError(t, err)
	require.NotNil(t, start.ICStatus)
	require.Equal(t, ledger.ICPending, *start.ICStatus)
	return start
}

func TestSweepResolvesInterchange(t *testing.T) {
	q := &stubQuerier{junction: &Junction{Name: "東名川崎IC", DistanceM: 320}}
	a, store := newAnnotatorFixture(t, q)
	start := seedExpresswayStart(t, store)

	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.EventByID(context.Background(), start.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ICStatus)
	assert.Equal(t, ledger.ICResolved, *got.ICStatus)
	assert.Equal(t, "東名川崎IC", *got.ICName)
	assert.Equal(t, 320.0, *got.ICDistanceM)
}

func TestSweepMarksUnresolvedWhenNothingNearby(t *testing.T) {
	// The service answered but found no junction: settle as unresolved so
	// the event is not retried forever.
	a, store := newAnnotatorFixture(t, &stubQuerier{junction: nil})
	start := seedExpresswayStart(t, store)

	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.EventByID(context.Background(), start.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ICUnresolved, *got.ICStatus)
	assert.Nil(t, got.ICName)
}

func TestSweepLeavesPendingOnQueryFailure(t *testing.T) {
	a, store := newAnnotatorFixture(t, &stubQuerier{icErr: errors.New("offline")})
	start := seedExpresswayStart(t, store)

	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := store.EventByID(context.Background(), start.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ICPending, *got.ICStatus, "failures must stay pending for a later sweep")
}

func TestSweepBackfillsPointMarkAddress(t *testing.T) {
	a, store := newAnnotatorFixture(t, &stubQuerier{address: "神奈川県川崎市宮前区"})
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	_, err := store.Append(ctx, ledger.Event{
		Type: ledger.TypeTripStart, At: at, OdoKm: f64(1000),
	})
	require.NoError(t, err)
	mark, err := store.Append(ctx, ledger.Event{
		Type: ledger.TypePointMark, At: at.Add(time.Minute),
		Lat: f64(35.58), Lng: f64(139.57),
	})
	require.NoError(t, err)

	n, err := a.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.EventByID(ctx, mark.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Address)
	assert.Equal(t, "神奈川県川崎市宮前区", *got.Address)

	// Settled events drop out of later sweeps.
	n, err = a.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
