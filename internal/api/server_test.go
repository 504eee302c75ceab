package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Koutacode/tracklog-pwa/internal/db"
	"github.com/Koutacode/tracklog-pwa/internal/detector"
	"github.com/Koutacode/tracklog-pwa/internal/ledger"
	"github.com/Koutacode/tracklog-pwa/internal/prompts"
	"github.com/Koutacode/tracklog-pwa/internal/roadgraph"
	"github.com/Koutacode/tracklog-pwa/internal/timeutil"
)

var baseTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type stubRoads struct{}

func (stubRoads) Corroborate(ctx context.Context, lat, lng float64) roadgraph.Result {
	return roadgraph.Result{}
}

func (stubRoads) NearestInterchange(ctx context.Context, lat, lng float64) (*roadgraph.Junction, error) {
	return nil, nil
}

func (stubRoads) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	return "", nil
}

type fixture struct {
	store  *ledger.Store
	coord  *prompts.Coordinator
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	store := ledger.NewStore(d)
	coord := prompts.NewCoordinator(prompts.CoordinatorConfig{
		DB:    d,
		Clock: timeutil.NewMockClock(baseTime),
	})
	mgr := detector.NewManager(detector.ManagerConfig{
		Store:   store,
		Roads:   stubRoads{},
		Prompts: coord,
		Clock:   timeutil.NewMockClock(baseTime),
	})
	coord.SetHandler(mgr)

	srv := httptest.NewServer(LoggingMiddleware(NewServer(store, mgr, coord).ServeMux()))
	t.Cleanup(srv.Close)
	return &fixture{store: store, coord: coord, server: srv}
}

func (fx *fixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, fx.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := fx.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func (fx *fixture) startTrip(t *testing.T) ledger.Event {
	t.Helper()
	resp := fx.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"type":  "trip_start",
		"at":    baseTime,
		"odoKm": 1000.0,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var e ledger.Event
	decode(t, resp, &e)
	return e
}

func TestAppendEvent(t *testing.T) {
	fx := newFixture(t)
	start := fx.startTrip(t)

	assert.NotEmpty(t, start.ID)
	assert.NotEmpty(t, start.TripID)
	assert.Equal(t, ledger.TypeTripStart, start.Type)
}

func TestAppendSecondTripConflicts(t *testing.T) {
	fx := newFixture(t)
	fx.startTrip(t)

	resp := fx.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"type": "trip_start", "at": baseTime.Add(time.Minute), "odoKm": 1100.0,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAppendUnknownTypeIsBadRequest(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"type": "nap_start", "at": baseTime,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAppendMissingOdometerIsBadRequest(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"type": "trip_start", "at": baseTime,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetEvent(t *testing.T) {
	fx := newFixture(t)
	start := fx.startTrip(t)

	resp := fx.do(t, http.MethodGet, "/api/events/"+start.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var e ledger.Event
	decode(t, resp, &e)
	assert.Equal(t, start.ID, e.ID)
	assert.Equal(t, ledger.TypeTripStart, e.Type)
}

func TestGetEventNotFound(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/events/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPatchEventTimestamp(t *testing.T) {
	fx := newFixture(t)
	fx.startTrip(t)

	resp := fx.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"type": "point_mark", "at": baseTime.Add(10 * time.Minute),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var mark ledger.Event
	decode(t, resp, &mark)

	moved := baseTime.Add(20 * time.Minute)
	resp = fx.do(t, http.MethodPatch, "/api/events/"+mark.ID, map[string]interface{}{
		"at": moved,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var patched ledger.Event
	decode(t, resp, &patched)
	assert.True(t, patched.At.Equal(moved))
}

func TestPatchRejectsOdometerReorder(t *testing.T) {
	fx := newFixture(t)
	fx.startTrip(t)

	resp := fx.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"type": "rest_start", "at": baseTime.Add(time.Hour), "odoKm": 1080.0,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rest ledger.Event
	decode(t, resp, &rest)

	// Dropping the reading below trip_start's 1000 km must be rejected.
	resp = fx.do(t, http.MethodPatch, "/api/events/"+rest.ID, map[string]interface{}{
		"odoKm": 900.0,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPatchIsAtomicAcrossFields(t *testing.T) {
	fx := newFixture(t)
	fx.startTrip(t)

	resp := fx.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"type": "rest_start", "at": baseTime.Add(time.Hour), "odoKm": 1080.0,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rest ledger.Event
	decode(t, resp, &rest)

	// The timestamp move alone would be fine; the decreasing odometer must
	// take the whole patch down with it.
	resp = fx.do(t, http.MethodPatch, "/api/events/"+rest.ID, map[string]interface{}{
		"at": baseTime.Add(2 * time.Hour), "odoKm": 900.0,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/api/events/"+rest.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got ledger.Event
	decode(t, resp, &got)
	assert.True(t, got.At.Equal(baseTime.Add(time.Hour)))
	assert.Equal(t, 1080.0, *got.OdoKm)
}

func TestPatchTypeCannotCombineWithFields(t *testing.T) {
	fx := newFixture(t)
	fx.startTrip(t)

	resp := fx.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"type": "point_mark", "at": baseTime.Add(10 * time.Minute),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var mark ledger.Event
	decode(t, resp, &mark)

	resp = fx.do(t, http.MethodPatch, "/api/events/"+mark.ID, map[string]interface{}{
		"type": "boarding", "at": baseTime.Add(20 * time.Minute),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPatchTripStartTypeConflicts(t *testing.T) {
	fx := newFixture(t)
	start := fx.startTrip(t)

	resp := fx.do(t, http.MethodPatch, "/api/events/"+start.ID, map[string]interface{}{
		"type": "point_mark",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPatchRetagsToggleSession(t *testing.T) {
	fx := newFixture(t)
	fx.startTrip(t)

	resp := fx.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"type": "break_start", "at": baseTime.Add(30 * time.Minute),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var bs ledger.Event
	decode(t, resp, &bs)
	resp = fx.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"type": "break_end", "at": baseTime.Add(40 * time.Minute),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var be ledger.Event
	decode(t, resp, &be)

	resp = fx.do(t, http.MethodPatch, "/api/events/"+bs.ID, map[string]interface{}{
		"type": "load_start",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var patched ledger.Event
	decode(t, resp, &patched)
	assert.Equal(t, ledger.TypeLoadStart, patched.Type)

	// The paired end retags in the same operation.
	resp = fx.do(t, http.MethodGet, "/api/events/"+be.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var end ledger.Event
	decode(t, resp, &end)
	assert.Equal(t, ledger.TypeLoadEnd, end.Type)
}

func TestDeleteEvent(t *testing.T) {
	fx := newFixture(t)
	fx.startTrip(t)

	resp := fx.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"type": "refuel", "at": baseTime.Add(time.Hour), "liters": 40.0,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var refuel ledger.Event
	decode(t, resp, &refuel)

	resp = fx.do(t, http.MethodDelete, "/api/events/"+refuel.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/api/events/"+refuel.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteTripStartConflicts(t *testing.T) {
	fx := newFixture(t)
	start := fx.startTrip(t)

	resp := fx.do(t, http.MethodDelete, "/api/events/"+start.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListTripsEmpty(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/trips", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trips []ledger.TripSummary
	decode(t, resp, &trips)
	assert.Empty(t, trips)
}

func TestListTrips(t *testing.T) {
	fx := newFixture(t)
	start := fx.startTrip(t)

	resp := fx.do(t, http.MethodGet, "/api/trips", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trips []ledger.TripSummary
	decode(t, resp, &trips)
	require.Len(t, trips, 1)
	assert.Equal(t, start.TripID, trips[0].TripID)
	assert.Nil(t, trips[0].EndedAt)
}

func TestActiveTrip(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/trips/active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		TripID *string `json:"tripId"`
	}
	decode(t, resp, &body)
	assert.Nil(t, body.TripID)

	start := fx.startTrip(t)
	resp = fx.do(t, http.MethodGet, "/api/trips/active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &body)
	require.NotNil(t, body.TripID)
	assert.Equal(t, start.TripID, *body.TripID)
}

func TestTripEvents(t *testing.T) {
	fx := newFixture(t)
	start := fx.startTrip(t)
	resp := fx.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"type": "boarding", "at": baseTime.Add(time.Minute),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/api/trips/"+start.TripID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []ledger.Event
	decode(t, resp, &events)
	require.Len(t, events, 2)
	assert.Equal(t, ledger.TypeTripStart, events[0].Type)
	assert.Equal(t, ledger.TypeBoarding, events[1].Type)
}

func TestTripMetrics(t *testing.T) {
	fx := newFixture(t)
	start := fx.startTrip(t)

	for _, ev := range []map[string]interface{}{
		{"type": "rest_start", "at": baseTime.Add(2 * time.Hour), "odoKm": 1150.0},
		{"type": "rest_end", "at": baseTime.Add(3 * time.Hour)},
		{"type": "trip_end", "at": baseTime.Add(5 * time.Hour), "odoKm": 1300.0},
	} {
		resp := fx.do(t, http.MethodPost, "/api/events", ev)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := fx.do(t, http.MethodGet, "/api/trips/"+start.TripID+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Segments []struct {
			Km float64 `json:"km"`
		} `json:"segments"`
		Totals *struct {
			TotalKm float64 `json:"totalKm"`
		} `json:"totals"`
		Open    bool   `json:"open"`
		Warning string `json:"warning"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Segments, 2)
	assert.Equal(t, 150.0, body.Segments[0].Km)
	assert.Equal(t, 150.0, body.Segments[1].Km)
	require.NotNil(t, body.Totals)
	assert.Equal(t, 300.0, body.Totals.TotalKm)
	assert.False(t, body.Open)
	assert.Empty(t, body.Warning)
}

func TestTripMetricsUnknownTrip(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/trips/ghost/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestFixWithoutTripConflicts(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/fixes", map[string]interface{}{
		"lat": 35.0, "lng": 139.7, "at": baseTime, "source": "foreground",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIngestFix(t *testing.T) {
	fx := newFixture(t)
	fx.startTrip(t)

	resp := fx.do(t, http.MethodPost, "/api/fixes", map[string]interface{}{
		"lat": 35.0, "lng": 139.7, "accuracyM": 5.0, "sensorSpeedKmh": 50.0,
		"at": baseTime, "source": "foreground",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Accepted bool `json:"accepted"`
		Sample   *struct {
			SmoothedSpeedKmh float64 `json:"SmoothedSpeedKmh"`
		} `json:"sample"`
	}
	decode(t, resp, &body)
	assert.True(t, body.Accepted)
	require.NotNil(t, body.Sample)
	assert.Equal(t, 50.0, body.Sample.SmoothedSpeedKmh)
}

func TestIngestRejectedFix(t *testing.T) {
	fx := newFixture(t)
	fx.startTrip(t)

	resp := fx.do(t, http.MethodPost, "/api/fixes", map[string]interface{}{
		"lat": 35.0, "lng": 139.7, "accuracyM": 500.0,
		"at": baseTime, "source": "foreground",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Accepted bool   `json:"accepted"`
		Reject   string `json:"reject"`
	}
	decode(t, resp, &body)
	assert.False(t, body.Accepted)
	assert.NotEmpty(t, body.Reject)
}

func TestPromptAndDecision(t *testing.T) {
	fx := newFixture(t)
	start := fx.startTrip(t)
	ctx := context.Background()

	_, err := fx.store.Append(ctx, ledger.Event{
		Type: ledger.TypeExpresswayStart, TripID: start.TripID, At: baseTime.Add(time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, fx.coord.SetPrompt(ctx, prompts.Prompt{TripID: start.TripID, SpeedKmh: 38}))

	resp := fx.do(t, http.MethodGet, fmt.Sprintf("/api/trips/%s/prompt", start.TripID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var promptBody struct {
		Prompt *prompts.Prompt `json:"prompt"`
	}
	decode(t, resp, &promptBody)
	require.NotNil(t, promptBody.Prompt)
	assert.Equal(t, 38.0, promptBody.Prompt.SpeedKmh)

	resp = fx.do(t, http.MethodPost, fmt.Sprintf("/api/trips/%s/decision", start.TripID), map[string]interface{}{
		"action": "end", "at": baseTime.Add(2 * time.Minute),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Recording the decision clears the prompt; they are never both present.
	resp = fx.do(t, http.MethodGet, fmt.Sprintf("/api/trips/%s/prompt", start.TripID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &promptBody)
	assert.Nil(t, promptBody.Prompt)
}

func TestDecisionUnknownAction(t *testing.T) {
	fx := newFixture(t)
	start := fx.startTrip(t)

	resp := fx.do(t, http.MethodPost, fmt.Sprintf("/api/trips/%s/decision", start.TripID), map[string]interface{}{
		"action": "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDetectorStatus(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/detector/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var statuses []detector.Status
	decode(t, resp, &statuses)
	assert.Empty(t, statuses)
}

func TestSetMode(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/mode", map[string]interface{}{"mode": "battery"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = fx.do(t, http.MethodPost, "/api/mode", map[string]interface{}{"mode": "sleep"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
