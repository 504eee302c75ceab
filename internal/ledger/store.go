package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Koutacode/tracklog-pwa/internal/db"
	"github.com/Koutacode/tracklog-pwa/internal/monitoring"
)

// activeTripKey is the kv key caching the active trip pointer. The cache is a
// read optimisation only; the event set is the source of truth.
const activeTripKey = "active_trip_id"

// Store provides validated access to the event ledger. Mutations are atomic
// at single-event granularity; day-index renumbering is a recompute pass over
// the affected trip inside the same transaction.
type Store struct {
	DB *db.DB
}

func NewStore(d *db.DB) *Store {
	return &Store{DB: d}
}

const eventColumns = `id, trip_id, type, at_ms, lat, lng, accuracy_m, address, sync_status,
	odo_km, session_id, liters, day_close, day_index, ic_status, ic_name, ic_distance_m`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(r rowScanner) (Event, error) {
	var (
		e        Event
		atMs     int64
		typ      string
		lat      sql.NullFloat64
		lng      sql.NullFloat64
		accuracy sql.NullFloat64
		address  sql.NullString
		odoKm    sql.NullFloat64
		session  sql.NullString
		liters   sql.NullFloat64
		dayClose int64
		dayIndex sql.NullInt64
		icStatus sql.NullString
		icName   sql.NullString
		icDist   sql.NullFloat64
	)
	if err := r.Scan(&e.ID, &e.TripID, &typ, &atMs, &lat, &lng, &accuracy, &address,
		&e.SyncStatus, &odoKm, &session, &liters, &dayClose, &dayIndex,
		&icStatus, &icName, &icDist); err != nil {
		return Event{}, err
	}
	e.Type = Type(typ)
	e.At = time.UnixMilli(atMs).UTC()
	if lat.Valid {
		e.Lat = &lat.Float64
	}
	if lng.Valid {
		e.Lng = &lng.Float64
	}
	if accuracy.Valid {
		e.AccuracyM = &accuracy.Float64
	}
	if address.Valid {
		e.Address = &address.String
	}
	if odoKm.Valid {
		e.OdoKm = &odoKm.Float64
	}
	if session.Valid {
		e.SessionID = &session.String
	}
	if liters.Valid {
		e.Liters = &liters.Float64
	}
	e.DayClose = dayClose != 0
	if dayIndex.Valid {
		idx := int(dayIndex.Int64)
		e.DayIndex = &idx
	}
	if icStatus.Valid {
		e.ICStatus = &icStatus.String
	}
	if icName.Valid {
		e.ICName = &icName.String
	}
	if icDist.Valid {
		e.ICDistanceM = &icDist.Float64
	}
	return e, nil
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventByID returns one event.
func (s *Store) EventByID(ctx context.Context, id string) (Event, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return Event{}, ErrNotFound
	}
	return e, err
}

// EventsByTrip returns all events of a trip in chronological order.
func (s *Store) EventsByTrip(ctx context.Context, tripID string) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE trip_id = ? ORDER BY at_ms, id`, tripID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// EventsByType returns all events of one type across trips, chronological.
// Used for cross-trip sweeps such as the unresolved-interchange backfill.
func (s *Store) EventsByType(ctx context.Context, t Type) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE type = ? ORDER BY at_ms, id`, string(t))
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func tripEventsTx(ctx context.Context, tx *sql.Tx, tripID string) ([]Event, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE trip_id = ? ORDER BY at_ms, id`, tripID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// Append validates and inserts a new event. On success it returns the stored
// event with any generated fields (id, trip id, session id, day index) filled
// in. Validation failures reject the write entirely; no partial state is
// persisted.
func (s *Store) Append(ctx context.Context, e Event) (Event, error) {
	if !e.Type.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.SyncStatus == "" {
		e.SyncStatus = SyncLocal
	}
	if e.Liters != nil && *e.Liters <= 0 {
		return Event{}, ErrInvalidLiters
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer rollback(tx)

	activeTrip, err := activeTripTx(ctx, tx)
	if err != nil {
		return Event{}, err
	}

	switch e.Type {
	case TypeTripStart:
		if activeTrip != "" {
			return Event{}, ErrActiveTripExists
		}
		if e.TripID == "" {
			e.TripID = uuid.NewString()
		}
		if e.OdoKm == nil {
			return Event{}, ErrMissingOdometer
		}
	default:
		if e.TripID == "" {
			if activeTrip == "" {
				return Event{}, ErrNoActiveTrip
			}
			e.TripID = activeTrip
		}
	}

	existing, err := tripEventsTx(ctx, tx, e.TripID)
	if err != nil {
		return Event{}, err
	}

	// A trip_start may not land in a trip that already has events: the trip
	// is either active (caught above) or closed, and a second start would
	// leave the trip with two starts.
	if e.Type == TypeTripStart && len(existing) > 0 {
		return Event{}, fmt.Errorf("trip %s: %w", e.TripID, ErrTripClosed)
	}

	if e.Type != TypeTripStart {
		hasStart, hasEnd := false, false
		for i := range existing {
			switch existing[i].Type {
			case TypeTripStart:
				hasStart = true
			case TypeTripEnd:
				hasEnd = true
			}
		}
		if !hasStart {
			return Event{}, fmt.Errorf("trip %s: %w", e.TripID, ErrNotFound)
		}
		if hasEnd {
			return Event{}, ErrTripClosed
		}
	}

	if e.Type == TypeTripEnd || e.Type == TypeRestStart {
		if e.OdoKm == nil {
			return Event{}, ErrMissingOdometer
		}
	}

	if cat, isStart, ok := CategoryOf(e.Type); ok {
		open := openSessionEvent(existing, cat)
		if isStart {
			if open != nil {
				return Event{}, fmt.Errorf("%w: %s", ErrSessionAlreadyOpen, cat)
			}
			if e.SessionID == nil {
				sid := uuid.NewString()
				e.SessionID = &sid
			}
			if e.Type == TypeExpresswayStart && e.Lat != nil && e.ICStatus == nil {
				st := ICPending
				e.ICStatus = &st
			}
		} else {
			if open == nil {
				return Event{}, fmt.Errorf("%w: %s", ErrNoOpenSession, cat)
			}
			if e.SessionID == nil {
				e.SessionID = open.SessionID
			}
		}
	}

	// Odometer monotonicity is checked over the full checkpoint sequence with
	// the candidate inserted at its timestamp, so backdated appends are held
	// to the same invariant.
	candidate := append(append([]Event(nil), existing...), e)
	if err := validateTripEvents(candidate); err != nil {
		return Event{}, err
	}

	if err := insertEventTx(ctx, tx, e); err != nil {
		return Event{}, err
	}

	if e.Type == TypeRestEnd && e.DayClose {
		if err := recomputeDayIndexesTx(ctx, tx, e.TripID); err != nil {
			return Event{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Event{}, err
	}

	// Refresh the non-authoritative active-trip cache after commit. Errors
	// here are logged only; the cache self-heals on the next read.
	switch e.Type {
	case TypeTripStart:
		if err := s.DB.SetKV(ctx, activeTripKey, e.TripID); err != nil {
			monitoring.Logf("Ledger: failed to cache active trip: %v", err)
		}
	case TypeTripEnd:
		if err := s.DB.DeleteKV(ctx, activeTripKey); err != nil {
			monitoring.Logf("Ledger: failed to clear active trip cache: %v", err)
		}
	}

	if e.Type == TypeRestEnd && e.DayClose {
		return s.EventByID(ctx, e.ID)
	}
	return e, nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, e Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			id, trip_id, type, at_ms, lat, lng, accuracy_m, address, sync_status,
			odo_km, session_id, liters, day_close, day_index, ic_status, ic_name, ic_distance_m
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TripID, string(e.Type), e.At.UnixMilli(),
		e.Lat, e.Lng, e.AccuracyM, e.Address, e.SyncStatus,
		e.OdoKm, e.SessionID, e.Liters, boolToInt(e.DayClose), e.DayIndex,
		e.ICStatus, e.ICName, e.ICDistanceM)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		monitoring.Logf("Ledger: failed to rollback transaction: %v", err)
	}
}

// EventEdit carries the editable scalar fields of an event. Nil fields are
// left untouched. Type changes go through UpdateType, which has its own
// pair-relocation rules.
type EventEdit struct {
	At       *time.Time
	OdoKm    *float64
	Liters   *float64
	DayClose *bool
}

// UpdateEvent applies every set field of the edit in one transaction: either
// the whole edit survives trip revalidation and lands, or nothing changes.
func (s *Store) UpdateEvent(ctx context.Context, id string, edit EventEdit) error {
	return s.mutateEvent(ctx, id, func(e *Event) error {
		if edit.At != nil {
			e.At = edit.At.UTC()
		}
		if edit.OdoKm != nil {
			if !e.IsCheckpoint() {
				return fmt.Errorf("event %s (%s) carries no odometer", e.ID, e.Type)
			}
			e.OdoKm = edit.OdoKm
		}
		if edit.Liters != nil {
			if *edit.Liters <= 0 {
				return ErrInvalidLiters
			}
			if e.Type != TypeRefuel {
				return fmt.Errorf("event %s (%s) carries no fuel quantity", e.ID, e.Type)
			}
			e.Liters = edit.Liters
		}
		if edit.DayClose != nil {
			if e.Type != TypeRestEnd {
				return fmt.Errorf("day close applies to rest_end only, not %s", e.Type)
			}
			e.DayClose = *edit.DayClose
			if !e.DayClose {
				e.DayIndex = nil
			}
		}
		return nil
	})
}

// UpdateTimestamp moves an event in time. The edit is rejected when it would
// break odometer ordering or session pairing; when it survives, day-close
// indices for the trip are renumbered in the same transaction.
func (s *Store) UpdateTimestamp(ctx context.Context, id string, at time.Time) error {
	return s.UpdateEvent(ctx, id, EventEdit{At: &at})
}

// UpdateOdometer edits the odometer payload of a checkpoint event.
func (s *Store) UpdateOdometer(ctx context.Context, id string, odoKm float64) error {
	return s.UpdateEvent(ctx, id, EventEdit{OdoKm: &odoKm})
}

// UpdateLiters edits the fuel quantity on a refuel event.
func (s *Store) UpdateLiters(ctx context.Context, id string, liters float64) error {
	return s.UpdateEvent(ctx, id, EventEdit{Liters: &liters})
}

// SetDayClose marks or unmarks a rest_end as a day-close boundary and
// renumbers the trip's day indices.
func (s *Store) SetDayClose(ctx context.Context, id string, dayClose bool) error {
	return s.UpdateEvent(ctx, id, EventEdit{DayClose: &dayClose})
}

// mutateEvent loads an event, applies fn, re-validates the whole trip with
// the edit in place, writes the updated row, and renumbers day indices. All
// inside one transaction: either the edit and its recompute land, or nothing.
func (s *Store) mutateEvent(ctx context.Context, id string, fn func(*Event) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if err := fn(&e); err != nil {
		return err
	}

	events, err := tripEventsTx(ctx, tx, e.TripID)
	if err != nil {
		return err
	}
	for i := range events {
		if events[i].ID == e.ID {
			events[i] = e
		}
	}
	if err := validateTripEvents(events); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE events SET type = ?, at_ms = ?, odo_km = ?, session_id = ?, liters = ?,
			day_close = ?, day_index = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(e.Type), e.At.UnixMilli(), e.OdoKm, e.SessionID, e.Liters,
		boolToInt(e.DayClose), e.DayIndex, e.ID); err != nil {
		return err
	}

	if err := recomputeDayIndexesTx(ctx, tx, e.TripID); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateType changes an event's type. trip_start is immutable. Toggle events
// may only switch category, not side, and the paired event is re-tagged in
// the same transaction; a closed session whose pair cannot be located fails
// with ErrPairNotFound. Simple point events (refuel, boarding, point_mark)
// may switch among themselves.
func (s *Store) UpdateType(ctx context.Context, id string, newType Type) error {
	if !newType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, newType)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if e.Type == TypeTripStart {
		return ErrImmutableEvent
	}
	if e.Type == newType {
		return tx.Commit()
	}

	events, err := tripEventsTx(ctx, tx, e.TripID)
	if err != nil {
		return err
	}

	oldCat, oldIsStart, oldToggle := CategoryOf(e.Type)
	newCat, newIsStart, newToggle := CategoryOf(newType)

	switch {
	case oldToggle && newToggle:
		if oldIsStart != newIsStart {
			return ErrTypeShapeMismatch
		}
		// Locate the paired event. Retagging only the start of a still-open
		// session is fine; a closed session must carry its end along.
		var start Event
		if oldIsStart {
			start = e
		} else {
			st := matchPairStart(events, e)
			if st == nil {
				return ErrPairNotFound
			}
			start = *st
		}
		end := matchPairEnd(events, start)
		if end == nil && !oldIsStart {
			return ErrPairNotFound
		}
		open := openSessionEvent(events, oldCat)
		if end == nil && (open == nil || open.ID != start.ID) {
			return ErrPairNotFound
		}
		if other := openSessionEvent(events, newCat); other != nil {
			return fmt.Errorf("%w: %s", ErrSessionAlreadyOpen, newCat)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET type = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(newCat.StartType()), start.ID); err != nil {
			return err
		}
		if end != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE events SET type = ?, day_close = 0, day_index = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
				string(newCat.EndType()), end.ID); err != nil {
				return err
			}
		}
	case !oldToggle && !newToggle && !e.IsCheckpoint() && newType != TypeTripStart && newType != TypeTripEnd:
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET type = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(newType), e.ID); err != nil {
			return err
		}
	default:
		return ErrTypeShapeMismatch
	}

	// A retag may have touched rest_end day-close rows; renumber.
	if err := recomputeDayIndexesTx(ctx, tx, e.TripID); err != nil {
		return err
	}

	return tx.Commit()
}

// RetagSession reclassifies a toggle session (located by its start event) to
// a new category, moving both ends of the pair atomically.
func (s *Store) RetagSession(ctx context.Context, startEventID string, newCat Category) error {
	return s.UpdateType(ctx, startEventID, newCat.StartType())
}

// Delete removes an event. trip_start is immutable and cannot be deleted.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if e.Type == TypeTripStart {
		return ErrImmutableEvent
	}

	// Deleting a trip_end reopens its trip; refuse when a newer trip is
	// already active, which would leave two trips open at once.
	if e.Type == TypeTripEnd {
		active, err := activeTripTx(ctx, tx)
		if err != nil {
			return err
		}
		if active != "" {
			return fmt.Errorf("reopening trip %s while trip %s is active: %w",
				e.TripID, active, ErrActiveTripExists)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return err
	}

	if err := recomputeDayIndexesTx(ctx, tx, e.TripID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	// Deleting a trip_end can reopen the trip; drop the cached pointer and
	// let the next read re-derive it.
	if e.Type == TypeTripEnd {
		if err := s.DB.DeleteKV(ctx, activeTripKey); err != nil {
			monitoring.Logf("Ledger: failed to clear active trip cache: %v", err)
		}
	}
	return nil
}

// recomputeDayIndexesTx renumbers day-close indices to exactly 1..N in
// chronological order of closes, clearing indices on non-closing rows.
func recomputeDayIndexesTx(ctx context.Context, tx *sql.Tx, tripID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM events
		WHERE trip_id = ? AND type = ? AND day_close = 1
		ORDER BY at_ms, id`, tripID, string(TypeRestEnd))
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE events SET day_index = NULL
		WHERE trip_id = ? AND (day_close = 0 OR type != ?)`, tripID, string(TypeRestEnd)); err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET day_index = ? WHERE id = ?`, i+1, id); err != nil {
			return err
		}
	}
	return nil
}

// validateTripEvents checks the trip-level invariants over a full event list:
// odometer non-decreasing across checkpoints, at most one open session per
// category. The list may be unsorted; it is sorted here by timestamp.
func validateTripEvents(events []Event) error {
	sorted := append([]Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].At.Equal(sorted[j].At) {
			return sorted[i].At.Before(sorted[j].At)
		}
		return sorted[i].ID < sorted[j].ID
	})

	lastOdo := -1.0
	for i := range sorted {
		e := &sorted[i]
		if !e.IsCheckpoint() || e.OdoKm == nil {
			continue
		}
		if lastOdo >= 0 && *e.OdoKm < lastOdo {
			return fmt.Errorf("%w: %s at %.1f km after %.1f km",
				ErrOdometerDecreasing, e.Type, *e.OdoKm, lastOdo)
		}
		lastOdo = *e.OdoKm
	}

	for _, cat := range Categories {
		openCount := 0
		for i := range sorted {
			if sorted[i].Type != cat.StartType() {
				continue
			}
			if matchPairEnd(sorted, sorted[i]) == nil {
				openCount++
			}
		}
		if openCount > 1 {
			return fmt.Errorf("%w: %s has %d unmatched starts", ErrSessionAlreadyOpen, cat, openCount)
		}
	}
	return nil
}

// Annotation setters. These are additive, fail-soft fields written by the
// background resolver; they never participate in invariant validation and a
// stale write to a finalised event is harmless.

// SetAddress records a reverse-geocoded address on an event.
func (s *Store) SetAddress(ctx context.Context, id, address string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE events SET address = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, address, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetInterchange records the interchange resolution result on an expressway event.
func (s *Store) SetInterchange(ctx context.Context, id, status string, name *string, distanceM *float64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE events SET ic_status = ?, ic_name = ?, ic_distance_m = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, name, distanceM, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetSyncStatus updates the remote sync marker on an event.
func (s *Store) SetSyncStatus(ctx context.Context, id, status string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE events SET sync_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingAnnotations returns up to limit events still awaiting background
// enrichment: expressway events with a pending interchange resolution, and
// located point marks with no address yet.
func (s *Store) PendingAnnotations(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE (ic_status = ? AND type IN (?, ?))
		   OR (type = ? AND address IS NULL AND lat IS NOT NULL)
		ORDER BY at_ms
		LIMIT ?`,
		ICPending, string(TypeExpresswayStart), string(TypeExpresswayEnd),
		string(TypePointMark), limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// TripSummary is a light aggregate used by the listing API.
type TripSummary struct {
	TripID     string     `json:"tripId"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	EventCount int        `json:"eventCount"`
}

// TripSummaries lists trips newest-first with their start/end times.
func (s *Store) TripSummaries(ctx context.Context) ([]TripSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT
			trip_id,
			MIN(CASE WHEN type = ? THEN at_ms END) AS started_ms,
			MIN(CASE WHEN type = ? THEN at_ms END) AS ended_ms,
			COUNT(*) AS n
		FROM events
		GROUP BY trip_id
		HAVING started_ms IS NOT NULL
		ORDER BY started_ms DESC`,
		string(TypeTripStart), string(TypeTripEnd))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TripSummary
	for rows.Next() {
		var (
			ts      TripSummary
			startMs int64
			endMs   sql.NullInt64
		)
		if err := rows.Scan(&ts.TripID, &startMs, &endMs, &ts.EventCount); err != nil {
			return nil, err
		}
		ts.StartedAt = time.UnixMilli(startMs).UTC()
		if endMs.Valid {
			t := time.UnixMilli(endMs.Int64).UTC()
			ts.EndedAt = &t
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}
