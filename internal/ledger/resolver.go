package ledger

import (
	"context"
	"database/sql"

	"github.com/Koutacode/tracklog-pwa/internal/monitoring"
)

// activeTripQuery derives the active trip from the event set alone: the most
// recent trip_start whose trip has no trip_end.
const activeTripQuery = `
	SELECT s.trip_id FROM events s
	WHERE s.type = 'trip_start'
	  AND NOT EXISTS (
		SELECT 1 FROM events e WHERE e.trip_id = s.trip_id AND e.type = 'trip_end'
	  )
	ORDER BY s.at_ms DESC, s.id DESC
	LIMIT 1`

func activeTripTx(ctx context.Context, tx *sql.Tx) (string, error) {
	var tripID string
	err := tx.QueryRowContext(ctx, activeTripQuery).Scan(&tripID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return tripID, err
}

// ActiveTrip resolves the currently active trip. The kv-cached pointer is
// tried first and verified against the events; a missing or stale cache is
// healed by a full newest-first rescan. ok is false when every trip is closed.
func (s *Store) ActiveTrip(ctx context.Context) (tripID string, ok bool, err error) {
	cached, found, err := s.DB.GetKV(ctx, activeTripKey)
	if err != nil {
		return "", false, err
	}
	if found && cached != "" {
		stillOpen, err := s.tripIsOpen(ctx, cached)
		if err != nil {
			return "", false, err
		}
		if stillOpen {
			return cached, true, nil
		}
	}

	err = s.DB.QueryRowContext(ctx, activeTripQuery).Scan(&tripID)
	if err == sql.ErrNoRows {
		if found {
			if err := s.DB.DeleteKV(ctx, activeTripKey); err != nil {
				monitoring.Logf("Ledger: failed to clear stale active trip cache: %v", err)
			}
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if err := s.DB.SetKV(ctx, activeTripKey, tripID); err != nil {
		monitoring.Logf("Ledger: failed to refresh active trip cache: %v", err)
	}
	return tripID, true, nil
}

// tripIsOpen reports whether tripID has a trip_start and no trip_end.
func (s *Store) tripIsOpen(ctx context.Context, tripID string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE trip_id = ? AND type = 'trip_start'
		  AND NOT EXISTS (
			SELECT 1 FROM events e WHERE e.trip_id = ? AND e.type = 'trip_end'
		  )`, tripID, tripID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// OpenSession resolves the open toggle session of a category within a trip,
// or nil if none is open.
func (s *Store) OpenSession(ctx context.Context, tripID string, cat Category) (*Event, error) {
	events, err := s.EventsByTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	return openSessionEvent(events, cat), nil
}

// openSessionEvent scans starts of the category newest-first and returns the
// first with no matching end. events must be sorted chronologically.
func openSessionEvent(events []Event, cat Category) *Event {
	startType := cat.StartType()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != startType {
			continue
		}
		if matchPairEnd(events, events[i]) == nil {
			e := events[i]
			return &e
		}
	}
	return nil
}

// matchPairEnd locates the end event paired with a toggle start. Pairing is
// by shared session id; starts written before session ids existed fall back
// to the nearest id-less end at or after the start (legacy heuristic, kept
// separate from the id path on purpose). events must be sorted
// chronologically. Returns nil when no pair exists (session still open).
func matchPairEnd(events []Event, start Event) *Event {
	cat, isStart, ok := CategoryOf(start.Type)
	if !ok || !isStart {
		return nil
	}
	endType := cat.EndType()

	if start.SessionID != nil {
		for i := range events {
			if events[i].Type == endType && events[i].SessionID != nil &&
				*events[i].SessionID == *start.SessionID {
				e := events[i]
				return &e
			}
		}
		return nil
	}

	// Legacy: earliest id-less end at or after the start.
	for i := range events {
		if events[i].Type == endType && events[i].SessionID == nil &&
			!events[i].At.Before(start.At) {
			e := events[i]
			return &e
		}
	}
	return nil
}

// matchPairStart is the inverse of matchPairEnd: it locates the start paired
// with a toggle end, using the session id when present and otherwise the
// latest id-less start at or before the end.
func matchPairStart(events []Event, end Event) *Event {
	cat, isStart, ok := CategoryOf(end.Type)
	if !ok || isStart {
		return nil
	}
	startType := cat.StartType()

	if end.SessionID != nil {
		for i := range events {
			if events[i].Type == startType && events[i].SessionID != nil &&
				*events[i].SessionID == *end.SessionID {
				e := events[i]
				return &e
			}
		}
		return nil
	}

	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == startType && events[i].SessionID == nil &&
			!events[i].At.After(end.At) {
			e := events[i]
			return &e
		}
	}
	return nil
}
