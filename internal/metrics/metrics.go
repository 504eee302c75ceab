// Package metrics derives distance figures from a trip's event ledger:
// odometer segments between checkpoints, trip totals, and per-day runs split
// at day-close boundaries. Everything here is a pure function of the event
// list so it can be table-tested without a database.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Koutacode/tracklog-pwa/internal/ledger"
	"github.com/Koutacode/tracklog-pwa/internal/units"
)

// ErrInconsistent reports a mismatch between the segment sum and the trip
// total. This is a real data problem to surface, not a rounding artifact.
var ErrInconsistent = errors.New("segment sum does not match trip total")

// odoEpsilon absorbs float noise when cross-checking sums of readings that
// are entered to 0.1 km anyway.
const odoEpsilon = 1e-6

// Checkpoint is an odometer reading extracted from a checkpoint event.
type Checkpoint struct {
	EventID string
	Type    ledger.Type
	At      time.Time
	OdoKm   float64
}

// Segment is the distance between two adjacent checkpoints. A negative Km is
// still emitted with Valid=false so the caller can surface the problem
// instead of silently dropping data.
type Segment struct {
	FromEventID string    `json:"fromEventId"`
	ToEventID   string    `json:"toEventId"`
	StartAt     time.Time `json:"startAt"`
	EndAt       time.Time `json:"endAt"`
	FromOdoKm   float64   `json:"fromOdoKm"`
	ToOdoKm     float64   `json:"toOdoKm"`
	Km          float64   `json:"km"`
	Valid       bool      `json:"valid"`
}

// Totals is the whole-trip distance summary. LastLegKm is the distance since
// the final rest_start, or the whole trip when no rest was taken.
type Totals struct {
	TotalKm   float64 `json:"totalKm"`
	LastLegKm float64 `json:"lastLegKm"`
	Valid     bool    `json:"valid"`
}

// Day run confirmation status.
const (
	DayPending   = "pending"
	DayConfirmed = "confirmed"
)

// DayRun is one calendar day's driving within a trip. Days are delimited by
// day-close boundaries; Date is the civil date (fixed app timezone) the day
// ended on.
type DayRun struct {
	Index  int     `json:"index"`
	Date   string  `json:"date"`
	Km     float64 `json:"km"`
	Status string  `json:"status"`
}

// TripMetrics bundles every derivation for one trip. Totals is nil while the
// trip is still open (there is no end odometer to total against).
type TripMetrics struct {
	Segments []Segment `json:"segments"`
	Totals   *Totals   `json:"totals,omitempty"`
	DayRuns  []DayRun  `json:"dayRuns"`
	Open     bool      `json:"open"`
}

// Checkpoints extracts the odometer checkpoints from a trip's events in
// chronological order: trip_start, then rest_starts, then trip_end if
// present. Events without an odometer reading are skipped.
func Checkpoints(events []ledger.Event) []Checkpoint {
	var cps []Checkpoint
	for i := range events {
		e := &events[i]
		if !e.IsCheckpoint() || e.OdoKm == nil {
			continue
		}
		cps = append(cps, Checkpoint{
			EventID: e.ID,
			Type:    e.Type,
			At:      e.At,
			OdoKm:   *e.OdoKm,
		})
	}
	sort.SliceStable(cps, func(i, j int) bool {
		if !cps[i].At.Equal(cps[j].At) {
			return cps[i].At.Before(cps[j].At)
		}
		// trip_start sorts first and trip_end last among equal timestamps.
		return checkpointRank(cps[i].Type) < checkpointRank(cps[j].Type)
	})
	return cps
}

func checkpointRank(t ledger.Type) int {
	switch t {
	case ledger.TypeTripStart:
		return 0
	case ledger.TypeTripEnd:
		return 2
	}
	return 1
}

// ComputeSegments emits one segment per adjacent checkpoint pair.
func ComputeSegments(cps []Checkpoint) []Segment {
	if len(cps) < 2 {
		return nil
	}
	segs := make([]Segment, 0, len(cps)-1)
	for i := 1; i < len(cps); i++ {
		from, to := cps[i-1], cps[i]
		km := to.OdoKm - from.OdoKm
		segs = append(segs, Segment{
			FromEventID: from.EventID,
			ToEventID:   to.EventID,
			StartAt:     from.At,
			EndAt:       to.At,
			FromOdoKm:   from.OdoKm,
			ToOdoKm:     to.OdoKm,
			Km:          km,
			Valid:       km >= 0,
		})
	}
	return segs
}

// ComputeTotals derives the whole-trip totals. lastRestStartOdo is nil when
// the trip had no rest, in which case the last leg is the whole trip.
func ComputeTotals(odoStartKm, odoEndKm float64, lastRestStartOdo *float64) Totals {
	t := Totals{TotalKm: odoEndKm - odoStartKm}
	if lastRestStartOdo != nil {
		t.LastLegKm = odoEndKm - *lastRestStartOdo
	} else {
		t.LastLegKm = t.TotalKm
	}
	t.Valid = t.TotalKm >= 0 && t.LastLegKm >= 0
	return t
}

// boundary is a day-close instant within a trip.
type boundary struct {
	at time.Time
}

// ComputeDayRuns partitions segments into day runs. Each day-close boundary
// closes the day holding every not-yet-assigned segment that ends at or
// before it; whatever remains after the last boundary is the final day. Days
// closed by a boundary are confirmed; the trailing day is confirmed only once
// the trip has ended. The partition has no overlap and no gap, so the day
// distances sum to the segment sum.
func ComputeDayRuns(segments []Segment, closes []time.Time, tripClosed bool) []DayRun {
	sorted := append([]time.Time(nil), closes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var (
		runs []DayRun
		next = 0 // first unassigned segment
	)
	for _, b := range sorted {
		day := DayRun{
			Index:  len(runs) + 1,
			Date:   units.CivilDate(b),
			Status: DayConfirmed,
		}
		for next < len(segments) && !segments[next].EndAt.After(b) {
			day.Km += segments[next].Km
			next++
		}
		runs = append(runs, day)
	}

	trailing := segments[next:]
	if len(trailing) == 0 && tripClosed {
		return runs
	}

	day := DayRun{
		Index:  len(runs) + 1,
		Status: DayPending,
	}
	if tripClosed {
		day.Status = DayConfirmed
	}
	for _, seg := range trailing {
		day.Km += seg.Km
	}
	switch {
	case len(trailing) > 0:
		day.Date = units.CivilDate(trailing[len(trailing)-1].EndAt)
	case len(sorted) > 0:
		day.Date = units.CivilDate(sorted[len(sorted)-1])
	}
	return append(runs, day)
}

// CheckConsistency verifies that the valid segments sum to the trip total.
func CheckConsistency(segments []Segment, totals Totals) error {
	var sum float64
	for _, seg := range segments {
		if seg.Valid {
			sum += seg.Km
		}
	}
	if math.Abs(sum-totals.TotalKm) > odoEpsilon {
		return fmt.Errorf("%w: segments sum to %.3f km, total is %.3f km",
			ErrInconsistent, sum, totals.TotalKm)
	}
	return nil
}

// FromEvents derives the full metrics bundle for one trip's events. The
// consistency cross-check runs whenever totals exist; a failure is returned
// alongside the (still usable) metrics so callers can surface it.
func FromEvents(events []ledger.Event) (TripMetrics, error) {
	cps := Checkpoints(events)
	segments := ComputeSegments(cps)

	var (
		start       *Checkpoint
		end         *Checkpoint
		lastRestOdo *float64
		closes      []time.Time
	)
	for i := range cps {
		switch cps[i].Type {
		case ledger.TypeTripStart:
			if start == nil {
				start = &cps[i]
			}
		case ledger.TypeTripEnd:
			end = &cps[i]
		case ledger.TypeRestStart:
			odo := cps[i].OdoKm
			lastRestOdo = &odo
		}
	}
	for i := range events {
		if events[i].Type == ledger.TypeRestEnd && events[i].DayClose {
			closes = append(closes, events[i].At)
		}
	}

	m := TripMetrics{
		Segments: segments,
		Open:     end == nil,
	}
	m.DayRuns = ComputeDayRuns(segments, closes, end != nil)

	if start != nil && end != nil {
		t := ComputeTotals(start.OdoKm, end.OdoKm, lastRestOdo)
		m.Totals = &t
		if err := CheckConsistency(segments, t); err != nil {
			return m, err
		}
	}
	return m, nil
}
