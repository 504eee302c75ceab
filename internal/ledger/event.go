// Package ledger implements the trip event ledger: typed, validated events in
// sqlite, plus derivation of the active trip and open toggle sessions from the
// event set itself.
package ledger

import (
	"errors"
	"time"
)

// Type enumerates the closed set of event types.
type Type string

const (
	TypeTripStart       Type = "trip_start"
	TypeTripEnd         Type = "trip_end"
	TypeRestStart       Type = "rest_start"
	TypeRestEnd         Type = "rest_end"
	TypeBreakStart      Type = "break_start"
	TypeBreakEnd        Type = "break_end"
	TypeLoadStart       Type = "load_start"
	TypeLoadEnd         Type = "load_end"
	TypeUnloadStart     Type = "unload_start"
	TypeUnloadEnd       Type = "unload_end"
	TypeRefuel          Type = "refuel"
	TypeBoarding        Type = "boarding"
	TypeExpresswayStart Type = "expressway_start"
	TypeExpresswayEnd   Type = "expressway_end"
	TypePointMark       Type = "point_mark"
)

var allTypes = map[Type]bool{
	TypeTripStart: true, TypeTripEnd: true,
	TypeRestStart: true, TypeRestEnd: true,
	TypeBreakStart: true, TypeBreakEnd: true,
	TypeLoadStart: true, TypeLoadEnd: true,
	TypeUnloadStart: true, TypeUnloadEnd: true,
	TypeRefuel: true, TypeBoarding: true,
	TypeExpresswayStart: true, TypeExpresswayEnd: true,
	TypePointMark: true,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool { return allTypes[t] }

// Category identifies a toggle-session kind: a paired start/end of the same
// category linked by a shared session id.
type Category string

const (
	CategoryRest       Category = "rest"
	CategoryBreak      Category = "break"
	CategoryLoad       Category = "load"
	CategoryUnload     Category = "unload"
	CategoryExpressway Category = "expressway"
)

// Categories lists all toggle-session categories.
var Categories = []Category{CategoryRest, CategoryBreak, CategoryLoad, CategoryUnload, CategoryExpressway}

// StartType returns the start event type for the category.
func (c Category) StartType() Type {
	switch c {
	case CategoryRest:
		return TypeRestStart
	case CategoryBreak:
		return TypeBreakStart
	case CategoryLoad:
		return TypeLoadStart
	case CategoryUnload:
		return TypeUnloadStart
	case CategoryExpressway:
		return TypeExpresswayStart
	}
	return ""
}

// EndType returns the end event type for the category.
func (c Category) EndType() Type {
	switch c {
	case CategoryRest:
		return TypeRestEnd
	case CategoryBreak:
		return TypeBreakEnd
	case CategoryLoad:
		return TypeLoadEnd
	case CategoryUnload:
		return TypeUnloadEnd
	case CategoryExpressway:
		return TypeExpresswayEnd
	}
	return ""
}

// CategoryOf returns the toggle category of t and whether t is the start side.
// ok is false for non-toggle types.
func CategoryOf(t Type) (cat Category, isStart bool, ok bool) {
	for _, c := range Categories {
		if t == c.StartType() {
			return c, true, true
		}
		if t == c.EndType() {
			return c, false, true
		}
	}
	return "", false, false
}

// Sync status of an event relative to the remote backup.
const (
	SyncLocal   = "local"
	SyncPending = "pending"
	SyncSynced  = "synced"
)

// Interchange resolution status for expressway events.
const (
	ICPending    = "pending"
	ICResolved   = "resolved"
	ICUnresolved = "unresolved"
)

// Event is one row of the ledger. Only trip_start is truly immutable: it
// cannot be deleted and its type cannot change. Everything else may be edited
// subject to the trip invariants.
type Event struct {
	ID         string    `json:"id"`
	TripID     string    `json:"tripId"`
	Type       Type      `json:"type"`
	At         time.Time `json:"at"`
	Lat        *float64  `json:"lat,omitempty"`
	Lng        *float64  `json:"lng,omitempty"`
	AccuracyM  *float64  `json:"accuracyM,omitempty"`
	Address    *string   `json:"address,omitempty"`
	SyncStatus string    `json:"syncStatus"`

	// Type-specific payload.
	OdoKm       *float64 `json:"odoKm,omitempty"`     // trip_start, rest_start, trip_end
	SessionID   *string  `json:"sessionId,omitempty"` // toggle starts/ends
	Liters      *float64 `json:"liters,omitempty"`    // refuel
	DayClose    bool     `json:"dayClose,omitempty"`  // rest_end
	DayIndex    *int     `json:"dayIndex,omitempty"`  // rest_end with DayClose
	ICStatus    *string  `json:"icStatus,omitempty"`  // expressway events
	ICName      *string  `json:"icName,omitempty"`
	ICDistanceM *float64 `json:"icDistanceM,omitempty"`
}

// IsCheckpoint reports whether the event carries an odometer reading that
// participates in segment derivation.
func (e *Event) IsCheckpoint() bool {
	switch e.Type {
	case TypeTripStart, TypeRestStart, TypeTripEnd:
		return true
	}
	return false
}

// Validation errors. These reject the write before any row is touched.
var (
	ErrUnknownType        = errors.New("unknown event type")
	ErrNotFound           = errors.New("event not found")
	ErrNoActiveTrip       = errors.New("no active trip")
	ErrTripClosed         = errors.New("trip is already closed")
	ErrActiveTripExists   = errors.New("an active trip already exists")
	ErrMissingOdometer    = errors.New("checkpoint event requires an odometer reading")
	ErrOdometerDecreasing = errors.New("odometer reading decreases across checkpoints")
	ErrSessionAlreadyOpen = errors.New("a session of this category is already open")
	ErrNoOpenSession      = errors.New("no open session of this category")
	ErrImmutableEvent     = errors.New("trip_start cannot be deleted or change type")
	ErrPairNotFound       = errors.New("pair not found")
	ErrInvalidLiters      = errors.New("liters must be positive")
	ErrTypeShapeMismatch  = errors.New("type change must keep the start/end side of the pair")
)
