// Package api exposes the ledger, metrics, and detector over HTTP for the
// app shell. All responses are JSON; validation failures map to 400/409 so
// the client can distinguish "fix your input" from "the ledger disagrees".
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Koutacode/tracklog-pwa/internal/detector"
	"github.com/Koutacode/tracklog-pwa/internal/httputil"
	"github.com/Koutacode/tracklog-pwa/internal/ledger"
	"github.com/Koutacode/tracklog-pwa/internal/metrics"
	"github.com/Koutacode/tracklog-pwa/internal/monitoring"
	"github.com/Koutacode/tracklog-pwa/internal/prompts"
	"github.com/Koutacode/tracklog-pwa/internal/signal"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	store   *ledger.Store
	manager *detector.Manager
	coord   *prompts.Coordinator
}

func NewServer(store *ledger.Store, manager *detector.Manager, coord *prompts.Coordinator) *Server {
	return &Server{
		store:   store,
		manager: manager,
		coord:   coord,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/events", s.appendEvent)
	mux.HandleFunc("GET /api/events/{id}", s.getEvent)
	mux.HandleFunc("PATCH /api/events/{id}", s.patchEvent)
	mux.HandleFunc("DELETE /api/events/{id}", s.deleteEvent)
	mux.HandleFunc("GET /api/trips", s.listTrips)
	mux.HandleFunc("GET /api/trips/active", s.activeTrip)
	mux.HandleFunc("GET /api/trips/{id}/events", s.tripEvents)
	mux.HandleFunc("GET /api/trips/{id}/metrics", s.tripMetrics)
	mux.HandleFunc("GET /api/trips/{id}/prompt", s.getPrompt)
	mux.HandleFunc("POST /api/trips/{id}/decision", s.postDecision)
	mux.HandleFunc("POST /api/fixes", s.ingestFix)
	mux.HandleFunc("GET /api/detector/status", s.detectorStatus)
	mux.HandleFunc("POST /api/mode", s.setMode)
	return mux
}

// writeLedgerError maps the store's sentinel errors to HTTP statuses:
// malformed input is 400, a write that contradicts current ledger state is
// 409, a missing row is 404.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, ledger.ErrActiveTripExists),
		errors.Is(err, ledger.ErrNoActiveTrip),
		errors.Is(err, ledger.ErrTripClosed),
		errors.Is(err, ledger.ErrSessionAlreadyOpen),
		errors.Is(err, ledger.ErrNoOpenSession),
		errors.Is(err, ledger.ErrImmutableEvent),
		errors.Is(err, ledger.ErrPairNotFound):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, ledger.ErrUnknownType),
		errors.Is(err, ledger.ErrMissingOdometer),
		errors.Is(err, ledger.ErrOdometerDecreasing),
		errors.Is(err, ledger.ErrInvalidLiters),
		errors.Is(err, ledger.ErrTypeShapeMismatch):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) appendEvent(w http.ResponseWriter, r *http.Request) {
	var e ledger.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		httputil.BadRequest(w, "invalid event payload: "+err.Error())
		return
	}

	stored, err := s.store.Append(r.Context(), e)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	// A closed trip no longer needs its detector; drop it so a later trip
	// starts from a clean slate.
	if stored.Type == ledger.TypeTripEnd && s.manager != nil {
		s.manager.Release(stored.TripID)
	}

	httputil.WriteJSON(w, http.StatusCreated, stored)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.EventByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httputil.WriteJSONOK(w, e)
}

// eventPatch carries the editable fields of an event. Absent fields are left
// untouched; the present fields land together or not at all.
type eventPatch struct {
	At       *time.Time   `json:"at,omitempty"`
	OdoKm    *float64     `json:"odoKm,omitempty"`
	Liters   *float64     `json:"liters,omitempty"`
	Type     *ledger.Type `json:"type,omitempty"`
	DayClose *bool        `json:"dayClose,omitempty"`
}

func (s *Server) patchEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var p eventPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httputil.BadRequest(w, "invalid patch payload: "+err.Error())
		return
	}

	ctx := r.Context()
	edit := ledger.EventEdit{At: p.At, OdoKm: p.OdoKm, Liters: p.Liters, DayClose: p.DayClose}
	hasEdit := p.At != nil || p.OdoKm != nil || p.Liters != nil || p.DayClose != nil

	// A type change relocates session pairs under its own rules and cannot
	// be made atomic with field edits; keep each PATCH all-or-nothing.
	if p.Type != nil && hasEdit {
		httputil.BadRequest(w, "type cannot be combined with other fields in one patch")
		return
	}

	switch {
	case p.Type != nil:
		if err := s.store.UpdateType(ctx, id, *p.Type); err != nil {
			writeLedgerError(w, err)
			return
		}
	case hasEdit:
		if err := s.store.UpdateEvent(ctx, id, edit); err != nil {
			writeLedgerError(w, err)
			return
		}
	}

	e, err := s.store.EventByID(ctx, id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httputil.WriteJSONOK(w, e)
}

func (s *Server) deleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeLedgerError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "deleted"})
}

func (s *Server) listTrips(w http.ResponseWriter, r *http.Request) {
	trips, err := s.store.TripSummaries(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if trips == nil {
		trips = []ledger.TripSummary{}
	}
	httputil.WriteJSONOK(w, trips)
}

func (s *Server) activeTrip(w http.ResponseWriter, r *http.Request) {
	tripID, ok, err := s.store.ActiveTrip(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	resp := struct {
		TripID *string `json:"tripId"`
	}{}
	if ok {
		resp.TripID = &tripID
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) tripEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.EventsByTrip(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) tripMetrics(w http.ResponseWriter, r *http.Request) {
	tripID := r.PathValue("id")
	events, err := s.store.EventsByTrip(r.Context(), tripID)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if len(events) == 0 {
		httputil.NotFound(w, "trip "+tripID+" not found")
		return
	}

	m, err := metrics.FromEvents(events)
	resp := struct {
		metrics.TripMetrics
		Warning string `json:"warning,omitempty"`
	}{TripMetrics: m}
	// An inconsistency is reported alongside the metrics, not instead of
	// them: the per-segment figures are still usable.
	if err != nil {
		if !errors.Is(err, metrics.ErrInconsistent) {
			httputil.InternalServerError(w, err.Error())
			return
		}
		resp.Warning = err.Error()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) getPrompt(w http.ResponseWriter, r *http.Request) {
	p, err := s.coord.GetPrompt(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, struct {
		Prompt *prompts.Prompt `json:"prompt"`
	}{Prompt: p})
}

func (s *Server) postDecision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action prompts.Action `json:"action"`
		At     time.Time      `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.BadRequest(w, "invalid decision payload: "+err.Error())
		return
	}

	d := prompts.Decision{TripID: r.PathValue("id"), Action: body.Action, At: body.At}
	if err := s.coord.SetDecision(r.Context(), d); err != nil {
		if errors.Is(err, prompts.ErrUnknownAction) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) ingestFix(w http.ResponseWriter, r *http.Request) {
	var f signal.Fix
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		httputil.BadRequest(w, "invalid fix payload: "+err.Error())
		return
	}

	sample, reject, err := s.manager.OnFix(r.Context(), f)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	httputil.WriteJSONOK(w, struct {
		Accepted bool           `json:"accepted"`
		Reject   signal.Reject  `json:"reject,omitempty"`
		Sample   *signal.Sample `json:"sample,omitempty"`
	}{Accepted: sample != nil, Reject: reject, Sample: sample})
}

func (s *Server) detectorStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.manager.Statuses()
	if statuses == nil {
		statuses = []detector.Status{}
	}
	httputil.WriteJSONOK(w, statuses)
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode signal.Mode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.BadRequest(w, "invalid mode payload: "+err.Error())
		return
	}
	if body.Mode != signal.ModePrecision && body.Mode != signal.ModeBattery {
		httputil.BadRequest(w, "mode must be precision or battery")
		return
	}

	s.manager.SetMode(body.Mode)
	httputil.WriteJSONOK(w, map[string]string{"mode": string(body.Mode)})
}
