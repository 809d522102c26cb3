// Package api exposes the game over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/okian/icebreaker/internal/adapters/mq/feed"
	"github.com/okian/icebreaker/internal/adapters/repository"
	service "github.com/okian/icebreaker/internal/app"
	"github.com/okian/icebreaker/internal/domain/match"
	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/internal/domain/phase"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	CreateEvent(ctx context.Context, title, location string, startsAt time.Time) (model.Event, error)
	Get(ctx context.Context, eventID string) (model.Event, error)
	CheckIn(ctx context.Context, p model.Participant) error
	Participants(ctx context.Context, eventID string) ([]model.Participant, error)

	Begin(ctx context.Context, eventID string) (model.Event, bool, error)
	StartQuestions(ctx context.Context, eventID string) (model.Event, bool, error)
	Advance(ctx context.Context, eventID string, seen model.Position) (model.Event, bool, error)
	Continue(ctx context.Context, eventID string, seen model.Position) (model.Event, bool, error)
	MarkAnswered(ctx context.Context, eventID, userID string, seen model.Position) (model.Event, bool, error)

	SubmitVote(ctx context.Context, v model.Vote) error
	Matches(ctx context.Context, eventID string, level model.Level) ([]model.Pair, error)
	Outcome(ctx context.Context, eventID string, level model.Level, userID string) (match.Outcome, error)

	Subscribe(ctx context.Context, eventID string) (feed.Subscription, error)
}

// Server wires HTTP routes for the game API.
type Server struct {
	healthHandler *HealthHandler
	statsHandler  *StatsHandler
	eventsHandler *EventsHandler
	liveHandler   *LiveHandler
	identity      *Identity
	limiter       *RateLimiter
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, identity *Identity, limiter *RateLimiter) *Server {
	return &Server{
		healthHandler: NewHealthHandler(),
		statsHandler:  NewStatsHandler(statsProvider),
		eventsHandler: NewEventsHandler(deps),
		liveHandler:   NewLiveHandler(deps),
		identity:      identity,
		limiter:       limiter,
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	h := s.eventsHandler
	authed := s.identity.Middleware
	mutating := func(next http.HandlerFunc) http.HandlerFunc {
		return authed(s.limiter.Middleware(next))
	}

	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	mux.HandleFunc("POST /events", MetricsMiddleware(mutating(h.HandleCreate), "create_event"))
	mux.HandleFunc("GET /events/{id}", MetricsMiddleware(h.HandleGet, "get_event"))
	mux.HandleFunc("GET /events/{id}/participants", MetricsMiddleware(h.HandleParticipants, "participants"))
	mux.HandleFunc("POST /events/{id}/participants", MetricsMiddleware(mutating(h.HandleCheckIn), "check_in"))
	mux.HandleFunc("POST /events/{id}/begin", MetricsMiddleware(mutating(h.HandleBegin), "begin"))
	mux.HandleFunc("POST /events/{id}/start", MetricsMiddleware(mutating(h.HandleStart), "start"))
	mux.HandleFunc("POST /events/{id}/advance", MetricsMiddleware(mutating(h.HandleAdvance), "advance"))
	mux.HandleFunc("POST /events/{id}/answered", MetricsMiddleware(mutating(h.HandleAnswered), "answered"))
	mux.HandleFunc("POST /events/{id}/continue", MetricsMiddleware(mutating(h.HandleContinue), "continue"))
	mux.HandleFunc("POST /events/{id}/votes", MetricsMiddleware(mutating(h.HandleVote), "vote"))
	mux.HandleFunc("GET /events/{id}/matches", MetricsMiddleware(h.HandleMatches, "matches"))
	mux.HandleFunc("GET /events/{id}/outcome", MetricsMiddleware(authed(h.HandleOutcome), "outcome"))
	mux.HandleFunc("GET /events/{id}/live", MetricsMiddleware(s.liveHandler.HandleLive, "live"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeDomainError maps a domain sentinel to its HTTP status and code.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, repository.ErrDuplicateVote):
		return http.StatusConflict, "choice_locked"
	case errors.Is(err, repository.ErrStaleWrite):
		return http.StatusConflict, "stale_write"
	case errors.Is(err, phase.ErrParticipantListEmpty):
		return http.StatusConflict, "participant_list_empty"
	case errors.Is(err, phase.ErrNotAllAnswered):
		return http.StatusConflict, "not_all_answered"
	case errors.Is(err, phase.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, match.ErrInvalidVote):
		return http.StatusBadRequest, "invalid_vote"
	case errors.Is(err, ErrBadRequest), errors.Is(err, service.ErrInvalidInput), errors.Is(err, model.ErrUnknownValue):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, service.ErrNotStarted), errors.Is(err, feed.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
