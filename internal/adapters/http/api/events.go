package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/okian/icebreaker/internal/domain/match"
	"github.com/okian/icebreaker/internal/domain/model"
)

// EventsHandler serves the event and game routes.
type EventsHandler struct {
	deps Dependencies
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps Dependencies) *EventsHandler {
	return &EventsHandler{deps: deps}
}

type createEventRequest struct {
	Title    string `json:"title"`
	Location string `json:"location"`
	StartsAt string `json:"starts_at"`
}

func (c createEventRequest) validate() (time.Time, error) {
	if strings.TrimSpace(c.Title) == "" {
		return time.Time{}, errors.New("missing title")
	}
	if strings.TrimSpace(c.StartsAt) == "" {
		return time.Time{}, errors.New("missing starts_at")
	}
	t, err := time.Parse(time.RFC3339, c.StartsAt)
	if err != nil {
		return time.Time{}, errors.New("invalid starts_at; must be RFC3339")
	}
	return t, nil
}

type checkInRequest struct {
	DisplayName string `json:"display_name"`
	Presented   bool   `json:"presented"`
}

type voteRequest struct {
	Level          string  `json:"level"`
	SelectedUserID *string `json:"selected_user_id"`
}

type transitionResponse struct {
	Event    model.Event `json:"event"`
	Advanced bool        `json:"advanced"`
}

type matchesResponse struct {
	Status string       `json:"status"`
	Pairs  []model.Pair `json:"pairs"`
}

type outcomeResponse struct {
	match.Outcome
	Message string `json:"message,omitempty"`
}

// HandleCreate handles POST /events.
func (h *EventsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_event"
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	startsAt, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	ev, err := h.deps.CreateEvent(r.Context(), req.Title, req.Location, startsAt)
	if err != nil {
		writeDomainError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// HandleGet handles GET /events/{id}: the restore-on-entry read.
func (h *EventsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ev, err := h.deps.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, Wrap("api.get_event", err))
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// HandleParticipants handles GET /events/{id}/participants.
func (h *EventsHandler) HandleParticipants(w http.ResponseWriter, r *http.Request) {
	ps, err := h.deps.Participants(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, Wrap("api.participants", err))
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// HandleCheckIn handles POST /events/{id}/participants for the caller.
func (h *EventsHandler) HandleCheckIn(w http.ResponseWriter, r *http.Request) {
	const op = "api.check_in"
	userID, _ := UserID(r.Context())
	var req checkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	p := model.Participant{
		EventID:     r.PathValue("id"),
		UserID:      userID,
		DisplayName: req.DisplayName,
		Presented:   req.Presented,
	}
	if err := h.deps.CheckIn(r.Context(), p); err != nil {
		writeDomainError(w, Wrap(op, err))
		return
	}
	ps, err := h.deps.Participants(r.Context(), p.EventID)
	if err != nil {
		writeDomainError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// HandleBegin handles POST /events/{id}/begin.
func (h *EventsHandler) HandleBegin(w http.ResponseWriter, r *http.Request) {
	ev, advanced, err := h.deps.Begin(r.Context(), r.PathValue("id"))
	h.writeTransition(w, "api.begin", ev, advanced, err)
}

// HandleStart handles POST /events/{id}/start.
func (h *EventsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ev, advanced, err := h.deps.StartQuestions(r.Context(), r.PathValue("id"))
	h.writeTransition(w, "api.start", ev, advanced, err)
}

// HandleAdvance handles POST /events/{id}/advance. The body is the position
// the caller saw.
func (h *EventsHandler) HandleAdvance(w http.ResponseWriter, r *http.Request) {
	const op = "api.advance"
	seen, ok := decodePosition(w, r, op)
	if !ok {
		return
	}
	ev, advanced, err := h.deps.Advance(r.Context(), r.PathValue("id"), seen)
	h.writeTransition(w, op, ev, advanced, err)
}

// HandleContinue handles POST /events/{id}/continue.
func (h *EventsHandler) HandleContinue(w http.ResponseWriter, r *http.Request) {
	const op = "api.continue"
	seen, ok := decodePosition(w, r, op)
	if !ok {
		return
	}
	ev, advanced, err := h.deps.Continue(r.Context(), r.PathValue("id"), seen)
	h.writeTransition(w, op, ev, advanced, err)
}

// HandleAnswered handles POST /events/{id}/answered for the caller. The body
// carries the position of the question answered; advanced=false means the
// row had already moved on and the answer was dropped.
func (h *EventsHandler) HandleAnswered(w http.ResponseWriter, r *http.Request) {
	const op = "api.answered"
	seen, ok := decodePosition(w, r, op)
	if !ok {
		return
	}
	userID, _ := UserID(r.Context())
	ev, answered, err := h.deps.MarkAnswered(r.Context(), r.PathValue("id"), userID, seen)
	h.writeTransition(w, op, ev, answered, err)
}

// HandleVote handles POST /events/{id}/votes. A repeated vote answers 409
// choice_locked and the first choice stands.
func (h *EventsHandler) HandleVote(w http.ResponseWriter, r *http.Request) {
	const op = "api.vote"
	userID, _ := UserID(r.Context())
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	level, err := model.ParseLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	v := model.Vote{EventID: r.PathValue("id"), Level: level, FromUserID: userID, SelectedUserID: req.SelectedUserID}
	if err := h.deps.SubmitVote(r.Context(), v); err != nil {
		writeDomainError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// HandleMatches handles GET /events/{id}/matches?level=. It answers 202
// while votes are still coming in.
func (h *EventsHandler) HandleMatches(w http.ResponseWriter, r *http.Request) {
	const op = "api.matches"
	level, ok := queryLevel(w, r, op)
	if !ok {
		return
	}
	pairs, err := h.deps.Matches(r.Context(), r.PathValue("id"), level)
	if errors.Is(err, match.ErrVotesPending) {
		writeJSON(w, http.StatusAccepted, matchesResponse{Status: "pending", Pairs: []model.Pair{}})
		return
	}
	if err != nil {
		writeDomainError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, matchesResponse{Status: "complete", Pairs: pairs})
}

// HandleOutcome handles GET /events/{id}/outcome?level= for the caller.
func (h *EventsHandler) HandleOutcome(w http.ResponseWriter, r *http.Request) {
	const op = "api.outcome"
	level, ok := queryLevel(w, r, op)
	if !ok {
		return
	}
	userID, _ := UserID(r.Context())
	out, err := h.deps.Outcome(r.Context(), r.PathValue("id"), level, userID)
	if errors.Is(err, match.ErrVotesPending) {
		writeJSON(w, http.StatusAccepted, matchesResponse{Status: "pending", Pairs: []model.Pair{}})
		return
	}
	if err != nil {
		writeDomainError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Outcome: out, Message: out.Message()})
}

func (h *EventsHandler) writeTransition(w http.ResponseWriter, op string, ev model.Event, advanced bool, err error) {
	if err != nil {
		writeDomainError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Event: ev, Advanced: advanced})
}

func decodePosition(w http.ResponseWriter, r *http.Request, op string) (model.Position, bool) {
	var seen model.Position
	if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return model.Position{}, false
	}
	if _, err := model.ParsePhase(string(seen.Phase)); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return model.Position{}, false
	}
	return seen, true
}

func queryLevel(w http.ResponseWriter, r *http.Request, op string) (model.Level, bool) {
	level, err := model.ParseLevel(r.URL.Query().Get("level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return "", false
	}
	return level, true
}
