package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/icebreaker/internal/adapters/http/api"
	service "github.com/okian/icebreaker/internal/app"
	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/internal/domain/phase"
	"github.com/okian/icebreaker/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

const secret = "test-secret"

type harness struct {
	mux      *http.ServeMux
	identity *api.Identity
	svc      *service.Service
}

func newHarness(rps float64, burst int) harness {
	cat, err := phase.NewCatalog(map[string][]string{"fun": {"f0", "f1"}, "sensual": {"s0"}, "daring": {"d0"}})
	if err != nil {
		panic(err)
	}
	svc := service.New(service.WithRules(phase.Rules{Catalog: cat, Picker: phase.NewRandPicker(1), MatchSelection: true}))
	if err := svc.Start(context.Background()); err != nil {
		panic(err)
	}
	id := api.NewIdentity(secret)
	mux := http.NewServeMux()
	api.NewServer(svc, svc, id, api.NewRateLimiter(rps, burst)).Register(context.Background(), mux)
	return harness{mux: mux, identity: id, svc: svc}
}

func (h harness) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		tok, err := h.identity.Issue(user, time.Hour)
		if err != nil {
			panic(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, req)
	return w
}

func decode[T any](w *httptest.ResponseRecorder) T {
	var v T
	_ = json.NewDecoder(w.Body).Decode(&v)
	return v
}

type transition struct {
	Event    model.Event `json:"event"`
	Advanced bool        `json:"advanced"`
}

type apiError struct {
	Code string `json:"code"`
}

func (h harness) createStarted(users ...string) model.Event {
	w := h.do("POST", "/events", "host", map[string]string{"title": "Mixer", "location": "Bar", "starts_at": "2026-10-16T20:00:00Z"})
	So(w.Code, ShouldEqual, http.StatusCreated)
	ev := decode[model.Event](w)
	for _, u := range users {
		So(h.do("POST", "/events/"+ev.ID+"/participants", u, map[string]any{"display_name": "name-" + u}).Code, ShouldEqual, http.StatusOK)
	}
	So(h.do("POST", "/events/"+ev.ID+"/begin", "host", nil).Code, ShouldEqual, http.StatusOK)
	w = h.do("POST", "/events/"+ev.ID+"/start", "host", nil)
	So(w.Code, ShouldEqual, http.StatusOK)
	return decode[transition](w).Event
}

func TestEventRoutes(t *testing.T) {
	Convey("Given the API over a running service", t, func() {
		h := newHarness(1000, 1000)
		defer h.svc.Stop()

		Convey("Then health and stats respond", func() {
			So(h.do("GET", "/healthz", "", nil).Code, ShouldEqual, http.StatusOK)
			w := h.do("GET", "/stats", "", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode[map[string]any](w)["started"], ShouldEqual, true)
		})

		Convey("Then mutating without a token is unauthorized", func() {
			w := h.do("POST", "/events", "", map[string]string{"title": "x", "starts_at": "2026-10-16T20:00:00Z"})
			So(w.Code, ShouldEqual, http.StatusUnauthorized)
			So(decode[apiError](w).Code, ShouldEqual, "unauthorized")
		})

		Convey("Then a token signed with another secret is rejected", func() {
			tok, _ := api.NewIdentity("other").Issue("a", time.Hour)
			req := httptest.NewRequest("POST", "/events", strings.NewReader(`{}`))
			req.Header.Set("Authorization", "Bearer "+tok)
			w := httptest.NewRecorder()
			h.mux.ServeHTTP(w, req)
			So(w.Code, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("Then a malformed event is a bad request", func() {
			w := h.do("POST", "/events", "host", map[string]string{"title": "x", "starts_at": "tomorrow"})
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Then an unknown event is not found", func() {
			So(h.do("GET", "/events/missing", "", nil).Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When an event is running its first question", func() {
			ev := h.createStarted("a", "b")
			So(ev.Phase, ShouldEqual, model.PhaseQuestions)

			Convey("Then reading it restores the same row", func() {
				w := h.do("GET", "/events/"+ev.ID, "", nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decode[model.Event](w).Version, ShouldEqual, ev.Version)
			})

			Convey("Then the roster lists both participants", func() {
				ps := decode[[]model.Participant](h.do("GET", "/events/"+ev.ID+"/participants", "", nil))
				So(len(ps), ShouldEqual, 2)
				So(ps[0].CheckedIn, ShouldBeTrue)
			})

			Convey("Then advancing twice from the same position commits once", func() {
				first := decode[transition](h.do("POST", "/events/"+ev.ID+"/advance", "a", ev.Position()))
				second := decode[transition](h.do("POST", "/events/"+ev.ID+"/advance", "b", ev.Position()))
				So(first.Advanced, ShouldBeTrue)
				So(*first.Event.QuestionIndex, ShouldEqual, 1)
				So(second.Advanced, ShouldBeFalse)
				So(second.Event.Version, ShouldEqual, first.Event.Version)
			})

			Convey("Then the caller can mark the question answered", func() {
				w := h.do("POST", "/events/"+ev.ID+"/answered", "a", ev.Position())
				So(w.Code, ShouldEqual, http.StatusOK)
				got := decode[transition](w)
				So(got.Advanced, ShouldBeTrue)
				So(got.Event.AnsweredUsers, ShouldResemble, []string{"a"})
			})

			Convey("Then an answer for a passed question is dropped", func() {
				So(h.do("POST", "/events/"+ev.ID+"/advance", "b", ev.Position()).Code, ShouldEqual, http.StatusOK)
				w := h.do("POST", "/events/"+ev.ID+"/answered", "a", ev.Position())
				So(w.Code, ShouldEqual, http.StatusOK)
				got := decode[transition](w)
				So(got.Advanced, ShouldBeFalse)
				So(*got.Event.QuestionIndex, ShouldEqual, 1)
				So(got.Event.AnsweredUsers, ShouldBeEmpty)
			})

			Convey("Then an answer without a position is a bad request", func() {
				So(h.do("POST", "/events/"+ev.ID+"/answered", "a", nil).Code, ShouldEqual, http.StatusBadRequest)
			})

			Convey("Then voting outside match selection is invalid", func() {
				w := h.do("POST", "/events/"+ev.ID+"/votes", "a", map[string]any{"level": "fun", "selected_user_id": "b"})
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode[apiError](w).Code, ShouldEqual, "invalid_vote")
			})

			Convey("Then beginning again is a no-op", func() {
				w := h.do("POST", "/events/"+ev.ID+"/begin", "host", nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decode[transition](w).Advanced, ShouldBeFalse)
			})
		})

		Convey("When the fun level reaches match selection", func() {
			ev := h.createStarted("a", "b", "c")
			ev = decode[transition](h.do("POST", "/events/"+ev.ID+"/advance", "a", ev.Position())).Event
			ev = decode[transition](h.do("POST", "/events/"+ev.ID+"/advance", "a", ev.Position())).Event
			So(ev.Phase, ShouldEqual, model.PhaseMatchSelection)
			base := "/events/" + ev.ID

			So(h.do("POST", base+"/votes", "a", map[string]any{"level": "fun", "selected_user_id": "b"}).Code, ShouldEqual, http.StatusCreated)

			Convey("Then matches are pending until everyone voted", func() {
				w := h.do("GET", base+"/matches?level=fun", "", nil)
				So(w.Code, ShouldEqual, http.StatusAccepted)
			})

			Convey("Then a second vote is locked out", func() {
				w := h.do("POST", base+"/votes", "a", map[string]any{"level": "fun", "selected_user_id": "c"})
				So(w.Code, ShouldEqual, http.StatusConflict)
				So(decode[apiError](w).Code, ShouldEqual, "choice_locked")
			})

			Convey("When the others vote", func() {
				So(h.do("POST", base+"/votes", "b", map[string]any{"level": "fun", "selected_user_id": "a"}).Code, ShouldEqual, http.StatusCreated)
				So(h.do("POST", base+"/votes", "c", map[string]any{"level": "fun", "selected_user_id": nil}).Code, ShouldEqual, http.StatusCreated)

				Convey("Then the pair and each outcome are reported", func() {
					w := h.do("GET", base+"/matches?level=fun", "", nil)
					So(w.Code, ShouldEqual, http.StatusOK)
					body := decode[struct {
						Pairs []model.Pair `json:"pairs"`
					}](w)
					So(body.Pairs, ShouldResemble, []model.Pair{{A: "a", B: "b"}})

					out := decode[map[string]any](h.do("GET", base+"/outcome?level=fun", "a", nil))
					So(out["matched"], ShouldEqual, true)
					So(out["level"], ShouldEqual, "fun")
					So(out["message"], ShouldEqual, "matched with name-b")
					So(out["auto_advance_ms"], ShouldEqual, float64(5000))

					out = decode[map[string]any](h.do("GET", base+"/outcome?level=fun", "c", nil))
					So(out["matched"], ShouldEqual, false)
					So(out["auto_advance_ms"], ShouldEqual, float64(2000))
				})

				Convey("Then continuing opens the sensual level", func() {
					w := h.do("POST", base+"/continue", "a", ev.Position())
					So(w.Code, ShouldEqual, http.StatusOK)
					So(*decode[transition](w).Event.Level, ShouldEqual, model.LevelSensual)
				})
			})

			Convey("Then an unknown level is a bad request", func() {
				So(h.do("GET", base+"/matches?level=spicy", "", nil).Code, ShouldEqual, http.StatusBadRequest)
			})
		})
	})
}

func TestRateLimit(t *testing.T) {
	Convey("Given a limiter allowing a burst of two", t, func() {
		h := newHarness(0.001, 2)
		defer h.svc.Stop()
		body := map[string]string{"title": "x", "starts_at": "2026-10-16T20:00:00Z"}

		Convey("Then the third write from one user is throttled", func() {
			So(h.do("POST", "/events", "a", body).Code, ShouldEqual, http.StatusCreated)
			So(h.do("POST", "/events", "a", body).Code, ShouldEqual, http.StatusCreated)
			w := h.do("POST", "/events", "a", body)
			So(w.Code, ShouldEqual, http.StatusTooManyRequests)
			So(decode[apiError](w).Code, ShouldEqual, "rate_limited")

			Convey("And another user keeps their own budget", func() {
				So(h.do("POST", "/events", "b", body).Code, ShouldEqual, http.StatusCreated)
			})
		})
	})
}

func TestLive(t *testing.T) {
	Convey("Given a device connected to the live endpoint", t, func() {
		h := newHarness(1000, 1000)
		defer h.svc.Stop()
		ev := h.createStarted("a", "b")

		srv := httptest.NewServer(h.mux)
		defer srv.Close()
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/" + ev.ID + "/live"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		So(err, ShouldBeNil)
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

		Convey("Then the current row arrives first", func() {
			var got model.Event
			So(conn.ReadJSON(&got), ShouldBeNil)
			So(got.Version, ShouldEqual, ev.Version)

			Convey("And every later commit follows", func() {
				next := decode[transition](h.do("POST", "/events/"+ev.ID+"/advance", "a", ev.Position())).Event
				var pushed model.Event
				So(conn.ReadJSON(&pushed), ShouldBeNil)
				So(pushed.Version, ShouldEqual, next.Version)
				So(*pushed.QuestionIndex, ShouldEqual, 1)
			})
		})
	})
}

func TestErrorHelpers(t *testing.T) {
	Convey("Given a wrapped kind error", t, func() {
		cause := errors.New("eof")
		err := api.WrapKind("api.op", api.ErrBadRequest, cause)

		Convey("Then both the kind and the cause match", func() {
			So(errors.Is(err, api.ErrBadRequest), ShouldBeTrue)
			So(errors.Is(err, cause), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.op: bad request: eof")
			So(api.Wrap("op", nil), ShouldBeNil)
			So(errors.Is(api.NewKind("op", api.ErrRateLimited), api.ErrRateLimited), ShouldBeTrue)
		})
	})
}
