package model_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	model "github.com/okian/icebreaker/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestEvent(t *testing.T) {
	convey.Convey("Given a new event", t, func() {
		ev := model.NewEvent("event-1", "Friday mixer", "Rooftop", time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC))

		convey.Convey("Then it starts in countdown with empty game fields", func() {
			convey.So(ev.Phase, convey.ShouldEqual, model.PhaseCountdown)
			convey.So(ev.Level, convey.ShouldBeNil)
			convey.So(ev.QuestionIndex, convey.ShouldBeNil)
			convey.So(ev.Question, convey.ShouldBeNil)
			convey.So(ev.StarterID, convey.ShouldBeNil)
			convey.So(ev.AnsweredUsers, convey.ShouldBeEmpty)
			convey.So(ev.Version, convey.ShouldEqual, int64(0))
		})

		convey.Convey("When it is serialized", func() {
			raw, err := json.Marshal(ev)
			convey.So(err, convey.ShouldBeNil)

			convey.Convey("Then the game fields use the row column names", func() {
				var m map[string]any
				convey.So(json.Unmarshal(raw, &m), convey.ShouldBeNil)
				convey.So(m["game_phase"], convey.ShouldEqual, "countdown")
				convey.So(m, convey.ShouldContainKey, "current_level")
				convey.So(m["current_level"], convey.ShouldBeNil)
				convey.So(m, convey.ShouldContainKey, "current_question_starter_id")
			})
		})

		convey.Convey("When it is cloned and the clone mutated", func() {
			ev.Level = model.Ptr(model.LevelFun)
			ev.AnsweredUsers = []string{"a"}
			cp := ev.Clone()
			*cp.Level = model.LevelDaring
			cp.AnsweredUsers[0] = "z"

			convey.Convey("Then the original is untouched", func() {
				convey.So(*ev.Level, convey.ShouldEqual, model.LevelFun)
				convey.So(ev.AnsweredUsers[0], convey.ShouldEqual, "a")
			})
		})
	})
}

func TestLevels(t *testing.T) {
	convey.Convey("Given the level order", t, func() {
		convey.Convey("Then fun leads to sensual and sensual to daring", func() {
			next, ok := model.LevelFun.Next()
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(next, convey.ShouldEqual, model.LevelSensual)

			next, ok = model.LevelSensual.Next()
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(next, convey.ShouldEqual, model.LevelDaring)
		})

		convey.Convey("Then daring is terminal", func() {
			_, ok := model.LevelDaring.Next()
			convey.So(ok, convey.ShouldBeFalse)
			convey.So(model.LevelDaring.IsLast(), convey.ShouldBeTrue)
			convey.So(model.LevelFun.IsLast(), convey.ShouldBeFalse)
		})

		convey.Convey("Then parsing rejects unknown values", func() {
			_, err := model.ParseLevel("spicy")
			convey.So(errors.Is(err, model.ErrUnknownValue), convey.ShouldBeTrue)

			l, err := model.ParseLevel("sensual")
			convey.So(err, convey.ShouldBeNil)
			convey.So(l.Rank(), convey.ShouldEqual, 1)
		})

		convey.Convey("Then the legacy roulette phase still parses", func() {
			p, err := model.ParsePhase("roulette")
			convey.So(err, convey.ShouldBeNil)
			convey.So(p, convey.ShouldEqual, model.PhaseRoulette)

			_, err = model.ParsePhase("lobby")
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestPatchApply(t *testing.T) {
	convey.Convey("Given a state in the middle of a round", t, func() {
		st := model.GameState{
			Phase:         model.PhaseQuestions,
			Level:         model.Ptr(model.LevelFun),
			QuestionIndex: model.Ptr(1),
			Question:      model.Ptr("q1"),
			StarterID:     model.Ptr("a"),
			AnsweredUsers: []string{"a"},
		}

		convey.Convey("When a zero patch is applied", func() {
			out := model.Patch{}.Apply(st)

			convey.Convey("Then nothing changes", func() {
				convey.So(model.Patch{}.IsZero(), convey.ShouldBeTrue)
				convey.So(out.Equal(st), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When a user is added twice to the answered set", func() {
			out := model.Patch{AddAnswered: "b"}.Apply(st)
			out = model.Patch{AddAnswered: "b"}.Apply(out)

			convey.Convey("Then the set holds them once", func() {
				convey.So(out.AnsweredUsers, convey.ShouldResemble, []string{"a", "b"})
				convey.So(st.AnsweredUsers, convey.ShouldResemble, []string{"a"})
			})
		})

		convey.Convey("When the round is cleared and the phase set", func() {
			out := model.Patch{ClearRound: true, Phase: model.Ptr(model.PhaseFree)}.Apply(st)

			convey.Convey("Then level and question fields are gone", func() {
				convey.So(out.Phase, convey.ShouldEqual, model.PhaseFree)
				convey.So(out.Level, convey.ShouldBeNil)
				convey.So(out.QuestionIndex, convey.ShouldBeNil)
				convey.So(out.Question, convey.ShouldBeNil)
				convey.So(out.StarterID, convey.ShouldBeNil)
				convey.So(out.AnsweredUsers, convey.ShouldBeEmpty)
			})
		})

		convey.Convey("When answered users are compared", func() {
			other := st.Clone()
			other.AnsweredUsers = []string{"a"}

			convey.Convey("Then order does not matter but membership does", func() {
				convey.So(st.Equal(other), convey.ShouldBeTrue)
				other.AnsweredUsers = []string{"b"}
				convey.So(st.Equal(other), convey.ShouldBeFalse)
			})
		})
	})
}

func TestPair(t *testing.T) {
	convey.Convey("Given two users", t, func() {
		p := model.NewPair("zoe", "adam")

		convey.Convey("Then the pair is normalized", func() {
			convey.So(p, convey.ShouldResemble, model.NewPair("adam", "zoe"))
			convey.So(p.A, convey.ShouldEqual, "adam")
		})

		convey.Convey("Then each member finds the other", func() {
			other, ok := p.Partner("zoe")
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(other, convey.ShouldEqual, "adam")
			_, ok = p.Partner("carl")
			convey.So(ok, convey.ShouldBeFalse)
		})
	})
}

func TestActiveParticipants(t *testing.T) {
	convey.Convey("Given a roster with one unconfirmed attendee", t, func() {
		roster := []model.Participant{
			{UserID: "a", CheckedIn: true},
			{UserID: "b"},
			{UserID: "c", CheckedIn: true},
		}

		convey.Convey("Then only checked-in attendees are active", func() {
			active := model.ActiveParticipants(roster)
			convey.So(len(active), convey.ShouldEqual, 2)
			convey.So(active[1].UserID, convey.ShouldEqual, "c")
		})
	})
}
