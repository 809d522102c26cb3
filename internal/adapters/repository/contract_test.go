package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/icebreaker/internal/adapters/repository"
	"github.com/okian/icebreaker/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

var eventSeq int64

// newEventID keeps ids unique across goconvey re-runs and shared databases.
func newEventID() string {
	eventSeq++
	return fmt.Sprintf("ev-%d-%d", time.Now().UnixNano(), eventSeq)
}

// storeContract exercises behavior every Store implementation must share.
func storeContract(t *testing.T, newStore func() repository.Store) {
	Convey("Given a store with one event", t, func() {
		ctx := context.Background()
		s := newStore()
		id := newEventID()
		created, err := s.CreateEvent(ctx, model.NewEvent(id, "Mixer", "Bar", time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC)))
		So(err, ShouldBeNil)

		Convey("Then it reads back in countdown at version 1", func() {
			So(created.Version, ShouldEqual, int64(1))
			got, err := s.Get(ctx, id)
			So(err, ShouldBeNil)
			So(got.Phase, ShouldEqual, model.PhaseCountdown)
			So(got.Title, ShouldEqual, "Mixer")
			So(got.AnsweredUsers, ShouldBeEmpty)
		})

		Convey("Then an unknown event is not found", func() {
			_, err := s.Get(ctx, "missing-"+id)
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			_, err = s.Update(ctx, "missing-"+id, model.Patch{}, nil)
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("Then creating it again is rejected", func() {
			_, err := s.CreateEvent(ctx, model.NewEvent(id, "Mixer", "Bar", time.Now()))
			So(errors.Is(err, repository.ErrInvalidEvent), ShouldBeTrue)
		})

		Convey("When a patch is applied with a matching precondition", func() {
			got, err := s.Update(ctx, id, model.Patch{
				Phase:         model.Ptr(model.PhaseQuestions),
				Level:         model.Ptr(model.LevelFun),
				QuestionIndex: model.Ptr(0),
				Question:      model.Ptr("q0"),
				StarterID:     model.Ptr("a"),
			}, &repository.Precondition{Version: 1})

			Convey("Then the row changes and the version moves", func() {
				So(err, ShouldBeNil)
				So(got.Version, ShouldEqual, int64(2))
				So(*got.Level, ShouldEqual, model.LevelFun)

				again, err := s.Get(ctx, id)
				So(err, ShouldBeNil)
				So(again.GameState.Equal(got.GameState), ShouldBeTrue)
				So(again.Version, ShouldEqual, int64(2))
			})

			Convey("Then a writer holding the old version is stale", func() {
				_, err := s.Update(ctx, id, model.Patch{QuestionIndex: model.Ptr(1)}, &repository.Precondition{Version: 1})
				So(errors.Is(err, repository.ErrStaleWrite), ShouldBeTrue)

				cur, _ := s.Get(ctx, id)
				So(*cur.QuestionIndex, ShouldEqual, 0)
			})

			Convey("Then a writer without precondition wins", func() {
				got, err := s.Update(ctx, id, model.Patch{AddAnswered: "b"}, nil)
				So(err, ShouldBeNil)
				So(got.AnsweredUsers, ShouldResemble, []string{"b"})
				So(got.Version, ShouldEqual, int64(3))
			})
		})

		Convey("When two writers race with the same precondition", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins, stale := 0, 0
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.Update(ctx, id, model.Patch{StarterID: model.Ptr(fmt.Sprint(i))}, &repository.Precondition{Version: 1})
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						wins++
					} else if errors.Is(err, repository.ErrStaleWrite) {
						stale++
					}
				}(i)
			}
			wg.Wait()

			Convey("Then exactly one commits", func() {
				So(wins, ShouldEqual, 1)
				So(stale, ShouldEqual, 1)
			})
		})

		Convey("When participant D votes twice for the same level", func() {
			first := model.Vote{EventID: id, Level: model.LevelFun, FromUserID: "D", SelectedUserID: model.Ptr("A")}
			second := model.Vote{EventID: id, Level: model.LevelFun, FromUserID: "D", SelectedUserID: model.Ptr("B")}
			err1 := s.InsertVote(ctx, first)
			err2 := s.InsertVote(ctx, second)

			Convey("Then the second is a duplicate and the first is kept", func() {
				So(err1, ShouldBeNil)
				So(errors.Is(err2, repository.ErrDuplicateVote), ShouldBeTrue)

				votes, err := s.ListVotes(ctx, id, model.LevelFun)
				So(err, ShouldBeNil)
				So(len(votes), ShouldEqual, 1)
				So(*votes[0].SelectedUserID, ShouldEqual, "A")
			})

			Convey("Then the same voter may vote on another level", func() {
				So(s.InsertVote(ctx, model.Vote{EventID: id, Level: model.LevelSensual, FromUserID: "D"}), ShouldBeNil)
				votes, _ := s.ListVotes(ctx, id, model.LevelSensual)
				So(len(votes), ShouldEqual, 1)
				So(votes[0].SelectedUserID, ShouldBeNil)
			})
		})

		Convey("When many goroutines insert the same vote", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			ok := 0
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					err := s.InsertVote(ctx, model.Vote{EventID: id, Level: model.LevelDaring, FromUserID: "X", SelectedUserID: model.Ptr(fmt.Sprint(i))})
					if err == nil {
						mu.Lock()
						ok++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			Convey("Then at most one succeeds", func() {
				So(ok, ShouldEqual, 1)
			})
		})

		Convey("When participants check in", func() {
			So(s.UpsertParticipant(ctx, model.Participant{EventID: id, UserID: "a", DisplayName: "Ann", CheckedIn: true}), ShouldBeNil)
			So(s.UpsertParticipant(ctx, model.Participant{EventID: id, UserID: "b", DisplayName: "Ben"}), ShouldBeNil)
			So(s.UpsertParticipant(ctx, model.Participant{EventID: id, UserID: "b", DisplayName: "Ben", CheckedIn: true, Presented: true}), ShouldBeNil)

			Convey("Then the roster lists each once with the latest flags", func() {
				ps, err := s.ListParticipants(ctx, id)
				So(err, ShouldBeNil)
				So(len(ps), ShouldEqual, 2)
				So(ps[0].UserID, ShouldEqual, "a")
				So(ps[1].Presented, ShouldBeTrue)
				So(len(model.ActiveParticipants(ps)), ShouldEqual, 2)
			})

			Convey("Then an unknown event cannot be joined", func() {
				err := s.UpsertParticipant(ctx, model.Participant{EventID: "missing-" + id, UserID: "a"})
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("Then the store counts its events", func() {
			So(s.Count(ctx), ShouldBeGreaterThanOrEqualTo, 1)
		})
	})
}
