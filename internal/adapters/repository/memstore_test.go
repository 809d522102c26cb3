package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/okian/icebreaker/internal/adapters/repository"
	"github.com/okian/icebreaker/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, func() repository.Store { return repository.NewMemoryStore() })
}

func TestMemoryStoreIsolation(t *testing.T) {
	Convey("Given a memory store with a fixed clock", t, func() {
		ctx := context.Background()
		now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
		s := repository.NewMemoryStore(repository.WithClock(func() time.Time { return now }))
		ev, err := s.CreateEvent(ctx, model.NewEvent("e1", "t", "l", now))
		So(err, ShouldBeNil)

		Convey("Then timestamps come from the clock", func() {
			So(ev.UpdatedAt, ShouldEqual, now)
		})

		Convey("When a caller mutates a returned row", func() {
			ev.AnsweredUsers = append(ev.AnsweredUsers, "intruder")
			got, _ := s.Get(ctx, "e1")

			Convey("Then the stored row is unaffected", func() {
				So(got.AnsweredUsers, ShouldBeEmpty)
			})
		})

		Convey("When an event without id is created", func() {
			_, err := s.CreateEvent(ctx, model.Event{})

			Convey("Then it is rejected", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})
}
