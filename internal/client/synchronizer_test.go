package client_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/icebreaker/internal/adapters/mq/feed"
	"github.com/okian/icebreaker/internal/adapters/repository"
	"github.com/okian/icebreaker/internal/client"
	"github.com/okian/icebreaker/internal/domain/match"
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

var errBoom = errors.New("boom")

func rules(seed int64) phase.Rules {
	cat, err := phase.NewCatalog(map[string][]string{
		"fun":     {"f0", "f1", "f2"},
		"sensual": {"s0"},
		"daring":  {"d0"},
	})
	if err != nil {
		panic(err)
	}
	return phase.Rules{Catalog: cat, Picker: phase.NewRandPicker(seed), MatchSelection: true}
}

// world is one shared backend: a store that publishes to a memory feed.
type world struct {
	store *repository.NotifyingStore
	feed  *feed.MemoryFeed
}

func newWorld(users ...string) world {
	ctx := context.Background()
	f := feed.NewMemoryFeed(feed.WithBufferSize(256))
	s := repository.NewNotifyingStore(repository.NewMemoryStore(), f, nil)
	if _, err := s.CreateEvent(ctx, model.NewEvent("ev", "t", "l", time.Time{})); err != nil {
		panic(err)
	}
	for _, u := range users {
		if err := s.UpsertParticipant(ctx, model.Participant{EventID: "ev", UserID: u, DisplayName: "name-" + u, CheckedIn: true}); err != nil {
			panic(err)
		}
	}
	return world{store: s, feed: f}
}

// at moves the row to a position directly, bypassing the rules.
func (w world) at(p model.Patch) model.Event {
	ev, err := w.store.Update(context.Background(), "ev", p, nil)
	if err != nil {
		panic(err)
	}
	return ev
}

func questionAt(level model.Level, i int) model.Patch {
	return model.Patch{
		Phase:         model.Ptr(model.PhaseQuestions),
		Level:         model.Ptr(level),
		QuestionIndex: model.Ptr(i),
		Question:      model.Ptr("q"),
		StarterID:     model.Ptr("a"),
		ResetAnswered: true,
	}
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

type failingBackend struct {
	repository.Store
}

func (failingBackend) Update(context.Context, string, model.Patch, *repository.Precondition) (model.Event, error) {
	return model.Event{}, errBoom
}

// racingBackend commits through race after its read and before returning,
// so the caller gets a row older than one the feed already delivered.
type racingBackend struct {
	*repository.NotifyingStore
	armed atomic.Bool
	race  func()
}

func (r *racingBackend) Get(ctx context.Context, eventID string) (model.Event, error) {
	ev, err := r.NotifyingStore.Get(ctx, eventID)
	if r.armed.CompareAndSwap(true, false) {
		r.race()
	}
	return ev, err
}

type lossySubscription struct {
	ch   chan model.Event
	once sync.Once
	err  error
}

func (l *lossySubscription) C() <-chan model.Event { return l.ch }
func (l *lossySubscription) Err() error             { return l.err }
func (l *lossySubscription) Unsubscribe()           { l.once.Do(func() { close(l.ch) }) }
func (l *lossySubscription) lose() {
	l.once.Do(func() {
		l.err = feed.ErrSubscriptionLost
		close(l.ch)
	})
}

type lossySubscriber struct {
	mu   sync.Mutex
	subs []*lossySubscription
}

func (l *lossySubscriber) Subscribe(context.Context, string) (feed.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &lossySubscription{ch: make(chan model.Event, 8)}
	l.subs = append(l.subs, s)
	return s, nil
}

func (l *lossySubscriber) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func TestRestoreAndReplay(t *testing.T) {
	Convey("Given a device entering an event mid-question", t, func() {
		ctx := context.Background()
		w := newWorld("a", "b")
		row := w.at(questionAt(model.LevelFun, 1))

		dev := client.New(w.store, w.feed, "ev", "a", client.WithRules(rules(1)))
		So(dev.Start(ctx), ShouldBeNil)
		defer dev.Stop()

		Convey("Then local state equals the stored row", func() {
			st := dev.State()
			So(st.Version, ShouldEqual, row.Version)
			So(st.GameState.Equal(row.GameState), ShouldBeTrue)
		})

		Convey("When an old row and a duplicate are delivered", func() {
			old := row
			old.Version = row.Version - 1
			old.GameState = model.GameState{Phase: model.PhaseReady, AnsweredUsers: []string{}}
			So(w.feed.Publish(ctx, old), ShouldBeNil)
			So(w.feed.Publish(ctx, row), ShouldBeNil)
			newer := w.at(model.Patch{AddAnswered: "b"})

			Convey("Then only the newer row changes local state", func() {
				So(eventually(func() bool { return dev.State().Version == newer.Version }), ShouldBeTrue)
				So(dev.State().Phase, ShouldEqual, model.PhaseQuestions)
				So(dev.State().AnsweredUsers, ShouldResemble, []string{"b"})
			})
		})
	})

	Convey("Given a restore whose read is overtaken by the feed", t, func() {
		ctx := context.Background()
		w := newWorld("a", "b")
		w.at(questionAt(model.LevelFun, 0))

		var dev *client.Synchronizer
		var newer model.Event
		backend := &racingBackend{NotifyingStore: w.store}
		backend.race = func() {
			newer = w.at(model.Patch{AddAnswered: "b"})
			eventually(func() bool { return dev.State().Version == newer.Version })
		}
		dev = client.New(backend, w.feed, "ev", "a", client.WithRules(rules(1)))
		So(dev.Start(ctx), ShouldBeNil)
		defer dev.Stop()

		Convey("When the stale read returns after the newer row was applied", func() {
			backend.armed.Store(true)
			So(dev.Restore(ctx), ShouldBeNil)

			Convey("Then the newer row is kept", func() {
				cur, _ := w.store.Get(ctx, "ev")
				So(cur.Version, ShouldEqual, newer.Version)
				So(dev.State().Version, ShouldEqual, cur.Version)
				So(dev.State().HasAnswered("b"), ShouldBeTrue)
			})
		})
	})
}

func TestOptimisticActions(t *testing.T) {
	Convey("Given a device on a question", t, func() {
		ctx := context.Background()
		w := newWorld("a", "b")
		before := w.at(questionAt(model.LevelFun, 0))

		Convey("When the write fails", func() {
			var seen []model.Event
			var mu sync.Mutex
			dev := client.New(failingBackend{w.store}, w.feed, "ev", "a",
				client.WithRules(rules(1)),
				client.WithChangeHandler(func(ev model.Event) {
					mu.Lock()
					seen = append(seen, ev)
					mu.Unlock()
				}),
			)
			So(dev.Restore(ctx), ShouldBeNil)
			advanced, err := dev.Advance(ctx)

			Convey("Then the optimistic step is rolled back and the error returned", func() {
				So(advanced, ShouldBeFalse)
				So(errors.Is(err, errBoom), ShouldBeTrue)
				So(dev.Pending(), ShouldBeFalse)
				So(dev.State().GameState.Equal(before.GameState), ShouldBeTrue)

				mu.Lock()
				defer mu.Unlock()
				So(len(seen), ShouldEqual, 3)
				So(*seen[1].QuestionIndex, ShouldEqual, 1)
				So(*seen[2].QuestionIndex, ShouldEqual, 0)
			})
		})

		Convey("When another device advanced first", func() {
			stale := client.New(w.store, w.feed, "ev", "b", client.WithRules(rules(2)))
			So(stale.Restore(ctx), ShouldBeNil)
			fresh := client.New(w.store, w.feed, "ev", "a", client.WithRules(rules(3)))
			So(fresh.Restore(ctx), ShouldBeNil)

			ok, err := fresh.Advance(ctx)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			ok, err = stale.Advance(ctx)

			Convey("Then the late device converges without advancing twice", func() {
				So(err, ShouldBeNil)
				So(ok, ShouldBeFalse)
				cur, _ := w.store.Get(ctx, "ev")
				So(*cur.QuestionIndex, ShouldEqual, 1)
				So(stale.State().Version, ShouldEqual, cur.Version)
			})
		})

		Convey("When an answer lands between read and write", func() {
			dev := client.New(w.store, w.feed, "ev", "a", client.WithRules(rules(1)))
			So(dev.Restore(ctx), ShouldBeNil)
			w.at(model.Patch{AddAnswered: "b"})
			ok, err := dev.Advance(ctx)

			Convey("Then the advance is retried on the fresh row", func() {
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				cur, _ := w.store.Get(ctx, "ev")
				So(*cur.QuestionIndex, ShouldEqual, 1)
			})
		})

		Convey("When two devices mark answered without seeing each other", func() {
			a := client.New(w.store, w.feed, "ev", "a")
			b := client.New(w.store, w.feed, "ev", "b")
			So(a.Restore(ctx), ShouldBeNil)
			So(b.Restore(ctx), ShouldBeNil)
			okA, errA := a.MarkAnswered(ctx)
			okB, errB := b.MarkAnswered(ctx)

			Convey("Then both answers are kept", func() {
				So(errA, ShouldBeNil)
				So(errB, ShouldBeNil)
				So(okA, ShouldBeTrue)
				So(okB, ShouldBeTrue)
				cur, _ := w.store.Get(ctx, "ev")
				So(cur.HasAnswered("a"), ShouldBeTrue)
				So(cur.HasAnswered("b"), ShouldBeTrue)
			})
		})

		Convey("When a device answers a question that already moved on", func() {
			dev := client.New(w.store, w.feed, "ev", "a", client.WithRules(rules(1)))
			So(dev.Restore(ctx), ShouldBeNil)
			w.at(questionAt(model.LevelFun, 1))
			ok, err := dev.MarkAnswered(ctx)

			Convey("Then the late answer is dropped and the device catches up", func() {
				So(err, ShouldBeNil)
				So(ok, ShouldBeFalse)
				cur, _ := w.store.Get(ctx, "ev")
				So(*cur.QuestionIndex, ShouldEqual, 1)
				So(cur.HasAnswered("a"), ShouldBeFalse)
				So(dev.State().Version, ShouldEqual, cur.Version)
				So(dev.State().HasAnswered("a"), ShouldBeFalse)
			})
		})

		Convey("Then actions before restore are refused", func() {
			dev := client.New(w.store, w.feed, "ev", "a")
			_, err := dev.Advance(ctx)
			So(errors.Is(err, client.ErrNotRestored), ShouldBeTrue)
		})
	})
}

func TestConvergence(t *testing.T) {
	Convey("Given four devices following one event", t, func() {
		ctx := context.Background()
		users := []string{"a", "b", "c", "d"}
		w := newWorld(users...)
		w.at(questionAt(model.LevelFun, 0))

		devs := make([]*client.Synchronizer, 0, len(users))
		for i, u := range users {
			d := client.New(w.store, w.feed, "ev", u, client.WithRules(rules(int64(i))))
			So(d.Start(ctx), ShouldBeNil)
			devs = append(devs, d)
		}
		defer func() {
			for _, d := range devs {
				d.Stop()
			}
		}()

		Convey("When every device races to advance twice", func() {
			for round := 0; round < 2; round++ {
				var wg sync.WaitGroup
				for _, d := range devs {
					wg.Add(1)
					go func(d *client.Synchronizer) {
						defer wg.Done()
						_, _ = d.Advance(ctx)
					}(d)
				}
				wg.Wait()
			}

			Convey("Then all devices settle on the stored row", func() {
				cur, err := w.store.Get(ctx, "ev")
				So(err, ShouldBeNil)
				So(eventually(func() bool {
					for _, d := range devs {
						st := d.State()
						if st.Version != cur.Version || !st.GameState.Equal(cur.GameState) {
							return false
						}
					}
					return true
				}), ShouldBeTrue)
			})
		})
	})
}

func TestMatchSelection(t *testing.T) {
	Convey("Given two devices in the fun level's match selection", t, func() {
		ctx := context.Background()
		w := newWorld("a", "b")
		w.at(questionAt(model.LevelFun, 0))
		w.at(model.Patch{Phase: model.Ptr(model.PhaseMatchSelection)})

		var outcomes sync.Map
		var calls atomic.Int32
		newDev := func(u string, seed int64) *client.Synchronizer {
			return client.New(w.store, w.feed, "ev", u,
				client.WithRules(rules(seed)),
				client.WithTimeUnit(5*time.Millisecond),
				client.WithPollInterval(10*time.Millisecond),
				client.WithOutcomeHandler(func(o match.Outcome) {
					calls.Add(1)
					outcomes.Store(u, o)
				}),
			)
		}
		a, b := newDev("a", 1), newDev("b", 2)
		So(a.Start(ctx), ShouldBeNil)
		So(b.Start(ctx), ShouldBeNil)
		defer a.Stop()
		defer b.Stop()

		Convey("When they choose each other", func() {
			So(a.Vote(ctx, model.Ptr("b")), ShouldBeNil)
			So(b.Vote(ctx, model.Ptr("a")), ShouldBeNil)

			Convey("Then each device sees its match exactly once", func() {
				So(eventually(func() bool { return calls.Load() == 2 }), ShouldBeTrue)
				got, _ := outcomes.Load("a")
				So(got.(match.Outcome).Message(), ShouldEqual, "matched with name-b")
				So(got.(match.Outcome).Delay, ShouldEqual, 25*time.Millisecond)
			})

			Convey("Then the auto-advance opens the next level", func() {
				So(eventually(func() bool {
					st := a.State()
					return st.Phase == model.PhaseQuestions && st.Level != nil && *st.Level == model.LevelSensual
				}), ShouldBeTrue)
				time.Sleep(50 * time.Millisecond)
				cur, _ := w.store.Get(ctx, "ev")
				So(*cur.Level, ShouldEqual, model.LevelSensual)
				So(calls.Load(), ShouldEqual, int32(2))
			})
		})

		Convey("When a device votes twice", func() {
			So(a.Vote(ctx, nil), ShouldBeNil)
			err := a.Vote(ctx, model.Ptr("b"))

			Convey("Then the first choice stays locked in", func() {
				So(errors.Is(err, repository.ErrDuplicateVote), ShouldBeTrue)
				So(a.HasVoted(model.LevelFun), ShouldBeTrue)
				votes, _ := w.store.ListVotes(ctx, "ev", model.LevelFun)
				So(len(votes), ShouldEqual, 1)
				So(votes[0].SelectedUserID, ShouldBeNil)
			})
		})
	})
}

func TestSubscriptionLost(t *testing.T) {
	Convey("Given a device whose subscription is lost", t, func() {
		ctx := context.Background()
		w := newWorld("a")
		w.at(questionAt(model.LevelFun, 0))
		subs := &lossySubscriber{}
		dev := client.New(w.store, subs, "ev", "a", client.WithResubscribeBackoff(time.Millisecond, 10*time.Millisecond))
		So(dev.Start(ctx), ShouldBeNil)
		defer dev.Stop()

		missed := w.at(questionAt(model.LevelFun, 2))
		subs.subs[0].lose()

		Convey("Then it resubscribes and restores what it missed", func() {
			So(eventually(func() bool { return subs.count() == 2 }), ShouldBeTrue)
			So(eventually(func() bool { return dev.State().Version == missed.Version }), ShouldBeTrue)
			So(*dev.State().QuestionIndex, ShouldEqual, 2)
		})
	})
}
