package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"storenotify/internal/eventbus"
	"storenotify/internal/storage"
)

type fakeSub struct {
	ch   chan storage.Change
	done chan struct{}
	once sync.Once
	err  error
}

func (s *fakeSub) Changes() <-chan storage.Change { return s.ch }
func (s *fakeSub) Done() <-chan struct{}          { return s.done }
func (s *fakeSub) Err() error                     { return s.err }
func (s *fakeSub) Close()                         { s.kill(nil) }

func (s *fakeSub) kill(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

type fakeFeed struct {
	mu        sync.Mutex
	failFirst int
	opens     int
	subs      []*fakeSub
}

func (f *fakeFeed) Open(ctx context.Context, _ storage.Filter) (storage.FeedSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.opens <= f.failFirst {
		return nil, errors.New("connection refused")
	}
	s := &fakeSub{ch: make(chan storage.Change, 8), done: make(chan struct{})}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeFeed) current() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestListener(t *testing.T, feed storage.ChangeFeed, bus eventbus.Bus) *Listener {
	t.Helper()
	l := NewListener(context.Background(), feed, WithReconnectBackoff(2*time.Millisecond, 5*time.Millisecond), WithListenerBus(bus))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	return l
}

func TestListenerReconnectsThroughStates(t *testing.T) {
	bus := eventbus.New()
	states, unsub := bus.Subscribe(64, EventState)
	defer unsub()

	feed := &fakeFeed{failFirst: 1}
	l := newTestListener(t, feed, bus)
	var got atomic.Int32
	l.Listen(storage.TableProducts, nil, func(context.Context, storage.Change) error {
		got.Add(1)
		return nil
	})

	waitFor(t, "first subscription", func() bool { return feed.count() == 1 })
	feed.current().ch <- storage.Change{Table: storage.TableProducts, Op: storage.OpInsert}
	waitFor(t, "first change", func() bool { return got.Load() == 1 })

	// Drop the connection: the listener must come back on a new subscription.
	feed.current().kill(errors.New("connection reset"))
	waitFor(t, "resubscribe", func() bool { return feed.count() == 2 })
	feed.current().ch <- storage.Change{Table: storage.TableProducts, Op: storage.OpInsert}
	waitFor(t, "second change", func() bool { return got.Load() == 2 })

	var seq []State
	drain := time.After(200 * time.Millisecond)
collect:
	for {
		select {
		case e := <-states:
			seq = append(seq, e.Data.(StateChange).State)
		case <-drain:
			break collect
		}
	}
	want := []State{StateSubscribing, StateError, StateReconnecting, StateActive, StateError, StateReconnecting, StateActive}
	if len(seq) < len(want) {
		t.Fatalf("states = %v", seq)
	}
	for i, s := range want {
		if seq[i] != s {
			t.Fatalf("states = %v, want prefix %v", seq, want)
		}
	}
}

func TestUnsubscribeStopsHandler(t *testing.T) {
	feed := &fakeFeed{}
	l := newTestListener(t, feed, nil)
	var got atomic.Int32
	stop := l.Listen(storage.TableProducts, nil, func(context.Context, storage.Change) error {
		got.Add(1)
		return nil
	})
	waitFor(t, "subscription", func() bool { return feed.count() == 1 })
	sub := feed.current()

	stop()
	stop()
	select {
	case sub.ch <- storage.Change{Table: storage.TableProducts, Op: storage.OpInsert}:
	default:
	}
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 0 {
		t.Fatal("handler ran after unsubscribe")
	}
	waitFor(t, "feed closed", func() bool {
		select {
		case <-sub.done:
			return true
		default:
			return false
		}
	})
	if len(l.States()) != 0 {
		t.Fatalf("states = %v", l.States())
	}
}

func TestHandlerFailuresDoNotEndSubscription(t *testing.T) {
	feed := &fakeFeed{}
	l := newTestListener(t, feed, nil)
	var calls atomic.Int32
	l.Listen(storage.TableProducts, Ops(storage.OpInsert), func(_ context.Context, c storage.Change) error {
		n := calls.Add(1)
		switch n {
		case 1:
			panic("bad row")
		case 2:
			return errors.New("malformed")
		}
		return nil
	})
	waitFor(t, "subscription", func() bool { return feed.count() == 1 })
	sub := feed.current()
	sub.ch <- storage.Change{Table: storage.TableProducts, Op: storage.OpInsert}
	sub.ch <- storage.Change{Table: storage.TableProducts, Op: storage.OpDelete} // filtered
	sub.ch <- storage.Change{Table: storage.TableProducts, Op: storage.OpInsert}
	sub.ch <- storage.Change{Table: storage.TableProducts, Op: storage.OpInsert}
	waitFor(t, "three calls", func() bool { return calls.Load() == 3 })
	if feed.count() != 1 {
		t.Fatalf("handler failure caused a reconnect (%d subscriptions)", feed.count())
	}
}

func TestCloseEndsEverySubscription(t *testing.T) {
	feed := &fakeFeed{}
	l := NewListener(context.Background(), feed)
	l.Listen(storage.TableProducts, nil, func(context.Context, storage.Change) error { return nil })
	l.Listen(storage.TableReservations, nil, func(context.Context, storage.Change) error { return nil })
	waitFor(t, "subscriptions", func() bool { return feed.count() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, s := range feed.subs {
		select {
		case <-s.done:
		default:
			t.Fatalf("subscription %d still open", i)
		}
	}
	if c := l.Supervisor().Counters(); c.Active != 0 {
		t.Fatalf("goroutines still active: %+v", c)
	}
	if stop := l.Listen(storage.TableProducts, nil, func(context.Context, storage.Change) error { return nil }); stop == nil {
		t.Fatal("Listen after Close should return a no-op")
	}
}
