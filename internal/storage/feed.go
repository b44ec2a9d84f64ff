package storage

import (
	"context"
	"errors"
	"sync"

	"storenotify/internal/eventbus"
)

// ErrFeedClosed reports a subscription torn down by its source.
var ErrFeedClosed = errors.New("change feed closed")

// ChangeFeed opens live subscriptions to collaborator table changes.
type ChangeFeed interface {
	Open(ctx context.Context, f Filter) (FeedSubscription, error)
}

// FeedSubscription is one open subscription.
//
// Changes are delivered on Changes until the subscription ends. Done is
// closed when it ends; Err then reports why (nil after Close or ctx end).
type FeedSubscription interface {
	Changes() <-chan Change
	Done() <-chan struct{}
	Err() error
	Close()
}

// feedSub is the shared FeedSubscription plumbing.
type feedSub struct {
	changes chan Change
	done    chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
	stop func()
}

func newFeedSub(buffer int) *feedSub {
	if buffer <= 0 {
		buffer = 64
	}
	return &feedSub{changes: make(chan Change, buffer), done: make(chan struct{})}
}

func (s *feedSub) Changes() <-chan Change { return s.changes }
func (s *feedSub) Done() <-chan struct{}  { return s.done }

func (s *feedSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *feedSub) Close() { s.finish(nil) }

func (s *feedSub) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.stop != nil {
			s.stop()
		}
		close(s.done)
	})
}

// deliver forwards c unless the subscription ended first.
func (s *feedSub) deliver(ctx context.Context, c Change) bool {
	select {
	case s.changes <- c:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// BusFeed serves changes published by SQLStore writes on the event bus.
// It reads through a queued bus subscription, so a slow handler delays
// changes but never loses them.
type BusFeed struct {
	bus    eventbus.Bus
	buffer int
}

func NewBusFeed(bus eventbus.Bus) *BusFeed { return &BusFeed{bus: bus, buffer: 64} }

func (f *BusFeed) Open(ctx context.Context, filter Filter) (FeedSubscription, error) {
	if f == nil || f.bus == nil {
		return nil, errors.New("bus feed: no event bus")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := "change."
	if filter.Table != "" {
		prefix += filter.Table + "."
	}
	events, unsub := f.bus.SubscribeQueued(prefix)
	sub := newFeedSub(f.buffer)
	sub.stop = unsub

	go func() {
		for {
			select {
			case <-ctx.Done():
				sub.finish(nil)
				return
			case <-sub.done:
				return
			case ev, ok := <-events:
				if !ok {
					sub.finish(ErrFeedClosed)
					return
				}
				c, ok := ev.Data.(Change)
				if !ok || !filter.Match(c) {
					continue
				}
				if !sub.deliver(ctx, c) {
					sub.finish(nil)
					return
				}
			}
		}
	}()
	return sub, nil
}
