// Package trigger turns collaborator table changes and periodic sweeps into
// notification dispatches.
//
// Each Listen call owns one feed subscription that moves through
//
//	Subscribing -> Active -> (Error -> Reconnecting -> Active)* -> Unsubscribed
//
// Reconnects are run by the supervisor's restart loop with backoff. After
// the unsubscribe func (or Close) returns, the handler never runs again.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"storenotify/internal/eventbus"
	rtsup "storenotify/internal/runtime/supervisor"
	"storenotify/internal/storage"
	logx "storenotify/pkg/logx"
)

type State string

const (
	StateSubscribing  State = "subscribing"
	StateActive       State = "active"
	StateError        State = "error"
	StateReconnecting State = "reconnecting"
	StateUnsubscribed State = "unsubscribed"
)

// EventState is published on the bus at every transition.
const EventState = "trigger.state"

type StateChange struct {
	ID    uint64
	Table string
	State State
	Err   error
}

// Handler processes one change. Errors are logged; the change is dropped.
type Handler func(ctx context.Context, c storage.Change) error

// Predicate narrows the changes a handler sees. Nil accepts all.
type Predicate func(c storage.Change) bool

// Ops accepts the given operations.
func Ops(ops ...string) Predicate {
	f := storage.Filter{Ops: ops}
	return f.Match
}

type Listener struct {
	feed storage.ChangeFeed
	sup  *rtsup.Supervisor
	bus  eventbus.Bus
	log  logx.Logger

	reconnectMin time.Duration
	reconnectMax time.Duration

	seq    atomic.Uint64
	mu     sync.Mutex
	subs   map[uint64]*subscription
	closed bool
}

type ListenerOption func(*Listener)

func WithListenerLogger(l logx.Logger) ListenerOption { return func(li *Listener) { li.log = l } }
func WithListenerBus(b eventbus.Bus) ListenerOption   { return func(li *Listener) { li.bus = b } }

// WithReconnectBackoff bounds the wait between reconnect attempts.
func WithReconnectBackoff(min, max time.Duration) ListenerOption {
	return func(li *Listener) { li.reconnectMin, li.reconnectMax = min, max }
}

func NewListener(parent context.Context, feed storage.ChangeFeed, opts ...ListenerOption) *Listener {
	l := &Listener{
		feed:         feed,
		log:          logx.Nop(),
		reconnectMin: 500 * time.Millisecond,
		reconnectMax: 30 * time.Second,
		subs:         map[uint64]*subscription{},
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	l.sup = rtsup.New(parent,
		rtsup.WithLogger(l.log.With(logx.String("comp", "trigger.listener"))),
		rtsup.WithCancelOnError(false),
	)
	return l
}

// Supervisor exposes the listener goroutines (health reporting).
func (l *Listener) Supervisor() *rtsup.Supervisor { return l.sup }

type subscription struct {
	id      uint64
	table   string
	filter  Predicate
	handler Handler
	l       *Listener
	ctx     context.Context
	cancel  context.CancelFunc

	// gate: handlers run under RLock; unsubscribe takes Lock.
	gate   sync.RWMutex
	closed bool

	smu   sync.Mutex
	state State
}

// Listen subscribes handler to changes of table. The returned func ends the
// subscription; it must not be called from inside handler.
func (l *Listener) Listen(table string, filter Predicate, handler Handler) (unsubscribe func()) {
	l.mu.Lock()
	if l.closed || handler == nil {
		l.mu.Unlock()
		return func() {}
	}
	ctx, cancel := context.WithCancel(l.sup.Context())
	s := &subscription{
		id:      l.seq.Add(1),
		table:   table,
		filter:  filter,
		handler: handler,
		l:       l,
		ctx:     ctx,
		cancel:  cancel,
	}
	l.subs[s.id] = s
	l.mu.Unlock()

	s.setState(StateSubscribing, nil)
	l.sup.GoRestart("trigger."+table+"."+strconv.FormatUint(s.id, 10), s.run,
		rtsup.WithRestartBackoff(l.reconnectMin, l.reconnectMax),
		rtsup.WithOnRestart(func(err error, wait time.Duration) {
			s.setState(StateReconnecting, err)
		}),
	)
	return func() { l.unsubscribe(s) }
}

func (l *Listener) unsubscribe(s *subscription) {
	// Cancel first so an in-flight handler can bail out before we wait on it.
	s.cancel()
	s.gate.Lock()
	already := s.closed
	s.closed = true
	s.gate.Unlock()
	if already {
		return
	}
	l.mu.Lock()
	delete(l.subs, s.id)
	l.mu.Unlock()
	s.setState(StateUnsubscribed, nil)
}

// States reports the current state of every live subscription by table.
func (l *Listener) States() map[string]State {
	l.mu.Lock()
	subs := make([]*subscription, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()
	out := make(map[string]State, len(subs))
	for _, s := range subs {
		out[fmt.Sprintf("%s#%d", s.table, s.id)] = s.State()
	}
	return out
}

// Close ends every subscription and waits for the feed goroutines.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	subs := make([]*subscription, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()
	for _, s := range subs {
		l.unsubscribe(s)
	}
	if err := l.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *subscription) State() State {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.state
}

func (s *subscription) setState(st State, err error) {
	s.smu.Lock()
	if s.state == StateUnsubscribed {
		s.smu.Unlock()
		return
	}
	s.state = st
	s.smu.Unlock()

	fields := []logx.Field{logx.String("table", s.table), logx.String("state", string(st))}
	if err != nil {
		fields = append(fields, logx.Err(err))
	}
	s.l.log.Debug("subscription state", fields...)
	if s.l.bus != nil {
		s.l.bus.Publish(eventbus.Event{Type: EventState, Data: StateChange{ID: s.id, Table: s.table, State: st, Err: err}})
	}
}

// run is one connection attempt. A nil return ends the subscription; an
// error asks the supervisor to reconnect.
func (s *subscription) run(context.Context) error {
	ctx := s.ctx
	if ctx.Err() != nil {
		return nil
	}
	fs, err := s.l.feed.Open(ctx, storage.Filter{Table: s.table})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(StateError, err)
		return err
	}
	defer fs.Close()
	s.setState(StateActive, nil)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fs.Done():
			if ctx.Err() != nil {
				return nil
			}
			err := fs.Err()
			if err == nil {
				err = storage.ErrFeedClosed
			}
			s.setState(StateError, err)
			return err
		case c := <-fs.Changes():
			if s.filter != nil && !s.filter(c) {
				continue
			}
			s.dispatch(ctx, c)
		}
	}
}

// dispatch runs the handler unless the subscription is closed. Panics and
// errors drop the change.
func (s *subscription) dispatch(ctx context.Context, c storage.Change) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.closed {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.l.log.Error("change handler panicked", logx.String("table", c.Table), logx.String("op", c.Op), logx.Any("panic", r))
		}
	}()
	if err := s.handler(ctx, c); err != nil {
		s.l.log.Warn("change dropped", logx.String("table", c.Table), logx.String("op", c.Op), logx.Err(err))
	}
}
