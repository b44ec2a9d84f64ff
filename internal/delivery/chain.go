// Package delivery sends one event to one user through an ordered chain of
// channels and always persists a history record afterwards.
//
// Chain order: remote push, local platform notification, in-app banner.
// The first channel that succeeds wins. A channel that is not applicable
// (no subscription, permission not granted) or fails falls through to the
// next one; a panicking channel is treated as failed. The record is written
// whether or not any channel fired.
package delivery

import (
	"context"
	"fmt"
	"time"

	"storenotify/internal/apperr"
	"storenotify/internal/eventbus"
	"storenotify/internal/model"
	logx "storenotify/pkg/logx"
)

// Channel is one step of the chain. Send returns nil when the user was
// reached, an apperr.KindPermission error when the channel does not apply,
// and any other error when the channel failed.
type Channel interface {
	Name() model.SourceChannel
	Send(ctx context.Context, userID string, ev model.Event) error
}

// Persister writes history records.
type Persister interface {
	InsertRecord(ctx context.Context, r model.Record) (model.Record, error)
}

type Result struct {
	Success     bool                `json:"success"`
	ChannelUsed model.SourceChannel `json:"channel_used"`
	RecordID    string              `json:"record_id,omitempty"`
}

// Bus event types.
const (
	EventSent      = "delivery.sent"
	EventFallback  = "delivery.fallback"
	EventPersisted = "delivery.persisted"
)

type Sent struct {
	UserID  string
	Channel model.SourceChannel
	Key     string
}

type Fallback struct {
	UserID  string
	Channel model.SourceChannel
	Err     error
}

type Persisted struct {
	UserID string
	Record model.Record
}

const persistTimeout = 5 * time.Second

type Chain struct {
	channels []Channel
	persist  Persister
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

type Option func(*Chain)

func WithBus(b eventbus.Bus) Option         { return func(c *Chain) { c.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(c *Chain) { c.log = l } }
func WithClock(now func() time.Time) Option { return func(c *Chain) { c.now = now } }
func WithChannels(chs ...Channel) Option {
	return func(c *Chain) { c.channels = append(c.channels, chs...) }
}

// NewChain builds a chain. Nil channels are skipped so disabled transports
// can be passed as-is.
func NewChain(persist Persister, opts ...Option) *Chain {
	c := &Chain{persist: persist, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	kept := c.channels[:0]
	for _, ch := range c.channels {
		if ch != nil {
			kept = append(kept, ch)
		}
	}
	c.channels = kept
	return c
}

// Channels returns the chain order (diagnostics).
func (c *Chain) Channels() []model.SourceChannel {
	out := make([]model.SourceChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch.Name())
	}
	return out
}

// Deliver runs the chain for userID. The returned error is only non-nil when
// the history record could not be written.
func (c *Chain) Deliver(ctx context.Context, userID string, ev model.Event) (res Result, err error) {
	res.ChannelUsed = model.SourceDatabase
	defer func() {
		rec, perr := c.persistRecord(ctx, userID, ev, res.ChannelUsed)
		if perr != nil {
			err = perr
			return
		}
		res.RecordID = rec.ID
	}()

	for _, ch := range c.channels {
		if ctx.Err() != nil {
			break
		}
		serr := c.try(ctx, ch, userID, ev)
		if serr == nil {
			res.Success = true
			res.ChannelUsed = ch.Name()
			c.publish(EventSent, Sent{UserID: userID, Channel: ch.Name(), Key: ev.DedupKey()})
			return res, nil
		}
		if apperr.Is(serr, apperr.KindPermission) {
			c.log.Debug("channel not applicable", logx.String("channel", string(ch.Name())), logx.String("user_id", userID), logx.Err(serr))
		} else {
			c.log.Warn("channel failed, falling through", logx.String("channel", string(ch.Name())), logx.String("user_id", userID), logx.Err(serr))
		}
		c.publish(EventFallback, Fallback{UserID: userID, Channel: ch.Name(), Err: serr})
	}
	return res, nil
}

// try isolates a channel: a panic becomes a transient error.
func (c *Chain) try(ctx context.Context, ch Channel, userID string, ev model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.KindTransient, "delivery."+string(ch.Name()), fmt.Errorf("panic: %v", r))
		}
	}()
	return ch.Send(ctx, userID, ev)
}

func (c *Chain) persistRecord(ctx context.Context, userID string, ev model.Event, used model.SourceChannel) (model.Record, error) {
	// The record is written even when the caller gave up.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	rec, err := c.persist.InsertRecord(pctx, model.Record{
		UserID:        userID,
		Title:         ev.Title,
		Message:       ev.Body,
		Category:      ev.Category,
		SourceChannel: used,
		CreatedAt:     c.now(),
	})
	if err != nil {
		c.log.Error("history persist failed", logx.String("user_id", userID), logx.Err(err))
		return model.Record{}, apperr.New(apperr.KindTransient, "delivery.persist", err)
	}
	c.publish(EventPersisted, Persisted{UserID: userID, Record: rec})
	return rec, nil
}

func (c *Chain) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
}
