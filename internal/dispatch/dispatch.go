// Package dispatch fans one event out to an audience: it resolves the
// category, filters recipients by preference, suppresses repeats inside the
// dedup window and delivers to each remaining user in order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"golang.org/x/sync/singleflight"

	"storenotify/internal/apperr"
	"storenotify/internal/cache"
	"storenotify/internal/delivery"
	"storenotify/internal/eventbus"
	"storenotify/internal/guard"
	"storenotify/internal/model"
	logx "storenotify/pkg/logx"
)

type Stats struct {
	Sent            int `json:"sent"`
	Filtered        int `json:"filtered"`
	TotalCandidates int `json:"total_candidates"`
	Failed          int `json:"failed"`
	Deduped         int `json:"deduped"`
}

const EventCompleted = "dispatch.completed"

type Completed struct {
	Key   string
	Kind  model.EventKind
	Stats Stats
}

type CategoryResolver interface {
	Resolve(ctx context.Context, ref string) (model.Category, error)
}

type Preferences interface {
	IsEnabled(ctx context.Context, userID, categoryID string) (bool, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, userID string, ev model.Event) (delivery.Result, error)
}

// MarkStore persists suppression marks across restarts.
type MarkStore interface {
	PutMark(ctx context.Context, key string, until time.Time) error
	GetMark(ctx context.Context, key string) (time.Time, bool, error)
}

type Deps struct {
	Categories  CategoryResolver
	Preferences Preferences
	Delivery    Deliverer
	Marks       MarkStore
	Locker      guard.Locker
	Bus         eventbus.Bus
	Log         logx.Logger
}

type Config struct {
	DedupWindow     time.Duration
	DedupMaxEntries int
	// AlertHold is how long past expiry a reservation alert mark is kept.
	AlertHold time.Duration
}

type Coordinator struct {
	d      Deps
	window *cache.Window
	group  singleflight.Group
	now    func() time.Time

	alertHold time.Duration
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func New(cfg Config, d Deps, opts ...Option) *Coordinator {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Locker == nil {
		d.Locker = guard.NewLocal()
	}
	c := &Coordinator{d: d, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	c.window = cache.NewWindow(0, 0, cache.WithClock(func() time.Time { return c.now() }))
	c.Apply(cfg)
	return c
}

// Apply updates the dedup window (hot reload).
func (c *Coordinator) Apply(cfg Config) {
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 10000
	}
	if cfg.AlertHold <= 0 {
		cfg.AlertHold = 24 * time.Hour
	}
	c.window.Configure(cfg.DedupWindow, cfg.DedupMaxEntries)
	c.alertHold = cfg.AlertHold
}

// DispatchToAudience delivers ev to every selected user that has the event's
// category enabled. Only an audience resolution failure is returned as an
// error; an unknown category aborts with zero stats.
//
// Concurrent calls for the same event and audience share one fanout. The
// fanout is detached from every caller's ctx; a caller whose ctx ends stops
// waiting and gets ctx.Err() while the others still receive the stats.
func (c *Coordinator) DispatchToAudience(ctx context.Context, ev model.Event, sel Selector) (Stats, error) {
	if sel.Resolve == nil {
		return Stats{}, apperr.Newf(apperr.KindValidation, "dispatch.DispatchToAudience", "selector has no resolver")
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	flightKey := ev.DedupKey() + "\x00" + sel.Key
	res := c.group.DoChan(flightKey, func() (any, error) {
		return c.run(context.WithoutCancel(ctx), ev, sel)
	})
	select {
	case r := <-res:
		st, _ := r.Val.(Stats)
		if r.Shared {
			c.d.Log.Debug("dispatch coalesced", logx.String("key", ev.DedupKey()))
		}
		return st, r.Err
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, ev model.Event, sel Selector) (Stats, error) {
	var st Stats
	log := c.d.Log.With(logx.String("kind", string(ev.Kind)), logx.String("key", ev.DedupKey()))

	cat, err := c.d.Categories.Resolve(ctx, ev.Category)
	if err != nil {
		if apperr.Is(err, apperr.KindDataIntegrity) {
			log.Warn("dispatch dropped: category not resolvable", logx.String("category", ev.Category), logx.Err(err))
			return st, nil
		}
		return st, err
	}
	if !cat.IsActive {
		log.Warn("dispatch dropped: category inactive", logx.String("category", cat.Name))
		return st, nil
	}
	ev.Category = cat.Name
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = c.now()
	}

	ids, err := sel.Resolve(ctx)
	if err != nil {
		return st, fmt.Errorf("resolve audience %s: %w", sel.Key, err)
	}
	ids = uniqueIDs(ids)
	st.TotalCandidates = len(ids)

	for _, uid := range ids {
		on, err := c.d.Preferences.IsEnabled(ctx, uid, cat.ID)
		if err != nil {
			log.Warn("preference check failed", logx.String("user_id", uid), logx.Err(err))
			st.Failed++
			continue
		}
		if !on {
			st.Filtered++
			continue
		}
		key := recipientKey(uid, ev.DedupKey())
		if !c.allow(ctx, key) {
			st.Deduped++
			continue
		}
		res, err := c.d.Delivery.Deliver(ctx, uid, ev)
		switch {
		case err != nil:
			log.Warn("delivery failed", logx.String("user_id", uid), logx.Err(err))
			st.Failed++
			c.release(ctx, key)
		case res.Success:
			st.Sent++
		default:
			st.Failed++
			c.release(ctx, key)
		}
	}

	c.complete(ev, st)
	log.Info("dispatch finished",
		logx.Int("sent", st.Sent),
		logx.Int("filtered", st.Filtered),
		logx.Int("candidates", st.TotalCandidates),
		logx.Int("failed", st.Failed),
		logx.Int("deduped", st.Deduped),
	)
	return st, nil
}

func (c *Coordinator) complete(ev model.Event, st Stats) {
	if c.d.Bus == nil {
		return
	}
	c.d.Bus.Publish(eventbus.Event{Type: EventCompleted, Time: c.now(), Data: Completed{Key: ev.DedupKey(), Kind: ev.Kind, Stats: st}})
}

func recipientKey(userID, eventKey string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(eventKey))
	return fmt.Sprintf("dedup:%x", h.Sum64())
}

// allow checks memory, then the persisted mark, then opens a new window.
func (c *Coordinator) allow(ctx context.Context, key string) bool {
	if c.window.Duration() <= 0 {
		return true
	}
	if _, hit := c.window.Suppressed(key); hit {
		return false
	}
	if c.d.Marks != nil {
		mctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := c.d.Marks.GetMark(mctx, key)
		cancel()
		if err == nil && ok && c.now().Before(until) {
			c.window.Remember(key, until)
			return false
		}
	}
	until, ok := c.window.Allow(key)
	if !ok {
		return false
	}
	if c.d.Marks != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
		if err := c.d.Marks.PutMark(mctx, key, until); err != nil {
			c.d.Log.Debug("dedup mark not persisted", logx.Err(err))
		}
		cancel()
	}
	return true
}

// release reopens key after a failed delivery so a retry is not deduped.
func (c *Coordinator) release(ctx context.Context, key string) {
	if c.window.Duration() <= 0 {
		return
	}
	c.window.Forget(key)
	if c.d.Marks != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
		if err := c.d.Marks.PutMark(mctx, key, c.now()); err != nil {
			c.d.Log.Debug("dedup mark not cleared", logx.Err(err))
		}
		cancel()
	}
}

// ErrAlreadyAlerted reports a reservation whose alert was already sent.
var ErrAlreadyAlerted = errors.New("reservation already alerted")

func reservationAlertLock(id string) string { return "reservation-alert:" + id }

// DispatchReservationAlert notifies the holder of r that it expires soon.
// The alert mark is checked and written under a guard lock so concurrent
// sweeps alert at most once. The mark is only written once the holder was
// reached or has opted out; a failed delivery leaves the alert retryable.
func (c *Coordinator) DispatchReservationAlert(ctx context.Context, r model.Reservation, productName string) (Stats, error) {
	if r.ID == "" || r.UserID == "" {
		return Stats{}, apperr.Newf(apperr.KindValidation, "dispatch.ReservationAlert", "reservation id and user are required")
	}
	name := reservationAlertLock(r.ID)
	return guard.Do(ctx, c.d.Locker, name, func(ctx context.Context, _ model.LockTicket) (Stats, error) {
		if c.d.Marks != nil {
			until, ok, err := c.d.Marks.GetMark(ctx, name)
			if err != nil {
				return Stats{}, apperr.New(apperr.KindTransient, "dispatch.ReservationAlert", err)
			}
			if ok && c.now().Before(until) {
				return Stats{}, ErrAlreadyAlerted
			}
		}
		st, err := c.DispatchToAudience(ctx, reservationEvent(r, productName, c.now()), Users(r.UserID))
		if err != nil {
			return st, err
		}
		if c.d.Marks != nil && (st.Sent > 0 || st.Filtered > 0) {
			if err := c.d.Marks.PutMark(ctx, name, r.ExpiresAt.Add(c.alertHold)); err != nil {
				return st, apperr.New(apperr.KindTransient, "dispatch.ReservationAlert", err)
			}
		}
		return st, nil
	})
}

func reservationEvent(r model.Reservation, productName string, now time.Time) model.Event {
	left := r.ExpiresAt.Sub(now).Round(time.Minute)
	if left < 0 {
		left = 0
	}
	what := "Your reservation"
	if productName != "" {
		what = "Your reservation for " + productName
	}
	return model.Event{
		Kind:     model.EventReservationAlert,
		Key:      "reservation-alert:" + r.ID,
		Title:    "Reservation expiring soon",
		Body:     fmt.Sprintf("%s expires in %s.", what, left),
		Category: "reservations",
		Payload: map[string]any{
			"reservation_id": r.ID,
			"product_id":     r.ProductID,
			"expires_at":     r.ExpiresAt.UTC().Format(time.RFC3339),
		},
		CreatedAt: now,
	}
}
