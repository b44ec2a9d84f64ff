package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"storenotify/internal/apperr"
	"storenotify/internal/category"
	"storenotify/internal/dispatch"
	"storenotify/internal/guard"
	"storenotify/internal/model"
	"storenotify/internal/storage"
	logx "storenotify/pkg/logx"
)

// Dispatcher is the dispatch coordinator subset the engine drives.
type Dispatcher interface {
	DispatchToAudience(ctx context.Context, ev model.Event, sel dispatch.Selector) (dispatch.Stats, error)
	DispatchReservationAlert(ctx context.Context, r model.Reservation, productName string) (dispatch.Stats, error)
}

// CategorySyncer mirrors store catalog categories.
type CategorySyncer interface {
	SyncStoreCategoriesToNotifications(ctx context.Context, storeID string) (category.SyncReport, error)
}

// Store is the storage subset the engine reads and maintains.
type Store interface {
	dispatch.KnownUserSource
	dispatch.SubscriberSource
	GetProduct(ctx context.Context, id string) (model.Product, bool, error)
	ListStoreCategories(ctx context.Context, storeID string) ([]model.StoreCategory, error)
	FindCategory(ctx context.Context, scopeStoreID *string, name string) (model.Category, bool, error)
	ReservationsExpiringBetween(ctx context.Context, from, to time.Time) ([]model.Reservation, error)
	DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PruneMarks(ctx context.Context, now time.Time) (int64, error)
}

type Config struct {
	ReservationSweep string
	AlertWindow      time.Duration
	RetentionSweep   string
	Retention        time.Duration
	CatalogSyncSweep string
	SyncStores       []string
}

// Sweep names.
const (
	SweepReservations = "reservation-alerts"
	SweepRetention    = "history-retention"
	SweepCatalogSync  = "catalog-sync"
)

const historyCleanupLock = "history-cleanup"

// Engine wires change handlers and sweeps to the dispatch coordinator.
type Engine struct {
	listener *Listener
	sched    *Scheduler
	d        Dispatcher
	sync     CategorySyncer
	store    Store
	locker   guard.Locker
	log      logx.Logger
	now      func() time.Time

	mu     sync.Mutex
	cfg    Config
	unsubs []func()
}

type EngineDeps struct {
	Listener *Listener
	Sched    *Scheduler
	Dispatch Dispatcher
	Sync     CategorySyncer
	Store    Store
	Locker   guard.Locker
	Log      logx.Logger
	Now      func() time.Time
}

func NewEngine(cfg Config, d EngineDeps) *Engine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Locker == nil {
		d.Locker = guard.NewLocal()
	}
	return &Engine{
		listener: d.Listener,
		sched:    d.Sched,
		d:        d.Dispatch,
		sync:     d.Sync,
		store:    d.Store,
		locker:   d.Locker,
		log:      d.Log,
		now:      d.Now,
		cfg:      normalize(cfg),
	}
}

func normalize(cfg Config) Config {
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = 30 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 720 * time.Hour
	}
	cfg.SyncStores = append([]string(nil), cfg.SyncStores...)
	return cfg
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Start subscribes the change handlers and schedules the sweeps.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.listener != nil && len(e.unsubs) == 0 {
		e.unsubs = append(e.unsubs,
			e.listener.Listen(storage.TableProducts, Ops(storage.OpInsert, storage.OpUpdate), e.HandleProductChange),
			e.listener.Listen(storage.TableReservations, Ops(storage.OpInsert, storage.OpUpdate), e.HandleReservationChange),
			e.listener.Listen(storage.TableStoreCategories, Ops(storage.OpInsert, storage.OpUpdate), e.HandleStoreCategoryChange),
		)
	}
	e.mu.Unlock()
	if e.sched == nil {
		return nil
	}
	if err := e.sched.Set(e.sweeps()); err != nil {
		return err
	}
	e.sched.Start()
	return nil
}

// Apply reschedules the sweeps with a reloaded config.
func (e *Engine) Apply(cfg Config) error {
	e.mu.Lock()
	e.cfg = normalize(cfg)
	e.mu.Unlock()
	if e.sched == nil {
		return nil
	}
	return e.sched.Set(e.sweeps())
}

func (e *Engine) sweeps() []Sweep {
	cfg := e.config()
	return []Sweep{
		{Name: SweepReservations, Spec: cfg.ReservationSweep, Timeout: time.Minute, Run: func(ctx context.Context) error {
			_, err := e.SweepReservations(ctx)
			return err
		}},
		{Name: SweepRetention, Spec: cfg.RetentionSweep, Timeout: 10 * time.Minute, Run: func(ctx context.Context) error {
			_, err := e.SweepRetention(ctx)
			return err
		}},
		{Name: SweepCatalogSync, Spec: cfg.CatalogSyncSweep, Timeout: 5 * time.Minute, Run: e.SweepCatalogSync},
	}
}

// Close unsubscribes every handler and stops the scheduler.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	var errs []error
	if e.sched != nil {
		errs = append(errs, e.sched.Stop(ctx))
	}
	if e.listener != nil {
		errs = append(errs, e.listener.Close(ctx))
	}
	return errors.Join(errs...)
}

func decodeRow(c storage.Change, dst any) error {
	if len(c.New) == 0 {
		return apperr.Newf(apperr.KindDataIntegrity, "trigger.decode", "%s %s change without row", c.Table, c.Op)
	}
	if err := json.Unmarshal(c.New, dst); err != nil {
		return apperr.New(apperr.KindDataIntegrity, "trigger.decode", err)
	}
	return nil
}

// HandleProductChange maps product inserts to new_product and price
// decreases to price_drop. New products go to every known user; price drops
// go to users with an active push subscription for the product's category or
// for all categories.
func (e *Engine) HandleProductChange(ctx context.Context, c storage.Change) error {
	var p model.Product
	if err := decodeRow(c, &p); err != nil {
		return err
	}
	if p.ID == "" {
		return apperr.Newf(apperr.KindDataIntegrity, "trigger.product", "product row without id")
	}
	var ev model.Event
	switch c.Op {
	case storage.OpInsert:
		ev = newProductEvent(p)
	case storage.OpUpdate:
		if p.PreviousPrice <= 0 || p.Price >= p.PreviousPrice {
			return nil
		}
		ev = priceDropEvent(p)
	default:
		return nil
	}
	ev.Category = e.productCategory(ctx, p)
	ev.CreatedAt = e.now()
	sel := dispatch.KnownUsers(e.store)
	if ev.Kind == model.EventPriceDrop {
		sel = dispatch.ActiveSubscribers(e.store, ev.Category)
	}
	_, err := e.d.DispatchToAudience(ctx, ev, sel)
	return err
}

// productCategory maps the product's catalog category to the store-scoped
// notification category of the same name. Unknown ids are passed through
// and rejected by category resolution.
func (e *Engine) productCategory(ctx context.Context, p model.Product) string {
	if p.CategoryID == "" || p.StoreID == "" {
		return p.CategoryID
	}
	items, err := e.store.ListStoreCategories(ctx, p.StoreID)
	if err != nil {
		e.log.Debug("store categories unavailable", logx.String("store_id", p.StoreID), logx.Err(err))
		return p.CategoryID
	}
	for _, it := range items {
		if it.ID != p.CategoryID {
			continue
		}
		scope := p.StoreID
		cat, ok, err := e.store.FindCategory(ctx, &scope, strings.TrimSpace(it.Name))
		if err == nil && ok {
			return cat.ID
		}
		break
	}
	return p.CategoryID
}

func newProductEvent(p model.Product) model.Event {
	return model.Event{
		Kind:      model.EventNewProduct,
		Key:       "new-product:" + p.ID,
		Title:     "New: " + p.Name,
		Body:      fmt.Sprintf("%s is now available for %.2f.", p.Name, p.Price),
		TargetURL: "/products/" + p.ID,
		Payload:   map[string]any{"product_id": p.ID, "store_id": p.StoreID, "price": p.Price},
	}
}

func priceDropEvent(p model.Product) model.Event {
	return model.Event{
		Kind:      model.EventPriceDrop,
		Key:       fmt.Sprintf("price-drop:%s:%.2f", p.ID, p.Price),
		Title:     "Price drop: " + p.Name,
		Body:      fmt.Sprintf("Now %.2f (was %.2f).", p.Price, p.PreviousPrice),
		TargetURL: "/products/" + p.ID,
		Payload: map[string]any{
			"product_id":     p.ID,
			"store_id":       p.StoreID,
			"price":          p.Price,
			"previous_price": p.PreviousPrice,
		},
	}
}

// HandleReservationChange alerts immediately when a reservation is written
// already inside the alert window.
func (e *Engine) HandleReservationChange(ctx context.Context, c storage.Change) error {
	var row storage.ReservationRow
	if err := decodeRow(c, &row); err != nil {
		return err
	}
	r := row.Model()
	now := e.now()
	if r.Status != "active" || !r.ExpiresAt.After(now) || r.ExpiresAt.After(now.Add(e.config().AlertWindow)) {
		return nil
	}
	_, err := e.alert(ctx, r)
	return err
}

// alert reports whether a new alert went out; repeats are not errors.
func (e *Engine) alert(ctx context.Context, r model.Reservation) (bool, error) {
	name := ""
	if p, ok, err := e.store.GetProduct(ctx, r.ProductID); err == nil && ok {
		name = p.Name
	}
	_, err := e.d.DispatchReservationAlert(ctx, r, name)
	switch {
	case errors.Is(err, dispatch.ErrAlreadyAlerted):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// HandleStoreCategoryChange mirrors a store's catalog categories.
func (e *Engine) HandleStoreCategoryChange(ctx context.Context, c storage.Change) error {
	var sc model.StoreCategory
	if err := decodeRow(c, &sc); err != nil {
		return err
	}
	if sc.StoreID == "" {
		return apperr.Newf(apperr.KindDataIntegrity, "trigger.store_category", "row without store id")
	}
	_, err := e.sync.SyncStoreCategoriesToNotifications(ctx, sc.StoreID)
	return err
}

// SweepReservations alerts every active reservation expiring inside the
// alert window. It returns how many alerts were dispatched.
func (e *Engine) SweepReservations(ctx context.Context) (int, error) {
	now := e.now()
	rs, err := e.store.ReservationsExpiringBetween(ctx, now, now.Add(e.config().AlertWindow))
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, r := range rs {
		if ctx.Err() != nil {
			break
		}
		sent, err := e.alert(ctx, r)
		switch {
		case err == nil:
			if sent {
				n++
			}
		case apperr.Is(err, apperr.KindLockTimeout):
			e.log.Warn("reservation alert skipped: lock busy", logx.String("reservation_id", r.ID))
		default:
			errs = append(errs, fmt.Errorf("reservation %s: %w", r.ID, err))
		}
	}
	return n, errors.Join(errs...)
}

// SweepRetention deletes history older than the retention period and
// expired suppression marks, serialized across instances.
func (e *Engine) SweepRetention(ctx context.Context) (int64, error) {
	return guard.Do(ctx, e.locker, historyCleanupLock, func(ctx context.Context, _ model.LockTicket) (int64, error) {
		now := e.now()
		n, err := e.store.DeleteRecordsBefore(ctx, now.Add(-e.config().Retention))
		if err != nil {
			return 0, err
		}
		marks, err := e.store.PruneMarks(ctx, now)
		if err != nil {
			return n, err
		}
		e.log.Info("history retention applied", logx.Int64("records", n), logx.Int64("marks", marks))
		return n, nil
	})
}

// SweepCatalogSync syncs every configured store.
func (e *Engine) SweepCatalogSync(ctx context.Context) error {
	var errs []error
	for _, id := range e.config().SyncStores {
		if _, err := e.sync.SyncStoreCategoriesToNotifications(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("store %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
