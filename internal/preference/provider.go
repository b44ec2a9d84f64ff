package preference

import (
	"context"
	"sort"
	"sync"
	"time"

	"storenotify/internal/model"
)

// Answer is a provider's view of one (user, category) pair.
// Explicit is false when the answer is the opt-in default.
type Answer struct {
	Enabled  bool
	Explicit bool
}

// Provider is one rank of the preference lookup chain. ok=false means the
// provider has no answer and the next rank is asked; err means the provider
// is unreachable and is skipped.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, userID, categoryID string) (a Answer, ok bool, err error)
}

// Store is the durable preference table.
type Store interface {
	GetPreference(ctx context.Context, userID, categoryID string) (model.Preference, bool, error)
	ListPreferences(ctx context.Context, userID string) ([]model.Preference, error)
	UpsertPreference(ctx context.Context, p model.Preference) (model.Preference, error)
}

// durableProvider answers authoritatively whenever the store is reachable.
type durableProvider struct{ st Store }

func (d durableProvider) Name() string { return "durable" }

func (d durableProvider) Lookup(ctx context.Context, userID, categoryID string) (Answer, bool, error) {
	p, found, err := d.st.GetPreference(ctx, userID, categoryID)
	if err != nil {
		return Answer{}, false, err
	}
	if !found {
		return Answer{Enabled: true}, true, nil
	}
	return Answer{Enabled: p.IsEnabled, Explicit: true}, true, nil
}

// Fallback keeps write intents that could not reach the durable store.
// Entries expire after ttl.
type Fallback struct {
	mu    sync.Mutex
	users map[string]map[string]fallbackEntry
	ttl   time.Duration
	now   func() time.Time
}

type fallbackEntry struct {
	enabled  bool
	recorded time.Time
}

func NewFallback(ttl time.Duration, now func() time.Time) *Fallback {
	if now == nil {
		now = time.Now
	}
	return &Fallback{users: map[string]map[string]fallbackEntry{}, ttl: ttl, now: now}
}

func (f *Fallback) Name() string { return "fallback" }

func (f *Fallback) Lookup(_ context.Context, userID, categoryID string) (Answer, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.users[userID][categoryID]
	if !ok || f.expiredLocked(e) {
		return Answer{}, false, nil
	}
	return Answer{Enabled: e.enabled, Explicit: true}, true, nil
}

func (f *Fallback) expiredLocked(e fallbackEntry) bool {
	return f.ttl > 0 && !f.now().Before(e.recorded.Add(f.ttl))
}

// Record stores a local write intent.
func (f *Fallback) Record(userID, categoryID string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.users[userID]
	if m == nil {
		m = map[string]fallbackEntry{}
		f.users[userID] = m
	}
	m[categoryID] = fallbackEntry{enabled: enabled, recorded: f.now()}
}

func (f *Fallback) Forget(userID, categoryID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.users[userID]; m != nil {
		delete(m, categoryID)
		if len(m) == 0 {
			delete(f.users, userID)
		}
	}
}

// DropUser discards every intent of userID.
func (f *Fallback) DropUser(userID string) {
	f.mu.Lock()
	delete(f.users, userID)
	f.mu.Unlock()
}

// List returns the user's live intents as preference rows.
func (f *Fallback) List(userID string) []model.Preference {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Preference, 0, len(f.users[userID]))
	for cat, e := range f.users[userID] {
		if f.expiredLocked(e) {
			continue
		}
		out = append(out, model.Preference{UserID: userID, CategoryID: cat, IsEnabled: e.enabled, UpdatedAt: e.recorded})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CategoryID < out[j].CategoryID })
	return out
}

func (f *Fallback) Pending(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users[userID])
}
