package guard

import (
	"context"
	"sync"

	"storenotify/internal/model"
)

// Emulated is the in-process strategy. Locks are only exclusive within
// this process.
type Emulated struct {
	r *retrier

	mu   sync.Mutex
	held map[string]struct{}
}

func NewEmulated(opts Options) *Emulated {
	return &Emulated{r: newRetrier(opts), held: map[string]struct{}{}}
}

func (e *Emulated) WithLock(ctx context.Context, name string, fn func(ctx context.Context, t model.LockTicket) error) error {
	return e.r.run(ctx, "guard.Emulated.WithLock", name, func(ctx context.Context) (context.Context, func(), bool, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, busy := e.held[name]; busy {
			return nil, nil, false, nil
		}
		e.held[name] = struct{}{}
		return ctx, func() {
			e.mu.Lock()
			delete(e.held, name)
			e.mu.Unlock()
		}, true, nil
	}, fn)
}

// Held reports whether name is currently locked.
func (e *Emulated) Held(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.held[name]
	return ok
}
