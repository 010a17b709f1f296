package payment

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader runs each provider bootstrap at most once per process. Concurrent callers
// share the in-flight load and a failed load is retried by the next caller.
type Loader struct {
	group singleflight.Group

	mu     sync.RWMutex
	loaded map[string]bool
}

// NewLoader returns an empty loader. Share one per process.
func NewLoader() *Loader {
	return &Loader{loaded: make(map[string]bool)}
}

// Load ensures p is bootstrapped. Waiting callers return early when ctx ends; the
// shared load keeps running for the others.
func (l *Loader) Load(ctx context.Context, p Provider) error {
	name := p.Name()
	if l.Loaded(name) {
		return nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan(name, func() (any, error) {
		if l.Loaded(name) {
			return nil, nil
		}
		if err := p.Load(loadCtx); err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.loaded[name] = true
		l.mu.Unlock()
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loaded reports whether the provider bootstrap completed.
func (l *Loader) Loaded(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded[name]
}
