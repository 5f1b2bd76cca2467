package lifecycle

import (
	"context"
	"sync"
)

// Disposer releases one acquired resource exactly once.
type Disposer struct {
	once   sync.Once
	fn     func(context.Context) error
	mu     sync.Mutex
	closed bool
}

// NewDisposer wraps fn. A nil fn yields a disposer that only records closure.
func NewDisposer(fn func(context.Context) error) *Disposer {
	return &Disposer{fn: fn}
}

// Close runs the release function on the first call and returns its error.
// Later calls are no-ops and return nil.
func (d *Disposer) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	var err error
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		if d.fn != nil {
			err = d.fn(ctx)
		}
	})
	return err
}

// Closed reports whether Close has been called.
func (d *Disposer) Closed() bool {
	if d == nil {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
