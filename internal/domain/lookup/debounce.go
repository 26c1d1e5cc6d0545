// Package lookup implements the remote lookups behind the form inputs:
// debounced suggestion search per field and the employee-by-number lookup.
package lookup

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSuperseded is returned by Debouncer.Run when a newer call for the same
// key replaced this one, either while waiting out the delay or while the
// work was in flight.
var ErrSuperseded = errors.New("lookup: superseded by a newer request")

type pending struct {
	seq    uint64
	cancel context.CancelFunc
}

// Debouncer delays work per key and keeps only the latest call for a key.
// Starting a call cancels the context of the previous call for the same key.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	seq     uint64
	pending map[string]pending
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, pending: make(map[string]pending)}
}

// Run waits for the debounce delay and then calls fn with a context that is
// cancelled when a newer Run for key starts. If that happens, Run returns
// ErrSuperseded and the result of fn must be discarded.
func (d *Debouncer) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.seq++
	mine := d.seq
	if prev, ok := d.pending[key]; ok {
		prev.cancel()
	}
	d.pending[key] = pending{seq: mine, cancel: cancel}
	d.mu.Unlock()

	defer d.release(key, mine)

	timer := time.NewTimer(d.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-callCtx.Done():
		if !d.isLatest(key, mine) {
			return ErrSuperseded
		}
		return ctx.Err()
	}

	err := fn(callCtx)
	if !d.isLatest(key, mine) {
		return ErrSuperseded
	}
	return err
}

// Cancel aborts the outstanding call for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok {
		p.cancel()
		delete(d.pending, key)
	}
}

func (d *Debouncer) isLatest(key string, seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[key]
	return ok && p.seq == seq
}

func (d *Debouncer) release(key string, seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok && p.seq == seq {
		delete(d.pending, key)
	}
}
