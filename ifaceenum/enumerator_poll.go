//go:build !linux

package ifaceenum

import (
	"sync"
	"time"
)

// pollEnumerator re-scans net.Interfaces() on a fixed interval, the
// polling fallback spec §6.4's Design Note allows on platforms without
// a cheap route-socket watch (darwin/windows use a kernel-event API
// this module does not wire up).
type pollEnumerator struct {
	interval time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newPlatformEnumerator() (Enumerator, error) {
	return &pollEnumerator{interval: 2 * time.Second, done: make(chan struct{})}, nil
}

func (e *pollEnumerator) Enumerate(cb func(Event)) error {
	initial, err := snapshot()
	if err != nil {
		return err
	}
	for _, ev := range initial {
		cb(ev)
	}
	go e.watch(initial, cb)
	return nil
}

func (e *pollEnumerator) watch(prev []Event, cb func(Event)) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			cur, err := snapshot()
			if err != nil {
				continue
			}
			for _, ev := range diff(prev, cur) {
				cb(ev)
			}
			prev = cur
		}
	}
}

func (e *pollEnumerator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)
	return nil
}
