// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"sync"
)

const idSpace = 256

// idPool hands out 8-bit call ids. An id stays reserved until released, so
// wrapping never collides with a call still in flight.
type idPool struct {
	mu     sync.Mutex
	next   int
	inUse  [idSpace]bool
	active int
	freed  chan struct{}
}

func newIDPool() *idPool {
	return &idPool{freed: make(chan struct{})}
}

// tryAcquire reserves the first free id at or after the cursor.
func (p *idPool) tryAcquire() (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == idSpace {
		return 0, false
	}
	for i := 0; i < idSpace; i++ {
		id := (p.next + i) % idSpace
		if !p.inUse[id] {
			p.inUse[id] = true
			p.active++
			p.next = (id + 1) % idSpace
			return uint8(id), true
		}
	}
	return 0, false
}

// acquire waits for a free id.
func (p *idPool) acquire(ctx context.Context) (uint8, error) {
	for {
		p.mu.Lock()
		freed := p.freed
		p.mu.Unlock()
		if id, ok := p.tryAcquire(); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-freed:
		}
	}
}

func (p *idPool) release(id uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inUse[id] {
		return
	}
	p.inUse[id] = false
	p.active--
	close(p.freed)
	p.freed = make(chan struct{})
}

func (p *idPool) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// LowestAvailableKey returns the smallest key in [0, limit) absent from m.
func LowestAvailableKey[V any](m map[uint8]V, limit int) (uint8, bool) {
	for k := 0; k < limit && k < idSpace; k++ {
		if _, ok := m[uint8(k)]; !ok {
			return uint8(k), true
		}
	}
	return 0, false
}
