package service

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// lockTable hands out one binary semaphore per key. Multi-key acquisition
// always happens in ascending key order so overlapping callers cannot
// deadlock. An entry lives only while some caller holds or waits on it.
type lockTable[K cmp.Ordered] struct {
	mu   sync.Mutex
	sems map[K]*lockEntry
	wait time.Duration
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newLockTable[K cmp.Ordered](wait time.Duration) *lockTable[K] {
	return &lockTable[K]{
		sems: make(map[K]*lockEntry),
		wait: wait,
	}
}

func (t *lockTable[K]) ref(key K) *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sems[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		t.sems[key] = e
	}
	e.refs++
	return e.sem
}

func (t *lockTable[K]) unref(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sems[key]
	if !ok {
		return
	}
	if e.refs--; e.refs == 0 {
		delete(t.sems, key)
	}
}

// size is the number of live entries.
func (t *lockTable[K]) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sems)
}

// acquire takes every key or none. The whole set shares one wait bound;
// running out of it yields domain.ErrBusy.
func (t *lockTable[K]) acquire(ctx context.Context, keys ...K) (release func(), err error) {
	ordered := slices.Clone(keys)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	ctx, cancel := context.WithTimeout(ctx, t.wait)
	defer cancel()

	held := make([]K, 0, len(ordered))
	sems := make([]*semaphore.Weighted, 0, len(ordered))
	var once sync.Once
	release = func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				sems[i].Release(1)
				t.unref(held[i])
			}
		})
	}

	for _, key := range ordered {
		s := t.ref(key)
		if err := s.Acquire(ctx, 1); err != nil {
			t.unref(key)
			release()
			return nil, fmt.Errorf("%w: waiting for %v: %w", domain.ErrBusy, key, err)
		}
		held = append(held, key)
		sems = append(sems, s)
	}
	return release, nil
}
