// Package tilecache implements the request-coalescing TTL cache that is the
// core of the gateway: a keyed slot map with singleflight fetch semantics,
// built on the same xsync-backed atomic-claim pattern as a lease/pool
// table, replacing the "lease" state machine with "populating vs ready".
package tilecache

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/mozilla-services/contile-go/internal/classify"
)

// Body is the fully materialized response for one cache slot: either a
// list of tiles (possibly empty) or the empty-204 sentinel.
type Body struct {
	Tiles  []ResponseTile
	SovB64 *string
	Empty  bool // true selects the 204 sentinel regardless of len(Tiles)
}

// ResponseTile mirrors filter.ResponseTile; tilecache does not import
// internal/filter directly to keep the slot machinery independent of the
// filter's schema, the same way a routing-table package stays free of
// proxy-protocol types.
type ResponseTile struct {
	ID            int
	Name          string
	URL           string
	ClickURL      string
	ImageURL      string
	ImageSize     *int
	ImpressionURL string
}

// Builder produces a Body for a cache miss. firstBuild is true when the
// claim found no slot for key at all (the key was never built, its last
// build failed, or the cache was purged), and false for a rebuild of a
// previously-ready-but-now-stale entry; a builder uses this to recognize a
// warm-up condition and degrade a soft upstream timeout to a short-TTL
// empty body instead of failing the build. Returning an error means the
// build failed and nothing should be cached.
type Builder func(ctx context.Context, key classify.Key, firstBuild bool) (Body, time.Duration, error)

type slotState int32

const (
	statePopulating slotState = iota
	stateReady
)

type slot struct {
	state slotState

	// populating fields
	done chan struct{}
	err  error

	// ready fields, valid only once done is closed with err == nil
	body      Body
	expiresAt time.Time
}

func newPopulatingSlot() *slot {
	return &slot{state: statePopulating, done: make(chan struct{})}
}

func (s *slot) readyAndFresh(now time.Time) bool {
	return s.state == stateReady && now.Before(s.expiresAt)
}

// Cache is the keyed, coalescing TTL cache.
type Cache struct {
	slots *xsync.Map[classify.Key, *slot]
	build Builder
	nowFn func() time.Time
}

// New constructs a Cache whose misses are resolved by build.
func New(build Builder) *Cache {
	return &Cache{slots: xsync.NewMap[classify.Key, *slot](), build: build, nowFn: time.Now}
}

// Get resolves key to a Body, either from a live entry or by driving (or
// waiting on) exactly one concurrent build.
func (c *Cache) Get(ctx context.Context, key classify.Key) (Body, error) {
	now := c.nowFn()

	won := false
	firstBuild := false
	var mine *slot
	c.slots.Compute(key, func(old *slot, loaded bool) (*slot, xsync.ComputeOp) {
		if loaded {
			if old.readyAndFresh(now) {
				mine = old
				return old, xsync.CancelOp
			}
			if old.state == statePopulating {
				mine = old
				return old, xsync.CancelOp
			}
			// stale ready entry: fall through to reclaim the slot.
		}
		mine = newPopulatingSlot()
		won = true
		firstBuild = !loaded
		return mine, xsync.UpdateOp
	})

	if !won {
		if mine.state == stateReady {
			return cloneBody(mine.body), nil
		}
		return c.wait(ctx, key, mine)
	}

	return c.build_(ctx, key, mine, firstBuild)
}

// build_ runs the winner's build and publishes or aborts the slot. Named
// with a trailing underscore to avoid colliding with the Builder field.
func (c *Cache) build_(ctx context.Context, key classify.Key, s *slot, firstBuild bool) (body Body, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.err = errPanic(r)
			c.slots.Compute(key, func(old *slot, loaded bool) (*slot, xsync.ComputeOp) {
				if loaded && old == s {
					return old, xsync.DeleteOp
				}
				return old, xsync.CancelOp
			})
			close(s.done)
			panic(r)
		}
	}()

	built, ttl, buildErr := c.build(ctx, key, firstBuild)
	if buildErr != nil {
		s.err = buildErr
		c.slots.Compute(key, func(old *slot, loaded bool) (*slot, xsync.ComputeOp) {
			if loaded && old == s {
				return old, xsync.DeleteOp
			}
			return old, xsync.CancelOp
		})
		close(s.done)
		return Body{}, buildErr
	}

	s.body = built
	s.expiresAt = c.nowFn().Add(ttl)
	s.state = stateReady
	c.slots.Compute(key, func(old *slot, loaded bool) (*slot, xsync.ComputeOp) {
		if loaded && old == s {
			return s, xsync.UpdateOp
		}
		return old, xsync.CancelOp
	})
	close(s.done)
	return cloneBody(built), nil
}

// wait blocks until s finishes populating or ctx is done. It never cancels
// the in-flight builder: other waiters may still need its result.
func (c *Cache) wait(ctx context.Context, key classify.Key, s *slot) (Body, error) {
	select {
	case <-s.done:
		if s.err != nil {
			return Body{}, s.err
		}
		return cloneBody(s.body), nil
	case <-ctx.Done():
		return Body{}, ctx.Err()
	}
}

func cloneBody(b Body) Body {
	out := b
	out.Tiles = append([]ResponseTile(nil), b.Tiles...)
	return out
}

// Purge drops every cached entry, forcing the next Get per key to rebuild.
func (c *Cache) Purge() {
	c.slots.Clear()
}

type panicError struct{ v any }

func (e panicError) Error() string { return "tilecache: builder panicked" }

func errPanic(v any) error { return panicError{v: v} }
