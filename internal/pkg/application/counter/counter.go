package counter

import (
	"context"
	"sync"
	"time"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/logging"
)

const DefaultTTL = 2 * time.Minute

type Source interface {
	PendingCount(ctx context.Context, scope string) (int, error)
}

// Counter serves the number of alerts awaiting attention per scope.
type Counter interface {
	PendingCount(ctx context.Context, scope string) int
	Invalidate(scope string)
}

type cached struct {
	count     int
	fetchedAt time.Time
}

type counter struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

type Option func(*counter)

func WithTTL(ttl time.Duration) Option {
	return func(c *counter) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *counter) {
		c.now = now
	}
}

func New(source Source, opts ...Option) Counter {
	c := &counter{
		source: source,
		ttl:    DefaultTTL,
		now:    time.Now,
		cache:  map[string]cached{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// PendingCount never fails. A failed fetch is reported as zero and is not cached,
// so a badge degrades instead of breaking the page.
func (c *counter) PendingCount(ctx context.Context, scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if e, ok := c.cache[scope]; ok && now.Sub(e.fetchedAt) < c.ttl {
		return e.count
	}

	n, err := c.source.PendingCount(ctx, scope)
	if err != nil {
		log := logging.GetFromContext(ctx)
		log.Warn().Err(err).Str("scope", scope).Msg("could not fetch pending count, reporting zero")
		delete(c.cache, scope)
		return 0
	}

	c.cache[scope] = cached{count: n, fetchedAt: now}

	return n
}

func (c *counter) Invalidate(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.cache, scope)
}
