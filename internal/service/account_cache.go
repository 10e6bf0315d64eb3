package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// DefaultSnapshotMaxAge is how stale a cached snapshot may be when the
// caller does not say.
const DefaultSnapshotMaxAge = 2 * time.Second

// AccountFetcher reads a fresh account snapshot from the broker.
type AccountFetcher interface {
	FetchAccount(ctx context.Context) (domain.AccountSnapshot, error)
}

// AccountCache holds the most recent account snapshot. Concurrent misses
// share a single upstream fetch.
type AccountCache struct {
	fetcher AccountFetcher
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group

	mu   sync.RWMutex
	snap *domain.AccountSnapshot
}

// NewAccountCache creates an empty AccountCache.
func NewAccountCache(fetcher AccountFetcher, logger *slog.Logger) *AccountCache {
	return &AccountCache{
		fetcher: fetcher,
		logger:  logger.With(slog.String("component", "account_cache")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a copy of a snapshot no older than maxAge, refreshing it from
// the broker when the cached one is too old. A zero maxAge always refreshes;
// a negative one is a ValidationError.
func (c *AccountCache) Get(ctx context.Context, maxAge time.Duration) (domain.AccountSnapshot, error) {
	if maxAge < 0 {
		return domain.AccountSnapshot{}, domain.ValidationError("maxAge must not be negative")
	}
	if snap, ok := c.fresh(maxAge); ok {
		return snap.Clone(), nil
	}

	// The fetch is shared, so one caller going away must not fail the rest.
	ch := c.group.DoChan("account", func() (any, error) {
		if snap, ok := c.fresh(maxAge); ok {
			return snap, nil
		}
		snap, err := c.fetcher.FetchAccount(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.snap = &snap
		c.mu.Unlock()
		c.logger.Debug("account_cache: refreshed",
			slog.String("account", snap.Account),
			slog.Int("positions", len(snap.Positions)),
		)
		return snap, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.AccountSnapshot{}, res.Err
		}
		return res.Val.(domain.AccountSnapshot).Clone(), nil
	case <-ctx.Done():
		return domain.AccountSnapshot{}, domain.ConnectionError("gave up waiting for account refresh", ctx.Err())
	}
}

func (c *AccountCache) fresh(maxAge time.Duration) (domain.AccountSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return domain.AccountSnapshot{}, false
	}
	if c.now().Sub(c.snap.CapturedAt) > maxAge || maxAge == 0 {
		return domain.AccountSnapshot{}, false
	}
	return *c.snap, true
}
