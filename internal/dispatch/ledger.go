package dispatch

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"edunotify/internal/storage"
)

type ledgerState int

const (
	// stateDisplayed: shown locally, backend not yet told.
	stateDisplayed ledgerState = iota + 1
	// stateReported: backend acknowledged the delivered report.
	stateReported
)

// ledger remembers which ids were displayed and which were reported, so an
// id that arrives over both channels is shown and reported once. The cache
// is the hot path; reported ids are also written to the store so a restart
// does not report them again.
type ledger struct {
	cache *cache.Cache
	store storage.Store
}

func newLedger(ttl time.Duration, store storage.Store) *ledger {
	cleanup := ttl / 2
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	return &ledger{cache: cache.New(ttl, cleanup), store: store}
}

func (l *ledger) state(ctx context.Context, id string) (ledgerState, error) {
	if v, ok := l.cache.Get(id); ok {
		return v.(ledgerState), nil
	}
	if l.store == nil {
		return 0, nil
	}
	ok, err := l.store.Delivered(ctx, id)
	if err != nil {
		return 0, err
	}
	if ok {
		l.cache.SetDefault(id, stateReported)
		return stateReported, nil
	}
	return 0, nil
}

func (l *ledger) displayed(id string) {
	l.cache.SetDefault(id, stateDisplayed)
}

func (l *ledger) reported(ctx context.Context, id string, at time.Time) error {
	l.cache.SetDefault(id, stateReported)
	if l.store == nil {
		return nil
	}
	return l.store.MarkDelivered(ctx, id, at)
}

func (l *ledger) prune(ctx context.Context, cutoff time.Time) (int, error) {
	l.cache.DeleteExpired()
	if l.store == nil {
		return 0, nil
	}
	return l.store.PruneDelivered(ctx, cutoff)
}
