package roadsentry

import (
	"context"
	"time"
)

// Gate validates API keys and enforces per-key request quotas before any
// dispatch happens. Quota accounting uses fixed time windows and a single
// atomic increment-and-check in the store, so concurrent requests sharing a
// key cannot slip past the limit.
type Gate struct {
	store  *Store
	keys   map[string]struct{}
	limit  int64
	window time.Duration
	log    Logger
}

// NewGate creates a gate for the given key set, limit and window length.
func NewGate(store *Store, apiKeys []string, limit int64, window time.Duration, log Logger) *Gate {
	ks := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		ks[k] = struct{}{}
	}
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Gate{store: store, keys: ks, limit: limit, window: window, log: orNoop(log)}
}

// Allow admits or rejects one request. Unknown keys fail with ErrUnknownKey;
// a key over its window quota fails with ErrRateLimited. Rejections have no
// dispatch side effects. The counter is incremented even for the rejecting
// request, which only over-counts rejected traffic, never admits extra.
func (g *Gate) Allow(ctx context.Context, apiKey string, now time.Time) error {
	if _, ok := g.keys[apiKey]; !ok {
		g.log.Warnf("gate: unknown api key %q", apiKey)
		return ErrUnknownKey
	}
	windowStart := now.Truncate(g.window).Unix()
	n, err := g.store.IncrWindow(ctx, apiKey, windowStart, g.window)
	if err != nil {
		return err
	}
	if n > g.limit {
		g.log.Warnf("gate: rate limit exceeded key=%s window=%d count=%d", apiKey, windowStart, n)
		return ErrRateLimited
	}
	return nil
}
