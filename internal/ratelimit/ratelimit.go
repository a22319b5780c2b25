// Package ratelimit implements the two admission-control mechanisms spec
// §4.7 requires: a sliding-window event log per principal × endpoint class,
// and the per-API-key quota ledger backed by internal/store.
//
// Grounded on pacer/bandwidth_recorder.go's windowed-sample bookkeeping (the
// teacher tracks bytes-per-interval the same shape this tracks
// requests-per-window) and pacer/pacer_ticker.go's tick-driven pruning,
// adapted here to event timestamps pruned lazily on check rather than on a
// ticker, since admission checks are call-driven, not byte-stream-driven.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/scribeforge/scribeforge/internal/config"
	"github.com/scribeforge/scribeforge/internal/errs"
	"github.com/scribeforge/scribeforge/internal/ids"
	"github.com/scribeforge/scribeforge/internal/store"
)

// Limiter is the sliding-window log rate limiter, one log per
// (principal, class) pair.
type Limiter struct {
	mu     sync.Mutex
	logs   map[string][]time.Time
	rules  map[string]config.RateLimit
	now    func() time.Time
}

// New builds a Limiter from the endpoint-class rule table (spec §6).
func New(rules map[string]config.RateLimit) *Limiter {
	return &Limiter{
		logs:  make(map[string][]time.Time),
		rules: rules,
		now:   time.Now,
	}
}

// Allow admits or rejects one call by principal against class's rule. On
// rejection it returns the retry-after duration until the oldest counted
// event ages out of the window, per spec §4.7. A call that passes consumes
// a slot even if it later fails (also per spec §4.7) — Allow always records
// the attempt when it admits.
func (l *Limiter) Allow(principal, class string) (bool, time.Duration) {
	rule, ok := l.rules[class]
	if !ok || rule.Limit <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := principal + "|" + class
	log := l.logs[key]

	cutoff := now.Add(-rule.Window)
	pruned := log[:0]
	for _, t := range log {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	log = pruned

	if len(log) >= rule.Limit {
		oldest := log[0]
		l.logs[key] = log
		return false, oldest.Add(rule.Window).Sub(now)
	}

	log = append(log, now)
	l.logs[key] = log
	return true, 0
}

// QuotaLedger wraps a Store's API-key quota operations behind the error
// taxonomy spec §4.7/§6 specifies.
type QuotaLedger struct {
	store *store.Store
	now   func() time.Time
}

// NewQuotaLedger builds a ledger over s.
func NewQuotaLedger(s *store.Store) *QuotaLedger {
	return &QuotaLedger{store: s, now: time.Now}
}

// Consume increments the named key's usage counter, returning
// quota_exhausted if the window is already full.
func (q *QuotaLedger) Consume(ctx context.Context, keyID ids.ApiKeyID) error {
	if err := q.store.IncrementQuota(ctx, keyID, q.now()); err != nil {
		if _, ok := errs.As(err); ok {
			return err
		}
		return errs.Wrap(err, errs.KindInternal, "quota ledger increment failed")
	}
	return nil
}
