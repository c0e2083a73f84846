// Package quota enforces a per-user cap on generated answers within a
// fixed window that starts at the user's first action after expiry.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/studychat/internal/storage"
)

const (
	DefaultLimit  = 5
	DefaultWindow = 5 * time.Hour
)

// ErrQuotaExceeded is returned by Increment when the user has no requests
// left in the current window.
var ErrQuotaExceeded = errors.New("chat limit reached")

// Status is the result of a quota check.
type Status struct {
	Count     int       `json:"count"`
	ResetAt   time.Time `json:"reset_at"`
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
}

// Record is one user's stored counter.
type Record struct {
	UserID      string    `json:"user_id"`
	Count       int       `json:"count"`
	ResetAt     time.Time `json:"reset_at"`
	LastUpdated time.Time `json:"last_updated"`
}

type Config struct {
	Limit  int
	Window time.Duration
	// Atomic uses the store's conditional increment when it has one,
	// closing the read-then-write race in Increment.
	Atomic bool
}

// Tracker reads and advances quota records at chatLimits/{uid}. Expiry is
// lazy: a window only restarts when the record is read after resetTime.
type Tracker struct {
	kv     storage.KV
	limit  int
	window time.Duration
	atomic bool
	now    func() time.Time
}

func NewTracker(kv storage.KV, cfg Config) *Tracker {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Tracker{kv: kv, limit: cfg.Limit, window: cfg.Window, atomic: cfg.Atomic, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Tracker) Limit() int { return t.limit }

func limitPath(uid string) string {
	return "chatLimits/" + uid
}

func (t *Tracker) status(wc storage.WindowCount) Status {
	return Status{
		Count:     wc.Count,
		ResetAt:   time.UnixMilli(wc.ResetTime).UTC(),
		Allowed:   wc.Count < t.limit,
		Remaining: max(0, t.limit-wc.Count),
	}
}

// Check returns the user's current status. A missing or expired record is
// replaced by a fresh window starting now.
func (t *Tracker) Check(ctx context.Context, uid string) (Status, error) {
	now := t.now()
	var wc storage.WindowCount
	err := t.kv.Get(ctx, limitPath(uid), &wc)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Status{}, fmt.Errorf("reading quota for %s: %w", uid, err)
	}
	if errors.Is(err, storage.ErrNotFound) || now.UnixMilli() >= wc.ResetTime {
		wc = storage.WindowCount{Count: 0, ResetTime: now.Add(t.window).UnixMilli(), LastUpdated: now.UnixMilli()}
		if err := t.kv.Set(ctx, limitPath(uid), wc); err != nil {
			return Status{}, fmt.Errorf("resetting quota for %s: %w", uid, err)
		}
	}
	return t.status(wc), nil
}

// Increment consumes one request. Without Atomic it is a Check followed by a
// separate write, so two concurrent increments can both succeed from the
// same count; the cap is a soft limit and that skew is accepted.
func (t *Tracker) Increment(ctx context.Context, uid string) (Status, error) {
	if ci, ok := t.kv.(storage.ConditionalIncrementer); ok && t.atomic {
		wc, ok, err := ci.IncrementWindow(ctx, limitPath(uid), t.limit, t.window, t.now())
		if err != nil {
			return Status{}, fmt.Errorf("incrementing quota for %s: %w", uid, err)
		}
		if !ok {
			return t.status(wc), ErrQuotaExceeded
		}
		return t.status(wc), nil
	}

	st, err := t.Check(ctx, uid)
	if err != nil {
		return Status{}, err
	}
	if !st.Allowed {
		return st, ErrQuotaExceeded
	}

	count := st.Count + 1
	err = t.kv.Update(ctx, limitPath(uid), map[string]any{
		"count":       count,
		"lastUpdated": t.now().UnixMilli(),
	})
	if err != nil {
		return Status{}, fmt.Errorf("incrementing quota for %s: %w", uid, err)
	}
	return Status{
		Count:     count,
		ResetAt:   st.ResetAt,
		Allowed:   count < t.limit,
		Remaining: max(0, t.limit-count),
	}, nil
}

// Reset starts a fresh window for uid.
func (t *Tracker) Reset(ctx context.Context, uid string) error {
	now := t.now()
	wc := storage.WindowCount{Count: 0, ResetTime: now.Add(t.window).UnixMilli(), LastUpdated: now.UnixMilli()}
	if err := t.kv.Set(ctx, limitPath(uid), wc); err != nil {
		return fmt.Errorf("resetting quota for %s: %w", uid, err)
	}
	return nil
}

// List returns every stored record. Expired records are reported as stored.
func (t *Tracker) List(ctx context.Context) ([]Record, error) {
	nodes, err := t.kv.List(ctx, "chatLimits")
	if err != nil {
		return nil, fmt.Errorf("listing quotas: %w", err)
	}
	records := make([]Record, 0, len(nodes))
	for _, n := range nodes {
		var wc storage.WindowCount
		if err := n.Decode(&wc); err != nil {
			continue
		}
		records = append(records, Record{
			UserID:      n.Key,
			Count:       wc.Count,
			ResetAt:     time.UnixMilli(wc.ResetTime).UTC(),
			LastUpdated: time.UnixMilli(wc.LastUpdated).UTC(),
		})
	}
	return records, nil
}

// TimeUntilReset formats the wait until resetAt as "Xh Ym", "Ym" or "Soon".
func TimeUntilReset(resetAt, now time.Time) string {
	d := resetAt.Sub(now)
	if d <= 0 {
		return "Soon"
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
