/*

This file contains the position age tracker. It records when a position was first observed and
answers "how old is this position" for the reallocation engine's holding-period gate.

*/

package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sentinel-pma/sentinel/internal/logger"
	"github.com/sentinel-pma/sentinel/internal/types"
)

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// Tracker wraps a PositionStore with a clock.
type Tracker struct {
	store  PositionStore
	now    Clock
	logger zerolog.Logger
}

// NewTracker creates a tracker over store. A nil clock uses time.Now.
func NewTracker(store PositionStore, now Clock) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, now: now, logger: logger.GetForComponent("tracker")}
}

// Store returns the underlying position store.
func (t *Tracker) Store() PositionStore {
	return t.store
}

// Now returns the tracker's current time.
func (t *Tracker) Now() time.Time {
	return t.now()
}

// RecordFirstSeen marks key as seen now unless it is already tracked, and returns the stored first-seen time.
func (t *Tracker) RecordFirstSeen(ctx context.Context, key types.PositionKey) (time.Time, error) {
	at, err := t.store.RecordFirstSeen(ctx, key, t.now().UTC())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to record first seen for %s/%s/%s: %w", key.Owner, key.Protocol, key.Token, err)
	}
	return at, nil
}

// AgeHours returns the hours since key was first seen.
// An unknown position has age 0, which always fails a non-zero holding period.
func (t *Tracker) AgeHours(ctx context.Context, key types.PositionKey) (float64, error) {
	p, err := t.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.AgeHours(t.now()), nil
}

// Observe records the latest value and APY of a position, creating it on first observation.
func (t *Tracker) Observe(ctx context.Context, key types.PositionKey, valueUSD, apyPct float64) error {
	if err := t.store.UpdateMetrics(ctx, key, valueUSD, apyPct, t.now().UTC()); err != nil {
		return fmt.Errorf("failed to observe position %s/%s/%s: %w", key.Owner, key.Protocol, key.Token, err)
	}
	t.logger.Debug().
		Str("owner", key.Owner).
		Str("protocol", key.Protocol).
		Str("token", key.Token).
		Float64("valueUSD", valueUSD).
		Float64("apy", apyPct).
		Msg("Observed position")
	return nil
}

// Snapshot builds the engine input for a tracked position. The bool is false when the position is unknown.
func (t *Tracker) Snapshot(ctx context.Context, key types.PositionKey) (types.PositionSnapshot, bool, error) {
	p, err := t.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return types.PositionSnapshot{}, false, nil
	}
	if err != nil {
		return types.PositionSnapshot{}, false, err
	}
	return types.PositionSnapshot{
		CurrentValueUSD: p.ValueUSD,
		CurrentAPYPct:   p.APYPct,
		AgeHours:        p.AgeHours(t.now()),
	}, true, nil
}

// Forget stops tracking key. It reports whether the key was tracked.
func (t *Tracker) Forget(ctx context.Context, key types.PositionKey) (bool, error) {
	return t.store.Remove(ctx, key)
}

// List returns the positions of owner.
func (t *Tracker) List(ctx context.Context, owner string) ([]types.TrackedPosition, error) {
	return t.store.ListByOwner(ctx, owner)
}

// Reconcile stops tracking every position of owner that is not in held, the complete set of
// positions from the latest balance fetch, and returns the positions still tracked.
// A position that disappears and later comes back starts a new holding period.
func (t *Tracker) Reconcile(ctx context.Context, owner string, held []types.PositionKey) ([]types.TrackedPosition, error) {
	keep := make(map[types.PositionKey]struct{}, len(held))
	for _, k := range held {
		nk, err := NormalizeKey(k)
		if err != nil {
			continue
		}
		keep[nk] = struct{}{}
	}

	tracked, err := t.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions of %s: %w", owner, err)
	}

	remaining := tracked[:0]
	for _, p := range tracked {
		if _, ok := keep[p.PositionKey]; ok {
			remaining = append(remaining, p)
			continue
		}
		if _, err := t.store.Remove(ctx, p.PositionKey); err != nil {
			return nil, fmt.Errorf("failed to forget closed position %s/%s/%s: %w", p.Owner, p.Protocol, p.Token, err)
		}
		t.logger.Info().
			Str("owner", p.Owner).
			Str("protocol", p.Protocol).
			Str("token", p.Token).
			Msg("Position closed, no longer tracked")
	}
	return remaining, nil
}
