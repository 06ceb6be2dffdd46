// Package state holds the persistent state of the sentinel: tracked positions, threshold versions,
// the evaluation audit log and the sweep counter. Every store is injected; there are no package globals.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sentinel-pma/sentinel/internal/types"
)

var (
	// ErrNotFound is returned when a requested entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidKey is returned when a position key has an empty component.
	ErrInvalidKey = errors.New("invalid position key")
)

// PositionStore persists tracked positions keyed by (owner, protocol, token).
// Implementations must be safe for concurrent use.
type PositionStore interface {
	// RecordFirstSeen stores at as the first-seen time of key if the key is new.
	// It returns the stored first-seen time, which for an existing key is the original one.
	RecordFirstSeen(ctx context.Context, key types.PositionKey, at time.Time) (time.Time, error)

	// UpdateMetrics refreshes value, APY and last-seen time. A missing entry is created with
	// first-seen = at. The first-seen time of an existing entry is never changed.
	UpdateMetrics(ctx context.Context, key types.PositionKey, valueUSD, apyPct float64, at time.Time) error

	// Get returns the tracked position or ErrNotFound.
	Get(ctx context.Context, key types.PositionKey) (*types.TrackedPosition, error)

	// ListByOwner returns all positions of owner ordered by protocol, then token.
	ListByOwner(ctx context.Context, owner string) ([]types.TrackedPosition, error)

	// Remove deletes the entry and reports whether it existed.
	Remove(ctx context.Context, key types.PositionKey) (bool, error)
}

// EvaluationLog is an append-only audit log of viability checks.
type EvaluationLog interface {
	Append(ctx context.Context, record types.EvaluationRecord) error
	// Recent returns at most limit records, newest first.
	Recent(ctx context.Context, limit int) ([]types.EvaluationRecord, error)
	Summary(ctx context.Context) (*EvaluationSummary, error)
}

// SweepCounter hands out monotonically increasing sweep numbers.
type SweepCounter interface {
	Next(ctx context.Context) (int, error)
	Current(ctx context.Context) (int, error)
}

// EvaluationSummary aggregates the evaluation log.
type EvaluationSummary struct {
	TotalEvaluations int                `json:"total_evaluations"`
	ViableCount      int                `json:"viable_count"`
	ByGate           map[types.Gate]int `json:"by_gate"`
	LastEvaluatedAt  *time.Time         `json:"last_evaluated_at,omitempty"`
}

// NormalizeKey trims the key components and lower-cases the protocol and token.
// Owner addresses keep their case.
func NormalizeKey(key types.PositionKey) (types.PositionKey, error) {
	key.Owner = strings.TrimSpace(key.Owner)
	key.Protocol = strings.ToLower(strings.TrimSpace(key.Protocol))
	key.Token = strings.ToLower(strings.TrimSpace(key.Token))
	if key.Owner == "" || key.Protocol == "" || key.Token == "" {
		return types.PositionKey{}, fmt.Errorf("%w: owner=%q protocol=%q token=%q", ErrInvalidKey, key.Owner, key.Protocol, key.Token)
	}
	return key, nil
}

// clampLimit applies the default and maximum page size used by Recent.
func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
