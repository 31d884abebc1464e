// Package events persists cache usage telemetry reported by build clients.
package events

import (
	"context"
	"time"
)

// Source says where a client looked for an artifact.
type Source string

const (
	SourceLocal  Source = "LOCAL"
	SourceRemote Source = "REMOTE"
)

// Outcome is the result of a cache lookup.
type Outcome string

const (
	OutcomeHit  Outcome = "HIT"
	OutcomeMiss Outcome = "MISS"
)

// CacheEvent records one cache lookup outcome.
type CacheEvent struct {
	SessionID string  `json:"sessionId"`
	Source    Source  `json:"source"`
	Event     Outcome `json:"event"`
	Hash      string  `json:"hash"`
	// Duration is the task time in milliseconds saved by a hit.
	Duration *int64 `json:"duration,omitempty"`
	Size     *int64 `json:"size,omitempty"`
	Tag      string `json:"tag,omitempty"`

	Scope     string    `json:"scope,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// ExpiresAt is the epoch-seconds TTL consumed by the backend.
	ExpiresAt int64 `json:"ttl"`
}

// Store persists events and answers latest-event queries.
type Store interface {
	// Record persists every event under scope. It stamps Scope, Timestamp and
	// ExpiresAt on each element in place. Any failure fails the whole call.
	Record(ctx context.Context, scope string, events []CacheEvent) error
	// Latest returns the most recent unexpired event for hash, or
	// backend.ErrNotFound.
	Latest(ctx context.Context, scope, hash string) (*CacheEvent, error)
}

// batchTime spaces the events of one batch a microsecond apart so that the
// last event for a hash is also the latest.
func batchTime(now time.Time, i int) time.Time {
	return now.Add(time.Duration(i) * time.Microsecond)
}

func stamp(ev *CacheEvent, scope string, now time.Time, retention time.Duration) {
	ev.Scope = scope
	ev.Timestamp = now.UTC()
	ev.ExpiresAt = now.Add(retention).Unix()
}

// Expired reports whether ev is past its TTL at now.
func (ev *CacheEvent) Expired(now time.Time) bool {
	return ev.ExpiresAt <= now.Unix()
}

// DurationMs returns the task duration, or 0 when absent.
func (ev *CacheEvent) DurationMs() int64 {
	if ev.Duration == nil {
		return 0
	}
	return *ev.Duration
}

// SizeBytes returns the artifact size, or 0 when absent.
func (ev *CacheEvent) SizeBytes() int64 {
	if ev.Size == nil {
		return 0
	}
	return *ev.Size
}
