// Package queue defines the persistent-queue contract the scheduler
// stages and buckets requests through, plus two implementations: an
// in-memory one (container/heap, no external dependency, used in tests
// and single-process embedders) and a Redis-backed one (for sharing
// frontier state across processes).
package queue

import "context"

// FIFO is a named, opaque-item first-in-first-out queue. Items are
// typically either a live *request.Request (MemStore's FIFOs, same
// process) or the JSON bytes produced by request.Encode (RedisStore's
// FIFOs, cross-process).
type FIFO interface {
	Push(ctx context.Context, item any) error
	// Pop returns ok=false with a nil error when the queue is empty.
	Pop(ctx context.Context) (item any, ok bool, err error)
	Len(ctx context.Context) (int, error)
}

// PriorityQueue is a named queue of string items ordered by ascending
// score (smaller score = more ready). The scheduler uses one instance
// of this, keyed "plds", to track per-domain readiness.
type PriorityQueue interface {
	Push(ctx context.Context, item string, score float64) error
	// Peek returns ok=false with a nil error when the queue is empty.
	Peek(ctx context.Context) (item string, score float64, ok bool, err error)
	Pop(ctx context.Context) (item string, ok bool, err error)
	Len(ctx context.Context) (int, error)
}

// Store is a factory for named queues plus a key scan used to resume
// domain buckets that outlived a process restart.
type Store interface {
	FIFO(name string) FIFO
	PriorityQueue(name string) PriorityQueue
	// ScanKeys lists FIFO names currently holding at least one item
	// whose name starts with prefix.
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
}
