// Package queue implements two FIFO work queues — original queries
// awaiting decomposition, and fragments awaiting execution — behind one
// shared contract with two concrete implementations: a relational
// (Postgres) queue that the in-database pipeline executor drains, and a
// key-value (Redis) queue for client-side pollers.
//
// One provider interface, two backends, a durable FIFO with
// non-blocking coalescing upsert.
package queue

import (
	"context"
	"time"
)

// UpsertStatus is the outcome of one Push call: one of four non-blocking
// upsert outcomes.
type UpsertStatus string

const (
	// StatusInserted means no row existed for this key; one was created
	// with priority 1.
	StatusInserted UpsertStatus = "inserted"
	// StatusUpdated means a row existed and this call incremented its
	// priority and refreshed its enqueued_at.
	StatusUpdated UpsertStatus = "updated"
	// StatusSkippedLocked means a row existed but was locked by another
	// in-flight transaction; the caller's priority bump was dropped rather
	// than waited for.
	StatusSkippedLocked UpsertStatus = "skipped_locked"
	// StatusSkippedConcurrent means a concurrent first insert for this key
	// raced this call; the other insert wins and this call is a no-op.
	StatusSkippedConcurrent UpsertStatus = "skipped_concurrent"
)

// OriginalItem is one row of the original-query queue.
type OriginalItem struct {
	QueryText    string
	PartitionKey string
	Datatype     string
	Priority     int
	EnqueuedAt   time.Time
}

// FragmentItem is one row of the fragment queue.
type FragmentItem struct {
	FragmentHash string
	FragmentText string
	PartitionKey string
	Datatype     string
	BackendHint  string
	Priority     int
	EnqueuedAt   time.Time
}

// Lengths reports the current size of both queues.
type Lengths struct {
	Original int
	Fragment int
}

// Queue is the uniform contract both implementations satisfy. Every method is safe
// for concurrent use by multiple callers against the same underlying
// store; Push never blocks the caller more than the duration of one
// non-blocking lock probe.
type Queue interface {
	// PushOriginal enqueues one original query, coalescing with any
	// existing row for the same (query_text, partition_key) key.
	PushOriginal(ctx context.Context, query, partitionKey, datatype string) (UpsertStatus, error)

	// PushFragments enqueues a batch of fragments sharing one partition key
	// and datatype, returning one status per input element in the same
	// order. backendHint may be empty.
	PushFragments(ctx context.Context, fragments []Fragment, partitionKey, datatype, backendHint string) ([]UpsertStatus, error)

	// PopOriginal removes and returns the oldest highest-priority lockable
	// original-queue row, or ok=false if the queue is empty or every
	// candidate row is currently locked by another transaction.
	PopOriginal(ctx context.Context) (item OriginalItem, ok bool, err error)

	// PopFragment is PopOriginal's fragment-queue counterpart.
	PopFragment(ctx context.Context) (item FragmentItem, ok bool, err error)

	// Lengths reports both queues' current sizes.
	Lengths(ctx context.Context) (Lengths, error)

	// ClearOriginal deletes every row from the original queue, returning
	// the number removed.
	ClearOriginal(ctx context.Context) (int, error)

	// ClearFragment deletes every row from the fragment queue, returning
	// the number removed.
	ClearFragment(ctx context.Context) (int, error)

	// ClearAll clears both queues, returning (original count, fragment
	// count) removed.
	ClearAll(ctx context.Context) (int, int, error)

	// Close releases any held connections.
	Close() error
}

// Fragment is one (text, hash) pair as produced by sqlfrag.GenerateResult,
// the input shape PushFragments accepts so callers don't need to build a
// FragmentItem by hand for every element.
type Fragment struct {
	Text string
	Hash string
}
