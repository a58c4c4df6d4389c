// Package kvstore abstracts the kernel's durable, ordered key/value store.
//
// All kernel state — krefs, c-lists, the run queue, vat configuration —
// lives under string keys in a single flat keyspace. The interface is
// deliberately small: Get, Set, Delete, GetNextKey (byte-order successor,
// used to walk prefix ranges such as the run queue or a vat's c-list
// without a dedicated index per concern), and ExecuteQuery for prefix
// scans. This mirrors the split the rest of the kernel relies on: a thin
// Executor that both a bare connection and an open transaction satisfy,
// so crank code never needs to know whether it is running inside a
// transaction.
package kvstore

import "context"

// Row is a single key/value pair returned by a scan.
type Row struct {
	Key   string
	Value []byte
}

// Scan describes a prefix range scan. Limit of 0 means unbounded.
type Scan struct {
	Prefix string
	Start  string // exclusive lower bound within the prefix, "" for none
	Limit  int
}

// Executor is the read/write surface shared by Store and Txn.
//
// Implementations must treat Get on a missing key as (nil, false, nil),
// never as an error — a missing key is an ordinary outcome the kernel
// checks constantly (does this kref have a record, does this vat exist).
type Executor interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// GetNextKey returns the lexicographically smallest key strictly
	// greater than k, or ok=false if none exists. Used to walk the run
	// queue and c-list ranges in order without maintaining a separate
	// linked structure.
	GetNextKey(ctx context.Context, k string) (key string, ok bool, err error)

	// ExecuteQuery returns every row whose key falls in the requested
	// prefix range, ordered by key.
	ExecuteQuery(ctx context.Context, q Scan) ([]Row, error)
}

// Txn is a transaction spanning exactly one crank: it commits or rolls
// back atomically with the crank it backs.
type Txn interface {
	Executor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the durable, ordered key/value map backing the whole kernel.
// The kernel never holds an open iterator across an await; every scan
// returns a materialized slice.
type Store interface {
	Executor

	// BeginCrank opens a transaction that backs exactly one crank. The
	// caller must Commit on success or Rollback on any fault.
	BeginCrank(ctx context.Context) (Txn, error)

	Ping(ctx context.Context) error
	Close() error
}
