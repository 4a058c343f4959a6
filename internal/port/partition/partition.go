// Package partition defines the storage primitive the partition router is
// allowed to use: acquire a connection exclusively, bind it to one
// partition, reset it to neutral, then release or discard it.
//
// There is deliberately no way to set a pool-wide default partition.
package partition

import (
	"context"

	"github.com/Strob0t/tenantgate/internal/domain/record"
)

// Pool hands out connections for the exclusive use of one request.
type Pool interface {
	// Acquire checks out a neutral connection. It blocks until one is free
	// or ctx is done.
	Acquire(ctx context.Context) (Conn, error)
}

// Conn is an exclusively checked-out connection.
type Conn interface {
	// Bind selects partitionID for every later call on the returned Session.
	// Binding an already bound connection is an error.
	Bind(ctx context.Context, partitionID string) (Session, error)

	// Reset returns the connection to neutral. It must succeed before Release.
	Reset(ctx context.Context) error

	// Release returns a neutral connection to the pool.
	Release()

	// Discard closes the connection instead of returning it to the pool.
	// It is safe to call while a Reset is still in flight.
	Discard()
}

// Session is the data surface available to a handler while a partition is bound.
type Session interface {
	PartitionID() string
	ListRecords(ctx context.Context) ([]record.Record, error)
	GetRecord(ctx context.Context, id string) (*record.Record, error)
	CreateRecord(ctx context.Context, r *record.Record) error
	DeleteRecord(ctx context.Context, id string) error
}

// Provisioner allocates and destroys partitions.
type Provisioner interface {
	CreatePartition(ctx context.Context, partitionID string) error
	DropPartition(ctx context.Context, partitionID string) error
}
