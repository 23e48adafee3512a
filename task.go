// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package gridcursor

import (
	"context"
	"fmt"
	"time"

	"github.com/featurebasedb/gridcursor/tracing"
	"github.com/google/uuid"
)

// TaskKind is the kind of work a PartitionTask asks a partition to do.
type TaskKind int

const (
	FetchBatch TaskKind = iota
	RenewLease
	CloseIterator
)

func (k TaskKind) String() string {
	switch k {
	case FetchBatch:
		return "FetchBatch"
	case RenewLease:
		return "RenewLease"
	case CloseIterator:
		return "CloseIterator"
	}
	return fmt.Sprintf("TaskKind(%d)", int(k))
}

// PartitionTask is one unit of remote work. The session ID is the
// correlation key partitions use to find their iterator context.
type PartitionTask struct {
	Kind      TaskKind
	SessionID uuid.UUID

	// Only set for FetchBatch.
	BatchNumber int
	BatchSize   int
	ReadFlags   ReadFlags
	Filter      Filter
	MaxInactive time.Duration

	// Trace carries the span context of the caller, if any.
	Trace tracing.Carrier
}

func newFetchBatch(s *Session, batch int) PartitionTask {
	return PartitionTask{
		Kind:        FetchBatch,
		SessionID:   s.ID,
		BatchNumber: batch,
		BatchSize:   s.BatchSize,
		ReadFlags:   s.ReadFlags,
		Filter:      s.Filter,
		MaxInactive: s.MaxInactive,
	}
}

func newRenewLease(s *Session) PartitionTask {
	return PartitionTask{Kind: RenewLease, SessionID: s.ID, MaxInactive: s.MaxInactive}
}

func newCloseIterator(s *Session) PartitionTask {
	return PartitionTask{Kind: CloseIterator, SessionID: s.ID}
}

// TargetKind says which partitions a task is sent to.
type TargetKind int

const (
	// TargetEmbedded is the single implicit partition of a grid which is
	// not partitioned.
	TargetEmbedded TargetKind = iota
	TargetPartition
	TargetAll
)

// Target is where a task is executed.
type Target struct {
	Kind      TargetKind
	Partition PartitionID
}

func EmbeddedTarget() Target                { return Target{Kind: TargetEmbedded, Partition: NoPartition} }
func PartitionTarget(p PartitionID) Target { return Target{Kind: TargetPartition, Partition: p} }
func BroadcastTarget() Target               { return Target{Kind: TargetAll, Partition: NoPartition} }

func (t Target) String() string {
	switch t.Kind {
	case TargetEmbedded:
		return "embedded"
	case TargetPartition:
		return "partition " + t.Partition.String()
	}
	return "all partitions"
}

// BatchResult is the outcome of one FetchBatch on one partition.
type BatchResult struct {
	PartitionID PartitionID
	BatchNumber int
	Entries     []Entry
	Err         error
	SessionID   uuid.UUID
}

// Failed reports whether the fetch ended in error.
func (r *BatchResult) Failed() bool { return r.Err != nil }

// CompletionFunc is called once per targeted partition when a task
// finishes, on any goroutine. Exactly one of result and err is meaningful
// for FetchBatch; renew and close completions carry a nil result.
type CompletionFunc func(partition PartitionID, result *BatchResult, err error)

// Executor runs tasks against the grid. An error returned from Execute
// means nothing was dispatched and done will not be called.
type Executor interface {
	Execute(ctx context.Context, task PartitionTask, target Target, done CompletionFunc) error
}

// Router resolves a session to the partitions it has to read.
type Router interface {
	Route(s *Session) Target
	// PartitionN is the number of partitions a broadcast reaches; zero
	// for a grid which is not partitioned.
	PartitionN() int
}

// fanOut is the number of BatchResults a fetch sent to t produces.
func fanOut(t Target, r Router) int {
	if t.Kind == TargetAll {
		return r.PartitionN()
	}
	return 1
}
