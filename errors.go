// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package gridcursor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/featurebasedb/gridcursor/errors"
)

const (
	// Transient partition failures. The partition is dropped from the
	// iteration and reported at end-of-stream.
	ErrPartitionUnavailable errors.Code = "ErrPartitionUnavailable"
	ErrIteratorExpired      errors.Code = "ErrIteratorExpired"
	ErrIteratorNotFound     errors.Code = "ErrIteratorNotFound"
	ErrIllegalBatchRequest  errors.Code = "ErrIllegalBatchRequest"

	// ErrIllegalSequence is recorded locally when a partition answers out of
	// order. It is reported like a transient failure.
	ErrIllegalSequence errors.Code = "ErrIllegalSequence"

	ErrNextTimeout    errors.Code = "ErrNextTimeout"
	ErrDispatch       errors.Code = "ErrDispatch"
	ErrCursorClosed   errors.Code = "ErrCursorClosed"
	ErrInvalidSession errors.Code = "ErrInvalidSession"
)

var transientCodes = map[errors.Code]struct{}{
	ErrPartitionUnavailable: {},
	ErrIteratorExpired:      {},
	ErrIteratorNotFound:     {},
	ErrIllegalBatchRequest:  {},
	ErrIllegalSequence:      {},
}

func NewErrPartitionUnavailable(p PartitionID) error {
	return errors.New(
		ErrPartitionUnavailable,
		fmt.Sprintf("partition %s unavailable", p),
	)
}

func NewErrIteratorExpired(p PartitionID, batch int) error {
	return errors.New(
		ErrIteratorExpired,
		fmt.Sprintf("iterator context on partition %s expired before batch %d", p, batch),
	)
}

func NewErrIteratorNotFound(p PartitionID, batch int) error {
	return errors.New(
		ErrIteratorNotFound,
		fmt.Sprintf("no iterator context on partition %s for batch %d", p, batch),
	)
}

func NewErrIllegalBatchRequest(p PartitionID, want, got int) error {
	return errors.New(
		ErrIllegalBatchRequest,
		fmt.Sprintf("partition %s: batch %d requested, context is at %d", p, got, want),
	)
}

func NewErrIllegalSequence(p PartitionID, last int, hasLast bool, got int) error {
	expect := 0
	if hasLast {
		expect = last + 1
	}
	return errors.New(
		ErrIllegalSequence,
		fmt.Sprintf("partition %s: expected batch %d, got %d", p, expect, got),
	)
}

func NewErrNextTimeout(d time.Duration) error {
	return errors.New(
		ErrNextTimeout,
		fmt.Sprintf("no batch received within %s", d),
	)
}

// NewErrDispatch marks err, returned synchronously by an Executor, as
// fatal for the cursor.
func NewErrDispatch(err error) error {
	return errors.WithCode(errors.Wrap(err, "dispatching task"), ErrDispatch)
}

func NewErrInvalidSession(msg string) error {
	return errors.New(ErrInvalidSession, "invalid session: "+msg)
}

// ErrClosed is returned by Next once the cursor has been closed.
var ErrClosed = errors.New(ErrCursorClosed, "cursor closed")

// temporary is implemented by errors which know whether they are
// recoverable, such as net.Error.
type temporary interface {
	Temporary() bool
}

// IsTransient reports whether err only disables the partition which
// returned it. Coded errors are classified by code; context cancellation
// and deadlines are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNextTimeout) || errors.Is(err, ErrDispatch) {
		return false
	}
	if _, ok := transientCodes[errors.CodeOf(err)]; ok {
		return true
	}
	if cause := errors.Cause(err); cause == context.Canceled || cause == context.DeadlineExceeded {
		return false
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

// AggregateError reports every partition which stopped because of a
// recoverable failure. It is returned by Next in place of io.EOF.
type AggregateError struct {
	Failures map[PartitionID]error
}

// Partitions returns the failed partitions in ascending order.
func (e *AggregateError) Partitions() []PartitionID {
	ids := make([]PartitionID, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d partition(s) did not complete:", len(e.Failures))
	for i, id := range e.Partitions() {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, " partition %s: %v", id, e.Failures[id])
	}
	return b.String()
}
