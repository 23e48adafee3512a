// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package gridcursor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/featurebasedb/gridcursor/errors"
	"github.com/featurebasedb/gridcursor/logger"
	"github.com/featurebasedb/gridcursor/tracing"
)

// State is the lifecycle state of a Cursor.
type State int

const (
	// StateDraining means partitions are still being read. A cursor
	// returning a page stays in this state.
	StateDraining State = iota
	// StateDrained means every partition finished cleanly.
	StateDrained
	// StateAborted means a fatal error was seen, or some partitions failed
	// and the rest finished.
	StateAborted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDraining:
		return "draining"
	case StateDrained:
		return "drained"
	case StateAborted:
		return "aborted"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// partitionState is what the cursor knows about one partition. It is only
// touched by Next.
type partitionState struct {
	lastBatch int
	hasLast   bool
	active    bool
	err       error
}

// CursorOption is a functional option type for Open.
type CursorOption func(c *Cursor) error

func OptCursorLogger(l logger.Logger) CursorOption {
	return func(c *Cursor) error {
		c.logger = l
		return nil
	}
}

// Cursor merges the batch streams of every partition a session targets
// into one sequence of pages.
type Cursor struct {
	// mu serializes Next.
	mu sync.Mutex

	session    *Session
	dispatcher *Dispatcher
	lease      *LeaseKeeper

	// Only touched while holding mu.
	partitions map[PartitionID]*partitionState
	expected   int

	// stateMu guards the fields below, which are read by Stats and the
	// lease keeper while Next may be waiting.
	stateMu  sync.Mutex
	state    State
	err      error
	active   int
	observed int
	failed   []PartitionID

	closeOnce sync.Once
	closing   chan struct{}

	logger logger.Logger
}

// Open starts iterating over s. The first batch is requested from every
// targeted partition before Open returns.
func Open(ctx context.Context, s *Session, exec Executor, router Router, opts ...CursorOption) (*Cursor, error) {
	if s == nil {
		return nil, NewErrInvalidSession("session required")
	}
	if err := s.validate(); err != nil {
		return nil, err
	}

	span, ctx := tracing.StartSpanFromContext(ctx, "Cursor.Open")
	defer span.Finish()

	c := &Cursor{
		session:    s,
		partitions: make(map[PartitionID]*partitionState),
		closing:    make(chan struct{}),
		logger:     logger.NopLogger,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	c.logger = c.logger.WithPrefix(fmt.Sprintf("cursor %s: ", s.ID))

	d, err := OpenDispatcher(ctx, DispatcherConfig{
		Session:  s,
		Executor: exec,
		Router:   router,
		Logger:   c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.dispatcher = d
	c.expected = d.FanOut()
	c.active = c.expected

	c.lease = NewLeaseKeeper(LeaseKeeperConfig{
		Interval: s.MaxInactive / 2,
		Finished: c.Finished,
		Renew:    d.RenewLease,
		Logger:   c.logger,
	})
	c.lease.Start()

	return c, nil
}

// Session returns the session the cursor was opened with.
func (c *Cursor) Session() *Session { return c.session }

// Next returns the next page of entries. It returns io.EOF once every
// partition has finished, an *AggregateError instead if any partition
// failed along the way, and ErrClosed once a cursor still draining is
// closed. A fatal error is returned again by every later call, as is
// io.EOF, even after Close.
//
// Next waits at most timeout for each batch; a partition that does not
// answer in time aborts the iteration, as does an executor refusing the
// next fetch (ErrDispatch). Cancelling ctx returns ctx.Err()
// and leaves the cursor usable. A page may be empty when a partition's
// last batch is.
func (c *Cursor) Next(ctx context.Context, timeout time.Duration) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultNextTimeout
	}

	for {
		if err := c.terminalErr(); err != nil {
			return nil, err
		}
		if c.activeN() == 0 {
			return nil, c.finish()
		}

		r, err := c.pop(ctx, timeout)
		if err != nil {
			return nil, err
		}

		page, ok, err := c.handle(ctx, r)
		if err != nil {
			return nil, err
		} else if ok {
			return page, nil
		}
	}
}

// terminalErr returns the error Next reports once the cursor has left the
// draining state.
func (c *Cursor) terminalErr() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	switch c.state {
	case StateDrained:
		return io.EOF
	case StateAborted:
		return c.err
	case StateClosed:
		return ErrClosed
	}
	return nil
}

func (c *Cursor) activeN() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.active
}

func (c *Cursor) pop(ctx context.Context, timeout time.Duration) (*BatchResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-c.dispatcher.Results():
		return r, nil
	case <-timer.C:
		err := NewErrNextTimeout(timeout)
		c.abort(err)
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closing:
		return nil, ErrClosed
	}
}

// handle classifies one result. It returns the page to yield, if any, or
// the fatal error which aborted the cursor.
func (c *Cursor) handle(ctx context.Context, r *BatchResult) ([]Entry, bool, error) {
	p := r.PartitionID
	ps, ok := c.partitions[p]
	if !ok {
		if len(c.partitions) >= c.expected {
			CounterBatchesReceived.WithLabelValues("dropped").Inc()
			c.logger.Warnf("dropping result from unexpected partition %s (batch %d)", p, r.BatchNumber)
			return nil, false, nil
		}
		ps = &partitionState{lastBatch: NoBatchNumber, active: true}
		c.partitions[p] = ps
		c.stateMu.Lock()
		c.observed++
		c.stateMu.Unlock()
	}
	if !ps.active {
		CounterBatchesReceived.WithLabelValues("dropped").Inc()
		c.logger.Debugf("dropping result from inactive partition %s (batch %d)", p, r.BatchNumber)
		return nil, false, nil
	}

	// A failure takes precedence over the sequence check: a failed result
	// usually carries no batch number at all.
	if r.Failed() {
		CounterBatchesReceived.WithLabelValues("failed").Inc()
		if IsTransient(r.Err) {
			c.logger.Warnf("partition %s failed, continuing without it: %v", p, r.Err)
			c.deactivate(p, ps, r.Err, "failed")
			return nil, false, nil
		}
		err := errors.Wrapf(r.Err, "partition %s", p)
		c.logger.Errorf("aborting: %v", err)
		c.abort(err)
		return nil, false, err
	}

	if expect := ps.lastBatch + 1; r.BatchNumber == NoBatchNumber || r.BatchNumber != expect {
		CounterBatchesReceived.WithLabelValues("illegal").Inc()
		err := NewErrIllegalSequence(p, ps.lastBatch, ps.hasLast, r.BatchNumber)
		c.logger.Warnf("%v", err)
		c.deactivate(p, ps, err, "illegal")
		return nil, false, nil
	}
	ps.lastBatch, ps.hasLast = r.BatchNumber, true

	if len(r.Entries) < c.session.BatchSize {
		CounterBatchesReceived.WithLabelValues("last").Inc()
		c.logger.Debugf("partition %s finished at batch %d", p, r.BatchNumber)
		c.deactivate(p, ps, nil, "last")
		return r.Entries, true, nil
	}

	if err := c.dispatcher.DispatchNext(ctx, p, r.BatchNumber+1); err != nil {
		c.logger.Errorf("aborting: %v", err)
		c.abort(err)
		return nil, false, err
	}
	CounterBatchesReceived.WithLabelValues("normal").Inc()
	return r.Entries, true, nil
}

func (c *Cursor) deactivate(p PartitionID, ps *partitionState, err error, reason string) {
	ps.active = false
	ps.err = err
	CounterPartitionsDeactivated.WithLabelValues(reason).Inc()

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.active > 0 {
		c.active--
	}
	if err != nil {
		c.failed = append(c.failed, p)
	}
}

// finish moves a cursor with no active partitions to its terminal state.
func (c *Cursor) finish() error {
	var failures map[PartitionID]error
	for p, ps := range c.partitions {
		if ps.err != nil {
			if failures == nil {
				failures = make(map[PartitionID]error)
			}
			failures[p] = ps.err
		}
	}
	if failures != nil {
		err := &AggregateError{Failures: failures}
		c.logger.Warnf("%v", err)
		c.setTerminal(StateAborted, err, "failed")
		return err
	}
	c.logger.Debugf("drained")
	c.setTerminal(StateDrained, nil, "drained")
	return io.EOF
}

func (c *Cursor) abort(err error) {
	c.setTerminal(StateAborted, err, "aborted")
}

// setTerminal records the final state, stops the lease keeper and drops
// the partition state. Close is still needed to release the grid's
// iterator contexts.
func (c *Cursor) setTerminal(state State, err error, outcome string) {
	c.stateMu.Lock()
	if c.state != StateDraining {
		c.stateMu.Unlock()
		return
	}
	c.state, c.err = state, err
	c.stateMu.Unlock()

	CounterCursorsFinished.WithLabelValues(outcome).Inc()
	c.lease.Stop()
	c.partitions = make(map[PartitionID]*partitionState)
}

// Finished reports whether the cursor has reached a terminal state or has
// been closed.
func (c *Cursor) Finished() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state != StateDraining
}

// Close releases the cursor and its iterator contexts on the grid. It may
// be called at any time, including while Next is waiting, and more than
// once.
func (c *Cursor) Close() error {
	c.closeOnce.Do(func() {
		// A drained or aborted cursor keeps reporting its outcome.
		c.stateMu.Lock()
		if c.state == StateDraining {
			c.state = StateClosed
		}
		c.stateMu.Unlock()
		close(c.closing)

		c.lease.Stop()
		c.dispatcher.Close()

		// A waiting Next returns as soon as it sees closing.
		c.mu.Lock()
		c.partitions = nil
		c.mu.Unlock()
	})
	return nil
}

// CursorStats is a point-in-time view of a cursor.
type CursorStats struct {
	State State
	// Expected is the fan-out the cursor was opened with.
	Expected int
	// Observed is how many partitions have answered at least once.
	Observed int
	Active   int
	// Failed lists partitions deactivated by a failure or illegal
	// sequence, in the order they were dropped.
	Failed []PartitionID
	Err    error
}

func (c *Cursor) Stats() CursorStats {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return CursorStats{
		State:    c.state,
		Expected: c.expected,
		Observed: c.observed,
		Active:   c.active,
		Failed:   append([]PartitionID(nil), c.failed...),
		Err:      c.err,
	}
}
