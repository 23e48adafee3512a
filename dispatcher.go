// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package gridcursor

import (
	"context"
	"sync"

	"github.com/featurebasedb/gridcursor/errors"
	"github.com/featurebasedb/gridcursor/logger"
	"github.com/featurebasedb/gridcursor/tracing"
	"github.com/google/uuid"
)

// DispatcherConfig holds the collaborators of a Dispatcher.
type DispatcherConfig struct {
	Session  *Session
	Executor Executor
	Router   Router
	Logger   logger.Logger
}

// Dispatcher sends the tasks of one session to the grid and funnels their
// completions into a single channel. Completions may arrive on any
// goroutine; Results has exactly one reader.
type Dispatcher struct {
	session *Session
	exec    Executor
	target  Target
	fanOut  int

	// ctx is the context tasks run under. It is not tied to any caller so
	// that a cancelled Next does not strand an in-flight fetch.
	ctx context.Context

	results chan *BatchResult

	closeOnce sync.Once
	closing   chan struct{}

	logger logger.Logger
}

// OpenDispatcher resolves the session's target and requests batch 0 from
// it. An error from the executor is returned as ErrDispatch and nothing is
// retried.
func OpenDispatcher(ctx context.Context, cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Session == nil {
		return nil, NewErrInvalidSession("session required")
	} else if cfg.Executor == nil || cfg.Router == nil {
		return nil, errors.New(ErrDispatch, "executor and router required")
	}

	span, ctx := tracing.StartSpanFromContext(ctx, "Dispatcher.Open")
	defer span.Finish()

	d := &Dispatcher{
		session: cfg.Session,
		exec:    cfg.Executor,
		ctx:     context.Background(),
		closing: make(chan struct{}),
		logger:  logger.NopLogger,
	}
	if cfg.Logger != nil {
		d.logger = cfg.Logger
	}

	d.target = cfg.Router.Route(d.session)
	d.fanOut = fanOut(d.target, cfg.Router)
	if d.fanOut <= 0 {
		return nil, NewErrInvalidSession("grid reports no partitions")
	}
	span.LogKV("target", d.target.String(), "fanOut", d.fanOut)

	// One fetch is in flight per partition, so a buffer of fanOut results
	// can never fill up.
	d.results = make(chan *BatchResult, d.fanOut)

	if err := d.execute(ctx, newFetchBatch(d.session, 0), d.target, d.complete); err != nil {
		return nil, NewErrDispatch(err)
	}
	d.logger.Debugf("requested batch 0 from %s", d.target)
	return d, nil
}

// FanOut is the number of partitions the session was opened against.
func (d *Dispatcher) FanOut() int { return d.fanOut }

// Target is where the session was opened.
func (d *Dispatcher) Target() Target { return d.target }

// Results returns the channel completions are delivered on.
func (d *Dispatcher) Results() <-chan *BatchResult { return d.results }

func (d *Dispatcher) execute(ctx context.Context, task PartitionTask, target Target, done CompletionFunc) error {
	kind := task.Kind.String()
	task.Trace = tracing.Carrier{}
	tracing.GlobalTracer.Inject(ctx, task.Trace)

	if err := d.exec.Execute(d.ctx, task, target, done); err != nil {
		CounterTaskDispatchErrors.WithLabelValues(kind).Inc()
		return err
	}
	CounterTasksDispatched.WithLabelValues(kind).Inc()
	return nil
}

// complete is the CompletionFunc for fetches. Errors are turned into
// failed results so the cursor sees every completion the same way.
func (d *Dispatcher) complete(partition PartitionID, result *BatchResult, err error) {
	if err == nil && result == nil {
		err = errors.Errorf("partition %s returned neither a batch nor an error", partition)
	}
	if err != nil {
		result = &BatchResult{
			PartitionID: partition,
			BatchNumber: NoBatchNumber,
			Err:         err,
			SessionID:   d.session.ID,
		}
	} else if result.SessionID == uuid.Nil {
		result.SessionID = d.session.ID
	}
	d.push(result)
}

func (d *Dispatcher) push(r *BatchResult) {
	select {
	case <-d.closing:
		return
	default:
	}
	select {
	case d.results <- r:
	case <-d.closing:
	}
}

// DispatchNext requests batch from a single partition. An error from the
// executor is returned as ErrDispatch; nothing is queued for the partition
// in that case.
func (d *Dispatcher) DispatchNext(ctx context.Context, partition PartitionID, batch int) error {
	if d.Closed() {
		return nil
	}
	span, ctx := tracing.StartSpanFromContext(ctx, "Dispatcher.DispatchNext")
	defer span.Finish()
	span.LogKV("partition", partition.String(), "batch", batch)

	target := PartitionTarget(partition)
	if d.target.Kind == TargetEmbedded {
		target = EmbeddedTarget()
	}
	if err := d.execute(ctx, newFetchBatch(d.session, batch), target, d.complete); err != nil {
		return NewErrDispatch(errors.WithMessagef(err, "partition %s: batch %d", partition, batch))
	}
	return nil
}

// RenewLease extends the session's iterator contexts wherever it was
// opened. Failures are only logged.
func (d *Dispatcher) RenewLease(ctx context.Context) error {
	if d.Closed() {
		return nil
	}
	span, ctx := tracing.StartSpanFromContext(ctx, "Dispatcher.RenewLease")
	defer span.Finish()

	return d.execute(ctx, newRenewLease(d.session), d.target, func(p PartitionID, _ *BatchResult, err error) {
		if err != nil {
			CounterLeaseRenewals.WithLabelValues("error").Inc()
			d.logger.Warnf("renewing lease on partition %s: %v", p, err)
		}
	})
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	select {
	case <-d.closing:
		return true
	default:
		return false
	}
}

// Close releases the session's iterator contexts and discards any queued
// or late completions. Only the first call sends anything.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closing)

		err := d.execute(context.Background(), newCloseIterator(d.session), d.target, func(p PartitionID, _ *BatchResult, err error) {
			if err != nil {
				d.logger.Warnf("closing iterator on partition %s: %v", p, err)
			}
		})
		if err != nil {
			d.logger.Warnf("closing iterators: %v", err)
		}

		for {
			select {
			case <-d.results:
			default:
				return
			}
		}
	})
}
