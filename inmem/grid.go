// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package inmem implements an in-memory partitioned grid which serves the
// gridcursor task protocol. It keeps per-session iterator contexts on every
// partition, each bounded by a lease.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/featurebasedb/gridcursor"
	"github.com/featurebasedb/gridcursor/errors"
	"github.com/featurebasedb/gridcursor/logger"
	"github.com/featurebasedb/gridcursor/topology"
	"github.com/featurebasedb/gridcursor/tracing"
	"golang.org/x/sync/errgroup"
)

const (
	ErrGridClosed       errors.Code = "ErrGridClosed"
	ErrUnknownPartition errors.Code = "ErrUnknownPartition"
)

var errShutdown = errors.New(ErrGridClosed, "grid has shut down")

func newErrUnknownPartition(p gridcursor.PartitionID) error {
	return errors.New(
		ErrUnknownPartition,
		fmt.Sprintf("unknown partition %s", p),
	)
}

// Ensure type implements interface.
var (
	_ gridcursor.Executor = (*Grid)(nil)
	_ gridcursor.Router   = (*Grid)(nil)
)

// Grid is an in-memory data grid. It is both the Executor and the Router
// for cursors reading from it.
type Grid struct {
	cluster    *topology.Cluster
	partitions []*partition

	shutdown       bool
	workMu         sync.RWMutex
	workersWG      sync.WaitGroup
	workerPoolSize int
	work           chan job

	reapInterval time.Duration
	stopping     chan struct{}
	reaperDone   chan struct{}

	now    func() time.Time
	logger logger.Logger
}

// GridOption is a functional option type for NewGrid.
type GridOption func(g *Grid) error

// OptGridConfig applies a grid configuration section.
func OptGridConfig(cfg Config) GridOption {
	return func(g *Grid) error {
		if cfg.Partitions < 0 {
			return errors.Errorf("partitions must not be negative: %d", cfg.Partitions)
		}
		g.cluster = topology.NewCluster(cfg.Partitions)
		if cfg.Workers > 0 {
			g.workerPoolSize = cfg.Workers
		}
		g.reapInterval = cfg.ReapInterval.Duration()
		return nil
	}
}

func OptGridLogger(l logger.Logger) GridOption {
	return func(g *Grid) error {
		g.logger = l
		return nil
	}
}

// OptGridClock replaces time.Now for lease bookkeeping.
func OptGridClock(now func() time.Time) GridOption {
	return func(g *Grid) error {
		g.now = now
		return nil
	}
}

// NewGrid returns a running grid. Close must be called to stop its
// goroutines.
func NewGrid(opts ...GridOption) (*Grid, error) {
	cfg := NewConfig()
	g := &Grid{
		cluster:        topology.NewCluster(cfg.Partitions),
		workerPoolSize: cfg.Workers,
		reapInterval:   cfg.ReapInterval.Duration(),
		stopping:       make(chan struct{}),
		reaperDone:     make(chan struct{}),
		now:            time.Now,
		logger:         logger.NopLogger,
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}

	for _, id := range g.cluster.Partitions() {
		g.partitions = append(g.partitions, newPartition(id))
	}

	g.work = make(chan job, g.workerPoolSize)
	for i := 0; i < g.workerPoolSize; i++ {
		g.workersWG.Add(1)
		go func() {
			defer g.workersWG.Done()
			worker(g.work)
		}()
	}

	if g.reapInterval > 0 {
		go g.runReaper()
	} else {
		close(g.reaperDone)
	}
	return g, nil
}

// Close stops the workers and the reaper. Tasks already queued still run.
func (g *Grid) Close() error {
	g.workMu.Lock()
	defer g.workMu.Unlock()
	if g.shutdown {
		return nil
	}
	g.shutdown = true
	close(g.stopping)
	close(g.work)
	g.workersWG.Wait()
	<-g.reaperDone
	return nil
}

// Cluster returns the grid's partition layout.
func (g *Grid) Cluster() *topology.Cluster { return g.cluster }

// Route implements gridcursor.Router.
func (g *Grid) Route(s *gridcursor.Session) gridcursor.Target { return g.cluster.Route(s) }

// PartitionN implements gridcursor.Router.
func (g *Grid) PartitionN() int { return g.cluster.PartitionN() }

func (g *Grid) partition(id gridcursor.PartitionID) (*partition, error) {
	if g.cluster.PartitionN() == 0 {
		if id != gridcursor.NoPartition {
			return nil, newErrUnknownPartition(id)
		}
		return g.partitions[0], nil
	}
	if id < 0 || int(id) >= len(g.partitions) {
		return nil, newErrUnknownPartition(id)
	}
	return g.partitions[id], nil
}

func (g *Grid) resolve(t gridcursor.Target) ([]*partition, error) {
	switch t.Kind {
	case gridcursor.TargetAll:
		if g.cluster.PartitionN() == 0 {
			return nil, errors.New(ErrUnknownPartition, "broadcast to a grid which is not partitioned")
		}
		return g.partitions, nil
	case gridcursor.TargetEmbedded:
		p, err := g.partition(gridcursor.NoPartition)
		if err != nil {
			return nil, err
		}
		return []*partition{p}, nil
	}
	p, err := g.partition(t.Partition)
	if err != nil {
		return nil, err
	}
	return []*partition{p}, nil
}

// Put stores entries, each on the partition owning its key.
func (g *Grid) Put(entries ...gridcursor.Entry) {
	for _, e := range entries {
		g.owner(e.Key).put(e.Key, e.Value)
	}
}

// Delete removes keys from the grid. Open iterator contexts keep seeing
// the snapshot they were created with.
func (g *Grid) Delete(keys ...string) {
	for _, k := range keys {
		g.owner(k).delete(k)
	}
}

func (g *Grid) owner(key string) *partition {
	p, _ := g.partition(g.cluster.PartitionForKey(key))
	return p
}

// Len returns the number of entries in the grid.
func (g *Grid) Len() int {
	var n int
	for _, p := range g.partitions {
		n += p.len()
	}
	return n
}

// PartitionLen returns the number of entries on one partition.
func (g *Grid) PartitionLen(id gridcursor.PartitionID) (int, error) {
	p, err := g.partition(id)
	if err != nil {
		return 0, err
	}
	return p.len(), nil
}

// IteratorN returns the number of open iterator contexts.
func (g *Grid) IteratorN() int {
	var n int
	for _, p := range g.partitions {
		n += p.iteratorN()
	}
	return n
}

// InjectFault makes the next fetch on a partition fail with err.
func (g *Grid) InjectFault(id gridcursor.PartitionID, err error) error {
	p, perr := g.partition(id)
	if perr != nil {
		return perr
	}
	p.mu.Lock()
	p.fault = err
	p.mu.Unlock()
	return nil
}

// Delay slows every fetch on a partition by d. Zero removes the delay.
func (g *Grid) Delay(id gridcursor.PartitionID, d time.Duration) error {
	p, err := g.partition(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
	return nil
}

// Execute implements gridcursor.Executor. Tasks are queued to the worker
// pool; done is called from a worker goroutine.
func (g *Grid) Execute(ctx context.Context, task gridcursor.PartitionTask, target gridcursor.Target, done gridcursor.CompletionFunc) error {
	g.workMu.RLock()
	defer g.workMu.RUnlock()

	if g.shutdown {
		return errShutdown
	}

	parts, err := g.resolve(target)
	if err != nil {
		return err
	}

	switch task.Kind {
	case gridcursor.FetchBatch:
		if done == nil {
			return errors.New(gridcursor.ErrDispatch, "fetch requires a completion")
		}
		for _, p := range parts {
			p := p
			g.work <- job{
				ctx: ctx,
				fn: func(ctx context.Context) {
					res, err := g.fetch(ctx, p, task)
					done(p.id, res, err)
				},
			}
		}
	case gridcursor.RenewLease, gridcursor.CloseIterator:
		g.work <- job{
			ctx: ctx,
			fn: func(ctx context.Context) {
				g.broadcast(ctx, parts, task, done)
			},
		}
	default:
		return errors.Errorf("unknown task kind: %s", task.Kind)
	}
	return nil
}

func (g *Grid) fetch(ctx context.Context, p *partition, task gridcursor.PartitionTask) (*gridcursor.BatchResult, error) {
	span, _ := tracing.GlobalTracer.Extract(ctx, task.Trace, "Grid.FetchBatch")
	defer span.Finish()
	span.LogKV("partition", p.id.String(), "batch", task.BatchNumber)

	delay, fault := p.takeFault()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-g.stopping:
			timer.Stop()
			return nil, errShutdown
		}
	}
	if fault != nil {
		CounterFaultsInjected.Inc()
		g.logger.Debugf("partition %s: injected fault for session %s: %v", p.id, task.SessionID, fault)
		return nil, fault
	}
	return p.fetch(task, g.now())
}

// broadcast runs a renew or close on every partition concurrently.
func (g *Grid) broadcast(ctx context.Context, parts []*partition, task gridcursor.PartitionTask, done gridcursor.CompletionFunc) {
	span, _ := tracing.GlobalTracer.Extract(ctx, task.Trace, "Grid."+task.Kind.String())
	defer span.Finish()

	var eg errgroup.Group
	for _, p := range parts {
		p := p
		eg.Go(func() error {
			var err error
			if task.Kind == gridcursor.RenewLease {
				err = p.renew(task.SessionID, g.now())
			} else {
				p.closeIterator(task.SessionID)
			}
			if done != nil {
				done(p.id, nil, err)
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		g.logger.Debugf("%s for session %s: %v", task.Kind, task.SessionID, err)
	}
}

// Reap purges expired iterator contexts now and returns how many there
// were.
func (g *Grid) Reap() int {
	now := g.now()
	var n int
	for _, p := range g.partitions {
		n += p.reap(now)
	}
	return n
}

func (g *Grid) runReaper() {
	defer close(g.reaperDone)

	ticker := time.NewTicker(g.reapInterval)
	defer ticker.Stop()

	for {
		// Wait for tick or a close.
		select {
		case <-g.stopping:
			return
		case <-ticker.C:
		}

		if n := g.Reap(); n > 0 {
			g.logger.Infof("reaped %d expired iterator contexts", n)
		}
	}
}

type job struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

func worker(work chan job) {
	for j := range work {
		j.fn(j.ctx)
	}
}
