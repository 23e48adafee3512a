// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package gridcursor_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/featurebasedb/gridcursor"
)

// step scripts the answer a partition gives to one FetchBatch.
type step struct {
	n int // entries returned

	// err is passed to the completion as an RPC error.
	err error
	// resultErr is returned inside the BatchResult, next to batch.
	resultErr error
	// batch overrides the batch number in the result.
	batch *int
	// hang never completes the fetch.
	hang bool
}

func batchNo(n int) *int { return &n }

// sizes scripts a partition returning batches with the given entry counts.
func sizes(ns ...int) []step {
	steps := make([]step, len(ns))
	for i, n := range ns {
		steps[i] = step{n: n}
	}
	return steps
}

// fakeGrid is a scripted Executor and Router. Fetches complete on their own
// goroutines.
type fakeGrid struct {
	partitionN int
	scripts    map[gridcursor.PartitionID][]step
	delay      func() time.Duration

	// syncErr, when set, is consulted before every task is accepted.
	syncErr func(task gridcursor.PartitionTask, target gridcursor.Target) error

	mu          sync.Mutex
	inflight    map[gridcursor.PartitionID]int
	maxInflight int
	fetches     map[gridcursor.PartitionID][]int
	renews      int
	closes      int
	targets     []gridcursor.Target
}

func newFakeGrid(partitionN int, scripts map[gridcursor.PartitionID][]step) *fakeGrid {
	return &fakeGrid{
		partitionN: partitionN,
		scripts:    scripts,
		inflight:   make(map[gridcursor.PartitionID]int),
		fetches:    make(map[gridcursor.PartitionID][]int),
	}
}

func (g *fakeGrid) PartitionN() int { return g.partitionN }

func (g *fakeGrid) Route(s *gridcursor.Session) gridcursor.Target {
	if g.partitionN == 0 {
		return gridcursor.EmbeddedTarget()
	}
	if s.HasRoutingValue() {
		return gridcursor.PartitionTarget(gridcursor.PartitionID(s.RoutingValue.(int) % g.partitionN))
	}
	return gridcursor.BroadcastTarget()
}

func (g *fakeGrid) partitionsFor(t gridcursor.Target) []gridcursor.PartitionID {
	switch t.Kind {
	case gridcursor.TargetEmbedded:
		return []gridcursor.PartitionID{gridcursor.NoPartition}
	case gridcursor.TargetPartition:
		return []gridcursor.PartitionID{t.Partition}
	}
	ids := make([]gridcursor.PartitionID, g.partitionN)
	for i := range ids {
		ids[i] = gridcursor.PartitionID(i)
	}
	return ids
}

func (g *fakeGrid) Execute(ctx context.Context, task gridcursor.PartitionTask, target gridcursor.Target, done gridcursor.CompletionFunc) error {
	if g.syncErr != nil {
		if err := g.syncErr(task, target); err != nil {
			return err
		}
	}

	g.mu.Lock()
	g.targets = append(g.targets, target)
	switch task.Kind {
	case gridcursor.RenewLease:
		g.renews++
	case gridcursor.CloseIterator:
		g.closes++
	}
	g.mu.Unlock()

	parts := g.partitionsFor(target)
	if task.Kind != gridcursor.FetchBatch {
		if done != nil {
			for _, p := range parts {
				go done(p, nil, nil)
			}
		}
		return nil
	}

	for _, p := range parts {
		g.mu.Lock()
		g.inflight[p]++
		if g.inflight[p] > g.maxInflight {
			g.maxInflight = g.inflight[p]
		}
		g.fetches[p] = append(g.fetches[p], task.BatchNumber)
		st := step{}
		if script := g.scripts[p]; task.BatchNumber < len(script) {
			st = script[task.BatchNumber]
		}
		g.mu.Unlock()

		if st.hang {
			continue
		}
		go g.complete(p, task, st, done)
	}
	return nil
}

func (g *fakeGrid) complete(p gridcursor.PartitionID, task gridcursor.PartitionTask, st step, done gridcursor.CompletionFunc) {
	if g.delay != nil {
		time.Sleep(g.delay())
	}
	g.mu.Lock()
	g.inflight[p]--
	g.mu.Unlock()

	if st.err != nil {
		done(p, nil, st.err)
		return
	}
	batch := task.BatchNumber
	if st.batch != nil {
		batch = *st.batch
	}
	done(p, &gridcursor.BatchResult{
		PartitionID: p,
		BatchNumber: batch,
		Entries:     makeEntries(p, task.BatchNumber, st.n),
		Err:         st.resultErr,
		SessionID:   task.SessionID,
	}, nil)
}

func (g *fakeGrid) stats() (maxInflight, renews, closes int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInflight, g.renews, g.closes
}

func (g *fakeGrid) fetchesFor(p gridcursor.PartitionID) []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.fetches[p]...)
}

func makeEntries(p gridcursor.PartitionID, batch, n int) []gridcursor.Entry {
	if n == 0 {
		return nil
	}
	entries := make([]gridcursor.Entry, n)
	for i := range entries {
		entries[i] = gridcursor.Entry{
			Key:   fmt.Sprintf("p%s/b%d/%d", p, batch, i),
			Value: []byte{byte(i)},
		}
	}
	return entries
}
