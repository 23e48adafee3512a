// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package inmem

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/featurebasedb/gridcursor"
	"github.com/google/uuid"
)

type stringComparer struct{}

func (stringComparer) Compare(a, b string) int { return strings.Compare(a, b) }

// partition holds one shard of the grid's entries and the iterator
// contexts open against it.
type partition struct {
	id gridcursor.PartitionID

	mu    sync.Mutex
	data  *immutable.SortedMap[string, []byte]
	iters map[uuid.UUID]*iteratorContext

	// fault fails the next fetch; delay slows every fetch.
	fault error
	delay time.Duration
}

func newPartition(id gridcursor.PartitionID) *partition {
	return &partition{
		id:    id,
		data:  immutable.NewSortedMap[string, []byte](stringComparer{}),
		iters: make(map[uuid.UUID]*iteratorContext),
	}
}

func (p *partition) put(key string, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = p.data.Set(key, value)
}

func (p *partition) delete(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = p.data.Delete(key)
}

func (p *partition) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.Len()
}

func (p *partition) iteratorN() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.iters)
}

// takeFault returns the fetch delay and the pending fault, clearing it.
func (p *partition) takeFault() (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.fault
	p.fault = nil
	return p.delay, err
}

// fetch serves one FetchBatch. Batch 0 opens a context over a snapshot of
// the partition; later batches must either repeat the last batch served or
// ask for the one after it.
func (p *partition) fetch(task gridcursor.PartitionTask, now time.Time) (*gridcursor.BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ic, ok := p.iters[task.SessionID]
	if ok && ic.expired(now) {
		delete(p.iters, task.SessionID)
		CounterIteratorsExpired.Inc()
		return nil, gridcursor.NewErrIteratorExpired(p.id, task.BatchNumber)
	}

	if !ok {
		if task.BatchNumber != 0 {
			return nil, gridcursor.NewErrIteratorNotFound(p.id, task.BatchNumber)
		}
		ic = newIteratorContext(p.data, task)
		p.iters[task.SessionID] = ic
		CounterIteratorsOpened.Inc()
		ic.advance()
	} else {
		switch task.BatchNumber {
		case ic.batchNumber:
			// Retrial; serve the stored batch again.
		case ic.batchNumber + 1:
			ic.advance()
		default:
			return nil, gridcursor.NewErrIllegalBatchRequest(p.id, ic.batchNumber, task.BatchNumber)
		}
	}
	ic.renew(now)

	return &gridcursor.BatchResult{
		PartitionID: p.id,
		BatchNumber: ic.batchNumber,
		Entries:     append([]gridcursor.Entry(nil), ic.batch...),
		SessionID:   task.SessionID,
	}, nil
}

func (p *partition) renew(id uuid.UUID, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ic, ok := p.iters[id]
	if !ok {
		return gridcursor.NewErrIteratorNotFound(p.id, gridcursor.NoBatchNumber)
	} else if ic.expired(now) {
		delete(p.iters, id)
		CounterIteratorsExpired.Inc()
		return gridcursor.NewErrIteratorExpired(p.id, gridcursor.NoBatchNumber)
	}
	ic.renew(now)
	return nil
}

func (p *partition) closeIterator(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.iters, id)
}

// reap drops expired contexts and returns how many there were.
func (p *partition) reap(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int
	for id, ic := range p.iters {
		if ic.expired(now) {
			delete(p.iters, id)
			n++
		}
	}
	CounterIteratorsExpired.Add(float64(n))
	return n
}

// iteratorContext is the server side of one session on one partition.
type iteratorContext struct {
	itr        *immutable.SortedMapIterator[string, []byte]
	descending bool
	keysOnly   bool
	filter     gridcursor.Filter
	batchSize  int

	// batchNumber is the number of the batch held in batch; -1 before the
	// first one.
	batchNumber int
	batch       []gridcursor.Entry

	maxInactive time.Duration
	expires     time.Time
}

func newIteratorContext(snapshot *immutable.SortedMap[string, []byte], task gridcursor.PartitionTask) *iteratorContext {
	ic := &iteratorContext{
		itr:         snapshot.Iterator(),
		descending:  task.ReadFlags.Has(gridcursor.ReadDescending),
		keysOnly:    task.ReadFlags.Has(gridcursor.ReadKeysOnly),
		filter:      task.Filter,
		batchSize:   task.BatchSize,
		batchNumber: gridcursor.NoBatchNumber,
		maxInactive: task.MaxInactive,
	}
	if ic.filter == nil {
		ic.filter = gridcursor.MatchAll
	}
	if ic.descending {
		ic.itr.Last()
	}
	return ic
}

// advance reads the next batch from the snapshot.
func (ic *iteratorContext) advance() {
	batch := make([]gridcursor.Entry, 0, ic.batchSize)
	for len(batch) < ic.batchSize {
		var (
			key   string
			value []byte
			ok    bool
		)
		if ic.descending {
			key, value, ok = ic.itr.Prev()
		} else {
			key, value, ok = ic.itr.Next()
		}
		if !ok {
			break
		}

		e := gridcursor.Entry{Key: key, Value: value}
		if !ic.filter.Match(e) {
			continue
		}
		if ic.keysOnly {
			e.Value = nil
		}
		batch = append(batch, e)
	}
	ic.batch = batch
	ic.batchNumber++
}

func (ic *iteratorContext) renew(now time.Time) {
	if ic.maxInactive > 0 {
		ic.expires = now.Add(ic.maxInactive)
	}
}

func (ic *iteratorContext) expired(now time.Time) bool {
	return !ic.expires.IsZero() && now.After(ic.expires)
}
