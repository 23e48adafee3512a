// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package inmem_test

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/featurebasedb/gridcursor"
	"github.com/featurebasedb/gridcursor/errors"
	"github.com/featurebasedb/gridcursor/inmem"
	"github.com/featurebasedb/gridcursor/logger"
	"github.com/featurebasedb/gridcursor/toml"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// mustNewGrid returns a grid of n partitions which is closed at the end of
// the test.
func mustNewGrid(t *testing.T, n int, opts ...inmem.GridOption) *inmem.Grid {
	t.Helper()
	cfg := inmem.NewConfig()
	cfg.Partitions = n
	cfg.Workers = 4
	g, err := inmem.NewGrid(append([]inmem.GridOption{
		inmem.OptGridConfig(cfg),
		inmem.OptGridLogger(logger.NewLogfLogger(t)),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func mustOpenCursor(t *testing.T, g *inmem.Grid, opts ...gridcursor.SessionOption) *gridcursor.Cursor {
	t.Helper()
	s, err := gridcursor.NewSession(opts...)
	require.NoError(t, err)
	c, err := gridcursor.Open(context.Background(), s, g, g)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// keysOn returns n keys which the grid stores on partition p.
func keysOn(g *inmem.Grid, p gridcursor.PartitionID, n int) []string {
	var keys []string
	for i := 0; len(keys) < n; i++ {
		k := fmt.Sprintf("k%s-%d", p, i)
		if g.Cluster().PartitionForKey(k) == p {
			keys = append(keys, k)
		}
	}
	return keys
}

func putKeys(g *inmem.Grid, keys ...string) {
	for _, k := range keys {
		g.Put(gridcursor.Entry{Key: k, Value: []byte("v:" + k)})
	}
}

func collect(t *testing.T, c *gridcursor.Cursor) ([]string, error) {
	t.Helper()
	itr := gridcursor.NewEntryIterator(context.Background(), c, 5*time.Second)
	var keys []string
	for itr.Next() {
		keys = append(keys, itr.Entry().Key)
	}
	return keys, itr.Err()
}

func TestGrid_Scan(t *testing.T) {
	g := mustNewGrid(t, 4)
	var want []string
	for i := 0; i < 1000; i++ {
		k := fmt.Sprintf("key-%04d", i)
		want = append(want, k)
		putKeys(g, k)
	}
	require.Equal(t, 1000, g.Len())

	c := mustOpenCursor(t, g, gridcursor.OptSessionBatchSize(7))
	got, err := collect(t, c)
	require.NoError(t, err)

	sort.Strings(got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected keys (-want +got):\n%s", diff)
	}

	// Close is asynchronous on the grid side.
	require.Eventually(t, func() bool { return g.IteratorN() == 0 }, 5*time.Second, time.Millisecond)
}

func TestGrid_TwoPartitions(t *testing.T) {
	g := mustNewGrid(t, 2)
	putKeys(g, keysOn(g, 0, 7)...)
	putKeys(g, keysOn(g, 1, 5)...)

	c := mustOpenCursor(t, g, gridcursor.OptSessionBatchSize(3))
	var total int
	for i := 0; i < 5; i++ {
		page, err := c.Next(context.Background(), 5*time.Second)
		require.NoError(t, err)
		require.NotEmpty(t, page)
		total += len(page)
	}
	_, err := c.Next(context.Background(), 5*time.Second)
	require.Equal(t, io.EOF, err)
	require.Equal(t, 12, total)
}

func TestGrid_TransientFault(t *testing.T) {
	g := mustNewGrid(t, 2)
	putKeys(g, keysOn(g, 0, 2)...)
	putKeys(g, keysOn(g, 1, 4)...)
	require.NoError(t, g.InjectFault(1, gridcursor.NewErrPartitionUnavailable(1)))

	c := mustOpenCursor(t, g, gridcursor.OptSessionBatchSize(3))
	keys, err := collect(t, c)
	require.Len(t, keys, 2)

	var agg *gridcursor.AggregateError
	require.True(t, errors.As(err, &agg), "got %v", err)
	require.Equal(t, []gridcursor.PartitionID{1}, agg.Partitions())
}

func TestGrid_FatalFault(t *testing.T) {
	g := mustNewGrid(t, 2)
	putKeys(g, keysOn(g, 0, 20)...)
	putKeys(g, keysOn(g, 1, 20)...)
	require.NoError(t, g.InjectFault(0, io.ErrUnexpectedEOF))

	c := mustOpenCursor(t, g, gridcursor.OptSessionBatchSize(3))
	_, err := collect(t, c)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestGrid_RoutingValue(t *testing.T) {
	g := mustNewGrid(t, 8)
	for i := 0; i < 200; i++ {
		putKeys(g, fmt.Sprintf("key-%d", i))
	}
	owner := g.Cluster().PartitionForKey("key-42")
	want, err := g.PartitionLen(owner)
	require.NoError(t, err)

	c := mustOpenCursor(t, g, gridcursor.OptSessionBatchSize(4), gridcursor.OptSessionRoutingValue("key-42"))
	keys, err := collect(t, c)
	require.NoError(t, err)
	require.Len(t, keys, want)
	require.Contains(t, keys, "key-42")
	for _, k := range keys {
		require.Equal(t, owner, g.Cluster().PartitionForKey(k))
	}
}

func TestGrid_Embedded(t *testing.T) {
	g := mustNewGrid(t, 0)
	putKeys(g, "a", "b", "c", "d", "e")
	require.Equal(t, 0, g.PartitionN())

	c := mustOpenCursor(t, g, gridcursor.OptSessionBatchSize(2))
	keys, err := collect(t, c)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)
}

func TestGrid_ReadFlags(t *testing.T) {
	g := mustNewGrid(t, 1)
	putKeys(g, "a", "b", "c", "d", "e")

	c := mustOpenCursor(t, g,
		gridcursor.OptSessionBatchSize(2),
		gridcursor.OptSessionReadFlags(gridcursor.ReadDescending|gridcursor.ReadKeysOnly),
	)
	var pages [][]gridcursor.Entry
	for {
		page, err := c.Next(context.Background(), 5*time.Second)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		pages = append(pages, page)
	}
	want := [][]gridcursor.Entry{
		{{Key: "e"}, {Key: "d"}},
		{{Key: "c"}, {Key: "b"}},
		{{Key: "a"}},
	}
	if diff := cmp.Diff(want, pages); diff != "" {
		t.Fatalf("unexpected pages (-want +got):\n%s", diff)
	}
}

func TestGrid_KeyPrefix(t *testing.T) {
	g := mustNewGrid(t, 3)
	for i := 0; i < 50; i++ {
		putKeys(g, fmt.Sprintf("user/%d", i), fmt.Sprintf("order/%d", i))
	}

	c := mustOpenCursor(t, g, gridcursor.OptSessionBatchSize(5), gridcursor.OptSessionFilter(gridcursor.KeyPrefix("order/")))
	keys, err := collect(t, c)
	require.NoError(t, err)
	require.Len(t, keys, 50)
}

func TestGrid_SnapshotIsolation(t *testing.T) {
	g := mustNewGrid(t, 1)
	for i := 0; i < 10; i++ {
		putKeys(g, fmt.Sprintf("key-%02d", i))
	}
	c := mustOpenCursor(t, g, gridcursor.OptSessionBatchSize(3))

	page, err := c.Next(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.Len(t, page, 3)

	g.Delete("key-09")
	putKeys(g, "key-99")

	keys, err := collect(t, c)
	require.NoError(t, err)
	require.Len(t, keys, 7)
	require.Contains(t, keys, "key-09")
	require.NotContains(t, keys, "key-99")
}

func TestGrid_Delay(t *testing.T) {
	g := mustNewGrid(t, 2)
	putKeys(g, keysOn(g, 0, 3)...)
	require.NoError(t, g.Delay(1, time.Second))

	c := mustOpenCursor(t, g)
	page, err := c.Next(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, page, 3)

	_, err = c.Next(context.Background(), 10*time.Millisecond)
	require.True(t, errors.Is(err, gridcursor.ErrNextTimeout), "got %v", err)
}

func TestGrid_Close(t *testing.T) {
	g := mustNewGrid(t, 2)
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	s, err := gridcursor.NewSession()
	require.NoError(t, err)
	_, err = gridcursor.Open(context.Background(), s, g, g)
	require.True(t, errors.Is(err, gridcursor.ErrDispatch), "got %v", err)
	require.True(t, errors.Is(err, inmem.ErrGridClosed), "got %v", err)
}

func TestGrid_UnknownPartition(t *testing.T) {
	g := mustNewGrid(t, 2)
	require.True(t, errors.Is(g.InjectFault(5, io.EOF), inmem.ErrUnknownPartition))
	require.True(t, errors.Is(g.Delay(-1, time.Second), inmem.ErrUnknownPartition))

	err := g.Execute(context.Background(), gridcursor.PartitionTask{Kind: gridcursor.RenewLease}, gridcursor.PartitionTarget(2), nil)
	require.True(t, errors.Is(err, inmem.ErrUnknownPartition))
}

// completion is one call of a CompletionFunc.
type completion struct {
	partition gridcursor.PartitionID
	result    *gridcursor.BatchResult
	err       error
}

// execute runs task on one partition and waits for its completion.
func execute(t *testing.T, g *inmem.Grid, task gridcursor.PartitionTask, p gridcursor.PartitionID) completion {
	t.Helper()
	ch := make(chan completion, 1)
	err := g.Execute(context.Background(), task, gridcursor.PartitionTarget(p), func(p gridcursor.PartitionID, r *gridcursor.BatchResult, err error) {
		ch <- completion{partition: p, result: r, err: err}
	})
	require.NoError(t, err)
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
	}
	return completion{}
}

func fetchTask(id uuid.UUID, batch int, maxInactive time.Duration) gridcursor.PartitionTask {
	return gridcursor.PartitionTask{
		Kind:        gridcursor.FetchBatch,
		SessionID:   id,
		BatchNumber: batch,
		BatchSize:   2,
		Filter:      gridcursor.MatchAll,
		MaxInactive: maxInactive,
	}
}

func TestGrid_IteratorContext(t *testing.T) {
	g := mustNewGrid(t, 1)
	putKeys(g, "a", "b", "c", "d", "e")
	id := uuid.New()

	// Only batch 0 may create a context.
	c := execute(t, g, fetchTask(id, 1, time.Minute), 0)
	require.True(t, errors.Is(c.err, gridcursor.ErrIteratorNotFound), "got %v", c.err)
	require.True(t, gridcursor.IsTransient(c.err))

	c = execute(t, g, fetchTask(id, 0, time.Minute), 0)
	require.NoError(t, c.err)
	require.Equal(t, 0, c.result.BatchNumber)
	require.Equal(t, gridcursor.PartitionID(0), c.partition)
	require.Equal(t, id, c.result.SessionID)
	require.Len(t, c.result.Entries, 2)
	require.Equal(t, 1, g.IteratorN())

	// Asking for the same batch again is a retrial.
	again := execute(t, g, fetchTask(id, 0, time.Minute), 0)
	require.NoError(t, again.err)
	require.Equal(t, c.result.Entries, again.result.Entries)

	c = execute(t, g, fetchTask(id, 1, time.Minute), 0)
	require.NoError(t, c.err)
	require.Equal(t, "c", c.result.Entries[0].Key)

	c = execute(t, g, fetchTask(id, 3, time.Minute), 0)
	require.True(t, errors.Is(c.err, gridcursor.ErrIllegalBatchRequest), "got %v", c.err)

	c = execute(t, g, gridcursor.PartitionTask{Kind: gridcursor.RenewLease, SessionID: id}, 0)
	require.NoError(t, c.err)
	require.Nil(t, c.result)

	c = execute(t, g, gridcursor.PartitionTask{Kind: gridcursor.CloseIterator, SessionID: id}, 0)
	require.NoError(t, c.err)
	require.Equal(t, 0, g.IteratorN())

	c = execute(t, g, gridcursor.PartitionTask{Kind: gridcursor.RenewLease, SessionID: id}, 0)
	require.True(t, errors.Is(c.err, gridcursor.ErrIteratorNotFound), "got %v", c.err)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGrid_LeaseExpiry(t *testing.T) {
	clock := &testClock{now: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := mustNewGrid(t, 1, inmem.OptGridClock(clock.Now))
	putKeys(g, "a", "b", "c", "d", "e")

	expiring, kept := uuid.New(), uuid.New()
	require.NoError(t, execute(t, g, fetchTask(expiring, 0, time.Second), 0).err)
	require.NoError(t, execute(t, g, fetchTask(kept, 0, time.Second), 0).err)

	clock.Add(800 * time.Millisecond)
	require.NoError(t, execute(t, g, gridcursor.PartitionTask{Kind: gridcursor.RenewLease, SessionID: kept}, 0).err)
	clock.Add(800 * time.Millisecond)

	c := execute(t, g, fetchTask(expiring, 1, time.Second), 0)
	require.True(t, errors.Is(c.err, gridcursor.ErrIteratorExpired), "got %v", c.err)
	require.True(t, gridcursor.IsTransient(c.err))

	c = execute(t, g, fetchTask(kept, 1, time.Second), 0)
	require.NoError(t, c.err)

	clock.Add(2 * time.Second)
	require.Equal(t, 1, g.Reap())
	require.Equal(t, 0, g.IteratorN())
}

func TestGrid_ReaperPurgesExpiredContexts(t *testing.T) {
	cfg := inmem.NewConfig()
	cfg.Partitions = 2
	cfg.ReapInterval = toml.Duration(5 * time.Millisecond)
	g, err := inmem.NewGrid(inmem.OptGridConfig(cfg))
	require.NoError(t, err)
	defer g.Close()
	putKeys(g, keysOn(g, 0, 5)...)

	require.NoError(t, execute(t, g, fetchTask(uuid.New(), 0, 10*time.Millisecond), 0).err)
	require.Equal(t, 1, g.IteratorN())
	require.Eventually(t, func() bool { return g.IteratorN() == 0 }, 5*time.Second, time.Millisecond)
}

func TestGrid_LeaseKeeperKeepsContextsAlive(t *testing.T) {
	cfg := inmem.NewConfig()
	cfg.Partitions = 3
	cfg.ReapInterval = toml.Duration(5 * time.Millisecond)
	g, err := inmem.NewGrid(inmem.OptGridConfig(cfg))
	require.NoError(t, err)
	defer g.Close()
	for i := 0; i < 60; i++ {
		putKeys(g, fmt.Sprintf("key-%d", i))
	}

	c := mustOpenCursor(t, g, gridcursor.OptSessionBatchSize(4), gridcursor.OptSessionMaxInactive(100*time.Millisecond))

	// Idle for several lease periods; renewals keep the contexts alive.
	time.Sleep(350 * time.Millisecond)
	require.Equal(t, 3, g.IteratorN())

	keys, err := collect(t, c)
	require.NoError(t, err)
	require.Len(t, keys, 60)
}
