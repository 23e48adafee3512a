// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package topology describes how a grid is split into partitions and
// resolves keys and sessions to the partitions which own them.
package topology

import (
	"fmt"

	"github.com/cespare/xxhash"
	"github.com/featurebasedb/gridcursor"
)

// Ensure type implements interface.
var _ gridcursor.Router = (*Cluster)(nil)

// Cluster is a static partition layout. A zero Count describes a grid
// which is not partitioned.
type Cluster struct {
	Count int

	// Hasher places a key hash in [0, Count). Defaults to jump hash.
	Hasher Hasher
}

// NewCluster returns a cluster of n partitions using the default hasher.
func NewCluster(n int) *Cluster {
	return &Cluster{Count: n, Hasher: NewHasher()}
}

// PartitionN implements gridcursor.Router.
func (c *Cluster) PartitionN() int {
	if c.Count < 0 {
		return 0
	}
	return c.Count
}

// Route implements gridcursor.Router.
func (c *Cluster) Route(s *gridcursor.Session) gridcursor.Target {
	if c.Count <= 0 {
		return gridcursor.EmbeddedTarget()
	}
	if s.HasRoutingValue() {
		return gridcursor.PartitionTarget(c.PartitionForValue(s.RoutingValue))
	}
	return gridcursor.BroadcastTarget()
}

// PartitionForKey returns the partition which owns key, or NoPartition if
// the grid is not partitioned.
func (c *Cluster) PartitionForKey(key string) gridcursor.PartitionID {
	if c.Count <= 0 {
		return gridcursor.NoPartition
	}
	h := c.Hasher
	if h == nil {
		h = NewHasher()
	}
	return gridcursor.PartitionID(h.Hash(xxhash.Sum64String(key), c.Count))
}

// PartitionForValue routes an arbitrary routing value through its string
// form, so that Put("42", ...) and a routing value of 42 agree.
func (c *Cluster) PartitionForValue(v interface{}) gridcursor.PartitionID {
	switch v := v.(type) {
	case string:
		return c.PartitionForKey(v)
	case []byte:
		return c.PartitionForKey(string(v))
	}
	return c.PartitionForKey(fmt.Sprint(v))
}

// Partitions lists every partition of the cluster, or just NoPartition for
// a grid which is not partitioned.
func (c *Cluster) Partitions() []gridcursor.PartitionID {
	if c.Count <= 0 {
		return []gridcursor.PartitionID{gridcursor.NoPartition}
	}
	ids := make([]gridcursor.PartitionID, c.Count)
	for i := range ids {
		ids[i] = gridcursor.PartitionID(i)
	}
	return ids
}

// Hasher represents an interface to hash integers into buckets.
type Hasher interface {
	// Hashes the key into a number between [0,N).
	Hash(key uint64, n int) int
}

// NewHasher returns a new instance of the default hasher.
func NewHasher() Hasher { return &jmphasher{} }

// jmphasher represents an implementation of jmphash. Implements Hasher.
type jmphasher struct{}

// Hash returns the integer hash for the given key.
func (h *jmphasher) Hash(key uint64, n int) int {
	b, j := int64(-1), int64(0)
	for j < int64(n) {
		b = j
		key = key*uint64(2862933555777941757) + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
