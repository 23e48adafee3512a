// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package gridcursor implements a scatter-gather cursor which pages through
// entries held by the partitions of a data grid. Each partition is asked for
// one batch at a time; the cursor merges the partitions' independent streams
// into a single sequence of pages and reports partitions which did not finish
// cleanly once the rest of the stream has been consumed.
package gridcursor

import (
	"fmt"
	"strings"
	"time"

	"github.com/featurebasedb/gridcursor/errors"
	"github.com/google/uuid"
)

// Defaults for a Session.
const (
	DefaultBatchSize   = 100
	DefaultMaxInactive = time.Minute
)

// PartitionID identifies one partition of the grid.
type PartitionID int

// NoPartition is the partition id reported by a grid which is not
// partitioned.
const NoPartition PartitionID = -1

// NoBatchNumber marks a BatchResult which carries no batch number.
const NoBatchNumber = -1

func (p PartitionID) String() string {
	if p == NoPartition {
		return "embedded"
	}
	return fmt.Sprintf("%d", int(p))
}

// ReadFlags is a set of options passed through to the partitions.
type ReadFlags uint32

const (
	// ReadKeysOnly asks partitions to omit entry values.
	ReadKeysOnly ReadFlags = 1 << iota
	// ReadDescending asks partitions to return keys in descending order.
	ReadDescending
)

// Has reports whether all of flag is set in f.
func (f ReadFlags) Has(flag ReadFlags) bool { return f&flag == flag }

// Entry is a single key/value pair returned by a partition. The cursor
// never looks inside it.
type Entry struct {
	Key   string
	Value []byte
}

// Filter selects entries on the partition side.
type Filter interface {
	Match(Entry) bool
}

// MatchAll is a Filter which matches every entry.
var MatchAll Filter = matchAll{}

type matchAll struct{}

func (matchAll) Match(Entry) bool { return true }
func (matchAll) String() string   { return "*" }

// KeyPrefix returns a Filter matching entries whose key starts with prefix.
func KeyPrefix(prefix string) Filter {
	return keyPrefix(prefix)
}

type keyPrefix string

func (p keyPrefix) Match(e Entry) bool { return strings.HasPrefix(e.Key, string(p)) }
func (p keyPrefix) String() string     { return string(p) + "*" }

// Session describes one iteration over the grid. It must not be modified
// once the cursor has been opened.
type Session struct {
	ID        uuid.UUID
	BatchSize int
	ReadFlags ReadFlags
	Filter    Filter

	// MaxInactive is how long a partition keeps its iterator context
	// without hearing from the cursor. Zero disables lease renewal.
	MaxInactive time.Duration

	// RoutingValue, when non-nil, restricts the iteration to the
	// partition which owns it.
	RoutingValue interface{}
}

// SessionOption is a functional option type for NewSession.
type SessionOption func(s *Session) error

// OptSessionBatchSize sets the number of entries requested per batch.
func OptSessionBatchSize(n int) SessionOption {
	return func(s *Session) error {
		s.BatchSize = n
		return nil
	}
}

func OptSessionReadFlags(flags ReadFlags) SessionOption {
	return func(s *Session) error {
		s.ReadFlags = flags
		return nil
	}
}

func OptSessionFilter(f Filter) SessionOption {
	return func(s *Session) error {
		s.Filter = f
		return nil
	}
}

func OptSessionMaxInactive(d time.Duration) SessionOption {
	return func(s *Session) error {
		s.MaxInactive = d
		return nil
	}
}

// OptSessionRoutingValue restricts the session to the partition owning v.
func OptSessionRoutingValue(v interface{}) SessionOption {
	return func(s *Session) error {
		s.RoutingValue = v
		return nil
	}
}

// OptSessionConfig applies the cursor section of a Config.
func OptSessionConfig(c Config) SessionOption {
	return func(s *Session) error {
		s.BatchSize = c.BatchSize
		s.ReadFlags = ReadFlags(c.ReadFlags)
		s.MaxInactive = c.MaxInactive.Duration()
		return nil
	}
}

// NewSession returns a validated Session with a fresh random ID.
func NewSession(opts ...SessionOption) (*Session, error) {
	s := &Session{
		ID:          uuid.New(),
		BatchSize:   DefaultBatchSize,
		Filter:      MatchAll,
		MaxInactive: DefaultMaxInactive,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) validate() error {
	switch {
	case s.BatchSize <= 0:
		return NewErrInvalidSession(fmt.Sprintf("batch size must be positive, got %d", s.BatchSize))
	case s.MaxInactive < 0:
		return NewErrInvalidSession(fmt.Sprintf("max inactive must not be negative, got %s", s.MaxInactive))
	case s.Filter == nil:
		return NewErrInvalidSession("filter required")
	}
	return nil
}

// HasRoutingValue reports whether the session is bound to one partition.
func (s *Session) HasRoutingValue() bool {
	return s.RoutingValue != nil
}
