// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package gridcursor

import (
	"time"

	"github.com/featurebasedb/gridcursor/toml"
)

const (
	// DefaultNextTimeout is how long Next waits for a partition to answer
	// before giving up on the whole iteration.
	DefaultNextTimeout = 30 * time.Second
)

// Config represents the cursor section of the configuration.
type Config struct {
	BatchSize   int           `toml:"batch-size"`
	MaxInactive toml.Duration `toml:"max-inactive"`
	NextTimeout toml.Duration `toml:"next-timeout"`
	ReadFlags   uint32        `toml:"read-flags"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() Config {
	return Config{
		BatchSize:   DefaultBatchSize,
		MaxInactive: toml.Duration(DefaultMaxInactive),
		NextTimeout: toml.Duration(DefaultNextTimeout),
	}
}

// Validate checks the values which NewSession would otherwise reject, so
// the CLI can fail before building anything.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return NewErrInvalidSession("cursor.batch-size must be positive")
	}
	if c.MaxInactive < 0 {
		return NewErrInvalidSession("cursor.max-inactive must not be negative")
	}
	if c.NextTimeout <= 0 {
		return NewErrInvalidSession("cursor.next-timeout must be positive")
	}
	return nil
}
