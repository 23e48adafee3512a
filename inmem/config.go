// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package inmem

import (
	"time"

	"github.com/featurebasedb/gridcursor/toml"
)

const (
	DefaultPartitions   = 4
	DefaultWorkers      = 4
	DefaultReapInterval = 5 * time.Second
)

// Config represents the grid section of the configuration.
type Config struct {
	// Partitions is the number of partitions. Zero gives a grid which is
	// not partitioned.
	Partitions int `toml:"partitions"`

	// Workers is the number of goroutines executing tasks.
	Workers int `toml:"workers"`

	// ReapInterval is how often expired iterator contexts are purged. Zero
	// disables the reaper; expired contexts are then only noticed when
	// they are next used.
	ReapInterval toml.Duration `toml:"reap-interval"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() Config {
	return Config{
		Partitions:   DefaultPartitions,
		Workers:      DefaultWorkers,
		ReapInterval: toml.Duration(DefaultReapInterval),
	}
}
