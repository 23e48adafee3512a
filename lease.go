// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package gridcursor

import (
	"context"
	"sync"
	"time"

	"github.com/featurebasedb/gridcursor/logger"
)

// LeaseKeeperConfig configures a LeaseKeeper.
type LeaseKeeperConfig struct {
	// Interval between renewals. Zero disables the keeper.
	Interval time.Duration

	// Finished is checked before every renewal. Once it returns true the
	// keeper exits without renewing.
	Finished func() bool

	Renew func(ctx context.Context) error

	Logger logger.Logger
}

// LeaseKeeper periodically renews a session's lease until its cursor is
// finished or the keeper is stopped.
type LeaseKeeper struct {
	interval time.Duration
	finished func() bool
	renew    func(ctx context.Context) error

	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewLeaseKeeper returns a LeaseKeeper which has not been started.
func NewLeaseKeeper(cfg LeaseKeeperConfig) *LeaseKeeper {
	k := &LeaseKeeper{
		interval: cfg.Interval,
		finished: func() bool { return false },
		renew:    func(context.Context) error { return nil },
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.NopLogger,
	}
	if cfg.Finished != nil {
		k.finished = cfg.Finished
	}
	if cfg.Renew != nil {
		k.renew = cfg.Renew
	}
	if cfg.Logger != nil {
		k.logger = cfg.Logger
	}
	return k
}

// Start runs the renewal loop in a new goroutine.
func (k *LeaseKeeper) Start() {
	if k.interval <= 0 {
		close(k.done)
		return
	}
	go k.run()
}

func (k *LeaseKeeper) run() {
	defer close(k.done)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		// Wait for tick or a stop.
		select {
		case <-k.stopping:
			return
		case <-ticker.C:
		}

		if k.finished() {
			k.logger.Debugf("cursor finished, lease keeper exiting")
			return
		}
		if err := k.renew(context.Background()); err != nil {
			CounterLeaseRenewals.WithLabelValues("error").Inc()
			k.logger.Warnf("renewing lease: %v", err)
			continue
		}
		CounterLeaseRenewals.WithLabelValues("sent").Inc()
	}
}

// Stop stops the renewal loop and waits for it to exit. It is safe to call
// more than once, but only after Start.
func (k *LeaseKeeper) Stop() {
	k.stopOnce.Do(func() { close(k.stopping) })
	<-k.done
}

// Done is closed once the renewal loop has exited.
func (k *LeaseKeeper) Done() <-chan struct{} {
	return k.done
}
