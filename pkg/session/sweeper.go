// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"

	"github.com/agentcache/uplink/pkg/logger"
	"github.com/agentcache/uplink/pkg/utils"
)

// DefaultSweepInterval is how often expired sessions are collected.
const DefaultSweepInterval = 15 * time.Minute

// StartSweeper periodically removes expired sessions until ctx is
// cancelled. Intervals are jittered so replicas do not sweep in
// lockstep.
func StartSweeper(ctx context.Context, store Store, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(utils.Jitter(interval, 0.1)):
			}

			n, err := store.DeleteExpired(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("session: expiry sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("expired", n).Msg("session: removed expired sessions")
			}
		}
	}()
}
