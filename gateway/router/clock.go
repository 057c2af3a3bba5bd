/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package router

import (
	"sync"
	"time"
)

const logicalBits = 8

// Clock issues hybrid logical timestamps: physical microseconds in the high
// bits and a logical counter in the low bits.  Timestamps are strictly
// increasing for a single clock.
type Clock struct {
	lock sync.Mutex
	last uint64
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

func (c *Clock) Now() uint64 {
	phys := uint64(c.now().UnixMicro()) << logicalBits

	c.lock.Lock()
	defer c.lock.Unlock()

	if phys > c.last {
		c.last = phys
	} else {
		c.last++
	}
	return c.last
}

// Observe advances the clock past a timestamp seen elsewhere.
func (c *Clock) Observe(ts uint64) {
	c.lock.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.lock.Unlock()
}
