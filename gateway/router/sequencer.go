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
	"context"
	"sync"

	"github.com/couchbase/stellar-sharding/gateway/topology"
)

// sequencer serializes strongly consistent writes per shard so that they
// are applied in submission order.
type sequencer struct {
	lock  sync.Mutex
	slots map[topology.ShardID]chan struct{}
}

func newSequencer() *sequencer {
	return &sequencer{
		slots: make(map[topology.ShardID]chan struct{}),
	}
}

func (s *sequencer) slot(shard topology.ShardID) chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()

	ch, ok := s.slots[shard]
	if !ok {
		ch = make(chan struct{}, 1)
		s.slots[shard] = ch
	}
	return ch
}

func (s *sequencer) acquire(ctx context.Context, shard topology.ShardID) (func(), error) {
	ch := s.slot(shard)

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
