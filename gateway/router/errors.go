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
	"errors"
	"fmt"

	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/topology"
)

var (
	ErrQuorumUnreachable = errors.New("quorum unreachable")
	ErrStaleTopology     = errors.New("stale topology")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")
	ErrNotFound          = errors.New("entity not found")
)

// OperationError describes a failed routed operation and the consistency
// guarantee which could not be provided.
type OperationError struct {
	Op         OpKind
	EntityType string
	EntityID   string
	Shard      topology.ShardID
	Version    topology.Version
	Level      consistency.Level
	Err        error
}

func (e *OperationError) Error() string {
	if errors.Is(e.Err, ErrNotFound) {
		return fmt.Sprintf("%s %s/%s: %s", e.Op, e.EntityType, e.EntityID, e.Err)
	}

	shard := string(e.Shard)
	if shard == "" {
		shard = "<unresolved>"
	}

	return fmt.Sprintf("%s %s/%s on shard %s (topology %d) could not provide %s consistency (%s): %s",
		e.Op, e.EntityType, e.EntityID, shard, e.Version, e.Level, e.Level.Guarantee(), e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
