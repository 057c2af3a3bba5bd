/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package scatter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
)

var ErrIncompleteScatter = errors.New("incomplete scatter")

type Query struct {
	EntityType string
	// Category selects the consistency level of the query.
	Category  string
	Predicate shardkey.Predicate
	Limit     int

	// MinCoverage overrides the policy's minimum shard coverage for
	// eventual and weak queries when non-zero.
	MinCoverage float64
}

type QueryResult struct {
	Records []*storagenode.Record
	Level   consistency.Level
	Version topology.Version

	// Shards lists every shard contacted, Missing those which did not
	// answer.  Partial is set when Missing is not empty.
	Shards   []topology.ShardID
	Missing  []topology.ShardID
	Coverage float64
	Partial  bool
}

// QueryError is returned when a query could not provide the consistency
// guarantee of its level.
type QueryError struct {
	EntityType string
	Level      consistency.Level
	Version    topology.Version
	Shards     []topology.ShardID
	Missing    []topology.ShardID
	Coverage   float64
	Err        error
}

func (e *QueryError) Error() string {
	missing := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		missing[i] = string(id)
	}

	return fmt.Sprintf("query of %s (topology %d) could not provide %s consistency (%s): %d of %d shards answered (coverage %.2f), missing [%s]: %s",
		e.EntityType, e.Version, e.Level, e.Level.Guarantee(),
		len(e.Shards)-len(e.Missing), len(e.Shards), e.Coverage,
		strings.Join(missing, ","), e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
