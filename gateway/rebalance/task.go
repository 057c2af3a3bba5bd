/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package rebalance

import (
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
)

var (
	ErrMigrationFailed = errors.New("migration failed")
	ErrUnknownTask     = errors.New("unknown migration task")
	ErrInvalidMove     = errors.New("invalid range move")
	ErrVerifyMismatch  = errors.New("source and destination differ")
)

type State int

const (
	StatePending State = iota
	StateCopying
	StateVerifying
	StateCutover
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCopying:
		return "copying"
	case StateVerifying:
		return "verifying"
	case StateCutover:
		return "cutover"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

type Reason string

const (
	ReasonManual       Reason = "manual"
	ReasonHotShard     Reason = "hot-shard"
	ReasonShardAdded   Reason = "shard-added"
	ReasonShardRemoved Reason = "shard-removed"
)

// Task describes the migration of one key range between two shards.
type Task struct {
	ID          string           `json:"id"`
	Keyspace    string           `json:"keyspace"`
	Start       shardkey.Key     `json:"start"`
	End         shardkey.Key     `json:"end"`
	Source      topology.ShardID `json:"source"`
	Destination topology.ShardID `json:"destination"`
	Reason      Reason           `json:"reason"`
	State       State            `json:"state"`
	Attempts    int              `json:"attempts"`
	Copied      int              `json:"copied"`
	Version     topology.Version `json:"version,omitempty"`
	Created     time.Time        `json:"created"`
	Updated     time.Time        `json:"updated"`
	Error       string           `json:"error,omitempty"`

	Err error `json:"-"`
}

func (t *Task) describe() string {
	return fmt.Sprintf("%s[%d,%d) %s->%s", t.Keyspace, t.Start, t.End, t.Source, t.Destination)
}
