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
	"fmt"

	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
)

type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

func (k OpKind) isWrite() bool {
	return k == OpWrite || k == OpDelete
}

type Operation struct {
	Kind    OpKind
	Entity  shardkey.Entity
	Payload []byte
}

type Result struct {
	// Record is the record read, or the record written.
	Record  *storagenode.Record
	Shard   topology.ShardID
	Version topology.Version
	Level   consistency.Level

	// Acks is the number of replicas which acknowledged the operation
	// before it returned.
	Acks int
}
