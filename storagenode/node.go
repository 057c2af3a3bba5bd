/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package storagenode

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrUnavailable = errors.New("storage node unavailable")
)

// Record is a single versioned entity as held by a storage node.
type Record struct {
	EntityType   string       `json:"entityType"`
	EntityID     string       `json:"entityId"`
	Category     string       `json:"category,omitempty"`
	Timestamp    time.Time    `json:"timestamp,omitempty"`
	PartitionKey string       `json:"partitionKey,omitempty"`
	Key          shardkey.Key `json:"key"`
	LogicalTS    uint64       `json:"logicalTs"`
	Deleted      bool         `json:"deleted,omitempty"`
	Payload      []byte       `json:"payload,omitempty"`
}

func (r *Record) Entity() *shardkey.Entity {
	return &shardkey.Entity{
		Type:         r.EntityType,
		ID:           r.EntityID,
		Category:     r.Category,
		Timestamp:    r.Timestamp,
		PartitionKey: r.PartitionKey,
	}
}

func (r *Record) Clone() *Record {
	c := *r
	c.Payload = slices.Clone(r.Payload)
	return &c
}

// ShouldApply decides whether an incoming write replaces the existing record.
// Writes are idempotent on (entity id, logical timestamp) and the highest
// logical timestamp wins.
func ShouldApply(existing, incoming *Record) bool {
	if existing == nil {
		return true
	}
	return incoming.LogicalTS > existing.LogicalTS
}

// ScanFilter selects records held for one shard.  A zero KeyEnd leaves the
// key range unbounded above.
type ScanFilter struct {
	EntityType     string       `json:"entityType,omitempty"`
	KeyStart       shardkey.Key `json:"keyStart,omitempty"`
	KeyEnd         shardkey.Key `json:"keyEnd,omitempty"`
	IDs            []string     `json:"ids,omitempty"`
	Categories     []string     `json:"categories,omitempty"`
	TimeFrom       time.Time    `json:"timeFrom,omitempty"`
	TimeTo         time.Time    `json:"timeTo,omitempty"`
	IncludeDeleted bool         `json:"includeDeleted,omitempty"`
}

func (f *ScanFilter) Matches(r *Record) bool {
	if f == nil {
		return !r.Deleted
	}
	if r.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.EntityType != "" && r.EntityType != f.EntityType {
		return false
	}
	if r.Key < f.KeyStart {
		return false
	}
	if f.KeyEnd != 0 && r.Key >= f.KeyEnd {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, r.EntityID) {
		return false
	}
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, r.Category) {
		return false
	}
	if !f.TimeFrom.IsZero() && r.Timestamp.Before(f.TimeFrom) {
		return false
	}
	if !f.TimeTo.IsZero() && r.Timestamp.After(f.TimeTo) {
		return false
	}
	return true
}

// Node is the interface every storage node exposes to the router.
type Node interface {
	// Write stores rec for a shard.  It is idempotent on
	// (rec.EntityID, rec.LogicalTS) and never replaces a newer record.
	Write(ctx context.Context, shard topology.ShardID, rec *Record) error

	// Read returns the latest record of an entity, including tombstones.
	// ErrNotFound is returned when the node holds nothing for it.
	Read(ctx context.Context, shard topology.ShardID, entityType, entityID string) (*Record, error)

	Scan(ctx context.Context, shard topology.ShardID, filter *ScanFilter) ([]*Record, error)

	Ping(ctx context.Context) error
}
