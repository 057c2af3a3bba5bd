/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package shardkey

import (
	"errors"
	"slices"
	"time"
)

// ErrUnresolvedKey is returned when an entity cannot be mapped onto its
// keyspace.  It indicates a configuration problem and is never retried.
var ErrUnresolvedKey = errors.New("unresolved shard key")

// Key is a point within the keyspace of a single entity type.
type Key uint64

// MaxKey is used as the open upper bound of a keyspace.
const MaxKey = Key(^uint64(0))

// Entity identifies a single record for the purposes of placement.
type Entity struct {
	Type     string
	ID       string
	Category string

	// Timestamp is the event time used by temporal strategies.
	Timestamp time.Time

	// PartitionKey is the secondary attribute used by hybrid strategies,
	// for instance the customer id of an order.  Defaults to ID.
	PartitionKey string
}

func (e *Entity) partitionKey() string {
	if e.PartitionKey != "" {
		return e.PartitionKey
	}
	return e.ID
}

// Interval is a half-open range of keys [Start, End).
type Interval struct {
	Start Key
	End   Key
}

func (i Interval) Contains(k Key) bool {
	return k >= i.Start && k < i.End
}

func (i Interval) Overlaps(start, end Key) bool {
	return i.Start < end && start < i.End
}

// Predicate describes the filter of a multi-record query, it is used to
// prune the set of key intervals which might contain matching records.
type Predicate struct {
	IDs        []string
	Categories []string
	TimeFrom   time.Time
	TimeTo     time.Time
}

// Matches reports whether the entity satisfies every clause of the
// predicate.  A nil predicate matches everything.
func (p *Predicate) Matches(e *Entity) bool {
	if p == nil {
		return true
	}
	if len(p.IDs) > 0 && !slices.Contains(p.IDs, e.ID) {
		return false
	}
	if len(p.Categories) > 0 && !slices.Contains(p.Categories, e.Category) {
		return false
	}
	if !p.TimeFrom.IsZero() && e.Timestamp.Before(p.TimeFrom) {
		return false
	}
	if !p.TimeTo.IsZero() && e.Timestamp.After(p.TimeTo) {
		return false
	}
	return true
}
