/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package discovery

import (
	"fmt"
	"maps"
	"math/bits"
	"os"
	"slices"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Document is the discovery document describing partitioning, consistency
// policy, shards and key ranges.  It is read from YAML files and stored as
// JSON in etcd.
type Document struct {
	Version      uint64                  `yaml:"version" json:"version"`
	Consistency  ConsistencyDoc          `yaml:"consistency" json:"consistency"`
	Partitioning map[string]*StrategyDoc `yaml:"partitioning" json:"partitioning"`
	Shards       []ShardDoc              `yaml:"shards" json:"shards"`
	Ranges       []RangeDoc              `yaml:"ranges,omitempty" json:"ranges,omitempty"`
	Retired      []string                `yaml:"retired,omitempty" json:"retired,omitempty"`
}

type ConsistencyDoc struct {
	Default     string            `yaml:"default,omitempty" json:"default,omitempty"`
	MinCoverage float64           `yaml:"minCoverage,omitempty" json:"minCoverage,omitempty"`
	Categories  map[string]string `yaml:"categories,omitempty" json:"categories,omitempty"`
}

type StrategyDoc struct {
	Kind        string            `yaml:"kind" json:"kind"`
	Slots       uint64            `yaml:"slots,omitempty" json:"slots,omitempty"`
	Categories  map[string]uint64 `yaml:"categories,omitempty" json:"categories,omitempty"`
	DefaultSlot *uint64           `yaml:"defaultSlot,omitempty" json:"defaultSlot,omitempty"`
	Epoch       string            `yaml:"epoch,omitempty" json:"epoch,omitempty"`
	BucketWidth string            `yaml:"bucketWidth,omitempty" json:"bucketWidth,omitempty"`
	Primary     *StrategyDoc      `yaml:"primary,omitempty" json:"primary,omitempty"`
	Secondary   *StrategyDoc      `yaml:"secondary,omitempty" json:"secondary,omitempty"`
}

type ShardDoc struct {
	ID       string   `yaml:"id" json:"id"`
	Replicas []string `yaml:"replicas" json:"replicas"`
}

// RangeDoc assigns [Start, End) of a keyspace to a shard.  A missing End
// leaves the range open to the end of the keyspace.
type RangeDoc struct {
	Keyspace string  `yaml:"keyspace" json:"keyspace"`
	Start    uint64  `yaml:"start" json:"start"`
	End      *uint64 `yaml:"end,omitempty" json:"end,omitempty"`
	Shard    string  `yaml:"shard" json:"shard"`
}

func ParseYAML(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse discovery document")
	}
	return &doc, nil
}

func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read discovery document")
	}
	return ParseYAML(data)
}

func (d *Document) YAML() ([]byte, error) {
	return yaml.Marshal(d)
}

func (s *StrategyDoc) strategy() (*shardkey.Strategy, error) {
	if s == nil {
		return nil, nil
	}

	out := &shardkey.Strategy{
		Kind:        shardkey.Kind(s.Kind),
		Slots:       s.Slots,
		Categories:  s.Categories,
		DefaultSlot: s.DefaultSlot,
	}

	if s.Epoch != "" {
		epoch, err := time.Parse(time.RFC3339, s.Epoch)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid epoch %q", s.Epoch)
		}
		out.Epoch = epoch
	}
	if s.BucketWidth != "" {
		width, err := time.ParseDuration(s.BucketWidth)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid bucket width %q", s.BucketWidth)
		}
		out.BucketWidth = width
	}

	var err error
	if out.Primary, err = s.Primary.strategy(); err != nil {
		return nil, err
	}
	if out.Secondary, err = s.Secondary.strategy(); err != nil {
		return nil, err
	}
	return out, nil
}

func strategyDoc(s *shardkey.Strategy) *StrategyDoc {
	if s == nil {
		return nil
	}

	out := &StrategyDoc{
		Kind:        string(s.Kind),
		Slots:       s.Slots,
		Categories:  maps.Clone(s.Categories),
		DefaultSlot: s.DefaultSlot,
		Primary:     strategyDoc(s.Primary),
		Secondary:   strategyDoc(s.Secondary),
	}
	if !s.Epoch.IsZero() {
		out.Epoch = s.Epoch.UTC().Format(time.RFC3339)
	}
	if s.BucketWidth != 0 {
		out.BucketWidth = s.BucketWidth.String()
	}
	return out
}

func (d *Document) Table() (*shardkey.Table, error) {
	strategies := make(map[string]*shardkey.Strategy, len(d.Partitioning))
	for keyspace, doc := range d.Partitioning {
		s, err := doc.strategy()
		if err != nil {
			return nil, errors.Wrapf(err, "keyspace %s", keyspace)
		}
		strategies[keyspace] = s
	}
	return shardkey.NewTable(strategies)
}

func (d *Document) Policy() (*consistency.Policy, error) {
	opts := &consistency.PolicyOptions{
		Default:     consistency.Eventual,
		MinCoverage: d.Consistency.MinCoverage,
	}

	if d.Consistency.Default != "" {
		level, err := consistency.ParseLevel(d.Consistency.Default)
		if err != nil {
			return nil, err
		}
		opts.Default = level
	}

	if d.Consistency.Categories != nil {
		opts.Categories = make(map[string]consistency.Level, len(d.Consistency.Categories))
		for category, name := range d.Consistency.Categories {
			level, err := consistency.ParseLevel(name)
			if err != nil {
				return nil, errors.Wrapf(err, "category %s", category)
			}
			opts.Categories[category] = level
		}
	} else {
		opts.Categories = consistency.DefaultPolicy().Categories()
	}

	return consistency.NewPolicy(opts)
}

// Snapshot builds the topology described by the document.  Keyspaces with
// no ranges are spread evenly over the shards.
func (d *Document) Snapshot() (*topology.Snapshot, error) {
	table, err := d.Table()
	if err != nil {
		return nil, err
	}

	version := topology.Version(d.Version)
	if version == 0 {
		version = 1
	}

	opts := &topology.SnapshotOptions{
		Version:      version,
		Partitioning: table,
	}

	var shardIDs []topology.ShardID
	for _, s := range d.Shards {
		opts.Shards = append(opts.Shards, &topology.Shard{
			ID:       topology.ShardID(s.ID),
			Replicas: slices.Clone(s.Replicas),
		})
		shardIDs = append(shardIDs, topology.ShardID(s.ID))
	}
	for _, id := range d.Retired {
		opts.Retired = append(opts.Retired, topology.ShardID(id))
	}

	assigned := make(map[string]bool)
	for _, r := range d.Ranges {
		end := shardkey.MaxKey
		if r.End != nil {
			end = shardkey.Key(*r.End)
		}
		opts.Ranges = append(opts.Ranges, topology.KeyRange{
			Keyspace: r.Keyspace,
			Start:    shardkey.Key(r.Start),
			End:      end,
			Shard:    topology.ShardID(r.Shard),
		})
		assigned[r.Keyspace] = true
	}

	if len(shardIDs) == 0 {
		return nil, fmt.Errorf("discovery document defines no shards")
	}

	for _, keyspace := range table.EntityTypes() {
		if assigned[keyspace] {
			continue
		}
		strategy, _ := table.Strategy(keyspace)
		opts.Ranges = append(opts.Ranges, EvenRanges(keyspace, strategy.Span(), shardIDs)...)
	}

	return topology.NewSnapshot(opts)
}

// FromSnapshot describes a snapshot and policy as a document.
func FromSnapshot(snap *topology.Snapshot, policy *consistency.Policy) *Document {
	doc := &Document{
		Version:      uint64(snap.Version()),
		Partitioning: make(map[string]*StrategyDoc),
	}

	if policy != nil {
		doc.Consistency = ConsistencyDoc{
			Default:     policy.DefaultLevel().String(),
			MinCoverage: policy.MinCoverage(),
			Categories:  make(map[string]string),
		}
		for category, level := range policy.Categories() {
			doc.Consistency.Categories[category] = level.String()
		}
	}

	table := snap.Partitioning()
	for _, keyspace := range table.EntityTypes() {
		strategy, _ := table.Strategy(keyspace)
		doc.Partitioning[keyspace] = strategyDoc(strategy)
	}

	for _, shard := range snap.Shards() {
		doc.Shards = append(doc.Shards, ShardDoc{
			ID:       string(shard.ID),
			Replicas: slices.Clone(shard.Replicas),
		})
	}

	for _, keyspace := range snap.Keyspaces() {
		for _, r := range snap.Ranges(keyspace) {
			rd := RangeDoc{
				Keyspace: r.Keyspace,
				Start:    uint64(r.Start),
				Shard:    string(r.Shard),
			}
			if r.End != shardkey.MaxKey {
				end := uint64(r.End)
				rd.End = &end
			}
			doc.Ranges = append(doc.Ranges, rd)
		}
	}

	for _, id := range snap.Options().Retired {
		doc.Retired = append(doc.Retired, string(id))
	}

	return doc
}

// EvenRanges splits [0, span) of a keyspace over the shards.  An unbounded
// keyspace is assigned entirely to the first shard.
func EvenRanges(keyspace string, span uint64, shards []topology.ShardID) []topology.KeyRange {
	if len(shards) == 0 {
		return nil
	}
	if span == 0 {
		return []topology.KeyRange{{Keyspace: keyspace, Start: 0, End: shardkey.MaxKey, Shard: shards[0]}}
	}

	n := uint64(len(shards))
	if n > span {
		n = span
	}

	// span*i/n without overflowing for wide keyspaces
	boundary := func(i uint64) shardkey.Key {
		hi, lo := bits.Mul64(span, i)
		q, _ := bits.Div64(hi, lo, n)
		return shardkey.Key(q)
	}

	ranges := make([]topology.KeyRange, 0, n)
	for i := uint64(0); i < n; i++ {
		ranges = append(ranges, topology.KeyRange{
			Keyspace: keyspace,
			Start:    boundary(i),
			End:      boundary(i + 1),
			Shard:    shards[i],
		})
	}
	return ranges
}
