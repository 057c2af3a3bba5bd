/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"go.uber.org/zap"
)

const defaultHistorySize = 16

type Options struct {
	Logger      *zap.Logger
	Initial     *Snapshot
	HistorySize int
}

// Topology holds the current snapshot along with a short history of its
// predecessors.  Reads are lock-free; installs are serialized.
type Topology struct {
	logger      *zap.Logger
	historySize int

	lock     sync.Mutex
	current  atomic.Pointer[Snapshot]
	history  atomic.Pointer[[]*Snapshot]
	excluded atomic.Pointer[map[string]struct{}]

	watchersLock sync.Mutex
	watchers     []*snapshotWatcher

	inclusionLock     sync.Mutex
	inclusionHandlers []func(endpoint string)
}

type snapshotWatcher struct {
	ctx    context.Context
	signal chan struct{}
}

func New(opts *Options) (*Topology, error) {
	if opts.Initial == nil {
		return nil, fmt.Errorf("topology requires an initial snapshot")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	historySize := opts.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}

	t := &Topology{
		logger:      logger,
		historySize: historySize,
	}

	history := []*Snapshot{opts.Initial}
	excluded := make(map[string]struct{})
	t.current.Store(opts.Initial)
	t.history.Store(&history)
	t.excluded.Store(&excluded)

	return t, nil
}

func (t *Topology) Current() *Snapshot {
	return t.current.Load()
}

func (t *Topology) CurrentVersion() Version {
	return t.current.Load().Version()
}

// At returns the snapshot installed at a specific version.
func (t *Topology) At(version Version) (*Snapshot, error) {
	current := t.current.Load()
	if current.Version() == version {
		return current, nil
	}

	for _, snap := range *t.history.Load() {
		if snap.Version() == version {
			return snap, nil
		}
	}

	return nil, fmt.Errorf("%w: %d (current %d)", ErrVersionUnavailable, version, current.Version())
}

// Resolve maps an entity onto its shard using the snapshot at version.
func (t *Topology) Resolve(e *shardkey.Entity, version Version) (shardkey.Key, ShardID, error) {
	snap, err := t.At(version)
	if err != nil {
		return 0, "", err
	}
	return snap.Resolve(e)
}

func (t *Topology) ShardCount(version Version) (int, error) {
	snap, err := t.At(version)
	if err != nil {
		return 0, err
	}
	return snap.ShardCount(), nil
}

func (t *Topology) ReplicasFor(id ShardID, version Version) (ReplicaSet, error) {
	snap, err := t.At(version)
	if err != nil {
		return ReplicaSet{}, err
	}
	return t.ReplicasIn(snap, id)
}

// ReplicasIn builds the replica set of a shard from a snapshot using the
// current availability view.
func (t *Topology) ReplicasIn(snap *Snapshot, id ShardID) (ReplicaSet, error) {
	shard, ok := snap.Shard(id)
	if !ok {
		return ReplicaSet{}, fmt.Errorf("%w: %s at version %d", ErrUnknownShard, id, snap.Version())
	}

	return ReplicaSet{
		Shard:    id,
		Version:  snap.Version(),
		Replicas: shard.Replicas,
		excluded: *t.excluded.Load(),
	}, nil
}

// Install atomically replaces the current snapshot.  The new snapshot must
// carry the successor version of the current one.
func (t *Topology) Install(next *Snapshot) error {
	t.lock.Lock()

	current := t.current.Load()
	if next.Version() != current.Version()+1 {
		t.lock.Unlock()
		return fmt.Errorf("%w: cannot install %d over %d", ErrVersionConflict, next.Version(), current.Version())
	}

	for _, id := range next.ShardIDs() {
		if current.IsRetired(id) {
			t.lock.Unlock()
			return fmt.Errorf("%w: %s", ErrRetiredShard, id)
		}
	}

	history := slices.Clone(*t.history.Load())
	history = append(history, next)
	if len(history) > t.historySize {
		history = history[len(history)-t.historySize:]
	}

	t.history.Store(&history)
	t.current.Store(next)
	t.lock.Unlock()

	t.logger.Info("installed topology",
		zap.Uint64("version", uint64(next.Version())),
		zap.Int("shards", next.ShardCount()))

	t.notifyWatchers()
	return nil
}

// Exclude marks a replica endpoint unavailable without changing the version.
func (t *Topology) Exclude(endpoint string) bool {
	return t.updateExclusions(endpoint, true)
}

// Include marks a replica endpoint available again and runs the inclusion
// handlers when it was excluded.
func (t *Topology) Include(endpoint string) bool {
	if !t.updateExclusions(endpoint, false) {
		return false
	}

	t.inclusionLock.Lock()
	handlers := slices.Clone(t.inclusionHandlers)
	t.inclusionLock.Unlock()

	for _, handler := range handlers {
		handler(endpoint)
	}
	return true
}

// OnInclude registers a handler invoked each time an excluded endpoint is
// included again.  Handlers must not block.
func (t *Topology) OnInclude(handler func(endpoint string)) {
	t.inclusionLock.Lock()
	t.inclusionHandlers = append(t.inclusionHandlers, handler)
	t.inclusionLock.Unlock()
}

func (t *Topology) updateExclusions(endpoint string, exclude bool) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	old := *t.excluded.Load()
	_, wasExcluded := old[endpoint]
	if wasExcluded == exclude {
		return false
	}

	updated := make(map[string]struct{}, len(old)+1)
	for k := range old {
		updated[k] = struct{}{}
	}
	if exclude {
		updated[endpoint] = struct{}{}
	} else {
		delete(updated, endpoint)
	}
	t.excluded.Store(&updated)

	t.logger.Info("updated replica availability",
		zap.String("endpoint", endpoint),
		zap.Bool("excluded", exclude))

	return true
}

func (t *Topology) IsExcluded(endpoint string) bool {
	_, ok := (*t.excluded.Load())[endpoint]
	return ok
}

func (t *Topology) Excluded() []string {
	var out []string
	for endpoint := range *t.excluded.Load() {
		out = append(out, endpoint)
	}
	slices.Sort(out)
	return out
}

func (t *Topology) notifyWatchers() {
	t.watchersLock.Lock()
	defer t.watchersLock.Unlock()

	watchers := t.watchers[:0]
	for _, w := range t.watchers {
		if w.ctx.Err() != nil {
			continue
		}

		select {
		case w.signal <- struct{}{}:
		default:
		}
		watchers = append(watchers, w)
	}
	t.watchers = watchers
}

// Watch emits the current snapshot and then every newer one.  Slow readers
// only observe the latest snapshot.  The channel closes when ctx is done.
func (t *Topology) Watch(ctx context.Context) <-chan *Snapshot {
	outputCh := make(chan *Snapshot)

	w := &snapshotWatcher{
		ctx:    ctx,
		signal: make(chan struct{}, 1),
	}

	t.watchersLock.Lock()
	t.watchers = append(t.watchers, w)
	t.watchersLock.Unlock()

	go func() {
		var lastVersion Version
		sent := false

	MainLoop:
		for {
			snap := t.current.Load()
			if !sent || snap.Version() != lastVersion {
				select {
				case outputCh <- snap:
					sent = true
					lastVersion = snap.Version()
				case <-w.signal:
					continue MainLoop
				case <-ctx.Done():
					break MainLoop
				}
			}

			select {
			case <-w.signal:
			case <-ctx.Done():
				break MainLoop
			}
		}

		close(outputCh)
	}()

	return outputCh
}

// ReplicaSet is the ordered set of replicas of a shard along with the
// availability view at the time it was built.
type ReplicaSet struct {
	Shard    ShardID
	Version  Version
	Replicas []string

	excluded map[string]struct{}
}

// Size is the configured replica count, used for quorum calculations.
func (r ReplicaSet) Size() int {
	return len(r.Replicas)
}

func (r ReplicaSet) IsAvailable(endpoint string) bool {
	_, excluded := r.excluded[endpoint]
	return !excluded
}

// Available returns the available replicas in replica set order.
func (r ReplicaSet) Available() []string {
	out := make([]string, 0, len(r.Replicas))
	for _, endpoint := range r.Replicas {
		if r.IsAvailable(endpoint) {
			out = append(out, endpoint)
		}
	}
	return out
}

func (r ReplicaSet) Index(endpoint string) int {
	return slices.Index(r.Replicas, endpoint)
}
