/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package etcdmemberlist

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/couchbase/stellar-sharding/utils/latestonlychannel"
	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type MemberListOptions struct {
	Logger     *zap.Logger
	EtcdClient *etcd.Client
	KeyPrefix  string
}

// MemberList tracks the storage nodes which currently hold a registration
// lease under a key prefix.
type MemberList struct {
	logger     *zap.Logger
	etcdClient *etcd.Client
	keyPrefix  string
}

// NodeInfo is what a storage node publishes about itself.
type NodeInfo struct {
	Endpoint  string    `json:"endpoint"`
	Shard     string    `json:"shard,omitempty"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

type Member struct {
	MemberID string
	Node     NodeInfo
}

type MembersSnapshot struct {
	Revision int64
	Members  []*Member
}

// Endpoints returns the endpoints of all members.
func (s *MembersSnapshot) Endpoints() []string {
	endpoints := make([]string, 0, len(s.Members))
	for _, member := range s.Members {
		endpoints = append(endpoints, member.Node.Endpoint)
	}
	return endpoints
}

func NewMemberList(opts MemberListOptions) (*MemberList, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("member list requires an etcd client")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MemberList{
		logger:     logger.Named("memberlist"),
		etcdClient: opts.EtcdClient,
		keyPrefix:  opts.KeyPrefix,
	}, nil
}

type JoinOptions struct {
	MemberID    string
	Node        NodeInfo
	LeasePeriod time.Duration
}

func (ml *MemberList) Join(ctx context.Context, opts *JoinOptions) (*Membership, error) {
	if opts == nil {
		opts = &JoinOptions{}
	}
	if opts.Node.Endpoint == "" {
		return nil, errors.New("a storage node must join with its endpoint")
	}

	memberID := opts.MemberID
	if memberID == "" {
		memberID = uuid.NewString()
	}

	leasePeriod := 5 * time.Second
	if opts.LeasePeriod != 0 {
		// etcd does not grant leases shorter than 5 seconds
		if opts.LeasePeriod < 5*time.Second {
			return nil, errors.New("lease period must be at least 5 seconds")
		}

		leasePeriod = opts.LeasePeriod
	}

	node := opts.Node
	if node.StartedAt.IsZero() {
		node.StartedAt = time.Now().UTC()
	}

	m := &Membership{
		logger:      ml.logger.With(zap.String("member", memberID)),
		etcdClient:  ml.etcdClient,
		keyPrefix:   ml.keyPrefix,
		leasePeriod: leasePeriod,
		id:          memberID,
		node:        node,
		closeCh:     make(chan struct{}),
	}

	err := m.join(ctx)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (ml *MemberList) membersPrefix() string {
	return ml.keyPrefix + "/"
}

func (ml *MemberList) decodeMember(key, value []byte) (*Member, error) {
	var node NodeInfo
	if err := json.Unmarshal(value, &node); err != nil {
		return nil, err
	}

	return &Member{
		MemberID: strings.TrimPrefix(string(key), ml.membersPrefix()),
		Node:     node,
	}, nil
}

func sortMembers(members []*Member) {
	slices.SortFunc(members, func(a, b *Member) int {
		return strings.Compare(a.MemberID, b.MemberID)
	})
}

func (ml *MemberList) Members(ctx context.Context) (*MembersSnapshot, error) {
	resp, err := ml.etcdClient.KV.Get(ctx, ml.membersPrefix(), etcd.WithPrefix())
	if err != nil {
		return nil, err
	}

	var members []*Member
	for _, kv := range resp.Kvs {
		member, err := ml.decodeMember(kv.Key, kv.Value)
		if err != nil {
			ml.logger.Warn("skipping malformed member registration",
				zap.ByteString("key", kv.Key),
				zap.Error(err))
			continue
		}
		members = append(members, member)
	}
	sortMembers(members)

	return &MembersSnapshot{
		Revision: resp.Header.Revision,
		Members:  members,
	}, nil
}

// WatchMembers emits the initial member list followed by a new snapshot for
// every change.  The channel is closed once the context is cancelled or the
// watch fails.
func (ml *MemberList) WatchMembers(ctx context.Context) (chan *MembersSnapshot, error) {
	outputCh := make(chan *MembersSnapshot, 1)
	keyMap := make(map[string]*Member)

	emitKeyMap := func(revision int64) bool {
		members := make([]*Member, 0, len(keyMap))
		for _, member := range keyMap {
			members = append(members, member)
		}
		sortMembers(members)

		select {
		case outputCh <- &MembersSnapshot{Revision: revision, Members: members}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	resp, err := ml.etcdClient.KV.Get(ctx, ml.membersPrefix(), etcd.WithPrefix())
	if err != nil {
		return nil, err
	}

	for _, kv := range resp.Kvs {
		member, err := ml.decodeMember(kv.Key, kv.Value)
		if err != nil {
			continue
		}
		keyMap[string(kv.Key)] = member
	}

	emitKeyMap(resp.Header.Revision)

	watchCh := ml.etcdClient.Watcher.Watch(ctx, ml.membersPrefix(),
		etcd.WithPrefix(), etcd.WithRev(resp.Header.Revision+1))
	go func() {
		defer close(outputCh)

		for watchEvts := range watchCh {
			if err := watchEvts.Err(); err != nil {
				ml.logger.Warn("member watch failed", zap.Error(err))
				return
			}

			for _, watchEvt := range watchEvts.Events {
				switch watchEvt.Type {
				case mvccpb.PUT:
					member, err := ml.decodeMember(watchEvt.Kv.Key, watchEvt.Kv.Value)
					if err != nil {
						ml.logger.Warn("skipping malformed member registration",
							zap.ByteString("key", watchEvt.Kv.Key),
							zap.Error(err))
						continue
					}
					keyMap[string(watchEvt.Kv.Key)] = member
				case mvccpb.DELETE:
					delete(keyMap, string(watchEvt.Kv.Key))
				}
			}

			if !emitKeyMap(watchEvts.Header.Revision) {
				return
			}
		}
	}()

	return outputCh, nil
}

// LossHandler is called for every storage node whose registration
// disappears, either because it left or because its lease expired.
type LossHandler func(node NodeInfo)

// TrackLosses follows the member list and reports nodes which drop out of
// it.  It blocks until the context is cancelled.
func (ml *MemberList) TrackLosses(ctx context.Context, onLoss LossHandler) error {
	watchCh, err := ml.WatchMembers(ctx)
	if err != nil {
		return err
	}

	// only the newest view matters for diffing, a slow handler must not
	// hold up the etcd watch.
	snapCh := latestonlychannel.Wrap[*MembersSnapshot](watchCh)

	known := make(map[string]*Member)
	for snap := range snapCh {
		current := make(map[string]*Member, len(snap.Members))
		for _, member := range snap.Members {
			current[member.MemberID] = member
			if _, ok := known[member.MemberID]; !ok {
				ml.logger.Info("storage node joined",
					zap.String("member", member.MemberID),
					zap.String("endpoint", member.Node.Endpoint))
			}
		}

		for id, member := range known {
			if _, ok := current[id]; ok {
				continue
			}
			ml.logger.Warn("storage node left",
				zap.String("member", id),
				zap.String("endpoint", member.Node.Endpoint))
			onLoss(member.Node)
		}

		known = current
	}

	return ctx.Err()
}
