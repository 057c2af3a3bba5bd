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
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

var ErrNoDocument = errors.New("no discovery document stored")

type EtcdProviderOptions struct {
	Logger *zap.Logger
	Client *etcd.Client
	Key    string
}

// EtcdProvider stores the discovery document as JSON at a single etcd key
// and follows changes made to it by other gateways.
type EtcdProvider struct {
	logger *zap.Logger
	client *etcd.Client
	key    string

	lock   sync.Mutex
	policy *consistency.Policy
}

func NewEtcdProvider(opts *EtcdProviderOptions) (*EtcdProvider, error) {
	if opts.Client == nil {
		return nil, errors.New("etcd provider requires a client")
	}
	if opts.Key == "" {
		return nil, errors.New("etcd provider requires a key")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EtcdProvider{
		logger: logger.Named("etcd-discovery"),
		client: opts.Client,
		key:    opts.Key,
	}, nil
}

// Load returns the stored document and the revision it was read at.
func (p *EtcdProvider) Load(ctx context.Context) (*Document, int64, error) {
	resp, err := p.client.Get(ctx, p.key)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to fetch discovery document")
	}
	if len(resp.Kvs) == 0 {
		return nil, resp.Header.Revision, ErrNoDocument
	}

	doc, err := decodeDocument(resp.Kvs[0].Value)
	if err != nil {
		return nil, 0, err
	}
	return doc, resp.Header.Revision, nil
}

// Bootstrap stores the document if none is stored yet and returns the one
// which ends up stored, together with its revision.
func (p *EtcdProvider) Bootstrap(ctx context.Context, seed *Document) (*Document, int64, error) {
	data, err := json.Marshal(seed)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to encode discovery document")
	}

	resp, err := p.client.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(p.key), "=", 0)).
		Then(etcd.OpPut(p.key, string(data))).
		Else(etcd.OpGet(p.key)).
		Commit()
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to bootstrap discovery document")
	}

	if resp.Succeeded {
		p.logger.Info("seeded discovery document", zap.String("key", p.key))
		return seed, resp.Header.Revision, nil
	}

	kvs := resp.Responses[0].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return nil, 0, ErrNoDocument
	}
	doc, err := decodeDocument(kvs[0].Value)
	if err != nil {
		return nil, 0, err
	}
	return doc, resp.Header.Revision, nil
}

func (p *EtcdProvider) Store(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to encode discovery document")
	}

	if _, err := p.client.Put(ctx, p.key, string(data)); err != nil {
		return errors.Wrap(err, "failed to store discovery document")
	}
	return nil
}

// SetPolicy sets the consistency policy written alongside published
// topologies.
func (p *EtcdProvider) SetPolicy(policy *consistency.Policy) {
	p.lock.Lock()
	p.policy = policy
	p.lock.Unlock()
}

// Publish stores the layout of a snapshot.
func (p *EtcdProvider) Publish(ctx context.Context, snap *topology.Snapshot) error {
	p.lock.Lock()
	policy := p.policy
	p.lock.Unlock()

	return p.Store(ctx, FromSnapshot(snap, policy))
}

// Watch calls fn for every document stored after the given revision,
// restarting the etcd watch with backoff until the context is cancelled.
func (p *EtcdProvider) Watch(ctx context.Context, revision int64, fn func(doc *Document)) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

MainLoop:
	for {
		watchCh := p.client.Watch(ctx, p.key, etcd.WithRev(revision+1))

		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				p.logger.Warn("discovery watch failed", zap.Error(err))
				break
			}
			b.Reset()

			for _, evt := range resp.Events {
				revision = evt.Kv.ModRevision

				if evt.Type != mvccpb.PUT {
					p.logger.Warn("discovery document was deleted, keeping the current topology")
					continue
				}

				doc, err := decodeDocument(evt.Kv.Value)
				if err != nil {
					p.logger.Error("ignoring invalid discovery document",
						zap.Int64("revision", revision),
						zap.Error(err))
					continue
				}

				fn(doc)
			}
		}

		select {
		case <-time.After(b.NextBackOff()):
		case <-ctx.Done():
			break MainLoop
		}
	}
}

func decodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode discovery document")
	}
	return &doc, nil
}

// Apply installs the layout described by the document as the successor of
// the current snapshot.  It returns false without installing anything when
// the layout matches the current one.
func Apply(topo *topology.Topology, doc *Document) (bool, error) {
	current := topo.Current()

	next := *doc
	next.Version = uint64(current.Version()) + 1
	snap, err := next.Snapshot()
	if err != nil {
		return false, err
	}

	if sameLayout(current, snap) {
		return false, nil
	}

	if err := topo.Install(snap); err != nil {
		return false, err
	}
	return true, nil
}

func sameLayout(a, b *topology.Snapshot) bool {
	docA := FromSnapshot(a, nil)
	docB := FromSnapshot(b, nil)
	docA.Version, docB.Version = 0, 0
	return reflect.DeepEqual(docA, docB)
}
