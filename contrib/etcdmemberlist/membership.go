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
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Membership is the registration of one storage node.  If its lease is lost
// it registers again under a fresh lease until Leave is called.
type Membership struct {
	logger      *zap.Logger
	etcdClient  *etcd.Client
	keyPrefix   string
	leasePeriod time.Duration
	id          string

	lock    sync.Mutex
	node    NodeInfo
	leaseID etcd.LeaseID

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

func (m *Membership) ID() string {
	return m.id
}

func (m *Membership) key() string {
	return m.keyPrefix + "/" + m.id
}

func (m *Membership) register(ctx context.Context) (<-chan *etcd.LeaseKeepAliveResponse, error) {
	leaseTimeoutInSecs := int64(m.leasePeriod / time.Second)

	lease, err := m.etcdClient.Lease.Grant(ctx, leaseTimeoutInSecs)
	if err != nil {
		return nil, err
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	go func() {
		<-m.closeCh
		kaCancel()
	}()

	leaseKaCh, err := m.etcdClient.Lease.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return nil, err
	}

	m.lock.Lock()
	m.leaseID = lease.ID
	data, err := json.Marshal(m.node)
	m.lock.Unlock()
	if err != nil {
		kaCancel()
		return nil, err
	}

	_, err = m.etcdClient.KV.Put(ctx, m.key(), string(data), etcd.WithLease(lease.ID))
	if err != nil {
		kaCancel()
		return nil, err
	}

	return leaseKaCh, nil
}

func (m *Membership) join(ctx context.Context) error {
	leaseKaCh, err := m.register(ctx)
	if err != nil {
		return err
	}

	m.wg.Add(1)
	go m.keepRegistered(leaseKaCh)
	return nil
}

func (m *Membership) keepRegistered(leaseKaCh <-chan *etcd.LeaseKeepAliveResponse) {
	defer m.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

MainLoop:
	for {
		for range leaseKaCh {
		}

		select {
		case <-m.closeCh:
			break MainLoop
		default:
		}

		m.logger.Warn("lost membership lease, registering again")

		for {
			select {
			case <-time.After(b.NextBackOff()):
			case <-m.closeCh:
				break MainLoop
			}

			ctx, cancel := context.WithTimeout(context.Background(), m.leasePeriod)
			ch, err := m.register(ctx)
			cancel()
			if err != nil {
				m.logger.Warn("failed to register membership", zap.Error(err))
				continue
			}

			b.Reset()
			leaseKaCh = ch
			break
		}
	}
}

func (m *Membership) SetNode(ctx context.Context, node NodeInfo) error {
	m.lock.Lock()
	m.node = node
	leaseID := m.leaseID
	data, err := json.Marshal(node)
	m.lock.Unlock()
	if err != nil {
		return err
	}

	_, err = m.etcdClient.KV.Put(ctx, m.key(), string(data), etcd.WithLease(leaseID))
	if err != nil {
		return err
	}

	return nil
}

// Leave removes the registration and stops renewing it.
func (m *Membership) Leave(ctx context.Context) error {
	m.closeOnce.Do(func() {
		close(m.closeCh)
	})
	m.wg.Wait()

	m.lock.Lock()
	leaseID := m.leaseID
	m.lock.Unlock()

	_, err := m.etcdClient.KV.Delete(ctx, m.key())
	if err != nil {
		return err
	}

	if _, err := m.etcdClient.Lease.Revoke(ctx, leaseID); err != nil {
		m.logger.Debug("failed to revoke membership lease", zap.Error(err))
	}

	return nil
}
