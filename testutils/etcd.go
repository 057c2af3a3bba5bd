/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	etcd "go.etcd.io/etcd/client/v3"
)

var (
	etcdLock     sync.Mutex
	etcdClient   *etcd.Client
	etcdDisabled bool
)

// MakeTestEtcdClient returns a fresh etcd client, skipping the test when no
// etcd server is reachable.
func MakeTestEtcdClient(t testing.TB) *etcd.Client {
	connectTimeout := 2 * time.Second

	etcdLock.Lock()
	disabled := etcdDisabled
	etcdLock.Unlock()
	if disabled {
		t.Skip("etcd unavailable: previous connect attempt failed")
	}

	testConfig := GetTestConfig(t)
	if testConfig.SkipEtcd {
		t.Skip("etcd tests disabled by STSTEST_SKIP_ETCD")
	}

	client, err := etcd.New(etcd.Config{
		Endpoints:   testConfig.EtcdEndpoints,
		DialTimeout: connectTimeout,
	})
	if err != nil {
		etcdLock.Lock()
		etcdDisabled = true
		etcdLock.Unlock()
		t.Skipf("failed to connect to etcd: %s", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), connectTimeout)
	_, err = client.Get(waitCtx, "invalid-key")
	waitCancel()
	if err != nil {
		_ = client.Close()
		etcdLock.Lock()
		etcdDisabled = true
		etcdLock.Unlock()
		t.Skipf("failed to reach etcd: %s", err)
	}

	return client
}

// GetTestEtcdClient returns a shared etcd client.
func GetTestEtcdClient(t testing.TB) *etcd.Client {
	etcdLock.Lock()
	client := etcdClient
	etcdLock.Unlock()
	if client != nil {
		return client
	}

	client = MakeTestEtcdClient(t)

	etcdLock.Lock()
	etcdClient = client
	etcdLock.Unlock()
	return client
}

func GenTestPrefix() string {
	return "testing/" + uuid.NewString()
}
