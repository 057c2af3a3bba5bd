/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Config controls the external services tests may use.  Tests which need
// etcd skip themselves when SkipEtcd is set or no server answers.
type Config struct {
	EtcdEndpoints []string
	SkipEtcd      bool
}

var (
	testConfigOnce   sync.Once
	globalTestConfig *Config
)

func loadTestConfig(t testing.TB) *Config {
	testConfig := &Config{
		EtcdEndpoints: []string{"localhost:2379"},
	}

	if envEtcdEndpoints := os.Getenv("STSTEST_ETCD_ENDPOINTS"); envEtcdEndpoints != "" {
		testConfig.EtcdEndpoints = strings.Split(envEtcdEndpoints, ",")
	}
	if envSkipEtcd := os.Getenv("STSTEST_SKIP_ETCD"); envSkipEtcd != "" {
		skip, err := strconv.ParseBool(envSkipEtcd)
		if err != nil {
			t.Logf("ignoring invalid STSTEST_SKIP_ETCD value %q", envSkipEtcd)
		}
		testConfig.SkipEtcd = skip
	}

	t.Logf("initialized test configuration")
	t.Logf("  etcd endpoints: %s", strings.Join(testConfig.EtcdEndpoints, ","))
	t.Logf("  skip etcd: %t", testConfig.SkipEtcd)

	return testConfig
}

func GetTestConfig(t testing.TB) *Config {
	testConfigOnce.Do(func() {
		globalTestConfig = loadTestConfig(t)
	})
	return globalTestConfig
}
