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
	"fmt"
	"sync"
)

type DialFunc func(endpoint string) (Node, error)

type PoolOptions struct {
	Dial DialFunc
}

// Pool hands out a single shared Node per endpoint.
type Pool struct {
	dial DialFunc

	lock  sync.RWMutex
	nodes map[string]Node
}

func NewPool(opts *PoolOptions) *Pool {
	p := &Pool{
		nodes: make(map[string]Node),
	}
	if opts != nil {
		p.dial = opts.Dial
	}
	return p
}

func (p *Pool) Register(endpoint string, node Node) {
	p.lock.Lock()
	p.nodes[endpoint] = node
	p.lock.Unlock()
}

func (p *Pool) Get(endpoint string) (Node, error) {
	p.lock.RLock()
	node, ok := p.nodes[endpoint]
	p.lock.RUnlock()
	if ok {
		return node, nil
	}

	if p.dial == nil {
		return nil, fmt.Errorf("%w: no node registered for %s", ErrUnavailable, endpoint)
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	// someone else may have dialed while we waited for the lock
	node, ok = p.nodes[endpoint]
	if ok {
		return node, nil
	}

	node, err := p.dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	p.nodes[endpoint] = node
	return node, nil
}

func (p *Pool) Endpoints() []string {
	p.lock.RLock()
	defer p.lock.RUnlock()

	endpoints := make([]string, 0, len(p.nodes))
	for endpoint := range p.nodes {
		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}
