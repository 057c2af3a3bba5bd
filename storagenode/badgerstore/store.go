/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package badgerstore implements a storage node on top of BadgerDB.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/dgraph-io/badger/v4"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrStoreClosed = errors.New("store is closed")

const keySeparator = 0x00

type Options struct {
	Logger     *zap.Logger
	DataDir    string
	InMemory   bool
	SyncWrites bool
}

type Store struct {
	logger *zap.Logger
	db     *badger.DB

	mu     sync.RWMutex
	closed bool
}

var _ storagenode.Node = (*Store)(nil)

func Open(opts *Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open badger")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		logger: logger,
		db:     db,
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

func (s *Store) ensureOpen() error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *Store) withView(fn func(txn *badger.Txn) error) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) withUpdate(fn func(txn *badger.Txn) error) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func shardPrefix(shard topology.ShardID) []byte {
	prefix := append([]byte("rec"), keySeparator)
	prefix = append(prefix, string(shard)...)
	return append(prefix, keySeparator)
}

func typePrefix(shard topology.ShardID, entityType string) []byte {
	prefix := shardPrefix(shard)
	prefix = append(prefix, entityType...)
	return append(prefix, keySeparator)
}

func recordKey(shard topology.ShardID, entityType, entityID string) []byte {
	return append(typePrefix(shard, entityType), entityID...)
}

func iterOptsPrefetchValues(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.Prefix = prefix
	return opts
}

func getRecord(txn *badger.Txn, key []byte) (*storagenode.Record, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storagenode.ErrNotFound
		}
		return nil, err
	}

	var rec storagenode.Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode record")
	}

	return &rec, nil
}

func (s *Store) Write(ctx context.Context, shard topology.ShardID, rec *storagenode.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := recordKey(shard, rec.EntityType, rec.EntityID)
	value, err := json.Marshal(rec)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode record")
	}

	for {
		err = s.withUpdate(func(txn *badger.Txn) error {
			existing, err := getRecord(txn, key)
			if err != nil && !errors.Is(err, storagenode.ErrNotFound) {
				return err
			}

			if !storagenode.ShouldApply(existing, rec) {
				return nil
			}

			return txn.Set(key, value)
		})
		if errors.Is(err, badger.ErrConflict) {
			// a concurrent write touched the same record, re-evaluate against it
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			continue
		}
		return err
	}
}

func (s *Store) Read(ctx context.Context, shard topology.ShardID, entityType, entityID string) (*storagenode.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *storagenode.Record
	err := s.withView(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, recordKey(shard, entityType, entityID))
		return err
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

func (s *Store) Scan(ctx context.Context, shard topology.ShardID, filter *storagenode.ScanFilter) ([]*storagenode.Record, error) {
	prefix := shardPrefix(shard)
	if filter != nil && filter.EntityType != "" {
		prefix = typePrefix(shard, filter.EntityType)
	}

	var out []*storagenode.Record
	err := s.withView(func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOptsPrefetchValues(prefix))
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var rec storagenode.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return pkgerrors.Wrap(err, "failed to decode record")
			}

			if filter.Matches(&rec) {
				out = append(out, &rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureOpen(); err != nil {
		return pkgerrors.Wrap(storagenode.ErrUnavailable, err.Error())
	}
	return nil
}
