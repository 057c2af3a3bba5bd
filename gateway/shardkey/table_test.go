package shardkey

import (
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func u64(v uint64) *uint64 {
	return &v
}

func newTestTable(t *testing.T) *Table {
	table, err := NewTable(map[string]*Strategy{
		"customer": {Kind: KindHash, Slots: 1024},
		"product": {
			Kind: KindCategory,
			Categories: map[string]uint64{
				"electronics": 0,
				"books":       1,
				"apparel":     2,
			},
		},
		"event": {Kind: KindTemporal, Epoch: testEpoch, BucketWidth: 24 * time.Hour},
		"order": {
			Kind:      KindHybrid,
			Primary:   &Strategy{Kind: KindTemporal, Epoch: testEpoch, BucketWidth: 24 * time.Hour},
			Secondary: &Strategy{Kind: KindHash, Slots: 16},
		},
	})
	require.NoError(t, err)
	return table
}

func TestResolveDeterministic(t *testing.T) {
	table := newTestTable(t)

	f := func(id string, category string, offsetSecs uint32) bool {
		ts := testEpoch.Add(time.Duration(offsetSecs) * time.Second)
		for _, entityType := range []string{"customer", "event", "order"} {
			e := &Entity{Type: entityType, ID: id + "x", Category: category, Timestamp: ts}
			k1, err1 := table.Resolve(e)
			k2, err2 := table.Resolve(&Entity{Type: entityType, ID: id + "x", Category: category, Timestamp: ts})
			if err1 != nil || err2 != nil || k1 != k2 {
				return false
			}
		}
		return true
	}

	err := quick.Check(f, nil)
	if err != nil {
		t.Fatalf("resolve was not deterministic: %s", err)
	}
}

func TestResolveHashWithinSlots(t *testing.T) {
	table := newTestTable(t)

	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		k, err := table.Resolve(&Entity{Type: "customer", ID: id})
		require.NoError(t, err)
		assert.Less(t, uint64(k), uint64(1024))
	}
}

func TestResolveCategory(t *testing.T) {
	table := newTestTable(t)

	k, err := table.Resolve(&Entity{Type: "product", ID: "p1", Category: "books"})
	require.NoError(t, err)
	assert.Equal(t, Key(1), k)

	_, err = table.Resolve(&Entity{Type: "product", ID: "p1", Category: "garden"})
	assert.ErrorIs(t, err, ErrUnresolvedKey)
}

func TestResolveCategoryDefaultSlot(t *testing.T) {
	table, err := NewTable(map[string]*Strategy{
		"product": {Kind: KindCategory, Categories: map[string]uint64{"books": 0}, DefaultSlot: u64(7)},
	})
	require.NoError(t, err)

	k, err := table.Resolve(&Entity{Type: "product", ID: "p1", Category: "garden"})
	require.NoError(t, err)
	assert.Equal(t, Key(7), k)
}

func TestResolveTemporal(t *testing.T) {
	table := newTestTable(t)

	k, err := table.Resolve(&Entity{Type: "event", ID: "e1", Timestamp: testEpoch.Add(49 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, Key(2), k)

	_, err = table.Resolve(&Entity{Type: "event", ID: "e1"})
	assert.ErrorIs(t, err, ErrUnresolvedKey)

	_, err = table.Resolve(&Entity{Type: "event", ID: "e1", Timestamp: testEpoch.Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrUnresolvedKey)
}

func TestResolveHybrid(t *testing.T) {
	table := newTestTable(t)

	ts := testEpoch.Add(72 * time.Hour)
	k, err := table.Resolve(&Entity{Type: "order", ID: "o1", Timestamp: ts, PartitionKey: "customer-9"})
	require.NoError(t, err)

	assert.Equal(t, uint64(3), uint64(k)/16)
	assert.Equal(t, uint64(hashKey("customer-9", 16)), uint64(k)%16)

	// orders of the same customer on the same day share a key
	k2, err := table.Resolve(&Entity{Type: "order", ID: "o2", Timestamp: ts.Add(time.Hour), PartitionKey: "customer-9"})
	require.NoError(t, err)
	assert.Equal(t, k, k2)
}

func TestResolveUnknownType(t *testing.T) {
	table := newTestTable(t)

	_, err := table.Resolve(&Entity{Type: "invoice", ID: "i1"})
	assert.ErrorIs(t, err, ErrUnresolvedKey)
}

func TestNewTableRejectsInvalid(t *testing.T) {
	_, err := NewTable(map[string]*Strategy{"customer": {Kind: KindHash}})
	assert.Error(t, err)

	_, err = NewTable(map[string]*Strategy{"customer": {Kind: "modulo"}})
	assert.Error(t, err)

	_, err = NewTable(map[string]*Strategy{
		"order": {
			Kind:      KindHybrid,
			Primary:   &Strategy{Kind: KindHash, Slots: 4},
			Secondary: &Strategy{Kind: KindTemporal, BucketWidth: time.Hour},
		},
	})
	assert.Error(t, err)
}

func TestCandidates(t *testing.T) {
	table := newTestTable(t)

	t.Run("hash ids", func(t *testing.T) {
		intervals, ok, err := table.Candidates("customer", &Predicate{IDs: []string{"alice", "alice"}})
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, intervals, 1)
		k, _ := table.Resolve(&Entity{Type: "customer", ID: "alice"})
		assert.True(t, intervals[0].Contains(k))
	})

	t.Run("hash without ids", func(t *testing.T) {
		_, ok, err := table.Candidates("customer", &Predicate{Categories: []string{"books"}})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("categories merge", func(t *testing.T) {
		intervals, ok, err := table.Candidates("product", &Predicate{Categories: []string{"electronics", "books"}})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []Interval{{Start: 0, End: 2}}, intervals)
	})

	t.Run("temporal range", func(t *testing.T) {
		intervals, ok, err := table.Candidates("event", &Predicate{
			TimeFrom: testEpoch.Add(25 * time.Hour),
			TimeTo:   testEpoch.Add(71 * time.Hour),
		})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []Interval{{Start: 1, End: 3}}, intervals)
	})

	t.Run("hybrid scales primary", func(t *testing.T) {
		intervals, ok, err := table.Candidates("order", &Predicate{
			TimeFrom: testEpoch.Add(24 * time.Hour),
			TimeTo:   testEpoch.Add(25 * time.Hour),
		})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []Interval{{Start: 16, End: 32}}, intervals)
	})
}

func TestHotSpotProne(t *testing.T) {
	table := newTestTable(t)

	product, _ := table.Strategy("product")
	customer, _ := table.Strategy("customer")
	assert.True(t, product.HotSpotProne())
	assert.False(t, customer.HotSpotProne())
}
