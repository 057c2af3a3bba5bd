package consistency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuorumSize(t *testing.T) {
	assert.Equal(t, 2, QuorumSize(Strong, 3))
	assert.Equal(t, 3, QuorumSize(Strong, 5))
	assert.Equal(t, 3, QuorumSize(Strong, 4))
	assert.Equal(t, 1, QuorumSize(Strong, 1))
	assert.Equal(t, 1, QuorumSize(Eventual, 3))
	assert.Equal(t, 0, QuorumSize(Weak, 3))
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, Strong, p.LevelFor("payments"))
	assert.Equal(t, Strong, p.LevelFor("Inventory"))
	assert.Equal(t, Eventual, p.LevelFor("reviews"))
	assert.Equal(t, Weak, p.LevelFor("analytics"))
	assert.Equal(t, Eventual, p.LevelFor("unlisted"))
	assert.Equal(t, DefaultMinCoverage, p.MinCoverage())
}

func TestParseLevel(t *testing.T) {
	for _, l := range []Level{Strong, Eventual, Weak} {
		parsed, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}

	_, err := ParseLevel("linearizable")
	assert.Error(t, err)
}

func TestNewPolicyCoverage(t *testing.T) {
	_, err := NewPolicy(&PolicyOptions{MinCoverage: 1.5})
	assert.Error(t, err)

	p, err := DefaultPolicy().WithMinCoverage(0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.MinCoverage())
	assert.Equal(t, Strong, p.LevelFor("payments"))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Strong, 3))
	assert.Error(t, Validate(Strong, 0))
}
