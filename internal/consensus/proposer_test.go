package consensus

import (
	"testing"

	"github.com/quorumchain/quorumchain/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fiveValidators() map[core.Address]uint64 {
	return map[core.Address]uint64{
		"A": 100000, "B": 100000, "C": 100000, "D": 100000, "E": 100000,
	}
}

func TestSelectProposerIsDeterministic(t *testing.T) {
	v := fiveValidators()
	a, err := SelectProposer(v, "seed-1", 7)
	require.NoError(t, err)
	b, err := SelectProposer(v, "seed-1", 7)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSelectProposerVariesWithEpoch(t *testing.T) {
	v := fiveValidators()
	seen := map[core.Address]bool{}
	for epoch := int64(0); epoch < 50; epoch++ {
		p, err := SelectProposer(v, "fixed-seed", epoch)
		require.NoError(t, err)
		seen[p] = true
	}
	assert.Greater(t, len(seen), 1, "expected proposer to rotate across epochs")
}

func TestSelectProposerRejectsEmptyValidatorSet(t *testing.T) {
	_, err := SelectProposer(map[core.Address]uint64{}, "seed", 1)
	assert.ErrorIs(t, err, ErrNoValidators)
}

func TestSelectProposerRespectsStakeWeight(t *testing.T) {
	// One validator holds effectively all the stake; it should win almost
	// every draw.
	v := map[core.Address]uint64{"whale": 999_999, "minnow": 1}
	counts := map[core.Address]int{}
	for epoch := int64(0); epoch < 200; epoch++ {
		p, err := SelectProposer(v, "seed", epoch)
		require.NoError(t, err)
		counts[p]++
	}
	assert.Greater(t, counts["whale"], counts["minnow"])
}
