package blockpool

import (
	"testing"

	"github.com/quorumchain/quorumchain/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(number, epoch int64, lastHash string, validators map[core.Address]uint64) *core.Block {
	b := &core.Block{Number: number, Epoch: epoch, LastHash: lastHash, Validators: validators, Proposer: "p"}
	b.SetHash()
	return b
}

func validators() map[core.Address]uint64 {
	return map[core.Address]uint64{"a": 40, "b": 30, "c": 30}
}

func TestAddSeenBlockIdempotent(t *testing.T) {
	p := New()
	b := block(1, 1, "", validators())
	assert.True(t, p.AddSeenBlock(b, nil, "v1"))
	assert.False(t, p.AddSeenBlock(b, nil, "v1"))
	assert.True(t, p.HasSeenBlock(b.Hash))
}

func TestNotarizationCrossesQuorum(t *testing.T) {
	p := New()
	b := block(1, 1, "", validators())
	p.AddSeenBlock(b, nil, "v1")

	ok, err := p.AddSeenVote(b.Hash, "a", 40, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	bi, _ := p.Get(b.Hash)
	assert.False(t, bi.Notarized, "40/100 is not yet > 2/3")

	ok, err = p.AddSeenVote(b.Hash, "b", 30, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	bi, _ = p.Get(b.Hash)
	assert.True(t, bi.Notarized, "70/100 crosses 2/3")
}

func TestDuplicateVoteFromSameValidatorIgnored(t *testing.T) {
	p := New()
	b := block(1, 1, "", validators())
	p.AddSeenBlock(b, nil, "v1")

	ok, err := p.AddSeenVote(b.Hash, "a", 40, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.AddSeenVote(b.Hash, "a", 40, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	bi, _ := p.Get(b.Hash)
	assert.Equal(t, uint64(40), bi.Tally)
}

func TestConflictingVoteAtSameEpochRejected(t *testing.T) {
	p := New()
	vs := validators()

	fork1 := block(1, 1, "", vs)
	fork2 := block(1, 1, "other-parent", vs)
	p.AddSeenBlock(fork1, nil, "v-fork1")
	p.AddSeenBlock(fork2, nil, "v-fork2")

	ok, err := p.AddSeenVote(fork1.Hash, "a", 40, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.AddSeenVote(fork2.Hash, "a", 40, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVoterAlready)
	assert.False(t, ok)

	bi1, _ := p.Get(fork1.Hash)
	assert.Equal(t, uint64(40), bi1.Tally, "the validator's first vote must stand")
	bi2, _ := p.Get(fork2.Hash)
	assert.Equal(t, uint64(0), bi2.Tally, "the conflicting second vote must not be tallied")

	ok, err = p.AddSeenVote(fork1.Hash, "a", 40, nil)
	require.NoError(t, err)
	assert.False(t, ok, "a repeat of the SAME vote is an idempotent no-op, not an error")
}

func TestFinalizableChainRequiresThreeConsecutiveEpochs(t *testing.T) {
	p := New()
	vs := validators()

	genesis := block(0, 0, "", vs)
	b1 := block(1, 1, genesis.Hash, vs)
	b2 := block(2, 2, b1.Hash, vs)
	b3 := block(3, 3, b2.Hash, vs)

	for _, b := range []*core.Block{genesis, b1, b2, b3} {
		p.AddSeenBlock(b, nil, "v-"+b.Hash)
		p.AddSeenVote(b.Hash, "a", 40, nil)
		p.AddSeenVote(b.Hash, "b", 30, nil)
	}

	chain := p.FinalizableChain()
	require.Len(t, chain, 3)
	assert.Equal(t, b1.Hash, chain[0].Block.Hash)
	assert.Equal(t, b2.Hash, chain[1].Block.Hash)
	assert.Equal(t, b3.Hash, chain[2].Block.Hash)
}

func TestFinalizableChainNilWithEpochGap(t *testing.T) {
	p := New()
	vs := validators()

	genesis := block(0, 0, "", vs)
	b1 := block(1, 1, genesis.Hash, vs)
	b2 := block(2, 5, b1.Hash, vs) // epoch jump: b1 and b2 not consecutive

	for _, b := range []*core.Block{genesis, b1, b2} {
		p.AddSeenBlock(b, nil, "v-"+b.Hash)
		p.AddSeenVote(b.Hash, "a", 40, nil)
		p.AddSeenVote(b.Hash, "b", 30, nil)
	}

	assert.Nil(t, p.FinalizableChain())
}

func TestCleanUpAfterFinalizationPrunesAncestorsAndSiblings(t *testing.T) {
	p := New()
	vs := validators()

	genesis := block(0, 0, "", vs)
	b1 := block(1, 1, genesis.Hash, vs)
	forkB1 := block(1, 1, genesis.Hash, map[core.Address]uint64{"a": 41, "b": 30, "c": 30})
	b2 := block(2, 2, b1.Hash, vs)

	p.AddSeenBlock(genesis, nil, "v-genesis")
	p.AddSeenBlock(b1, nil, "v-b1")
	p.AddSeenBlock(forkB1, nil, "v-forkb1")
	p.AddSeenBlock(b2, nil, "v-b2")

	destroyed := p.CleanUpAfterFinalization(b1)
	assert.ElementsMatch(t, []string{"v-genesis", "v-forkb1"}, destroyed)
	assert.True(t, p.HasSeenBlock(b1.Hash))
	assert.True(t, p.HasSeenBlock(b2.Hash))
	assert.False(t, p.HasSeenBlock(forkB1.Hash))
	assert.False(t, p.HasSeenBlock(genesis.Hash))
}

func TestLongestNotarizedTipPicksGreatestEpoch(t *testing.T) {
	p := New()
	vs := validators()

	genesis := block(0, 0, "", vs)
	short := block(1, 1, genesis.Hash, vs)
	long1 := block(1, 2, genesis.Hash, vs)
	long2 := block(2, 3, long1.Hash, vs)

	for _, b := range []*core.Block{genesis, short, long1, long2} {
		p.AddSeenBlock(b, nil, "v-"+b.Hash)
		p.AddSeenVote(b.Hash, "a", 40, nil)
		p.AddSeenVote(b.Hash, "b", 30, nil)
	}

	tip, ok := p.LongestNotarizedTip()
	require.True(t, ok)
	assert.Equal(t, long2.Hash, tip.Block.Hash)
}

func TestExtendingChainOrdersFromGenesis(t *testing.T) {
	p := New()
	vs := validators()
	genesis := block(0, 0, "", vs)
	b1 := block(1, 1, genesis.Hash, vs)
	p.AddSeenBlock(genesis, nil, "v0")
	p.AddSeenBlock(b1, nil, "v1")

	chain := p.ExtendingChain(b1.Hash)
	require.Len(t, chain, 2)
	assert.Equal(t, genesis.Hash, chain[0].Block.Hash)
	assert.Equal(t, b1.Hash, chain[1].Block.Hash)
}
