package core

import (
	"testing"

	"github.com/quorumchain/quorumchain/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signer(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestNewTransactionVerifies(t *testing.T) {
	kp := signer(t)
	tx, err := NewTransaction(TxBody{Operation: OpSetValue, Ref: "/a/b", Value: 1, Nonce: 0, Timestamp: 100}, kp)
	require.NoError(t, err)
	assert.Equal(t, Address(kp.Address()), tx.Address)
	assert.NoError(t, tx.VerifyAndRecover())
}

func TestTamperedBodyFailsVerification(t *testing.T) {
	kp := signer(t)
	tx, err := NewTransaction(TxBody{Operation: OpSetValue, Ref: "/a/b", Value: 1, Nonce: 0, Timestamp: 100}, kp)
	require.NoError(t, err)

	tx.Body.Value = 2
	assert.Error(t, tx.VerifyAndRecover())
}

func TestGenesisBlockHash(t *testing.T) {
	validators := map[Address]uint64{"v1": 100, "v2": 100}
	g1 := NewGenesisBlock(validators)
	g2 := NewGenesisBlock(validators)
	assert.Equal(t, g1.Hash, g2.Hash)
	assert.True(t, g1.VerifyHash())
}

func TestBlockHashChangesWithVoteOrder(t *testing.T) {
	kp := signer(t)
	v1, err := BuildVoteTx(1, "hash-a", 10, 1, kp)
	require.NoError(t, err)
	v2, err := BuildVoteTx(1, "hash-b", 10, 2, kp)
	require.NoError(t, err)

	validators := map[Address]uint64{Address(kp.Address()): 100}
	b1 := &Block{Number: 1, Validators: validators, LastVotes: []*Transaction{v1, v2}}
	b1.SetHash()
	b2 := &Block{Number: 1, Validators: validators, LastVotes: []*Transaction{v2, v1}}
	b2.SetHash()

	assert.NotEqual(t, b1.Hash, b2.Hash)
}

func TestTotalStake(t *testing.T) {
	assert.Equal(t, uint64(300), TotalStake(map[Address]uint64{"a": 100, "b": 200}))
}

func TestVoteValueRoundTrip(t *testing.T) {
	kp := signer(t)
	tx, err := BuildVoteTx(7, "block-hash", 500, 42, kp)
	require.NoError(t, err)

	v, err := DecodeVoteValue(tx)
	require.NoError(t, err)
	assert.Equal(t, "block-hash", v.BlockHash)
	assert.Equal(t, uint64(500), v.Stake)
}
