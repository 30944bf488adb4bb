package mempool

import (
	"testing"

	"github.com/quorumchain/quorumchain/internal/core"
	"github.com/quorumchain/quorumchain/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedNonces struct{ n int64 }

func (f fixedNonces) AccountNonce(core.Address) int64 { return f.n }

type noChainContext struct{}

func (noChainContext) Included(string) bool { return false }

func mustTx(t *testing.T, kp *crypto.KeyPair, nonce, ts int64) *core.Transaction {
	t.Helper()
	tx, err := core.NewTransaction(core.TxBody{Operation: core.OpSetValue, Ref: "/a", Value: nonce, Nonce: nonce, Timestamp: ts}, kp)
	require.NoError(t, err)
	return tx
}

func TestAdmitRejectsDuplicate(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	p := New(0, 0)
	tx := mustTx(t, kp, 0, 1)

	d1, err := p.Admit(tx)
	require.NoError(t, err)
	assert.Equal(t, AdmitOK, d1)

	d2, err := p.Admit(tx)
	require.NoError(t, err)
	assert.Equal(t, AdmitDuplicate, d2)
	assert.Equal(t, 1, p.Size())
}

func TestAdmitRejectsPerAccountFull(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	p := New(0, 1)
	tx1 := mustTx(t, kp, 0, 1)
	tx2 := mustTx(t, kp, 1, 2)

	d1, err := p.Admit(tx1)
	require.NoError(t, err)
	assert.Equal(t, AdmitOK, d1)

	d2, err := p.Admit(tx2)
	assert.ErrorIs(t, err, ErrPerAccountFull)
	assert.Equal(t, AdmitPerAccountFull, d2)
}

func TestValidTransactionsGapFree(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	p := New(0, 0)
	tx0 := mustTx(t, kp, 0, 1)
	tx1 := mustTx(t, kp, 1, 2)
	tx3 := mustTx(t, kp, 3, 4) // gap at nonce 2

	for _, tx := range []*core.Transaction{tx3, tx1, tx0} {
		_, err := p.Admit(tx)
		require.NoError(t, err)
	}

	out := p.ValidTransactions(noChainContext{}, fixedNonces{n: -1})
	require.Len(t, out, 2)
	assert.Equal(t, tx0.Hash, out[0].Hash)
	assert.Equal(t, tx1.Hash, out[1].Hash)
}

func TestValidTransactionsKeepsNonceOrderUnderInvertedTimestamps(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	p := New(0, 0)
	// nonce 0 carries the LATER timestamp: a plain timestamp sort would put
	// nonce 1 first and the run would fail execution downstream.
	tx0 := mustTx(t, kp, 0, 9)
	tx1 := mustTx(t, kp, 1, 2)

	for _, tx := range []*core.Transaction{tx0, tx1} {
		_, err := p.Admit(tx)
		require.NoError(t, err)
	}

	out := p.ValidTransactions(noChainContext{}, fixedNonces{n: -1})
	require.Len(t, out, 2)
	assert.Equal(t, tx0.Hash, out[0].Hash)
	assert.Equal(t, tx1.Hash, out[1].Hash)
}

func TestCleanUpForNewBlockRemovesIncluded(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	p := New(0, 0)
	tx0 := mustTx(t, kp, 0, 1)
	_, err := p.Admit(tx0)
	require.NoError(t, err)

	p.CleanUpForNewBlock(&core.Block{Transactions: []*core.Transaction{tx0}})
	assert.Equal(t, 0, p.Size())
	assert.False(t, p.Has(tx0.Hash))
}
