package consensus

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumchain/quorumchain/internal/core"
	"github.com/quorumchain/quorumchain/internal/crypto"
	"github.com/quorumchain/quorumchain/internal/state"
)

const testStake = uint64(100000)

type testValidator struct {
	key  *crypto.KeyPair
	addr core.Address
}

func newTestValidators(t *testing.T, n int) []testValidator {
	t.Helper()
	out := make([]testValidator, n)
	for i := range out {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		out[i] = testValidator{key: kp, addr: core.Address(kp.Address())}
	}
	return out
}

func validatorStakes(vs []testValidator) map[core.Address]uint64 {
	out := make(map[core.Address]uint64, len(vs))
	for _, v := range vs {
		out[v.addr] = testStake
	}
	return out
}

func findValidator(t *testing.T, vs []testValidator, addr core.Address) testValidator {
	t.Helper()
	for _, v := range vs {
		if v.addr == addr {
			return v
		}
	}
	t.Fatalf("no test validator for address %s", addr)
	return testValidator{}
}

// newSingleEngine opens a fresh bolt-backed chain under t.TempDir() and
// builds an Engine whose own identity is self; the engine never proposes on
// its own in these tests, which drive HandleProposal/HandleVote directly.
func newSingleEngine(t *testing.T, genesis *core.Block, self testValidator) *Engine {
	t.Helper()
	chain, err := core.OpenBlockchain(filepath.Join(t.TempDir(), "chain.db"), genesis)
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })

	e, err := New(Params{
		Config:   DefaultConfig(),
		Genesis:  genesis,
		SelfAddr: self.addr,
		SelfKey:  self.key,
		Chain:    chain,
	})
	require.NoError(t, err)
	return e
}

// txBodyAndSig mirrors core.Transaction's hash input shape so a test can
// stand in for a dishonest peer and hand-assemble a transaction whose
// Address does not match the key that actually produced Signature.
type txBodyAndSig struct {
	Body      core.TxBody `json:"tx_body"`
	Signature string      `json:"signature"`
}

func computeTxHash(body core.TxBody, sig string) string {
	raw, _ := json.Marshal(txBodyAndSig{body, sig})
	return crypto.Hash256(raw)
}

// forgeVote builds a VOTE transaction that claims to be cast by claimedAddr
// (a real validator) but is actually signed by signer, a different key. It
// is well-formed and hashes consistently with itself; only
// VerifyAndRecover's signature-recovers-to-claimed-address check can catch
// it.
func forgeVote(number int64, blockHash string, claimedAddr core.Address, stake uint64, signer *crypto.KeyPair) *core.Transaction {
	body := core.TxBody{
		Operation: core.OpSetValue,
		Ref:       core.VotePath(number, claimedAddr),
		Value:     core.VoteValue{BlockHash: blockHash, Stake: stake},
		Nonce:     core.UnorderedNonce,
		Timestamp: 1,
	}
	raw, _ := json.Marshal(body)
	sig, _ := crypto.Sign(raw, signer)
	return &core.Transaction{
		Body:      body,
		Signature: sig,
		Address:   claimedAddr,
		Hash:      computeTxHash(body, sig),
	}
}

// notarizeWithRealVotes drives every validator in vs other than the
// proposer's own self-vote (already cast inside HandleProposal) through
// HandleVote with a genuinely signed vote for block, crossing quorum for a
// five-equal-stake validator set.
func notarizeWithRealVotes(t *testing.T, e *Engine, vs []testValidator, self testValidator, block *core.Block) {
	t.Helper()
	for _, v := range vs {
		if v.addr == self.addr {
			continue
		}
		voteTx, err := core.BuildVoteTx(block.Number, block.Hash, testStake, 2, v.key)
		require.NoError(t, err)
		require.NoError(t, e.HandleVote(voteTx))
	}
}

// TestTryNotarizePredecessorRejectsForgedVotes drives tryNotarizePredecessor
// directly: a proposal whose
// last_votes fabricate quorum for a not-yet-notarized predecessor, using
// votes that claim real validators' addresses but are signed by an
// attacker's key, must not notarize anything.
func TestTryNotarizePredecessorRejectsForgedVotes(t *testing.T) {
	vs := newTestValidators(t, 5)
	genesis := core.NewGenesisBlock(validatorStakes(vs))
	e := newSingleEngine(t, genesis, vs[0])

	block1 := &core.Block{
		Number: 1, Epoch: 1, LastHash: genesis.Hash,
		Proposer: vs[0].addr, Validators: genesis.Validators, Timestamp: 1,
	}
	block1.SetHash()
	e.pool.AddSeenBlock(block1, nil, "")
	predBI, ok := e.pool.Get(block1.Hash)
	require.True(t, ok)
	require.False(t, predBI.Notarized)

	attacker, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	var forged []*core.Transaction
	for _, v := range vs {
		forged = append(forged, forgeVote(block1.Number, block1.Hash, v.addr, testStake, attacker))
	}
	block2 := &core.Block{Number: 2, Epoch: 2, LastHash: block1.Hash, Validators: genesis.Validators, LastVotes: forged}
	block2.SetHash()

	assert.False(t, e.tryNotarizePredecessor(predBI, block2))

	refreshed, ok := e.pool.Get(block1.Hash)
	require.True(t, ok)
	assert.False(t, refreshed.Notarized, "forged last_votes must not fraudulently notarize the predecessor")
}

// TestHandleProposalRejectsForgedLastVotes drives the full HandleProposal
// path: block1 is legitimately notarized with real votes, then a malicious
// block2 proposal is submitted whose last_votes swap one genuine vote for a
// forged one impersonating the same validator. replayAndVerify must reject
// it rather than silently replaying the forged entry into state.
func TestHandleProposalRejectsForgedLastVotes(t *testing.T) {
	vs := newTestValidators(t, 5)
	genesis := core.NewGenesisBlock(validatorStakes(vs))

	winner1, err := SelectProposer(genesis.Validators, LastVotesSeed(genesis.LastVotes), 1)
	require.NoError(t, err)
	self := findValidator(t, vs, winner1)
	e := newSingleEngine(t, genesis, self)

	genesisBI, ok := e.pool.Get(genesis.Hash)
	require.True(t, ok)
	block1, proposalTx1, err := e.constructProposal(1, genesisBI)
	require.NoError(t, err)
	require.NoError(t, e.HandleProposal(proposalTx1))
	notarizeWithRealVotes(t, e, vs, self, block1)

	predBI, ok := e.pool.Get(block1.Hash)
	require.True(t, ok)
	require.True(t, predBI.Notarized)
	require.Len(t, predBI.Votes, len(vs))

	attacker, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tampered := append([]*core.Transaction{}, predBI.Votes...)
	tampered[0] = forgeVote(block1.Number, block1.Hash, tampered[0].Address, testStake, attacker)
	lastVotes := append([]*core.Transaction{proposalTx1}, tampered...)

	winner2, err := SelectProposer(predBI.Block.Validators, LastVotesSeed(predBI.Block.LastVotes), block1.Epoch+1)
	require.NoError(t, err)
	proposer2 := findValidator(t, vs, winner2)

	block2 := &core.Block{
		Number: block1.Number + 1, Epoch: block1.Epoch + 1, LastHash: block1.Hash,
		Proposer: proposer2.addr, Validators: predBI.Block.Validators, LastVotes: lastVotes, Timestamp: 3,
	}
	block2.SetHash()
	proposalTx2, err := core.BuildProposalTx(block2, 3, proposer2.key)
	require.NoError(t, err)

	err = e.HandleProposal(proposalTx2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProposalInconsistent)
}

// TestHandleProposalRejectsValidatorsNotMatchingState checks that a
// proposal whose declared Validators field has been
// tampered with (an address the genesis whitelist never listed) is rejected
// even though every one of its last_votes is genuine.
func TestHandleProposalRejectsValidatorsNotMatchingState(t *testing.T) {
	vs := newTestValidators(t, 5)
	genesis := core.NewGenesisBlock(validatorStakes(vs))

	winner1, err := SelectProposer(genesis.Validators, LastVotesSeed(genesis.LastVotes), 1)
	require.NoError(t, err)
	self := findValidator(t, vs, winner1)
	e := newSingleEngine(t, genesis, self)

	genesisBI, ok := e.pool.Get(genesis.Hash)
	require.True(t, ok)
	block1, proposalTx1, err := e.constructProposal(1, genesisBI)
	require.NoError(t, err)
	require.NoError(t, e.HandleProposal(proposalTx1))
	notarizeWithRealVotes(t, e, vs, self, block1)

	predBI, ok := e.pool.Get(block1.Hash)
	require.True(t, ok)
	require.True(t, predBI.Notarized)

	winner2, err := SelectProposer(predBI.Block.Validators, LastVotesSeed(predBI.Block.LastVotes), block1.Epoch+1)
	require.NoError(t, err)
	proposer2 := findValidator(t, vs, winner2)

	bogus := map[core.Address]uint64{}
	for addr, stake := range predBI.Block.Validators {
		bogus[addr] = stake
	}
	bogus["never-whitelisted"] = 1_000_000

	lastVotes := append([]*core.Transaction{proposalTx1}, predBI.Votes...)
	block2 := &core.Block{
		Number: block1.Number + 1, Epoch: block1.Epoch + 1, LastHash: block1.Hash,
		Proposer: proposer2.addr, Validators: bogus, LastVotes: lastVotes, Timestamp: 3,
	}
	block2.SetHash()
	proposalTx2, err := core.BuildProposalTx(block2, 3, proposer2.key)
	require.NoError(t, err)

	err = e.HandleProposal(proposalTx2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProposalInconsistent)
}

// TestEnsureStateVersionMaterializesByReplay drops a pool block's state
// version (as happens to blocks adopted through catch-up info) and checks
// that ensureStateVersion rebuilds it by replaying the block onto a fork of
// its predecessor's version.
func TestEnsureStateVersionMaterializesByReplay(t *testing.T) {
	vs := newTestValidators(t, 5)
	genesis := core.NewGenesisBlock(validatorStakes(vs))

	winner1, err := SelectProposer(genesis.Validators, LastVotesSeed(genesis.LastVotes), 1)
	require.NoError(t, err)
	self := findValidator(t, vs, winner1)
	e := newSingleEngine(t, genesis, self)

	genesisBI, ok := e.pool.Get(genesis.Hash)
	require.True(t, ok)
	_, proposalTx1, err := e.constructProposal(1, genesisBI)
	require.NoError(t, err)
	require.NoError(t, e.HandleProposal(proposalTx1))

	val, err := core.DecodeProposalValue(proposalTx1)
	require.NoError(t, err)
	bi, ok := e.pool.Get(val.Block.Hash)
	require.True(t, ok)
	original := bi.StateVersion
	originalRoot, ok := e.stateMgr.GetRoot(original)
	require.True(t, ok)
	wantProof := state.ProofHash(originalRoot, "/")

	require.NoError(t, e.stateMgr.Delete(original))
	e.pool.SetStateVersion(bi.Block.Hash, "")

	name, err := e.ensureStateVersion(bi)
	require.NoError(t, err)
	require.NotEmpty(t, name)
	replayedRoot, live := e.stateMgr.GetRoot(name)
	require.True(t, live)

	refreshed, _ := e.pool.Get(bi.Block.Hash)
	assert.Equal(t, name, refreshed.StateVersion)
	assert.Equal(t, wantProof, state.ProofHash(replayedRoot, "/"),
		"replayed version must reproduce the original post-execution state")
}

// simNet is an in-process, single-threaded network of Engines. Each
// transport enqueues a message rather than delivering it immediately;
// draining the queue delivers messages in FIFO order, each one to every
// peer before the next is dequeued. A proposer's own vote is queued before
// its proposal, so a peer can see that vote before the block it targets and
// drop it; the other validators' votes follow the proposal.
type simNet struct {
	engines []*Engine
	queue   []simMsg
}

type simMsg struct {
	fromIdx int
	isVote  bool
	tx      *core.Transaction
}

type simTransport struct {
	idx int
	net *simNet
}

func (s *simTransport) BroadcastProposal(tx *core.Transaction) error {
	s.net.queue = append(s.net.queue, simMsg{fromIdx: s.idx, isVote: false, tx: tx})
	return nil
}

func (s *simTransport) BroadcastVote(tx *core.Transaction) error {
	s.net.queue = append(s.net.queue, simMsg{fromIdx: s.idx, isVote: true, tx: tx})
	return nil
}

func (s *simTransport) RequestChainSegment(*core.Block) error { return nil }

func (n *simNet) drain() {
	for len(n.queue) > 0 {
		msg := n.queue[0]
		n.queue = n.queue[1:]
		for i, e := range n.engines {
			if i == msg.fromIdx {
				continue
			}
			if msg.isVote {
				_ = e.HandleVote(msg.tx)
			} else {
				_ = e.HandleProposal(msg.tx)
			}
		}
	}
}

func newSimNetwork(t *testing.T, vs []testValidator) *simNet {
	t.Helper()
	genesis := core.NewGenesisBlock(validatorStakes(vs))
	net := &simNet{}
	net.engines = make([]*Engine, len(vs))
	for i, v := range vs {
		chain, err := core.OpenBlockchain(filepath.Join(t.TempDir(), "chain.db"), genesis)
		require.NoError(t, err)
		t.Cleanup(func() { chain.Close() })

		e, err := New(Params{
			Config:    DefaultConfig(),
			Genesis:   genesis,
			SelfAddr:  v.addr,
			SelfKey:   v.key,
			Chain:     chain,
			Transport: &simTransport{idx: i, net: net},
		})
		require.NoError(t, err)
		e.SetNodeStatus(NodeServing)
		net.engines[i] = e
	}
	return net
}

// runEpochs offers every engine the chance to propose at each epoch in turn
// (election rejects all but the winner) and attempts finalization on every
// node before and after, exactly as onTick would, but without any real
// clock or goroutines.
func (n *simNet) runEpochs(epochs int64) {
	for epoch := int64(1); epoch <= epochs; epoch++ {
		for _, e := range n.engines {
			e.attemptFinalization()
		}
		for _, e := range n.engines {
			e.maybePropose(epoch)
		}
		n.drain()
	}
	for _, e := range n.engines {
		e.attemptFinalization()
	}
}

// TestFiveValidatorNetworkFinalizesAcrossEpochs is the end-to-end happy
// path: a five-validator network, run for 30 epochs
// in-process, finalizes a long, hash-linked, epoch-increasing chain that
// every node agrees on byte-for-byte.
func TestFiveValidatorNetworkFinalizesAcrossEpochs(t *testing.T) {
	vs := newTestValidators(t, 5)
	net := newSimNetwork(t, vs)

	net.runEpochs(30)

	heights := make([]int64, len(net.engines))
	for i, e := range net.engines {
		heights[i] = e.Chain().Height()
		assert.GreaterOrEqual(t, heights[i], int64(27), "node %d: expected most of 30 epochs to finalize a block", i)
	}

	ref := net.engines[0]
	minHeight := heights[0]
	for _, h := range heights {
		if h < minHeight {
			minHeight = h
		}
	}
	require.Greater(t, minHeight, int64(0))

	var prev *core.Block
	for n := int64(0); n <= heights[0]; n++ {
		b, err := ref.Chain().GetByNumber(n)
		require.NoError(t, err)
		assert.True(t, b.VerifyHash())
		if prev != nil {
			assert.Equal(t, prev.Hash, b.LastHash)
			assert.Greater(t, b.Epoch, prev.Epoch)
		}
		prev = b
	}

	for idx, e := range net.engines[1:] {
		for n := int64(0); n <= minHeight; n++ {
			want, err := ref.Chain().GetByNumber(n)
			require.NoError(t, err)
			got, err := e.Chain().GetByNumber(n)
			require.NoError(t, err)
			assert.Equal(t, want.Hash, got.Hash, "node %d diverged from node 0 at block %d", idx+1, n)
		}
	}
}
