package consensus

import (
	"fmt"

	"github.com/quorumchain/quorumchain/internal/blockpool"
	"github.com/quorumchain/quorumchain/internal/core"
	"github.com/quorumchain/quorumchain/internal/state"
)

// constructProposal builds a new block extending tip: fork a temp state
// version from tip's own version, replay tip's proposal+votes as the new
// block's last_votes, drain the mempool under per-tx backup/restore, and
// sign the resulting proposal transaction. The temp version is discarded
// once built — HandleProposal re-derives the real, kept version via its own
// fresh replay, exactly as it would for a proposal received from a peer.
func (e *Engine) constructProposal(epoch int64, tip *blockpool.BlockInfo) (*core.Block, *core.Transaction, error) {
	lastBlock := tip.Block

	tipVersion, err := e.ensureStateVersion(tip)
	if err != nil {
		return nil, nil, fmt.Errorf("recover tip state: %w", err)
	}
	tempName, _, err := e.stateMgr.CloneToTemp(tipVersion, "propose")
	if err != nil {
		return nil, nil, fmt.Errorf("fork proposal state: %w", err)
	}
	defer func() { _ = e.stateMgr.Delete(tempName) }()

	view, err := e.stateMgr.NewView(tempName, lastBlock.Number+1, e.rules, e.owners, e.functions)
	if err != nil {
		return nil, nil, fmt.Errorf("bind proposal view: %w", err)
	}
	defer view.Release()

	lastVotes := predecessorLastVotes(tip)
	for _, tx := range lastVotes {
		if !view.Execute(tx).Success() {
			return nil, nil, fmt.Errorf("predecessor last_votes failed to replay onto proposal fork")
		}
	}

	// The new block's own validators map is a state read bound to this
	// fork, taken right after the predecessor's notarization evidence is
	// applied — never a blind copy-forward of the predecessor's field.
	validators := validatorSet(view)

	candidates := e.mempool.ValidTransactions(e.chainContextFor(lastBlock), accountNonceLookup{view})
	var included []*core.Transaction
	var gasAmount, gasCost uint64
	for _, tx := range candidates {
		view.Backup()
		res := view.Execute(tx)
		if !res.Success() {
			view.Restore()
			continue
		}
		included = append(included, tx)
		gasAmount += res.GasAmount
		gasCost += res.GasCost
	}

	stateProofHash := ""
	if e.cfg.Mode.StrictStateProof {
		stateProofHash = view.StateProof("/")
	}

	block := &core.Block{
		Number:         lastBlock.Number + 1,
		Epoch:          epoch,
		LastHash:       lastBlock.Hash,
		Proposer:       e.selfAddr,
		Validators:     validators,
		Transactions:   included,
		LastVotes:      lastVotes,
		GasAmountTotal: gasAmount,
		GasCostTotal:   gasCost,
		StateProofHash: stateProofHash,
		Timestamp:      e.clk.Now().UnixMilli(),
	}
	block.SetHash()

	proposalTx, err := core.BuildProposalTxWithPrune(block, e.cfg.ConsensusStateRetentionWindow, block.Timestamp, e.selfKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sign proposal: %w", err)
	}
	return block, proposalTx, nil
}

// predecessorLastVotes is the new block's last_votes: the predecessor's own
// proposal transaction (absent for genesis) followed by every vote seen for
// it.
func predecessorLastVotes(tip *blockpool.BlockInfo) []*core.Transaction {
	if tip.Proposal == nil {
		return append([]*core.Transaction{}, tip.Votes...)
	}
	out := make([]*core.Transaction, 0, 1+len(tip.Votes))
	out = append(out, tip.Proposal)
	out = append(out, tip.Votes...)
	return out
}

// accountNonceLookup adapts a state.View to mempool.NonceLookup.
type accountNonceLookup struct{ view *state.View }

func (a accountNonceLookup) AccountNonce(addr core.Address) int64 {
	nonce, _ := a.view.GetAccountNonceAndTimestamp(addr)
	return nonce
}

// chainTxSet adapts a set of already-included transaction hashes to
// mempool.ChainContext.
type chainTxSet struct{ included map[string]struct{} }

func (c chainTxSet) Included(txHash string) bool {
	_, ok := c.included[txHash]
	return ok
}

// chainContextFor collects every transaction hash already present along the
// chain ending at tipBlock, so a fresh proposal never re-includes them.
func (e *Engine) chainContextFor(tipBlock *core.Block) chainTxSet {
	set := map[string]struct{}{}
	for _, bi := range e.pool.ExtendingChain(tipBlock.Hash) {
		for _, tx := range bi.Block.Transactions {
			set[tx.Hash] = struct{}{}
		}
	}
	return chainTxSet{included: set}
}
