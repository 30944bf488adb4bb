package consensus

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/quorumchain/quorumchain/internal/blockpool"
	"github.com/quorumchain/quorumchain/internal/core"
)

var (
	ErrProposalMalformed    = errors.New("consensus: proposal is malformed")
	ErrProposalUnauthorized = errors.New("consensus: proposal signature or proposer mismatch")
	ErrProposalStale        = errors.New("consensus: proposal epoch does not exceed predecessor's")
	ErrProposalInconsistent = errors.New("consensus: proposal replay does not match the block header")
	ErrPredecessorUnknown   = errors.New("consensus: proposal's predecessor block is not in the pool")
	ErrTooFewValidators     = errors.New("consensus: validator set below the configured minimum")
	ErrVoteUnauthorized     = errors.New("consensus: vote signer is not a validator of the target block")
)

// HandleProposal is the entry point for a PROPOSE message, whether received
// from a peer or self-delivered after local construction. It applies the
// rejection checks in order; a nil return means the block was admitted to
// the pool (and possibly voted on), not that it was finalized.
func (e *Engine) HandleProposal(proposalTx *core.Transaction) error {
	if err := proposalTx.VerifyAndRecover(); err != nil {
		return fmt.Errorf("%w: %v", ErrProposalMalformed, err)
	}
	val, err := core.DecodeProposalValue(proposalTx)
	if err != nil || val.Block == nil {
		return fmt.Errorf("%w: undecodable proposal value", ErrProposalMalformed)
	}
	block := val.Block

	if !block.VerifyHash() {
		return fmt.Errorf("%w: block hash does not match its content", ErrProposalInconsistent)
	}
	if block.Proposer != proposalTx.Address {
		return fmt.Errorf("%w: proposal signer %s does not match block proposer %s", ErrProposalUnauthorized, proposalTx.Address, block.Proposer)
	}

	if block.Number <= e.chain.Height() {
		e.logger.Debug("proposal for an already-finalized number, recorded only", zap.Int64("number", block.Number))
		return nil
	}

	tip, ok := e.pool.LongestNotarizedTip()
	if !ok {
		return fmt.Errorf("consensus: no notarized tip to validate against")
	}
	if block.Number > tip.Block.Number+1 {
		e.logger.Info("proposal is beyond the notarized window, requesting catch-up", zap.Int64("number", block.Number), zap.Int64("tip", tip.Block.Number))
		e.RequestCatchUp()
		return nil
	}

	predBI, ok := e.pool.Get(block.LastHash)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPredecessorUnknown, block.LastHash)
	}
	if !predBI.Notarized {
		if !e.tryNotarizePredecessor(predBI, block) {
			return fmt.Errorf("consensus: predecessor %s could not be notarized from this proposal's last_votes", predBI.Block.Hash)
		}
		predBI, _ = e.pool.Get(block.LastHash)
	}

	if predBI.Block.Epoch >= block.Epoch {
		return fmt.Errorf("%w: predecessor epoch %d >= proposal epoch %d", ErrProposalStale, predBI.Block.Epoch, block.Epoch)
	}

	expectedProposer, err := SelectProposer(predBI.Block.Validators, LastVotesSeed(predBI.Block.LastVotes), block.Epoch)
	if err != nil || expectedProposer != block.Proposer {
		return fmt.Errorf("%w: expected proposer %s, got %s", ErrProposalUnauthorized, expectedProposer, block.Proposer)
	}

	if len(block.Validators) < e.cfg.MinNumValidators {
		return fmt.Errorf("%w: have %d, need %d", ErrTooFewValidators, len(block.Validators), e.cfg.MinNumValidators)
	}

	predVersion, err := e.ensureStateVersion(predBI)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPredecessorUnknown, err)
	}
	stateVersion, err := e.replayAndVerify(predVersion, block, proposalTx)
	if err != nil {
		return err
	}

	e.pool.AddSeenBlock(block, proposalTx, stateVersion)
	e.castVote(block)
	return nil
}

// tryNotarizePredecessor replays a proposal's last_votes against the pool's
// tally for its predecessor, admitting each vote (idempotently) and
// reporting whether the predecessor crosses notarization as a result.
func (e *Engine) tryNotarizePredecessor(predBI *blockpool.BlockInfo, block *core.Block) bool {
	wasNotarized := predBI.Notarized
	for _, tx := range block.LastVotes {
		val, err := core.DecodeVoteValue(tx)
		if err != nil || val.BlockHash != predBI.Block.Hash {
			continue
		}
		if err := tx.VerifyAndRecover(); err != nil {
			continue
		}
		stake, isValidator := predBI.Block.Validators[tx.Address]
		if !isValidator || stake != val.Stake {
			continue
		}
		_, _ = e.pool.AddSeenVote(predBI.Block.Hash, tx.Address, stake, tx)
	}
	refreshed, ok := e.pool.Get(predBI.Block.Hash)
	if ok && refreshed.Notarized && !wasNotarized {
		e.metrics.notarizations.Inc()
	}
	return ok && refreshed.Notarized
}

// replayAndVerify replays block's last_votes then transactions onto a fresh
// fork of predVersion, checks the replay's gas totals and (unless running
// lightweight) state proof hash against the block header, applies the
// proposal transaction itself atop the same fork, and returns the resulting
// state version name for the caller to keep as this block's own version.
func (e *Engine) replayAndVerify(predVersion string, block *core.Block, proposalTx *core.Transaction) (string, error) {
	tempName, _, err := e.stateMgr.CloneToTemp(predVersion, "verify")
	if err != nil {
		return "", fmt.Errorf("fork verification state: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = e.stateMgr.Delete(tempName)
		}
	}()

	view, err := e.stateMgr.NewView(tempName, block.Number, e.rules, e.owners, e.functions)
	if err != nil {
		return "", err
	}
	defer view.Release()

	for _, tx := range block.LastVotes {
		if err := tx.VerifyAndRecover(); err != nil {
			return "", fmt.Errorf("%w: last_votes entry does not verify: %v", ErrProposalInconsistent, err)
		}
		if !view.Execute(tx).Success() {
			return "", fmt.Errorf("%w: last_votes replay failed", ErrProposalInconsistent)
		}
	}
	if got := validatorSet(view); !validatorSetEqual(got, block.Validators) {
		return "", fmt.Errorf("%w: declared validators do not match a state read of the predecessor", ErrProposalInconsistent)
	}

	var gasAmount, gasCost uint64
	for _, tx := range block.Transactions {
		res := view.Execute(tx)
		if !res.Success() {
			return "", fmt.Errorf("%w: transaction replay failed", ErrProposalInconsistent)
		}
		gasAmount += res.GasAmount
		gasCost += res.GasCost
	}
	if gasAmount != block.GasAmountTotal || gasCost != block.GasCostTotal {
		return "", fmt.Errorf("%w: gas totals do not match (have %d/%d, want %d/%d)",
			ErrProposalInconsistent, gasAmount, gasCost, block.GasAmountTotal, block.GasCostTotal)
	}
	if e.cfg.Mode.StrictStateProof {
		if got := view.StateProof("/"); got != block.StateProofHash {
			return "", fmt.Errorf("%w: state proof hash mismatch", ErrProposalInconsistent)
		}
	}
	if !view.Execute(proposalTx).Success() {
		return "", fmt.Errorf("%w: proposal transaction itself failed to apply", ErrProposalInconsistent)
	}

	committed = true
	return tempName, nil
}

// castVote emits and self-delivers a VOTE for block if this node holds
// stake in it and has not yet voted this epoch.
func (e *Engine) castVote(block *core.Block) {
	if e.selfKey == nil {
		return
	}
	stake, isValidator := block.Validators[e.selfAddr]
	if !isValidator || stake == 0 {
		return
	}
	if !e.pool.RecordVoteForEpoch(block.Epoch, block.Hash) {
		return
	}
	voteTx, err := core.BuildVoteTx(block.Number, block.Hash, stake, e.clk.Now().UnixMilli(), e.selfKey)
	if err != nil {
		e.logger.Warn("build vote failed", zap.Error(err))
		return
	}
	if err := e.HandleVote(voteTx); err != nil {
		e.logger.Warn("self vote rejected by own verification", zap.Error(err))
		return
	}
	if e.transport != nil {
		if err := e.transport.BroadcastVote(voteTx); err != nil {
			e.logger.Warn("broadcast vote failed", zap.Error(err))
		}
	}
}

// HandleVote is the entry point for a VOTE message. The vote transaction is
// validated against a throwaway fork of its target block's state version
// (never the version itself, which must stay available, untouched by votes,
// for the next block to replay last_votes onto exactly once); on success
// the vote is tallied into the pool and rebroadcast. A repeat of a vote the
// pool already holds is dropped without being rebroadcast.
func (e *Engine) HandleVote(voteTx *core.Transaction) error {
	if err := voteTx.VerifyAndRecover(); err != nil {
		return fmt.Errorf("%w: %v", ErrProposalMalformed, err)
	}
	val, err := core.DecodeVoteValue(voteTx)
	if err != nil {
		return fmt.Errorf("%w: undecodable vote value", ErrProposalMalformed)
	}

	bi, ok := e.pool.Get(val.BlockHash)
	if !ok {
		e.logger.Debug("vote for unknown or already-finalized block, dropped", zap.String("block_hash", val.BlockHash))
		return nil
	}
	stake, isValidator := bi.Block.Validators[voteTx.Address]
	if !isValidator || stake != val.Stake {
		return fmt.Errorf("%w: %s claims stake %d, validator set says %d", ErrVoteUnauthorized, voteTx.Address, val.Stake, stake)
	}

	snapVersion, err := e.ensureStateVersion(bi)
	if err != nil {
		return fmt.Errorf("consensus: no state to validate vote against: %w", err)
	}
	tempName, _, err := e.stateMgr.CloneToTemp(snapVersion, "vote")
	if err != nil {
		return fmt.Errorf("fork vote validation state: %w", err)
	}
	defer func() { _ = e.stateMgr.Delete(tempName) }()

	view, err := e.stateMgr.NewView(tempName, bi.Block.Number, e.rules, e.owners, e.functions)
	if err != nil {
		return err
	}
	defer view.Release()
	if !view.Execute(voteTx).Success() {
		return fmt.Errorf("consensus: vote failed execution (stale or duplicate)")
	}

	wasNotarized := bi.Notarized
	added, err := e.pool.AddSeenVote(bi.Block.Hash, voteTx.Address, stake, voteTx)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	if !wasNotarized {
		if refreshed, ok := e.pool.Get(bi.Block.Hash); ok && refreshed.Notarized {
			e.metrics.notarizations.Inc()
		}
	}
	if e.transport != nil {
		if err := e.transport.BroadcastVote(voteTx); err != nil {
			e.logger.Warn("rebroadcast vote failed", zap.Error(err))
		}
	}
	return nil
}
