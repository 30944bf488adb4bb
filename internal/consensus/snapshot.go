package consensus

import (
	"fmt"

	"github.com/quorumchain/quorumchain/internal/blockpool"
)

// ensureStateVersion returns the name of a live state version holding bi's
// post-execution state, rebuilding it by replay when absent. Blocks adopted
// through catch-up info arrive without a version of their own; their state
// is recovered by walking back to the nearest ancestor whose version is
// still live and replaying each descendant's last_votes, transactions, and
// proposal in order. Materialized versions are handed to the pool, so the
// work is done at most once per block.
func (e *Engine) ensureStateVersion(bi *blockpool.BlockInfo) (string, error) {
	live := func(name string) bool {
		if name == "" {
			return false
		}
		_, ok := e.stateMgr.GetRoot(name)
		return ok
	}
	if live(bi.StateVersion) {
		return bi.StateVersion, nil
	}

	var pending []*blockpool.BlockInfo
	cur := bi
	for !live(cur.StateVersion) {
		pending = append(pending, cur)
		parent, ok := e.pool.Get(cur.Block.LastHash)
		if !ok {
			return "", fmt.Errorf("consensus: no live ancestor version to replay block %s from", bi.Block.Hash)
		}
		cur = parent
	}

	base := cur.StateVersion
	for i := len(pending) - 1; i >= 0; i-- {
		next, err := e.materializeOne(base, pending[i])
		if err != nil {
			return "", err
		}
		e.pool.SetStateVersion(pending[i].Block.Hash, next)
		base = next
	}
	return base, nil
}

// materializeOne replays one block onto a fresh fork of baseVersion and
// returns the fork's name, now owned by the block's pool entry.
func (e *Engine) materializeOne(baseVersion string, bi *blockpool.BlockInfo) (string, error) {
	tempName, _, err := e.stateMgr.CloneToTemp(baseVersion, "snap")
	if err != nil {
		return "", fmt.Errorf("fork snapshot state: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = e.stateMgr.Delete(tempName)
		}
	}()

	view, err := e.stateMgr.NewView(tempName, bi.Block.Number, e.rules, e.owners, e.functions)
	if err != nil {
		return "", err
	}
	defer view.Release()

	for _, tx := range bi.Block.LastVotes {
		if err := tx.VerifyAndRecover(); err != nil {
			return "", fmt.Errorf("consensus: snapshot replay of block %d: last_votes entry does not verify: %w", bi.Block.Number, err)
		}
		if !view.Execute(tx).Success() {
			return "", fmt.Errorf("consensus: snapshot replay of block %d: last_votes failed", bi.Block.Number)
		}
	}
	for _, tx := range bi.Block.Transactions {
		if !view.Execute(tx).Success() {
			return "", fmt.Errorf("consensus: snapshot replay of block %d: transaction failed", bi.Block.Number)
		}
	}
	if bi.Proposal != nil {
		if !view.Execute(bi.Proposal).Success() {
			return "", fmt.Errorf("consensus: snapshot replay of block %d: proposal failed", bi.Block.Number)
		}
	}

	committed = true
	return tempName, nil
}
