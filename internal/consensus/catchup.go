package consensus

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/quorumchain/quorumchain/internal/core"
)

// RequestCatchUp asks the transport to fetch a chain segment following this
// node's current finalized tip. Best-effort: a transport failure is logged
// and naturally retried the next time a number gap is observed.
func (e *Engine) RequestCatchUp() {
	if e.transport == nil {
		return
	}
	lastBlock, err := e.chain.LastBlock()
	if err != nil {
		lastBlock = nil
	}
	if err := e.transport.RequestChainSegment(lastBlock); err != nil {
		e.logger.Warn("chain segment request failed", zap.Error(err))
	}
}

// HandleChainSegment validates and applies a CHAIN_SEGMENT_RESPONSE payload:
// each block is replayed atop a temp fork of the current finalized version,
// checked against its header, then appended and promoted to finalized in
// order. catchUpInfo carries already-notarized blocks beyond the segment's
// tail, fed through AddSeenBlock so the pool regains visibility into the
// wider network's in-flight DAG without re-deriving their votes locally.
func (e *Engine) HandleChainSegment(segment []*core.Block, catchUpInfo []*core.Block) error {
	if len(segment) == 0 {
		return nil
	}
	head, err := e.chain.LastBlock()
	if err != nil {
		return fmt.Errorf("consensus: no local chain head to extend: %w", err)
	}
	if err := core.ValidateSegment(segment, head); err != nil {
		return fmt.Errorf("consensus: invalid chain segment: %w", err)
	}

	versionName := e.stateMgr.FinalVersion()
	for _, b := range segment {
		next, err := e.applyCatchUpBlock(versionName, b)
		if err != nil {
			return err
		}
		versionName = next
		e.mempool.CleanUpForNewBlock(b)
		e.metrics.blocksFinalized.Inc()
	}

	tail := segment[len(segment)-1]
	e.pool.SeedFinalized(tail, versionName)
	e.curEpoch.Store(tail.Epoch)

	for _, b := range catchUpInfo {
		e.pool.AddSeenBlock(b, nil, "")
	}
	return nil
}

func (e *Engine) applyCatchUpBlock(baseVersion string, b *core.Block) (string, error) {
	tempName, _, err := e.stateMgr.CloneToTemp(baseVersion, "catchup")
	if err != nil {
		return "", fmt.Errorf("fork catch-up state: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = e.stateMgr.Delete(tempName)
		}
	}()

	view, err := e.stateMgr.NewView(tempName, b.Number, e.rules, e.owners, e.functions)
	if err != nil {
		return "", err
	}
	for _, tx := range b.LastVotes {
		if err := tx.VerifyAndRecover(); err != nil {
			view.Release()
			return "", fmt.Errorf("consensus: catch-up block %d last_votes entry does not verify: %w", b.Number, err)
		}
		if !view.Execute(tx).Success() {
			view.Release()
			return "", fmt.Errorf("consensus: catch-up block %d last_votes replay failed", b.Number)
		}
	}
	for _, tx := range b.Transactions {
		if !view.Execute(tx).Success() {
			view.Release()
			return "", fmt.Errorf("consensus: catch-up block %d transaction replay failed", b.Number)
		}
	}
	if e.cfg.Mode.StrictStateProof {
		if got := view.StateProof("/"); got != b.StateProofHash {
			view.Release()
			return "", fmt.Errorf("consensus: catch-up block %d state proof mismatch", b.Number)
		}
	}
	view.Release()

	if err := e.chain.Append(b); err != nil {
		return "", fmt.Errorf("append catch-up block %d: %w", b.Number, err)
	}
	finalName := finalVersionName(b.Number)
	if err := e.stateMgr.Transfer(tempName, finalName); err != nil {
		return "", err
	}
	if err := e.stateMgr.Finalize(finalName); err != nil {
		return "", err
	}
	committed = true
	return finalName, nil
}
