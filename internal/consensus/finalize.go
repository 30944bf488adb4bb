package consensus

import (
	"go.uber.org/zap"

	"github.com/quorumchain/quorumchain/internal/blockpool"
)

// attemptFinalization promotes every not-yet-appended block strictly before
// the tip of a three-consecutive-epoch notarized suffix into the finalized
// chain. A failure halts further finalization this tick without being
// fatal; the engine remains running and retries on the next tick.
func (e *Engine) attemptFinalization() {
	suffix := e.pool.FinalizableChain()
	if suffix == nil {
		return
	}
	tip := suffix[len(suffix)-1]
	chain := e.pool.ExtendingChain(tip.Block.Hash)
	for _, bi := range chain[:len(chain)-1] {
		if bi.Block.Number <= e.chain.Height() {
			continue
		}
		if err := e.finalizeOne(bi); err != nil {
			e.logger.Error("finalization failed, halting further finalization this tick",
				zap.Int64("number", bi.Block.Number), zap.Error(err))
			return
		}
	}
}

func (e *Engine) finalizeOne(bi *blockpool.BlockInfo) error {
	if err := e.chain.Append(bi.Block); err != nil {
		return err
	}
	finalName := finalVersionName(bi.Block.Number)
	version, err := e.ensureStateVersion(bi)
	if err != nil {
		return err
	}
	if err := e.stateMgr.Transfer(version, finalName); err != nil {
		return err
	}
	e.pool.SetStateVersion(bi.Block.Hash, finalName)
	if err := e.stateMgr.Finalize(finalName); err != nil {
		return err
	}
	e.mempool.CleanUpForNewBlock(bi.Block)

	destroyed := e.pool.CleanUpAfterFinalization(bi.Block)
	for _, v := range destroyed {
		if err := e.stateMgr.Delete(v); err != nil {
			e.logger.Debug("version already gone during finalization cleanup", zap.String("version", v), zap.Error(err))
		}
	}

	e.metrics.blocksFinalized.Inc()
	e.reporter.ReportFinalized(bi.Block, bi.Block.StateProofHash)
	return nil
}
