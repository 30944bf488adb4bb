package consensus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/quorumchain/quorumchain/internal/blockpool"
	"github.com/quorumchain/quorumchain/internal/core"
	"github.com/quorumchain/quorumchain/internal/crypto"
	"github.com/quorumchain/quorumchain/internal/mempool"
	"github.com/quorumchain/quorumchain/internal/state"
)

const finalVersionPrefix = "final"

// finalVersionName is the state-version identity a finalized block's state
// lives under once transferred out of its speculative pool version.
func finalVersionName(number int64) string {
	return fmt.Sprintf("%s-%d", finalVersionPrefix, number)
}

type runState int32

const (
	runStarting runState = iota
	runRunning
	runStopped
)

// Params bundles everything Engine needs at construction time. Genesis must
// carry the initial validator whitelist and stake; New bootstraps the
// genesis state version and the pool's founding entry from it. New does not
// write to Chain, which must already hold the genesis block.
type Params struct {
	Config  Config
	Clock   clock.Clock
	Logger  *zap.Logger
	Genesis *core.Block

	SelfAddr core.Address
	// SelfKey is nil for an observer node that never proposes or votes.
	SelfKey *crypto.KeyPair

	Chain     *core.Blockchain
	Transport Transport
	Reporter  Reporter
	// TimeSource feeds the periodic clock-skew probe; nil means no
	// adjustment is ever applied.
	TimeSource TimeSource

	Rules     state.RuleEvaluator
	Owners    state.OwnerEvaluator
	Functions state.FunctionTrigger

	MempoolMaxSize       int
	MempoolMaxPerAccount int
}

// Engine is the ConsensusEngine: epoch clock, proposer election, proposal
// construction and verification, three-chain finalization, and catch-up,
// built on top of internal/state, internal/blockpool, and internal/mempool.
type Engine struct {
	cfg    Config
	clk    clock.Clock
	logger *zap.Logger

	selfAddr core.Address
	selfKey  *crypto.KeyPair

	stateMgr *state.Manager
	pool     *blockpool.Pool
	mempool  *mempool.Pool
	chain    *core.Blockchain

	transport  Transport
	reporter   Reporter
	timeSource TimeSource

	rules     state.RuleEvaluator
	owners    state.OwnerEvaluator
	functions state.FunctionTrigger

	status atomic.Int32 // NodeStatus
	run    atomic.Int32 // runState

	curEpoch         atomic.Int64
	timeAdjustmentMs atomic.Int64
	lastProbeEpoch   atomic.Int64

	mu             sync.Mutex
	proposedEpochs map[int64]bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	metrics *engineMetrics
}

// New builds an Engine and bootstraps its genesis state version and
// founding pool entry. The engine starts in NodeStarting / STARTING; call
// Init to begin the epoch-ticking loop.
func New(p Params) (*Engine, error) {
	if p.Genesis == nil {
		return nil, fmt.Errorf("consensus: genesis block is required")
	}
	if p.Chain == nil {
		return nil, fmt.Errorf("consensus: blockchain store is required")
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Reporter == nil {
		p.Reporter = LogReporter{Logger: p.Logger.Sugar()}
	}
	if p.TimeSource == nil {
		p.TimeSource = zeroTimeSource{}
	}

	e := &Engine{
		cfg:            p.Config,
		clk:            p.Clock,
		logger:         p.Logger.Named("consensus"),
		selfAddr:       p.SelfAddr,
		selfKey:        p.SelfKey,
		chain:          p.Chain,
		transport:      p.Transport,
		reporter:       p.Reporter,
		timeSource:     p.TimeSource,
		rules:          p.Rules,
		owners:         p.Owners,
		functions:      p.Functions,
		proposedEpochs: map[int64]bool{},
		stopCh:         make(chan struct{}),
		mempool:        mempool.New(p.MempoolMaxSize, p.MempoolMaxPerAccount),
		pool:           blockpool.New(),
	}

	genesisVersion := finalVersionName(0)
	e.stateMgr = state.NewManager(genesisVersion)
	if err := e.bootstrapGenesis(p.Genesis, genesisVersion); err != nil {
		return nil, fmt.Errorf("consensus: bootstrap genesis state: %w", err)
	}
	e.pool.SeedFinalized(p.Genesis, genesisVersion)
	e.metrics = newEngineMetrics(e.stateMgr)

	e.status.Store(int32(NodeStarting))
	e.run.Store(int32(runStarting))
	return e, nil
}

// bootstrapGenesis writes the founding validator whitelist and stake
// balances directly into the genesis state version; this happens once,
// outside the normal signed-transaction path, since there is no predecessor
// block to have authorized it.
func (e *Engine) bootstrapGenesis(genesis *core.Block, versionName string) error {
	root, _ := e.stateMgr.GetRoot(versionName)
	whitelist := map[core.Address]bool{}
	for addr, stake := range genesis.Validators {
		whitelist[addr] = true
		root = state.Set(root, core.StakePath(addr), stake)
	}
	root = state.Set(root, core.WhitelistPath, whitelist)
	return e.stateMgr.Update(versionName, root)
}

// Init transitions the engine from STARTING to RUNNING and starts the
// epoch-ticking loop. lastBlockWithoutProposal anchors the epoch the engine
// resumes counting from after a restart; pass the genesis block on a fresh
// chain.
func (e *Engine) Init(lastBlockWithoutProposal *core.Block) error {
	if !e.run.CompareAndSwap(int32(runStarting), int32(runRunning)) {
		return fmt.Errorf("consensus: Init called outside STARTING state")
	}
	if lastBlockWithoutProposal != nil {
		e.curEpoch.Store(lastBlockWithoutProposal.Epoch)
	}
	e.wg.Add(1)
	go e.runLoop()
	e.logger.Info("consensus engine initialized", zap.Int64("epoch", e.curEpoch.Load()))
	return nil
}

// Stop clears the epoch loop and transitions the engine to STOPPED.
// Outstanding temp state versions created by in-flight verification calls
// are the caller's to have already released; Stop itself does not scan for
// leaks.
func (e *Engine) Stop() {
	if !e.run.CompareAndSwap(int32(runRunning), int32(runStopped)) {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("consensus engine stopped")
}

// SetNodeStatus updates the node-level status the engine consults before
// proposing or voting (the STARTING|SYNCING|SERVING axis, orthogonal to the
// engine's own STARTING|RUNNING|STOPPED lifecycle).
func (e *Engine) SetNodeStatus(s NodeStatus) {
	e.status.Store(int32(s))
}

// NodeStatus reports the current node-level status.
func (e *Engine) NodeStatus() NodeStatus {
	return NodeStatus(e.status.Load())
}

// CurrentEpoch reports the most recently observed epoch number.
func (e *Engine) CurrentEpoch() int64 { return e.curEpoch.Load() }

// Pool, Mempool, Chain, and StateManager expose the engine's collaborators
// for the peer dispatcher and the embedding binary to wire up logging,
// metrics scraping, and inbound message routing.
func (e *Engine) Pool() *blockpool.Pool        { return e.pool }
func (e *Engine) Mempool() *mempool.Pool       { return e.mempool }
func (e *Engine) Chain() *core.Blockchain      { return e.chain }
func (e *Engine) StateManager() *state.Manager { return e.stateMgr }
func (e *Engine) Metrics() *engineMetrics      { return e.metrics }

func (e *Engine) runLoop() {
	defer e.wg.Done()
	tickEvery := time.Duration(e.cfg.EpochMS) * time.Millisecond / 4
	if tickEvery <= 0 {
		tickEvery = 50 * time.Millisecond
	}
	ticker := e.clk.Ticker(tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.onTick(now)
		}
	}
}

// onTick runs the engine's per-tick sequence: attempt finalization, probe
// clock skew every NTPProbeEveryEpochs epochs, recompute the current epoch,
// and propose if this node is the elected proposer.
func (e *Engine) onTick(now time.Time) {
	e.attemptFinalization()

	prevEpoch := e.curEpoch.Load()
	if n := e.cfg.NTPProbeEveryEpochs; n > 0 && prevEpoch-e.lastProbeEpoch.Load() >= n {
		e.lastProbeEpoch.Store(prevEpoch)
		e.probeClockSkew()
	}

	epoch := e.cfg.EpochAt(now.UnixMilli(), e.timeAdjustmentMs.Load())
	if epoch == prevEpoch {
		return
	}
	if !e.hasActedOnEpoch(prevEpoch) {
		e.logger.Warn("epoch elapsed with no local proposal or vote", zap.Int64("epoch", prevEpoch))
	}
	e.curEpoch.Store(epoch)

	if e.NodeStatus() != NodeServing || e.selfKey == nil {
		return
	}
	e.maybePropose(epoch)
}

// probeClockSkew asks the TimeSource for the local clock's offset and folds
// it, clamped to MaxTimeAdjustment, into the epoch computation. The probe is
// advisory: a failure leaves the previous adjustment in place.
func (e *Engine) probeClockSkew() {
	offset, err := e.timeSource.ClockOffset()
	if err != nil {
		e.logger.Warn("clock-skew probe failed", zap.Error(err))
		return
	}
	if max := e.cfg.MaxTimeAdjustment; offset > max {
		offset = max
	} else if offset < -max {
		offset = -max
	}
	e.timeAdjustmentMs.Store(offset.Milliseconds())
}

func (e *Engine) hasActedOnEpoch(epoch int64) bool {
	if e.pool.HasVotedForEpoch(epoch) {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proposedEpochs[epoch]
}

// maybePropose constructs and self-delivers a proposal if this node wins
// proposer election for epoch against the current longest-notarized tip.
func (e *Engine) maybePropose(epoch int64) {
	tip, ok := e.pool.LongestNotarizedTip()
	if !ok {
		e.logger.Warn("no notarized tip to extend; skipping proposal", zap.Int64("epoch", epoch))
		return
	}
	proposer, err := SelectProposer(tip.Block.Validators, LastVotesSeed(tip.Block.LastVotes), epoch)
	if err != nil {
		e.logger.Warn("proposer selection failed", zap.Int64("epoch", epoch), zap.Error(err))
		return
	}
	if proposer != e.selfAddr {
		return
	}

	e.mu.Lock()
	if e.proposedEpochs[epoch] {
		e.mu.Unlock()
		return
	}
	e.proposedEpochs[epoch] = true
	e.mu.Unlock()

	block, proposalTx, err := e.constructProposal(epoch, tip)
	if err != nil {
		e.logger.Warn("proposal construction failed", zap.Int64("epoch", epoch), zap.Error(err))
		return
	}
	if err := e.HandleProposal(proposalTx); err != nil {
		e.logger.Warn("self-proposal rejected by own verification", zap.Int64("number", block.Number), zap.Error(err))
		return
	}
	if e.transport != nil {
		if err := e.transport.BroadcastProposal(proposalTx); err != nil {
			e.logger.Warn("broadcast proposal failed", zap.Int64("number", block.Number), zap.Error(err))
		}
	}
}
