package consensus

import (
	"time"

	"github.com/quorumchain/quorumchain/internal/core"
)

// Transport is the peer-to-peer collaborator: the engine only ever emits
// PROPOSE, VOTE, and CHAIN_SEGMENT_REQUEST through it. The concrete
// implementation (internal/p2p.Dispatcher) owns framing, handshakes, and
// socket lifetime; the engine never touches a socket.
type Transport interface {
	BroadcastProposal(tx *core.Transaction) error
	BroadcastVote(tx *core.Transaction) error
	RequestChainSegment(lastBlock *core.Block) error
}

// Reporter is the sharding cross-chain collaborator: after finalizing a
// block, the engine hands its state proof hash to a parent-chain reporter.
// LogReporter is the logging-only stand-in used when no parent chain is
// configured.
type Reporter interface {
	ReportFinalized(block *core.Block, stateProofHash string)
}

// LogReporter discards every report except for a structured log line. It
// is wired in wherever no real parent-chain endpoint is configured.
type LogReporter struct {
	Logger interface{ Infof(format string, args ...any) }
}

func (r LogReporter) ReportFinalized(block *core.Block, stateProofHash string) {
	if r.Logger != nil {
		r.Logger.Infof("finalized block %d (%s): state_proof_hash=%s", block.Number, block.Hash, stateProofHash)
	}
}

// TimeSource estimates the local clock's offset from a reference clock (an
// SNTP exchange in production). The engine clamps whatever it reports to
// Config.MaxTimeAdjustment before folding it into the epoch computation.
type TimeSource interface {
	ClockOffset() (time.Duration, error)
}

// zeroTimeSource never reports drift; the epoch clock runs on the raw local
// clock. Wired in when no real probe is configured.
type zeroTimeSource struct{}

func (zeroTimeSource) ClockOffset() (time.Duration, error) { return 0, nil }
