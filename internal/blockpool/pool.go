// Package blockpool maintains the DAG of seen proposals and votes keyed by
// block hash, tracking notarization, extending chains, and the tips of the
// longest notarized chain.
package blockpool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/quorumchain/quorumchain/internal/core"
)

var (
	ErrBlockNotFound = errors.New("blockpool: block not found")
	ErrVoterAlready  = errors.New("blockpool: validator already voted this epoch")
)

// BlockInfo is one pool entry.
type BlockInfo struct {
	Block        *core.Block
	Proposal     *core.Transaction
	Votes        []*core.Transaction
	Notarized    bool
	Tally        uint64
	StateVersion string // name under which this block's post-exec state lives
}

func newBlockInfo(block *core.Block, proposal *core.Transaction, stateVersion string) *BlockInfo {
	return &BlockInfo{
		Block:        block,
		Proposal:     proposal,
		StateVersion: stateVersion,
	}
}

// quorumThreshold reports whether tally crosses more than two-thirds of
// total. Integer arithmetic avoids floating-point quorum edge cases.
func quorumThreshold(tally, total uint64) bool {
	return tally*3 > total*2
}

// Pool indexes every seen proposal and its votes by block hash.
type Pool struct {
	mu sync.RWMutex

	byHash   map[string]*BlockInfo
	byEpoch  map[int64]string
	byNumber map[int64]map[string]struct{}
	children map[string]map[string]struct{}

	// voteRecord tracks, per epoch, which block hash each validator has
	// already cast a tallied vote for. It is keyed independently of
	// byHash/byNumber so a validator's vote is deduped across every
	// conflicting fork at that epoch, not just
	// against repeats for the one block hash it happened to target.
	voteRecord map[int64]map[core.Address]string
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{
		byHash:     map[string]*BlockInfo{},
		byEpoch:    map[int64]string{},
		byNumber:   map[int64]map[string]struct{}{},
		children:   map[string]map[string]struct{}{},
		voteRecord: map[int64]map[core.Address]string{},
	}
}

// HasSeenBlock reports whether hash is already indexed.
func (p *Pool) HasSeenBlock(hash string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byHash[hash]
	return ok
}

// Get returns the BlockInfo for hash.
func (p *Pool) Get(hash string) (*BlockInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bi, ok := p.byHash[hash]
	return bi, ok
}

// AddSeenBlock inserts a fresh BlockInfo for block, idempotently. It
// returns false if the block was already known. Pre-seen votes (received
// before the block itself) are not modeled here — callers call AddSeenVote
// once per vote regardless of arrival order, and tally accrues the same way.
func (p *Pool) AddSeenBlock(block *core.Block, proposal *core.Transaction, stateVersion string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byHash[block.Hash]; exists {
		return false
	}
	p.byHash[block.Hash] = newBlockInfo(block, proposal, stateVersion)

	if p.byNumber[block.Number] == nil {
		p.byNumber[block.Number] = map[string]struct{}{}
	}
	p.byNumber[block.Number][block.Hash] = struct{}{}

	if block.LastHash != "" {
		if p.children[block.LastHash] == nil {
			p.children[block.LastHash] = map[string]struct{}{}
		}
		p.children[block.LastHash][block.Hash] = struct{}{}
	}
	return true
}

// AddSeenVote appends vote to its block's BlockInfo, re-tallies, and flips
// Notarized once stake crosses two-thirds. The one-vote rule is
// enforced globally per (epoch, validator): a validator's first tallied vote
// at an epoch is kept, idempotent repeats of that same vote are discarded,
// and a later vote for a DIFFERENT block hash at that epoch is rejected
// rather than silently tallied into the new block's total.
func (p *Pool) AddSeenVote(blockHash string, voterAddr core.Address, stake uint64, voteTx *core.Transaction) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bi, ok := p.byHash[blockHash]
	if !ok {
		return false, ErrBlockNotFound
	}
	epoch := bi.Block.Epoch
	if p.voteRecord[epoch] == nil {
		p.voteRecord[epoch] = map[core.Address]string{}
	}
	if recorded, already := p.voteRecord[epoch][voterAddr]; already {
		if recorded != blockHash {
			return false, fmt.Errorf("%w: %s already voted for %s at epoch %d", ErrVoterAlready, voterAddr, recorded, epoch)
		}
		return false, nil
	}
	p.voteRecord[epoch][voterAddr] = blockHash

	bi.Votes = append(bi.Votes, voteTx)
	bi.Tally += stake

	total := core.TotalStake(bi.Block.Validators)
	if !bi.Notarized && quorumThreshold(bi.Tally, total) {
		bi.Notarized = true
	}
	return true, nil
}

// RecordVoteForEpoch marks that this node has cast its own vote for
// blockHash at epoch, enforcing the one-proposal-vote-per-epoch rule for
// the local node's voting decision (distinct from AddSeenVote's tally of
// others' votes).
func (p *Pool) RecordVoteForEpoch(epoch int64, blockHash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, already := p.byEpoch[epoch]; already {
		return false
	}
	p.byEpoch[epoch] = blockHash
	return true
}

// HasVotedForEpoch reports whether this node has already voted at epoch.
func (p *Pool) HasVotedForEpoch(epoch int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byEpoch[epoch]
	return ok
}

// Children returns the set of block hashes that directly extend hash.
func (p *Pool) Children(hash string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.children[hash]))
	for h := range p.children[hash] {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Tips returns every notarized block with no notarized child: the leaves of
// the notarized sub-DAG.
func (p *Pool) Tips() []*BlockInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var tips []*BlockInfo
	for hash, bi := range p.byHash {
		if !bi.Notarized {
			continue
		}
		hasNotarizedChild := false
		for child := range p.children[hash] {
			if childBI, ok := p.byHash[child]; ok && childBI.Notarized {
				hasNotarizedChild = true
				break
			}
		}
		if !hasNotarizedChild {
			tips = append(tips, bi)
		}
	}
	return tips
}

// LongestNotarizedTip returns the tip of the longest notarized chain
// (glossary: greatest epoch on the last block; ties broken by hash so the
// choice is deterministic across nodes).
func (p *Pool) LongestNotarizedTip() (*BlockInfo, bool) {
	tips := p.Tips()
	if len(tips) == 0 {
		return nil, false
	}
	sort.Slice(tips, func(i, j int) bool {
		if tips[i].Block.Epoch != tips[j].Block.Epoch {
			return tips[i].Block.Epoch > tips[j].Block.Epoch
		}
		return tips[i].Block.Hash < tips[j].Block.Hash
	})
	return tips[0], true
}

// ExtendingChain walks from tipHash back to genesis (LastHash == ""),
// returning the chain in ascending number order.
func (p *Pool) ExtendingChain(tipHash string) []*BlockInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var chain []*BlockInfo
	cur := tipHash
	for cur != "" {
		bi, ok := p.byHash[cur]
		if !ok {
			break
		}
		chain = append(chain, bi)
		cur = bi.Block.LastHash
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// FinalizableChain returns a three-block notarized suffix [A, B, C] with
// strictly consecutive epochs if one exists for any notarized tip, else
// nil. Everything strictly before C becomes a finalization candidate; C
// (the tip) is retained.
func (p *Pool) FinalizableChain() []*BlockInfo {
	for _, tip := range p.Tips() {
		chain := p.ExtendingChain(tip.Block.Hash)
		if len(chain) < 3 {
			continue
		}
		n := len(chain)
		a, b, c := chain[n-3], chain[n-2], chain[n-1]
		if !a.Notarized || !b.Notarized || !c.Notarized {
			continue
		}
		if b.Block.Epoch == a.Block.Epoch+1 && c.Block.Epoch == b.Block.Epoch+1 {
			return []*BlockInfo{a, b, c}
		}
	}
	return nil
}

// CleanUpAfterFinalization drops every block at number <= finalized's
// number except the finalized ancestor itself, along with their indexes.
// Callers are responsible for destroying the corresponding state versions
// (the pool only tracks the state version NAME, not its lifetime).
func (p *Pool) CleanUpAfterFinalization(finalized *core.Block) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var destroyedVersions []string
	for number, hashes := range p.byNumber {
		if number > finalized.Number {
			continue
		}
		for hash := range hashes {
			if hash == finalized.Hash {
				continue
			}
			if bi, ok := p.byHash[hash]; ok {
				destroyedVersions = append(destroyedVersions, bi.StateVersion)
				delete(p.byHash, hash)
			}
			delete(p.children, hash)
		}
		delete(p.byNumber, number)
	}
	if p.byNumber[finalized.Number] == nil {
		p.byNumber[finalized.Number] = map[string]struct{}{}
	}
	p.byNumber[finalized.Number][finalized.Hash] = struct{}{}
	for epoch, hash := range p.byEpoch {
		if _, stillKnown := p.byHash[hash]; !stillKnown && hash != finalized.Hash {
			delete(p.byEpoch, epoch)
		}
	}
	for epoch := range p.voteRecord {
		if epoch <= finalized.Epoch {
			delete(p.voteRecord, epoch)
		}
	}
	return destroyedVersions
}

// SetStateVersion rebinds the state version name under which hash's
// post-execution state lives, after a transfer or a replay-materialized
// snapshot.
func (p *Pool) SetStateVersion(hash, versionName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bi, ok := p.byHash[hash]; ok {
		bi.StateVersion = versionName
	}
}

// NumBlocks reports the number of live BlockInfo entries, for version-hygiene
// assertions in tests.
func (p *Pool) NumBlocks() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byHash)
}

// SeedFinalized registers block as an already-notarized founding ancestor of
// the pool's DAG: the genesis block at startup, or a catch-up head adopted
// after a successful chain-segment sync. Unlike AddSeenBlock,
// the entry starts Notarized with its full validator stake tallied, so
// LongestNotarizedTip and ExtendingChain treat it as a valid chain root
// without requiring any votes to be replayed.
func (p *Pool) SeedFinalized(block *core.Block, stateVersion string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byHash[block.Hash]; exists {
		return false
	}
	bi := newBlockInfo(block, nil, stateVersion)
	bi.Notarized = true
	bi.Tally = core.TotalStake(block.Validators)
	p.byHash[block.Hash] = bi

	if p.byNumber[block.Number] == nil {
		p.byNumber[block.Number] = map[string]struct{}{}
	}
	p.byNumber[block.Number][block.Hash] = struct{}{}
	return true
}
