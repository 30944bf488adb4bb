package consensus

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/quorumchain/quorumchain/internal/core"
	"github.com/quorumchain/quorumchain/internal/crypto"
)

var ErrNoValidators = errors.New("consensus: validator set is empty")

// LastVotesSeed digests a block's last_votes into the seed input for
// proposer election. A block with no last_votes (genesis) still produces a
// stable digest of the empty list.
func LastVotesSeed(lastVotes []*core.Transaction) string {
	raw, _ := json.Marshal(lastVotes)
	return crypto.Hash256(raw)
}

// SelectProposer elects the proposer for an epoch. It must be pure so every
// node computes the same answer: draw a uniform number in [0, totalStake)
// from a seed over (lastVotesSeed, epoch), then walk validators in
// canonical (lexicographic address) order, cumulatively summing stake,
// until the cumulative sum exceeds the draw.
func SelectProposer(validators map[core.Address]uint64, lastVotesSeed string, epoch int64) (core.Address, error) {
	if len(validators) == 0 {
		return "", ErrNoValidators
	}
	total := core.TotalStake(validators)
	if total == 0 {
		return "", fmt.Errorf("%w: zero total stake", ErrNoValidators)
	}

	draw := drawSeed(lastVotesSeed, epoch) % total

	addrs := make([]core.Address, 0, len(validators))
	for a := range validators {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var cumulative uint64
	for _, addr := range addrs {
		cumulative += validators[addr]
		if cumulative > draw {
			return addr, nil
		}
	}
	// Unreachable: cumulative ends at total, which exceeds any draw in
	// [0, total).
	return addrs[len(addrs)-1], nil
}

// drawSeed turns (lastVotesSeed, epoch) into a uniform-ish uint64 by hashing
// their concatenation and reading the first 8 bytes. Deterministic and
// identical on every node, which is the only property proposer election
// requires.
func drawSeed(lastVotesSeed string, epoch int64) uint64 {
	epochBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBytes, uint64(epoch))
	digest := crypto.Hash256(append([]byte(lastVotesSeed), epochBytes...))
	raw, _ := hex.DecodeString(digest[:16])
	return binary.BigEndian.Uint64(raw)
}
