package consensus

import (
	"github.com/quorumchain/quorumchain/internal/core"
	"github.com/quorumchain/quorumchain/internal/state"
)

// validatorSet reads a block's stake snapshot directly out of view's bound
// state version: every address on /consensus/whitelist, each paired with
// its balance at /staking/consensus/<addr>/0. This is the state read a new
// block's own Validators field must be computed from, never a blind
// copy-forward of the predecessor's field.
func validatorSet(view *state.View) map[core.Address]uint64 {
	raw, ok := view.Get(core.WhitelistPath)
	if !ok {
		return map[core.Address]uint64{}
	}
	whitelist, ok := raw.(map[core.Address]bool)
	if !ok {
		return map[core.Address]uint64{}
	}
	out := make(map[core.Address]uint64, len(whitelist))
	for addr, listed := range whitelist {
		if !listed {
			continue
		}
		stake, _ := view.Get(core.StakePath(addr))
		amount, _ := stake.(uint64)
		out[addr] = amount
	}
	return out
}

// validatorSetEqual reports whether two validator maps have identical
// addresses and stakes.
func validatorSetEqual(a, b map[core.Address]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for addr, stake := range a {
		if b[addr] != stake {
			return false
		}
	}
	return true
}
