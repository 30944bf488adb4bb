package core

import (
	"encoding/json"
	"fmt"

	"github.com/quorumchain/quorumchain/internal/crypto"
)

// The database paths the consensus engine reads and writes.
const (
	WhitelistPath = "/consensus/whitelist"
)

// ConsensusNumberPath is the directory under which block N's proposal and
// votes live: /consensus/number/<N>.
func ConsensusNumberPath(number int64) string {
	return fmt.Sprintf("/consensus/number/%d", number)
}

// ProposePath is the path a PROPOSE transaction for block N writes to.
func ProposePath(number int64) string {
	return ConsensusNumberPath(number) + "/propose"
}

// VotePath is the path validator addr's vote for block N writes to.
func VotePath(number int64, addr Address) string {
	return fmt.Sprintf("%s/%s", ConsensusNumberPath(number), addr)
}

// StakePath is where addr's staking balance lives.
func StakePath(addr Address) string {
	return fmt.Sprintf("/staking/consensus/%s/0", addr)
}

// VoteValue is the payload a VOTE transaction carries.
type VoteValue struct {
	BlockHash string `json:"block_hash"`
	Stake     uint64 `json:"stake"`
}

// ProposalValue is the payload a PROPOSE transaction carries: the whole
// proposed block, including its last_votes and transactions, which a
// receiver replays to verify it.
type ProposalValue struct {
	Block *Block `json:"block"`
}

// BuildVoteTx signs and returns a VOTE transaction for blockHash at number,
// cast by signer holding stake.
func BuildVoteTx(number int64, blockHash string, stake uint64, timestamp int64, signer *crypto.KeyPair) (*Transaction, error) {
	value := VoteValue{BlockHash: blockHash, Stake: stake}
	body := TxBody{
		Operation: OpSetValue,
		Ref:       VotePath(number, Address(signer.Address())),
		Value:     value,
		Nonce:     UnorderedNonce,
		Timestamp: timestamp,
	}
	return NewTransaction(body, signer)
}

// BuildProposalTx signs and returns a PROPOSE transaction for block.
func BuildProposalTx(block *Block, timestamp int64, signer *crypto.KeyPair) (*Transaction, error) {
	body := TxBody{
		Operation: OpSetValue,
		Ref:       ProposePath(block.Number),
		Value:     ProposalValue{Block: block},
		Nonce:     UnorderedNonce,
		Timestamp: timestamp,
	}
	return NewTransaction(body, signer)
}

// BuildProposalTxWithPrune builds the proposal transaction for block, and,
// when block.Number exceeds retentionWindow, bundles a second op nulling out
// /consensus/number/<N-retentionWindow> into the same transaction, so
// every node applies the prune identically when replaying.
func BuildProposalTxWithPrune(block *Block, retentionWindow int64, timestamp int64, signer *crypto.KeyPair) (*Transaction, error) {
	ops := []SetOp{{Operation: OpSetValue, Ref: ProposePath(block.Number), Value: ProposalValue{Block: block}}}
	if retentionWindow > 0 && block.Number > retentionWindow {
		ops = append(ops, SetOp{Operation: OpSetValue, Ref: ConsensusNumberPath(block.Number - retentionWindow), Value: nil})
	}
	if len(ops) == 1 {
		body := TxBody{Operation: OpSetValue, Ref: ops[0].Ref, Value: ops[0].Value, Nonce: UnorderedNonce, Timestamp: timestamp}
		return NewTransaction(body, signer)
	}
	body := TxBody{Operation: OpSet, Ops: ops, Nonce: UnorderedNonce, Timestamp: timestamp}
	return NewTransaction(body, signer)
}

// IsVotePath reports whether ref is a /consensus/number/<N>/<addr> vote path
// (as opposed to its .../propose sibling), and returns N.
func IsVotePath(ref string) (number int64, addr string, ok bool) {
	var n int64
	var a string
	if _, err := fmt.Sscanf(ref, "/consensus/number/%d/%s", &n, &a); err != nil || a == "propose" {
		return 0, "", false
	}
	return n, a, true
}

// DecodeVoteValue re-parses a VOTE transaction's value.
func DecodeVoteValue(tx *Transaction) (VoteValue, error) {
	var v VoteValue
	raw, err := json.Marshal(tx.Body.Value)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(raw, &v)
	return v, err
}

// DecodeProposalValue re-parses a PROPOSE transaction's value. A proposal
// transaction that also nulls out a retention-window slot
// carries its payload inside Body.Ops instead of Body.Value directly; this
// looks in both places.
func DecodeProposalValue(tx *Transaction) (ProposalValue, error) {
	var v ProposalValue
	value := tx.Body.Value
	if tx.Body.Operation == OpSet {
		found := false
		for _, op := range tx.Body.Ops {
			if op.Operation == OpSetValue && len(op.Ref) >= 8 && op.Ref[len(op.Ref)-8:] == "/propose" {
				value = op.Value
				found = true
				break
			}
		}
		if !found {
			return v, fmt.Errorf("core: no /propose entry in SET op list")
		}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(raw, &v)
	return v, err
}
