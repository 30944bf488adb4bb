// Package core holds the consensus engine's data model: transactions,
// blocks, and the paths under which votes, proposals, and stake live in the
// versioned state tree.
package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quorumchain/quorumchain/internal/crypto"
)

// Address is the textual, multibase-encoded form produced by internal/crypto.
type Address string

// Operation names one of the five recognized transaction bodies.
type Operation string

const (
	OpSetValue    Operation = "SET_VALUE"
	OpSetRule     Operation = "SET_RULE"
	OpSetFunction Operation = "SET_FUNCTION"
	OpSetOwner    Operation = "SET_OWNER"
	OpSet         Operation = "SET" // ordered list of the other four
)

// SetOp is one entry of an OpSet transaction's ordered operation list.
type SetOp struct {
	Operation Operation `json:"operation"`
	Ref       string    `json:"ref"`
	Value     any       `json:"value,omitempty"`
}

// UnorderedNonce marks a transaction as replay-unique by timestamp rather
// than by a strictly increasing per-account counter.
const UnorderedNonce int64 = -1

// TxBody is the signed payload of a Transaction.
type TxBody struct {
	Operation    Operation `json:"operation"`
	Ref          string    `json:"ref,omitempty"`
	Value        any       `json:"value,omitempty"`
	Ops          []SetOp   `json:"op_list,omitempty"`
	Nonce        int64     `json:"nonce"`
	Timestamp    int64     `json:"timestamp"`
	GasPrice     uint64    `json:"gas_price,omitempty"`
	ParentTxHash string    `json:"parent_tx_hash,omitempty"`
}

// Transaction is a signed TxBody plus the address it recovers to.
type Transaction struct {
	Body      TxBody  `json:"tx_body"`
	Signature string  `json:"signature"`
	Address   Address `json:"address"`
	Hash      string  `json:"hash"`
}

var (
	ErrNilKeyPair          = errors.New("core: signing key pair is nil")
	ErrTransactionUnsigned = errors.New("core: transaction has no signature")
	ErrSignatureMismatch   = errors.New("core: signature does not recover to the claimed address")
)

// bodyBytes returns the canonical JSON encoding of body, used both to sign
// and to recompute a transaction's hash.
func bodyBytes(body TxBody) ([]byte, error) {
	return json.Marshal(body)
}

// canonicalBody forces body's free-form Value fields into their JSON-decoded
// shape (maps with sorted keys rather than Go structs), so the bytes being
// signed are identical whether the transaction was freshly built or has been
// through a wire roundtrip.
func canonicalBody(body TxBody) (TxBody, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return TxBody{}, err
	}
	var out TxBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return TxBody{}, err
	}
	return out, nil
}

// NewTransaction signs body with signer and fills in Address and Hash.
func NewTransaction(body TxBody, signer *crypto.KeyPair) (*Transaction, error) {
	if signer == nil {
		return nil, ErrNilKeyPair
	}
	body, err := canonicalBody(body)
	if err != nil {
		return nil, fmt.Errorf("core: canonicalize tx body: %w", err)
	}
	raw, err := bodyBytes(body)
	if err != nil {
		return nil, fmt.Errorf("core: encode tx body: %w", err)
	}
	sig, err := crypto.Sign(raw, signer)
	if err != nil {
		return nil, fmt.Errorf("core: sign tx body: %w", err)
	}
	tx := &Transaction{
		Body:      body,
		Signature: sig,
		Address:   Address(signer.Address()),
	}
	tx.Hash = tx.computeHash()
	return tx, nil
}

// computeHash digests the body and signature (but not the Address or Hash
// fields themselves, which are derived from the signature).
func (tx *Transaction) computeHash() string {
	raw, _ := json.Marshal(struct {
		Body      TxBody `json:"tx_body"`
		Signature string `json:"signature"`
	}{tx.Body, tx.Signature})
	return crypto.Hash256(raw)
}

// VerifyAndRecover checks tx.Signature over tx.Body, confirms it recovers
// to tx.Address, and confirms tx.Hash matches. It is the single gate every
// transaction must pass before entering the pool or a block.
func (tx *Transaction) VerifyAndRecover() error {
	if tx.Signature == "" {
		return ErrTransactionUnsigned
	}
	raw, err := bodyBytes(tx.Body)
	if err != nil {
		return fmt.Errorf("core: encode tx body: %w", err)
	}
	if err := crypto.Verify(raw, tx.Signature, string(tx.Address)); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if got := tx.computeHash(); got != tx.Hash {
		return fmt.Errorf("core: tx hash mismatch: have %s, computed %s", tx.Hash, got)
	}
	return nil
}

// Block is the immutable unit of the replicated ledger.
type Block struct {
	Number         int64              `json:"number"`
	Epoch          int64              `json:"epoch"`
	LastHash       string             `json:"last_hash"`
	Hash           string             `json:"hash"`
	Proposer       Address            `json:"proposer"`
	Validators     map[Address]uint64 `json:"validators"`
	Transactions   []*Transaction     `json:"transactions"`
	LastVotes      []*Transaction     `json:"last_votes"`
	GasAmountTotal uint64             `json:"gas_amount_total"`
	GasCostTotal   uint64             `json:"gas_cost_total"`
	StateProofHash string             `json:"state_proof_hash,omitempty"`
	Timestamp      int64              `json:"timestamp"`
}

// GenesisTimestamp is the fixed timestamp every chain's block 0 carries.
const GenesisTimestamp int64 = 0

// NewGenesisBlock builds block 0: no last_hash, no votes, a fixed timestamp,
// and the initial validator whitelist as its stake snapshot.
func NewGenesisBlock(validators map[Address]uint64) *Block {
	b := &Block{
		Number:     0,
		Epoch:      0,
		LastHash:   "",
		Proposer:   "",
		Validators: validators,
		Timestamp:  GenesisTimestamp,
	}
	b.Hash = b.computeHash()
	return b
}

// computeHash digests every field except Hash itself. LastVotes precede
// Transactions in the digest; that ordering matches execution order and is
// part of the block identity.
func (b *Block) computeHash() string {
	raw, _ := json.Marshal(struct {
		Number         int64              `json:"number"`
		Epoch          int64              `json:"epoch"`
		LastHash       string             `json:"last_hash"`
		Proposer       Address            `json:"proposer"`
		Validators     map[Address]uint64 `json:"validators"`
		LastVotes      []*Transaction     `json:"last_votes"`
		Transactions   []*Transaction     `json:"transactions"`
		GasAmountTotal uint64             `json:"gas_amount_total"`
		GasCostTotal   uint64             `json:"gas_cost_total"`
		StateProofHash string             `json:"state_proof_hash,omitempty"`
		Timestamp      int64              `json:"timestamp"`
	}{
		b.Number, b.Epoch, b.LastHash, b.Proposer, b.Validators,
		b.LastVotes, b.Transactions, b.GasAmountTotal, b.GasCostTotal,
		b.StateProofHash, b.Timestamp,
	})
	return crypto.Hash256(raw)
}

// SetHash recomputes and stores Hash. Callers use this once a block's
// content is final; VerifyHash checks a received block's claimed hash
// without modifying the block.
func (b *Block) SetHash() {
	b.Hash = b.computeHash()
}

// VerifyHash reports whether b.Hash matches a fresh recomputation.
func (b *Block) VerifyHash() bool {
	return b.Hash == b.computeHash()
}

// TotalStake sums a validator set's stake.
func TotalStake(validators map[Address]uint64) uint64 {
	var total uint64
	for _, stake := range validators {
		total += stake
	}
	return total
}
