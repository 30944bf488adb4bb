package state

import (
	"errors"
	"fmt"

	"github.com/quorumchain/quorumchain/internal/core"
)

// ExecCode is DatabaseView.Execute's result discriminant.
type ExecCode int

const (
	CodeOK ExecCode = iota
	CodeNonceMismatch
	CodeTimestampStale
	CodeRuleDenied
	CodeOwnerDenied
	CodeFunctionFailed
	CodeGasExceeded
	CodePoolFull
)

var (
	ErrNonceMismatch   = errors.New("state: NONCE_MISMATCH")
	ErrTimestampStale  = errors.New("state: TIMESTAMP_STALE")
	ErrRuleDenied      = errors.New("state: RULE_DENIED")
	ErrOwnerDenied     = errors.New("state: OWNER_DENIED")
	ErrFunctionFailed  = errors.New("state: FUNCTION_FAILED")
	ErrGasExceeded     = errors.New("state: GAS_EXCEEDED")
)

// ExecResult is what Execute returns for one transaction.
type ExecResult struct {
	Code         ExecCode
	Error        error
	GasAmount    uint64
	GasCost      uint64
}

func (r ExecResult) Success() bool { return r.Code == CodeOK }

// MaxGasPerTx bounds the gas a single transaction, summed over every op of
// a SET list, may consume before execution fails with CodeGasExceeded.
const MaxGasPerTx = 1_000_000

const gasPerOp = 100

// View is a database view bound to one state version plus the
// block-number snapshot transactions are executed under (used for rule
// evaluation that references $block_number).
type View struct {
	mgr         *Manager
	versionName string
	blockNumber int64
	rules       RuleEvaluator
	owners      OwnerEvaluator
	functions   FunctionTrigger

	backupRoot *Node
	released   bool
}

// NewView binds a DatabaseView to versionName at blockNumber. Callers that
// don't need a custom rule/owner/function engine may pass nil for any of
// rules/owners/functions to fall back to PermissiveEvaluator.
func (m *Manager) NewView(versionName string, blockNumber int64, rules RuleEvaluator, owners OwnerEvaluator, functions FunctionTrigger) (*View, error) {
	if _, ok := m.GetRoot(versionName); !ok {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, versionName)
	}
	if rules == nil {
		rules = PermissiveEvaluator{}
	}
	if owners == nil {
		owners = PermissiveEvaluator{}
	}
	if functions == nil {
		functions = PermissiveEvaluator{}
	}
	return &View{mgr: m, versionName: versionName, blockNumber: blockNumber, rules: rules, owners: owners, functions: functions}, nil
}

// VersionName returns the bound version's name.
func (v *View) VersionName() string { return v.versionName }

func (v *View) root() *Node {
	root, _ := v.mgr.GetRoot(v.versionName)
	return root
}

func (v *View) nonceTimestampPath(addr core.Address) string {
	return fmt.Sprintf("/accounts/%s/nonce_and_timestamp", addr)
}

type nonceTimestamp struct {
	Nonce     int64 `json:"nonce"`
	Timestamp int64 `json:"timestamp"`
}

// GetAccountNonceAndTimestamp returns addr's last-seen ordered nonce and
// timestamp, defaulting to (-1, 0) for a never-seen account.
func (v *View) GetAccountNonceAndTimestamp(addr core.Address) (int64, int64) {
	raw, ok := Get(v.root(), v.nonceTimestampPath(addr))
	if !ok {
		return -1, 0
	}
	nt, ok := raw.(nonceTimestamp)
	if !ok {
		return -1, 0
	}
	return nt.Nonce, nt.Timestamp
}

// Get returns the raw value stored at path, or false if nothing is set
// there.
func (v *View) Get(path string) (any, bool) {
	return Get(v.root(), path)
}

// Execute evaluates tx against the current root, mutating it in place on
// success and leaving it untouched on failure.
func (v *View) Execute(tx *core.Transaction) ExecResult {
	accNonce, accTimestamp := v.GetAccountNonceAndTimestamp(tx.Address)

	if tx.Body.Nonce >= 0 {
		if tx.Body.Nonce != accNonce+1 {
			return ExecResult{Code: CodeNonceMismatch, Error: fmt.Errorf("%w: expected %d, got %d", ErrNonceMismatch, accNonce+1, tx.Body.Nonce)}
		}
	} else if tx.Body.Timestamp <= accTimestamp {
		return ExecResult{Code: CodeTimestampStale, Error: fmt.Errorf("%w: %d <= %d", ErrTimestampStale, tx.Body.Timestamp, accTimestamp)}
	}

	root := v.root()
	ops := v.opsFor(tx.Body)
	var gasAmount uint64
	for _, op := range ops {
		switch op.Operation {
		case core.OpSetRule, core.OpSetOwner, core.OpSetFunction:
			if !v.owners.AllowOwnerChange(root, op.Ref, tx.Address) {
				return ExecResult{Code: CodeOwnerDenied, Error: fmt.Errorf("%w: %s", ErrOwnerDenied, op.Ref)}
			}
		default:
			if !v.rules.AllowWrite(root, op.Ref, op.Value, tx.Address, v.blockNumber) {
				return ExecResult{Code: CodeRuleDenied, Error: fmt.Errorf("%w: %s", ErrRuleDenied, op.Ref)}
			}
		}
		root = Set(root, op.Ref, op.Value)
		gasAmount += gasPerOp
		if gasAmount > MaxGasPerTx {
			return ExecResult{Code: CodeGasExceeded, Error: fmt.Errorf("%w: %s", ErrGasExceeded, tx.Hash)}
		}
		if op.Operation == core.OpSetFunction {
			if !v.functions.Trigger(root, op.Ref, op.Value, tx.Address) {
				return ExecResult{Code: CodeFunctionFailed, Error: fmt.Errorf("%w: %s", ErrFunctionFailed, op.Ref)}
			}
		}
	}

	root = Set(root, v.nonceTimestampPath(tx.Address), nonceTimestamp{
		Nonce:     maxInt64(accNonce, tx.Body.Nonce),
		Timestamp: tx.Body.Timestamp,
	})

	gasCost := gasAmount * tx.Body.GasPrice
	if err := v.mgr.Update(v.versionName, root); err != nil {
		return ExecResult{Code: CodeFunctionFailed, Error: err}
	}
	return ExecResult{Code: CodeOK, GasAmount: gasAmount, GasCost: gasCost}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (v *View) opsFor(body core.TxBody) []core.SetOp {
	if body.Operation == core.OpSet {
		return body.Ops
	}
	return []core.SetOp{{Operation: body.Operation, Ref: body.Ref, Value: body.Value}}
}

// ExecuteList applies txs in order and returns false at the first one that
// fails; transactions applied before it stay applied, and the rest are not
// run. It does not consult Backup: per-tx atomicity is the caller's
// explicit Backup/Restore, not ExecuteList's.
func (v *View) ExecuteList(txs []*core.Transaction) bool {
	for _, tx := range txs {
		if !v.Execute(tx).Success() {
			return false
		}
	}
	return true
}

// Backup snapshots the current root so a later Restore can discard any
// writes made since.
func (v *View) Backup() {
	v.backupRoot = v.root()
}

// Restore rewinds to the last Backup snapshot.
func (v *View) Restore() {
	if v.backupRoot == nil {
		return
	}
	_ = v.mgr.Update(v.versionName, v.backupRoot)
}

// StateProof returns the Merkle-style digest of path's subtree.
func (v *View) StateProof(path string) string {
	return ProofHash(v.root(), path)
}

// StateInfoResult is StateInfo's return shape.
type StateInfoResult struct {
	ChildrenCount int
	HasValue      bool
}

// StateInfo reports path's shape without its full contents.
func (v *View) StateInfo(path string) StateInfoResult {
	val, hasValue := Get(v.root(), path)
	_ = val
	return StateInfoResult{ChildrenCount: ChildCount(v.root(), path), HasValue: hasValue}
}

// Release marks the view done. Every early-return path during proposal and
// vote verification must call Release on its temp views — a leaked temp
// version is a resource bug.
func (v *View) Release() {
	v.released = true
}

// Released reports whether Release has been called, for leak-detecting
// tests.
func (v *View) Released() bool { return v.released }
