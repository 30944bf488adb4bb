package state

import "github.com/quorumchain/quorumchain/internal/core"

// RuleEvaluator decides whether addr may write value to path. It is an
// injected collaborator; a View calls it on every SET_VALUE/SET operation.
type RuleEvaluator interface {
	AllowWrite(root *Node, path string, value any, addr core.Address, blockNumber int64) bool
}

// OwnerEvaluator decides whether addr may change path's rule, function, or
// ownership records.
type OwnerEvaluator interface {
	AllowOwnerChange(root *Node, path string, addr core.Address) bool
}

// FunctionTrigger runs any SET_FUNCTION-registered side effect attached to
// path after a successful write. It returns false if the side effect itself
// fails, which the caller surfaces as FUNCTION_FAILED.
type FunctionTrigger interface {
	Trigger(root *Node, path string, value any, addr core.Address) bool
}

// PermissiveEvaluator allows everything. It is the default wired up for
// single-node operation and tests; a sharding/rules engine can replace any
// of the three interfaces independently without touching DatabaseView.
type PermissiveEvaluator struct{}

func (PermissiveEvaluator) AllowWrite(*Node, string, any, core.Address, int64) bool { return true }
func (PermissiveEvaluator) AllowOwnerChange(*Node, string, core.Address) bool       { return true }
func (PermissiveEvaluator) Trigger(*Node, string, any, core.Address) bool           { return true }
