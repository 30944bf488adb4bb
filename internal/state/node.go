// Package state implements a persistent, copy-on-write key-value tree
// with named versions, and a view that executes transactions against one
// version.
package state

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/quorumchain/quorumchain/internal/crypto"
)

// Node is one level of the persistent tree. A nil *Node represents an empty
// subtree. Cloning a tree never copies Node values; only the nodes on a
// subsequently-written path are copied, so sibling branches created before
// the write keep pointing at the original, unmodified nodes.
type Node struct {
	Value    any
	Children map[string]*Node
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// getNode walks path from root without mutating anything.
func getNode(root *Node, segs []string) *Node {
	cur := root
	for _, s := range segs {
		if cur == nil {
			return nil
		}
		cur = cur.Children[s]
	}
	return cur
}

// Get reads the value stored at path, if any.
func Get(root *Node, path string) (any, bool) {
	n := getNode(root, splitPath(path))
	if n == nil {
		return nil, false
	}
	return n.Value, n.Value != nil
}

// setNode returns a new root with value written at segs, copying only the
// nodes along the path.
func setNode(root *Node, segs []string, value any) *Node {
	if len(segs) == 0 {
		children := map[string]*Node{}
		if root != nil {
			children = root.Children
		}
		return &Node{Value: value, Children: children}
	}
	var oldValue any
	children := map[string]*Node{}
	if root != nil {
		oldValue = root.Value
		for k, v := range root.Children {
			children[k] = v
		}
	}
	head, rest := segs[0], segs[1:]
	children[head] = setNode(children[head], rest, value)
	return &Node{Value: oldValue, Children: children}
}

// Set returns a new root with value written at path.
func Set(root *Node, path string, value any) *Node {
	return setNode(root, splitPath(path), value)
}

// deleteNode returns a new root with segs (and everything beneath it)
// removed.
func deleteNode(root *Node, segs []string) *Node {
	if root == nil {
		return nil
	}
	if len(segs) == 0 {
		return nil
	}
	head, rest := segs[0], segs[1:]
	child, ok := root.Children[head]
	if !ok {
		return root
	}
	children := map[string]*Node{}
	for k, v := range root.Children {
		children[k] = v
	}
	newChild := deleteNode(child, rest)
	if newChild == nil {
		delete(children, head)
	} else {
		children[head] = newChild
	}
	if len(children) == 0 && root.Value == nil {
		return nil
	}
	return &Node{Value: root.Value, Children: children}
}

// Delete returns a new root with path removed.
func Delete(root *Node, path string) *Node {
	return deleteNode(root, splitPath(path))
}

// ChildCount returns the number of immediate children at path.
func ChildCount(root *Node, path string) int {
	n := getNode(root, splitPath(path))
	if n == nil {
		return 0
	}
	return len(n.Children)
}

// ProofHash digests the subtree rooted at path into a deterministic
// fingerprint, bottom-up, so two trees with identical content hash
// identically regardless of how they were built.
func ProofHash(root *Node, path string) string {
	return hashNode(getNode(root, splitPath(path)))
}

func hashNode(n *Node) string {
	if n == nil {
		return crypto.Hash256(nil)
	}
	keys := make([]string, 0, len(n.Children))
	for k := range n.Children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	valBytes, _ := json.Marshal(n.Value)
	buf.Write(valBytes)
	for _, k := range keys {
		buf.WriteString("/")
		buf.WriteString(k)
		buf.WriteString(":")
		buf.WriteString(hashNode(n.Children[k]))
	}
	return crypto.Hash256([]byte(buf.String()))
}
