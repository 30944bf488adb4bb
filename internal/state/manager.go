package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrVersionExists      = errors.New("state: version already exists")
	ErrVersionNotFound    = errors.New("state: version not found")
	ErrDeleteFinalized    = errors.New("state: cannot delete the finalized version")
	ErrNoFinalizedVersion = errors.New("state: no finalized version yet")
)

// Manager is the state version manager: a forest of named,
// structurally-shared roots with exactly one finalized version at a time.
type Manager struct {
	mu        sync.RWMutex
	roots     map[string]*Node
	parents   map[string]string
	finalized string
}

// NewManager returns an empty forest with finalName already registered as
// an empty, finalized version (the pre-genesis state).
func NewManager(finalName string) *Manager {
	return &Manager{
		roots:     map[string]*Node{finalName: nil},
		parents:   map[string]string{},
		finalized: finalName,
	}
}

// Clone forks base's current contents under newName. Subsequent mutations
// to base are invisible to newName and vice versa.
func (m *Manager) Clone(base, newName string) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	root, ok := m.roots[base]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, base)
	}
	if _, exists := m.roots[newName]; exists {
		return nil, fmt.Errorf("%w: %s", ErrVersionExists, newName)
	}
	m.roots[newName] = root
	m.parents[newName] = base
	return root, nil
}

// CloneToTemp forks base under a generated, prefix-tagged name intended to
// be discarded rather than persisted — the scratch version proposal
// verification runs against, modeled as a scoped, always-released handle.
func (m *Manager) CloneToTemp(base, prefix string) (string, *Node, error) {
	name := fmt.Sprintf("%s-%s", prefix, uuid.NewString())
	root, err := m.Clone(base, name)
	if err != nil {
		return "", nil, err
	}
	return name, root, nil
}

// Update rebinds name's root to root, without changing its identity. Views
// call this after every mutating execute so other holders of name see the
// new content on their next GetRoot.
func (m *Manager) Update(name string, root *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roots[name]; !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, name)
	}
	m.roots[name] = root
	return nil
}

// Finalize atomically promotes name to be the finalized version. The
// previous finalized version's identity is evicted; its tree is retained
// only if some other name still points at it (it does not, in the normal
// transfer-then-finalize flow, since transfer already moved it aside).
func (m *Manager) Finalize(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roots[name]; !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, name)
	}
	prev := m.finalized
	m.finalized = name
	if prev != "" && prev != name {
		delete(m.roots, prev)
		delete(m.parents, prev)
	}
	return nil
}

// Delete drops name. It fails if name is currently finalized.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == m.finalized {
		return ErrDeleteFinalized
	}
	if _, ok := m.roots[name]; !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, name)
	}
	delete(m.roots, name)
	delete(m.parents, name)
	return nil
}

// Transfer rebinds src's physical tree under the name dst, without copying,
// then drops src's identity. Used when a speculative branch becomes the
// finalized chain.
func (m *Manager) Transfer(src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	root, ok := m.roots[src]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, src)
	}
	m.roots[dst] = root
	delete(m.roots, src)
	delete(m.parents, src)
	return nil
}

// GetRoot returns name's current root.
func (m *Manager) GetRoot(name string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	root, ok := m.roots[name]
	return root, ok
}

// VersionList returns every live version name, sorted for deterministic
// inspection/logging.
func (m *Manager) VersionList() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.roots))
	for n := range m.roots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FinalVersion returns the currently finalized version's name.
func (m *Manager) FinalVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finalized
}

// NumVersions reports the live version count. At steady state this equals
// 1 (finalized) + the number of live pool blocks; anything more is a leak.
func (m *Manager) NumVersions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.roots)
}
