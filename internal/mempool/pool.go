// Package mempool holds not-yet-included transactions in per-account
// ordered queues, O(1) dedup by hash, and an eligibility predicate the
// consensus engine drains when constructing a proposal. The pool is a pure
// collaborator — it has no notion of blocks, epochs, or votes.
package mempool

import (
	"errors"
	"sort"
	"sync"

	"github.com/quorumchain/quorumchain/internal/core"
)

// AdmitDecision is Admit's result.
type AdmitDecision int

const (
	AdmitOK AdmitDecision = iota
	AdmitDuplicate
	AdmitPoolFull
	AdmitPerAccountFull
	AdmitNotEligible
)

var (
	ErrPoolFull       = errors.New("mempool: pool is full")
	ErrPerAccountFull = errors.New("mempool: per-account queue is full")
	ErrNotEligible    = errors.New("mempool: transaction is not eligible")
)

const (
	defaultMaxPoolSize   = 100_000
	defaultMaxPerAccount = 1_000
)

// Pool is the transaction pool.
type Pool struct {
	mu            sync.RWMutex
	byAccount     map[core.Address][]*core.Transaction
	seen          map[string]struct{}
	maxPoolSize   int
	maxPerAccount int
	size          int
}

// New returns an empty pool with the given capacity bounds. A zero value
// for either bound falls back to a sane default.
func New(maxPoolSize, maxPerAccount int) *Pool {
	if maxPoolSize <= 0 {
		maxPoolSize = defaultMaxPoolSize
	}
	if maxPerAccount <= 0 {
		maxPerAccount = defaultMaxPerAccount
	}
	return &Pool{
		byAccount:     map[core.Address][]*core.Transaction{},
		seen:          map[string]struct{}{},
		maxPoolSize:   maxPoolSize,
		maxPerAccount: maxPerAccount,
	}
}

// Admit validates tx's signature, dedups it against the fingerprint set,
// and appends it to its account's queue.
func (p *Pool) Admit(tx *core.Transaction) (AdmitDecision, error) {
	if err := tx.VerifyAndRecover(); err != nil {
		return AdmitNotEligible, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.seen[tx.Hash]; dup {
		return AdmitDuplicate, nil
	}
	if p.size >= p.maxPoolSize {
		return AdmitPoolFull, ErrPoolFull
	}
	queue := p.byAccount[tx.Address]
	if len(queue) >= p.maxPerAccount {
		return AdmitPerAccountFull, ErrPerAccountFull
	}

	p.seen[tx.Hash] = struct{}{}
	p.byAccount[tx.Address] = append(queue, tx)
	p.size++
	return AdmitOK, nil
}

// Has reports whether txHash is currently tracked by the pool.
func (p *Pool) Has(txHash string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.seen[txHash]
	return ok
}

// Size returns the total number of tracked transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size
}

// NonceLookup supplies each account's last-applied nonce, so ValidTransactions
// can decide which queued transactions are next in a gap-free sequence.
type NonceLookup interface {
	AccountNonce(addr core.Address) int64
}

// ChainContext reports which transaction hashes already appear somewhere in
// the chain being extended, so they are excluded from a fresh proposal.
type ChainContext interface {
	Included(txHash string) bool
}

// ValidTransactions returns the transactions eligible to appear in the next
// block: per account, a gap-free run starting at nonce+1 (or any unordered
// transaction), ordered by (nonce ascending, timestamp ascending), excluding
// anything chainCtx reports as already included.
func (p *Pool) ValidTransactions(chainCtx ChainContext, nonces NonceLookup) []*core.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*core.Transaction
	for addr, queue := range p.byAccount {
		ordered := make([]*core.Transaction, 0, len(queue))
		unordered := make([]*core.Transaction, 0)
		for _, tx := range queue {
			if chainCtx != nil && chainCtx.Included(tx.Hash) {
				continue
			}
			if tx.Body.Nonce < 0 {
				unordered = append(unordered, tx)
			} else {
				ordered = append(ordered, tx)
			}
		}
		sort.Slice(ordered, func(i, j int) bool {
			if ordered[i].Body.Nonce != ordered[j].Body.Nonce {
				return ordered[i].Body.Nonce < ordered[j].Body.Nonce
			}
			return ordered[i].Body.Timestamp < ordered[j].Body.Timestamp
		})
		sort.Slice(unordered, func(i, j int) bool {
			return unordered[i].Body.Timestamp < unordered[j].Body.Timestamp
		})

		next := int64(0)
		if nonces != nil {
			next = nonces.AccountNonce(addr) + 1
		}
		for _, tx := range ordered {
			if tx.Body.Nonce != next {
				break
			}
			out = append(out, tx)
			next++
		}
		out = append(out, unordered...)
	}
	sortKeepingAccountOrder(out)
	return out
}

// sortKeepingAccountOrder arranges txs by ascending timestamp globally while
// preserving each account's relative (nonce-ascending) order: the timestamp
// sort picks which SLOTS an account occupies, then the account's own
// transactions fill those slots in their original sequence.
func sortKeepingAccountOrder(txs []*core.Transaction) {
	perAccount := map[core.Address][]*core.Transaction{}
	for _, tx := range txs {
		perAccount[tx.Address] = append(perAccount[tx.Address], tx)
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Body.Timestamp < txs[j].Body.Timestamp })
	taken := map[core.Address]int{}
	for i, tx := range txs {
		queue := perAccount[tx.Address]
		txs[i] = queue[taken[tx.Address]]
		taken[tx.Address]++
	}
}

// RemoveInvalid drops the named transactions from the pool outright (they
// failed execution and will never become eligible).
func (p *Pool) RemoveInvalid(txs []*core.Transaction) {
	p.removeByHash(hashesOf(txs))
}

// CleanUpForNewBlock drops every transaction block includes, from both the
// fingerprint set and its account queue.
func (p *Pool) CleanUpForNewBlock(block *core.Block) {
	p.removeByHash(hashesOf(block.Transactions))
}

func hashesOf(txs []*core.Transaction) map[string]struct{} {
	out := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		out[tx.Hash] = struct{}{}
	}
	return out
}

func (p *Pool) removeByHash(hashes map[string]struct{}) {
	if len(hashes) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, queue := range p.byAccount {
		kept := queue[:0:0]
		for _, tx := range queue {
			if _, drop := hashes[tx.Hash]; drop {
				delete(p.seen, tx.Hash)
				p.size--
				continue
			}
			kept = append(kept, tx)
		}
		if len(kept) == 0 {
			delete(p.byAccount, addr)
		} else {
			p.byAccount[addr] = kept
		}
	}
}
