package core

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/boltdb/bolt"
)

var (
	ErrChainEmpty           = errors.New("core: blockchain has no blocks yet")
	ErrBlockNotFound        = errors.New("core: block not found")
	ErrNonSequentialAppend  = errors.New("core: block does not extend the chain tip")
	ErrSegmentDiscontinuous = errors.New("core: chain segment is not contiguous")
)

var (
	blocksBucket    = []byte("blocks")
	hashIndexBucket = []byte("hash_index")
)

// Blockchain is the append-only log of finalized blocks: every write goes
// through Append, in strictly increasing Number order, and is durable the
// moment Append returns.
type Blockchain struct {
	mu  sync.RWMutex
	db  *bolt.DB
	tip int64
}

// OpenBlockchain opens (creating if absent) a bolt-backed blockchain at path.
// If the store is empty, genesis is appended as block 0.
func OpenBlockchain(path string, genesis *Block) (*Blockchain, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("core: open blockchain store: %w", err)
	}
	bc := &Blockchain{db: db, tip: -1}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		if err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(hashIndexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := bc.loadTip(); err != nil {
		db.Close()
		return nil, err
	}
	if bc.tip == -1 && genesis != nil {
		if err := bc.Append(genesis); err != nil {
			db.Close()
			return nil, err
		}
	}
	return bc, nil
}

func (bc *Blockchain) loadTip() error {
	return bc.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(blocksBucket).Cursor()
		k, _ := c.Last()
		if k == nil {
			bc.tip = -1
			return nil
		}
		bc.tip = int64(binary.BigEndian.Uint64(k))
		return nil
	})
}

// Close releases the underlying store.
func (bc *Blockchain) Close() error {
	return bc.db.Close()
}

func numberKey(n int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(n))
	return k
}

// Height returns the number of the last appended block, or -1 if empty.
func (bc *Blockchain) Height() int64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.tip
}

// Append adds block to the finalized log. block.Number must be exactly
// Height()+1 (genesis, number 0, is accepted on an empty chain).
func (bc *Blockchain) Append(block *Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if block.Number != bc.tip+1 {
		return fmt.Errorf("%w: have tip %d, block number %d", ErrNonSequentialAppend, bc.tip, block.Number)
	}
	raw, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("core: encode block %d: %w", block.Number, err)
	}
	err = bc.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blocksBucket).Put(numberKey(block.Number), raw); err != nil {
			return err
		}
		return tx.Bucket(hashIndexBucket).Put([]byte(block.Hash), numberKey(block.Number))
	})
	if err != nil {
		return fmt.Errorf("core: append block %d: %w", block.Number, err)
	}
	bc.tip = block.Number
	return nil
}

// GetByNumber returns the finalized block at number.
func (bc *Blockchain) GetByNumber(number int64) (*Block, error) {
	var block *Block
	err := bc.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(blocksBucket).Get(numberKey(number))
		if raw == nil {
			return fmt.Errorf("%w: number %d", ErrBlockNotFound, number)
		}
		block = &Block{}
		return json.Unmarshal(raw, block)
	})
	return block, err
}

// GetByHash returns the finalized block with the given hash.
func (bc *Blockchain) GetByHash(hash string) (*Block, error) {
	var number int64
	err := bc.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(hashIndexBucket).Get([]byte(hash))
		if raw == nil {
			return fmt.Errorf("%w: hash %s", ErrBlockNotFound, hash)
		}
		number = int64(binary.BigEndian.Uint64(raw))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bc.GetByNumber(number)
}

// LastBlock returns the finalized chain's tip.
func (bc *Blockchain) LastBlock() (*Block, error) {
	h := bc.Height()
	if h < 0 {
		return nil, ErrChainEmpty
	}
	return bc.GetByNumber(h)
}

// maxSegmentSize bounds how many consecutive blocks a single
// CHAIN_SEGMENT_RESPONSE carries.
const maxSegmentSize = 20

// ChainSegment returns up to maxSegmentSize consecutive blocks beginning
// right after fromNumber, for a peer's catch-up request.
func (bc *Blockchain) ChainSegment(fromNumber int64) ([]*Block, error) {
	height := bc.Height()
	var out []*Block
	for n := fromNumber + 1; n <= height && len(out) < maxSegmentSize; n++ {
		b, err := bc.GetByNumber(n)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ValidateSegment checks that segment is internally contiguous (each
// block's LastHash matches the previous block's Hash, each block's own
// Hash matches its content, Epoch strictly increases) before a caller
// applies it atop a temp state version.
func ValidateSegment(segment []*Block, head *Block) error {
	prev := head
	for _, b := range segment {
		if !b.VerifyHash() {
			return fmt.Errorf("%w: block %d has a tampered hash", ErrSegmentDiscontinuous, b.Number)
		}
		if prev != nil {
			if b.LastHash != prev.Hash {
				return fmt.Errorf("%w: block %d does not extend block %d", ErrSegmentDiscontinuous, b.Number, prev.Number)
			}
			if b.Number != prev.Number+1 {
				return fmt.Errorf("%w: block %d is not sequential after %d", ErrSegmentDiscontinuous, b.Number, prev.Number)
			}
			if b.Epoch <= prev.Epoch {
				return fmt.Errorf("%w: block %d epoch %d does not increase past %d", ErrSegmentDiscontinuous, b.Number, b.Epoch, prev.Epoch)
			}
		}
		prev = b
	}
	return nil
}
