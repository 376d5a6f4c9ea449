// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/cpacia/pybitcoin/chaincfg"
)

const (
	// BlocksPerRetarget is the number of blocks between each difficulty
	// retarget.
	BlocksPerRetarget = 2016

	// maxWindowSize is the maximum distance between the height of the
	// chain tip and the height of the oldest stored header.  Once the
	// window grows past this the oldest headers are pruned.  The window
	// only needs to be deep enough to survive any realistic reorg.
	maxWindowSize = 5000

	// medianTimeBlocks is the number of previous headers which are used
	// to calculate the median time used to validate header timestamps.
	medianTimeBlocks = 11
)

// BlockLocator is used to help locate a specific block.  The algorithm for
// building the block locator is to add the hashes in reverse order until
// the start of the stored window is reached.  In order to keep the list of
// locator hashes to a reasonable number of entries, first the most recent
// ten block hashes are added, then the step is doubled each loop iteration
// to exponentially decrease the number of hashes as a function of distance
// from the tip.
type BlockLocator []*chainhash.Hash

// headerNode represents a single stored header within the database.  Both
// main chain headers and headers on orphaned side chains are kept in the
// same index; the node with the most cumulative work is the chain tip, so
// reorganizations require no explicit handling.
type headerNode struct {
	header  wire.BlockHeader
	hash    chainhash.Hash
	height  uint32
	cumWork *big.Int

	// order is the insertion sequence number.  When two branches carry
	// equal cumulative work the earlier inserted node remains the tip.
	order uint64
}

// BlockDatabase maintains the set of block headers needed to prove a
// transaction exists in the blockchain.  Headers are indexed by hash and
// ranked by cumulative work, so the record with the most work is the tip of
// the chain.  When a new header is passed to ProcessHeader it is validated,
// its parent is looked up (rejected if absent), the work of the header is
// added to the cumulative work of the parent, and the record is inserted at
// the appropriate height.  Since valid headers and orphans share the same
// index, chain reorganizations are handled automatically: if an orphan
// branch overtakes the main chain its head simply becomes the new tip.
// Only a sliding window of headers is retained to guard against a reorg;
// everything before the window is deleted.
type BlockDatabase struct {
	mtx       sync.RWMutex
	params    *chaincfg.Params
	index     map[chainhash.Hash]*headerNode
	byHeight  map[uint32][]*headerNode
	best      *headerNode
	minHeight uint32
	nextOrder uint64

	// db is nil when the database is memory only.  Committed headers
	// accumulate in batch until Flush is called.
	db    *leveldb.DB
	batch *leveldb.Batch
}

// NewBlockDatabase returns a header database seeded from the hard-coded
// checkpoint for the given network.  When dbPath is non-empty the database
// is backed by a leveldb store at that path and any previously persisted
// headers are loaded.  A missing or unreadable store falls back to a fresh
// checkpoint-seeded database.
func NewBlockDatabase(dbPath string, params *chaincfg.Params) (*BlockDatabase, error) {
	b := &BlockDatabase{
		params:   params,
		index:    make(map[chainhash.Hash]*headerNode),
		byHeight: make(map[uint32][]*headerNode),
		batch:    new(leveldb.Batch),
	}
	b.seedCheckpoint()

	if dbPath != "" {
		db, err := leveldb.OpenFile(dbPath, nil)
		if err != nil {
			db, err = leveldb.RecoverFile(dbPath, nil)
			if err != nil {
				return nil, fmt.Errorf("open header db: %w", err)
			}
		}
		b.db = db
		b.load()
	}
	return b, nil
}

// seedCheckpoint resets the in-memory index to contain only the checkpoint
// record.  The checkpoint starts with zero cumulative work since only
// relative work matters for tip selection.
func (b *BlockDatabase) seedCheckpoint() {
	cp := b.params.Checkpoint
	node := &headerNode{
		header: wire.BlockHeader{
			Timestamp: time.Unix(int64(cp.Timestamp), 0),
			Bits:      cp.Bits,
		},
		hash:    *cp.Hash,
		height:  cp.Height,
		cumWork: big.NewInt(0),
		order:   0,
	}
	b.index = map[chainhash.Hash]*headerNode{node.hash: node}
	b.byHeight = map[uint32][]*headerNode{node.height: {node}}
	b.best = node
	b.minHeight = node.height
	b.nextOrder = 1
	b.batch.Put(node.hash[:], serializeHeaderNode(node))
}

// ProcessHeader validates the passed header and, when all checks pass,
// commits it to the database.  It returns the height the header was stored
// at.  Failures are reported as a RuleError; in particular an unknown
// parent yields ErrUnknownParent so the caller can distinguish orphans from
// invalid headers.
func (b *BlockDatabase) ProcessHeader(header *wire.BlockHeader) (uint32, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	blockHash := header.BlockHash()
	if _, exists := b.index[blockHash]; exists {
		str := fmt.Sprintf("already have block %v", blockHash)
		return 0, ruleError(ErrDuplicateBlock, str)
	}

	// The target difficulty must be in the valid range and the block hash
	// must be less than the claimed target.
	target := CompactToBig(header.Bits)
	if target.Sign() <= 0 || target.Cmp(b.params.PowLimit) > 0 {
		str := fmt.Sprintf("block target difficulty of %064x is out of range",
			target)
		return 0, ruleError(ErrBadDiffBits, str)
	}
	if HashToBig(&blockHash).Cmp(target) > 0 {
		str := fmt.Sprintf("block hash of %v is higher than expected max of %064x",
			blockHash, target)
		return 0, ruleError(ErrHighHash, str)
	}

	parent, exists := b.index[header.PrevBlock]
	if !exists {
		str := fmt.Sprintf("previous block %v is unknown", header.PrevBlock)
		return 0, ruleError(ErrUnknownParent, str)
	}

	// The claimed difficulty must not be less rigorous than the retarget
	// rules permit.  Outside of a retarget boundary the bits must match
	// the parent exactly.
	newHeight := parent.height + 1
	required := b.calcNextRequiredDifficulty(parent)
	if newHeight%BlocksPerRetarget == 0 {
		if CompactToBig(header.Bits).Cmp(CompactToBig(required)) > 0 {
			str := fmt.Sprintf("block difficulty of %08x is less than "+
				"required %08x", header.Bits, required)
			return 0, ruleError(ErrBadDiffBits, str)
		}
	} else if header.Bits != required {
		str := fmt.Sprintf("block difficulty of %08x does not match "+
			"required %08x", header.Bits, required)
		return 0, ruleError(ErrBadDiffBits, str)
	}

	if err := b.checkTimestamp(parent, header.Timestamp); err != nil {
		return 0, err
	}

	b.commit(header, blockHash, parent, newHeight)
	return newHeight, nil
}

// checkTimestamp enforces that the timestamp is strictly greater than the
// median of the previous eleven headers.  The check only applies once a
// full median window is available inside the sliding window, and only on
// networks that enforce it.
func (b *BlockDatabase) checkTimestamp(parent *headerNode, ts time.Time) error {
	if !b.params.EnforceTimestampCheck {
		return nil
	}
	timestamps := make([]int64, 0, medianTimeBlocks)
	for iter := parent; iter != nil; iter = b.parent(iter) {
		timestamps = append(timestamps, iter.header.Timestamp.Unix())
		if len(timestamps) == medianTimeBlocks {
			break
		}
	}
	if len(timestamps) < medianTimeBlocks {
		return nil
	}
	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})
	median := timestamps[len(timestamps)/2]
	if ts.Unix() <= median {
		str := fmt.Sprintf("block timestamp of %v is not after median time %v",
			ts.Unix(), median)
		return ruleError(ErrTimeTooOld, str)
	}
	return nil
}

// commit inserts a fully validated header.  The cumulative work of the new
// record is the parent's cumulative work plus the work represented by the
// header's compact bits.
//
// This function MUST be called with the database lock held.
func (b *BlockDatabase) commit(header *wire.BlockHeader, blockHash chainhash.Hash,
	parent *headerNode, height uint32) {

	node := &headerNode{
		header:  *header,
		hash:    blockHash,
		height:  height,
		cumWork: new(big.Int).Add(parent.cumWork, CalcWork(header.Bits)),
		order:   b.nextOrder,
	}
	b.nextOrder++
	b.index[blockHash] = node
	b.byHeight[height] = append(b.byHeight[height], node)
	if b.db != nil {
		b.batch.Put(node.hash[:], serializeHeaderNode(node))
	}

	// A strictly greater comparison keeps the earlier inserted branch as
	// the tip when cumulative work is tied.
	if node.cumWork.Cmp(b.best.cumWork) > 0 {
		if node.header.PrevBlock != b.best.hash {
			log.Infof("Chain reorganized to block %v (height %d)",
				node.hash, node.height)
		}
		b.best = node
	}
	b.cull()
}

// cull prunes the oldest headers once the sliding window has grown past its
// maximum size.
//
// This function MUST be called with the database lock held.
func (b *BlockDatabase) cull() {
	for b.best.height-b.minHeight > maxWindowSize {
		for _, node := range b.byHeight[b.minHeight] {
			delete(b.index, node.hash)
			if b.db != nil {
				b.batch.Delete(node.hash[:])
			}
		}
		delete(b.byHeight, b.minHeight)
		b.minHeight++
	}
}

// parent returns the stored parent of the given node, or nil when the
// parent is outside the window.
//
// This function MUST be called with the database lock held (for reads).
func (b *BlockDatabase) parent(node *headerNode) *headerNode {
	return b.index[node.header.PrevBlock]
}

// walkBack walks n parent pointers back from the passed node and returns
// the node it lands on, or nil if the walk leaves the window.
//
// This function MUST be called with the database lock held (for reads).
func (b *BlockDatabase) walkBack(node *headerNode, n uint32) *headerNode {
	for i := uint32(0); i < n && node != nil; i++ {
		node = b.parent(node)
	}
	return node
}

// Height returns the height of the chain tip.
func (b *BlockDatabase) Height() uint32 {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.best.height
}

// TipHash returns the hash of the chain tip, which is the stored header
// with the most cumulative work.
func (b *BlockDatabase) TipHash() chainhash.Hash {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.best.hash
}

// StartHeight returns the height of the oldest stored header.
func (b *BlockDatabase) StartHeight() uint32 {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.minHeight
}

// HashAtHeight returns the hash of the main chain block at the given
// height.  The boolean return is false when the height is outside the
// stored window.
func (b *BlockDatabase) HashAtHeight(height uint32) (chainhash.Hash, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	if height > b.best.height || height < b.minHeight {
		return chainhash.Hash{}, false
	}
	node := b.walkBack(b.best, b.best.height-height)
	if node == nil {
		return chainhash.Hash{}, false
	}
	return node.hash, true
}

// HeightOf returns the stored height of the given block hash.  The boolean
// return is false when the hash is unknown.  Note the height of a header on
// an orphaned branch is returned as readily as one on the main chain.
func (b *BlockDatabase) HeightOf(blockHash *chainhash.Hash) (uint32, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	node, exists := b.index[*blockHash]
	if !exists {
		return 0, false
	}
	return node.height, true
}

// TimestampOf returns the timestamp of the given block hash.
func (b *BlockDatabase) TimestampOf(blockHash *chainhash.Hash) (time.Time, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	node, exists := b.index[*blockHash]
	if !exists {
		return time.Time{}, false
	}
	return node.header.Timestamp, true
}

// TargetOf returns the compact difficulty target of the given block hash.
func (b *BlockDatabase) TargetOf(blockHash *chainhash.Hash) (uint32, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	node, exists := b.index[*blockHash]
	if !exists {
		return 0, false
	}
	return node.header.Bits, true
}

// ParentOf returns the hash of the previous block of the given block hash.
func (b *BlockDatabase) ParentOf(blockHash *chainhash.Hash) (chainhash.Hash, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	node, exists := b.index[*blockHash]
	if !exists {
		return chainhash.Hash{}, false
	}
	return node.header.PrevBlock, true
}

// Locator returns a block locator for the current chain tip.  It is handed
// to a remote peer when requesting headers or blocks so the peer can find
// the fork point between our chain and theirs.
func (b *BlockDatabase) Locator() BlockLocator {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	locator := make(BlockLocator, 0, 32)
	node := b.best
	step := uint32(1)
	for node != nil {
		hash := node.hash
		locator = append(locator, &hash)
		if len(locator) >= 10 {
			step *= 2
		}
		if node.height <= b.minHeight {
			break
		}
		if node.height < b.minHeight+step {
			// The next step would walk past the oldest stored
			// header, so finish with the oldest itself.
			node = b.walkBack(node, node.height-b.minHeight)
			continue
		}
		node = b.walkBack(node, step)
	}
	return locator
}

// Confirmations returns the number of confirmations the given block hash
// has.  The tip of the chain has one confirmation.  Blocks on orphaned
// branches, and blocks unknown to the database, have zero.
func (b *BlockDatabase) Confirmations(blockHash *chainhash.Hash) uint32 {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	node, exists := b.index[*blockHash]
	if !exists || node.height > b.best.height {
		return 0
	}
	onMain := b.walkBack(b.best, b.best.height-node.height)
	if onMain == nil || onMain.hash != *blockHash {
		return 0
	}
	return b.best.height - node.height + 1
}
