// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// merkleExtractor walks the partial merkle tree encoded in a merkleblock
// message.  Flag bits are consumed LSB-first within each byte.
type merkleExtractor struct {
	numTx    uint32
	hashes   []*chainhash.Hash
	flags    []byte
	bitsUsed uint32
	hashUsed int
	matched  []*chainhash.Hash
}

// treeWidth returns the number of nodes at the given height of a partial
// merkle tree over numTx transactions.
func treeWidth(numTx uint32, height uint32) uint32 {
	return (numTx + (1 << height) - 1) >> height
}

// nextFlag consumes a single flag bit.
func (e *merkleExtractor) nextFlag() (bool, error) {
	if e.bitsUsed >= uint32(len(e.flags))*8 {
		return false, fmt.Errorf("overflowed the bits array")
	}
	bit := e.flags[e.bitsUsed>>3]>>(e.bitsUsed&7)&1 == 1
	e.bitsUsed++
	return bit, nil
}

// nextHash consumes a single hash.
func (e *merkleExtractor) nextHash() (*chainhash.Hash, error) {
	if e.hashUsed >= len(e.hashes) {
		return nil, fmt.Errorf("overflowed the hash array")
	}
	hash := e.hashes[e.hashUsed]
	e.hashUsed++
	return hash, nil
}

// extract recursively computes the hash of the node at the given height and
// position, recording any height-zero node whose flag bit is set as a
// matched transaction.
func (e *merkleExtractor) extract(height, pos uint32) (*chainhash.Hash, error) {
	match, err := e.nextFlag()
	if err != nil {
		return nil, err
	}

	// A cleared flag, or a leaf, means the hash is carried verbatim in
	// the message.  A set flag on a leaf marks a matched transaction.
	if height == 0 || !match {
		hash, err := e.nextHash()
		if err != nil {
			return nil, err
		}
		if height == 0 && match {
			e.matched = append(e.matched, hash)
		}
		return hash, nil
	}

	left, err := e.extract(height-1, pos*2)
	if err != nil {
		return nil, err
	}
	var right *chainhash.Hash
	if pos*2+1 < treeWidth(e.numTx, height-1) {
		right, err = e.extract(height-1, pos*2+1)
		if err != nil {
			return nil, err
		}
		// Identical left and right branches would allow a duplicated
		// transaction set to forge the same root (CVE-2012-2459).
		if left.IsEqual(right) {
			return nil, fmt.Errorf("equivalent hashes for both sides " +
				"of the merkle branch")
		}
	} else {
		// There is no right child at this position, so the left child
		// is hashed with itself.
		right = left
	}

	parent := chainhash.DoubleHashH(append(left[:], right[:]...))
	return &parent, nil
}

// ExtractMatches verifies the partial merkle tree carried by the passed
// merkleblock message and returns the transaction hashes that matched the
// remote peer's filter.  The reconstructed merkle root must equal the root
// committed to by the accompanying header, every hash must be consumed, and
// no more than seven padding flag bits may remain, otherwise an error is
// returned and the proof is rejected.
func ExtractMatches(msg *wire.MsgMerkleBlock) ([]*chainhash.Hash, error) {
	if msg.Transactions == 0 {
		return nil, fmt.Errorf("merkleblock has zero transactions")
	}

	// Tree height is the smallest h for which a single node covers all
	// transactions.
	var height uint32
	for treeWidth(msg.Transactions, height) > 1 {
		height++
	}

	e := &merkleExtractor{
		numTx:  msg.Transactions,
		hashes: msg.Hashes,
		flags:  msg.Flags,
	}
	root, err := e.extract(height, 0)
	if err != nil {
		return nil, err
	}
	if e.hashUsed != len(e.hashes) {
		return nil, fmt.Errorf("%d of %d hashes unconsumed",
			len(e.hashes)-e.hashUsed, len(e.hashes))
	}
	if uint32(len(e.flags))*8-e.bitsUsed >= 8 {
		return nil, fmt.Errorf("%d flag bits unconsumed",
			uint32(len(e.flags))*8-e.bitsUsed)
	}
	if !root.IsEqual(&msg.Header.MerkleRoot) {
		return nil, fmt.Errorf("extracted root %v does not match "+
			"header merkle root %v", root, msg.Header.MerkleRoot)
	}
	return e.matched, nil
}
