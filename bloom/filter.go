// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bloom provides the BIP0037 connection bloom filter used to
// subscribe to transactions of interest on remote peers.  Unlike a
// textbook bloom filter it additionally supports removal: the filter
// remembers every inserted element and removal rebuilds the bit vector
// from the elements that remain.
package bloom

import (
	"math"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/spaolacci/murmur3"
)

const (
	// MaxFilterSize is the maximum byte size in bytes a filter may be.
	MaxFilterSize = 36000

	// MaxHashFuncs is the maximum number of hash functions to use in
	// the filter.
	MaxHashFuncs = 50

	// seedMultiplier is the constant each hash function index is
	// multiplied by before being combined with the tweak, per BIP0037.
	seedMultiplier = 0xFBA4C795

	ln2Squared = math.Ln2 * math.Ln2
)

// Filter defines a bitcoin bloom filter that provides easy manipulation of
// raw filter data.  All of its functions are safe for concurrent access:
// the client inserts and removes watched data while each peer serializes
// the filter into its own filterload message.
type Filter struct {
	mtx       sync.Mutex
	msg       *wire.MsgFilterLoad
	elements  [][]byte
	nElements uint32
	fpRate    float64
}

// NewFilter creates a new bloom filter instance, mainly to be used by SPV
// clients.  The tweak parameter is a random value added to the seed value.
// The false positive rate is the probability of a false positive where 1.0
// is "match everything" and zero is unachievable.  In order for the filter
// to remain useful under removal and reinsertion, the bit vector is always
// sized for nElements regardless of how many elements are currently
// inserted.
func NewFilter(nElements uint32, tweak uint32, fprate float64, flags wire.BloomUpdateType) *Filter {
	// Massage the false positive rate to sane values.
	if fprate > 1.0 {
		fprate = 1.0
	}
	if fprate < 1e-9 {
		fprate = 1e-9
	}

	// Calculate the size of the filter in bytes for the given number of
	// elements and false positive rate.
	//
	// Equivalent to m = -(n*ln(p) / ln(2)^2), where m is in bits.
	// Then clamp it to the maximum filter size and convert to bytes.
	dataLen, hashFuncs := filterGeometry(nElements, fprate)
	data := make([]byte, dataLen)
	msg := wire.NewMsgFilterLoad(data, hashFuncs, tweak, flags)
	return &Filter{
		msg:       msg,
		nElements: nElements,
		fpRate:    fprate,
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// filterGeometry returns the byte length of the bit vector and the number
// of hash functions for the given element count and false positive rate.
//
// The length is -(n*ln(p) / ln(2)^2) bits clamped to the maximum filter
// size, and the hash function count is (m/n) * ln(2) clamped to the
// maximum, matching the BIP0037 reference.
func filterGeometry(nElements uint32, fprate float64) (uint32, uint32) {
	dataLen := uint32(min(-1*float64(nElements)*math.Log(fprate)/ln2Squared,
		MaxFilterSize*8) / 8)
	if dataLen < 1 {
		dataLen = 1
	}
	hashFuncs := uint32(min(float64(dataLen*8)/float64(nElements)*math.Ln2,
		MaxHashFuncs))
	if hashFuncs < 1 {
		hashFuncs = 1
	}
	return dataLen, hashFuncs
}

// hash returns the bit offset in the filter which corresponds to the passed
// data for the given independent hash function number.
func (bf *Filter) hash(hashNum uint32, data []byte) uint32 {
	// bitcoind: 0xfba4c795 chosen as it guarantees a reasonable bit
	// difference between hashNum values.
	mm := murmur3.Sum32WithSeed(data, hashNum*seedMultiplier+bf.msg.Tweak)
	return mm % (uint32(len(bf.msg.Filter)) * 8)
}

// matches returns true if the bloom filter might contain the passed data.
//
// This function MUST be called with the filter lock held.
func (bf *Filter) matches(data []byte) bool {
	if len(bf.msg.Filter) == 0 {
		return false
	}
	for i := uint32(0); i < bf.msg.HashFuncs; i++ {
		idx := bf.hash(i, data)
		if bf.msg.Filter[idx>>3]&(1<<(idx&7)) == 0 {
			return false
		}
	}
	return true
}

// Matches returns true if the bloom filter might contain the passed data
// and false if it definitely does not.
func (bf *Filter) Matches(data []byte) bool {
	bf.mtx.Lock()
	match := bf.matches(data)
	bf.mtx.Unlock()
	return match
}

// setBits sets the filter bits for the passed data without recording the
// element.
//
// This function MUST be called with the filter lock held.
func (bf *Filter) setBits(data []byte) {
	// Nothing to do if the filter is saturated.
	if len(bf.msg.Filter) == 1 && bf.msg.Filter[0] == 0xff {
		return
	}
	for i := uint32(0); i < bf.msg.HashFuncs; i++ {
		idx := bf.hash(i, data)
		bf.msg.Filter[idx>>3] |= 1 << (idx & 7)
	}
}

// Add adds the passed byte slice to the bloom filter and records it in the
// inserted element list so it may be removed again later.
func (bf *Filter) Add(data []byte) {
	bf.mtx.Lock()
	defer bf.mtx.Unlock()

	bf.setBits(data)
	elem := make([]byte, len(data))
	copy(elem, data)
	bf.elements = append(bf.elements, elem)
}

// AddHash adds the passed chainhash.Hash to the filter.
func (bf *Filter) AddHash(hash *chainhash.Hash) {
	bf.Add(hash[:])
}

// Remove removes the passed byte slice from the filter.  Bloom filter bits
// cannot be cleared individually, so the bit vector is reset and every
// remaining recorded element is reinserted.  Removing data that was never
// inserted is a no-op.
func (bf *Filter) Remove(data []byte) {
	bf.mtx.Lock()
	defer bf.mtx.Unlock()

	idx := -1
	for i, elem := range bf.elements {
		if string(elem) == string(data) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	bf.elements = append(bf.elements[:idx], bf.elements[idx+1:]...)

	// Recompute the filter geometry from the construction parameters and
	// reinsert the remaining elements into a zeroed bit vector.
	dataLen, hashFuncs := filterGeometry(bf.nElements, bf.fpRate)
	bf.msg.Filter = make([]byte, dataLen)
	bf.msg.HashFuncs = hashFuncs
	for _, elem := range bf.elements {
		bf.setBits(elem)
	}
}

// RemoveHash removes the passed chainhash.Hash from the filter.
func (bf *Filter) RemoveHash(hash *chainhash.Hash) {
	bf.Remove(hash[:])
}

// MsgFilterLoad returns the underlying wire.MsgFilterLoad for the bloom
// filter.  The returned message is a snapshot: mutations of the filter
// after the call do not retroactively apply to it.
func (bf *Filter) MsgFilterLoad() *wire.MsgFilterLoad {
	bf.mtx.Lock()
	defer bf.mtx.Unlock()

	data := make([]byte, len(bf.msg.Filter))
	copy(data, bf.msg.Filter)
	return wire.NewMsgFilterLoad(data, bf.msg.HashFuncs, bf.msg.Tweak,
		bf.msg.Flags)
}
