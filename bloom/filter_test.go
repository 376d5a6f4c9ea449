// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bloom

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFilterGeometry(t *testing.T) {
	tests := []struct {
		nElements uint32
		fprate    float64
		wantLen   uint32
		wantK     uint32
	}{
		// -10*ln(0.0001)/ln(2)^2 = 191.7 bits = 23 bytes,
		// k = 184/10*ln(2) = 12.
		{10, 0.0001, 23, 12},
		// -10*ln(0.1)/ln(2)^2 = 47.9 bits = 5 bytes,
		// k = 40/10*ln(2) = 2.
		{10, 0.1, 5, 2},
		// Degenerate parameters still produce a usable filter.
		{1, 0.99, 1, 5},
	}
	for _, test := range tests {
		f := NewFilter(test.nElements, 0, test.fprate, wire.BloomUpdateNone)
		msg := f.MsgFilterLoad()
		assert.Equal(t, test.wantLen, uint32(len(msg.Filter)),
			"filter length for n=%d p=%v", test.nElements, test.fprate)
		assert.Equal(t, test.wantK, msg.HashFuncs,
			"hash funcs for n=%d p=%v", test.nElements, test.fprate)
	}
}

func TestFilterInsert(t *testing.T) {
	f := NewFilter(10, 0, 0.0001, wire.BloomUpdateNone)

	// Nothing matches an empty filter.
	hash := chainhash.DoubleHashH([]byte("watched tx"))
	assert.False(t, f.Matches(hash[:]))

	for i := 0; i < 9; i++ {
		f.Add([]byte{byte(i), 0xab, 0xcd})
	}
	for i := 0; i < 9; i++ {
		assert.True(t, f.Matches([]byte{byte(i), 0xab, 0xcd}))
	}

	f.AddHash(&hash)
	assert.True(t, f.Matches(hash[:]))
}

// TestFilterRemove exercises removal: removed elements stop matching while
// the remaining inserted elements keep matching.
func TestFilterRemove(t *testing.T) {
	f := NewFilter(10, 0, 0.0001, wire.BloomUpdateNone)
	f.Add([]byte("aaaa"))
	f.Add([]byte("bbbb"))

	f.Remove([]byte("aaaa"))
	assert.True(t, f.Matches([]byte("bbbb")))
	assert.False(t, f.Matches([]byte("aaaa")))

	// Removing something that was never inserted changes nothing.
	before := f.MsgFilterLoad()
	f.Remove([]byte("cccc"))
	after := f.MsgFilterLoad()
	assert.True(t, bytes.Equal(before.Filter, after.Filter))

	// A removed element can be reinserted.
	f.Add([]byte("aaaa"))
	assert.True(t, f.Matches([]byte("aaaa")))
	assert.True(t, f.Matches([]byte("bbbb")))

	f.RemoveHash(&chainhash.Hash{})
	assert.True(t, f.Matches([]byte("aaaa")))
}

// TestFilterSaturated ensures insertion into a fully saturated single-byte
// filter is skipped rather than wrapped around.
func TestFilterSaturated(t *testing.T) {
	f := NewFilter(1, 0, 0.99, wire.BloomUpdateNone)
	require.Len(t, f.msg.Filter, 1)
	f.msg.Filter[0] = 0xff

	f.Add([]byte("anything"))
	assert.Equal(t, byte(0xff), f.msg.Filter[0])
	assert.True(t, f.Matches([]byte("anything")))
}

// TestFilterLoadSnapshot ensures a serialized filterload message reflects
// the filter state captured at serialization time only.
func TestFilterLoadSnapshot(t *testing.T) {
	f := NewFilter(10, 2147483649, 0.01, wire.BloomUpdateNone)
	f.Add([]byte("aaaa"))
	msg := f.MsgFilterLoad()
	snapshot := append([]byte(nil), msg.Filter...)

	f.Add([]byte("bbbb"))
	assert.True(t, bytes.Equal(snapshot, msg.Filter))

	assert.Equal(t, uint32(2147483649), msg.Tweak)
	assert.Equal(t, wire.BloomUpdateNone, msg.Flags)

	// The message survives a trip through the wire codec.
	var buf bytes.Buffer
	require.NoError(t, msg.BtcEncode(&buf, 70002, wire.LatestEncoding))
	var decoded wire.MsgFilterLoad
	require.NoError(t, decoded.BtcDecode(&buf, 70002, wire.LatestEncoding))
	assert.True(t, bytes.Equal(msg.Filter, decoded.Filter))
	assert.Equal(t, msg.HashFuncs, decoded.HashFuncs)
	assert.Equal(t, msg.Tweak, decoded.Tweak)
}

// TestFilterProperties checks the round-trip property over arbitrary
// element sets: everything inserted matches, and after removing a subset
// everything not removed still matches.
func TestFilterProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tweak := rapid.Uint32().Draw(t, "tweak")
		n := rapid.IntRange(1, 50).Draw(t, "n")

		elements := make(map[string]struct{})
		for i := 0; i < n; i++ {
			elements[fmt.Sprintf("element %d", i)] = struct{}{}
		}

		f := NewFilter(uint32(n), tweak, 0.001, wire.BloomUpdateNone)
		for elem := range elements {
			f.Add([]byte(elem))
		}
		for elem := range elements {
			if !f.Matches([]byte(elem)) {
				t.Fatalf("inserted element %q does not match", elem)
			}
		}

		removeCount := rapid.IntRange(0, n-1).Draw(t, "removeCount")
		removed := 0
		for elem := range elements {
			if removed >= removeCount {
				break
			}
			f.Remove([]byte(elem))
			delete(elements, elem)
			removed++
		}
		for elem := range elements {
			if !f.Matches([]byte(elem)) {
				t.Fatalf("remaining element %q does not match "+
					"after removal", elem)
			}
		}
	})
}
