// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestBigToCompact ensures BigToCompact converts big integers to the
// expected compact representation.
func TestBigToCompact(t *testing.T) {
	tests := []struct {
		in  int64
		out uint32
	}{
		{0, 0},
		{-1, 25231360},
	}

	for x, test := range tests {
		n := big.NewInt(test.in)
		r := BigToCompact(n)
		if r != test.out {
			t.Errorf("TestBigToCompact test #%d failed: got %d want %d\n",
				x, r, test.out)
			return
		}
	}
}

// TestCompactToBig ensures CompactToBig converts numbers using the compact
// representation to the expected big integers.
func TestCompactToBig(t *testing.T) {
	tests := []struct {
		in  uint32
		out int64
	}{
		{10000000, 0},
		{0x01123456, 0x12},
		{0x02000056, 0x56},
		{0x03000000, 0},
		{0x04123456, 0x12345600},
	}

	for x, test := range tests {
		n := CompactToBig(test.in)
		want := big.NewInt(test.out)
		if n.Cmp(want) != 0 {
			t.Errorf("TestCompactToBig test #%d failed: got %d want %d\n",
				x, n, want)
			return
		}
	}
}

// TestCompactRoundTrip ensures targets survive a decode/encode cycle at
// compact precision.
func TestCompactRoundTrip(t *testing.T) {
	for _, bits := range []uint32{0x1d00ffff, 0x1809CCE2, 0x1A3FCD74, 0x207fffff} {
		assert.Equal(t, bits, BigToCompact(CompactToBig(bits)),
			"bits %08x", bits)
	}
}

// TestCalcWork ensures the work calculated for a compact target behaves as
// the inverse of the target: harder targets accumulate more work, and
// invalid targets accumulate none.
func TestCalcWork(t *testing.T) {
	zero := CalcWork(0)
	assert.Equal(t, 0, zero.Sign())

	easy := CalcWork(0x207fffff)
	hard := CalcWork(0x1d00ffff)
	assert.Equal(t, 1, easy.Sign())
	assert.Equal(t, 1, hard.Cmp(easy))

	// work = 2^256 / (target + 1).  The genesis difficulty target
	// 0x1d00ffff is 0xffff << 208, so its work is 2^256/(0xffff<<208+1)
	// which is 0x100010001... (2^32 / (1 + 2^-16 + ...)) = 4295032833.
	assert.Equal(t, "4295032833", hard.String())
}
