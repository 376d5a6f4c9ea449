// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
)

// TestNetworkParams sanity checks the hard-coded network parameters.
func TestNetworkParams(t *testing.T) {
	assert.Equal(t, wire.MainNet, MainNetParams.Net)
	assert.Equal(t, "8333", MainNetParams.DefaultPort)
	assert.Equal(t, wire.TestNet3, TestNet3Params.Net)
	assert.Equal(t, "18333", TestNet3Params.DefaultPort)
	assert.NotEqual(t, MainNetParams.Net, TestNet3Params.Net)

	// The checkpoint anchors everything downstream; make sure the
	// authoritative values survived transcription.
	assert.Equal(t, uint32(376992), MainNetParams.Checkpoint.Height)
	assert.Equal(t, uint32(1443700390), MainNetParams.Checkpoint.Timestamp)
	assert.Equal(t, uint32(0x1809CCE2), MainNetParams.Checkpoint.Bits)

	assert.Equal(t, uint32(576576), TestNet3Params.Checkpoint.Height)
	assert.Equal(t,
		"000000000000204500050ea47622bdd55a30c7c9eab4fc42b5ffc9128fa08370",
		TestNet3Params.Checkpoint.Hash.String())
	assert.Equal(t, uint32(1444142008), TestNet3Params.Checkpoint.Timestamp)
	assert.Equal(t, uint32(0x1A3FCD74), TestNet3Params.Checkpoint.Bits)

	// The timestamp sanity check is unreliable on testnet3 and is only
	// enforced on mainnet.
	assert.True(t, MainNetParams.EnforceTimestampCheck)
	assert.False(t, TestNet3Params.EnforceTimestampCheck)

	for _, params := range []*Params{&MainNetParams, &TestNet3Params} {
		assert.NotNil(t, params.AddrParams, params.Name)
		assert.NotEmpty(t, params.DNSSeeds, params.Name)
		assert.NotNil(t, params.PowLimit, params.Name)
	}
}
