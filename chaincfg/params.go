// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"math/big"
	"time"

	btcchaincfg "github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// bigOne is 1 represented as a big.Int.  It is defined here to avoid
	// the overhead of creating it multiple times.
	bigOne = big.NewInt(1)

	// mainPowLimit is the highest proof of work value a Bitcoin block can
	// have for the main network.  It is the value 2^224 - 1.
	mainPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 224), bigOne)

	// testNet3PowLimit is the highest proof of work value a Bitcoin block
	// can have for the test network (version 3).  It is the value
	// 2^224 - 1.
	testNet3PowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 224), bigOne)
)

// Checkpoint identifies a known good point in the block chain.  The header
// database is seeded from a checkpoint rather than the genesis block, so a
// checkpoint carries everything needed to anchor validation of its
// descendants: the height, hash, timestamp, and compact difficulty target.
// Headers before the checkpoint are unknown to the client.
type Checkpoint struct {
	Height    uint32
	Hash      *chainhash.Hash
	Timestamp uint32
	Bits      uint32
}

// DNSSeed identifies a DNS seed.
type DNSSeed struct {
	// Host defines the hostname of the seed.
	Host string
}

// String returns the hostname of the DNS seed in human-readable form.
func (d DNSSeed) String() string {
	return d.Host
}

// Params defines a Bitcoin network by its parameters.  These parameters may
// be used by applications to differentiate networks as well as addresses and
// keys for one network from those intended for use on another network.
type Params struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// Net defines the magic bytes used to identify the network.
	Net wire.BitcoinNet

	// DefaultPort defines the default peer-to-peer port for the network.
	DefaultPort string

	// DNSSeeds defines a list of DNS seeds for the network that are used
	// as one method to discover peers.
	DNSSeeds []DNSSeed

	// Checkpoint defines the anchor block the header database is seeded
	// from.  Cumulative work is measured relative to this block.
	Checkpoint Checkpoint

	// PowLimit defines the highest allowed proof of work value for a block
	// as a uint256.
	PowLimit *big.Int

	// PowLimitBits defines the highest allowed proof of work value for a
	// block in compact form.
	PowLimitBits uint32

	// TargetTimespan is the desired amount of time that should elapse
	// before the block difficulty requirement is examined to determine how
	// it should be changed in order to maintain the desired block
	// generation rate.
	TargetTimespan time.Duration

	// TargetTimePerBlock is the desired amount of time to generate each
	// block.
	TargetTimePerBlock time.Duration

	// RetargetAdjustmentFactor is the adjustment factor used to limit
	// the minimum and maximum amount of adjustment that can occur between
	// difficulty retargets.
	RetargetAdjustmentFactor int64

	// EnforceTimestampCheck defines whether headers are required to have a
	// timestamp greater than the median of the previous eleven.  The check
	// is unreliable against the testnet3 20-minute difficulty rule, so it
	// is only enforced on mainnet.
	EnforceTimestampCheck bool

	// AddrParams points at the btcd network parameters used for address
	// encoding and script-to-address extraction.
	AddrParams *btcchaincfg.Params
}

// MainNetParams defines the network parameters for the main Bitcoin network.
var MainNetParams = Params{
	Name:        "mainnet",
	Net:         wire.MainNet,
	DefaultPort: "8333",
	DNSSeeds: []DNSSeed{
		{"seed.bitcoin.sipa.be"},
		{"dnsseed.bluematt.me"},
		{"dnsseed.bitcoin.dashjr.org"},
		{"seed.bitcoinstats.com"},
		{"seed.bitnodes.io"},
	},

	Checkpoint: Checkpoint{
		Height:    376992,
		Hash:      newHashFromStr("000000000000000002591f2be6c4a2327a1b1b7e87a6cf51c2d82e1f0adbfdb4"),
		Timestamp: 1443700390,
		Bits:      0x1809CCE2,
	},

	PowLimit:                 mainPowLimit,
	PowLimitBits:             0x1d00ffff,
	TargetTimespan:           time.Hour * 24 * 14,
	TargetTimePerBlock:       time.Minute * 10,
	RetargetAdjustmentFactor: 4,
	EnforceTimestampCheck:    true,

	AddrParams: &btcchaincfg.MainNetParams,
}

// TestNet3Params defines the network parameters for the test Bitcoin network
// (version 3).
var TestNet3Params = Params{
	Name:        "testnet3",
	Net:         wire.TestNet3,
	DefaultPort: "18333",
	DNSSeeds: []DNSSeed{
		{"testnet-seed.bitcoin.schildbach.de"},
		{"testnet-seed.bitcoin.petertodd.org"},
	},

	Checkpoint: Checkpoint{
		Height:    576576,
		Hash:      newHashFromStr("000000000000204500050ea47622bdd55a30c7c9eab4fc42b5ffc9128fa08370"),
		Timestamp: 1444142008,
		Bits:      0x1A3FCD74,
	},

	PowLimit:                 testNet3PowLimit,
	PowLimitBits:             0x1d00ffff,
	TargetTimespan:           time.Hour * 24 * 14,
	TargetTimePerBlock:       time.Minute * 10,
	RetargetAdjustmentFactor: 4,
	EnforceTimestampCheck:    false,

	AddrParams: &btcchaincfg.TestNet3Params,
}

// newHashFromStr converts the passed big-endian hex string into a
// chainhash.Hash.  It only differs from the one available in chainhash in
// that it panics on an error since it will only (and must only) be called
// with hard-coded, and therefore known good, hashes.
func newHashFromStr(hexStr string) *chainhash.Hash {
	hash, err := chainhash.NewHashFromStr(hexStr)
	if err != nil {
		panic(err)
	}
	return hash
}
