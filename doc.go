// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package pybitcoin implements a lightweight (SPV) bitcoin client.

The client maintains a checkpoint-seeded database of block headers against
which merkle inclusion proofs may be checked, and subscribes to on-chain
events for a set of addresses and broadcast transactions by installing a
bloom filter on its remote peers.  It performs no script execution and
keeps no UTXO set; a transaction is believed to be in the best chain when
its merkle proof verifies against a header on the chain of most work.
*/
package pybitcoin
