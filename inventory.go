// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pybitcoin

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// txInventory holds the transactions this client is able to serve to remote
// peers, which is to say the transactions it has broadcast itself.  It also
// tracks block attributions for filter matches whose transactions have not
// arrived over the wire yet: when a merkleblock proves inclusion of a
// transaction we have no subscription for, the block hash is parked here so
// it can be attached to the subscription created when the transaction
// itself shows up.
//
// The inventory is owned by the Client and all access is serialized by the
// client mutex.
type txInventory struct {
	txs           map[chainhash.Hash]*btcutil.Tx
	pendingBlocks map[chainhash.Hash][]chainhash.Hash
}

func newTxInventory() *txInventory {
	return &txInventory{
		txs:           make(map[chainhash.Hash]*btcutil.Tx),
		pendingBlocks: make(map[chainhash.Hash][]chainhash.Hash),
	}
}

// addTx records a transaction so it can be served in response to getdata.
func (inv *txInventory) addTx(tx *btcutil.Tx) {
	inv.txs[*tx.Hash()] = tx
}

// getTx returns the recorded transaction for the given hash, or nil.
func (inv *txInventory) getTx(txid *chainhash.Hash) *btcutil.Tx {
	return inv.txs[*txid]
}

// haveTx returns whether the inventory holds the given transaction.
func (inv *txInventory) haveTx(txid *chainhash.Hash) bool {
	_, ok := inv.txs[*txid]
	return ok
}

// attributeBlock parks a proven block inclusion for a transaction that has
// no subscription yet.
func (inv *txInventory) attributeBlock(txid, blockHash *chainhash.Hash) {
	for _, existing := range inv.pendingBlocks[*txid] {
		if existing == *blockHash {
			return
		}
	}
	inv.pendingBlocks[*txid] = append(inv.pendingBlocks[*txid], *blockHash)
}

// takePendingBlocks removes and returns any parked block inclusions for the
// given transaction.
func (inv *txInventory) takePendingBlocks(txid *chainhash.Hash) []chainhash.Hash {
	blocks := inv.pendingBlocks[*txid]
	delete(inv.pendingBlocks, *txid)
	return blocks
}
