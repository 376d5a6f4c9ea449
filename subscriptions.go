// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pybitcoin

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TxCallback is invoked for a watched transaction when its announcement
// threshold is crossed and again each time its confirmation count
// increases.  Confirmation counts passed to a callback are strictly
// increasing for any given transaction.
type TxCallback func(tx *btcutil.Tx, confirmations uint32)

// addressSubscription is a watch installed on an address.  The first
// transaction observed paying the address spawns a txSubscription carrying
// the threshold and callback recorded here.
type addressSubscription struct {
	announceThreshold int
	callback          TxCallback
}

// txSubscription tracks a single watched transaction, created either by
// broadcasting the transaction ourselves or by a remote peer delivering a
// transaction that pays a subscribed address.
type txSubscription struct {
	// announced counts the announcements of the transaction: each peer
	// echoing its hash back in an inv, plus its delivery by a peer when
	// it pays a watched address.  Since unconfirmed transactions cannot
	// be validated, the announcement callback is withheld until
	// announceThreshold is reached; confirmation callbacks do not wait
	// for it.
	announced         int
	announceThreshold int

	// confirmations is the best confirmation count over every block the
	// transaction has been proven into.  lastReported is the count most
	// recently delivered to the callback, used to keep reported counts
	// strictly increasing.
	confirmations uint32
	lastReported  uint32

	// inBlocks is the ordered set of blocks carrying a merkle proof of
	// this transaction.
	inBlocks []chainhash.Hash

	callback TxCallback
	tx       *btcutil.Tx

	// result and timeout exist only for self-broadcast transactions.
	// The promise resolves exactly once: true when the announcement
	// threshold is met, false when the timer fires first.
	result   chan bool
	resolved bool
	timeout  *time.Timer
}

// addBlock appends a block to the subscription's inclusion set if it is not
// already present.
func (sub *txSubscription) addBlock(blockHash *chainhash.Hash) {
	for _, existing := range sub.inBlocks {
		if existing == *blockHash {
			return
		}
	}
	sub.inBlocks = append(sub.inBlocks, *blockHash)
}

// resolve delivers the broadcast result exactly once.
func (sub *txSubscription) resolve(success bool) {
	if sub.result == nil || sub.resolved {
		return
	}
	sub.resolved = true
	if sub.timeout != nil {
		sub.timeout.Stop()
	}
	sub.result <- success
}

// subscriptionTable is the set of active watches.  Address keys and
// transaction hash keys are kept in distinct typed maps.  The table is
// owned by the Client; peers read and write entries under the client
// mutex.
type subscriptionTable struct {
	byAddress map[string]*addressSubscription
	byTxHash  map[chainhash.Hash]*txSubscription
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{
		byAddress: make(map[string]*addressSubscription),
		byTxHash:  make(map[chainhash.Hash]*txSubscription),
	}
}
