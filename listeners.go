// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pybitcoin

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// DownloadListener is notified of blockchain download events so callers can
// track the progress of the initial header sync.
type DownloadListener interface {
	// DownloadStarted is called when the blockchain download starts.
	// The peer is the address of the download peer and blocksLeft is the
	// approximate number of blocks to download.
	DownloadStarted(peer string, blocksLeft uint32)

	// OnBlockDownloaded is called after validating each block.
	OnBlockDownloaded(peer string, blockHash *chainhash.Hash, blocksLeft uint32)

	// Progress is called as the download advances with the percentage
	// complete and the total number of blocks downloaded so far.
	Progress(percent int, blocksDownloaded uint32)

	// DownloadComplete is called when the download is complete.
	DownloadComplete()
}

// PeerEventListener is notified of connections and disconnections from
// remote peers.
type PeerEventListener interface {
	// OnPeerConnected is called when a peer completes its handshake.
	// The count is the number of connected peers.
	OnPeerConnected(peer string, peerCount int)

	// OnPeerDisconnected is called when a connection to a peer is torn
	// down.  The count is the number of remaining connected peers.
	OnPeerDisconnected(peer string, peerCount int)
}
