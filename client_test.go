// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pybitcoin

import (
	"bytes"
	"errors"
	"math/big"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpacia/pybitcoin/blockchain"
	"github.com/cpacia/pybitcoin/chaincfg"
)

// testChainBits is a near-trivial compact target for mining test headers.
const testChainBits = 0x207fffff

// newTestChainParams returns network parameters anchored at a synthetic
// height-zero checkpoint so headers can be mined cheaply in tests.
func newTestChainParams() *chaincfg.Params {
	powLimit := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255),
		big.NewInt(1))
	hash := chainhash.DoubleHashH([]byte("client test checkpoint"))
	return &chaincfg.Params{
		Name: "unittest",
		Net:  wire.TestNet3,
		Checkpoint: chaincfg.Checkpoint{
			Height:    0,
			Hash:      &hash,
			Timestamp: 1444000000,
			Bits:      testChainBits,
		},
		PowLimit:                 powLimit,
		PowLimitBits:             testChainBits,
		TargetTimespan:           time.Hour * 24 * 14,
		TargetTimePerBlock:       time.Minute * 10,
		RetargetAdjustmentFactor: 4,
		AddrParams:               chaincfg.TestNet3Params.AddrParams,
	}
}

// mineTestHeader mines a header extending prev with the given merkle root.
func mineTestHeader(t *testing.T, prev *chainhash.Hash, merkleRoot chainhash.Hash,
	timestamp int64) *wire.BlockHeader {

	t.Helper()
	header := &wire.BlockHeader{
		Version:    2,
		PrevBlock:  *prev,
		MerkleRoot: merkleRoot,
		Timestamp:  time.Unix(timestamp, 0),
		Bits:       testChainBits,
	}
	target := blockchain.CompactToBig(testChainBits)
	for nonce := uint32(0); ; nonce++ {
		header.Nonce = nonce
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return header
		}
		if nonce == 1<<24 {
			t.Fatal("failed to mine test header")
		}
	}
}

// testAddress returns a deterministic pay-to-pubkey-hash address.
func testAddress(t *testing.T, params *chaincfg.Params) btcutil.Address {
	t.Helper()
	pkHash := btcutil.Hash160([]byte("test public key"))
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, params.AddrParams)
	require.NoError(t, err)
	return addr
}

// testTxPaying builds a transaction with a single output paying the given
// address.
func testTxPaying(t *testing.T, addr btcutil.Address) *btcutil.Tx {
	t.Helper()
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	msg := wire.NewMsgTx(wire.TxVersion)
	msg.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	msg.AddTxOut(wire.NewTxOut(100000, script))
	return btcutil.NewTx(msg)
}

// testTx builds an arbitrary valid transaction.
func testTx(t *testing.T) *btcutil.Tx {
	t.Helper()
	return testTxPaying(t, testAddress(t, &chaincfg.TestNet3Params))
}

// singleTxMerkleBlock builds a merkleblock for a block containing only the
// given transaction, which matched the filter when matched is true.
func singleTxMerkleBlock(header *wire.BlockHeader, txid *chainhash.Hash,
	matched bool) *wire.MsgMerkleBlock {

	flags := []byte{0x00}
	if matched {
		flags[0] = 0x01
	}
	return &wire.MsgMerkleBlock{
		Header:       *header,
		Transactions: 1,
		Hashes:       []*chainhash.Hash{txid},
		Flags:        flags,
	}
}

// multiHarness attaches several fake remote peers to a single client.
type multiHarness struct {
	t       *testing.T
	client  *Client
	remotes []net.Conn
}

func newMultiHarness(t *testing.T, cfg Config, numPeers int) *multiHarness {
	t.Helper()
	if cfg.Params == nil {
		cfg.Params = &chaincfg.TestNet3Params
	}
	cfg.Lookup = func(string) ([]net.IP, error) {
		return nil, errors.New("lookup disabled")
	}
	client, err := NewClient(nil, cfg)
	require.NoError(t, err)

	h := &multiHarness{t: t, client: client}
	for i := 0; i < numPeers; i++ {
		local, remote := net.Pipe()
		t.Cleanup(func() { remote.Close() })
		p := newPeer(client, local)
		client.peers = append(client.peers, p)
		p.start()
		h.remotes = append(h.remotes, remote)
		h.handshake(i, 100)
	}
	return h
}

func (h *multiHarness) readMessage(peer int) wire.Message {
	h.t.Helper()
	h.remotes[peer].SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, _, err := wire.ReadMessage(h.remotes[peer], ProtocolVersion,
		h.client.cfg.Params.Net)
	require.NoError(h.t, err)
	return msg
}

func (h *multiHarness) writeMessage(peer int, msg wire.Message) {
	h.t.Helper()
	h.remotes[peer].SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(h.t, wire.WriteMessage(h.remotes[peer], msg,
		ProtocolVersion, h.client.cfg.Params.Net))
}

func (h *multiHarness) handshake(peer int, startHeight int32) {
	h.t.Helper()
	_, ok := h.readMessage(peer).(*wire.MsgVersion)
	require.True(h.t, ok, "expected version message")
	h.writeMessage(peer, remoteVersion(startHeight))
	_, ok = h.readMessage(peer).(*wire.MsgVerAck)
	require.True(h.t, ok, "expected verack message")
	h.writeMessage(peer, wire.NewMsgVerAck())
	_, ok = h.readMessage(peer).(*wire.MsgFilterLoad)
	require.True(h.t, ok, "expected filterload message")
}

// TestBroadcastPartition ensures a broadcast sends the inv to the first
// half of the pool and a refreshed filter to the second half, and that the
// returned promise resolves once the announcement threshold is met.
func TestBroadcastPartition(t *testing.T) {
	h := newMultiHarness(t, Config{}, 4)

	tx := testTx(t)
	var raw bytes.Buffer
	require.NoError(t, tx.MsgTx().Serialize(&raw))

	result, err := h.client.Broadcast(raw.Bytes())
	require.NoError(t, err)

	for peer := 0; peer < 2; peer++ {
		inv, ok := h.readMessage(peer).(*wire.MsgInv)
		require.True(t, ok, "peer %d expected inv", peer)
		require.Len(t, inv.InvList, 1)
		assert.Equal(t, wire.InvTypeTx, inv.InvList[0].Type)
		assert.Equal(t, *tx.Hash(), inv.InvList[0].Hash)
	}
	for peer := 2; peer < 4; peer++ {
		_, ok := h.readMessage(peer).(*wire.MsgFilterLoad)
		require.True(t, ok, "peer %d expected filterload", peer)
	}

	// With four peers the announcement threshold is one; a single echo
	// resolves the promise successfully.
	inv := wire.NewMsgInv()
	inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, tx.Hash()))
	h.writeMessage(0, inv)

	select {
	case success := <-result:
		assert.True(t, success)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast promise never resolved")
	}
}

// TestBroadcastResolvesOnce ensures the broadcast promise is single-shot.
func TestBroadcastResolvesOnce(t *testing.T) {
	sub := &txSubscription{result: make(chan bool, 2)}
	sub.resolve(true)
	sub.resolve(false)
	sub.resolve(true)
	assert.True(t, <-sub.result)
	select {
	case <-sub.result:
		t.Fatal("promise resolved more than once")
	default:
	}
}

// TestAddressSubscription ensures the announcement threshold gates the
// first callback for a watched address.
func TestAddressSubscription(t *testing.T) {
	h := newMultiHarness(t, Config{}, 4)
	addr := testAddress(t, h.client.cfg.Params)

	announcements := make(chan uint32, 10)
	err := h.client.SubscribeAddress(addr.EncodeAddress(),
		func(tx *btcutil.Tx, confirmations uint32) {
			announcements <- confirmations
		})
	require.NoError(t, err)

	// The subscription pushes a fresh filter to every peer.
	for peer := 0; peer < 4; peer++ {
		_, ok := h.readMessage(peer).(*wire.MsgFilterLoad)
		require.True(t, ok, "peer %d expected filterload", peer)
	}

	// Delivery of the matching transaction counts as one announcement;
	// with four peers the threshold is two, so no callback yet.
	tx := testTxPaying(t, addr)
	h.writeMessage(0, tx.MsgTx())
	select {
	case <-announcements:
		t.Fatal("callback fired before announcement threshold")
	case <-time.After(50 * time.Millisecond):
	}

	// A second peer echoing the hash crosses the threshold.
	inv := wire.NewMsgInv()
	inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, tx.Hash()))
	h.writeMessage(1, inv)

	select {
	case confirms := <-announcements:
		assert.Equal(t, uint32(0), confirms)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}

	// Unsubscribing rebuilds and redistributes the filter.
	require.NoError(t, h.client.UnsubscribeAddress(addr.EncodeAddress()))
	for peer := 0; peer < 4; peer++ {
		_, ok := h.readMessage(peer).(*wire.MsgFilterLoad)
		require.True(t, ok, "peer %d expected filterload", peer)
	}
}

// TestMerkleBlockConfirmations drives the full subscription flow over the
// wire: a watched address receives a transaction, merkle proofs land it in
// consecutive blocks, and the callback sees strictly increasing
// confirmation counts.
func TestMerkleBlockConfirmations(t *testing.T) {
	params := newTestChainParams()
	chain, err := blockchain.NewBlockDatabase("", params)
	require.NoError(t, err)

	h := newMultiHarness(t, Config{Params: params, Chain: chain}, 1)
	addr := testAddress(t, params)

	callbacks := make(chan uint32, 10)
	err = h.client.SubscribeAddress(addr.EncodeAddress(),
		func(tx *btcutil.Tx, confirmations uint32) {
			callbacks <- confirmations
		})
	require.NoError(t, err)
	_, ok := h.readMessage(0).(*wire.MsgFilterLoad)
	require.True(t, ok)

	// With a single peer the threshold is one, so delivery of the
	// transaction itself fires the callback with zero confirmations.
	tx := testTxPaying(t, addr)
	h.writeMessage(0, tx.MsgTx())
	select {
	case confirms := <-callbacks:
		assert.Equal(t, uint32(0), confirms)
	case <-time.After(5 * time.Second):
		t.Fatal("announcement callback never fired")
	}

	// A merkle proof of inclusion confirms the transaction.
	checkpoint := *params.Checkpoint.Hash
	header1 := mineTestHeader(t, &checkpoint, *tx.Hash(), 1444000600)
	h.writeMessage(0, singleTxMerkleBlock(header1, tx.Hash(), true))
	select {
	case confirms := <-callbacks:
		assert.Equal(t, uint32(1), confirms)
	case <-time.After(5 * time.Second):
		t.Fatal("confirmation callback never fired")
	}

	// A block built on top deepens the confirmation count.  Its only
	// transaction does not match the filter.
	other := testTx(t)
	hash1 := header1.BlockHash()
	header2 := mineTestHeader(t, &hash1, *other.Hash(), 1444001200)
	h.writeMessage(0, singleTxMerkleBlock(header2, other.Hash(), false))
	select {
	case confirms := <-callbacks:
		assert.Equal(t, uint32(2), confirms)
	case <-time.After(5 * time.Second):
		t.Fatal("second confirmation callback never fired")
	}
	assert.Equal(t, uint32(2), chain.Height())
}

// TestHeadersDownload drives a headers-mode initial sync: the peer issues
// getheaders with a locator rooted at the checkpoint, processes the
// returned batch, and reports completion once the tip reaches the remote
// starting height.
func TestHeadersDownload(t *testing.T) {
	params := newTestChainParams()
	chain, err := blockchain.NewBlockDatabase("", params)
	require.NoError(t, err)

	h := newMultiHarness(t, Config{Params: params, Chain: chain}, 1)

	// Mine the remote chain: three headers on top of the checkpoint.
	headers := make([]*wire.BlockHeader, 0, 3)
	prev := *params.Checkpoint.Hash
	for i := 0; i < 3; i++ {
		header := mineTestHeader(t, &prev, chainhash.Hash{},
			1444000000+int64(i+1)*600)
		headers = append(headers, header)
		prev = header.BlockHash()
	}

	// Rewrite the advertised starting height now that the chain is
	// known, then ask the peer to download.
	h.client.peers[0].mtx.Lock()
	h.client.peers[0].startingHeight = 3
	h.client.peers[0].mtx.Unlock()

	done := make(chan struct{})
	h.client.peers[0].downloadBlocks(func() { close(done) })

	getHeaders, ok := h.readMessage(0).(*wire.MsgGetHeaders)
	require.True(t, ok, "expected getheaders message")
	require.NotEmpty(t, getHeaders.BlockLocatorHashes)
	assert.Equal(t, *params.Checkpoint.Hash, *getHeaders.BlockLocatorHashes[0])

	reply := wire.NewMsgHeaders()
	for _, header := range headers {
		require.NoError(t, reply.AddBlockHeader(header))
	}
	h.writeMessage(0, reply)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("download completion callback never fired")
	}
	assert.Equal(t, uint32(3), chain.Height())
	assert.Equal(t, headers[2].BlockHash(), chain.TipHash())
}

// TestHeadersDownloadOrphan ensures a peer serving headers that do not
// connect to our chain is dropped and the completion callback still fires
// exactly once so the coordinator can pick another peer.
func TestHeadersDownloadOrphan(t *testing.T) {
	params := newTestChainParams()
	chain, err := blockchain.NewBlockDatabase("", params)
	require.NoError(t, err)

	h := newMultiHarness(t, Config{Params: params, Chain: chain}, 1)
	h.client.peers[0].mtx.Lock()
	h.client.peers[0].startingHeight = 3
	h.client.peers[0].mtx.Unlock()

	var doneCount int32
	done := make(chan struct{}, 2)
	h.client.peers[0].downloadBlocks(func() {
		atomic.AddInt32(&doneCount, 1)
		done <- struct{}{}
	})
	_, ok := h.readMessage(0).(*wire.MsgGetHeaders)
	require.True(t, ok)

	unknown := chainhash.DoubleHashH([]byte("unknown parent"))
	orphan := mineTestHeader(t, &unknown, chainhash.Hash{}, 1444000600)
	reply := wire.NewMsgHeaders()
	require.NoError(t, reply.AddBlockHeader(orphan))
	h.writeMessage(0, reply)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("download completion callback never fired")
	}
	// The peer is torn down; disconnect must not fire the callback a
	// second time.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&doneCount))
	assert.Equal(t, uint32(0), chain.Height())
}

func TestAddListener(t *testing.T) {
	h := newMultiHarness(t, Config{}, 0)
	assert.Error(t, h.client.AddListener(struct{}{}))
	assert.NoError(t, h.client.AddListener(&countingListener{}))
}

// countingListener records peer events for listener tests.
type countingListener struct {
	connected    int
	disconnected int
}

func (l *countingListener) OnPeerConnected(peer string, count int)    { l.connected++ }
func (l *countingListener) OnPeerDisconnected(peer string, count int) { l.disconnected++ }
