// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pybitcoin

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/lru"

	"github.com/cpacia/pybitcoin/blockchain"
)

const (
	// ProtocolVersion is the protocol version advertised in our version
	// message.
	ProtocolVersion uint32 = 70002

	// minAcceptableVersion is the lowest protocol version a remote peer
	// may advertise.  Older peers do not understand connection bloom
	// filtering.
	minAcceptableVersion = 70001

	// handshakeTimeout is how long to wait for the remote version and
	// verack messages before tearing the connection down.
	handshakeTimeout = 5 * time.Second

	// getdataTimeout is how long to wait for a transaction requested
	// with getdata.
	getdataTimeout = 5 * time.Second

	// downloadTimeout is how long to wait for a response to an in-flight
	// getheaders or getblocks request.
	downloadTimeout = 30 * time.Second

	// maxKnownInventory is the maximum number of items to keep in the
	// per-peer known inventory cache.
	maxKnownInventory = 1000

	// outputQueueSize is the depth of the outgoing message queue.
	outputQueueSize = 50
)

// peerState identifies the lifecycle state of a peer connection.
type peerState int32

const (
	// stateConnecting is the initial state while the version/verack
	// handshake is in flight.
	stateConnecting peerState = iota

	// stateConnected means the handshake completed and the peer is in
	// steady-state message exchange.
	stateConnected

	// stateDownloading means this peer is serving our initial chain
	// download.
	stateDownloading

	// stateShutdown means the connection has been torn down.
	stateShutdown
)

// String returns the peerState in human-readable form.
func (s peerState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDownloading:
		return "downloading"
	case stateShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("unknown state (%d)", int32(s))
}

// frameAssembler accumulates raw bytes off the wire and splits them into
// complete protocol frames.  A frame is the fixed 24-byte message header
// (magic, NUL-padded command, payload length, payload checksum) followed by
// the payload itself.  Nothing is surfaced until an entire frame has
// arrived, and a single feed of bytes may surface several frames.
type frameAssembler struct {
	net wire.BitcoinNet
	buf []byte
}

// frame is one complete message pulled off the wire: its command string and
// checksum-verified payload.
type frame struct {
	command string
	payload []byte
}

// feed appends freshly read bytes to the reassembly buffer.
func (f *frameAssembler) feed(data []byte) {
	f.buf = append(f.buf, data...)
}

// next returns the next complete frame in the buffer, or nil when more
// bytes are needed.  Bad magic, an oversized payload, or a checksum
// mismatch are unrecoverable for the connection and returned as errors.
func (f *frameAssembler) next() (*frame, error) {
	if len(f.buf) < wire.MessageHeaderSize {
		return nil, nil
	}
	magic := wire.BitcoinNet(binary.LittleEndian.Uint32(f.buf[0:4]))
	if magic != f.net {
		return nil, fmt.Errorf("message from other network [%v]", magic)
	}
	command := string(bytes.TrimRight(f.buf[4:16], "\x00"))
	payloadLen := binary.LittleEndian.Uint32(f.buf[16:20])
	if payloadLen > wire.MaxMessagePayload {
		return nil, fmt.Errorf("message payload is too large - header "+
			"indicates %d bytes, but max message payload is %d bytes",
			payloadLen, wire.MaxMessagePayload)
	}
	if uint32(len(f.buf)) < wire.MessageHeaderSize+payloadLen {
		return nil, nil
	}

	payload := f.buf[wire.MessageHeaderSize : wire.MessageHeaderSize+payloadLen]
	checksum := chainhash.DoubleHashB(payload)[0:4]
	if !bytes.Equal(checksum, f.buf[20:24]) {
		return nil, fmt.Errorf("payload checksum failed - header "+
			"indicates %x, but actual checksum is %x", f.buf[20:24],
			checksum)
	}

	out := make([]byte, payloadLen)
	copy(out, payload)
	f.buf = f.buf[wire.MessageHeaderSize+payloadLen:]
	return &frame{command: command, payload: out}, nil
}

// makeEmptyMessage creates a message of the appropriate concrete type based
// on the command.  Unknown commands return nil so the caller can log and
// skip them rather than dropping the connection.
func makeEmptyMessage(command string) wire.Message {
	switch command {
	case wire.CmdVersion:
		return &wire.MsgVersion{}
	case wire.CmdVerAck:
		return &wire.MsgVerAck{}
	case wire.CmdPing:
		return &wire.MsgPing{}
	case wire.CmdPong:
		return &wire.MsgPong{}
	case wire.CmdInv:
		return &wire.MsgInv{}
	case wire.CmdGetData:
		return &wire.MsgGetData{}
	case wire.CmdTx:
		return &wire.MsgTx{}
	case wire.CmdBlock:
		return &wire.MsgBlock{}
	case wire.CmdMerkleBlock:
		return &wire.MsgMerkleBlock{}
	case wire.CmdHeaders:
		return &wire.MsgHeaders{}
	case wire.CmdGetHeaders:
		return &wire.MsgGetHeaders{}
	case wire.CmdGetBlocks:
		return &wire.MsgGetBlocks{}
	case wire.CmdFilterLoad:
		return &wire.MsgFilterLoad{}
	case wire.CmdFilterAdd:
		return &wire.MsgFilterAdd{}
	case wire.CmdReject:
		return &wire.MsgReject{}
	}
	return nil
}

// Peer carries on the wire protocol conversation with a single remote node.
// Each peer runs its own read and write goroutines; inbound messages are
// dispatched strictly in wire order from the read goroutine.  Shared state
// (the subscription table, inventory, and bloom filter) is owned by the
// Client and only touched through it.
type Peer struct {
	client *Client
	conn   net.Conn
	addr   string

	mtx             sync.Mutex
	state           peerState
	timeouts        map[string]*time.Timer
	versionKnown    bool
	remoteVersion   uint32
	startingHeight  int32
	downloadDone    func()
	downloadOnce    *sync.Once
	batchExpected   uint32
	batchReceived   uint32
	downloadedTotal uint32
	downloadTarget  uint32

	knownInventory lru.Cache

	outputQueue chan wire.Message
	quit        chan struct{}
	closeOnce   sync.Once
}

// newPeer returns a peer for the given established connection.  The peer
// does not begin reading or writing until start is called.
func newPeer(client *Client, conn net.Conn) *Peer {
	return &Peer{
		client:         client,
		conn:           conn,
		addr:           conn.RemoteAddr().String(),
		state:          stateConnecting,
		timeouts:       make(map[string]*time.Timer),
		knownInventory: lru.NewCache(maxKnownInventory),
		outputQueue:    make(chan wire.Message, outputQueueSize),
		quit:           make(chan struct{}),
	}
}

// String returns the peer's address in human-readable form.
func (p *Peer) String() string {
	return p.addr
}

// Addr returns the remote address of the peer.
func (p *Peer) Addr() string {
	return p.addr
}

// StartingHeight returns the starting height the remote peer advertised in
// its version message.  The boolean return is false until the version
// message has been received.
func (p *Peer) StartingHeight() (int32, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.startingHeight, p.versionKnown
}

// start begins the handshake.  The version message is sent immediately and
// five second timers are armed for the remote version and verack; either
// timer firing tears the peer down.
func (p *Peer) start() {
	go p.writeLoop()
	go p.readLoop()

	p.addTimeout("version", handshakeTimeout)
	p.addTimeout("verack", handshakeTimeout)
	p.queueMessage(p.versionMessage())
}

// versionMessage builds our extended version message: protocol 70002, no
// advertised services, relaying disabled until a filter is loaded, and the
// current chain height (or -1 when no chain is configured).
func (p *Peer) versionMessage() *wire.MsgVersion {
	startHeight := int32(-1)
	if p.client.cfg.Chain != nil {
		startHeight = int32(p.client.cfg.Chain.Height())
	}

	me := wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 0, 0)
	you := wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 0, 0)
	if tcpAddr, ok := p.conn.RemoteAddr().(*net.TCPAddr); ok {
		you = wire.NewNetAddressIPPort(tcpAddr.IP, uint16(tcpAddr.Port), 0)
	}

	nonce, _ := wire.RandomUint64()
	msg := wire.NewMsgVersion(me, you, nonce, startHeight)
	msg.ProtocolVersion = int32(ProtocolVersion)
	msg.Services = 0
	msg.UserAgent = p.client.cfg.UserAgent
	msg.DisableRelayTx = true
	return msg
}

// addTimeout arms a named timer which tears the peer down when it fires.
func (p *Peer) addTimeout(id string, d time.Duration) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.state == stateShutdown {
		return
	}
	if t, ok := p.timeouts[id]; ok {
		t.Stop()
	}
	p.timeouts[id] = time.AfterFunc(d, func() {
		log.Infof("Peer %s unresponsive (%s), disconnecting", p.addr, id)
		p.Disconnect()
	})
}

// cancelTimeout stops and removes a named timer.  It returns whether the
// timer was armed.
func (p *Peer) cancelTimeout(id string) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	t, ok := p.timeouts[id]
	if ok {
		t.Stop()
		delete(p.timeouts, id)
	}
	return ok
}

// Disconnect tears the peer down: all timers are cancelled, the transport
// is closed, and the coordinator is notified so the slot can be refilled.
// It is safe to call multiple times.
func (p *Peer) Disconnect() {
	p.closeOnce.Do(func() {
		p.mtx.Lock()
		wasDownloading := p.state == stateDownloading
		p.state = stateShutdown
		for id, t := range p.timeouts {
			t.Stop()
			delete(p.timeouts, id)
		}
		p.mtx.Unlock()

		close(p.quit)
		p.conn.Close()
		log.Debugf("Connection to %s closed", p.addr)

		// A peer lost in the middle of serving the chain download
		// reports completion so the coordinator can choose another.
		if wasDownloading {
			p.signalDownloadDone()
		}
		p.client.handlePeerDisconnect(p)
	})
}

// queueMessage hands a message to the write goroutine.  Messages queued
// after shutdown are silently dropped.
func (p *Peer) queueMessage(msg wire.Message) {
	select {
	case p.outputQueue <- msg:
	case <-p.quit:
	}
}

// writeLoop services the output queue.  Handlers never write to the
// transport directly, which keeps them from blocking on I/O while holding
// the client mutex.
func (p *Peer) writeLoop() {
	for {
		select {
		case msg := <-p.outputQueue:
			err := wire.WriteMessage(p.conn, msg, ProtocolVersion,
				p.client.cfg.Params.Net)
			if err != nil {
				log.Debugf("Cannot send %s to %s: %v",
					msg.Command(), p.addr, err)
				p.Disconnect()
				return
			}
		case <-p.quit:
			return
		}
	}
}

// readLoop reads from the transport into the frame assembler and
// dispatches each completed frame in order.  Any framing or transport
// error tears the peer down.
func (p *Peer) readLoop() {
	assembler := &frameAssembler{net: p.client.cfg.Params.Net}
	readBuf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(readBuf)
		if err != nil {
			p.Disconnect()
			return
		}
		assembler.feed(readBuf[:n])
		for {
			frm, err := assembler.next()
			if err != nil {
				log.Infof("Misbehaving peer %s: %v", p.addr, err)
				p.Disconnect()
				return
			}
			if frm == nil {
				break
			}
			if !p.handleFrame(frm) {
				return
			}
		}
	}
}

// handleFrame decodes and dispatches one frame.  It returns false when the
// peer has been disconnected and reading should stop.
func (p *Peer) handleFrame(frm *frame) bool {
	msg := makeEmptyMessage(frm.command)
	if msg == nil {
		log.Debugf("Received unhandled message %q from %s", frm.command,
			p.addr)
		return true
	}
	err := msg.BtcDecode(bytes.NewBuffer(frm.payload), ProtocolVersion,
		wire.LatestEncoding)
	if err != nil {
		log.Infof("Cannot decode %q from %s: %v", frm.command, p.addr, err)
		p.Disconnect()
		return false
	}

	switch m := msg.(type) {
	case *wire.MsgVersion:
		return p.handleVersion(m)
	case *wire.MsgVerAck:
		p.handleVerAck()
	case *wire.MsgPing:
		p.handlePing(m)
	case *wire.MsgInv:
		p.handleInv(m)
	case *wire.MsgGetData:
		p.handleGetData(m)
	case *wire.MsgTx:
		p.handleTx(m)
	case *wire.MsgMerkleBlock:
		p.handleMerkleBlock(m)
	case *wire.MsgHeaders:
		p.handleHeaders(m)
	case *wire.MsgReject:
		log.Debugf("Peer %s rejected %s [%s]: %s", p.addr, m.Cmd,
			m.Code, m.Reason)
	default:
		log.Debugf("Received message %s from %s", msg.Command(), p.addr)
	}
	return true
}

// handleVersion processes the remote version message.  Peers that are too
// old to support bloom filtering, or that are not full nodes, are
// disconnected.
func (p *Peer) handleVersion(m *wire.MsgVersion) bool {
	if m.ProtocolVersion < minAcceptableVersion {
		log.Infof("Rejecting peer %s with protocol version %d", p.addr,
			m.ProtocolVersion)
		p.Disconnect()
		return false
	}
	if m.Services&wire.SFNodeNetwork != wire.SFNodeNetwork {
		log.Infof("Rejecting peer %s with services %v", p.addr, m.Services)
		p.Disconnect()
		return false
	}

	p.mtx.Lock()
	p.versionKnown = true
	p.remoteVersion = uint32(m.ProtocolVersion)
	p.startingHeight = m.LastBlock
	p.mtx.Unlock()

	p.cancelTimeout("version")
	p.queueMessage(wire.NewMsgVerAck())
	p.maybeFinishHandshake()
	return true
}

// handleVerAck processes the remote acknowledgement of our version.
func (p *Peer) handleVerAck() {
	p.cancelTimeout("verack")
	p.maybeFinishHandshake()
}

// maybeFinishHandshake transitions to Connected once both the version and
// verack have been received.  On entering Connected the current bloom
// filter is pushed to the peer.
func (p *Peer) maybeFinishHandshake() {
	p.mtx.Lock()
	_, waitingVersion := p.timeouts["version"]
	_, waitingVerack := p.timeouts["verack"]
	if waitingVersion || waitingVerack || p.state != stateConnecting {
		p.mtx.Unlock()
		return
	}
	p.state = stateConnected
	p.mtx.Unlock()

	log.Infof("Connected to peer %s", p.addr)
	p.loadFilter()
	p.client.handshakeComplete(p)
}

// loadFilter sends the shared bloom filter to the remote peer.  The message
// is a snapshot of the filter at serialization time.
func (p *Peer) loadFilter() {
	p.queueMessage(p.client.filterLoadMsg())
}

// handlePing replies with a pong echoing the nonce.
func (p *Peer) handlePing(m *wire.MsgPing) {
	p.queueMessage(wire.NewMsgPong(m.Nonce))
}

// handleInv processes an inventory announcement.  Transaction entries
// either count toward a subscription's announcement threshold or trigger a
// download of the transaction; block entries are requested as filtered
// blocks.
func (p *Peer) handleInv(m *wire.MsgInv) {
	getData := wire.NewMsgGetData()
	for _, iv := range m.InvList {
		log.Debugf("Peer %s announced new %s %v", p.addr, iv.Type, iv.Hash)
		switch iv.Type {
		case wire.InvTypeTx:
			hash := iv.Hash
			if p.client.handleTxAnnouncement(&hash) {
				continue
			}
			if p.client.haveInventoryTx(&hash) ||
				p.knownInventory.Contains(hash) {
				continue
			}
			p.knownInventory.Add(hash)
			getData.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &hash))
			p.addTimeout(hash.String(), getdataTimeout)

		case wire.InvTypeBlock, wire.InvTypeFilteredBlock:
			hash := iv.Hash
			getData.AddInvVect(wire.NewInvVect(
				wire.InvTypeFilteredBlock, &hash))
			p.mtx.Lock()
			if p.state == stateDownloading {
				p.batchExpected++
			}
			p.mtx.Unlock()
		}
	}
	if len(getData.InvList) > 0 {
		p.queueMessage(getData)
	}
}

// handleGetData serves transactions out of the shared inventory, which
// holds the transactions this client has broadcast.
func (p *Peer) handleGetData(m *wire.MsgGetData) {
	for _, iv := range m.InvList {
		if iv.Type != wire.InvTypeTx {
			continue
		}
		hash := iv.Hash
		if tx := p.client.fetchInventoryTx(&hash); tx != nil {
			p.queueMessage(tx.MsgTx())
		}
	}
}

// handleTx processes a transaction delivered by the remote peer.  The
// payment address of each output is recovered and matched against the
// address subscriptions; outputs whose address cannot be derived are
// skipped.
func (p *Peer) handleTx(m *wire.MsgTx) {
	txid := m.TxHash()
	p.cancelTimeout(txid.String())
	p.client.handleIncomingTx(m)
}

// handleMerkleBlock processes a filtered block.  The embedded header is
// passed through the chain database, the partial merkle tree is verified,
// and any matched transactions are attributed to their subscriptions.
// During the initial download this additionally drives the download
// bookkeeping.
func (p *Peer) handleMerkleBlock(m *wire.MsgMerkleBlock) {
	chain := p.client.cfg.Chain
	if chain == nil {
		return
	}

	_, err := chain.ProcessHeader(&m.Header)
	if err != nil && !blockchain.IsRuleErrorCode(err, blockchain.ErrDuplicateBlock) {
		log.Debugf("Rejected header %v from %s: %v", m.Header.BlockHash(),
			p.addr, err)
	}

	p.mtx.Lock()
	downloading := p.state == stateDownloading
	p.mtx.Unlock()

	// Bulk downloads defer the snapshot until the end.
	if !downloading {
		if err := chain.Flush(); err != nil {
			log.Errorf("Cannot flush header database: %v", err)
		}
	}

	blockHash := m.Header.BlockHash()
	matched, err := blockchain.ExtractMatches(m)
	if err != nil {
		log.Infof("Invalid merkle proof in block %v from %s: %v",
			blockHash, p.addr, err)
	} else {
		p.client.handleMerkleMatches(&blockHash, matched)
	}
	p.client.updateConfirmations()

	if downloading {
		p.continueBlockDownload(&blockHash)
	}
}

// continueBlockDownload updates the download counters after a merkleblock
// and either finishes the download, requests the next batch, or keeps
// waiting for the remainder of the current one.
func (p *Peer) continueBlockDownload(blockHash *chainhash.Hash) {
	chain := p.client.cfg.Chain

	p.mtx.Lock()
	p.batchReceived++
	p.downloadedTotal++
	batchDrained := p.batchExpected > 0 && p.batchReceived >= p.batchExpected
	downloaded := p.downloadedTotal
	target := p.downloadTarget
	startHeight := p.startingHeight
	p.mtx.Unlock()

	var blocksLeft uint32
	if height := chain.Height(); int32(height) < startHeight {
		blocksLeft = uint32(startHeight) - height
	}
	p.client.notifyBlockDownloaded(p.addr, blockHash, blocksLeft)
	p.client.notifyProgress(downloaded, target)

	if blocksLeft == 0 {
		// Caught up to the remote starting height: persist, stop the
		// download timer, and go back to steady state.
		if err := chain.Flush(); err != nil {
			log.Errorf("Cannot flush header database: %v", err)
		}
		p.cancelTimeout("download")
		p.mtx.Lock()
		if p.state == stateDownloading {
			p.state = stateConnected
		}
		p.mtx.Unlock()
		p.signalDownloadDone()
		return
	}

	if batchDrained {
		// The current batch is exhausted but the remote is still
		// ahead, so request the next one.
		p.mtx.Lock()
		p.batchExpected = 0
		p.batchReceived = 0
		p.mtx.Unlock()
		p.sendDownloadRequest()
	}
}

// handleHeaders processes a batch of headers during a headers-mode initial
// download.  Processing continues batch by batch until the local tip
// reaches the remote peer's starting height.
func (p *Peer) handleHeaders(m *wire.MsgHeaders) {
	chain := p.client.cfg.Chain
	if chain == nil {
		return
	}
	p.cancelTimeout("download")

	var processed int
	for _, header := range m.Headers {
		_, err := chain.ProcessHeader(header)
		if err != nil {
			if blockchain.IsOrphanErr(err) {
				// This peer is on a chain our locator cannot
				// connect to.  Persist what we have, hand the
				// download back to the coordinator, and drop
				// the peer.
				if ferr := chain.Flush(); ferr != nil {
					log.Errorf("Cannot flush header database: %v",
						ferr)
				}
				log.Infof("Peer %s sent orphan header %v, "+
					"disconnecting", p.addr,
					header.BlockHash())
				p.signalDownloadDone()
				p.Disconnect()
				return
			}
			log.Debugf("Rejected header %v from %s: %v",
				header.BlockHash(), p.addr, err)
			continue
		}

		processed++
		p.mtx.Lock()
		p.downloadedTotal++
		downloaded := p.downloadedTotal
		target := p.downloadTarget
		p.mtx.Unlock()
		if downloaded%50 == 0 {
			p.client.notifyProgress(downloaded, target)
		}
	}

	p.mtx.Lock()
	startHeight := p.startingHeight
	downloaded := p.downloadedTotal
	target := p.downloadTarget
	p.mtx.Unlock()

	// Keep requesting batches while the remote is ahead and still making
	// progress.  A batch that moved the chain no further ends the
	// download rather than spinning on the same locator.
	if processed > 0 && int32(chain.Height()) < startHeight {
		p.sendDownloadRequest()
		return
	}

	if err := chain.Flush(); err != nil {
		log.Errorf("Cannot flush header database: %v", err)
	}
	p.client.notifyProgress(downloaded, target)
	p.mtx.Lock()
	if p.state == stateDownloading {
		p.state = stateConnected
	}
	p.mtx.Unlock()
	p.signalDownloadDone()
}

// downloadBlocks asks this peer to serve the initial chain download.  The
// done callback fires exactly once: when the local tip reaches the remote
// starting height, when a batch of headers extends the chain no further,
// when the download times out, or when the peer is lost.
// A peer still in its handshake retries shortly; a peer already shut down
// reports completion immediately so the coordinator can move on.
func (p *Peer) downloadBlocks(done func()) {
	p.mtx.Lock()
	switch p.state {
	case stateConnecting:
		p.mtx.Unlock()
		time.AfterFunc(time.Second, func() { p.downloadBlocks(done) })
		return
	case stateShutdown:
		p.mtx.Unlock()
		if done != nil {
			done()
		}
		return
	}
	chain := p.client.cfg.Chain
	if chain == nil {
		p.mtx.Unlock()
		return
	}
	p.state = stateDownloading
	p.downloadDone = done
	p.downloadOnce = new(sync.Once)
	p.batchExpected = 0
	p.batchReceived = 0
	p.downloadedTotal = 0
	startHeight := p.startingHeight
	p.mtx.Unlock()

	var blocksLeft uint32
	if height := chain.Height(); int32(height) < startHeight {
		blocksLeft = uint32(startHeight) - height
	}
	p.mtx.Lock()
	p.downloadTarget = blocksLeft
	p.mtx.Unlock()

	log.Infof("Downloading blocks from %s (%d left)", p.addr, blocksLeft)
	p.client.notifyDownloadStarted(p.addr, blocksLeft)
	p.sendDownloadRequest()
}

// sendDownloadRequest issues the next download request with a fresh
// locator.  Header-only sync uses getheaders; once address subscriptions
// exist, getblocks is used instead so the peer returns merkleblocks with
// the matching transactions.
func (p *Peer) sendDownloadRequest() {
	chain := p.client.cfg.Chain
	locator := chain.Locator()

	if p.client.hasAddressSubs() {
		msg := wire.NewMsgGetBlocks(&chainhash.Hash{})
		for _, hash := range locator {
			msg.AddBlockLocatorHash(hash)
		}
		p.queueMessage(msg)
	} else {
		msg := wire.NewMsgGetHeaders()
		for _, hash := range locator {
			msg.AddBlockLocatorHash(hash)
		}
		p.queueMessage(msg)
	}
	p.addTimeout("download", downloadTimeout)
}

// signalDownloadDone delivers the download completion callback at most
// once per download request.
func (p *Peer) signalDownloadDone() {
	p.mtx.Lock()
	once := p.downloadOnce
	done := p.downloadDone
	p.mtx.Unlock()
	if once == nil || done == nil {
		return
	}
	once.Do(done)
}
