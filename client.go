// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pybitcoin

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/go-socks/socks"

	"github.com/cpacia/pybitcoin/bloom"
	"github.com/cpacia/pybitcoin/blockchain"
	"github.com/cpacia/pybitcoin/chaincfg"
	"github.com/cpacia/pybitcoin/discovery"
)

const (
	// defaultMaxConnections is the target number of simultaneous peer
	// connections.
	defaultMaxConnections = 10

	// defaultUserAgent is the user agent advertised in the version
	// message when the caller does not supply one.
	defaultUserAgent = "/pyBitcoin:0.1/"

	// broadcastTimeout is how long a broadcast waits for its
	// announcement threshold before resolving as failed.
	broadcastTimeout = 10 * time.Second

	// dialTimeout is how long a TCP dial attempt may take.
	dialTimeout = 10 * time.Second

	// filterElements and filterFPRate parameterize the shared bloom
	// filter.  The element estimate only sizes the bit vector; more
	// elements may be inserted at the price of false positives.
	filterElements = 10
	filterFPRate   = 0.1
)

// Config holds the caller-tunable knobs for a Client.
type Config struct {
	// Params identifies the network to operate on.
	Params *chaincfg.Params

	// Chain is the header database used for the initial download and
	// confirmation queries.  It may be nil, in which case no chain
	// download takes place and confirmations are never reported.
	Chain *blockchain.BlockDatabase

	// UserAgent is the user agent advertised in the version message.
	UserAgent string

	// MaxConnections is the target number of peer connections.
	MaxConnections int

	// Proxy is an optional SOCKS5 proxy address to dial through.
	Proxy string

	// Lookup is the DNS resolver used to refresh the candidate address
	// list when it runs dry.  It defaults to the system resolver;
	// callers routing traffic through a proxy should substitute one
	// that does not leak queries.
	Lookup discovery.LookupFunc
}

// dialFunc dials a TCP connection, optionally through a proxy.
type dialFunc func(network, addr string) (net.Conn, error)

// Client maintains the pool of peer connections and owns all of the state
// shared between them: the header database, the transaction inventory, the
// subscription table, and the bloom filter.  One coarse mutex serializes
// access to the shared state; peer handlers never hold it across transport
// I/O since all sends are queued.
type Client struct {
	cfg    Config
	dial   dialFunc
	filter *bloom.Filter

	mtx       sync.Mutex
	addrs     []net.TCPAddr
	peers     []*Peer
	inventory *txInventory
	subs      *subscriptionTable
	listeners []interface{}
	synced    bool
	stopped   bool
}

// NewClient returns a client that will draw candidate peers from the
// passed address list, topping the list back up from DNS discovery
// whenever it runs dry.  Start must be called to begin connecting.
func NewClient(addrs []net.TCPAddr, cfg Config) (*Client, error) {
	if cfg.Params == nil {
		return nil, fmt.Errorf("network parameters are required")
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Lookup == nil {
		cfg.Lookup = net.LookupIP
	}

	dial := func(network, addr string) (net.Conn, error) {
		return net.DialTimeout(network, addr, dialTimeout)
	}
	if cfg.Proxy != "" {
		proxy := &socks.Proxy{Addr: cfg.Proxy}
		dial = proxy.Dial
	}

	c := &Client{
		cfg:       cfg,
		dial:      dial,
		addrs:     append([]net.TCPAddr(nil), addrs...),
		inventory: newTxInventory(),
		subs:      newSubscriptionTable(),
		filter: bloom.NewFilter(filterElements, rand.Uint32(),
			filterFPRate, wire.BloomUpdateNone),
	}
	return c, nil
}

// Start begins dialing peers and, when a chain is configured, kicks off
// the initial chain download on a randomly chosen peer once at least one
// has advertised its starting height.
func (c *Client) Start() {
	c.connectToPeers()
	if c.cfg.Chain != nil {
		c.startChainDownload()
	}
}

// Stop disconnects every peer and stops refilling the pool.
func (c *Client) Stop() {
	c.mtx.Lock()
	c.stopped = true
	peers := append([]*Peer(nil), c.peers...)
	c.mtx.Unlock()
	for _, p := range peers {
		p.Disconnect()
	}
}

// connectToPeers dials candidate addresses until the connection quota is
// met.  The candidate list is shuffled so load spreads across the seed
// set, and re-seeded from DNS discovery when exhausted.
func (c *Client) connectToPeers() {
	c.mtx.Lock()
	if c.stopped {
		c.mtx.Unlock()
		return
	}
	if len(c.addrs) == 0 && len(c.peers) < c.cfg.MaxConnections {
		c.mtx.Unlock()
		fresh := discovery.SeedFromDNS(c.cfg.Params, c.cfg.Lookup)
		log.Infof("DNS discovery returned %d peers", len(fresh))
		c.mtx.Lock()
		c.addrs = append(c.addrs, fresh...)
	}
	rand.Shuffle(len(c.addrs), func(i, j int) {
		c.addrs[i], c.addrs[j] = c.addrs[j], c.addrs[i]
	})

	var dialing []net.TCPAddr
	for len(c.peers)+len(dialing) < c.cfg.MaxConnections && len(c.addrs) > 0 {
		addr := c.addrs[0]
		c.addrs = c.addrs[1:]
		dialing = append(dialing, addr)
	}
	c.mtx.Unlock()

	for _, addr := range dialing {
		go c.connectPeer(addr)
	}
}

// connectPeer dials a single candidate.  A refused or unreachable address
// is simply dropped and another candidate tried in its place.
func (c *Client) connectPeer(addr net.TCPAddr) {
	conn, err := c.dial("tcp", addr.String())
	if err != nil {
		log.Debugf("Connection to %s failed: %v, will try a different "+
			"node", addr.String(), err)
		c.connectToPeers()
		return
	}

	p := newPeer(c, conn)
	c.mtx.Lock()
	if c.stopped {
		c.mtx.Unlock()
		conn.Close()
		return
	}
	c.peers = append(c.peers, p)
	c.mtx.Unlock()
	p.start()
}

// handshakeComplete is called by a peer once its version exchange has
// finished.
func (c *Client) handshakeComplete(p *Peer) {
	c.mtx.Lock()
	count := len(c.peers)
	c.mtx.Unlock()
	c.notifyPeerConnected(p.addr, count)
}

// handlePeerDisconnect removes a peer from the pool and refills the empty
// slot.
func (c *Client) handlePeerDisconnect(p *Peer) {
	c.mtx.Lock()
	for i, other := range c.peers {
		if other == p {
			c.peers = append(c.peers[:i], c.peers[i+1:]...)
			break
		}
	}
	count := len(c.peers)
	stopped := c.stopped
	c.mtx.Unlock()

	c.notifyPeerDisconnected(p.addr, count)
	if !stopped {
		c.connectToPeers()
	}
}

// startChainDownload chooses a download peer and begins the initial chain
// download.  It retries until at least one peer has completed its
// handshake and advertised its starting height.
func (c *Client) startChainDownload() {
	p := c.downloadCandidate()
	if p == nil {
		c.mtx.Lock()
		stopped := c.stopped
		c.mtx.Unlock()
		if !stopped {
			time.AfterFunc(time.Second, c.startChainDownload)
		}
		return
	}
	p.downloadBlocks(c.checkForMoreBlocks)
}

// downloadCandidate returns a random connected peer with a known version,
// or nil when none is available.
func (c *Client) downloadCandidate() *Peer {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var candidates []*Peer
	for _, p := range c.peers {
		if _, known := p.StartingHeight(); known {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// checkForMoreBlocks runs when a download peer reports completion.  If any
// remaining peer advertises a chain longer than ours the download resumes
// from it, otherwise the sync is complete.
func (c *Client) checkForMoreBlocks() {
	chain := c.cfg.Chain
	if chain == nil {
		return
	}
	height := int32(chain.Height())

	c.mtx.Lock()
	var next *Peer
	for _, p := range c.peers {
		if start, known := p.StartingHeight(); known && start > height {
			next = p
			break
		}
	}
	wasSynced := c.synced
	c.synced = next == nil
	c.mtx.Unlock()

	if next != nil {
		log.Infof("Still more blocks to download, continuing with %s",
			next.addr)
		next.downloadBlocks(c.checkForMoreBlocks)
		return
	}
	if !wasSynced {
		log.Infof("Chain download complete, tip %v (height %d)",
			chain.TipHash(), chain.Height())
		c.notifyDownloadComplete()
	}
}

// PeerCount returns the number of peers in the pool, including those still
// completing their handshake.
func (c *Client) PeerCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.peers)
}

// AddListener registers a listener for the events matching the
// capabilities it implements.  A listener may implement DownloadListener,
// PeerEventListener, or both.
func (c *Client) AddListener(listener interface{}) error {
	_, isDownload := listener.(DownloadListener)
	_, isPeerEvent := listener.(PeerEventListener)
	if !isDownload && !isPeerEvent {
		return fmt.Errorf("listener implements no known listener interface")
	}
	c.mtx.Lock()
	c.listeners = append(c.listeners, listener)
	c.mtx.Unlock()
	return nil
}

// Broadcast decodes and transmits a raw transaction to the network.  The
// transaction is sent to half of the connected peers while the other half
// get a refreshed bloom filter containing the transaction hash; the
// returned channel delivers true once a quarter of the pool has echoed the
// transaction back in an inv, or false if that threshold is not reached
// within ten seconds.  The channel receives exactly one value.
func (c *Client) Broadcast(rawTx []byte) (<-chan bool, error) {
	tx, err := btcutil.NewTxFromBytes(rawTx)
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	txid := tx.Hash()
	c.filter.AddHash(txid)
	filterMsg := c.filter.MsgFilterLoad()

	c.mtx.Lock()
	threshold := (len(c.peers) + 3) / 4
	if threshold < 1 {
		threshold = 1
	}
	sub := &txSubscription{
		announceThreshold: threshold,
		tx:                tx,
		result:            make(chan bool, 1),
	}
	sub.timeout = time.AfterFunc(broadcastTimeout, func() {
		c.mtx.Lock()
		sub.resolve(false)
		c.mtx.Unlock()
	})
	c.inventory.addTx(tx)
	c.subs.byTxHash[*txid] = sub

	inv := wire.NewMsgInv()
	inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, txid))
	half := len(c.peers) / 2
	front := append([]*Peer(nil), c.peers[:half]...)
	back := append([]*Peer(nil), c.peers[half:]...)
	c.mtx.Unlock()

	for _, p := range front {
		p.queueMessage(inv)
	}
	for _, p := range back {
		p.queueMessage(filterMsg)
	}
	log.Infof("Broadcast tx %v to %d peers (threshold %d)", txid,
		len(front), threshold)
	return sub.result, nil
}

// SubscribeAddress installs a watch on an address.  The callback fires
// once enough peers have announced a transaction paying the address, and
// on every confirmation count increase, whether or not that announcement
// threshold has been reached.  Since an SPV client cannot validate
// unconfirmed transactions, announcements from half of the pool are
// required before the announcement callback.
func (c *Client) SubscribeAddress(addr string, cb TxCallback) error {
	decoded, err := btcutil.DecodeAddress(addr, c.cfg.Params.AddrParams)
	if err != nil {
		return fmt.Errorf("decode address: %w", err)
	}
	c.filter.Add(decoded.ScriptAddress())

	c.mtx.Lock()
	threshold := len(c.peers) / 2
	if threshold < 1 {
		threshold = 1
	}
	c.subs.byAddress[decoded.EncodeAddress()] = &addressSubscription{
		announceThreshold: threshold,
		callback:          cb,
	}
	c.mtx.Unlock()

	c.loadFilterAllPeers()
	return nil
}

// UnsubscribeAddress removes a watch installed by SubscribeAddress.  The
// bloom filter is rebuilt to reflect its state before the address was
// inserted and pushed back out to every peer.
func (c *Client) UnsubscribeAddress(addr string) error {
	decoded, err := btcutil.DecodeAddress(addr, c.cfg.Params.AddrParams)
	if err != nil {
		return fmt.Errorf("decode address: %w", err)
	}

	c.mtx.Lock()
	_, subscribed := c.subs.byAddress[decoded.EncodeAddress()]
	delete(c.subs.byAddress, decoded.EncodeAddress())
	c.mtx.Unlock()
	if !subscribed {
		return nil
	}

	c.filter.Remove(decoded.ScriptAddress())
	c.loadFilterAllPeers()
	return nil
}

// hasAddressSubs returns whether any address watches are installed, which
// controls whether the initial download requests headers or filtered
// blocks.
func (c *Client) hasAddressSubs() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.subs.byAddress) > 0
}

// filterLoadMsg returns a snapshot of the shared bloom filter as a
// filterload message.
func (c *Client) filterLoadMsg() *wire.MsgFilterLoad {
	return c.filter.MsgFilterLoad()
}

// loadFilterAllPeers pushes the current bloom filter to every peer.  The
// snapshot is taken once; filter mutations after this call do not
// retroactively apply to it.
func (c *Client) loadFilterAllPeers() {
	msg := c.filter.MsgFilterLoad()
	c.mtx.Lock()
	peers := append([]*Peer(nil), c.peers...)
	c.mtx.Unlock()
	for _, p := range peers {
		p.queueMessage(msg)
	}
}

// handleTxAnnouncement counts an inv announcement toward the transaction's
// subscription, if one exists.  It returns whether the hash was
// subscribed.
func (c *Client) handleTxAnnouncement(txid *chainhash.Hash) bool {
	c.mtx.Lock()
	sub, ok := c.subs.byTxHash[*txid]
	if !ok {
		c.mtx.Unlock()
		return false
	}
	fire := c.recordAnnouncement(sub)
	c.mtx.Unlock()

	if fire != nil {
		fire()
	}
	return true
}

// recordAnnouncement increments a subscription's announcement count and
// handles the threshold crossing: broadcast promises resolve successfully
// and watch callbacks fire for the first time.  The returned closure, when
// non-nil, must be invoked after the client mutex is released.
//
// This function MUST be called with the client mutex held.
func (c *Client) recordAnnouncement(sub *txSubscription) func() {
	sub.announced++
	if sub.announced != sub.announceThreshold {
		return nil
	}
	sub.resolve(true)
	if sub.callback == nil {
		return nil
	}
	// A confirmation count already delivered is not reported again, so
	// reported counts stay strictly increasing.
	if sub.lastReported > 0 && sub.confirmations <= sub.lastReported {
		return nil
	}
	tx := sub.tx
	confirms := sub.confirmations
	sub.lastReported = confirms
	cb := sub.callback
	return func() { cb(tx, confirms) }
}

// haveInventoryTx returns whether the shared inventory holds the given
// transaction.
func (c *Client) haveInventoryTx(txid *chainhash.Hash) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.inventory.haveTx(txid)
}

// fetchInventoryTx returns the inventory transaction for the given hash,
// or nil.
func (c *Client) fetchInventoryTx(txid *chainhash.Hash) *btcutil.Tx {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.inventory.getTx(txid)
}

// handleIncomingTx matches the outputs of a transaction delivered by a
// peer against the address subscriptions.  The first match creates a
// transaction subscription seeded with the watch's threshold and callback
// along with any block inclusions proven before the transaction arrived.
// Outputs whose payment address cannot be recovered are skipped.
func (c *Client) handleIncomingTx(msg *wire.MsgTx) {
	tx := btcutil.NewTx(msg)
	txid := tx.Hash()

	var fires []func()
	c.mtx.Lock()
	for _, out := range msg.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript,
			c.cfg.Params.AddrParams)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			addrSub, ok := c.subs.byAddress[addr.EncodeAddress()]
			if !ok {
				continue
			}
			if _, exists := c.subs.byTxHash[*txid]; exists {
				continue
			}
			sub := &txSubscription{
				announceThreshold: addrSub.announceThreshold,
				callback:          addrSub.callback,
				inBlocks:          c.inventory.takePendingBlocks(txid),
				tx:                tx,
			}
			c.subs.byTxHash[*txid] = sub
			// Receipt of the transaction itself counts as the
			// first announcement.
			if fire := c.recordAnnouncement(sub); fire != nil {
				fires = append(fires, fire)
			}
		}
	}
	c.mtx.Unlock()

	for _, fire := range fires {
		fire()
	}
}

// handleMerkleMatches attributes proven block inclusions to their
// transaction subscriptions.  Matches without a subscription are parked in
// the inventory in case the transaction was missed on broadcast; when it
// later comes over the wire the inclusion is attached.
func (c *Client) handleMerkleMatches(blockHash *chainhash.Hash, matched []*chainhash.Hash) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, txid := range matched {
		if sub, ok := c.subs.byTxHash[*txid]; ok {
			sub.addBlock(blockHash)
		} else {
			c.inventory.attributeBlock(txid, blockHash)
		}
	}
}

// updateConfirmations recomputes the confirmation count of every watched
// transaction from its block inclusion set and fires callbacks for the
// ones whose count increased.  Reported counts are strictly increasing per
// transaction: a reorg can lower the internal count, but no callback fires
// until it exceeds the last reported value again.
func (c *Client) updateConfirmations() {
	chain := c.cfg.Chain
	if chain == nil {
		return
	}

	var fires []func()
	c.mtx.Lock()
	for _, sub := range c.subs.byTxHash {
		var best uint32
		for i := range sub.inBlocks {
			if confirms := chain.Confirmations(&sub.inBlocks[i]); confirms > best {
				best = confirms
			}
		}
		sub.confirmations = best
		if best > sub.lastReported && sub.callback != nil {
			sub.lastReported = best
			tx := sub.tx
			cb := sub.callback
			fires = append(fires, func() { cb(tx, best) })
		}
	}
	c.mtx.Unlock()

	for _, fire := range fires {
		fire()
	}
}

// notifyPeerConnected dispatches to every registered PeerEventListener.
func (c *Client) notifyPeerConnected(addr string, count int) {
	for _, l := range c.snapshotListeners() {
		if pl, ok := l.(PeerEventListener); ok {
			pl.OnPeerConnected(addr, count)
		}
	}
}

// notifyPeerDisconnected dispatches to every registered PeerEventListener.
func (c *Client) notifyPeerDisconnected(addr string, count int) {
	for _, l := range c.snapshotListeners() {
		if pl, ok := l.(PeerEventListener); ok {
			pl.OnPeerDisconnected(addr, count)
		}
	}
}

// notifyDownloadStarted dispatches to every registered DownloadListener.
func (c *Client) notifyDownloadStarted(addr string, blocksLeft uint32) {
	for _, l := range c.snapshotListeners() {
		if dl, ok := l.(DownloadListener); ok {
			dl.DownloadStarted(addr, blocksLeft)
		}
	}
}

// notifyBlockDownloaded dispatches to every registered DownloadListener.
func (c *Client) notifyBlockDownloaded(addr string, blockHash *chainhash.Hash,
	blocksLeft uint32) {

	for _, l := range c.snapshotListeners() {
		if dl, ok := l.(DownloadListener); ok {
			dl.OnBlockDownloaded(addr, blockHash, blocksLeft)
		}
	}
}

// notifyProgress dispatches download progress to every registered
// DownloadListener.
func (c *Client) notifyProgress(downloaded, target uint32) {
	percent := 100
	if target > 0 && downloaded < target {
		percent = int(downloaded * 100 / target)
	}
	log.Debugf("Chain download %d%% complete", percent)
	for _, l := range c.snapshotListeners() {
		if dl, ok := l.(DownloadListener); ok {
			dl.Progress(percent, downloaded)
		}
	}
}

// notifyDownloadComplete dispatches to every registered DownloadListener.
func (c *Client) notifyDownloadComplete() {
	for _, l := range c.snapshotListeners() {
		if dl, ok := l.(DownloadListener); ok {
			dl.DownloadComplete()
		}
	}
}

// snapshotListeners copies the listener set so notifications run without
// the client mutex held.
func (c *Client) snapshotListeners() []interface{} {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]interface{}(nil), c.listeners...)
}
