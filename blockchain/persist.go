// Copyright (c) 2015-2016 Chris Pacia
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// headerRecordLen is the length of a serialized header record: a 32-byte
// big-endian cumulative work value, an 8-byte insertion sequence, a 4-byte
// height, and the 80-byte header itself.
const headerRecordLen = 32 + 8 + 4 + 80

// serializeHeaderNode returns the persisted form of a header record.  The
// record is keyed by block hash, so the hash itself is not stored in the
// value.
func serializeHeaderNode(node *headerNode) []byte {
	buf := make([]byte, headerRecordLen)
	node.cumWork.FillBytes(buf[:32])
	binary.BigEndian.PutUint64(buf[32:40], node.order)
	binary.BigEndian.PutUint32(buf[40:44], node.height)

	var hdr bytes.Buffer
	if err := node.header.Serialize(&hdr); err != nil {
		// A BlockHeader always serializes into a memory buffer.
		panic(err)
	}
	copy(buf[44:], hdr.Bytes())
	return buf
}

// deserializeHeaderNode parses a header record previously written by
// serializeHeaderNode.
func deserializeHeaderNode(key, value []byte) (*headerNode, error) {
	if len(key) != chainhash.HashSize {
		return nil, fmt.Errorf("bad header record key length %d", len(key))
	}
	if len(value) != headerRecordLen {
		return nil, fmt.Errorf("bad header record length %d", len(value))
	}
	node := &headerNode{
		cumWork: new(big.Int).SetBytes(value[:32]),
		order:   binary.BigEndian.Uint64(value[32:40]),
		height:  binary.BigEndian.Uint32(value[40:44]),
	}
	copy(node.hash[:], key)
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(value[44:])); err != nil {
		return nil, err
	}
	node.header = header
	return node, nil
}

// load rebuilds the in-memory index from the backing store.  Records are
// self-contained, so the iteration order does not matter.  A store that
// does not contain this network's checkpoint, or that contains a malformed
// record, is discarded in favor of a fresh checkpoint-seeded database.
func (b *BlockDatabase) load() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	loaded := make(map[chainhash.Hash]*headerNode)
	iter := b.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		node, err := deserializeHeaderNode(iter.Key(), iter.Value())
		if err != nil {
			log.Warnf("Discarding unreadable header database: %v", err)
			b.seedCheckpoint()
			return
		}
		loaded[node.hash] = node
	}
	if err := iter.Error(); err != nil {
		log.Warnf("Discarding unreadable header database: %v", err)
		b.seedCheckpoint()
		return
	}

	cp, ok := loaded[*b.params.Checkpoint.Hash]
	if !ok || cp.height != b.params.Checkpoint.Height {
		if len(loaded) > 0 {
			log.Warnf("Header database does not contain the %s "+
				"checkpoint, starting over", b.params.Name)
		}
		b.seedCheckpoint()
		return
	}

	b.index = loaded
	b.byHeight = make(map[uint32][]*headerNode)
	b.best = cp
	b.minHeight = cp.height
	b.nextOrder = 1
	for _, node := range loaded {
		b.byHeight[node.height] = append(b.byHeight[node.height], node)
		if node.height < b.minHeight {
			b.minHeight = node.height
		}
		if node.order >= b.nextOrder {
			b.nextOrder = node.order + 1
		}
		switch c := node.cumWork.Cmp(b.best.cumWork); {
		case c > 0:
			b.best = node
		case c == 0 && node.order < b.best.order:
			b.best = node
		}
	}
	b.batch.Reset()
	log.Infof("Loaded %d headers, tip %v (height %d)", len(loaded),
		b.best.hash, b.best.height)
}

// Flush writes all headers committed since the previous flush to the
// backing store in a single batch.  It is a no-op for a memory-only
// database.  Callers performing a bulk download defer flushing until the
// download completes.
func (b *BlockDatabase) Flush() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.db == nil {
		return nil
	}
	if err := b.db.Write(b.batch, nil); err != nil {
		return fmt.Errorf("flush header db: %w", err)
	}
	b.batch.Reset()
	return nil
}

// Close flushes any pending writes and closes the backing store.
func (b *BlockDatabase) Close() error {
	if err := b.Flush(); err != nil {
		return err
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
