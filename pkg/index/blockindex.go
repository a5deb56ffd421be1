// Package index reads the node's on-disk LevelDB indexes: the block
// index under blocks/index and the optional transaction index under
// indexes/txindex. Both are opened read-only; the node's files are never
// written.
package index

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"block-lens/pkg/codec"
)

var (
	// ErrUnreadable: the store cannot be opened or a record cannot be
	// decoded.
	ErrUnreadable = errors.New("block index unreadable")
	// ErrIncomplete: the best chain has a gap, i.e. heights are not
	// contiguous from zero.
	ErrIncomplete = errors.New("block index incomplete")
)

// Validation status bits of a block index record (the node's
// BLOCK_VALID_* / BLOCK_HAVE_* enum).
const (
	statusValidMask         = 0x07
	statusValidTransactions = 3
	statusHaveData          = 8
	statusHaveUndo          = 16
)

// Record is one decoded block index entry.
type Record struct {
	Hash    chainhash.Hash
	Height  uint64
	Status  uint32
	NumTxs  uint32
	File    uint32
	DataPos uint32
	UndoPos uint32
	Header  wire.BlockHeader
}

// HaveData reports whether the full block is stored in a blk file.
func (r *Record) HaveData() bool { return r.Status&statusHaveData != 0 }

// HaveUndo reports whether the undo record is stored in a rev file.
func (r *Record) HaveUndo() bool { return r.Status&statusHaveUndo != 0 }

// validTransactions reports whether validation reached at least the
// transactions stage; anything less is a header-only or failed entry.
func (r *Record) validTransactions() bool {
	return r.Status&statusValidMask >= statusValidTransactions
}

// exposed is the condition for a record to appear in the height map.
func (r *Record) exposed() bool { return r.HaveData() && r.validTransactions() }

// BlockIndex holds the materialized best chain: a dense height array and
// a hash-to-height map. Immutable after load; safe for concurrent reads.
type BlockIndex struct {
	byHeight []*Record
	byHash   map[chainhash.Hash]uint64
}

// Load stream-scans the block index store at path (blocks/index) and
// materializes the best chain. The chain is resolved by walking
// prev-hash links back from the highest exposed record; every height
// down to zero must be present and stored, otherwise ErrIncomplete.
func Load(path string) (*BlockIndex, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{ReadOnly: true, ErrorIfMissing: true})
	if err != nil {
		return nil, errors.Wrapf(ErrUnreadable, "open %s: %v", path, err)
	}
	defer db.Close()

	all := make(map[chainhash.Hash]*Record)
	var tip *Record

	it := db.NewIterator(util.BytesPrefix([]byte{'b'}), nil)
	for it.Next() {
		key := it.Key()
		if len(key) != 1+chainhash.HashSize {
			continue // 'b' also prefixes the reindexing flag key
		}
		rec, err := decodeRecord(it.Value())
		if err != nil {
			it.Release()
			return nil, errors.Wrapf(ErrUnreadable, "record %x: %v", key[1:], err)
		}
		copy(rec.Hash[:], key[1:])
		all[rec.Hash] = rec
		if rec.exposed() && (tip == nil || rec.Height > tip.Height) {
			tip = rec
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, errors.Wrapf(ErrUnreadable, "scan: %v", err)
	}
	if tip == nil {
		return nil, errors.Wrap(ErrIncomplete, "no stored blocks")
	}

	byHeight := make([]*Record, tip.Height+1)
	cur := tip
	for {
		if cur.Height >= uint64(len(byHeight)) || byHeight[cur.Height] != nil {
			return nil, errors.Wrapf(ErrIncomplete, "duplicate or out-of-range height %d", cur.Height)
		}
		byHeight[cur.Height] = cur
		if cur.Height == 0 {
			break
		}
		prev, ok := all[cur.Header.PrevBlock]
		if !ok || !prev.exposed() || prev.Height != cur.Height-1 {
			return nil, errors.Wrapf(ErrIncomplete, "missing height %d", cur.Height-1)
		}
		cur = prev
	}

	byHash := make(map[chainhash.Hash]uint64, len(byHeight))
	for h, rec := range byHeight {
		byHash[rec.Hash] = uint64(h)
	}
	return &BlockIndex{byHeight: byHeight, byHash: byHash}, nil
}

// decodeRecord parses the node's serialize-compactly block index layout:
// varint client version, varint height, varint status, varint tx count,
// then file / data-pos / undo-pos varints gated on the status bits, then
// the fixed 80-byte header.
func decodeRecord(value []byte) (*Record, error) {
	r := bytes.NewReader(value)
	if _, err := codec.ReadCoreVarInt(r); err != nil {
		return nil, errors.Wrap(err, "version")
	}
	height, err := codec.ReadCoreVarInt(r)
	if err != nil {
		return nil, errors.Wrap(err, "height")
	}
	status, err := codec.ReadCoreVarInt(r)
	if err != nil {
		return nil, errors.Wrap(err, "status")
	}
	ntx, err := codec.ReadCoreVarInt(r)
	if err != nil {
		return nil, errors.Wrap(err, "tx count")
	}

	rec := &Record{Height: height, Status: uint32(status), NumTxs: uint32(ntx)}
	if rec.HaveData() || rec.HaveUndo() {
		file, err := codec.ReadCoreVarInt(r)
		if err != nil {
			return nil, errors.Wrap(err, "file")
		}
		rec.File = uint32(file)
	}
	if rec.HaveData() {
		pos, err := codec.ReadCoreVarInt(r)
		if err != nil {
			return nil, errors.Wrap(err, "data pos")
		}
		rec.DataPos = uint32(pos)
	}
	if rec.HaveUndo() {
		pos, err := codec.ReadCoreVarInt(r)
		if err != nil {
			return nil, errors.Wrap(err, "undo pos")
		}
		rec.UndoPos = uint32(pos)
	}
	if err := rec.Header.Deserialize(r); err != nil {
		return nil, errors.Wrap(err, "header")
	}
	return rec, nil
}

// Count returns the number of best-chain blocks (tip height + 1).
func (bi *BlockIndex) Count() uint64 { return uint64(len(bi.byHeight)) }

// At returns the record at a height.
func (bi *BlockIndex) At(height uint64) (*Record, bool) {
	if height >= uint64(len(bi.byHeight)) {
		return nil, false
	}
	return bi.byHeight[height], true
}

// HeightOf resolves a block hash to its best-chain height.
func (bi *BlockIndex) HeightOf(hash chainhash.Hash) (uint64, bool) {
	h, ok := bi.byHash[hash]
	return h, ok
}
