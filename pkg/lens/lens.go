// Package lens is the public query surface: it opens a quiescent node's
// data directory read-only and answers block, transaction and iteration
// queries against the files the node left behind.
package lens

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/tokenized/logger"

	"block-lens/pkg/analyzer"
	"block-lens/pkg/blkfile"
	"block-lens/pkg/index"
	"block-lens/pkg/types"
)

// OverlayMode selects how the connected iterator keeps its UTXO set.
type OverlayMode int

const (
	// OverlayMemory: a hash map. Fast; roughly 32 GB at height 700k.
	OverlayMemory OverlayMode = iota
	// OverlayDisk: a pebble store with a bounded footprint.
	OverlayDisk
)

// Options configure an opened handle.
type Options struct {
	// TxIndex opens indexes/txindex and enables txid queries.
	TxIndex bool
	// Workers for iterators; non-positive means one per hardware
	// thread, capped.
	Workers int
	// Window is the iterator in-flight bound; non-positive means
	// 4*Workers. This is the only memory knob.
	Window int
	// Strict makes a missing UTXO during connected iteration a decode
	// failure for the whole block instead of an unresolved input.
	Strict bool
	// OverlayMode and OverlayDir configure the connected iterator's
	// UTXO store. OverlayDir defaults to <datadir>/lens-utxo and must
	// not be the node's own chainstate.
	OverlayMode OverlayMode
	OverlayDir  string
}

// BlockDB is an open handle over one data directory. All state lives
// here; independent handles over distinct directories do not interact.
// The index maps are immutable after Open and read without locks.
type BlockDB struct {
	dir  string
	opts Options

	store *blkfile.Store
	bi    *index.BlockIndex
	ti    *index.TxIndex

	// readers is the per-worker file-handle cache pool; facade point
	// queries borrow from it too.
	readers sync.Pool

	// posHeights maps (file, frame offset) to height, built on first
	// txid-to-height query.
	posOnce    sync.Once
	posHeights map[uint64]uint64

	// overlayBusy enforces the single live connected iterator.
	overlayBusy atomic.Bool
}

// Open validates the data directory layout, scans the block index and
// returns a ready handle.
func Open(ctx context.Context, datadir string, opts Options) (*BlockDB, error) {
	info, err := os.Stat(datadir)
	if err != nil || !info.IsDir() {
		return nil, errors.Wrap(ErrPathInvalid, datadir)
	}
	blocksDir := filepath.Join(datadir, "blocks")
	store, err := blkfile.Open(blocksDir)
	if err != nil {
		return nil, errors.Wrapf(ErrPathInvalid, "%s: %v", blocksDir, err)
	}

	bi, err := index.Load(filepath.Join(blocksDir, "index"))
	if err != nil {
		return nil, err
	}

	db := &BlockDB{dir: datadir, opts: opts, store: store, bi: bi}
	db.readers.New = func() interface{} { return store.NewReader() }

	if opts.TxIndex {
		ti, err := index.OpenTxIndex(filepath.Join(datadir, "indexes", "txindex"))
		if err != nil {
			return nil, err
		}
		db.ti = ti
	}

	logger.Info(ctx, "opened %s: %d blocks, txindex=%t", datadir, bi.Count(), opts.TxIndex)
	return db, nil
}

// Close releases the tx index and any pooled file handles. Live
// iterators must be closed first.
func (db *BlockDB) Close() error {
	db.readers.New = nil
	for {
		v := db.readers.Get()
		if v == nil {
			break
		}
		v.(*blkfile.Reader).Close()
	}
	if db.ti != nil {
		return db.ti.Close()
	}
	return nil
}

// BlockCount returns the number of best-chain blocks (tip height + 1).
func (db *BlockDB) BlockCount() uint64 { return db.bi.Count() }

// Header returns the 80-byte header at a height.
func (db *BlockDB) Header(height uint64) (wire.BlockHeader, error) {
	rec, ok := db.bi.At(height)
	if !ok {
		return wire.BlockHeader{}, errors.Wrapf(ErrNotFound, "height %d", height)
	}
	return rec.Header, nil
}

// HashOf returns the block hash at a height.
func (db *BlockDB) HashOf(height uint64) (chainhash.Hash, error) {
	rec, ok := db.bi.At(height)
	if !ok {
		return chainhash.Hash{}, errors.Wrapf(ErrNotFound, "height %d", height)
	}
	return rec.Hash, nil
}

// HeightOf resolves a best-chain block hash to its height.
func (db *BlockDB) HeightOf(hash chainhash.Hash) (uint64, error) {
	h, ok := db.bi.HeightOf(hash)
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "hash %s", hash)
	}
	return h, nil
}

// borrowReader fetches a pooled reader; return it with releaseReader.
func (db *BlockDB) borrowReader() *blkfile.Reader {
	return db.readers.Get().(*blkfile.Reader)
}

func (db *BlockDB) releaseReader(r *blkfile.Reader) {
	db.readers.Put(r)
}

// decodeRaw reads and decodes the block at a height.
func (db *BlockDB) decodeRaw(height uint64) (*types.Block, error) {
	rec, ok := db.bi.At(height)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "height %d", height)
	}
	r := db.borrowReader()
	defer db.releaseReader(r)

	block, err := r.Block(rec.File, int64(rec.DataPos))
	if err != nil {
		return nil, err
	}
	return &types.Block{
		Height: height,
		Hash:   rec.Hash,
		Header: block.Header,
		Txs:    block.Transactions,
	}, nil
}

// Block returns the raw projection at a height.
func (db *BlockDB) Block(height uint64) (*types.Block, error) {
	return db.decodeRaw(height)
}

// BlockFull returns the full projection at a height.
func (db *BlockDB) BlockFull(height uint64) (*types.FBlock, error) {
	b, err := db.decodeRaw(height)
	if err != nil {
		return nil, err
	}
	return types.FullBlock(b), nil
}

// BlockSimple returns the simple projection at a height.
func (db *BlockDB) BlockSimple(height uint64) (*types.SBlock, error) {
	b, err := db.decodeRaw(height)
	if err != nil {
		return nil, err
	}
	return types.SimpleBlock(b), nil
}

// UndoAt returns the spent-output records of the block at a height.
// Genesis has none.
func (db *BlockDB) UndoAt(height uint64) (types.BlockUndo, error) {
	rec, ok := db.bi.At(height)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "height %d", height)
	}
	if !rec.HaveUndo() {
		return nil, errors.Wrapf(ErrNotFound, "no undo data at height %d", height)
	}
	r := db.borrowReader()
	defer db.releaseReader(r)
	return r.Undo(rec.File, int64(rec.UndoPos))
}

// Transaction looks a transaction up by txid. Requires the handle to be
// opened with the transaction index.
func (db *BlockDB) Transaction(txid chainhash.Hash) (*wire.MsgTx, error) {
	loc, err := db.lookupTx(txid)
	if err != nil {
		return nil, err
	}
	r := db.borrowReader()
	defer db.releaseReader(r)

	// Skip the owning block's magic+size prefix.
	offset := int64(loc.BlockPos) + int64(loc.Offset) + 8
	return r.Tx(loc.File, offset)
}

// TransactionFull looks up a transaction and classifies its outputs.
func (db *BlockDB) TransactionFull(txid chainhash.Hash) (*types.FTx, error) {
	tx, err := db.Transaction(txid)
	if err != nil {
		return nil, err
	}
	return types.FullTx(tx, types.IsCoinbaseTx(tx)), nil
}

// HeightOfTxid derives the height of the block containing txid by
// matching the txindex record's block position against the block index.
func (db *BlockDB) HeightOfTxid(txid chainhash.Hash) (uint64, error) {
	loc, err := db.lookupTx(txid)
	if err != nil {
		return 0, err
	}
	db.posOnce.Do(db.buildPosHeights)
	h, ok := db.posHeights[posKey(loc.File, loc.BlockPos)]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "no block at %d:%d", loc.File, loc.BlockPos)
	}
	return h, nil
}

func (db *BlockDB) lookupTx(txid chainhash.Hash) (index.TxLoc, error) {
	if db.ti == nil {
		return index.TxLoc{}, errors.WithStack(ErrNoTxIndex)
	}
	loc, err := db.ti.Lookup(txid)
	if errors.Is(err, index.ErrTxNotFound) {
		return index.TxLoc{}, errors.Wrapf(ErrNotFound, "txid %s", txid)
	}
	return loc, err
}

func posKey(file, pos uint32) uint64 {
	return uint64(file)<<32 | uint64(pos)
}

func (db *BlockDB) buildPosHeights() {
	m := make(map[uint64]uint64, db.bi.Count())
	for h := uint64(0); h < db.bi.Count(); h++ {
		rec, _ := db.bi.At(h)
		m[posKey(rec.File, rec.DataPos)] = h
	}
	db.posHeights = m
}

// ParseScript classifies raw script-pubkey bytes. It needs no handle
// state; the method form exists for callers holding a BlockDB.
func ParseScript(script []byte) analyzer.ScriptInfo {
	return analyzer.ClassifyScript(script)
}

// ParseScript classifies raw script-pubkey bytes.
func (db *BlockDB) ParseScript(script []byte) analyzer.ScriptInfo {
	return ParseScript(script)
}
