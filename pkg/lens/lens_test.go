package lens

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"

	"block-lens/pkg/analyzer"
	"block-lens/pkg/codec"
	"block-lens/pkg/types"
)

// Index status bits: valid-to-transactions plus have-data and
// have-undo.
const testStatus = 3 | 8 | 16

func p2pkhScript(fill byte) []byte {
	script := make([]byte, 25)
	script[0], script[1], script[2] = 0x76, 0xa9, 0x14
	for i := 3; i < 23; i++ {
		script[i] = fill
	}
	script[23], script[24] = 0x88, 0xac
	return script
}

func makeCoinbase(height uint64, fill byte) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{0x03, byte(height), byte(height >> 8), byte(height >> 16)},
		Sequence:         0xffffffff,
	})
	tx.AddTxOut(&wire.TxOut{Value: 50_0000_0000, PkScript: p2pkhScript(fill)})
	return tx
}

func makeSpend(prev chainhash.Hash, vout uint32, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prev, Index: vout},
		SignatureScript:  []byte{0x51},
		Sequence:         0xffffffff,
	})
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}

// testChain builds five linked blocks: coinbases everywhere, a spend of
// the genesis coinbase at height 1 and a spend of one of its outputs at
// height 3.
func testChain(t *testing.T) []*wire.MsgBlock {
	t.Helper()
	var blocks []*wire.MsgBlock
	prev := chainhash.Hash{}
	for h := uint64(0); h < 5; h++ {
		block := &wire.MsgBlock{
			Header: wire.BlockHeader{
				Version:   1,
				PrevBlock: prev,
				Timestamp: time.Unix(1231006505+int64(h)*600, 0),
				Bits:      0x1d00ffff,
				Nonce:     uint32(h),
			},
		}
		require.NoError(t, block.AddTransaction(makeCoinbase(h, byte(0xa0+h))))
		switch h {
		case 1:
			cb0 := blocks[0].Transactions[0]
			require.NoError(t, block.AddTransaction(makeSpend(cb0.TxHash(), 0,
				&wire.TxOut{Value: 30_0000_0000, PkScript: p2pkhScript(0xcc)},
				&wire.TxOut{Value: 19_0000_0000, PkScript: p2pkhScript(0xcf)},
			)))
		case 3:
			spend1 := blocks[1].Transactions[1]
			require.NoError(t, block.AddTransaction(makeSpend(spend1.TxHash(), 1,
				&wire.TxOut{Value: 18_0000_0000, PkScript: p2pkhScript(0xd3)},
			)))
		}
		blocks = append(blocks, block)
		prev = block.BlockHash()
	}
	return blocks
}

func frame(t *testing.T, block *wire.MsgBlock) []byte {
	t.Helper()
	var payload bytes.Buffer
	require.NoError(t, block.Serialize(&payload))
	buf := make([]byte, 8, 8+payload.Len())
	binary.LittleEndian.PutUint32(buf[:4], uint32(wire.MainNet))
	binary.LittleEndian.PutUint32(buf[4:], uint32(payload.Len()))
	return append(buf, payload.Bytes()...)
}

func undoFrame(t *testing.T, undo []byte) []byte {
	t.Helper()
	buf := make([]byte, 8, 8+len(undo)+32)
	binary.LittleEndian.PutUint32(buf[:4], uint32(wire.MainNet))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(undo)))
	buf = append(buf, undo...)
	return append(buf, make([]byte, 32)...) // checksum, unverified
}

// undoFor encodes the undo payload for one block given the outputs its
// transactions spend.
func undoFor(t *testing.T, spent ...types.SpentOutput) []byte {
	t.Helper()
	var buf bytes.Buffer
	if len(spent) == 0 {
		require.NoError(t, codec.WriteCompactSize(&buf, 0))
		return buf.Bytes()
	}
	require.NoError(t, codec.WriteCompactSize(&buf, 1)) // one spending tx
	require.NoError(t, codec.WriteCompactSize(&buf, uint64(len(spent))))
	for _, s := range spent {
		code := s.Height << 1
		if s.Coinbase {
			code |= 1
		}
		entry := codec.AppendCoreVarInt(nil, code)
		if s.Height > 0 {
			entry = codec.AppendCoreVarInt(entry, 0)
		}
		entry = codec.AppendCoreVarInt(entry, codec.CompressAmount(s.Value))
		entry = codec.AppendCoreVarInt(entry, uint64(len(s.ScriptPubKey))+6)
		entry = append(entry, s.ScriptPubKey...)
		buf.Write(entry)
	}
	return buf.Bytes()
}

type testDir struct {
	dir    string
	blocks []*wire.MsgBlock
	// txOffsets[h][i] is tx i's offset within block h's payload.
	txOffsets [][]uint32
	dataPos   []uint32
}

// buildDataDir lays out a complete synthetic data directory: blk and
// rev files, the block index and the transaction index.
func buildDataDir(t *testing.T) *testDir {
	t.Helper()
	dir := t.TempDir()
	blocksDir := filepath.Join(dir, "blocks")
	require.NoError(t, os.MkdirAll(blocksDir, 0755))

	blocks := testChain(t)
	td := &testDir{dir: dir, blocks: blocks}

	// blk00000.dat, recording frame offsets and per-tx payload offsets.
	var blkFile bytes.Buffer
	for _, block := range blocks {
		td.dataPos = append(td.dataPos, uint32(blkFile.Len()))

		offsets := make([]uint32, len(block.Transactions))
		at := uint32(80 + 1) // header + compact-size tx count (< 0xfd)
		for i, tx := range block.Transactions {
			offsets[i] = at
			at += uint32(tx.SerializeSize())
		}
		td.txOffsets = append(td.txOffsets, offsets)

		blkFile.Write(frame(t, block))
	}
	require.NoError(t, os.WriteFile(filepath.Join(blocksDir, "blk00000.dat"), blkFile.Bytes(), 0644))

	// rev00000.dat: undo per block after genesis.
	undos := [][]byte{
		undoFor(t, types.SpentOutput{Height: 0, Coinbase: true, Value: 50_0000_0000, ScriptPubKey: p2pkhScript(0xa0)}),
		undoFor(t),
		undoFor(t, types.SpentOutput{Height: 1, Value: 19_0000_0000, ScriptPubKey: p2pkhScript(0xcf)}),
		undoFor(t),
	}
	var revFile bytes.Buffer
	undoPos := []uint32{0}
	for _, u := range undos {
		undoPos = append(undoPos, uint32(revFile.Len()))
		revFile.Write(undoFrame(t, u))
	}
	require.NoError(t, os.WriteFile(filepath.Join(blocksDir, "rev00000.dat"), revFile.Bytes(), 0644))

	// Block index.
	bdb, err := leveldb.OpenFile(filepath.Join(blocksDir, "index"), nil)
	require.NoError(t, err)
	for h, block := range blocks {
		status := uint64(testStatus)
		if h == 0 {
			status = 3 | 8 // genesis has no undo
		}
		value := codec.AppendCoreVarInt(nil, 170000)
		value = codec.AppendCoreVarInt(value, uint64(h))
		value = codec.AppendCoreVarInt(value, status)
		value = codec.AppendCoreVarInt(value, uint64(len(block.Transactions)))
		value = codec.AppendCoreVarInt(value, 0) // file
		value = codec.AppendCoreVarInt(value, uint64(td.dataPos[h]))
		if status&16 != 0 {
			value = codec.AppendCoreVarInt(value, uint64(undoPos[h]))
		}
		var hdr bytes.Buffer
		require.NoError(t, block.Header.Serialize(&hdr))
		value = append(value, hdr.Bytes()...)

		hash := block.BlockHash()
		require.NoError(t, bdb.Put(append([]byte{'b'}, hash[:]...), value, nil))
	}
	require.NoError(t, bdb.Close())

	// Transaction index.
	txDir := filepath.Join(dir, "indexes", "txindex")
	require.NoError(t, os.MkdirAll(txDir, 0755))
	tdb, err := leveldb.OpenFile(txDir, nil)
	require.NoError(t, err)
	for h, block := range blocks {
		for i, tx := range block.Transactions {
			// Offset is relative to the block payload; readers add 8
			// for the frame prefix.
			value := codec.AppendCoreVarInt(nil, 0)
			value = codec.AppendCoreVarInt(value, uint64(td.dataPos[h]))
			value = codec.AppendCoreVarInt(value, uint64(td.txOffsets[h][i]))
			txid := tx.TxHash()
			require.NoError(t, tdb.Put(append([]byte{'t'}, txid[:]...), value, nil))
		}
	}
	require.NoError(t, tdb.Close())

	return td
}

func openTest(t *testing.T, td *testDir, opts Options) *BlockDB {
	t.Helper()
	db, err := Open(context.Background(), td.dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing"), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathInvalid))
}

func TestHeightHashRoundTrip(t *testing.T) {
	td := buildDataDir(t)
	db := openTest(t, td, Options{})

	require.Equal(t, uint64(5), db.BlockCount())
	for h := uint64(0); h < db.BlockCount(); h++ {
		hash, err := db.HashOf(h)
		require.NoError(t, err)
		got, err := db.HeightOf(hash)
		require.NoError(t, err)
		assert.Equal(t, h, got)

		hdr, err := db.Header(h)
		require.NoError(t, err)
		assert.Equal(t, hash, hdr.BlockHash())
	}

	_, err := db.HashOf(99)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = db.HeightOf(chainhash.Hash{0x42})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBlockHeaderEquivalence(t *testing.T) {
	td := buildDataDir(t)
	db := openTest(t, td, Options{})

	for h := uint64(0); h < db.BlockCount(); h++ {
		b, err := db.Block(h)
		require.NoError(t, err)
		hdr, err := db.Header(h)
		require.NoError(t, err)

		var fromBlock, fromIndex bytes.Buffer
		require.NoError(t, b.Header.Serialize(&fromBlock))
		require.NoError(t, hdr.Serialize(&fromIndex))
		assert.Equal(t, fromIndex.Bytes(), fromBlock.Bytes(), "height %d", h)

		// Txids recompute to themselves through serialization.
		for i, tx := range b.Txs {
			var raw bytes.Buffer
			require.NoError(t, tx.SerializeNoWitness(&raw))
			sum := codec.DoubleSHA256(raw.Bytes())
			assert.Equal(t, chainhash.Hash(sum), tx.TxHash(), "height %d tx %d", h, i)
		}
	}
}

func TestBlockProjections(t *testing.T) {
	td := buildDataDir(t)
	db := openTest(t, td, Options{})

	fb, err := db.BlockFull(1)
	require.NoError(t, err)
	require.Len(t, fb.Txs, 2)
	assert.Equal(t, analyzer.TypeP2PKH, fb.Txs[1].Outputs[0].ScriptType)
	assert.NotNil(t, fb.Txs[1].Outputs[0].ScriptPubKey)
	// Coinbase wtxid is zero by convention.
	assert.Equal(t, chainhash.Hash{}, fb.Txs[0].Wtxid)

	sb, err := db.BlockSimple(1)
	require.NoError(t, err)
	require.Len(t, sb.Txs, 2)
	assert.Equal(t, td.blocks[0].Transactions[0].TxHash(), sb.Txs[1].Inputs[0].Txid)
	require.Len(t, sb.Txs[1].Outputs, 2)
	assert.Equal(t, int64(30_0000_0000), sb.Txs[1].Outputs[0].Value)
	assert.Len(t, sb.Txs[1].Outputs[0].Addresses, 1)
}

func TestIterBlocksOrderAndEquivalence(t *testing.T) {
	td := buildDataDir(t)
	db := openTest(t, td, Options{Workers: 3})

	it, err := db.IterBlocks(context.Background(), 1, 4)
	require.NoError(t, err)
	defer it.Close()

	want := uint64(1)
	var prevHash chainhash.Hash
	for res := range it.Results() {
		require.NoError(t, res.Err)
		assert.Equal(t, want, res.Height)

		direct, err := db.Block(res.Height)
		require.NoError(t, err)
		assert.Equal(t, direct, res.Value)

		if want > 1 {
			assert.Equal(t, prevHash, res.Value.Header.PrevBlock)
		}
		prevHash = res.Value.Hash
		want++
	}
	assert.Equal(t, uint64(4), want)

	_, err = db.IterBlocks(context.Background(), 2, 99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTransactionQueries(t *testing.T) {
	td := buildDataDir(t)
	db := openTest(t, td, Options{TxIndex: true})

	spend1 := td.blocks[1].Transactions[1]
	txid := spend1.TxHash()

	tx, err := db.Transaction(txid)
	require.NoError(t, err)
	assert.Equal(t, txid, tx.TxHash())
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 2)

	h, err := db.HeightOfTxid(txid)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h)

	// The containing block really holds the transaction.
	b, err := db.Block(h)
	require.NoError(t, err)
	found := false
	for _, btx := range b.Txs {
		if btx.TxHash() == txid {
			found = true
		}
	}
	assert.True(t, found)

	ftx, err := db.TransactionFull(txid)
	require.NoError(t, err)
	assert.Equal(t, analyzer.TypeP2PKH, ftx.Outputs[0].ScriptType)

	_, err = db.Transaction(chainhash.Hash{0x01})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTransactionWithoutTxIndex(t *testing.T) {
	td := buildDataDir(t)
	db := openTest(t, td, Options{})

	_, err := db.Transaction(chainhash.Hash{0x01})
	assert.True(t, errors.Is(err, ErrNoTxIndex))
	_, err = db.HeightOfTxid(chainhash.Hash{0x01})
	assert.True(t, errors.Is(err, ErrNoTxIndex))
}

func TestUndoAt(t *testing.T) {
	td := buildDataDir(t)
	db := openTest(t, td, Options{})

	undo, err := db.UndoAt(1)
	require.NoError(t, err)
	require.Len(t, undo, 1)
	require.Len(t, undo[0], 1)
	assert.True(t, undo[0][0].Coinbase)
	assert.Equal(t, int64(50_0000_0000), undo[0][0].Value)
	assert.Equal(t, p2pkhScript(0xa0), undo[0][0].ScriptPubKey)

	// Coinbase-only block: empty undo.
	undo, err = db.UndoAt(2)
	require.NoError(t, err)
	assert.Empty(t, undo)

	// Genesis has none.
	_, err = db.UndoAt(0)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestIterConnectedEndToEnd(t *testing.T) {
	td := buildDataDir(t)

	run := func(t *testing.T, opts Options) []*types.ConnectedBlock {
		db := openTest(t, td, opts)
		ci, err := db.IterConnected(context.Background(), 5, types.ProjectionSimple)
		require.NoError(t, err)
		var got []*types.ConnectedBlock
		for res := range ci.Results() {
			require.NoError(t, res.Err)
			got = append(got, res.Value)
		}
		return got
	}

	overlayDir := filepath.Join(t.TempDir(), "overlay")
	memBlocks := run(t, Options{Strict: true})
	diskBlocks := run(t, Options{Strict: true, OverlayMode: OverlayDisk, OverlayDir: overlayDir})

	// Both overlay modes yield the identical sequence.
	assert.Equal(t, memBlocks, diskBlocks)
	require.Len(t, memBlocks, 5)

	// Resolution totality and the resolved spend at height 1.
	for _, cb := range memBlocks {
		for _, tx := range cb.Txs {
			for _, in := range tx.Inputs {
				assert.True(t, in.Coinbase || in.Resolved)
			}
		}
	}
	in := memBlocks[1].Txs[1].Inputs[0]
	assert.Equal(t, int64(50_0000_0000), in.Value)
	assert.Equal(t, analyzer.TypeP2PKH, in.ScriptType)

	// The disk overlay's marker records the last applied height.
	data, err := os.ReadFile(filepath.Join(overlayDir, "last_height"))
	require.NoError(t, err)
	assert.Equal(t, "4\n", string(data))
}

func TestIterConnectedConcurrentGuard(t *testing.T) {
	td := buildDataDir(t)
	db := openTest(t, td, Options{Strict: true})

	first, err := db.IterConnected(context.Background(), 5, types.ProjectionSimple)
	require.NoError(t, err)

	_, err = db.IterConnected(context.Background(), 5, types.ProjectionSimple)
	assert.True(t, errors.Is(err, ErrConcurrentOverlay))

	// Draining the first run releases the guard.
	for range first.Results() {
	}
	second, err := db.IterConnected(context.Background(), 2, types.ProjectionSimple)
	require.NoError(t, err)
	for range second.Results() {
	}
}

func TestParseScriptFacade(t *testing.T) {
	td := buildDataDir(t)
	db := openTest(t, td, Options{})

	script, err := hex.DecodeString("76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac")
	require.NoError(t, err)
	info := db.ParseScript(script)
	assert.Equal(t, analyzer.TypeP2PKH, info.Type)
	assert.Equal(t, []string{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"}, info.Addresses)
}
