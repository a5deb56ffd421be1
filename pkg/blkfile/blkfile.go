// Package blkfile decodes blocks, transactions and undo records out of
// the node's blk*.dat and rev*.dat files by (file number, offset).
// Offsets name the start of the magic+size frame. Payloads are
// de-obfuscated with blocks/xor.dat when the node wrote one.
package blkfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"block-lens/pkg/codec"
	"block-lens/pkg/types"
)

// ErrDecode: malformed block, transaction or undo data on disk.
var ErrDecode = errors.New("decode error")

// mainnet network magic, little-endian on disk as f9 be b4 d9.
const magic = uint32(wire.MainNet)

// maxFrameSize rejects obviously corrupt length prefixes before
// allocating. Consensus caps serialized blocks at 4MB of weight; undo
// records are far smaller.
const maxFrameSize = 1 << 26

// Store locates block files under <datadir>/blocks and holds the XOR
// key shared by all readers. Open handles are not kept here: each
// worker creates its own Reader.
type Store struct {
	dir    string
	xorKey []byte
}

// Open sets up a store over a blocks directory, picking up xor.dat if
// the node wrote one.
func Open(blocksDir string) (*Store, error) {
	info, err := os.Stat(blocksDir)
	if err != nil {
		return nil, errors.Wrapf(err, "blocks dir %s", blocksDir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("blocks dir %s is not a directory", blocksDir)
	}

	key, err := os.ReadFile(filepath.Join(blocksDir, "xor.dat"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "xor.dat")
		}
		key = nil
	}
	return &Store{dir: blocksDir, xorKey: key}, nil
}

// Reader decodes at offsets within one store. It caches one open handle
// per file number and is NOT safe for concurrent use: every worker gets
// its own.
type Reader struct {
	store *Store
	files map[fileKey]*os.File
}

type fileKey struct {
	undo bool
	num  uint32
}

// NewReader returns a fresh per-worker reader.
func (s *Store) NewReader() *Reader {
	return &Reader{store: s, files: make(map[fileKey]*os.File)}
}

// Close releases all cached handles.
func (r *Reader) Close() {
	for _, f := range r.files {
		f.Close()
	}
	r.files = make(map[fileKey]*os.File)
}

func (r *Reader) open(undo bool, num uint32) (*os.File, error) {
	key := fileKey{undo: undo, num: num}
	if f, ok := r.files[key]; ok {
		return f, nil
	}
	prefix := "blk"
	if undo {
		prefix = "rev"
	}
	name := filepath.Join(r.store.dir, fmt.Sprintf("%s%05d.dat", prefix, num))
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "open block file")
	}
	r.files[key] = f
	return f, nil
}

// readFrame reads a magic+size framed record at offset and returns the
// de-obfuscated payload.
func (r *Reader) readFrame(undo bool, num uint32, offset int64) ([]byte, error) {
	f, err := r.open(undo, num)
	if err != nil {
		return nil, err
	}

	var head [8]byte
	if _, err := f.ReadAt(head[:], offset); err != nil {
		return nil, errors.Wrapf(ErrDecode, "frame header at %d: %v", offset, err)
	}
	codec.ApplyXOR(head[:], r.store.xorKey, offset)

	if got := binary.LittleEndian.Uint32(head[:4]); got != magic {
		return nil, errors.Wrapf(ErrDecode, "bad magic %08x at offset %d", got, offset)
	}
	size := binary.LittleEndian.Uint32(head[4:])
	if size == 0 || size > maxFrameSize {
		return nil, errors.Wrapf(ErrDecode, "implausible frame size %d at offset %d", size, offset)
	}

	payload := make([]byte, size)
	if _, err := f.ReadAt(payload, offset+8); err != nil {
		return nil, errors.Wrapf(ErrDecode, "frame payload at %d: %v", offset, err)
	}
	codec.ApplyXOR(payload, r.store.xorKey, offset+8)
	return payload, nil
}

// Block decodes the block framed at (file, offset).
func (r *Reader) Block(num uint32, offset int64) (*wire.MsgBlock, error) {
	payload, err := r.readFrame(false, num, offset)
	if err != nil {
		return nil, err
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(payload)); err != nil {
		return nil, errors.Wrapf(ErrDecode, "block at %d:%d: %v", num, offset, err)
	}
	return &block, nil
}

// Tx decodes a single transaction at an absolute offset inside a blk
// file (as located by the transaction index).
func (r *Reader) Tx(num uint32, offset int64) (*wire.MsgTx, error) {
	f, err := r.open(false, num)
	if err != nil {
		return nil, err
	}
	src := io.Reader(io.NewSectionReader(f, offset, 1<<31))
	if len(r.store.xorKey) > 0 {
		src = &xorReader{r: src, key: r.store.xorKey, pos: offset}
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(src); err != nil {
		return nil, errors.Wrapf(ErrDecode, "tx at %d:%d: %v", num, offset, err)
	}
	return &tx, nil
}

// Undo decodes the undo record framed at (file, offset) in a rev file.
// The trailing 32-byte checksum after the payload is not verified.
func (r *Reader) Undo(num uint32, offset int64) (types.BlockUndo, error) {
	payload, err := r.readFrame(true, num, offset)
	if err != nil {
		return nil, err
	}

	br := bytes.NewReader(payload)
	txCount, err := codec.ReadCompactSize(br)
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "undo tx count: %v", err)
	}
	undo := make(types.BlockUndo, 0, txCount)
	for i := uint64(0); i < txCount; i++ {
		inCount, err := codec.ReadCompactSize(br)
		if err != nil {
			return nil, errors.Wrapf(ErrDecode, "undo tx %d input count: %v", i, err)
		}
		txu := make(types.TxUndo, 0, inCount)
		for j := uint64(0); j < inCount; j++ {
			spent, err := readSpentOutput(br)
			if err != nil {
				return nil, errors.Wrapf(ErrDecode, "undo tx %d input %d: %v", i, j, err)
			}
			txu = append(txu, spent)
		}
		undo = append(undo, txu)
	}
	return undo, nil
}

// readSpentOutput parses one undo entry: Core varint height*2+coinbase,
// a dummy varint when height > 0 (legacy format compatibility, always
// zero), the compressed amount, then the compressed script.
func readSpentOutput(r io.Reader) (types.SpentOutput, error) {
	code, err := codec.ReadCoreVarInt(r)
	if err != nil {
		return types.SpentOutput{}, errors.Wrap(err, "code")
	}
	height := code >> 1
	coinbase := code&1 != 0

	if height > 0 {
		if _, err := codec.ReadCoreVarInt(r); err != nil {
			return types.SpentOutput{}, errors.Wrap(err, "version dummy")
		}
	}

	compressed, err := codec.ReadCoreVarInt(r)
	if err != nil {
		return types.SpentOutput{}, errors.Wrap(err, "amount")
	}
	script, err := codec.ReadCompressedScript(r)
	if err != nil {
		return types.SpentOutput{}, errors.Wrap(err, "script")
	}

	return types.SpentOutput{
		Height:       height,
		Coinbase:     coinbase,
		Value:        codec.DecompressAmount(compressed),
		ScriptPubKey: script,
	}, nil
}

// xorReader de-obfuscates a stream whose first byte sits at absolute
// file position pos.
type xorReader struct {
	r   io.Reader
	key []byte
	pos int64
}

func (x *xorReader) Read(p []byte) (int, error) {
	n, err := x.r.Read(p)
	codec.ApplyXOR(p[:n], x.key, x.pos)
	x.pos += int64(n)
	return n, err
}
