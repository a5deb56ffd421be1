package index

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"block-lens/pkg/codec"
)

// ErrTxNotFound: the txid has no entry in the transaction index.
var ErrTxNotFound = errors.New("txid not in index")

// TxLoc is a decoded transaction index value: which blk file, the
// position of the owning block's frame, and the transaction's offset
// within the block payload.
type TxLoc struct {
	File     uint32
	BlockPos uint32
	Offset   uint32
}

// TxIndex reads the optional indexes/txindex store. Unlike the block
// index it stays open: lookups are point reads, not a one-time scan.
type TxIndex struct {
	db *leveldb.DB
}

// OpenTxIndex opens the transaction index store read-only.
func OpenTxIndex(path string) (*TxIndex, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{ReadOnly: true, ErrorIfMissing: true})
	if err != nil {
		return nil, errors.Wrapf(ErrUnreadable, "open %s: %v", path, err)
	}
	return &TxIndex{db: db}, nil
}

// Lookup resolves a txid to its on-disk location.
func (t *TxIndex) Lookup(txid chainhash.Hash) (TxLoc, error) {
	key := make([]byte, 1+chainhash.HashSize)
	key[0] = 't'
	copy(key[1:], txid[:])

	value, err := t.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return TxLoc{}, errors.Wrap(ErrTxNotFound, txid.String())
	}
	if err != nil {
		return TxLoc{}, errors.Wrapf(ErrUnreadable, "get %s: %v", txid, err)
	}

	r := bytes.NewReader(value)
	file, err := codec.ReadCoreVarInt(r)
	if err != nil {
		return TxLoc{}, errors.Wrap(err, "file")
	}
	blockPos, err := codec.ReadCoreVarInt(r)
	if err != nil {
		return TxLoc{}, errors.Wrap(err, "block pos")
	}
	offset, err := codec.ReadCoreVarInt(r)
	if err != nil {
		return TxLoc{}, errors.Wrap(err, "tx offset")
	}
	return TxLoc{File: uint32(file), BlockPos: uint32(blockPos), Offset: uint32(offset)}, nil
}

// Close releases the underlying store.
func (t *TxIndex) Close() error {
	return t.db.Close()
}
