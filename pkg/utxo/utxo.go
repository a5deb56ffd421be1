// Package utxo maintains the (txid, vout) -> (script, value) overlay the
// connected iterator resolves inputs against. Two interchangeable
// implementations: an in-memory map (fast, large footprint) and a
// pebble-backed store (bounded footprint). Semantics are identical.
package utxo

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
)

// ErrMissing: Take found no live entry for the outpoint.
var ErrMissing = errors.New("missing utxo")

// Entry is one unspent output.
type Entry struct {
	Script []byte
	Value  int64
}

// Key is the overlay key: txid bytes followed by the big-endian vout,
// so all outputs of a transaction sort adjacently.
type Key [chainhash.HashSize + 4]byte

// NewKey builds the key for one outpoint.
func NewKey(txid chainhash.Hash, vout uint32) Key {
	var k Key
	copy(k[:], txid[:])
	binary.BigEndian.PutUint32(k[chainhash.HashSize:], vout)
	return k
}

// Overlay is the single capability set both modes implement. There is
// exactly one writer at a time: the emit thread of a connected iterator.
//
// Insert records a transaction's outputs (vout = slice index). Take
// removes and returns one entry, failing with ErrMissing if it is not
// live. Commit marks the end of a block: the on-disk mode applies its
// write batch atomically here. Flush makes state durable; Close
// releases everything.
type Overlay interface {
	Insert(txid chainhash.Hash, outputs []Entry) error
	Take(txid chainhash.Hash, vout uint32) (Entry, error)
	Commit(height uint64) error
	Flush() error
	Close() error
}
