package utxo

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
)

// MemOverlay keeps the whole UTXO set in a hash map. Around 32 GB at
// height 700k; use the pebble mode when that does not fit.
type MemOverlay struct {
	entries map[Key]Entry
}

// NewMem returns an empty in-memory overlay.
func NewMem() *MemOverlay {
	return &MemOverlay{entries: make(map[Key]Entry)}
}

// Insert records all outputs of one transaction.
func (m *MemOverlay) Insert(txid chainhash.Hash, outputs []Entry) error {
	for i, out := range outputs {
		m.entries[NewKey(txid, uint32(i))] = out
	}
	return nil
}

// Take removes and returns one entry.
func (m *MemOverlay) Take(txid chainhash.Hash, vout uint32) (Entry, error) {
	k := NewKey(txid, vout)
	e, ok := m.entries[k]
	if !ok {
		return Entry{}, errors.Wrapf(ErrMissing, "%s:%d", txid, vout)
	}
	delete(m.entries, k)
	return e, nil
}

// Commit is a no-op: map updates are immediate.
func (m *MemOverlay) Commit(uint64) error { return nil }

// Flush is a no-op.
func (m *MemOverlay) Flush() error { return nil }

// Close drops the map.
func (m *MemOverlay) Close() error {
	m.entries = nil
	return nil
}

// Len reports the number of live entries.
func (m *MemOverlay) Len() int { return len(m.entries) }

// Range calls fn for every live entry until fn returns false.
func (m *MemOverlay) Range(fn func(Key, Entry) bool) {
	for k, e := range m.entries {
		if !fn(k, e) {
			return
		}
	}
}
