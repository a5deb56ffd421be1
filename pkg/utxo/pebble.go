package utxo

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cockroachdb/pebble/v2"
	"github.com/pkg/errors"
)

// checkpointInterval is how often the overlay records a durable
// last-height marker.
const checkpointInterval = 10000

var metaLastKey = []byte("meta:last")

const markerFile = "last_height"
const storeDir = "store"

// PebbleOverlay is the on-disk mode: an LSM store with one atomic write
// batch per block. The WAL is disabled because the overlay is
// rebuildable from the block files; durability comes from explicit
// flushes every checkpointInterval blocks, with a last_height marker
// file recording what is known durable. A marker that disagrees with
// the store's own meta record means a torn state: the store is cleared
// and rebuilt.
type PebbleOverlay struct {
	dir   string
	db    *pebble.DB
	batch *pebble.Batch

	// lastHeight is the highest fully-applied block, -1 when empty.
	lastHeight int64
}

// OpenPebble opens (or creates) the on-disk overlay rooted at dir. dir
// must be distinct from the node's own chainstate.
func OpenPebble(dir string) (*PebbleOverlay, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "overlay dir")
	}

	o := &PebbleOverlay{dir: dir, lastHeight: -1}
	if err := o.open(); err != nil {
		return nil, err
	}

	marker := o.readMarker()
	meta := o.readMeta()
	if marker != meta {
		if err := o.clear(); err != nil {
			return nil, err
		}
	} else {
		o.lastHeight = marker
	}
	o.batch = o.db.NewIndexedBatch()
	return o, nil
}

func (o *PebbleOverlay) open() error {
	db, err := pebble.Open(filepath.Join(o.dir, storeDir), &pebble.Options{
		DisableWAL: true,
	})
	if err != nil {
		return errors.Wrap(err, "open overlay store")
	}
	o.db = db
	return nil
}

// clear wipes the store and the marker; used when the two disagree.
func (o *PebbleOverlay) clear() error {
	if err := o.db.Close(); err != nil {
		return errors.Wrap(err, "close for clear")
	}
	if err := os.RemoveAll(filepath.Join(o.dir, storeDir)); err != nil {
		return errors.Wrap(err, "clear overlay store")
	}
	if err := os.Remove(filepath.Join(o.dir, markerFile)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "clear overlay marker")
	}
	o.lastHeight = -1
	return o.open()
}

// Reset empties the overlay so a connected iteration can replay from
// genesis.
func (o *PebbleOverlay) Reset() error {
	if o.batch != nil {
		if err := o.batch.Close(); err != nil {
			return errors.Wrap(err, "drop batch")
		}
	}
	if err := o.clear(); err != nil {
		return err
	}
	o.batch = o.db.NewIndexedBatch()
	return nil
}

func (o *PebbleOverlay) readMarker() int64 {
	data, err := os.ReadFile(filepath.Join(o.dir, markerFile))
	if err != nil {
		return -1
	}
	h, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return -1
	}
	return h
}

func (o *PebbleOverlay) writeMarker(height int64) error {
	path := filepath.Join(o.dir, markerFile)
	data := []byte(strconv.FormatInt(height, 10) + "\n")
	return errors.Wrap(os.WriteFile(path, data, 0644), "write overlay marker")
}

func (o *PebbleOverlay) readMeta() int64 {
	data, closer, err := o.db.Get(metaLastKey)
	if err != nil {
		return -1
	}
	defer closer.Close()
	if len(data) != 8 {
		return -1
	}
	return int64(binary.LittleEndian.Uint64(data))
}

// Insert stages all outputs of one transaction in the current block
// batch.
func (o *PebbleOverlay) Insert(txid chainhash.Hash, outputs []Entry) error {
	for i, out := range outputs {
		k := NewKey(txid, uint32(i))
		if err := o.batch.Set(k[:], encodeEntry(out), pebble.NoSync); err != nil {
			return errors.Wrap(err, "stage insert")
		}
	}
	return nil
}

// Take reads the entry through the indexed batch (so outputs created
// earlier in the same block resolve) and stages its deletion.
func (o *PebbleOverlay) Take(txid chainhash.Hash, vout uint32) (Entry, error) {
	k := NewKey(txid, vout)
	data, closer, err := o.batch.Get(k[:])
	if err == pebble.ErrNotFound {
		return Entry{}, errors.Wrapf(ErrMissing, "%s:%d", txid, vout)
	}
	if err != nil {
		return Entry{}, errors.Wrap(err, "overlay get")
	}
	entry, err := decodeEntry(data)
	closer.Close()
	if err != nil {
		return Entry{}, err
	}
	if err := o.batch.Delete(k[:], pebble.NoSync); err != nil {
		return Entry{}, errors.Wrap(err, "stage delete")
	}
	return entry, nil
}

// Commit atomically applies the block's batch: the inserts and deletes
// in the order Insert and Take staged them (they are not regrouped),
// plus the meta:last record. Every checkpointInterval blocks the store
// is flushed and the marker advanced.
func (o *PebbleOverlay) Commit(height uint64) error {
	var hbuf [8]byte
	binary.LittleEndian.PutUint64(hbuf[:], height)
	if err := o.batch.Set(metaLastKey, hbuf[:], pebble.NoSync); err != nil {
		return errors.Wrap(err, "stage meta")
	}
	if err := o.batch.Commit(pebble.NoSync); err != nil {
		return errors.Wrap(err, "commit block batch")
	}
	if err := o.batch.Close(); err != nil {
		return errors.Wrap(err, "close block batch")
	}
	o.batch = o.db.NewIndexedBatch()
	o.lastHeight = int64(height)

	if (height+1)%checkpointInterval == 0 {
		return o.checkpoint()
	}
	return nil
}

func (o *PebbleOverlay) checkpoint() error {
	if err := o.db.Flush(); err != nil {
		return errors.Wrap(err, "flush overlay")
	}
	return o.writeMarker(o.lastHeight)
}

// Flush forces a checkpoint at the current height.
func (o *PebbleOverlay) Flush() error {
	return o.checkpoint()
}

// LastHeight reports the highest fully-applied block, -1 when empty.
func (o *PebbleOverlay) LastHeight() int64 { return o.lastHeight }

// Close checkpoints and releases the store.
func (o *PebbleOverlay) Close() error {
	if o.batch != nil {
		if err := o.batch.Close(); err != nil {
			return errors.Wrap(err, "drop batch")
		}
		o.batch = nil
	}
	if err := o.checkpoint(); err != nil {
		return err
	}
	return errors.Wrap(o.db.Close(), "close overlay store")
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 8+len(e.Script))
	binary.LittleEndian.PutUint64(buf[:8], uint64(e.Value))
	copy(buf[8:], e.Script)
	return buf
}

func decodeEntry(data []byte) (Entry, error) {
	if len(data) < 8 {
		return Entry{}, errors.New("short overlay entry")
	}
	script := make([]byte, len(data)-8)
	copy(script, data[8:])
	return Entry{
		Value:  int64(binary.LittleEndian.Uint64(data[:8])),
		Script: script,
	}, nil
}
