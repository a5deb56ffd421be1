package lens

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tokenized/logger"

	"block-lens/pkg/iter"
	"block-lens/pkg/types"
	"block-lens/pkg/utxo"
)

func (db *BlockDB) checkRange(lo, hi uint64) error {
	if lo > hi || hi > db.bi.Count() {
		return errors.Wrapf(ErrNotFound, "range [%d, %d) outside [0, %d)", lo, hi, db.bi.Count())
	}
	return nil
}

// IterBlocks yields raw blocks for [lo, hi) in height order, decoding
// in parallel behind the reorder buffer.
func (db *BlockDB) IterBlocks(ctx context.Context, lo, hi uint64) (*iter.Iterator[*types.Block], error) {
	if err := db.checkRange(lo, hi); err != nil {
		return nil, err
	}
	return iter.New(ctx, lo, hi, db.opts.Workers, db.opts.Window, db.decodeRaw), nil
}

// IterBlocksFull yields full-projection blocks for [lo, hi). Projection
// work (classification, address derivation) runs on the workers.
func (db *BlockDB) IterBlocksFull(ctx context.Context, lo, hi uint64) (*iter.Iterator[*types.FBlock], error) {
	if err := db.checkRange(lo, hi); err != nil {
		return nil, err
	}
	decode := func(h uint64) (*types.FBlock, error) {
		b, err := db.decodeRaw(h)
		if err != nil {
			return nil, err
		}
		return types.FullBlock(b), nil
	}
	return iter.New(ctx, lo, hi, db.opts.Workers, db.opts.Window, decode), nil
}

// IterBlocksSimple yields simple-projection blocks for [lo, hi). This
// is the projection to use for full-chain scans.
func (db *BlockDB) IterBlocksSimple(ctx context.Context, lo, hi uint64) (*iter.Iterator[*types.SBlock], error) {
	if err := db.checkRange(lo, hi); err != nil {
		return nil, err
	}
	decode := func(h uint64) (*types.SBlock, error) {
		b, err := db.decodeRaw(h)
		if err != nil {
			return nil, err
		}
		return types.SimpleBlock(b), nil
	}
	return iter.New(ctx, lo, hi, db.opts.Workers, db.opts.Window, decode), nil
}

// IterConnected replays [0, hi) with every input resolved against the
// UTXO overlay. Only one connected iterator may be live per handle:
// the overlay has a single writer.
func (db *BlockDB) IterConnected(ctx context.Context, hi uint64, projection types.Projection) (*iter.ConnectedIterator, error) {
	if err := db.checkRange(0, hi); err != nil {
		return nil, err
	}
	if !db.overlayBusy.CompareAndSwap(false, true) {
		return nil, errors.WithStack(ErrConcurrentOverlay)
	}

	overlay, err := db.newOverlay()
	if err != nil {
		db.overlayBusy.Store(false)
		return nil, err
	}

	onDone := func() {
		if err := overlay.Close(); err != nil {
			logger.Error(ctx, "close overlay: %s", err)
		}
		db.overlayBusy.Store(false)
	}
	return iter.NewConnected(ctx, hi,
		db.opts.Workers, db.opts.Window,
		db.decodeRaw, overlay, projection, db.opts.Strict, onDone), nil
}

// newOverlay builds the configured overlay, empty. A disk overlay left
// over from an earlier run is reset: connection replays from genesis.
func (db *BlockDB) newOverlay() (utxo.Overlay, error) {
	if db.opts.OverlayMode == OverlayMemory {
		return utxo.NewMem(), nil
	}
	dir := db.opts.OverlayDir
	if dir == "" {
		dir = filepath.Join(db.dir, "lens-utxo")
	}
	po, err := utxo.OpenPebble(dir)
	if err != nil {
		return nil, err
	}
	if po.LastHeight() >= 0 {
		if err := po.Reset(); err != nil {
			po.Close()
			return nil, err
		}
	}
	return po, nil
}
