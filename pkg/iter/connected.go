package iter

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/tokenized/logger"

	"block-lens/pkg/analyzer"
	"block-lens/pkg/blkfile"
	"block-lens/pkg/types"
	"block-lens/pkg/utxo"
)

// logEvery is how often connected progress is reported.
const logEvery = 50000

// ConnectedIterator replays blocks from genesis, resolving every input
// against the UTXO overlay. Workers only decode; resolution runs
// serialized on the emit path so the overlay has a single writer and
// intra-block spends stay causal.
type ConnectedIterator struct {
	out    chan Result[*types.ConnectedBlock]
	cancel context.CancelFunc
	once   sync.Once
}

// NewConnected iterates heights [0, hi). onDone runs exactly once when
// the iteration finishes or is closed; the facade uses it to release
// the overlay guard.
func NewConnected(
	ctx context.Context,
	hi uint64,
	workers, window int,
	decode DecodeFunc[*types.Block],
	overlay utxo.Overlay,
	projection types.Projection,
	strict bool,
	onDone func(),
) *ConnectedIterator {
	ctx, cancel := context.WithCancel(ctx)
	ci := &ConnectedIterator{
		out:    make(chan Result[*types.ConnectedBlock]),
		cancel: cancel,
	}

	inner := New(ctx, 0, hi, workers, window, decode)
	done := func() {
		if onDone != nil {
			onDone()
		}
	}
	var doneOnce sync.Once

	go func() {
		defer close(ci.out)
		defer doneOnce.Do(done)

		for res := range inner.Results() {
			forward := Result[*types.ConnectedBlock]{Height: res.Height, Err: res.Err}
			if res.Err == nil {
				cb, err := Connect(res.Value, overlay, projection, strict)
				if err == nil {
					err = overlay.Commit(res.Height)
				}
				forward.Value, forward.Err = cb, err
			}

			select {
			case ci.out <- forward:
			case <-ctx.Done():
				return
			}

			if forward.Err == nil && (res.Height+1)%logEvery == 0 {
				logger.Verbose(ctx, "connected through height %d", res.Height)
			}
		}
	}()

	return ci
}

// Results exposes the ordered connected stream.
func (ci *ConnectedIterator) Results() <-chan Result[*types.ConnectedBlock] {
	return ci.out
}

// Next yields the next connected block in height order.
func (ci *ConnectedIterator) Next() (Result[*types.ConnectedBlock], bool) {
	r, ok := <-ci.out
	return r, ok
}

// Close cancels the run. On-disk overlay state stays consistent: it
// only advances by completed block commits.
func (ci *ConnectedIterator) Close() {
	ci.once.Do(ci.cancel)
}

// Connect resolves one block against the overlay: for each transaction
// in block order, take every non-coinbase input's consumed output, then
// insert the transaction's own outputs. Spends of outputs created by an
// earlier transaction of the same block therefore resolve. Coinbase
// maturity is not checked: a same-block spend of the coinbase output
// resolves like any other.
func Connect(b *types.Block, overlay utxo.Overlay, projection types.Projection, strict bool) (*types.ConnectedBlock, error) {
	cb := &types.ConnectedBlock{
		Height:     b.Height,
		Hash:       b.Hash,
		Header:     b.Header,
		Projection: projection,
		Txs:        make([]*types.ConnectedTx, len(b.Txs)),
	}

	for ti, tx := range b.Txs {
		txid := tx.TxHash()
		ct := &types.ConnectedTx{
			Txid:     txid,
			Version:  tx.Version,
			LockTime: tx.LockTime,
			Inputs:   make([]*types.ConnectedInput, len(tx.TxIn)),
			Outputs:  make([]*types.FOutput, len(tx.TxOut)),
		}

		coinbase := types.IsCoinbaseTx(tx)
		for i, in := range tx.TxIn {
			if coinbase {
				ct.Inputs[i] = types.CoinbaseInput(in.Sequence)
				continue
			}
			ci := &types.ConnectedInput{
				PrevTxid: in.PreviousOutPoint.Hash,
				PrevVout: in.PreviousOutPoint.Index,
				Sequence: in.Sequence,
			}
			entry, err := overlay.Take(in.PreviousOutPoint.Hash, in.PreviousOutPoint.Index)
			if err != nil {
				if !errors.Is(err, utxo.ErrMissing) {
					return nil, err
				}
				if strict {
					return nil, errors.Wrapf(blkfile.ErrDecode,
						"height %d tx %s input %d: %v", b.Height, txid, i, err)
				}
				// Lenient mode: the block is still yielded with this
				// input marked unresolved.
			} else {
				info := analyzer.ClassifyScript(entry.Script)
				ci.Resolved = true
				ci.Value = entry.Value
				ci.ScriptType = info.Type
				ci.Addresses = info.Addresses
				if projection == types.ProjectionFull {
					ci.ScriptPubKey = entry.Script
				}
			}
			ct.Inputs[i] = ci
		}

		entries := make([]utxo.Entry, len(tx.TxOut))
		for i, out := range tx.TxOut {
			entries[i] = utxo.Entry{Script: out.PkScript, Value: out.Value}
			info := analyzer.ClassifyScript(out.PkScript)
			fo := &types.FOutput{
				Value:      out.Value,
				ScriptType: info.Type,
				Addresses:  info.Addresses,
			}
			if projection == types.ProjectionFull {
				fo.ScriptPubKey = out.PkScript
			}
			ct.Outputs[i] = fo
		}
		if err := overlay.Insert(txid, entries); err != nil {
			return nil, err
		}

		cb.Txs[ti] = ct
	}
	return cb, nil
}
