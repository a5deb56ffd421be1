// Package types defines the block, transaction and undo shapes the
// database yields. A decoded block comes in three projections selected
// by the caller: Block keeps the raw wire structures, FBlock retains
// script bytes, witnesses and derived addresses, SBlock drops scripts
// and witnesses and keeps only values and addresses. Connected variants
// additionally join every input to the output it spends.
package types

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"block-lens/pkg/analyzer"
)

// Projection selects which decoded fields a block materializes.
type Projection int

const (
	ProjectionRaw Projection = iota
	ProjectionFull
	ProjectionSimple
)

func (p Projection) String() string {
	switch p {
	case ProjectionRaw:
		return "raw"
	case ProjectionFull:
		return "full"
	case ProjectionSimple:
		return "simple"
	}
	return "invalid"
}

// Block is the raw projection: the wire structures as decoded from disk.
type Block struct {
	Height uint64
	Hash   chainhash.Hash
	Header wire.BlockHeader
	Txs    []*wire.MsgTx
}

// FBlock is the full projection.
type FBlock struct {
	Height uint64
	Hash   chainhash.Hash
	Header wire.BlockHeader
	Txs    []*FTx
}

// FTx retains everything decoded from a transaction plus derived ids and
// per-script classification.
type FTx struct {
	Txid     chainhash.Hash
	Wtxid    chainhash.Hash
	Version  int32
	LockTime uint32
	Inputs   []*FInput
	Outputs  []*FOutput
}

// FInput is a full-projection input.
type FInput struct {
	PrevTxid  chainhash.Hash
	PrevVout  uint32
	ScriptSig []byte
	Sequence  uint32
	Witness   [][]byte
}

// FOutput is a full-projection output with its classified script.
type FOutput struct {
	Value        int64
	ScriptPubKey []byte
	ScriptType   analyzer.ScriptType
	Addresses    []string
}

// SBlock is the simple projection: no scripts, no witnesses. This is the
// projection that keeps memory bounded during full-chain iteration.
type SBlock struct {
	Height uint64
	Hash   chainhash.Hash
	Header wire.BlockHeader
	Txs    []*STx
}

// STx is a simple-projection transaction.
type STx struct {
	Txid    chainhash.Hash
	Inputs  []Outpoint
	Outputs []*SOutput
}

// Outpoint names the output an input spends.
type Outpoint struct {
	Txid chainhash.Hash
	Vout uint32
}

// SOutput keeps only the value, the script type and the derived addresses.
type SOutput struct {
	Value      int64
	ScriptType analyzer.ScriptType
	Addresses  []string
}

// ConnectedBlock is a block whose inputs have been resolved against the
// UTXO set. The projection flag records how much of each resolved script
// was retained: with ProjectionSimple the ScriptPubKey fields are nil.
type ConnectedBlock struct {
	Height     uint64
	Hash       chainhash.Hash
	Header     wire.BlockHeader
	Projection Projection
	Txs        []*ConnectedTx
}

// ConnectedTx pairs a transaction with its resolved inputs.
type ConnectedTx struct {
	Txid     chainhash.Hash
	Version  int32
	LockTime uint32
	Inputs   []*ConnectedInput
	Outputs  []*FOutput
}

// ConnectedInput carries the value, script and addresses of the output
// it consumes. The coinbase input is marked with Coinbase and carries no
// resolution; apart from it, Resolved is false only for a missing UTXO in
// lenient mode.
type ConnectedInput struct {
	PrevTxid     chainhash.Hash
	PrevVout     uint32
	Sequence     uint32
	Coinbase     bool
	Resolved     bool
	Value        int64
	ScriptPubKey []byte
	ScriptType   analyzer.ScriptType
	Addresses    []string
}

// SpentOutput is one undo entry: the output consumed by an input, plus
// the height and coinbase flag of the transaction that produced it.
type SpentOutput struct {
	Height       uint64
	Coinbase     bool
	Value        int64
	ScriptPubKey []byte
}

// TxUndo lists the spent outputs of one non-coinbase transaction in
// input order.
type TxUndo []SpentOutput

// BlockUndo lists the TxUndo of every non-coinbase transaction in block
// order.
type BlockUndo []TxUndo

// IsCoinbaseTx reports whether tx is a coinbase: a single input spending
// the null outpoint.
func IsCoinbaseTx(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prev := &tx.TxIn[0].PreviousOutPoint
	return prev.Index == wire.MaxPrevOutIndex && prev.Hash == (chainhash.Hash{})
}
