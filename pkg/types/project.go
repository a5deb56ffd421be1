package types

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"block-lens/pkg/analyzer"
)

// FullBlock builds the full projection from a raw block.
func FullBlock(b *Block) *FBlock {
	fb := &FBlock{
		Height: b.Height,
		Hash:   b.Hash,
		Header: b.Header,
		Txs:    make([]*FTx, len(b.Txs)),
	}
	for i, tx := range b.Txs {
		fb.Txs[i] = FullTx(tx, i == 0)
	}
	return fb
}

// FullTx builds a full-projection transaction. coinbase selects the node
// convention of an all-zero wtxid for the coinbase transaction.
func FullTx(tx *wire.MsgTx, coinbase bool) *FTx {
	ftx := &FTx{
		Txid:     tx.TxHash(),
		Version:  tx.Version,
		LockTime: tx.LockTime,
		Inputs:   make([]*FInput, len(tx.TxIn)),
		Outputs:  make([]*FOutput, len(tx.TxOut)),
	}
	if !coinbase {
		ftx.Wtxid = tx.WitnessHash()
	}
	for i, in := range tx.TxIn {
		ftx.Inputs[i] = &FInput{
			PrevTxid:  in.PreviousOutPoint.Hash,
			PrevVout:  in.PreviousOutPoint.Index,
			ScriptSig: in.SignatureScript,
			Sequence:  in.Sequence,
			Witness:   in.Witness,
		}
	}
	for i, out := range tx.TxOut {
		info := analyzer.ClassifyScript(out.PkScript)
		ftx.Outputs[i] = &FOutput{
			Value:        out.Value,
			ScriptPubKey: out.PkScript,
			ScriptType:   info.Type,
			Addresses:    info.Addresses,
		}
	}
	return ftx
}

// SimpleBlock builds the simple projection from a raw block.
func SimpleBlock(b *Block) *SBlock {
	sb := &SBlock{
		Height: b.Height,
		Hash:   b.Hash,
		Header: b.Header,
		Txs:    make([]*STx, len(b.Txs)),
	}
	for i, tx := range b.Txs {
		sb.Txs[i] = SimpleTx(tx)
	}
	return sb
}

// SimpleTx builds a simple-projection transaction: outpoints, values and
// addresses only. Script bytes and witnesses are not retained.
func SimpleTx(tx *wire.MsgTx) *STx {
	stx := &STx{
		Txid:    tx.TxHash(),
		Inputs:  make([]Outpoint, len(tx.TxIn)),
		Outputs: make([]*SOutput, len(tx.TxOut)),
	}
	for i, in := range tx.TxIn {
		stx.Inputs[i] = Outpoint{
			Txid: in.PreviousOutPoint.Hash,
			Vout: in.PreviousOutPoint.Index,
		}
	}
	for i, out := range tx.TxOut {
		info := analyzer.ClassifyScript(out.PkScript)
		stx.Outputs[i] = &SOutput{
			Value:      out.Value,
			ScriptType: info.Type,
			Addresses:  info.Addresses,
		}
	}
	return stx
}

// CoinbaseInput is the sentinel resolution attached to a coinbase input:
// the null outpoint, marked Coinbase, with nothing resolved.
func CoinbaseInput(sequence uint32) *ConnectedInput {
	return &ConnectedInput{
		PrevTxid: chainhash.Hash{},
		PrevVout: wire.MaxPrevOutIndex,
		Sequence: sequence,
		Coinbase: true,
	}
}
