package types

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"block-lens/pkg/analyzer"
)

// JSON views for the cli and web surfaces: hashes in display hex,
// snake_case field names.

// HeaderJSON is the serialized header with derived hash and height.
type HeaderJSON struct {
	Height        uint64 `json:"height"`
	Hash          string `json:"hash"`
	Version       int32  `json:"version"`
	PrevBlockHash string `json:"prev_block_hash"`
	MerkleRoot    string `json:"merkle_root"`
	Timestamp     uint32 `json:"timestamp"`
	Bits          uint32 `json:"bits"`
	Nonce         uint32 `json:"nonce"`
}

// NewHeaderJSON builds the header view shared by all block views.
func NewHeaderJSON(height uint64, hash chainhash.Hash, hdr wire.BlockHeader) HeaderJSON {
	return HeaderJSON{
		Height:        height,
		Hash:          hash.String(),
		Version:       hdr.Version,
		PrevBlockHash: hdr.PrevBlock.String(),
		MerkleRoot:    hdr.MerkleRoot.String(),
		Timestamp:     uint32(hdr.Timestamp.Unix()),
		Bits:          hdr.Bits,
		Nonce:         hdr.Nonce,
	}
}

// RelativeTimelockJSON is the decoded BIP68 field of an input sequence.
type RelativeTimelockJSON struct {
	Enabled bool   `json:"enabled"`
	Type    string `json:"type,omitempty"`
	Value   uint32 `json:"value,omitempty"`
}

// FInputJSON is a full-projection input.
type FInputJSON struct {
	Txid             string               `json:"txid"`
	Vout             uint32               `json:"vout"`
	Sequence         uint32               `json:"sequence"`
	ScriptSigHex     string               `json:"script_sig_hex"`
	ScriptAsm        string               `json:"script_asm"`
	Witness          []string             `json:"witness"`
	RelativeTimelock RelativeTimelockJSON `json:"relative_timelock"`
}

// FOutputJSON is a full-projection output.
type FOutputJSON struct {
	N               int                 `json:"n"`
	ValueSats       int64               `json:"value_sats"`
	ScriptPubkeyHex string              `json:"script_pubkey_hex"`
	ScriptAsm       string              `json:"script_asm"`
	ScriptType      analyzer.ScriptType `json:"script_type"`
	Addresses       []string            `json:"addresses"`
}

// FTxJSON is a full-projection transaction.
type FTxJSON struct {
	Txid     string        `json:"txid"`
	Wtxid    string        `json:"wtxid,omitempty"`
	Version  int32         `json:"version"`
	Locktime uint32        `json:"locktime"`
	Vin      []FInputJSON  `json:"vin"`
	Vout     []FOutputJSON `json:"vout"`
}

// FBlockJSON is the full-projection block view.
type FBlockJSON struct {
	HeaderJSON
	TxCount int       `json:"tx_count"`
	Txs     []FTxJSON `json:"txs"`
}

// JSON renders the full projection.
func (b *FBlock) JSON() FBlockJSON {
	out := FBlockJSON{
		HeaderJSON: NewHeaderJSON(b.Height, b.Hash, b.Header),
		TxCount:    len(b.Txs),
		Txs:        make([]FTxJSON, len(b.Txs)),
	}
	for i, tx := range b.Txs {
		out.Txs[i] = tx.JSON()
	}
	return out
}

// JSON renders one full-projection transaction.
func (tx *FTx) JSON() FTxJSON {
	view := FTxJSON{
		Txid:     tx.Txid.String(),
		Version:  tx.Version,
		Locktime: tx.LockTime,
		Vin:      make([]FInputJSON, len(tx.Inputs)),
		Vout:     make([]FOutputJSON, len(tx.Outputs)),
	}
	if tx.Wtxid != (chainhash.Hash{}) {
		view.Wtxid = tx.Wtxid.String()
	}
	for i, in := range tx.Inputs {
		witness := make([]string, 0, len(in.Witness))
		for _, item := range in.Witness {
			witness = append(witness, hex.EncodeToString(item))
		}
		enabled, tlType, tlValue := analyzer.RelativeTimelock(in.Sequence)
		view.Vin[i] = FInputJSON{
			Txid:         in.PrevTxid.String(),
			Vout:         in.PrevVout,
			Sequence:     in.Sequence,
			ScriptSigHex: hex.EncodeToString(in.ScriptSig),
			ScriptAsm:    analyzer.DisassembleScript(in.ScriptSig),
			Witness:      witness,
			RelativeTimelock: RelativeTimelockJSON{
				Enabled: enabled,
				Type:    tlType,
				Value:   tlValue,
			},
		}
	}
	for i, out := range tx.Outputs {
		view.Vout[i] = FOutputJSON{
			N:               i,
			ValueSats:       out.Value,
			ScriptPubkeyHex: hex.EncodeToString(out.ScriptPubKey),
			ScriptAsm:       analyzer.DisassembleScript(out.ScriptPubKey),
			ScriptType:      out.ScriptType,
			Addresses:       out.Addresses,
		}
	}
	return view
}

// SOutputJSON is a simple-projection output.
type SOutputJSON struct {
	N          int                 `json:"n"`
	ValueSats  int64               `json:"value_sats"`
	ScriptType analyzer.ScriptType `json:"script_type"`
	Addresses  []string            `json:"addresses"`
}

// STxJSON is a simple-projection transaction.
type STxJSON struct {
	Txid string `json:"txid"`
	Vin  []struct {
		Txid string `json:"txid"`
		Vout uint32 `json:"vout"`
	} `json:"vin"`
	Vout []SOutputJSON `json:"vout"`
}

// SBlockJSON is the simple-projection block view.
type SBlockJSON struct {
	HeaderJSON
	TxCount int       `json:"tx_count"`
	Txs     []STxJSON `json:"txs"`
}

// JSON renders the simple projection.
func (b *SBlock) JSON() SBlockJSON {
	out := SBlockJSON{
		HeaderJSON: NewHeaderJSON(b.Height, b.Hash, b.Header),
		TxCount:    len(b.Txs),
		Txs:        make([]STxJSON, len(b.Txs)),
	}
	for i, tx := range b.Txs {
		view := STxJSON{
			Txid: tx.Txid.String(),
			Vout: make([]SOutputJSON, len(tx.Outputs)),
		}
		for _, in := range tx.Inputs {
			view.Vin = append(view.Vin, struct {
				Txid string `json:"txid"`
				Vout uint32 `json:"vout"`
			}{Txid: in.Txid.String(), Vout: in.Vout})
		}
		for j, o := range tx.Outputs {
			view.Vout[j] = SOutputJSON{
				N:          j,
				ValueSats:  o.Value,
				ScriptType: o.ScriptType,
				Addresses:  o.Addresses,
			}
		}
		out.Txs[i] = view
	}
	return out
}

// ConnectedInputJSON is a resolved input.
type ConnectedInputJSON struct {
	Txid            string              `json:"txid"`
	Vout            uint32              `json:"vout"`
	Coinbase        bool                `json:"coinbase"`
	Resolved        bool                `json:"resolved"`
	ValueSats       int64               `json:"value_sats"`
	ScriptPubkeyHex string              `json:"script_pubkey_hex,omitempty"`
	ScriptType      analyzer.ScriptType `json:"script_type,omitempty"`
	Addresses       []string            `json:"addresses"`
}

// ConnectedTxJSON pairs resolved inputs with classified outputs.
type ConnectedTxJSON struct {
	Txid string               `json:"txid"`
	Vin  []ConnectedInputJSON `json:"vin"`
	Vout []FOutputJSON        `json:"vout"`
}

// ConnectedBlockJSON is the connected block view.
type ConnectedBlockJSON struct {
	HeaderJSON
	Projection string            `json:"projection"`
	TxCount    int               `json:"tx_count"`
	Txs        []ConnectedTxJSON `json:"txs"`
}

// JSON renders a connected block.
func (b *ConnectedBlock) JSON() ConnectedBlockJSON {
	out := ConnectedBlockJSON{
		HeaderJSON: NewHeaderJSON(b.Height, b.Hash, b.Header),
		Projection: b.Projection.String(),
		TxCount:    len(b.Txs),
		Txs:        make([]ConnectedTxJSON, len(b.Txs)),
	}
	for i, tx := range b.Txs {
		view := ConnectedTxJSON{
			Txid: tx.Txid.String(),
			Vin:  make([]ConnectedInputJSON, len(tx.Inputs)),
			Vout: make([]FOutputJSON, len(tx.Outputs)),
		}
		for j, in := range tx.Inputs {
			view.Vin[j] = ConnectedInputJSON{
				Txid:            in.PrevTxid.String(),
				Vout:            in.PrevVout,
				Coinbase:        in.Coinbase,
				Resolved:        in.Resolved,
				ValueSats:       in.Value,
				ScriptPubkeyHex: hex.EncodeToString(in.ScriptPubKey),
				ScriptType:      in.ScriptType,
				Addresses:       in.Addresses,
			}
		}
		for j, o := range tx.Outputs {
			view.Vout[j] = FOutputJSON{
				N:               j,
				ValueSats:       o.Value,
				ScriptPubkeyHex: hex.EncodeToString(o.ScriptPubKey),
				ScriptType:      o.ScriptType,
				Addresses:       o.Addresses,
			}
		}
		out.Txs[i] = view
	}
	return out
}
