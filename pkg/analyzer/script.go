// Package analyzer classifies script-pubkeys into a type tag plus the
// addresses they pay, without executing anything. Classification is
// purely pattern-based on opcodes; a script that matches no pattern is
// non-standard, never an error.
package analyzer

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptType tags the recognized script-pubkey patterns.
type ScriptType string

const (
	TypeP2PK        ScriptType = "p2pk"
	TypeP2PKH       ScriptType = "p2pkh"
	TypeP2SH        ScriptType = "p2sh"
	TypeP2WPKH      ScriptType = "p2wpkh"
	TypeP2WSH       ScriptType = "p2wsh"
	TypeP2TR        ScriptType = "p2tr"
	TypeMultisig    ScriptType = "multisig"
	TypeOpReturn    ScriptType = "op_return"
	TypeNonStandard ScriptType = "non-standard"
	TypeUnknown     ScriptType = "unknown"
)

// ScriptInfo is the classification result: the type tag and zero or more
// mainnet address strings.
type ScriptInfo struct {
	Type      ScriptType `json:"type"`
	Addresses []string   `json:"addresses"`
}

// net is fixed: address serialization is mainnet only (p2pkh 0x00,
// p2sh 0x05, bech32 hrp "bc").
var net = &chaincfg.MainNetParams

// ClassifyScript maps raw script-pubkey bytes to {type, addresses}.
// First matching rule wins. Address construction failures (e.g. a p2pk
// key that is not a valid curve point) keep the type tag and drop the
// address rather than surfacing an error.
func ClassifyScript(script []byte) ScriptInfo {
	if len(script) == 0 {
		return ScriptInfo{Type: TypeUnknown, Addresses: []string{}}
	}

	// P2PKH: OP_DUP OP_HASH160 <20> OP_EQUALVERIFY OP_CHECKSIG
	if len(script) == 25 &&
		script[0] == 0x76 && script[1] == 0xa9 && script[2] == 0x14 &&
		script[23] == 0x88 && script[24] == 0xac {
		return result(TypeP2PKH, pubKeyHashAddr(script[3:23]))
	}

	// P2SH: OP_HASH160 <20> OP_EQUAL
	if len(script) == 23 &&
		script[0] == 0xa9 && script[1] == 0x14 && script[22] == 0x87 {
		return result(TypeP2SH, scriptHashAddr(script[2:22]))
	}

	// P2PK: <33|65 byte key> OP_CHECKSIG
	if len(script) == 35 && script[0] == 0x21 && script[34] == 0xac {
		return result(TypeP2PK, pubKeyAddr(script[1:34]))
	}
	if len(script) == 67 && script[0] == 0x41 && script[66] == 0xac {
		return result(TypeP2PK, pubKeyAddr(script[1:66]))
	}

	// P2WPKH: OP_0 <20>
	if len(script) == 22 && script[0] == 0x00 && script[1] == 0x14 {
		return result(TypeP2WPKH, witnessV0Addr(script[2:22]))
	}

	// P2WSH: OP_0 <32>
	if len(script) == 34 && script[0] == 0x00 && script[1] == 0x20 {
		return result(TypeP2WSH, witnessV0Addr(script[2:34]))
	}

	// P2TR: OP_1 <32>
	if len(script) == 34 && script[0] == 0x51 && script[1] == 0x20 {
		return result(TypeP2TR, taprootAddr(script[2:34]))
	}

	// Bare multisig: <m> <pk>... <n> OP_CHECKMULTISIG
	if info, ok := classifyMultisig(script); ok {
		return info
	}

	// OP_RETURN data carrier.
	if script[0] == 0x6a {
		return ScriptInfo{Type: TypeOpReturn, Addresses: []string{}}
	}

	return ScriptInfo{Type: TypeNonStandard, Addresses: []string{}}
}

// classifyMultisig matches <m> <pk1>..<pkn> <n> OP_CHECKMULTISIG with
// 1 <= m <= n <= 20 and every key a direct 33- or 65-byte push. m and n
// are OP_1..OP_16 or, for 17-20, a minimal one-byte data push. One
// address is derived per key.
func classifyMultisig(script []byte) (ScriptInfo, bool) {
	if len(script) < 4 || script[len(script)-1] != 0xae {
		return ScriptInfo{}, false
	}

	i := 0
	m, ok := multisigCount(script, &i)
	if !ok {
		return ScriptInfo{}, false
	}

	addrs := []string{}
	keys := 0
	for i < len(script)-1 {
		push := int(script[i])
		if push != 33 && push != 65 {
			break
		}
		if i+1+push > len(script)-1 {
			return ScriptInfo{}, false
		}
		if addr := pubKeyAddr(script[i+1 : i+1+push]); addr != "" {
			addrs = append(addrs, addr)
		}
		i += 1 + push
		keys++
	}

	n, ok := multisigCount(script, &i)
	if !ok || i != len(script)-1 {
		return ScriptInfo{}, false
	}
	if m < 1 || m > n || n != keys || n > 20 {
		return ScriptInfo{}, false
	}
	return ScriptInfo{Type: TypeMultisig, Addresses: addrs}, true
}

// multisigCount decodes the m or n of a bare multisig at script[*i] and
// advances past it: OP_1..OP_16 for 1-16, or the minimal push 0x01 <v>
// for 17-20 (no dedicated opcode exists above 16).
func multisigCount(script []byte, i *int) (int, bool) {
	if *i >= len(script) {
		return 0, false
	}
	op := script[*i]
	if op >= 0x51 && op <= 0x60 {
		*i++
		return int(op) - 0x50, true
	}
	if op == 0x01 && *i+1 < len(script) {
		v := int(script[*i+1])
		if v >= 17 && v <= 20 {
			*i += 2
			return v, true
		}
	}
	return 0, false
}

func result(typ ScriptType, addr string) ScriptInfo {
	if addr == "" {
		return ScriptInfo{Type: typ, Addresses: []string{}}
	}
	return ScriptInfo{Type: typ, Addresses: []string{addr}}
}

func pubKeyHashAddr(hash []byte) string {
	addr, err := btcutil.NewAddressPubKeyHash(hash, net)
	if err != nil {
		return ""
	}
	return addr.EncodeAddress()
}

func scriptHashAddr(hash []byte) string {
	addr, err := btcutil.NewAddressScriptHashFromHash(hash, net)
	if err != nil {
		return ""
	}
	return addr.EncodeAddress()
}

func pubKeyAddr(key []byte) string {
	addr, err := btcutil.NewAddressPubKey(key, net)
	if err != nil {
		return ""
	}
	return addr.EncodeAddress()
}

func witnessV0Addr(program []byte) string {
	var addr btcutil.Address
	var err error
	switch len(program) {
	case 20:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(program, net)
	case 32:
		addr, err = btcutil.NewAddressWitnessScriptHash(program, net)
	default:
		return ""
	}
	if err != nil {
		return ""
	}
	return addr.EncodeAddress()
}

func taprootAddr(key []byte) string {
	addr, err := btcutil.NewAddressTaproot(key, net)
	if err != nil {
		return ""
	}
	return addr.EncodeAddress()
}

// DisassembleScript renders script bytes as one-line ASM. Malformed
// scripts come back as an empty string; callers treat ASM as advisory.
func DisassembleScript(script []byte) string {
	asm, err := txscript.DisasmString(script)
	if err != nil {
		return ""
	}
	return asm
}
