package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/joho/godotenv"
	"github.com/tokenized/logger"

	"block-lens/pkg/lens"
	"block-lens/pkg/types"
)

const usage = `Usage: cli <command> [args]

Commands:
  info                       block count and tip
  header <height>            header at height
  block <height> [full|simple]
  tx <txid>                  transaction by txid (needs TXINDEX=1)
  txheight <txid>            height of the block containing txid
  range <lo> <hi>            simple blocks, one JSON object per line
  connected <hi>             connected simple blocks from genesis
  undo <height>              spent outputs recorded for a block
  script <hex>               classify a script-pubkey

Environment:
  DATADIR    node data directory (required)
  TXINDEX    1 to open indexes/txindex
  WORKERS    iterator worker count
  STRICT     1 to fail connected iteration on a missing UTXO
  UTXO_MODE  mem (default) or disk
  UTXO_DIR   on-disk overlay directory`

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func main() {
	godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	ctx := logger.ContextWithLogConfig(context.Background(), logger.NewConfig(true, true, ""))

	cmd := os.Args[1]
	args := os.Args[2:]

	// script needs no data directory.
	if cmd == "script" {
		if len(args) != 1 {
			printError("INVALID_ARGS", "script requires one hex argument")
			os.Exit(1)
		}
		handleScript(args[0])
		return
	}

	db, err := openFromEnv(ctx)
	if err != nil {
		printError("OPEN_FAILED", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	switch cmd {
	case "info":
		handleInfo(db)
	case "header":
		handleHeader(db, args)
	case "block":
		handleBlock(db, args)
	case "tx":
		handleTx(db, args)
	case "txheight":
		handleTxHeight(db, args)
	case "range":
		handleRange(ctx, db, args)
	case "connected":
		handleConnected(ctx, db, args)
	case "undo":
		handleUndo(db, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

func openFromEnv(ctx context.Context) (*lens.BlockDB, error) {
	datadir := os.Getenv("DATADIR")
	if datadir == "" {
		return nil, fmt.Errorf("DATADIR not set")
	}
	workers, _ := strconv.Atoi(os.Getenv("WORKERS"))
	opts := lens.Options{
		TxIndex:    os.Getenv("TXINDEX") == "1",
		Workers:    workers,
		Strict:     os.Getenv("STRICT") == "1",
		OverlayDir: os.Getenv("UTXO_DIR"),
	}
	if os.Getenv("UTXO_MODE") == "disk" {
		opts.OverlayMode = lens.OverlayDisk
	}
	return lens.Open(ctx, datadir, opts)
}

func handleInfo(db *lens.BlockDB) {
	count := db.BlockCount()
	tip, err := db.HashOf(count - 1)
	if err != nil {
		fail("QUERY_FAILED", err)
	}
	printJSON(map[string]interface{}{
		"block_count": count,
		"tip_height":  count - 1,
		"tip_hash":    tip.String(),
	})
}

func handleHeader(db *lens.BlockDB, args []string) {
	height := parseHeight(args, 0)
	hdr, err := db.Header(height)
	if err != nil {
		fail("QUERY_FAILED", err)
	}
	hash, _ := db.HashOf(height)
	printJSON(types.NewHeaderJSON(height, hash, hdr))
}

func handleBlock(db *lens.BlockDB, args []string) {
	height := parseHeight(args, 0)
	projection := "simple"
	if len(args) > 1 {
		projection = args[1]
	}

	switch projection {
	case "full":
		fb, err := db.BlockFull(height)
		if err != nil {
			fail("QUERY_FAILED", err)
		}
		printJSON(fb.JSON())
	case "simple":
		sb, err := db.BlockSimple(height)
		if err != nil {
			fail("QUERY_FAILED", err)
		}
		printJSON(sb.JSON())
	default:
		printError("INVALID_ARGS", "projection must be full or simple")
		os.Exit(1)
	}
}

func handleTx(db *lens.BlockDB, args []string) {
	txid := parseTxid(args)
	ftx, err := db.TransactionFull(txid)
	if err != nil {
		fail("QUERY_FAILED", err)
	}
	printJSON(ftx.JSON())
}

func handleTxHeight(db *lens.BlockDB, args []string) {
	txid := parseTxid(args)
	height, err := db.HeightOfTxid(txid)
	if err != nil {
		fail("QUERY_FAILED", err)
	}
	printJSON(map[string]interface{}{"txid": txid.String(), "height": height})
}

func handleRange(ctx context.Context, db *lens.BlockDB, args []string) {
	if len(args) != 2 {
		printError("INVALID_ARGS", "range requires <lo> <hi>")
		os.Exit(1)
	}
	lo := parseHeight(args, 0)
	hi := parseHeight(args, 1)

	it, err := db.IterBlocksSimple(ctx, lo, hi)
	if err != nil {
		fail("QUERY_FAILED", err)
	}
	defer it.Close()

	enc := json.NewEncoder(os.Stdout)
	for res := range it.Results() {
		if res.Err != nil {
			printError("DECODE_FAILED", fmt.Sprintf("height %d: %v", res.Height, res.Err))
			continue
		}
		enc.Encode(res.Value.JSON())
	}
}

func handleConnected(ctx context.Context, db *lens.BlockDB, args []string) {
	hi := parseHeight(args, 0)
	ci, err := db.IterConnected(ctx, hi, types.ProjectionSimple)
	if err != nil {
		fail("QUERY_FAILED", err)
	}
	defer ci.Close()

	enc := json.NewEncoder(os.Stdout)
	for res := range ci.Results() {
		if res.Err != nil {
			printError("DECODE_FAILED", fmt.Sprintf("height %d: %v", res.Height, res.Err))
			continue
		}
		enc.Encode(res.Value.JSON())
	}
}

func handleUndo(db *lens.BlockDB, args []string) {
	height := parseHeight(args, 0)
	undo, err := db.UndoAt(height)
	if err != nil {
		fail("QUERY_FAILED", err)
	}

	type spentJSON struct {
		Height          uint64 `json:"height"`
		Coinbase        bool   `json:"coinbase"`
		ValueSats       int64  `json:"value_sats"`
		ScriptPubkeyHex string `json:"script_pubkey_hex"`
	}
	out := make([][]spentJSON, len(undo))
	for i, txu := range undo {
		out[i] = make([]spentJSON, len(txu))
		for j, s := range txu {
			out[i][j] = spentJSON{
				Height:          s.Height,
				Coinbase:        s.Coinbase,
				ValueSats:       s.Value,
				ScriptPubkeyHex: hex.EncodeToString(s.ScriptPubKey),
			}
		}
	}
	printJSON(map[string]interface{}{"height": height, "spent": out})
}

func handleScript(arg string) {
	script, err := hex.DecodeString(arg)
	if err != nil {
		printError("INVALID_ARGS", "script argument is not hex")
		os.Exit(1)
	}
	printJSON(lens.ParseScript(script))
}

func parseHeight(args []string, i int) uint64 {
	if len(args) <= i {
		printError("INVALID_ARGS", "missing height argument")
		os.Exit(1)
	}
	h, err := strconv.ParseUint(args[i], 10, 64)
	if err != nil {
		printError("INVALID_ARGS", fmt.Sprintf("bad height %q", args[i]))
		os.Exit(1)
	}
	return h
}

func parseTxid(args []string) chainhash.Hash {
	if len(args) != 1 {
		printError("INVALID_ARGS", "expected one txid argument")
		os.Exit(1)
	}
	h, err := chainhash.NewHashFromStr(args[0])
	if err != nil {
		printError("INVALID_ARGS", fmt.Sprintf("bad txid %q", args[0]))
		os.Exit(1)
	}
	return *h
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail("IO_ERROR", err)
	}
	fmt.Println(string(out))
}

func fail(code string, err error) {
	printError(code, err.Error())
	os.Exit(1)
}

func printError(code, message string) {
	out, _ := json.Marshal(struct {
		OK    bool      `json:"ok"`
		Error errorInfo `json:"error"`
	}{Error: errorInfo{Code: code, Message: message}})
	fmt.Println(string(out))
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}
