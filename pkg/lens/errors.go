package lens

import (
	"github.com/pkg/errors"

	"block-lens/pkg/blkfile"
	"block-lens/pkg/index"
	"block-lens/pkg/iter"
	"block-lens/pkg/utxo"
)

// The error kinds a caller can test with errors.Is. Kinds raised by the
// lower layers are re-exported here so callers only import this
// package.
var (
	// ErrPathInvalid: the data directory is missing or malformed.
	ErrPathInvalid = errors.New("data directory invalid")
	// ErrNotFound: unknown txid, out-of-range height or unknown hash.
	ErrNotFound = errors.New("not found")
	// ErrNoTxIndex: a txid query on a handle opened without the
	// transaction index.
	ErrNoTxIndex = errors.New("transaction index not enabled")
	// ErrConcurrentOverlay: a second connected iterator was requested
	// while one is live.
	ErrConcurrentOverlay = errors.New("connected iterator already live")

	// ErrIndexUnreadable: a node index store cannot be opened or read.
	ErrIndexUnreadable = index.ErrUnreadable
	// ErrIndexIncomplete: the best chain is not contiguous from zero.
	ErrIndexIncomplete = index.ErrIncomplete
	// ErrDecode: malformed block, transaction or undo data.
	ErrDecode = blkfile.ErrDecode
	// ErrMissingUTXO: connected iteration found no entry for an input.
	ErrMissingUTXO = utxo.ErrMissing
	// ErrCancelled: an iterator was stopped before its range completed.
	ErrCancelled = iter.ErrCancelled
)
