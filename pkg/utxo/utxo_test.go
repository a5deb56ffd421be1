package utxo

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func txidN(n byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = n
	return h
}

// Both overlay modes must behave identically; run the same script of
// operations against each.
func overlays(t *testing.T) map[string]Overlay {
	t.Helper()
	po, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	return map[string]Overlay{
		"mem":    NewMem(),
		"pebble": po,
	}
}

func TestOverlayInsertTake(t *testing.T) {
	for name, o := range overlays(t) {
		t.Run(name, func(t *testing.T) {
			defer o.Close()

			outs := []Entry{
				{Script: []byte{0x51}, Value: 1000},
				{Script: []byte{0x52}, Value: 2000},
			}
			require.NoError(t, o.Insert(txidN(1), outs))

			e, err := o.Take(txidN(1), 1)
			require.NoError(t, err)
			assert.Equal(t, int64(2000), e.Value)
			assert.Equal(t, []byte{0x52}, e.Script)

			// A taken entry is gone.
			_, err = o.Take(txidN(1), 1)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissing))

			// The sibling output is still live.
			e, err = o.Take(txidN(1), 0)
			require.NoError(t, err)
			assert.Equal(t, int64(1000), e.Value)

			// Unknown outpoint.
			_, err = o.Take(txidN(9), 0)
			assert.True(t, errors.Is(err, ErrMissing))
		})
	}
}

func TestOverlayIntraBlockSpend(t *testing.T) {
	// An output created earlier in the same (uncommitted) block must be
	// takeable before Commit.
	for name, o := range overlays(t) {
		t.Run(name, func(t *testing.T) {
			defer o.Close()

			require.NoError(t, o.Insert(txidN(2), []Entry{{Script: []byte{0xac}, Value: 500}}))
			e, err := o.Take(txidN(2), 0)
			require.NoError(t, err)
			assert.Equal(t, int64(500), e.Value)
			require.NoError(t, o.Commit(0))

			_, err = o.Take(txidN(2), 0)
			assert.True(t, errors.Is(err, ErrMissing))
		})
	}
}

func TestOverlaySurvivesCommit(t *testing.T) {
	for name, o := range overlays(t) {
		t.Run(name, func(t *testing.T) {
			defer o.Close()

			require.NoError(t, o.Insert(txidN(3), []Entry{{Script: []byte{0x00, 0x14}, Value: 7}}))
			require.NoError(t, o.Commit(0))

			e, err := o.Take(txidN(3), 0)
			require.NoError(t, err)
			assert.Equal(t, int64(7), e.Value)
		})
	}
}

func TestPebbleMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()

	o, err := OpenPebble(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), o.LastHeight())

	require.NoError(t, o.Insert(txidN(4), []Entry{{Script: []byte{0x51}, Value: 1}}))
	require.NoError(t, o.Commit(0))
	require.NoError(t, o.Commit(1))
	require.NoError(t, o.Close())

	// Clean close leaves marker and store agreeing; state survives.
	data, err := os.ReadFile(filepath.Join(dir, "last_height"))
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(data))

	o, err = OpenPebble(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(1), o.LastHeight())

	e, err := o.Take(txidN(4), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Value)
	require.NoError(t, o.Close())
}

func TestPebbleMarkerMismatchClears(t *testing.T) {
	dir := t.TempDir()

	o, err := OpenPebble(dir)
	require.NoError(t, err)
	require.NoError(t, o.Insert(txidN(5), []Entry{{Script: []byte{0x51}, Value: 1}}))
	require.NoError(t, o.Commit(0))
	require.NoError(t, o.Close())

	// Tamper with the marker: the overlay must clear itself.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "last_height"), []byte("42\n"), 0644))

	o, err = OpenPebble(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), o.LastHeight())
	_, err = o.Take(txidN(5), 0)
	assert.True(t, errors.Is(err, ErrMissing))
	require.NoError(t, o.Close())
}

func TestPebbleReset(t *testing.T) {
	o, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Insert(txidN(6), []Entry{{Script: []byte{0x51}, Value: 1}}))
	require.NoError(t, o.Commit(0))
	require.NoError(t, o.Reset())

	assert.Equal(t, int64(-1), o.LastHeight())
	_, err = o.Take(txidN(6), 0)
	assert.True(t, errors.Is(err, ErrMissing))
}

func TestKeyOrdering(t *testing.T) {
	// Outputs of one transaction must sort adjacently: vout is
	// big-endian.
	k0 := NewKey(txidN(7), 0)
	k1 := NewKey(txidN(7), 1)
	k256 := NewKey(txidN(7), 256)
	assert.Equal(t, -1, bytes.Compare(k0[:], k1[:]))
	assert.Equal(t, -1, bytes.Compare(k1[:], k256[:]))
}
