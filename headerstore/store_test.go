package headerstore

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/spvd/headerchain"
	"github.com/lightningnetwork/spvd/internal/chaintest"
	"github.com/stretchr/testify/require"
)

// makeHeaders builds a linked run of n headers on top of the regtest genesis
// block. Proof of work is irrelevant to the store.
func makeHeaders(n int, tag uint32) []headerchain.StoredHeader {
	genesis := chaincfg.RegressionNetParams.GenesisBlock.Header
	headers := []headerchain.StoredHeader{{Height: 0, Header: genesis}}

	prev := genesis
	for i := 1; i <= n; i++ {
		header := wire.BlockHeader{
			Version:   4,
			PrevBlock: prev.BlockHash(),
			Timestamp: prev.Timestamp.Add(time.Minute),
			Bits:      prev.Bits,
			Nonce:     tag,
		}
		headers = append(headers, headerchain.StoredHeader{
			Height: int32(i),
			Header: header,
		})
		prev = header
	}

	return headers
}

// newTestStore opens a store in a temporary directory.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dir := t.TempDir()
	store, err := Open(&Config{DBPath: dir})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store, dir
}

// TestPersistAndLoad asserts headers survive a reopen in order.
func TestPersistAndLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := Open(&Config{DBPath: dir})
	require.NoError(t, err)

	_, _, err = store.Tip()
	require.ErrorIs(t, err, ErrNoTip)

	headers := makeHeaders(20, 1)
	require.NoError(t, store.PersistHeaders(-1, headers))
	require.NoError(t, store.Close())

	store, err = Open(&Config{DBPath: dir})
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, headers, loaded)

	height, hash, err := store.Tip()
	require.NoError(t, err)
	require.Equal(t, int32(20), height)
	require.Equal(t, headers[20].Header.BlockHash(), hash)

	for _, sh := range []int{1, 7, 19} {
		header, err := store.HeaderByHeight(int32(sh))
		require.NoError(t, err)
		require.Equal(t, headers[sh].Header, *header)
	}

	_, err = store.HeaderByHeight(21)
	require.ErrorIs(t, err, headerchain.ErrUnknownHeight)
}

// TestPersistReplacesBranch asserts that persisting above an ancestor drops
// the old branch, including headers above the new tip.
func TestPersistReplacesBranch(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	main := makeHeaders(30, 1)
	require.NoError(t, store.PersistHeaders(-1, main))

	// A shorter replacement of everything above 20.
	fork := makeHeaders(25, 2)[21:]
	fork[0].Header.PrevBlock = main[20].Header.BlockHash()
	require.NoError(t, store.PersistHeaders(20, fork))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 26)
	require.Equal(t, main[:21], loaded[:21])
	require.Equal(t, fork, loaded[21:])

	height, hash, err := store.Tip()
	require.NoError(t, err)
	require.Equal(t, int32(25), height)
	require.Equal(t, fork[4].Header.BlockHash(), hash)

	// Truncation alone moves the tip back.
	require.NoError(t, store.PersistHeaders(10, nil))
	height, hash, err = store.Tip()
	require.NoError(t, err)
	require.Equal(t, int32(10), height)
	require.Equal(t, main[10].Header.BlockHash(), hash)

	// Truncating everything clears the tip.
	require.NoError(t, store.PersistHeaders(-1, nil))
	_, _, err = store.Tip()
	require.ErrorIs(t, err, ErrNoTip)

	loaded, err = store.Load()
	require.NoError(t, err)
	require.Empty(t, loaded)
}

// TestPersistRejectsHeadersBelowAncestor asserts that a write below the
// ancestor is refused without partial effects.
func TestPersistRejectsHeadersBelowAncestor(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	main := makeHeaders(10, 1)
	require.NoError(t, store.PersistHeaders(-1, main))

	err := store.PersistHeaders(8, main[5:])
	require.Error(t, err)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, main, loaded)
}

// TestStoreFeedsBootstrap asserts that a chain can be bootstrapped from the
// persisted headers.
func TestStoreFeedsBootstrap(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	chain, err := headerchain.Bootstrap(
		&headerchain.Config{
			ChainParams: &chaincfg.RegressionNetParams,
		}, nil, nil,
	)
	require.NoError(t, err)

	stored := chain.StoredHeaders(0, chain.Height())
	require.NoError(t, store.PersistHeaders(-1, stored))

	loaded, err := store.Load()
	require.NoError(t, err)

	restored, err := headerchain.Bootstrap(
		&headerchain.Config{
			ChainParams: &chaincfg.RegressionNetParams,
		}, nil, loaded,
	)
	require.NoError(t, err)
	require.Equal(t, chain.TipHash(), restored.TipHash())
}

// TestRestartResumesAtPersistedTip asserts that a chain anchored at a
// checkpoint above genesis comes back at its persisted tip after a restart.
func TestRestartResumesAtPersistedTip(t *testing.T) {
	t.Parallel()

	params := chaintest.ShortRetargetParams()
	headers := chaintest.MineFromGenesis(params, 40, 1)
	checkpoints := append(
		headerchain.CheckpointsFromParams(params),
		headerchain.Checkpoint{
			Height: 20,
			Hash:   headers[20].BlockHash(),
		},
	)
	cfg := &headerchain.Config{ChainParams: params}

	mined := make([]headerchain.StoredHeader, len(headers))
	for i := range headers {
		mined[i] = headerchain.StoredHeader{
			Height: int32(i),
			Header: headers[i],
		}
	}

	chain, err := headerchain.Bootstrap(cfg, checkpoints, mined)
	require.NoError(t, err)
	require.Equal(t, int32(40), chain.Height())

	prefixStart, anchor, _ := chain.PrefixRange()
	require.Positive(t, prefixStart)
	require.Less(t, anchor, chain.Height())

	dir := t.TempDir()
	store, err := Open(&Config{DBPath: dir})
	require.NoError(t, err)
	require.NoError(t, store.PersistHeaders(
		-1, chain.StoredHeaders(prefixStart, chain.Height()),
	))
	require.NoError(t, store.Close())

	store, err = Open(&Config{DBPath: dir})
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, int(chain.Height()-prefixStart+1))

	persisted, _, err := store.Tip()
	require.NoError(t, err)

	restored, err := headerchain.Bootstrap(cfg, checkpoints, loaded)
	require.NoError(t, err)
	require.True(t, restored.Anchored())
	require.Equal(t, persisted, restored.Height())
	require.Equal(t, headers[40].BlockHash(), restored.TipHash())
}
