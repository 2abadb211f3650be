package headerchain

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// newRegtestChain bootstraps a regtest chain without checkpoints and extends
// it with headers[1:].
func newRegtestChain(t *testing.T,
	headers []wire.BlockHeader) *Chain {

	t.Helper()

	chain, err := Bootstrap(
		&Config{ChainParams: &chaincfg.RegressionNetParams}, nil, nil,
	)
	require.NoError(t, err)

	if len(headers) > 1 {
		_, err = chain.ExtendMany(headers[1:])
		require.NoError(t, err)
	}

	return chain
}

// TestBootstrapGenesis asserts that a network without checkpoints starts at
// the genesis block with the prefix already connected.
func TestBootstrapGenesis(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	chain, err := Bootstrap(&Config{ChainParams: params}, nil, nil)
	require.NoError(t, err)

	require.True(t, chain.Anchored())
	height, hash := chain.Tip()
	require.Equal(t, int32(0), height)
	require.Equal(t, *params.GenesisHash, hash)

	start, end, needed := chain.PrefixRange()
	require.Equal(t, int32(0), start)
	require.Equal(t, int32(0), end)
	require.False(t, needed)
}

// TestPrefixRange asserts that the prefix reaches back to the start of the
// retarget period and far enough for the median time of the first verified
// header.
func TestPrefixRange(t *testing.T) {
	t.Parallel()

	params := shortRetargetParams()
	headers := mineFromGenesis(params, 40, 1)

	testCases := []struct {
		anchor int32
		start  int32
	}{
		// The next header retargets and needs the whole previous
		// period plus one more header for its median time.
		{anchor: 29, start: 19},

		// Mid period, the median time window reaches further back
		// than the period start.
		{anchor: 25, start: 15},
		{anchor: 38, start: 28},

		// Low anchors clamp at genesis.
		{anchor: 4, start: 0},
	}

	for _, tc := range testCases {
		cps := []Checkpoint{checkpointAt(headers, tc.anchor)}
		chain, err := Bootstrap(&Config{ChainParams: params}, cps, nil)
		require.NoError(t, err)

		start, end, needed := chain.PrefixRange()
		require.Equal(t, tc.start, start, "anchor %d", tc.anchor)
		require.Equal(t, tc.anchor, end)
		require.True(t, needed)
	}
}

// TestUnanchoredChain asserts the behaviour of a chain whose prefix has not
// been backfilled yet, and that connecting the prefix enables extension.
func TestUnanchoredChain(t *testing.T) {
	t.Parallel()

	params := shortRetargetParams()
	headers := mineFromGenesis(params, 30, 1)
	anchor := checkpointAt(headers, 25)

	chain, err := Bootstrap(
		&Config{ChainParams: params}, []Checkpoint{anchor}, nil,
	)
	require.NoError(t, err)

	require.False(t, chain.Anchored())
	require.Equal(t, anchor.Height, chain.Height())
	require.Equal(t, anchor.Hash, chain.TipHash())
	require.Equal(t, anchor, chain.Anchor())

	_, err = chain.Extend(&headers[26])
	require.ErrorIs(t, err, ErrNotAnchored)

	hash, err := chain.HashAtHeight(25)
	require.NoError(t, err)
	require.Equal(t, anchor.Hash, hash)

	start, end, _ := chain.PrefixRange()
	require.NoError(t, chain.ConnectPrefix(headers[start:end+1]))
	require.True(t, chain.Anchored())

	height, err := chain.Extend(&headers[26])
	require.NoError(t, err)
	require.Equal(t, int32(26), height)

	_, err = chain.HeaderByHeight(start - 1)
	require.ErrorIs(t, err, ErrUnknownHeight)

	header, err := chain.HeaderByHeight(start)
	require.NoError(t, err)
	require.Equal(t, headers[start], *header)
}

// TestConnectPrefixRejects asserts that a prefix is only installed if it
// covers the range exactly, links internally and ends at the anchor.
func TestConnectPrefixRejects(t *testing.T) {
	t.Parallel()

	params := shortRetargetParams()
	headers := mineFromGenesis(params, 30, 1)
	fork := mineBranch(&headers[20], 5, 2)

	cps := []Checkpoint{checkpointAt(headers, 25)}
	chain, err := Bootstrap(&Config{ChainParams: params}, cps, nil)
	require.NoError(t, err)

	start, end, _ := chain.PrefixRange()

	// Too short.
	err = chain.ConnectPrefix(headers[start+1 : end+1])
	require.ErrorIs(t, err, ErrInvalidLinkage)

	// Broken linkage in the middle.
	broken := append([]wire.BlockHeader(nil), headers[start:end+1]...)
	broken[3] = headers[0]
	err = chain.ConnectPrefix(broken)
	require.ErrorIs(t, err, ErrInvalidLinkage)

	// A linked run that ends at a different block.
	other := append([]wire.BlockHeader(nil), headers[start:21]...)
	other = append(other, fork...)
	require.Len(t, other, int(end-start+1))
	err = chain.ConnectPrefix(other)
	require.ErrorIs(t, err, ErrCheckpointMismatch)

	require.False(t, chain.Anchored())
}

// TestBootstrapFromCache asserts that a cache covering the prefix anchors the
// chain and replays the suffix.
func TestBootstrapFromCache(t *testing.T) {
	t.Parallel()

	params := shortRetargetParams()
	headers := mineFromGenesis(params, 40, 1)
	cps := []Checkpoint{
		checkpointAt(headers, 10), checkpointAt(headers, 25),
	}

	chain, err := Bootstrap(
		&Config{ChainParams: params}, cps, toStored(headers),
	)
	require.NoError(t, err)
	require.True(t, chain.Anchored())
	require.Equal(t, int32(40), chain.Height())
	require.Equal(t, headers[40].BlockHash(), chain.TipHash())
}

// TestBootstrapTruncatesBadCache asserts that a cached header failing
// validation truncates the cache instead of aborting.
func TestBootstrapTruncatesBadCache(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	headers := mineFromGenesis(params, 20, 1)

	// Break the proof of work of header 12.
	bad := headers[12]
	solve(&bad, false)
	headers[12] = bad

	chain, err := Bootstrap(
		&Config{ChainParams: params}, nil, toStored(headers),
	)
	require.NoError(t, err)
	require.Equal(t, int32(11), chain.Height())
	require.Equal(t, headers[11].BlockHash(), chain.TipHash())
}

// TestBootstrapDiscardsConflictingPrefix asserts that a cache whose prefix
// conflicts with the checkpoints leaves the chain unanchored.
func TestBootstrapDiscardsConflictingPrefix(t *testing.T) {
	t.Parallel()

	params := shortRetargetParams()
	headers := mineFromGenesis(params, 30, 1)
	other := mineFromGenesis(params, 30, 2)

	cps := []Checkpoint{checkpointAt(headers, 25)}
	chain, err := Bootstrap(
		&Config{ChainParams: params}, cps, toStored(other),
	)
	require.NoError(t, err)
	require.False(t, chain.Anchored())
	require.Equal(t, int32(25), chain.Height())
}

// TestExtendIdempotent asserts that re-submitting an accepted header is a
// no-op.
func TestExtendIdempotent(t *testing.T) {
	t.Parallel()

	headers := mineFromGenesis(&chaincfg.RegressionNetParams, 5, 1)
	chain := newRegtestChain(t, headers)

	for i := 1; i <= 5; i++ {
		height, err := chain.Extend(&headers[i])
		require.NoError(t, err)
		require.Equal(t, int32(i), height)
	}
	require.Equal(t, int32(5), chain.Height())

	tip, err := chain.ExtendMany(headers[1:])
	require.NoError(t, err)
	require.Equal(t, int32(5), tip)
}

// TestExtendRejects asserts each class of invalid header is rejected with its
// own error and leaves the chain unchanged.
func TestExtendRejects(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	headers := mineFromGenesis(params, 15, 1)
	tip := &headers[15]

	now := tip.Timestamp.Add(time.Hour)
	testClock := clock.NewTestClock(now)

	badHash := nextHeader(tip, 2)
	solve(&badHash, false)

	badBits := nextHeader(tip, 3)
	badBits.Bits = 0x207ffffe
	solve(&badBits, true)

	badLink := nextHeader(&headers[10], 4)

	// The median of the last eleven timestamps is that of header 10.
	oldTime := nextHeader(tip, 5)
	oldTime.Timestamp = headers[10].Timestamp
	solve(&oldTime, true)

	future := nextHeader(tip, 6)
	future.Timestamp = now.Add(DefaultMaxFutureDrift + time.Minute)
	solve(&future, true)

	testCases := []struct {
		name       string
		header     wire.BlockHeader
		err        error
		remembered bool
	}{
		{"hash above target", badHash, ErrInvalidPoW, true},
		{"unexpected bits", badBits, ErrInvalidPoW, true},
		{"wrong parent", badLink, ErrInvalidLinkage, false},
		{"not after median time", oldTime, ErrInvalidTimestamp, true},
		{"too far in the future", future, ErrInvalidTimestamp, false},
	}

	chain, err := Bootstrap(
		&Config{ChainParams: params, Clock: testClock}, nil,
		toStored(headers),
	)
	require.NoError(t, err)
	require.Equal(t, int32(15), chain.Height())

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := chain.Extend(&tc.header)
			require.ErrorIs(t, err, tc.err)
			require.True(t, IsValidationError(err))

			require.Equal(t, int32(15), chain.Height())
			require.Equal(t, tip.BlockHash(), chain.TipHash())

			// Only failures intrinsic to the header are
			// remembered.
			_, err = chain.Extend(&tc.header)
			require.ErrorIs(t, err, tc.err)
			if tc.remembered {
				require.ErrorContains(
					t, err, "previously rejected",
				)
			} else {
				require.NotContains(
					t, err.Error(), "previously rejected",
				)
			}
		})
	}

	// Moving the clock forward makes the future header acceptable.
	testClock.SetTime(future.Timestamp)
	require.NoError(t, chain.ValidateHeader(&future, tip.BlockHash()))
}

// TestValidateHeader asserts that validation does not mutate the chain and
// can be run against any main chain predecessor.
func TestValidateHeader(t *testing.T) {
	t.Parallel()

	headers := mineFromGenesis(&chaincfg.RegressionNetParams, 10, 1)
	chain := newRegtestChain(t, headers)

	sibling := nextHeader(&headers[5], 9)
	require.NoError(t, chain.ValidateHeader(&sibling, headers[5].BlockHash()))
	require.Equal(t, int32(10), chain.Height())

	err := chain.ValidateHeader(&sibling, headers[6].BlockHash())
	require.ErrorIs(t, err, ErrInvalidLinkage)
}

// TestExtendManyAtomic asserts that a batch with an invalid member leaves the
// chain untouched.
func TestExtendManyAtomic(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	headers := mineFromGenesis(params, 20, 1)
	chain := newRegtestChain(t, headers[:11])

	batch := append([]wire.BlockHeader(nil), headers[11:]...)
	solve(&batch[4], false)

	_, err := chain.ExtendMany(batch)
	require.ErrorIs(t, err, ErrInvalidPoW)
	require.Equal(t, int32(10), chain.Height())
	require.Equal(t, headers[10].BlockHash(), chain.TipHash())

	_, err = chain.ExtendMany(nil)
	require.ErrorIs(t, err, ErrNoHeaders)

	tip, err := chain.ExtendMany(headers[11:])
	require.NoError(t, err)
	require.Equal(t, int32(20), tip)
}

// TestWorkAndLocator asserts cumulative work grows per header and that the
// locator walks back to the first stored header.
func TestWorkAndLocator(t *testing.T) {
	t.Parallel()

	headers := mineFromGenesis(&chaincfg.RegressionNetParams, 40, 1)
	chain := newRegtestChain(t, headers)

	w10, err := chain.WorkSum(10)
	require.NoError(t, err)
	w20, err := chain.WorkSum(20)
	require.NoError(t, err)
	require.Equal(t, 1, w20.Cmp(w10))

	locator := chain.Locator()
	require.Equal(t, headers[40].BlockHash(), *locator[0])
	require.Equal(t, headers[31].BlockHash(), *locator[9])
	require.Equal(t, headers[0].BlockHash(), *locator[len(locator)-1])

	for i := 0; i <= 40; i++ {
		height, ok := chain.HeightOf(headers[i].BlockHash())
		require.True(t, ok)
		require.Equal(t, int32(i), height)
	}

	stored := chain.StoredHeaders(38, 100)
	require.Len(t, stored, 3)
	require.Equal(t, int32(40), stored[2].Height)
}
