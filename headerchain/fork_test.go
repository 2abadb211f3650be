package headerchain

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestTryForkHeavierBranch covers a competing branch that diverges two
// headers below the tip and ends up one header higher.
func TestTryForkHeavierBranch(t *testing.T) {
	t.Parallel()

	headers := mineFromGenesis(&chaincfg.RegressionNetParams, 1000, 1)
	chain := newRegtestChain(t, headers)

	branch := mineBranch(&headers[997], 4, 2)
	result, err := chain.TryFork(branch, 998)
	require.NoError(t, err)

	require.True(t, result.Accepted)
	require.True(t, result.IsReorg())
	require.Equal(t, int32(997), result.CommonAncestor)
	require.Equal(t, int32(1000), result.OldHeight)
	require.Equal(t, headers[1000].BlockHash(), result.OldTip)
	require.Equal(t, int32(1001), result.NewHeight)
	require.Equal(t, branch[3].BlockHash(), result.NewTip)
	require.Len(t, result.Removed, 3)
	require.Equal(t, headers[998].BlockHash(), result.Removed[0])
	require.Len(t, result.Added(), 4)
	require.Equal(t, 1, result.BranchWork.Cmp(result.MainWork))

	height, hash := chain.Tip()
	require.Equal(t, int32(1001), height)
	require.Equal(t, branch[3].BlockHash(), hash)

	// Headers of the old branch are gone from the index.
	_, ok := chain.HeightOf(headers[999].BlockHash())
	require.False(t, ok)
	h, ok := chain.HeightOf(branch[0].BlockHash())
	require.True(t, ok)
	require.Equal(t, int32(998), h)

	// The old branch is a valid extension of the ancestor but lighter
	// now.
	result, err = chain.TryFork(headers[998:], 998)
	require.NoError(t, err)
	require.False(t, result.Accepted)
}

// TestTryForkEqualWorkKeepsChain asserts that a tie keeps the existing
// branch.
func TestTryForkEqualWorkKeepsChain(t *testing.T) {
	t.Parallel()

	headers := mineFromGenesis(&chaincfg.RegressionNetParams, 50, 1)
	chain := newRegtestChain(t, headers)

	branch := mineBranch(&headers[45], 5, 2)
	result, err := chain.TryFork(branch, 46)
	require.NoError(t, err)
	require.False(t, result.Accepted)
	require.Zero(t, result.BranchWork.Cmp(result.MainWork))
	require.Equal(t, headers[50].BlockHash(), chain.TipHash())

	shorter := branch[:3]
	result, err = chain.TryFork(shorter, 46)
	require.NoError(t, err)
	require.False(t, result.Accepted)
	require.Equal(t, int32(50), chain.Height())
}

// TestTryForkRejects asserts that malformed candidate branches are rejected
// without touching the chain.
func TestTryForkRejects(t *testing.T) {
	t.Parallel()

	params := shortRetargetParams()
	headers := mineFromGenesis(params, 60, 1)
	cps := []Checkpoint{checkpointAt(headers, 30)}

	chain, err := Bootstrap(
		&Config{ChainParams: params}, cps, toStored(headers),
	)
	require.NoError(t, err)
	require.Equal(t, int32(60), chain.Height())

	unlinked := mineBranch(&headers[40], 5, 2)
	unlinked[2], unlinked[3] = unlinked[3], unlinked[2]

	// The bad header goes last so that the branch stays linked.
	invalid := mineBranch(&headers[40], 11, 3)
	solve(&invalid[10], false)

	testCases := []struct {
		name       string
		candidates []wire.BlockHeader
		divergence int32
		err        error
	}{{
		name:       "empty",
		candidates: nil,
		divergence: 41,
		err:        ErrNoHeaders,
	}, {
		name:       "not internally linked",
		candidates: unlinked,
		divergence: 41,
		err:        ErrInvalidLinkage,
	}, {
		name:       "below checkpoint",
		candidates: mineBranch(&headers[20], 50, 4),
		divergence: 21,
		err:        ErrForkBelowCheckpoint,
	}, {
		name:       "at checkpoint",
		candidates: mineBranch(&headers[29], 50, 5),
		divergence: 30,
		err:        ErrForkBelowCheckpoint,
	}, {
		name:       "does not attach at divergence",
		candidates: mineBranch(&headers[40], 30, 6),
		divergence: 45,
		err:        ErrInvalidLinkage,
	}, {
		name:       "gap above tip",
		candidates: mineBranch(&headers[60], 3, 7),
		divergence: 63,
		err:        ErrInvalidLinkage,
	}, {
		name:       "invalid proof of work",
		candidates: invalid,
		divergence: 41,
		err:        ErrInvalidPoW,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := chain.TryFork(tc.candidates, tc.divergence)
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, int32(60), chain.Height())
			require.Equal(t, headers[60].BlockHash(), chain.TipHash())
		})
	}
}

// TestTryForkTrimsOverlap asserts that candidates sharing a prefix with the
// main chain are trimmed to the real divergence point.
func TestTryForkTrimsOverlap(t *testing.T) {
	t.Parallel()

	headers := mineFromGenesis(&chaincfg.RegressionNetParams, 30, 1)
	chain := newRegtestChain(t, headers)

	// A fully known branch changes nothing.
	result, err := chain.TryFork(headers[10:20], 10)
	require.NoError(t, err)
	require.False(t, result.Accepted)
	require.Equal(t, int32(30), chain.Height())

	// Candidates starting early with the real fork at 26.
	branch := append([]wire.BlockHeader(nil), headers[20:26]...)
	branch = append(branch, mineBranch(&headers[25], 7, 2)...)

	result, err = chain.TryFork(branch, 20)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.Equal(t, int32(25), result.CommonAncestor)
	require.Len(t, result.Removed, 5)
	require.Equal(t, int32(32), chain.Height())

	// Known headers followed by new ones on the tip is an extension.
	ext := append([]wire.BlockHeader(nil), branch[10:]...)
	tip, _ := chain.HeaderByHeight(32)
	ext = append(ext, mineBranch(tip, 2, 3)...)

	result, err = chain.TryFork(ext, 30)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.False(t, result.IsReorg())
	require.Equal(t, int32(32), result.CommonAncestor)
	require.Equal(t, int32(34), chain.Height())
}

// TestForkProperties checks, over random sequences of competing branches,
// that the main chain stays linked, that its tip work never decreases and
// that every accepted branch carried strictly more work than the section it
// replaced.
func TestForkProperties(t *testing.T) {
	t.Parallel()

	base := mineFromGenesis(&chaincfg.RegressionNetParams, 20, 0)

	rapid.Check(t, func(rt *rapid.T) {
		chain, err := Bootstrap(
			&Config{ChainParams: &chaincfg.RegressionNetParams},
			nil, toStored(base),
		)
		require.NoError(rt, err)

		steps := rapid.IntRange(1, 8).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			height := chain.Height()
			tipWork, err := chain.WorkSum(height)
			require.NoError(rt, err)

			ancestor := rapid.Int32Range(
				max(0, height-6), height,
			).Draw(rt, "ancestor")
			length := rapid.IntRange(1, 8).Draw(rt, "length")

			parent, err := chain.HeaderByHeight(ancestor)
			require.NoError(rt, err)

			branch := mineBranch(parent, length, uint32(i+1))
			result, err := chain.TryFork(branch, ancestor+1)
			require.NoError(rt, err)

			if result.Accepted {
				require.Equal(
					rt, 1,
					result.BranchWork.Cmp(result.MainWork),
				)
			}

			newHeight := chain.Height()
			newWork, err := chain.WorkSum(newHeight)
			require.NoError(rt, err)
			require.GreaterOrEqual(rt, newWork.Cmp(tipWork), 0)

			for h := int32(1); h <= newHeight; h++ {
				cur, err := chain.HeaderByHeight(h)
				require.NoError(rt, err)
				prev, err := chain.HashAtHeight(h - 1)
				require.NoError(rt, err)
				require.Equal(rt, prev, cur.PrevBlock)
			}
		}
	})
}
