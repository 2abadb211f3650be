package headerchain

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/spvd/internal/chaintest"
)

var (
	shortRetargetParams = chaintest.ShortRetargetParams
	solve               = chaintest.Solve
	nextHeader          = chaintest.NextHeader
	mineBranch          = chaintest.MineBranch
)

// mineFromGenesis returns the genesis header followed by n mined headers, so
// that index equals height.
func mineFromGenesis(params *chaincfg.Params, n int,
	tag uint32) []wire.BlockHeader {

	return chaintest.MineFromGenesis(params, n, tag)
}

// toStored converts a genesis-based run into stored headers.
func toStored(headers []wire.BlockHeader) []StoredHeader {
	stored := make([]StoredHeader, 0, len(headers))
	for i, h := range headers {
		stored = append(stored, StoredHeader{
			Height: int32(i),
			Header: h,
		})
	}

	return stored
}

// checkpointAt returns a checkpoint for headers[height].
func checkpointAt(headers []wire.BlockHeader, height int32) Checkpoint {
	return Checkpoint{
		Height: height,
		Hash:   headers[height].BlockHash(),
	}
}
