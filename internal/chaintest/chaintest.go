// Package chaintest mines throwaway header chains for tests.
package chaintest

import (
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BlockInterval is the timestamp spacing of mined headers.
const BlockInterval = 10 * time.Minute

// ShortRetargetParams returns regtest parameters with a retarget interval of
// ten blocks.
func ShortRetargetParams() *chaincfg.Params {
	params := chaincfg.RegressionNetParams
	params.TargetTimespan = 10 * params.TargetTimePerBlock

	return &params
}

// Solve grinds the nonce until the header meets its own target, or misses it
// when valid is false.
func Solve(header *wire.BlockHeader, valid bool) {
	target := blockchain.CompactToBig(header.Bits)
	for {
		hash := header.BlockHash()
		ok := blockchain.HashToBig(&hash).Cmp(target) <= 0
		if ok == valid {
			return
		}
		header.Nonce++
	}
}

// NextHeader mines a header on top of prev. The tag is stamped into the
// merkle root so that sibling branches get distinct hashes.
func NextHeader(prev *wire.BlockHeader, tag uint32) wire.BlockHeader {
	var root chainhash.Hash
	binary.BigEndian.PutUint32(root[:4], tag)
	binary.BigEndian.PutUint32(root[4:8], prev.Nonce)

	header := wire.BlockHeader{
		Version:    4,
		PrevBlock:  prev.BlockHash(),
		MerkleRoot: root,
		Timestamp:  prev.Timestamp.Add(BlockInterval),
		Bits:       prev.Bits,
	}
	Solve(&header, true)

	return header
}

// MineBranch mines n headers on top of prev.
func MineBranch(prev *wire.BlockHeader, n int, tag uint32) []wire.BlockHeader {
	headers := make([]wire.BlockHeader, 0, n)
	for i := 0; i < n; i++ {
		next := NextHeader(prev, tag)
		headers = append(headers, next)
		prev = &headers[len(headers)-1]
	}

	return headers
}

// MineFromGenesis returns the genesis header followed by n mined headers, so
// that index equals height.
func MineFromGenesis(params *chaincfg.Params, n int,
	tag uint32) []wire.BlockHeader {

	genesis := params.GenesisBlock.Header
	headers := []wire.BlockHeader{genesis}

	return append(headers, MineBranch(&genesis, n, tag)...)
}
