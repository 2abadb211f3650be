package headerchain

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/spvd/lnutils"
)

// ForkResult describes the outcome of TryFork.
type ForkResult struct {
	// Accepted is true if the candidate branch is now the main chain.
	Accepted bool

	// CommonAncestor is the height of the last header shared by both
	// branches.
	CommonAncestor int32

	// OldHeight and OldTip describe the main chain before the call.
	OldHeight int32
	OldTip    chainhash.Hash

	// NewHeight and NewTip describe the main chain after the call. They
	// equal the old values if the branch was not accepted.
	NewHeight int32
	NewTip    chainhash.Hash

	// Removed lists the hashes that left the main chain, lowest first.
	Removed []chainhash.Hash

	// Connected holds the headers that joined the main chain, lowest
	// first.
	Connected []StoredHeader

	// BranchWork and MainWork are the work of the candidate and of the
	// replaced main chain section above the common ancestor.
	BranchWork *big.Int
	MainWork   *big.Int
}

// IsReorg returns true if accepting the branch removed main chain headers.
func (r *ForkResult) IsReorg() bool {
	return r.Accepted && len(r.Removed) > 0
}

// Added returns the hashes of the headers that joined the main chain.
func (r *ForkResult) Added() []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(r.Connected))
	for _, sh := range r.Connected {
		hashes = append(hashes, sh.Header.BlockHash())
	}

	return hashes
}

// TryFork evaluates a candidate branch whose first header sits at
// divergenceHeight. Headers the branch shares with the main chain are trimmed
// first. The remaining branch is validated against the main chain up to the
// common ancestor and replaces the main chain only if it carries strictly more
// work than the section it replaces. A lighter or equally heavy branch leaves
// the chain untouched and is reported with Accepted unset.
func (c *Chain) TryFork(candidates []wire.BlockHeader,
	divergenceHeight int32) (*ForkResult, error) {

	if len(candidates) == 0 {
		return nil, ErrNoHeaders
	}

	// The branch has to hang together on its own before anything else is
	// looked at.
	hashes := make([]chainhash.Hash, len(candidates))
	for i := range candidates {
		hashes[i] = candidates[i].BlockHash()
		if i > 0 && candidates[i].PrevBlock != hashes[i-1] {
			return nil, fmt.Errorf("%w: candidate %v at height %d "+
				"does not link to %v", ErrInvalidLinkage,
				hashes[i], divergenceHeight+int32(i),
				hashes[i-1])
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tip := c.tipNode()
	if tip == nil {
		return nil, ErrNotAnchored
	}

	result := &ForkResult{
		OldHeight: tip.height,
		OldTip:    tip.hash,
		NewHeight: tip.height,
		NewTip:    tip.hash,
	}

	if divergenceHeight > tip.height+1 {
		return nil, fmt.Errorf("%w: branch starts at %d, beyond tip "+
			"%d", ErrInvalidLinkage, divergenceHeight, tip.height)
	}

	// Trim the part of the branch that matches the main chain.
	skip := 0
	for skip < len(candidates) {
		n := c.nodeAt(divergenceHeight + int32(skip))
		if n == nil || n.hash != hashes[skip] {
			break
		}
		skip++
	}
	candidates, hashes = candidates[skip:], hashes[skip:]
	divergenceHeight += int32(skip)

	if len(candidates) == 0 {
		result.CommonAncestor = divergenceHeight - 1
		return result, nil
	}

	if divergenceHeight <= c.anchor.Height {
		return nil, fmt.Errorf("%w: branch diverges at %d, anchor is "+
			"%v", ErrForkBelowCheckpoint, divergenceHeight,
			c.anchor)
	}

	ancestor := c.nodeAt(divergenceHeight - 1)
	if candidates[0].PrevBlock != ancestor.hash {
		return nil, fmt.Errorf("%w: branch at height %d commits to "+
			"%v, main chain has %v", ErrInvalidLinkage,
			divergenceHeight, candidates[0].PrevBlock, ancestor.hash)
	}
	result.CommonAncestor = ancestor.height

	view := &branchView{main: c, ancestor: ancestor.height}
	parent := ancestor
	for i := range candidates {
		if err := c.knownInvalid(hashes[i]); err != nil {
			return nil, err
		}

		err := c.checkHeader(view, &candidates[i], hashes[i], parent)
		if err != nil {
			c.rememberInvalid(hashes[i], err)
			return nil, err
		}

		parent = newNode(&candidates[i], parent.height+1, parent)
		view.branch = append(view.branch, parent)
	}

	result.BranchWork = new(big.Int).Sub(parent.work, ancestor.work)
	result.MainWork = new(big.Int).Sub(tip.work, ancestor.work)

	if result.BranchWork.Cmp(result.MainWork) <= 0 {
		log.Debugf("Rejecting branch from height %d: work %v does not "+
			"exceed main chain work %v", divergenceHeight,
			result.BranchWork, result.MainWork)

		return result, nil
	}

	// Swap the branch in.
	keep := int(ancestor.height - c.prefixStart + 1)
	for _, n := range c.nodes[keep:] {
		result.Removed = append(result.Removed, n.hash)
		delete(c.byHash, n.hash)
	}
	c.nodes = append(c.nodes[:keep:keep], view.branch...)
	for _, n := range view.branch {
		c.byHash[n.hash] = n.height
		result.Connected = append(result.Connected, StoredHeader{
			Height: n.height,
			Header: n.header,
		})
	}

	result.Accepted = true
	result.NewHeight = parent.height
	result.NewTip = parent.hash

	if len(result.Removed) > 0 {
		log.Infof("Chain reorganized at height %d: %d headers "+
			"replaced by %d, new tip %v at height %d",
			ancestor.height, len(result.Removed),
			len(result.Connected), parent.hash, parent.height)
	}
	log.Tracef("Fork result: %v", lnutils.SpewLogClosure(result))

	return result, nil
}
