package headerchain

import (
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/btcsuite/btcd/blockchain"
)

// blocksPerRetarget returns the number of blocks between difficulty
// adjustments for the configured network.
func (c *Chain) blocksPerRetarget() int32 {
	params := c.cfg.ChainParams

	return int32(params.TargetTimespan / params.TargetTimePerBlock)
}

// findPrevTestNetDifficulty walks back from node until it finds a block that
// does not carry the special minimum difficulty, or hits a retarget boundary.
func (c *Chain) findPrevTestNetDifficulty(view headerView, start *node) uint32 {
	params := c.cfg.ChainParams
	interval := c.blocksPerRetarget()

	n := start
	for n != nil && n.height%interval != 0 &&
		n.header.Bits == params.PowLimitBits {

		n = view.nodeAt(n.height - 1)
	}

	if n == nil {
		return params.PowLimitBits
	}

	return n.header.Bits
}

// requiredBits computes the compact target a block following last must carry.
// The rules follow the reference client: retarget every interval, clamp the
// adjustment, never exceed the pow limit, and on networks that allow it,
// permit the minimum difficulty after a long enough gap.
func (c *Chain) requiredBits(view headerView, last *node,
	newBlockTime time.Time) (uint32, error) {

	params := c.cfg.ChainParams

	if last == nil {
		return params.PowLimitBits, nil
	}

	if params.PoWNoRetargeting {
		return last.header.Bits, nil
	}

	interval := c.blocksPerRetarget()
	if (last.height+1)%interval != 0 {
		if !params.ReduceMinDifficulty {
			return last.header.Bits, nil
		}

		reductionTime := int64(
			params.MinDiffReductionTime / time.Second,
		)
		allowMinTime := last.header.Timestamp.Unix() + reductionTime
		if newBlockTime.Unix() > allowMinTime {
			return params.PowLimitBits, nil
		}

		return c.findPrevTestNetDifficulty(view, last), nil
	}

	firstHeight := last.height - (interval - 1)
	first := view.nodeAt(firstHeight)
	if first == nil {
		return 0, fmt.Errorf("%w: retarget needs header %d",
			ErrUnknownHeight, firstHeight)
	}

	targetTimespan := int64(params.TargetTimespan / time.Second)
	adjustmentFactor := params.RetargetAdjustmentFactor
	minRetargetTimespan := targetTimespan / adjustmentFactor
	maxRetargetTimespan := targetTimespan * adjustmentFactor

	actualTimespan := last.header.Timestamp.Unix() -
		first.header.Timestamp.Unix()

	adjustedTimespan := actualTimespan
	switch {
	case actualTimespan < minRetargetTimespan:
		adjustedTimespan = minRetargetTimespan

	case actualTimespan > maxRetargetTimespan:
		adjustedTimespan = maxRetargetTimespan
	}

	oldTarget := blockchain.CompactToBig(last.header.Bits)
	newTarget := new(big.Int).Mul(oldTarget, big.NewInt(adjustedTimespan))
	newTarget.Div(newTarget, big.NewInt(targetTimespan))

	if newTarget.Cmp(params.PowLimit) > 0 {
		newTarget.Set(params.PowLimit)
	}

	newBits := blockchain.BigToCompact(newTarget)

	log.Debugf("Difficulty retarget at height %d: old=%08x new=%08x "+
		"(timespan %v, adjusted %v)", last.height+1, last.header.Bits,
		newBits, time.Duration(actualTimespan)*time.Second,
		time.Duration(adjustedTimespan)*time.Second)

	return newBits, nil
}

// medianTimePast returns the median timestamp of up to medianTimeBlocks
// headers ending at last.
func medianTimePast(view headerView, last *node) time.Time {
	timestamps := make([]int64, 0, medianTimeBlocks)
	for n := last; n != nil && len(timestamps) < medianTimeBlocks; {
		timestamps = append(timestamps, n.header.Timestamp.Unix())
		n = view.nodeAt(n.height - 1)
	}

	slices.Sort(timestamps)

	return time.Unix(timestamps[len(timestamps)/2], 0)
}
