package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/spvd/chainevents"
	"github.com/lightningnetwork/spvd/headerchain"
	"github.com/lightningnetwork/spvd/lnutils"
	"github.com/lightningnetwork/spvd/trust"
)

// resolve brings the chain in line with the claim of one server: it
// backfills the trusted prefix if needed, finds where the server's chain
// leaves ours and either catches up or evaluates the branch.
func (s *Selector) resolve(ctx context.Context, j job) (out outcome) {
	out = outcome{job: j}
	peer, claim := j.peer, j.claim
	chain := s.cfg.Chain

	startHeight := chain.Height()
	startHash := chain.TipHash()
	defer func() {
		out.progressed = chain.Height() != startHeight ||
			chain.TipHash() != startHash
	}()

	peer.SetCatchingUp()

	if !chain.Anchored() {
		if err := s.backfillPrefix(ctx, peer); err != nil {
			out.err = s.blame(peer, err)
			return out
		}
	}

	height, tip := chain.Tip()

	// The common case: the next header on top of ours.
	if claim.Height == height+1 && claim.Header.PrevBlock == tip {
		if _, err := chain.Extend(&claim.Header); err != nil {
			out.err = s.blame(peer, err)
			return out
		}
		s.cfg.Trust.Record(claim.Server, trust.EventAgreement)
		s.extended(height)

		return out
	}

	ancestor, err := s.findAncestor(ctx, peer, min(claim.Height, height))
	if err != nil {
		out.err = s.blame(peer, err)
		return out
	}

	if ancestor == height {
		out.err = s.blame(peer, s.catchUp(ctx, peer, claim.Height))
		return out
	}

	out.err = s.blame(peer, s.fork(ctx, peer, ancestor, claim.Height))

	return out
}

// blame records a trust penalty if err is the server's fault.
func (s *Selector) blame(peer Peer, err error) error {
	if err == nil {
		return nil
	}

	if headerchain.IsValidationError(err) {
		s.rejections.Add(1)
		s.cfg.Trust.Record(peer.Address(), trust.EventInvalidHeader)
		log.Warnf("Rejected headers from %v: %v", peer.Address(), err)
	}

	return err
}

// backfillPrefix fetches and connects the trusted prefix.
func (s *Selector) backfillPrefix(ctx context.Context, peer Peer) error {
	start, end, needed := s.cfg.Chain.PrefixRange()
	if !needed {
		return nil
	}

	log.Infof("Backfilling trusted prefix [%d, %d] from %v", start, end,
		peer.Address())

	headers, err := peer.FetchHeaders(ctx, start, uint32(end-start+1))
	if err != nil {
		return err
	}

	if err := s.cfg.Chain.ConnectPrefix(headers); err != nil {
		return err
	}

	s.persist(start-1, s.cfg.Chain.StoredHeaders(start, end))

	return nil
}

// matches fetches the server's header at height and compares it with ours.
func (s *Selector) matches(ctx context.Context, peer Peer,
	height int32) (bool, error) {

	header, err := peer.FetchHeader(ctx, height)
	if err != nil {
		return false, err
	}

	ours, err := s.cfg.Chain.HashAtHeight(height)
	if err != nil {
		return false, err
	}

	return header.BlockHash() == ours, nil
}

// findAncestor returns the highest height at or below upper where the
// server's chain matches ours. It steps back in doubling strides until a
// match is found and then bisects the last stride. The search never goes
// below the anchor checkpoint.
func (s *Selector) findAncestor(ctx context.Context, peer Peer,
	upper int32) (int32, error) {

	anchor := s.cfg.Chain.Anchor().Height
	if upper < anchor {
		return 0, fmt.Errorf("%w: %v is at height %d, anchor is %v",
			ErrBelowAnchor, peer.Address(), upper,
			s.cfg.Chain.Anchor())
	}

	good, bad := int32(-1), upper+1
	step := int32(1)
	for height := upper; ; {
		ok, err := s.matches(ctx, peer, height)
		if err != nil {
			return 0, err
		}
		if ok {
			good = height
			break
		}

		bad = height
		if height == anchor {
			return 0, fmt.Errorf("%w: %v disagrees at anchor %v",
				headerchain.ErrForkBelowCheckpoint,
				peer.Address(), s.cfg.Chain.Anchor())
		}

		height = max(height-step, anchor)
		step *= 2
	}

	for bad-good > 1 {
		mid := good + (bad-good)/2

		ok, err := s.matches(ctx, peer, mid)
		if err != nil {
			return 0, err
		}
		if ok {
			good = mid
		} else {
			bad = mid
		}
	}

	log.Debugf("Chain of %v leaves ours above height %d",
		peer.Address(), good)

	return good, nil
}

// catchUp appends the server's headers up to target in batches. Each batch
// is persisted and announced on its own.
func (s *Selector) catchUp(ctx context.Context, peer Peer,
	target int32) error {

	chain := s.cfg.Chain
	for {
		height := chain.Height()
		if height >= target {
			return nil
		}

		count := min(uint32(target-height), s.cfg.FetchBatchSize)
		headers, err := peer.FetchHeaders(ctx, height+1, count)
		if err != nil {
			return err
		}
		if len(headers) == 0 {
			return fmt.Errorf("%v claimed height %d but has no "+
				"header at %d", peer.Address(), target,
				height+1)
		}

		if _, err := chain.ExtendMany(headers); err != nil {
			return err
		}

		s.extended(height)

		// A short batch means the server has nothing more.
		if uint32(len(headers)) < count {
			return nil
		}
	}
}

// extended persists and announces the headers above prevHeight.
func (s *Selector) extended(prevHeight int32) {
	height, hash := s.cfg.Chain.Tip()
	if height <= prevHeight {
		return
	}

	s.extensions.Add(uint64(height - prevHeight))
	s.persist(prevHeight, s.cfg.Chain.StoredHeaders(prevHeight+1, height))

	log.Infof("Tip advanced to height %d: %v", height, hash)

	s.publish(&chainevents.TipChanged{
		Height:     height,
		Hash:       hash,
		PrevHeight: prevHeight,
	})
}

// fork fetches the server's branch above ancestor and lets the chain weigh
// it.
func (s *Selector) fork(ctx context.Context, peer Peer, ancestor,
	target int32) error {

	if target <= ancestor {
		return nil
	}

	headers, err := peer.FetchHeaders(ctx, ancestor+1,
		uint32(target-ancestor))
	if err != nil {
		return err
	}
	if len(headers) == 0 {
		return fmt.Errorf("%v has no branch above height %d",
			peer.Address(), ancestor)
	}

	result, err := s.cfg.Chain.TryFork(headers, ancestor+1)
	if err != nil {
		return err
	}

	if !result.Accepted {
		s.rejections.Add(1)

		// Equal work is a tie, nobody is at fault.
		if result.BranchWork != nil &&
			result.BranchWork.Cmp(result.MainWork) < 0 {

			s.cfg.Trust.Record(peer.Address(),
				trust.EventLighterBranch)
		}

		log.Infof("Kept chain against branch of %v above height %d",
			peer.Address(), result.CommonAncestor)

		return nil
	}

	s.persist(result.CommonAncestor, result.Connected)

	if !result.IsReorg() {
		s.extensions.Add(uint64(len(result.Connected)))
		s.publish(&chainevents.TipChanged{
			Height:     result.NewHeight,
			Hash:       result.NewTip,
			PrevHeight: result.OldHeight,
		})

		return nil
	}

	s.reorgs.Add(1)

	logCtx := btclog.WithCtx(ctx, slog.String("server", peer.Address()))
	log.InfoS(logCtx, "Reorganized to heavier branch",
		slog.Int("common_ancestor", int(result.CommonAncestor)),
		lnutils.LogHash("old_tip", &result.OldTip),
		lnutils.LogHash("new_tip", &result.NewTip),
		slog.Int("disconnected", len(result.Removed)),
		slog.Int("connected", len(result.Connected)))

	s.publish(&chainevents.Reorg{
		CommonAncestor: result.CommonAncestor,
		OldHeight:      result.OldHeight,
		OldTip:         result.OldTip,
		NewHeight:      result.NewHeight,
		NewTipHash:     result.NewTip,
		Disconnected:   result.Removed,
		Connected:      result.Added(),
	})

	return nil
}

// persist writes accepted headers. A failing store only costs a longer
// backfill on the next start, so it is not fatal.
func (s *Selector) persist(ancestor int32,
	headers []headerchain.StoredHeader) {

	if s.cfg.Store == nil {
		return
	}

	if err := s.cfg.Store.PersistHeaders(ancestor, headers); err != nil {
		log.Errorf("Unable to persist %d headers above height %d: %v",
			len(headers), ancestor, err)
	}
}

// publish hands an event to the subscribers.
func (s *Selector) publish(event chainevents.Event) {
	if s.cfg.Events == nil {
		return
	}

	err := s.cfg.Events.SendUpdate(event)
	if err != nil && !errors.Is(err, chainevents.ErrServerShuttingDown) {
		log.Errorf("Unable to publish %v: %v", event, err)
	}
}
