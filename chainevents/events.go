package chainevents

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Event is a change of the best header chain. It is either a *TipChanged or a
// *Reorg.
type Event interface {
	// NewTip returns the height and hash of the best header after the
	// change.
	NewTip() (int32, chainhash.Hash)

	event()
}

// TipChanged is sent when headers were appended to the best chain without
// removing any.
type TipChanged struct {
	// Height and Hash describe the new best header.
	Height int32
	Hash   chainhash.Hash

	// PrevHeight is the height of the best header before the change.
	PrevHeight int32
}

// NewTip returns the height and hash of the best header.
func (t *TipChanged) NewTip() (int32, chainhash.Hash) {
	return t.Height, t.Hash
}

func (t *TipChanged) event() {}

// String returns a human readable description of the event.
func (t *TipChanged) String() string {
	return fmt.Sprintf("TipChanged(%d -> %d, %v)", t.PrevHeight, t.Height,
		t.Hash)
}

// Reorg is sent when a heavier branch replaced part of the best chain. Any
// data derived from headers above CommonAncestor must be treated as
// provisionally invalid.
type Reorg struct {
	// CommonAncestor is the height of the last header both branches
	// share.
	CommonAncestor int32

	// OldHeight and OldTip describe the replaced best header.
	OldHeight int32
	OldTip    chainhash.Hash

	// NewHeight and NewTipHash describe the new best header.
	NewHeight  int32
	NewTipHash chainhash.Hash

	// Disconnected lists the hashes that left the best chain and
	// Connected those that joined it, both lowest first.
	Disconnected []chainhash.Hash
	Connected    []chainhash.Hash
}

// NewTip returns the height and hash of the best header.
func (r *Reorg) NewTip() (int32, chainhash.Hash) {
	return r.NewHeight, r.NewTipHash
}

func (r *Reorg) event() {}

// String returns a human readable description of the event.
func (r *Reorg) String() string {
	return fmt.Sprintf("Reorg(ancestor=%d, %d -%d +%d -> %d, %v)",
		r.CommonAncestor, r.OldHeight, len(r.Disconnected),
		len(r.Connected), r.NewHeight, r.NewTipHash)
}

// A compile time check that both events implement the Event interface.
var (
	_ Event = (*TipChanged)(nil)
	_ Event = (*Reorg)(nil)
)
