package headerchain

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// medianTimeBlocks is the number of previous headers whose median
	// timestamp a new header must exceed.
	medianTimeBlocks = 11

	// DefaultMaxFutureDrift is how far ahead of the local clock a header
	// timestamp may be.
	DefaultMaxFutureDrift = blockchain.MaxTimeOffsetSeconds * time.Second

	// DefaultInvalidCacheSize is the number of rejected header hashes that
	// are remembered.
	DefaultInvalidCacheSize = 1024
)

// Config houses the parameters a Chain is built with.
type Config struct {
	// ChainParams are the consensus parameters of the network whose
	// headers are tracked.
	ChainParams *chaincfg.Params

	// Clock is the time source used to bound header timestamps.
	Clock clock.Clock

	// MaxFutureDrift is how far ahead of Clock a header may be stamped.
	MaxFutureDrift time.Duration

	// InvalidCacheSize bounds the memory of rejected header hashes.
	InvalidCacheSize int
}

// StoredHeader is a header together with the height it was accepted at. It is
// the unit the header cache persists.
type StoredHeader struct {
	Height int32
	Header wire.BlockHeader
}

// node is a header that is part of the in-memory chain.
type node struct {
	header wire.BlockHeader
	hash   chainhash.Hash
	height int32

	// work is the cumulative work from the first stored header up to and
	// including this one.
	work *big.Int
}

// headerView is a read-only window over one branch of headers.
type headerView interface {
	// nodeAt returns the node at the given height, or nil if the view
	// does not cover it.
	nodeAt(height int32) *node
}

// Chain is the locally verified best header chain. Headers at or below the
// anchor checkpoint form the trusted prefix, headers above it are fully
// validated. All methods are safe for concurrent use; mutations are atomic
// and readers only ever observe committed state.
type Chain struct {
	cfg Config

	checkpoints []Checkpoint
	cpByHeight  map[int32]chainhash.Hash
	anchor      Checkpoint

	// prefixStart is the lowest height kept in memory. It leaves enough
	// history below the anchor for retargeting and median time.
	prefixStart int32

	invalid *lru.Cache[chainhash.Hash, error]

	mu     sync.RWMutex
	nodes  []*node
	byHash map[chainhash.Hash]int32
}

// newChain creates an unanchored chain for the checkpoint set.
func newChain(cfg *Config, checkpoints []Checkpoint) (*Chain, error) {
	if cfg.ChainParams == nil {
		return nil, fmt.Errorf("chain params must be set")
	}

	c := &Chain{
		cfg:    *cfg,
		byHash: make(map[chainhash.Hash]int32),
	}
	if c.cfg.Clock == nil {
		c.cfg.Clock = clock.NewDefaultClock()
	}
	if c.cfg.MaxFutureDrift == 0 {
		c.cfg.MaxFutureDrift = DefaultMaxFutureDrift
	}
	if c.cfg.InvalidCacheSize <= 0 {
		c.cfg.InvalidCacheSize = DefaultInvalidCacheSize
	}

	cps, err := normalizeCheckpoints(c.cfg.ChainParams, checkpoints)
	if err != nil {
		return nil, err
	}
	c.checkpoints = cps
	c.anchor = cps[len(cps)-1]
	c.cpByHeight = make(map[int32]chainhash.Hash, len(cps))
	for _, cp := range cps {
		c.cpByHeight[cp.Height] = cp.Hash
	}

	c.invalid, err = lru.New[chainhash.Hash, error](c.cfg.InvalidCacheSize)
	if err != nil {
		return nil, err
	}

	// The prefix must reach back to the start of the retarget period the
	// first verified header falls in, and far enough for its median time.
	interval := c.blocksPerRetarget()
	next := c.anchor.Height + 1
	periodStart := (next / interval) * interval
	if next%interval == 0 {
		periodStart = next - interval
	}
	c.prefixStart = min(periodStart, c.anchor.Height-(medianTimeBlocks-1))
	if c.prefixStart < 0 {
		c.prefixStart = 0
	}

	return c, nil
}

// Bootstrap builds the initial chain from the checkpoint set and the headers
// of a previous run. Cached headers are re-verified; the first one that
// conflicts with a checkpoint or fails validation truncates the cache there.
// Corrupt checkpoint data is the only fatal condition.
func Bootstrap(cfg *Config, checkpoints []Checkpoint,
	cached []StoredHeader) (*Chain, error) {

	c, err := newChain(cfg, checkpoints)
	if err != nil {
		return nil, err
	}

	log.Infof("Bootstrapping header chain on %v: anchor=%v, "+
		"prefix=[%d, %d], cached=%d", c.cfg.ChainParams.Name, c.anchor,
		c.prefixStart, c.anchor.Height, len(cached))

	if c.anchor.Height == 0 {
		genesis := c.cfg.ChainParams.GenesisBlock.Header
		if err := c.ConnectPrefix([]wire.BlockHeader{genesis}); err != nil {
			return nil, err
		}
	}

	// Locate the contiguous run of cached headers that covers the prefix.
	idx := 0
	for idx < len(cached) && cached[idx].Height < c.prefixStart {
		idx++
	}

	if !c.Anchored() {
		prefixLen := int(c.anchor.Height - c.prefixStart + 1)
		if len(cached)-idx < prefixLen {
			log.Infof("Header cache does not cover the trusted "+
				"prefix, backfill required")

			return c, nil
		}

		prefix := make([]wire.BlockHeader, 0, prefixLen)
		for i := 0; i < prefixLen; i++ {
			sh := cached[idx+i]
			if sh.Height != c.prefixStart+int32(i) {
				log.Warnf("Header cache has a gap at height "+
					"%d, backfill required",
					c.prefixStart+int32(i))

				return c, nil
			}
			prefix = append(prefix, sh.Header)
		}

		if err := c.ConnectPrefix(prefix); err != nil {
			log.Warnf("Discarding cached prefix: %v", err)
			return c, nil
		}
	}

	// Replay the verified suffix, stopping at the first bad header.
	for _, sh := range cached[idx:] {
		if sh.Height <= c.Height() {
			continue
		}

		if sh.Height != c.Height()+1 {
			log.Warnf("Header cache has a gap at height %d, "+
				"truncating", c.Height()+1)
			break
		}

		if _, err := c.Extend(&sh.Header); err != nil {
			log.Warnf("Truncating header cache at height %d: %v",
				sh.Height, err)
			break
		}
	}

	log.Infof("Header chain ready: height=%d, tip=%v", c.Height(),
		c.TipHash())

	return c, nil
}

// nodeAt returns the main chain node at height. The caller must hold mu.
func (c *Chain) nodeAt(height int32) *node {
	idx := height - c.prefixStart
	if idx < 0 || int(idx) >= len(c.nodes) {
		return nil
	}

	return c.nodes[idx]
}

// tipNode returns the last node, or nil when unanchored. The caller must hold
// mu.
func (c *Chain) tipNode() *node {
	if len(c.nodes) == 0 {
		return nil
	}

	return c.nodes[len(c.nodes)-1]
}

// newNode builds a node on top of parent.
func newNode(header *wire.BlockHeader, height int32, parent *node) *node {
	work := blockchain.CalcWork(header.Bits)
	if parent != nil {
		work.Add(work, parent.work)
	}

	return &node{
		header: *header,
		hash:   header.BlockHash(),
		height: height,
		work:   work,
	}
}

// Anchored returns true once the trusted prefix is connected.
func (c *Chain) Anchored() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.nodes) > 0
}

// Anchor returns the highest checkpoint, below which no fork is accepted.
func (c *Chain) Anchor() Checkpoint {
	return c.anchor
}

// Checkpoints returns the checkpoint set in ascending height order, including
// the genesis block.
func (c *Chain) Checkpoints() []Checkpoint {
	return append([]Checkpoint(nil), c.checkpoints...)
}

// Params returns the network parameters of the chain.
func (c *Chain) Params() *chaincfg.Params {
	return c.cfg.ChainParams
}

// PrefixRange returns the inclusive height range the trusted prefix spans and
// whether it still has to be backfilled.
func (c *Chain) PrefixRange() (int32, int32, bool) {
	return c.prefixStart, c.anchor.Height, !c.Anchored()
}

// Height returns the height of the best header. An unanchored chain reports
// the anchor checkpoint.
func (c *Chain) Height() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if tip := c.tipNode(); tip != nil {
		return tip.height
	}

	return c.anchor.Height
}

// TipHash returns the hash of the best header. An unanchored chain reports
// the anchor checkpoint.
func (c *Chain) TipHash() chainhash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if tip := c.tipNode(); tip != nil {
		return tip.hash
	}

	return c.anchor.Hash
}

// Tip returns the height and hash of the best header as one consistent
// snapshot.
func (c *Chain) Tip() (int32, chainhash.Hash) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if tip := c.tipNode(); tip != nil {
		return tip.height, tip.hash
	}

	return c.anchor.Height, c.anchor.Hash
}

// HeaderByHeight returns the main chain header at height.
func (c *Chain) HeaderByHeight(height int32) (*wire.BlockHeader, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := c.nodeAt(height)
	if n == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHeight, height)
	}

	header := n.header
	return &header, nil
}

// HashAtHeight returns the main chain hash at height. Checkpoint heights are
// answered even when they are not held in memory.
func (c *Chain) HashAtHeight(height int32) (chainhash.Hash, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n := c.nodeAt(height); n != nil {
		return n.hash, nil
	}

	if hash, ok := c.cpByHeight[height]; ok {
		return hash, nil
	}

	return chainhash.Hash{}, fmt.Errorf("%w: %d", ErrUnknownHeight, height)
}

// HeightOf returns the height of hash if it is part of the main chain.
func (c *Chain) HeightOf(hash chainhash.Hash) (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	height, ok := c.byHash[hash]
	return height, ok
}

// WorkSum returns the cumulative work of the main chain from the first stored
// header through height.
func (c *Chain) WorkSum(height int32) (*big.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := c.nodeAt(height)
	if n == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHeight, height)
	}

	return new(big.Int).Set(n.work), nil
}

// StoredHeaders returns the main chain headers in [from, to] clamped to the
// stored range.
func (c *Chain) StoredHeaders(from, to int32) []StoredHeader {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tip := c.tipNode()
	if tip == nil {
		return nil
	}

	from = max(from, c.prefixStart)
	to = min(to, tip.height)

	var headers []StoredHeader
	for h := from; h <= to; h++ {
		n := c.nodeAt(h)
		headers = append(headers, StoredHeader{
			Height: n.height,
			Header: n.header,
		})
	}

	return headers
}

// Locator returns a block locator for the tip: the ten most recent hashes,
// then exponentially sparser ones, ending with the first stored header.
func (c *Chain) Locator() blockchain.BlockLocator {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tip := c.tipNode()
	if tip == nil {
		hash := c.anchor.Hash
		return blockchain.BlockLocator{&hash}
	}

	var (
		locator blockchain.BlockLocator
		step    int32 = 1
	)
	for height := tip.height; height >= c.prefixStart; {
		hash := c.nodeAt(height).hash
		locator = append(locator, &hash)

		if height == c.prefixStart {
			break
		}

		if len(locator) >= 10 {
			step *= 2
		}

		height = max(height-step, c.prefixStart)
	}

	return locator
}

// ConnectPrefix installs the trusted prefix. The run must cover exactly the
// range reported by PrefixRange, be internally linked and end at the anchor
// checkpoint. Proof of work is not checked.
func (c *Chain) ConnectPrefix(headers []wire.BlockHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.nodes) > 0 {
		return nil
	}

	want := int(c.anchor.Height - c.prefixStart + 1)
	if len(headers) != want {
		return fmt.Errorf("%w: prefix needs %d headers from height "+
			"%d, got %d", ErrInvalidLinkage, want, c.prefixStart,
			len(headers))
	}

	nodes := make([]*node, 0, len(headers))
	var parent *node
	for i := range headers {
		height := c.prefixStart + int32(i)
		n := newNode(&headers[i], height, parent)

		if parent != nil && n.header.PrevBlock != parent.hash {
			return fmt.Errorf("%w: prefix header %d (%v) does not "+
				"link to %v", ErrInvalidLinkage, height,
				n.hash, parent.hash)
		}

		if cp, ok := c.cpByHeight[height]; ok && cp != n.hash {
			return fmt.Errorf("%w: height %d has %v, checkpoint "+
				"is %v", ErrCheckpointMismatch, height, n.hash,
				cp)
		}

		nodes = append(nodes, n)
		parent = n
	}

	c.nodes = nodes
	for _, n := range nodes {
		c.byHash[n.hash] = n.height
	}

	log.Infof("Connected trusted prefix [%d, %d] ending at %v",
		c.prefixStart, c.anchor.Height, c.anchor.Hash)

	return nil
}

// checkHeader runs the context-dependent validity checks of header against
// its parent within view.
func (c *Chain) checkHeader(view headerView, header *wire.BlockHeader,
	hash chainhash.Hash, parent *node) error {

	height := parent.height + 1

	if header.PrevBlock != parent.hash {
		return fmt.Errorf("%w: header %v at height %d commits to %v, "+
			"expected %v", ErrInvalidLinkage, hash, height,
			header.PrevBlock, parent.hash)
	}

	if cp, ok := c.cpByHeight[height]; ok && cp != hash {
		return permanent(fmt.Errorf("%w: height %d has %v, checkpoint "+
			"is %v", ErrCheckpointMismatch, height, hash, cp))
	}

	required, err := c.requiredBits(view, parent, header.Timestamp)
	if err != nil {
		return err
	}
	if header.Bits != required {
		return permanent(fmt.Errorf("%w: header %v at height %d has "+
			"bits %08x, expected %08x", ErrInvalidPoW, hash,
			height, header.Bits, required))
	}

	target := blockchain.CompactToBig(header.Bits)
	if target.Sign() <= 0 ||
		target.Cmp(c.cfg.ChainParams.PowLimit) > 0 {

		return permanent(fmt.Errorf("%w: header %v has target "+
			"%064x outside the allowed range", ErrInvalidPoW, hash,
			target))
	}
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return permanent(fmt.Errorf("%w: hash %v is above target "+
			"%064x", ErrInvalidPoW, hash, target))
	}

	mtp := medianTimePast(view, parent)
	if !header.Timestamp.After(mtp) {
		return permanent(fmt.Errorf("%w: header %v at height %d has "+
			"time %v, not after median time past %v",
			ErrInvalidTimestamp, hash, height, header.Timestamp,
			mtp))
	}

	maxTime := c.cfg.Clock.Now().Add(c.cfg.MaxFutureDrift)
	if header.Timestamp.After(maxTime) {
		return fmt.Errorf("%w: header %v at height %d has time %v, "+
			"more than %v ahead of local time", ErrInvalidTimestamp,
			hash, height, header.Timestamp, c.cfg.MaxFutureDrift)
	}

	return nil
}

// rememberInvalid records a permanent validation failure so the same header
// is rejected cheaply next time. Linkage and clock related failures depend on
// the local view and are not remembered.
func (c *Chain) rememberInvalid(hash chainhash.Hash, err error) {
	var perm *permanentError
	if errors.As(err, &perm) {
		c.invalid.Add(hash, perm.error)
	}
}

// knownInvalid returns the recorded failure for hash, if any.
func (c *Chain) knownInvalid(hash chainhash.Hash) error {
	if err, ok := c.invalid.Get(hash); ok {
		return fmt.Errorf("previously rejected header %v: %w", hash,
			err)
	}

	return nil
}

// ValidateHeader checks header against the main chain header with hash prev
// without modifying the chain.
func (c *Chain) ValidateHeader(header *wire.BlockHeader,
	prev chainhash.Hash) error {

	c.mu.RLock()
	defer c.mu.RUnlock()

	hash := header.BlockHash()
	if err := c.knownInvalid(hash); err != nil {
		return err
	}

	height, ok := c.byHash[prev]
	if !ok {
		return fmt.Errorf("%w: unknown predecessor %v",
			ErrInvalidLinkage, prev)
	}

	view := &branchView{main: c, ancestor: height}
	err := c.checkHeader(view, header, hash, c.nodeAt(height))
	c.rememberInvalid(hash, err)

	return err
}

// Extend appends header to the tip. A header that is already part of the main
// chain is accepted again without change.
func (c *Chain) Extend(header *wire.BlockHeader) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := header.BlockHash()
	if height, ok := c.byHash[hash]; ok {
		return height, nil
	}

	if err := c.knownInvalid(hash); err != nil {
		return 0, err
	}

	tip := c.tipNode()
	if tip == nil {
		return 0, ErrNotAnchored
	}

	if err := c.checkHeader(c, header, hash, tip); err != nil {
		c.rememberInvalid(hash, err)
		return 0, err
	}

	n := newNode(header, tip.height+1, tip)
	c.nodes = append(c.nodes, n)
	c.byHash[n.hash] = n.height

	log.Debugf("Extended chain to height %d: %v", n.height, n.hash)

	return n.height, nil
}

// ExtendMany appends a run of headers to the tip. The batch either connects
// completely or leaves the chain untouched. Leading headers that are already
// in the main chain are skipped. It returns the new tip height.
func (c *Chain) ExtendMany(headers []wire.BlockHeader) (int32, error) {
	if len(headers) == 0 {
		return 0, ErrNoHeaders
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tip := c.tipNode()
	if tip == nil {
		return 0, ErrNotAnchored
	}

	// Skip the part of the run that is already connected.
	start := 0
	for start < len(headers) {
		if _, ok := c.byHash[headers[start].BlockHash()]; !ok {
			break
		}
		start++
	}
	headers = headers[start:]
	if len(headers) == 0 {
		return tip.height, nil
	}

	view := &branchView{main: c, ancestor: tip.height}
	parent := tip
	for i := range headers {
		hash := headers[i].BlockHash()
		if err := c.knownInvalid(hash); err != nil {
			return 0, err
		}

		err := c.checkHeader(view, &headers[i], hash, parent)
		if err != nil {
			c.rememberInvalid(hash, err)
			return 0, err
		}

		parent = newNode(&headers[i], parent.height+1, parent)
		view.branch = append(view.branch, parent)
	}

	c.nodes = append(c.nodes, view.branch...)
	for _, n := range view.branch {
		c.byHash[n.hash] = n.height
	}

	log.Debugf("Extended chain by %d headers to height %d: %v",
		len(view.branch), parent.height, parent.hash)

	return parent.height, nil
}

// branchView is the main chain up to ancestor followed by a candidate branch.
type branchView struct {
	main     *Chain
	ancestor int32
	branch   []*node
}

// nodeAt returns the node at height on the branch view.
func (v *branchView) nodeAt(height int32) *node {
	if height <= v.ancestor {
		return v.main.nodeAt(height)
	}

	idx := int(height - v.ancestor - 1)
	if idx >= len(v.branch) {
		return nil
	}

	return v.branch[idx]
}
