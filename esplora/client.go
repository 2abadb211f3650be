package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// DefaultRequestTimeout bounds a single HTTP request.
	DefaultRequestTimeout = 30 * time.Second

	// maxBodySize bounds a response body.
	maxBodySize = 1 << 20

	// blocksPerPage is the number of blocks /blocks/:height returns.
	blocksPerPage = 10
)

var (
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("not found")

	// ErrBadResponse is returned when a response cannot be decoded or
	// does not match what was asked for.
	ErrBadResponse = errors.New("bad esplora response")
)

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.Code, e.Body)
}

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API (e.g.,
	// https://blockstream.info/api).
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// HTTPClient replaces the default HTTP client.
	HTTPClient *http.Client
}

// BlockInfo represents block information from the API.
type BlockInfo struct {
	ID                string `json:"id"`
	Height            int32  `json:"height"`
	Version           int32  `json:"version"`
	Timestamp         int64  `json:"timestamp"`
	TxCount           int    `json:"tx_count"`
	MerkleRoot        string `json:"merkle_root"`
	PreviousBlockHash string `json:"previousblockhash"`
	MedianTime        int64  `json:"mediantime"`
	Nonce             uint32 `json:"nonce"`
	Bits              uint32 `json:"bits"`
}

// Header rebuilds the block header and checks that it hashes to the
// reported block id.
func (b *BlockInfo) Header() (wire.BlockHeader, error) {
	var header wire.BlockHeader

	merkle, err := chainhash.NewHashFromStr(b.MerkleRoot)
	if err != nil {
		return header, fmt.Errorf("%w: merkle root: %w",
			ErrBadResponse, err)
	}

	// The genesis block has no previous hash.
	var prev chainhash.Hash
	if b.PreviousBlockHash != "" {
		p, err := chainhash.NewHashFromStr(b.PreviousBlockHash)
		if err != nil {
			return header, fmt.Errorf("%w: previous hash: %w",
				ErrBadResponse, err)
		}
		prev = *p
	}

	header = wire.BlockHeader{
		Version:    b.Version,
		PrevBlock:  prev,
		MerkleRoot: *merkle,
		Timestamp:  time.Unix(b.Timestamp, 0),
		Bits:       b.Bits,
		Nonce:      b.Nonce,
	}

	if hash := header.BlockHash(); hash.String() != b.ID {
		return header, fmt.Errorf("%w: block %d fields hash to %v, "+
			"not %v", ErrBadResponse, b.Height, hash, b.ID)
	}

	return header, nil
}

// Client is an HTTP client for the header endpoints of the Esplora REST API.
type Client struct {
	cfg ClientConfig

	httpClient *http.Client
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	c := *cfg
	c.URL = strings.TrimRight(c.URL, "/")
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.RequestTimeout}
	}

	return &Client{
		cfg:        c,
		httpClient: httpClient,
	}
}

// URL returns the base URL of the API.
func (c *Client) URL() string {
	return c.cfg.URL
}

// doGet performs a GET request and returns the response body.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.cfg.URL+path, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return bytes.TrimSpace(body), nil

	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %v", ErrNotFound, path)

	default:
		return nil, &StatusError{
			Code: resp.StatusCode,
			Body: string(bytes.TrimSpace(body)),
		}
	}
}

// GetTipHeight returns the current blockchain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (int32, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(string(body), 10, 32)
	if err != nil || height < 0 {
		return 0, fmt.Errorf("%w: tip height %q", ErrBadResponse, body)
	}

	return int32(height), nil
}

// GetTipHash returns the current blockchain tip hash.
func (c *Client) GetTipHash(ctx context.Context) (chainhash.Hash, error) {
	body, err := c.doGet(ctx, "/blocks/tip/hash")
	if err != nil {
		return chainhash.Hash{}, err
	}

	return parseHash(body)
}

// GetBlockHashByHeight fetches the block hash at a given height.
func (c *Client) GetBlockHashByHeight(ctx context.Context,
	height int32) (chainhash.Hash, error) {

	body, err := c.doGet(ctx, fmt.Sprintf("/block-height/%d", height))
	if err != nil {
		return chainhash.Hash{}, err
	}

	return parseHash(body)
}

// GetBlockHeader fetches the raw block header by hash and checks that it
// hashes to what was asked for.
func (c *Client) GetBlockHeader(ctx context.Context,
	hash chainhash.Hash) (*wire.BlockHeader, error) {

	body, err := c.doGet(ctx, "/block/"+hash.String()+"/header")
	if err != nil {
		return nil, err
	}

	headerBytes, err := hex.DecodeString(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: header hex: %w", ErrBadResponse, err)
	}

	header := &wire.BlockHeader{}
	err = header.Deserialize(bytes.NewReader(headerBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrBadResponse, err)
	}

	if header.BlockHash() != hash {
		return nil, fmt.Errorf("%w: header for %v hashes to %v",
			ErrBadResponse, hash, header.BlockHash())
	}

	return header, nil
}

// GetBlocks returns up to ten blocks, from height downwards.
func (c *Client) GetBlocks(ctx context.Context,
	height int32) ([]BlockInfo, error) {

	body, err := c.doGet(ctx, fmt.Sprintf("/blocks/%d", height))
	if err != nil {
		return nil, err
	}

	var blocks []BlockInfo
	if err := json.Unmarshal(body, &blocks); err != nil {
		return nil, fmt.Errorf("%w: blocks: %w", ErrBadResponse, err)
	}

	return blocks, nil
}

func parseHash(body []byte) (chainhash.Hash, error) {
	hash, err := chainhash.NewHashFromStr(string(body))
	if err != nil || len(body) != 2*chainhash.HashSize {
		return chainhash.Hash{}, fmt.Errorf("%w: hash %q",
			ErrBadResponse, body)
	}

	return *hash, nil
}
