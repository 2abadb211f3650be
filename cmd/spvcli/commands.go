package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvd/headerchain"
	"github.com/urfave/cli"
)

// defaultListCount is the number of headers listed when no range is given.
const defaultListCount = 10

func printJSON(w io.Writer, resp interface{}) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "    "); err != nil {
		return err
	}
	out.WriteString("\n")
	_, err = out.WriteTo(w)

	return err
}

type tipResp struct {
	Height int32  `json:"height"`
	Hash   string `json:"hash"`
}

var tipCommand = cli.Command{
	Name:   "tip",
	Usage:  "Show the best stored header.",
	Action: tip,
}

func tip(ctx *cli.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	height, hash, err := store.Tip()
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, &tipResp{
		Height: height,
		Hash:   hash.String(),
	})
}

type headerResp struct {
	Height     int32  `json:"height"`
	Hash       string `json:"hash"`
	Version    int32  `json:"version"`
	PrevBlock  string `json:"prev_block"`
	MerkleRoot string `json:"merkle_root"`
	Timestamp  int64  `json:"timestamp"`
	Bits       string `json:"bits"`
	Nonce      uint32 `json:"nonce"`
}

func newHeaderResp(height int32, h *wire.BlockHeader) *headerResp {
	return &headerResp{
		Height:     height,
		Hash:       h.BlockHash().String(),
		Version:    h.Version,
		PrevBlock:  h.PrevBlock.String(),
		MerkleRoot: h.MerkleRoot.String(),
		Timestamp:  h.Timestamp.Unix(),
		Bits:       fmt.Sprintf("%08x", h.Bits),
		Nonce:      h.Nonce,
	}
}

var getHeaderCommand = cli.Command{
	Name:      "getheader",
	Usage:     "Show the stored header at a height.",
	ArgsUsage: "height",
	Action:    getHeader,
}

func getHeader(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "getheader")
	}

	height, err := strconv.ParseInt(ctx.Args().First(), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid height: %w", err)
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	header, err := store.HeaderByHeight(int32(height))
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, newHeaderResp(int32(height), header))
}

var listHeadersCommand = cli.Command{
	Name:  "listheaders",
	Usage: "List a range of stored headers as a table.",
	Description: `
	List count headers starting at start. Without a start height the
	last headers up to the tip are listed.`,
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name:  "start",
			Usage: "the first height to list",
			Value: -1,
		},
		cli.IntFlag{
			Name:  "count",
			Usage: "the number of headers to list",
			Value: defaultListCount,
		},
	},
	Action: listHeaders,
}

func listHeaders(ctx *cli.Context) error {
	count := ctx.Int("count")
	if count <= 0 {
		return fmt.Errorf("count must be positive")
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	tipHeight, _, err := store.Tip()
	if err != nil {
		return err
	}

	start := int32(ctx.Int64("start"))
	if start < 0 {
		start = max(tipHeight-int32(count)+1, 0)
	}
	end := min(start+int32(count)-1, tipHeight)

	t := table.NewWriter()
	t.SetOutputMirror(ctx.App.Writer)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Height", "Hash", "Time", "Bits"})

	for height := start; height <= end; height++ {
		header, err := store.HeaderByHeight(height)
		if err != nil {
			return err
		}

		t.AppendRow(table.Row{
			height, header.BlockHash(),
			header.Timestamp.UTC().Format(time.RFC3339),
			fmt.Sprintf("%08x", header.Bits),
		})
	}
	t.Render()

	return nil
}

var checkpointsCommand = cli.Command{
	Name:  "checkpoints",
	Usage: "Show the checkpoints the chain is anchored on.",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name: "json",
			Usage: "print the checkpoints in the checkpoint " +
				"file format",
		},
	},
	Action: checkpoints,
}

func checkpoints(ctx *cli.Context) error {
	cps, err := chainConfig(ctx).Checkpoints()
	if err != nil {
		return err
	}

	if ctx.Bool("json") {
		return headerchain.EncodeCheckpoints(ctx.App.Writer, cps)
	}

	t := table.NewWriter()
	t.SetOutputMirror(ctx.App.Writer)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Height", "Hash"})
	for _, cp := range cps {
		t.AppendRow(table.Row{cp.Height, cp.Hash})
	}
	t.AppendFooter(table.Row{"Anchor", cps[len(cps)-1].Height})
	t.Render()

	return nil
}

type verifyResp struct {
	StoredHeight   int32  `json:"stored_height"`
	VerifiedHeight int32  `json:"verified_height"`
	VerifiedTip    string `json:"verified_tip"`
	Anchored       bool   `json:"anchored"`
	Anchor         string `json:"anchor"`
	Consistent     bool   `json:"consistent"`
}

var verifyCommand = cli.Command{
	Name:  "verify",
	Usage: "Re-verify the stored headers against the checkpoints.",
	Description: `
	Replay the header database the way spvd does on startup and report
	up to which height it verifies. spvd truncates the database at the
	first header that fails.`,
	Action: verify,
}

func verify(ctx *cli.Context) error {
	chainCfg := chainConfig(ctx)
	params, err := chainCfg.Params()
	if err != nil {
		return err
	}
	cps, err := chainCfg.Checkpoints()
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	cached, err := store.Load()
	if err != nil {
		return err
	}

	headerchain.DisableLog()
	chain, err := headerchain.Bootstrap(&headerchain.Config{
		ChainParams:    params,
		Clock:          clock.NewDefaultClock(),
		MaxFutureDrift: chainCfg.MaxFutureDrift,
	}, cps, cached)
	if err != nil {
		return err
	}

	resp := &verifyResp{
		StoredHeight: -1,
		Anchored:     chain.Anchored(),
		Anchor:       chain.Anchor().String(),
	}
	if len(cached) > 0 {
		resp.StoredHeight = cached[len(cached)-1].Height
	}
	if chain.Anchored() {
		height, hash := chain.Tip()
		resp.VerifiedHeight = height
		resp.VerifiedTip = hash.String()
	} else {
		resp.VerifiedHeight = -1
	}

	// An empty database has nothing to contradict the checkpoints.
	resp.Consistent = len(cached) == 0 ||
		(resp.Anchored && resp.VerifiedHeight == resp.StoredHeight)

	return printJSON(ctx.App.Writer, resp)
}
