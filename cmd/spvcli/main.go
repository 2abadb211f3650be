package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/spvd/build"
	"github.com/lightningnetwork/spvd/headerstore"
	"github.com/lightningnetwork/spvd/spvcfg"
	"github.com/urfave/cli"
)

var defaultSpvdDir = btcutil.AppDataDir("spvd", false)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[spvcli] %v\n", err)
	os.Exit(1)
}

// chainConfig returns the chain options selected by the global flags.
func chainConfig(ctx *cli.Context) *spvcfg.Chain {
	cfg := spvcfg.DefaultChain()
	cfg.Network = ctx.GlobalString("network")
	cfg.CheckpointFile = ctx.GlobalString("checkpointfile")

	return cfg
}

// networkDir returns the directory of the header database of the selected
// network, laid out the same way spvd does.
func networkDir(ctx *cli.Context) (string, error) {
	params, err := chainConfig(ctx).Params()
	if err != nil {
		return "", err
	}

	dataDir := ctx.GlobalString("datadir")
	if dataDir == "" {
		spvdDir := spvcfg.CleanAndExpandPath(
			ctx.GlobalString("spvddir"),
		)
		dataDir = filepath.Join(spvdDir, spvcfg.DefaultDataDirname)
	}

	return filepath.Join(
		spvcfg.CleanAndExpandPath(dataDir),
		spvcfg.NormalizeNetwork(params.Name),
	), nil
}

// openStore opens the header database read-only. The caller must close it.
func openStore(ctx *cli.Context) (*headerstore.Store, error) {
	dir, err := networkDir(ctx)
	if err != nil {
		return nil, err
	}

	return headerstore.Open(&headerstore.Config{
		DBPath:   dir,
		ReadOnly: true,
	})
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "spvcli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "inspect the header database of spvd"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "spvddir",
			Value:     defaultSpvdDir,
			Usage:     "The path to spvd's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "datadir",
			Usage: "The data directory of spvd, overriding the " +
				"one inside spvddir.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network spvd is running on, e.g. mainnet, " +
				"testnet, signet or regtest.",
			Value: spvcfg.DefaultChainNetwork,
		},
		cli.StringFlag{
			Name: "checkpointfile",
			Usage: "The checkpoint file spvd is configured with, " +
				"if any.",
			TakesFile: true,
		},
	}
	app.Commands = []cli.Command{
		tipCommand,
		getHeaderCommand,
		listHeadersCommand,
		checkpointsCommand,
		verifyCommand,
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}
