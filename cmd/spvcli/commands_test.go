package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/spvd/headerchain"
	"github.com/lightningnetwork/spvd/headerstore"
	"github.com/lightningnetwork/spvd/internal/chaintest"
	"github.com/stretchr/testify/require"
)

// writeStore persists headers[1:] into a regtest header database below
// dataDir, the way spvd lays it out.
func writeStore(t *testing.T, dataDir string, ancestor int32,
	headers []headerchain.StoredHeader) {

	store, err := headerstore.Open(&headerstore.Config{
		DBPath: filepath.Join(dataDir, "regtest"),
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	require.NoError(t, store.PersistHeaders(ancestor, headers))
}

func toStored(headers []wire.BlockHeader,
	from int32) []headerchain.StoredHeader {

	stored := make([]headerchain.StoredHeader, 0, len(headers))
	for i, h := range headers {
		stored = append(stored, headerchain.StoredHeader{
			Height: from + int32(i),
			Header: h,
		})
	}

	return stored
}

// runCLI runs spvcli against dataDir on regtest and returns its output.
func runCLI(t *testing.T, dataDir string, args ...string) (string, error) {
	app := newApp()

	var out bytes.Buffer
	app.Writer = &out

	argv := append([]string{
		"spvcli", "--datadir", dataDir, "--network", "regtest",
	}, args...)
	err := app.Run(argv)

	return out.String(), err
}

func TestCommands(t *testing.T) {
	dataDir := t.TempDir()

	headers := chaintest.MineFromGenesis(
		&chaincfg.RegressionNetParams, 20, 0,
	)
	writeStore(t, dataDir, 0, toStored(headers[1:], 1))

	t.Run("tip", func(t *testing.T) {
		out, err := runCLI(t, dataDir, "tip")
		require.NoError(t, err)

		var resp tipResp
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		require.EqualValues(t, 20, resp.Height)
		require.Equal(t, headers[20].BlockHash().String(), resp.Hash)
	})

	t.Run("getheader", func(t *testing.T) {
		out, err := runCLI(t, dataDir, "getheader", "5")
		require.NoError(t, err)

		var resp headerResp
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		require.Equal(t, headers[5].BlockHash().String(), resp.Hash)
		require.Equal(t, headers[4].BlockHash().String(),
			resp.PrevBlock)

		_, err = runCLI(t, dataDir, "getheader", "99")
		require.ErrorIs(t, err, headerchain.ErrUnknownHeight)

		_, err = runCLI(t, dataDir, "getheader", "five")
		require.Error(t, err)
	})

	t.Run("listheaders", func(t *testing.T) {
		out, err := runCLI(t, dataDir, "listheaders", "--count", "3")
		require.NoError(t, err)
		require.Contains(t, out, headers[20].BlockHash().String())
		require.Contains(t, out, headers[18].BlockHash().String())
		require.NotContains(t, out, headers[17].BlockHash().String())

		out, err = runCLI(
			t, dataDir, "listheaders", "--start", "1",
			"--count", "2",
		)
		require.NoError(t, err)
		require.Contains(t, out, headers[1].BlockHash().String())
		require.NotContains(t, out, headers[3].BlockHash().String())
	})

	t.Run("checkpoints", func(t *testing.T) {
		out, err := runCLI(t, dataDir, "checkpoints", "--json")
		require.NoError(t, err)

		cps, err := headerchain.LoadCheckpoints(bytes.NewReader(
			[]byte(out),
		))
		require.NoError(t, err)
		require.Equal(t, headerchain.CheckpointsFromParams(
			&chaincfg.RegressionNetParams,
		), cps)

		out, err = runCLI(t, dataDir, "checkpoints")
		require.NoError(t, err)
		require.Contains(
			t, out,
			chaincfg.RegressionNetParams.GenesisHash.String(),
		)
	})

	t.Run("verify", func(t *testing.T) {
		out, err := runCLI(t, dataDir, "verify")
		require.NoError(t, err)

		var resp verifyResp
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		require.True(t, resp.Consistent)
		require.True(t, resp.Anchored)
		require.EqualValues(t, 20, resp.VerifiedHeight)
		require.EqualValues(t, 20, resp.StoredHeight)
	})
}

// TestVerifyDetectsBadHeader checks that a stored header failing proof of
// work is reported as the point the database would be truncated at.
func TestVerifyDetectsBadHeader(t *testing.T) {
	dataDir := t.TempDir()

	headers := chaintest.MineFromGenesis(
		&chaincfg.RegressionNetParams, 10, 0,
	)

	bad := chaintest.NextHeader(&headers[10], 1)
	chaintest.Solve(&bad, false)
	headers = append(headers, bad)

	writeStore(t, dataDir, 0, toStored(headers[1:], 1))

	out, err := runCLI(t, dataDir, "verify")
	require.NoError(t, err)

	var resp verifyResp
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.False(t, resp.Consistent)
	require.EqualValues(t, 10, resp.VerifiedHeight)
	require.EqualValues(t, 11, resp.StoredHeight)
}

// TestMissingStore checks that commands fail cleanly without a database.
func TestMissingStore(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "tip")
	require.Error(t, err)
}
