package spvcfg_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/spvd/spvcfg"
	"github.com/stretchr/testify/require"
)

// TestDefaultsValid asserts that every option group is valid out of the box.
func TestDefaultsValid(t *testing.T) {
	t.Parallel()

	err := spvcfg.Validate(
		spvcfg.DefaultNetwork(), spvcfg.DefaultPool(),
		spvcfg.DefaultTrust(), spvcfg.DefaultFetch(),
		spvcfg.DefaultChain(), spvcfg.DefaultDB(),
	)
	require.NoError(t, err)
}

// TestValidatePool asserts that validating the Pool config only succeeds for
// sane sizes and intervals.
func TestValidatePool(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(p *spvcfg.Pool)
		valid  bool
	}{
		{
			name:   "defaults",
			modify: func(*spvcfg.Pool) {},
			valid:  true,
		},
		{
			name: "ping disabled",
			modify: func(p *spvcfg.Pool) {
				p.PingAttempts = 0
				p.PingInterval = 0
			},
			valid: true,
		},
		{
			name: "empty pool",
			modify: func(p *spvcfg.Pool) {
				p.TargetSize = 0
			},
		},
		{
			name: "known below target",
			modify: func(p *spvcfg.Pool) {
				p.TargetSize = 10
				p.MaxKnownServers = 5
			},
		},
		{
			name: "zero ban duration",
			modify: func(p *spvcfg.Pool) {
				p.BanDuration = 0
			},
		},
		{
			name: "ping without interval",
			modify: func(p *spvcfg.Pool) {
				p.PingInterval = 0
			},
		},
		{
			name: "negative caught up delta",
			modify: func(p *spvcfg.Pool) {
				p.CaughtUpDelta = -1
			},
		},
		{
			name: "no resolve failures allowed",
			modify: func(p *spvcfg.Pool) {
				p.MaxResolveFailures = 0
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := spvcfg.DefaultPool()
			test.modify(cfg)

			err := cfg.Validate()
			if test.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

// TestValidateNetwork checks server addresses, seeds and the protocol range.
func TestValidateNetwork(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(n *spvcfg.Network)
		valid  bool
	}{
		{
			name: "mixed servers",
			modify: func(n *spvcfg.Network) {
				n.Servers = []string{
					"electrum.example:50002:s",
					"tcp://other.example:50001",
					"esplora+https://blockstream.info/api",
				}
				n.DNSSeeds = []string{"seed.example,ns.example"}
			},
			valid: true,
		},
		{
			name: "bad server",
			modify: func(n *spvcfg.Network) {
				n.Servers = []string{"ftp://nope"}
			},
		},
		{
			name: "proxied websocket server",
			modify: func(n *spvcfg.Network) {
				n.Proxy = "127.0.0.1:9050"
				n.Servers = []string{"wss://electrum.example:50004"}
			},
			valid: true,
		},
		{
			name: "proxied raw socket server",
			modify: func(n *spvcfg.Network) {
				n.Proxy = "127.0.0.1:9050"
				n.Servers = []string{"electrum.example:50002:s"}
			},
		},
		{
			name: "bad seed",
			modify: func(n *spvcfg.Network) {
				n.DNSSeeds = []string{"a,b,c"}
			},
		},
		{
			name: "inverted protocol range",
			modify: func(n *spvcfg.Network) {
				n.ProtocolMin = "1.5"
				n.ProtocolMax = "1.4"
			},
		},
		{
			name: "unparsable protocol",
			modify: func(n *spvcfg.Network) {
				n.ProtocolMax = "one.four"
			},
		},
		{
			name: "zero timeout",
			modify: func(n *spvcfg.Network) {
				n.RequestTimeout = 0
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := spvcfg.DefaultNetwork()
			test.modify(cfg)

			err := cfg.Validate()
			if test.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

// TestNetworkHelpers checks the derived transport settings.
func TestNetworkHelpers(t *testing.T) {
	t.Parallel()

	cfg := spvcfg.DefaultNetwork()
	require.Nil(t, cfg.Dialer())

	cfg.Proxy = "127.0.0.1:9050"
	require.NotNil(t, cfg.Dialer())

	versions, err := cfg.Versions()
	require.NoError(t, err)
	require.Equal(t, spvcfg.DefaultProtocolMin, versions.Min.String())

	tlsCfg, err := cfg.TLSConfig()
	require.NoError(t, err)
	require.False(t, tlsCfg.InsecureSkipVerify)
	require.Nil(t, tlsCfg.RootCAs)

	cfg.TLSCertPath = filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(cfg.TLSCertPath, []byte("nope"), 0600))
	_, err = cfg.TLSConfig()
	require.Error(t, err)
}

// TestChainParams checks network selection and checkpoint loading.
func TestChainParams(t *testing.T) {
	t.Parallel()

	cfg := spvcfg.DefaultChain()
	params, err := cfg.Params()
	require.NoError(t, err)
	require.Equal(t, chaincfg.MainNetParams.Name, params.Name)

	cps, err := cfg.Checkpoints()
	require.NoError(t, err)
	require.NotEmpty(t, cps)

	cfg.Network = "testnet"
	params, err = cfg.Params()
	require.NoError(t, err)
	require.Equal(t, chaincfg.TestNet3Params.Name, params.Name)

	cfg.Network = "litecoin"
	require.Error(t, cfg.Validate())

	cfg = spvcfg.DefaultChain()
	cfg.CheckpointFile = filepath.Join(t.TempDir(), "checkpoints.json")
	require.NoError(t, os.WriteFile(
		cfg.CheckpointFile, []byte(`[["zz", 1]]`), 0600,
	))
	_, err = cfg.Checkpoints()
	require.Error(t, err)

	cfg.MaxFutureDrift = 0
	require.Error(t, cfg.Validate())
}

// TestTrustConversion checks the trust options round into a table config.
func TestTrustConversion(t *testing.T) {
	t.Parallel()

	cfg := spvcfg.DefaultTrust()
	cfg.HalfLife = time.Hour
	cfg.Reward = 0.5

	table := cfg.TableConfig()
	require.Equal(t, time.Hour, table.HalfLife)
	require.Equal(t, 0.5, table.Reward)

	cfg.Min = 2
	cfg.Initial = 1
	require.Error(t, cfg.Validate())
}

func TestNormalizeNetwork(t *testing.T) {
	t.Parallel()

	require.Equal(t, "testnet", spvcfg.NormalizeNetwork("testnet3"))
	require.Equal(t, "signet", spvcfg.NormalizeNetwork("signet"))
}
