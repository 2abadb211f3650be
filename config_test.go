package spvd

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// testConfig returns the default config rooted in a temporary directory with
// file logging off.
func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.SpvdDir = t.TempDir()
	cfg.LogConfig.File.Disable = true
	cfg.LogConfig.Console.Disable = true

	return cfg
}

// TestValidateConfig checks that paths are rebased and namespaced and that
// invalid option groups are refused.
func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
		valid  bool
		check  func(t *testing.T, cfg *Config)
	}{
		{
			name:   "defaults",
			modify: func(*Config) {},
			valid:  true,
			check: func(t *testing.T, cfg *Config) {
				require.Equal(
					t, chaincfg.MainNetParams.Name,
					cfg.ActiveNetParams.Name,
				)
				require.Equal(t, filepath.Join(
					cfg.SpvdDir, "data", "mainnet",
				), cfg.NetworkDir())
				require.NotNil(t, cfg.LogMgr)
				require.Contains(
					t, cfg.LogMgr.SupportedSubsystems(),
					"CNSS",
				)
			},
		},
		{
			name: "testnet namespace",
			modify: func(cfg *Config) {
				cfg.Chain.Network = "testnet3"
			},
			valid: true,
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, filepath.Join(
					cfg.SpvdDir, "data", "testnet",
				), cfg.NetworkDir())
				require.Equal(t, filepath.Join(
					cfg.SpvdDir, "logs", "testnet",
				), cfg.LogDir)
			},
		},
		{
			name: "subsystem debug level",
			modify: func(cfg *Config) {
				cfg.DebugLevel = "info,NTWK=debug"
			},
			valid: true,
		},
		{
			name: "unknown subsystem",
			modify: func(cfg *Config) {
				cfg.DebugLevel = "info,NOPE=debug"
			},
		},
		{
			name: "invalid pool",
			modify: func(cfg *Config) {
				cfg.Pool.TargetSize = 0
			},
		},
		{
			name: "invalid server",
			modify: func(cfg *Config) {
				cfg.Network.Servers = []string{"gopher://x"}
			},
		},
		{
			name: "prometheus without listener",
			modify: func(cfg *Config) {
				cfg.Prometheus.Enable = true
				cfg.Prometheus.Listen = ""
			},
		},
		{
			name: "bad log compressor",
			modify: func(cfg *Config) {
				cfg.LogConfig.File.Compressor = "lz4"
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig(t)
			test.modify(&cfg)

			cleanCfg, err := ValidateConfig(cfg, "")
			if !test.valid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			if test.check != nil {
				test.check(t, cleanCfg)
			}
		})
	}
}
