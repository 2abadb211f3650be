package spvd

import (
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvd/build"
	"github.com/lightningnetwork/spvd/chainevents"
	"github.com/lightningnetwork/spvd/headerchain"
	"github.com/lightningnetwork/spvd/headerstore"
	"github.com/lightningnetwork/spvd/iface"
	"github.com/lightningnetwork/spvd/monitoring"
	"github.com/lightningnetwork/spvd/network"
	"github.com/lightningnetwork/spvd/trust"
)

// Main is the true entry point for spvd. It bootstraps the header chain from
// the checkpoints and the header database, runs the server pool and blocks
// until shutdownChan is closed.
func Main(cfg *Config, shutdownChan <-chan struct{}) error {
	defer func() {
		spvdLog.Info("Shutdown complete")
		if err := cfg.LogRotator.Close(); err != nil {
			spvdLog.Errorf("Could not close log rotator: %v", err)
		}
	}()

	spvdLog.Infof("Version: %s commit=%s, build=%s, logging=%s",
		build.Version(), build.Commit, build.Deployment,
		build.LoggingType)
	spvdLog.Infof("Active network: %v", cfg.ActiveNetParams.Name)

	// Corrupt checkpoint data is the one condition we cannot recover
	// from.
	checkpoints, err := cfg.Chain.Checkpoints()
	if err != nil {
		return fmt.Errorf("unable to load checkpoints: %w", err)
	}

	store, err := headerstore.Open(cfg.DB.StoreConfig(cfg.networkDir, false))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			spvdLog.Errorf("Unable to close header store: %v", err)
		}
	}()

	cached, err := store.Load()
	if err != nil {
		return fmt.Errorf("unable to load header cache: %w", err)
	}

	clk := clock.NewDefaultClock()

	chain, err := headerchain.Bootstrap(&headerchain.Config{
		ChainParams:      cfg.ActiveNetParams,
		Clock:            clk,
		MaxFutureDrift:   cfg.Chain.MaxFutureDrift,
		InvalidCacheSize: cfg.Chain.InvalidCacheSize,
	}, checkpoints, cached)
	if err != nil {
		return err
	}

	orchestrator, err := newOrchestrator(cfg, chain, store, clk)
	if err != nil {
		return err
	}

	if err := orchestrator.Start(); err != nil {
		return err
	}
	defer func() {
		if err := orchestrator.Stop(); err != nil {
			spvdLog.Errorf("Unable to stop orchestrator: %v", err)
		}
	}()

	if cfg.Prometheus.Enable {
		exporter, err := monitoring.NewExporter(
			cfg.Prometheus, orchestrator, clk,
		)
		if err != nil {
			return err
		}
		if err := exporter.Start(); err != nil {
			return fmt.Errorf("unable to start prometheus "+
				"exporter: %w", err)
		}
		defer func() {
			if err := exporter.Stop(); err != nil {
				spvdLog.Errorf("Unable to stop exporter: %v",
					err)
			}
		}()
	}

	events, err := orchestrator.SubscribeChainEvents()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logChainEvents(events)
	}()
	defer func() {
		events.Cancel()
		wg.Wait()
	}()

	spvdLog.Infof("spvd started, tracking %v from height %d",
		cfg.ActiveNetParams.Name, chain.Height())

	<-shutdownChan

	return nil
}

// newOrchestrator maps the config onto the network orchestrator.
func newOrchestrator(cfg *Config, chain *headerchain.Chain,
	store *headerstore.Store, clk clock.Clock) (*network.Orchestrator,
	error) {

	versions, err := cfg.Network.Versions()
	if err != nil {
		return nil, err
	}
	seeds, err := cfg.Network.Seeds()
	if err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.Network.TLSConfig()
	if err != nil {
		return nil, err
	}

	if len(cfg.Network.Servers) == 0 && len(seeds) == 0 {
		spvdLog.Warnf("No servers or DNS seeds configured, the chain " +
			"will not advance")
	}

	trustCfg := cfg.Trust.TableConfig()
	trustCfg.Clock = clk

	newBackend := network.NewBackendFactory(&network.TransportConfig{
		ChainParams:    cfg.ActiveNetParams,
		TLSConfig:      tlsCfg,
		Dialer:         cfg.Network.Dialer(),
		RequestTimeout: cfg.Network.RequestTimeout,
		PollInterval:   cfg.Network.EsploraPollInterval,
	})

	serverTemplate := iface.Config{
		ConnectTimeout:   cfg.Network.ConnectTimeout,
		HandshakeTimeout: cfg.Network.HandshakeTimeout,
		RequestTimeout:   cfg.Network.RequestTimeout,
		FetchBatchSize:   cfg.Fetch.BatchSize,
		MaxFetchAttempts: cfg.Fetch.MaxAttempts,
		RetryInterval:    cfg.Fetch.RetryInterval,
		ClaimQueueSize:   cfg.Fetch.ClaimQueueSize,
	}

	return network.New(&network.Config{
		Chain:               chain,
		Store:               store,
		Trust:               trust.NewTable(trustCfg),
		Clock:               clk,
		Servers:             cfg.Network.Servers,
		DNSSeeds:            seeds,
		Versions:            versions,
		NewBackend:          newBackend,
		Server:              serverTemplate,
		TargetPoolSize:      cfg.Pool.TargetSize,
		MaxKnownServers:     cfg.Pool.MaxKnownServers,
		BanDuration:         cfg.Pool.BanDuration,
		ReconnectInterval:   cfg.Pool.ReconnectInterval,
		ReconnectBurst:      cfg.Pool.ReconnectBurst,
		MaxResolveFailures:  cfg.Pool.MaxResolveFailures,
		CaughtUpDelta:       cfg.Pool.CaughtUpDelta,
		MaintenanceInterval: cfg.Pool.MaintenanceInterval,
		PingInterval:        cfg.Pool.PingInterval,
		PingTimeout:         cfg.Pool.PingTimeout,
		PingAttempts:        cfg.Pool.PingAttempts,
	})
}

// logChainEvents reports tip changes until the subscription ends.
func logChainEvents(events *chainevents.Client) {
	for {
		select {
		case event, ok := <-events.Updates():
			if !ok {
				return
			}

			switch e := event.(type) {
			case *chainevents.Reorg:
				spvdLog.Warnf("Chain reorganized: %v", e)

			default:
				spvdLog.Infof("New tip: %v", e)
			}

		case <-events.Quit():
			return
		}
	}
}
