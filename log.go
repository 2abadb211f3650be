package spvd

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/spvd/build"
	"github.com/lightningnetwork/spvd/chainevents"
	"github.com/lightningnetwork/spvd/consensus"
	"github.com/lightningnetwork/spvd/electrum"
	"github.com/lightningnetwork/spvd/esplora"
	"github.com/lightningnetwork/spvd/headerchain"
	"github.com/lightningnetwork/spvd/headerstore"
	"github.com/lightningnetwork/spvd/iface"
	"github.com/lightningnetwork/spvd/monitoring"
	"github.com/lightningnetwork/spvd/network"
	"github.com/lightningnetwork/spvd/signal"
	"github.com/lightningnetwork/spvd/trust"
)

// Subsystem is the logging code of the daemon itself.
const Subsystem = "SPVD"

// spvdLog is the logger of the daemon. It is replaced once SetupLoggers runs.
var spvdLog = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager) {
	spvdLog = root.GenSubLogger(Subsystem)

	AddSubLogger(root, headerchain.Subsystem, headerchain.UseLogger)
	AddSubLogger(root, headerstore.Subsystem, headerstore.UseLogger)
	AddSubLogger(root, trust.Subsystem, trust.UseLogger)
	AddSubLogger(root, chainevents.Subsystem, chainevents.UseLogger)
	AddSubLogger(root, iface.Subsystem, iface.UseLogger)
	AddSubLogger(root, electrum.Subsystem, electrum.UseLogger)
	AddSubLogger(root, esplora.Subsystem, esplora.UseLogger)
	AddSubLogger(root, consensus.Subsystem, consensus.UseLogger)
	AddSubLogger(root, network.Subsystem, network.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
	AddSubLogger(root, signal.Subsystem, signal.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := root.GenSubLogger(subsystem)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
