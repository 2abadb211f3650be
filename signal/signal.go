// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Heavily inspired by https://github.com/btcsuite/btcd/blob/master/signal.go
// Copyright (C) 2015-2017 The Lightning Network Developers

package signal

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// started is set once an Interceptor exists. Only one may be created per
// process as it owns the signal handlers.
var started int32

// Interceptor turns OS signals and application requests into a single
// shutdown notification.
type Interceptor struct {
	// interruptChannel receives the caught OS signals.
	interruptChannel chan os.Signal

	// shutdownChannel is closed once the main interrupt handler exits.
	shutdownChannel chan struct{}

	// shutdownRequestChannel requests a graceful shutdown, the same as
	// receiving SIGINT.
	shutdownRequestChannel chan struct{}

	// quit is closed when the main interrupt handler is told to exit.
	quit chan struct{}
}

// Intercept starts the interception of interrupt signals. Calling it more
// than once per process is an error.
func Intercept() (Interceptor, error) {
	if !atomic.CompareAndSwapInt32(&started, 0, 1) {
		return Interceptor{}, errors.New("intercept already started")
	}

	channels := Interceptor{
		interruptChannel:       make(chan os.Signal, 1),
		shutdownChannel:        make(chan struct{}),
		shutdownRequestChannel: make(chan struct{}),
		quit:                   make(chan struct{}),
	}

	signalsToCatch := []os.Signal{
		os.Interrupt,
		syscall.SIGABRT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	}
	signal.Notify(channels.interruptChannel, signalsToCatch...)
	go channels.mainInterruptHandler()

	return channels, nil
}

// mainInterruptHandler listens for OS signals on the interruptChannel and
// shutdown requests on the shutdownRequestChannel and closes the
// shutdownChannel on the first of either.
//
// NOTE: This MUST be run as a goroutine.
func (c *Interceptor) mainInterruptHandler() {
	defer atomic.StoreInt32(&started, 0)

	// isShutdown is set once the first shutdown was triggered, so later
	// signals are only logged.
	var isShutdown bool

	shutdown := func() {
		if isShutdown {
			log.Infof("Already shutting down...")
			return
		}
		isShutdown = true
		log.Infof("Shutting down...")

		// Signal the main interrupt handler to exit, and stop accept
		// post-facto requests.
		close(c.quit)
	}

	for {
		select {
		case sig := <-c.interruptChannel:
			log.Infof("Received %v", sig)
			shutdown()

		case <-c.shutdownRequestChannel:
			log.Infof("Received shutdown request.")
			shutdown()

		case <-c.quit:
			log.Infof("Gracefully shutting down.")
			close(c.shutdownChannel)
			signal.Stop(c.interruptChannel)
			return
		}
	}
}

// Listening returns true if the main interrupt handler has not been killed.
func (c *Interceptor) Listening() bool {
	// If our signal channel is nil, we assume that we're not in
	// interceptor mode.
	if c.quit == nil {
		return false
	}

	select {
	case <-c.quit:
		return false
	default:
		return true
	}
}

// RequestShutdown initiates a graceful shutdown from the application.
func (c *Interceptor) RequestShutdown() {
	select {
	case c.shutdownRequestChannel <- struct{}{}:
	case <-c.quit:
	}
}

// ShutDownChannel returns the channel that will be closed once the main
// interrupt handler has exited.
func (c *Interceptor) ShutDownChannel() <-chan struct{} {
	return c.shutdownChannel
}
