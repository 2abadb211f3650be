package iface

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrUnreachable is returned when a server cannot be dialed.
	ErrUnreachable = errors.New("server unreachable")

	// ErrTimedOut is returned when a server did not answer in time.
	ErrTimedOut = errors.New("server timed out")

	// ErrDisconnected is returned when the connection to a server was
	// lost or the interface was stopped.
	ErrDisconnected = errors.New("server disconnected")

	// ErrIncompatibleProtocol is returned when the server does not speak a
	// protocol version within the accepted range.
	ErrIncompatibleProtocol = errors.New("incompatible protocol version")

	// ErrMalformedResponse is returned when a server answer cannot be
	// decoded or does not match the request.
	ErrMalformedResponse = errors.New("malformed server response")

	// ErrBanned is returned by operations on an interface that has been
	// blacklisted.
	ErrBanned = errors.New("server is banned")
)

// IsTransportError returns true for failures that are expected to go away on
// a later attempt.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrTimedOut) ||
		errors.Is(err, ErrDisconnected)
}

// IsProtocolError returns true for failures that mean the server cannot be
// used at all.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrIncompatibleProtocol) ||
		errors.Is(err, ErrMalformedResponse)
}

// ClassifyNetError maps a raw network or context error onto the transport
// error taxonomy. Errors that already carry a classification are returned
// unchanged.
func ClassifyNetError(err error) error {
	if err == nil || IsTransportError(err) || IsProtocolError(err) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimedOut, err)

	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", ErrTimedOut, err)

	case errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrDisconnected, err)

	default:
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
}
