package iface

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/wire"
)

// ProtocolVersion is a dotted server protocol version such as 1.4.2.
type ProtocolVersion struct {
	Major uint32
	Minor uint32
	Patch uint32
}

// ParseProtocolVersion parses a version of one to three dotted numbers.
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	var v ProtocolVersion

	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 3 {
		return v, fmt.Errorf("invalid protocol version %q", s)
	}

	fields := []*uint32{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return v, fmt.Errorf("invalid protocol version %q: %w",
				s, err)
		}
		*fields[i] = uint32(n)
	}

	return v, nil
}

// Cmp returns -1, 0 or 1 if v is lower than, equal to or higher than o.
func (v ProtocolVersion) Cmp(o ProtocolVersion) int {
	a := [3]uint32{v.Major, v.Minor, v.Patch}
	b := [3]uint32{o.Major, o.Minor, o.Patch}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}

	return 0
}

// String returns the dotted form of the version, leaving out a zero patch
// level.
func (v ProtocolVersion) String() string {
	if v.Patch == 0 {
		return fmt.Sprintf("%d.%d", v.Major, v.Minor)
	}

	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// VersionRange is an inclusive range of protocol versions.
type VersionRange struct {
	Min ProtocolVersion
	Max ProtocolVersion
}

// Contains returns true if v is inside the range.
func (r VersionRange) Contains(v ProtocolVersion) bool {
	return v.Cmp(r.Min) >= 0 && v.Cmp(r.Max) <= 0
}

// String returns the range in [min, max] form.
func (r VersionRange) String() string {
	return fmt.Sprintf("[%v, %v]", r.Min, r.Max)
}

// TipUpdate is a best header announced by a server.
type TipUpdate struct {
	Height int32
	Header wire.BlockHeader
}

// Backend is the capability set a transport provides for one server. Each
// transport variant implements it; the rest of the client only talks to this
// interface.
type Backend interface {
	// Connect establishes the transport connection. It fails with
	// ErrUnreachable or ErrTimedOut.
	Connect(ctx context.Context) error

	// Handshake negotiates a protocol version within versions. It fails
	// with ErrIncompatibleProtocol if there is none.
	Handshake(ctx context.Context,
		versions VersionRange) (ProtocolVersion, error)

	// SubscribeHeaders returns a stream of tip announcements. The first
	// item is the current tip. The channel is closed when the
	// subscription ends.
	SubscribeHeaders(ctx context.Context) (<-chan TipUpdate, error)

	// FetchHeaders returns up to count consecutive headers starting at
	// height start. Fewer headers are returned only at the server's tip.
	FetchHeaders(ctx context.Context, start,
		count uint32) ([]wire.BlockHeader, error)

	// Ping checks that the server is responsive.
	Ping(ctx context.Context) error

	// Peers returns addresses of other servers the server knows about.
	Peers(ctx context.Context) ([]string, error)

	// Close tears down the connection.
	Close() error
}
