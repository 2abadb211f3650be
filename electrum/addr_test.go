package electrum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseServerAddr(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in    string
		want  ServerAddr
		canon string
		err   bool
	}{{
		in: "electrum.example:50002:s",
		want: ServerAddr{
			Host: "electrum.example", Port: 50002,
			Transport: TransportTLS,
		},
		canon: "electrum.example:50002:s",
	}, {
		in: "[::1]:50001:t",
		want: ServerAddr{
			Host: "::1", Port: 50001, Transport: TransportTCP,
		},
		canon: "[::1]:50001:t",
	}, {
		in: "ssl://electrum.example",
		want: ServerAddr{
			Host: "electrum.example", Port: DefaultTLSPort,
			Transport: TransportTLS,
		},
		canon: "electrum.example:50002:s",
	}, {
		in: "tcp://10.0.0.1:60001",
		want: ServerAddr{
			Host: "10.0.0.1", Port: 60001, Transport: TransportTCP,
		},
		canon: "10.0.0.1:60001:t",
	}, {
		in: "wss://electrum.example:443/ws",
		want: ServerAddr{
			Host: "electrum.example", Port: 443,
			Transport: TransportWSS, Path: "/ws",
		},
		canon: "wss://electrum.example:443/ws",
	}, {
		in:  "electrum.example:50002",
		err: true,
	}, {
		in:  "electrum.example:50002:x",
		err: true,
	}, {
		in:  "electrum.example:99999:s",
		err: true,
	}, {
		in:  "http://electrum.example",
		err: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			addr, err := ParseServerAddr(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.want, addr)
			require.Equal(t, tc.canon, addr.String())
		})
	}
}
