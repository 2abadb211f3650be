package chainevents

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func receive(t *testing.T, c *Client) Event {
	t.Helper()

	select {
	case event, ok := <-c.Updates():
		require.True(t, ok, "updates closed")
		return event

	case <-time.After(testTimeout):
		t.Fatalf("no event received")
		return nil
	}
}

// TestServerDelivery asserts that events reach all clients in order and that
// late subscribers get the latest tip first.
func TestServerDelivery(t *testing.T) {
	t.Parallel()

	s := NewServer()
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	c1, err := s.Subscribe()
	require.NoError(t, err)
	c2, err := s.Subscribe()
	require.NoError(t, err)

	tip := &TipChanged{Height: 5, Hash: chainhash.Hash{5}, PrevHeight: 4}
	reorg := &Reorg{
		CommonAncestor: 3,
		OldHeight:      5,
		OldTip:         chainhash.Hash{5},
		NewHeight:      6,
		NewTipHash:     chainhash.Hash{6},
		Disconnected:   []chainhash.Hash{{4}, {5}},
		Connected:      []chainhash.Hash{{7}, {8}, {6}},
	}

	require.NoError(t, s.SendUpdate(tip))
	require.NoError(t, s.SendUpdate(reorg))

	for _, c := range []*Client{c1, c2} {
		require.Equal(t, tip, receive(t, c))
		require.Equal(t, reorg, receive(t, c))
	}

	late, err := s.Subscribe()
	require.NoError(t, err)

	event := receive(t, late)
	height, hash := event.NewTip()
	require.Equal(t, int32(6), height)
	require.Equal(t, chainhash.Hash{6}, hash)
}

// TestClientCancel asserts that a cancelled client stops receiving while the
// others keep going.
func TestClientCancel(t *testing.T) {
	t.Parallel()

	s := NewServer()
	require.NoError(t, s.Start())

	c1, err := s.Subscribe()
	require.NoError(t, err)
	c2, err := s.Subscribe()
	require.NoError(t, err)

	c1.Cancel()

	select {
	case <-c1.Quit():
	case <-time.After(testTimeout):
		t.Fatalf("client not cancelled")
	}

	require.NoError(t, s.SendUpdate(&TipChanged{Height: 1}))
	require.Equal(t, int32(1), receive(t, c2).(*TipChanged).Height)

	require.NoError(t, s.Stop())

	select {
	case <-c2.Quit():
	case <-time.After(testTimeout):
		t.Fatalf("client not stopped")
	}

	_, err = s.Subscribe()
	require.ErrorIs(t, err, ErrServerShuttingDown)
	require.ErrorIs(t, s.SendUpdate(&TipChanged{}), ErrServerShuttingDown)
}
