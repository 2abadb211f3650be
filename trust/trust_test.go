package trust

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestTable() (*Table, *clock.TestClock) {
	testClock := clock.NewTestClock(testTime)

	cfg := DefaultConfig()
	cfg.Clock = testClock

	return NewTable(cfg), testClock
}

// TestRecord asserts rewards and penalties move the score in the expected
// direction and stay within bounds.
func TestRecord(t *testing.T) {
	t.Parallel()

	table, _ := newTestTable()

	require.Equal(t, DefaultInitial, table.Score("a"))

	score := table.Record("a", EventFetchSuccess)
	require.InDelta(t, DefaultInitial+DefaultReward, score, 1e-9)

	score = table.Record("b", EventInvalidHeader)
	require.Equal(t, DefaultMin, score)

	for i := 0; i < 1000; i++ {
		table.Record("c", EventAgreement)
	}
	require.Equal(t, DefaultMax, table.Score("c"))

	require.Equal(t, []string{"c", "a", "d", "b"},
		table.Rank([]string{"a", "b", "c", "d"}))

	table.Forget("c")
	require.Equal(t, DefaultInitial, table.Score("c"))
	require.Len(t, table.Snapshot(), 2)
}

// TestDecay asserts that scores drift back towards the initial score.
func TestDecay(t *testing.T) {
	t.Parallel()

	table, testClock := newTestTable()

	table.Record("bad", EventInvalidHeader)
	for i := 0; i < 50; i++ {
		table.Record("good", EventAgreement)
	}
	good := table.Score("good")

	testClock.SetTime(testTime.Add(DefaultHalfLife))

	require.InDelta(t, DefaultInitial-(DefaultInitial-DefaultMin)/2,
		table.Score("bad"), 1e-9)
	require.InDelta(t, DefaultInitial+(good-DefaultInitial)/2,
		table.Score("good"), 1e-9)
}

// TestScoreBounds checks that any sequence of events keeps the score within
// the configured bounds.
func TestScoreBounds(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		table, testClock := newTestTable()
		now := testTime

		events := rapid.SliceOf(
			rapid.IntRange(0, int(EventInvalidHeader)),
		).Draw(rt, "events")

		for _, e := range events {
			now = now.Add(time.Duration(
				rapid.IntRange(0, 3600).Draw(rt, "secs"),
			) * time.Second)
			testClock.SetTime(now)

			score := table.Record("s", Event(e))
			require.GreaterOrEqual(rt, score, DefaultMin)
			require.LessOrEqual(rt, score, DefaultMax)
		}
	})
}

// TestValidate asserts that inconsistent weights are refused.
func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Initial = 100
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.InvalidPenalty = -1
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Min = 0
	require.Error(t, cfg.Validate())
}
