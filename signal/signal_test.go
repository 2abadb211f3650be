package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRequestShutdown checks that a shutdown request closes the shutdown
// channel and that a second interceptor is refused while one is active.
func TestRequestShutdown(t *testing.T) {
	interceptor, err := Intercept()
	require.NoError(t, err)
	require.True(t, interceptor.Listening())

	_, err = Intercept()
	require.Error(t, err)

	interceptor.RequestShutdown()

	select {
	case <-interceptor.ShutDownChannel():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown channel not closed")
	}
	require.False(t, interceptor.Listening())

	// A request after shutdown must not block.
	interceptor.RequestShutdown()

	// Once the handler exited a new interceptor may be created.
	require.Eventually(t, func() bool {
		next, err := Intercept()
		if err != nil {
			return false
		}
		next.RequestShutdown()
		<-next.ShutDownChannel()

		return true
	}, 5*time.Second, 10*time.Millisecond)
}
