package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_FixedByDefault(t *testing.T) {
	b := Backoff{Delay: 2 * time.Second}
	for n := 1; n <= 6; n++ {
		require.Equal(t, 2*time.Second, b.Wait(n))
	}
	require.Equal(t, DefaultRetryDelay, Backoff{}.Wait(1))
}

func TestBackoff_ExponentialIsCapped(t *testing.T) {
	b := Backoff{Kind: BackoffExponential, Delay: time.Second, MaxDelay: 10 * time.Second}
	require.Equal(t, time.Second, b.Wait(1))
	require.Equal(t, 2*time.Second, b.Wait(2))
	require.Equal(t, 4*time.Second, b.Wait(3))
	require.Equal(t, 8*time.Second, b.Wait(4))
	require.Equal(t, 10*time.Second, b.Wait(5))
	require.Equal(t, 10*time.Second, b.Wait(40))
}

func TestJitteredDelayStaysInBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := JitteredDelay(base, 110*time.Millisecond, 20)
		require.GreaterOrEqual(t, d, 80*time.Millisecond)
		require.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestParseBackoffKind(t *testing.T) {
	for in, want := range map[string]BackoffKind{"": BackoffFixed, "fixed": BackoffFixed, "Exponential": BackoffExponential} {
		got, err := ParseBackoffKind(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseBackoffKind("linear")
	require.Error(t, err)
}
