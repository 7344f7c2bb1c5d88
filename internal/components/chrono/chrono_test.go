package chrono

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}

func TestSleepZero(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), 0))
}

func TestStandardImplLocation(t *testing.T) {
	impl, err := NewStandardImpl("")
	require.NoError(t, err)
	require.Equal(t, time.UTC, impl.Location())

	impl, err = NewStandardImpl("America/Los_Angeles")
	require.NoError(t, err)
	require.Equal(t, "America/Los_Angeles", impl.Now().Location().String())

	_, err = NewStandardImpl("Not/AZone")
	require.Error(t, err)
}
