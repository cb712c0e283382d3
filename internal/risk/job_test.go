package risk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDailyResetJob_ClearsHalt(t *testing.T) {
	e := New(baseParams())
	e.RecordFill(-1_000_000)
	require.True(t, e.IsHalted())

	job := &DailyResetJob{Engine: e}
	require.Equal(t, "daily-risk-reset", job.Name())
	require.NoError(t, job.Run())

	require.False(t, e.IsHalted())
}
