package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

type countingChecker struct {
	calls atomic.Int32
}

func (c *countingChecker) Check(context.Context, bool) linestatus.CheckResult {
	c.calls.Add(1)
	return linestatus.CheckResult{Status: "平常運転"}
}

func TestNewCronValidates(t *testing.T) {
	t.Parallel()

	_, err := NewCron(nil, CronConfig{}, nil)
	require.Error(t, err)
	_, err = NewCron(&countingChecker{}, CronConfig{Timezone: "Mars/Olympus"}, nil)
	require.Error(t, err)
	_, err = NewCron(&countingChecker{}, CronConfig{Spec: "not a spec"}, nil)
	require.Error(t, err)
}

func TestCronNextUsesTimezone(t *testing.T) {
	t.Parallel()

	c, err := NewCron(&countingChecker{}, CronConfig{}, nil)
	require.NoError(t, err)
	c.Start()
	defer func() { require.NoError(t, c.Stop(context.Background())) }()

	next := c.Next()
	require.False(t, next.IsZero())
	tokyo, err := time.LoadLocation(DefaultTimezone)
	require.NoError(t, err)
	local := next.In(tokyo)
	require.True(t, IsWeekday(local))
	require.True(t, IsScheduledTime(local))
}

func TestCronTickRunsCheck(t *testing.T) {
	t.Parallel()

	checker := &countingChecker{}
	c, err := NewCron(checker, CronConfig{}, nil)
	require.NoError(t, err)
	c.tick()
	require.EqualValues(t, 1, checker.calls.Load())
}

func TestIsWeekday(t *testing.T) {
	t.Parallel()

	require.True(t, IsWeekday(time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)))   // Monday
	require.True(t, IsWeekday(time.Date(2025, 6, 6, 7, 0, 0, 0, time.UTC)))   // Friday
	require.False(t, IsWeekday(time.Date(2025, 6, 7, 7, 0, 0, 0, time.UTC)))  // Saturday
	require.False(t, IsWeekday(time.Date(2025, 6, 8, 17, 0, 0, 0, time.UTC))) // Sunday
}

func TestIsScheduledTime(t *testing.T) {
	t.Parallel()

	require.True(t, IsScheduledTime(time.Date(2025, 6, 2, 7, 0, 30, 0, time.UTC)))
	require.True(t, IsScheduledTime(time.Date(2025, 6, 2, 17, 0, 0, 0, time.UTC)))
	require.False(t, IsScheduledTime(time.Date(2025, 6, 2, 7, 1, 0, 0, time.UTC)))
	require.False(t, IsScheduledTime(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)))
}
