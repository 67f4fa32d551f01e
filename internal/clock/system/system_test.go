package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().Add(-time.Second)
	got := clk.Now()
	after := time.Now().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "%v outside [%v, %v]", got, before, after)
}

func TestClockNowNonDecreasing(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	require.False(t, second.Before(first))
}

func TestInZone(t *testing.T) {
	t.Parallel()

	clk, err := InZone("Asia/Tokyo")
	require.NoError(t, err)
	require.Equal(t, "Asia/Tokyo", clk.Location().String())

	// 22:00 UTC on a Sunday is 07:00 Monday in Tokyo.
	got := clk.In(time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC))
	require.Equal(t, time.Monday, got.Weekday())
	require.Equal(t, 7, got.Hour())

	_, err = InZone("Mars/Olympus_Mons")
	require.Error(t, err)
}

func TestZeroClockIsUTC(t *testing.T) {
	t.Parallel()

	var clk Clock
	require.Equal(t, time.UTC, clk.Now().Location())
}
