package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFixedClockReturnsPinnedTime(t *testing.T) {
	at := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	c := Fixed{At: at}
	require.Equal(t, at, c.Now())
}

func TestTruncateHourDropsMinutesAndSeconds(t *testing.T) {
	in := time.Date(2026, 1, 15, 10, 47, 33, 0, time.UTC)
	want := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	require.Equal(t, want, TruncateHour(in))
}

func TestTruncateHourNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	in := time.Date(2026, 1, 15, 10, 47, 33, 0, loc)
	require.Equal(t, time.UTC, TruncateHour(in).Location())
}
