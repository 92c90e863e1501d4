package tradingday

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func etToUTC(t *testing.T, layout, value string) time.Time {
	t.Helper()
	tm, err := time.ParseInLocation(layout, value, Zone)
	require.NoError(t, err)
	return tm.UTC()
}

func TestID_BeforeBoundaryIsPreviousDay(t *testing.T) {
	instant := etToUTC(t, "2006-01-02 15:04:05", "2026-03-05 03:59:59")
	assert.Equal(t, "20260304", ID(instant))
}

func TestID_AtBoundaryIsSameDay(t *testing.T) {
	instant := etToUTC(t, "2006-01-02 15:04:05", "2026-03-05 04:00:00")
	assert.Equal(t, "20260305", ID(instant))
}

func TestID_DSTSpringForward(t *testing.T) {
	// 2026-03-08 is the US spring-forward date; 04:00 ET boundary must
	// still resolve correctly across the clock jump.
	before := etToUTC(t, "2006-01-02 15:04:05", "2026-03-08 03:00:00")
	after := etToUTC(t, "2006-01-02 15:04:05", "2026-03-08 05:00:00")
	assert.Equal(t, "20260307", ID(before))
	assert.Equal(t, "20260308", ID(after))
}

func TestBounds_RoundTrip(t *testing.T) {
	instant := etToUTC(t, "2006-01-02 15:04:05", "2026-03-05 10:00:00")
	start, end := Bounds(instant)
	assert.True(t, !instant.Before(start) && instant.Before(end))
	assert.Equal(t, ID(instant), ID(start))
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}
