package main

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatsFooterDisabled(t *testing.T) {
	rs := newRunStats(false)
	rs.record(3)
	assert.Empty(t, rs.footer())
}

func TestRunStatsFooter(t *testing.T) {
	rs := newRunStats(true)
	assert.Empty(t, rs.footer(), "no footer before the first sample")

	for i := 0; i < 100; i++ {
		rs.record(2) // 2ms
	}
	rs.record(40)

	f := rs.footer()
	assert.Contains(t, f, "p50=2ms")
	assert.Contains(t, f, "p99=")
	assert.Contains(t, f, "max=40ms")

	// The footer sketch resets with the interval.
	rs.resetInterval()
	assert.Empty(t, rs.footer())
}

func TestRunStatsLifetimePersists(t *testing.T) {
	rs := newRunStats(true)
	rs.record(8)
	rs.resetInterval()
	rs.record(8)

	require.Equal(t, int64(2), rs.lifetime.TotalCount())

	var out bytes.Buffer
	rs.printSummary(&out, 0, 0)
	assert.Contains(t, out.String(), "lifetime: 2 I/O")
	assert.Contains(t, out.String(), "p50=8ms")
	assert.NotContains(t, out.String(), "dropped:")
}

func TestPrintSummaryDrops(t *testing.T) {
	var out bytes.Buffer
	newRunStats(false).printSummary(&out, 3, 7)
	assert.Contains(t, out.String(), "dropped: 3 unmatched completions, 7 stale starts")
	assert.NotContains(t, out.String(), "lifetime:")
}

func TestRecordClampsRange(t *testing.T) {
	rs := newRunStats(false)
	rs.record(-2)     // below range -> 1µs floor
	rs.record(120000) // 120s -> 60s cap
	assert.Equal(t, int64(2), rs.lifetime.TotalCount())
	assert.InDelta(t, histMax, rs.lifetime.Max(), histMax*0.01)

	// Non-finite input clamps in the float domain before conversion.
	rs.record(math.Inf(1))
	rs.record(math.NaN())
	assert.Equal(t, int64(4), rs.lifetime.TotalCount())
	assert.InDelta(t, histMax, rs.lifetime.Max(), histMax*0.01)
}

func TestFormatLatency(t *testing.T) {
	assert.Equal(t, "500µs", formatLatency(500))
	assert.Equal(t, "2ms", formatLatency(2000))
	assert.Equal(t, "1.5s", formatLatency(1_500_000))
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "999", formatCount(999))
	assert.Equal(t, "1.5K", formatCount(1500))
	assert.Equal(t, "2.0M", formatCount(2_000_000))
	assert.Equal(t, "3.1B", formatCount(3_100_000_000))
}
