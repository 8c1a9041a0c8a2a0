package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reportRows splits a rendered report into its bucket rows.
func reportRows(out string) []string {
	var rows []string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "->") {
			rows = append(rows, line)
		}
	}
	return rows
}

func TestReportTable(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newReporter(&out, &errOut)

	r.print([]uint64{2104, 280}, "")

	s := out.String()
	assert.True(t, strings.HasPrefix(s, "\n"), "reports are separated by a blank line")
	assert.Contains(t, s, ">=(ms)")
	assert.Contains(t, s, "<(ms)")
	assert.Contains(t, s, "I/O")
	assert.Contains(t, s, "Distribution")

	rows := reportRows(s)
	require.Len(t, rows, 2)

	assert.Contains(t, rows[0], "0 -> 1")
	assert.Contains(t, rows[0], " 2104 ")
	assert.Equal(t, barWidth, strings.Count(rows[0], "#"), "max bucket gets a full bar")

	assert.Contains(t, rows[1], "1 -> 2")
	assert.Contains(t, rows[1], " 280 ")
	// round(38 * 280 / 2104) = 5
	assert.Equal(t, 5, strings.Count(rows[1], "#"))

	assert.Empty(t, errOut.String())
}

func TestReportBucketBoundsDouble(t *testing.T) {
	var out bytes.Buffer
	r := newReporter(&out, &bytes.Buffer{})

	r.print([]uint64{1, 1, 1, 1, 1}, "")

	rows := reportRows(out.String())
	require.Len(t, rows, 5)
	for i, bounds := range []string{"0 -> 1", "1 -> 2", "2 -> 4", "4 -> 8", "8 -> 16"} {
		assert.Contains(t, rows[i], bounds)
	}
}

func TestReportEmptyInterval(t *testing.T) {
	var out bytes.Buffer
	r := newReporter(&out, &bytes.Buffer{})

	r.print([]uint64{0}, "")

	rows := reportRows(out.String())
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0], "0 -> 1")
	assert.Zero(t, strings.Count(rows[0], "#"), "bar must be empty when maxValue is 0")
}

func TestReportTimestamp(t *testing.T) {
	var out bytes.Buffer
	r := newReporter(&out, &bytes.Buffer{})
	r.timestamps = true
	r.now = func() time.Time {
		return time.Date(2026, 8, 23, 14, 5, 9, 0, time.UTC)
	}

	r.print([]uint64{1}, "")
	assert.Contains(t, out.String(), "14:05:09\n")

	out.Reset()
	r.timestamps = false
	r.print([]uint64{1}, "")
	assert.NotContains(t, out.String(), "14:05:09")
}

func TestReportFooter(t *testing.T) {
	var out bytes.Buffer
	r := newReporter(&out, &bytes.Buffer{})

	r.print([]uint64{1}, "p50=2ms p99=8ms\n")
	assert.True(t, strings.HasSuffix(out.String(), "p50=2ms p99=8ms\n"))
}

func TestWarnLostGoesToErrorStream(t *testing.T) {
	var out, errOut bytes.Buffer
	r := newReporter(&out, &errOut)

	r.warnLost(105)
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "105")
	assert.Contains(t, errOut.String(), "WARNING")
}
