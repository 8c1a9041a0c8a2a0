package main

import (
	"fmt"
	"io"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/DataDog/sketches-go/ddsketch/mapping"
	"github.com/DataDog/sketches-go/ddsketch/store"
	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// HDR histogram range: 1µs to 60s, 3 significant figures
	histMin    = 1
	histMax    = 60_000_000
	histSigFig = 3
	// DDSketch relative accuracy: true quantile within ±1% of reported
	sketchAlpha = 0.01
)

// runStats accumulates latency samples beside the interval histogram: an
// HDR histogram for the end-of-run lifetime summary and, when enabled, a
// per-interval DDSketch backing the percentile footer.
type runStats struct {
	lifetime *hdrhistogram.Histogram
	sketch   *ddsketch.DDSketch // nil unless the footer is enabled
}

func newRunStats(percentiles bool) *runStats {
	rs := &runStats{lifetime: hdrhistogram.New(histMin, histMax, histSigFig)}
	if percentiles {
		rs.sketch = newSketch()
	}
	return rs
}

func newSketch() *ddsketch.DDSketch {
	m, _ := mapping.NewLogarithmicMapping(sketchAlpha)
	return ddsketch.NewDDSketch(m, store.NewDenseStore(), store.NewDenseStore())
}

// record takes a latency in milliseconds (the unit of the core pipeline)
// and stores it clamped to the histogram range, in microseconds. Clamping
// happens in the float domain: converting an out-of-range float to int64
// first would be implementation-defined.
func (rs *runStats) record(latencyMs float64) {
	us := latencyMs * 1000
	if math.IsNaN(us) || us < histMin {
		us = histMin
	} else if us > histMax {
		us = histMax
	}
	rs.lifetime.RecordValue(int64(us))
	if rs.sketch != nil {
		rs.sketch.Add(us)
	}
}

// resetInterval clears the per-interval sketch (the lifetime histogram
// persists across intervals).
func (rs *runStats) resetInterval() {
	if rs.sketch != nil {
		rs.sketch.Clear()
	}
}

// footer renders the percentile line printed under each report, or ""
// when disabled or empty this interval.
func (rs *runStats) footer() string {
	if rs.sketch == nil || rs.sketch.GetCount() == 0 {
		return ""
	}
	q := func(p float64) string {
		v, err := rs.sketch.GetValueAtQuantile(p)
		if err != nil {
			return "-"
		}
		return formatLatency(v)
	}
	max := "-"
	if v, err := rs.sketch.GetMaxValue(); err == nil {
		max = formatLatency(v)
	}
	return fmt.Sprintf("p50=%s p90=%s p99=%s p99.9=%s max=%s\n",
		q(0.50), q(0.90), q(0.99), q(0.999), max)
}

// printSummary writes the end-of-run lifetime percentiles and the drop
// diagnostics accumulated over the whole run.
func (rs *runStats) printSummary(w io.Writer, unmatched, stale uint64) {
	h := rs.lifetime
	if h.TotalCount() > 0 {
		fmt.Fprintf(w, "\nlifetime: %s I/O  avg=%s p50=%s p90=%s p99=%s p99.9=%s max=%s\n",
			formatCount(h.TotalCount()),
			formatLatency(h.Mean()),
			formatLatency(float64(h.ValueAtQuantile(50))),
			formatLatency(float64(h.ValueAtQuantile(90))),
			formatLatency(float64(h.ValueAtQuantile(99))),
			formatLatency(float64(h.ValueAtQuantile(99.9))),
			formatLatency(float64(h.Max())))
	}
	if unmatched > 0 || stale > 0 {
		fmt.Fprintf(w, "dropped: %d unmatched completions, %d stale starts\n", unmatched, stale)
	}
}

// formatLatency formats a latency value (in µs) to human-readable string
func formatLatency(us float64) string {
	if us < 1000 {
		return fmt.Sprintf("%.0fµs", us)
	}
	if us < 1_000_000 {
		return fmt.Sprintf("%.0fms", us/1000)
	}
	return fmt.Sprintf("%.1fs", us/1_000_000)
}

// formatCount formats sample counts
func formatCount(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.1fB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}
