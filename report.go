package main

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Width of the proportional distribution bar, in characters.
const barWidth = 38

// reporter renders one interval's histogram as a fixed-width table with
// proportional bar graphs.
type reporter struct {
	out        io.Writer
	errOut     io.Writer // lost-event warnings, kept off the report stream
	timestamps bool
	redraw     bool // home the cursor before each report (terminal only)
	now        func() time.Time
}

func newReporter(out, errOut io.Writer) *reporter {
	return &reporter{out: out, errOut: errOut, now: time.Now}
}

// print renders the bucket counts plus an optional percentile footer. The
// whole report is built up and written in a single call so terminals and
// log pipes see it without buffering delay.
func (r *reporter) print(counts []uint64, footer string) {
	var maxVal uint64
	for _, c := range counts {
		if c > maxVal {
			maxVal = c
		}
	}

	var b strings.Builder
	if r.redraw {
		b.WriteString("\033[H\033[J")
	}
	b.WriteString("\n")
	if r.timestamps {
		b.WriteString(r.now().Format("15:04:05"))
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "%8s .. %-8s : %-8s |%-*s|\n", ">=(ms)", "<(ms)", "I/O", barWidth, "Distribution")

	lower, upper := 0, 1
	for _, c := range counts {
		bar := ""
		if maxVal > 0 {
			bar = strings.Repeat("#", int(float64(c)/float64(maxVal)*barWidth+0.5))
		}
		fmt.Fprintf(&b, "%8d -> %-8d : %-8d |%-*s|\n", lower, upper, c, barWidth, bar)
		if lower == 0 {
			lower = 1
		} else {
			lower *= 2
		}
		upper *= 2
	}

	if footer != "" {
		b.WriteString(footer)
	}
	io.WriteString(r.out, b.String())
}

// warnLost surfaces a kernel ring-buffer overrun. Non-fatal: the interval
// still reports, it just undercounts.
func (r *reporter) warnLost(n uint64) {
	fmt.Fprintf(r.errOut, "WARNING: %d trace events lost; histogram may undercount\n", n)
}
