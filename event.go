package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Marker tokens as they appear in a trace line (event name field).
const (
	startMarker = "bcache_request_start:"
	endMarker   = "bcache_request_end:"
)

// device identifies a block device by major/minor number.
type device struct {
	major uint32
	minor uint32
}

func (d device) String() string {
	return fmt.Sprintf("%d,%d", d.major, d.minor)
}

// kdev returns the kernel dev_t encoding used in tracefs filter expressions.
func (d device) kdev() uint32 {
	return d.major<<20 | d.minor
}

// parseDevice parses the "major,minor" field of a trace line.
func parseDevice(s string) (device, bool) {
	maj, min, ok := strings.Cut(s, ",")
	if !ok {
		return device{}, false
	}
	major, err := strconv.ParseUint(maj, 10, 32)
	if err != nil {
		return device{}, false
	}
	minor, err := strconv.ParseUint(min, 10, 32)
	if err != nil {
		return device{}, false
	}
	return device{major: uint32(major), minor: uint32(minor)}, true
}

// reqKey pairs a completion with its start: the event stream has at most
// one request in flight per device+sector at a time.
type reqKey struct {
	dev    device
	sector uint64
}

type startEvent struct {
	key reqKey
	ts  float64 // seconds since boot, fractional
}

type endEvent struct {
	key  reqKey
	ts   float64
	rwbs string // direction flags, e.g. "R", "WS", "RM"
}

// lostEvent marks a kernel ring-buffer overrun between two drains.
type lostEvent struct {
	count uint64
}

// lineParser turns raw trace lines into typed events.
//
// A trace line is whitespace-delimited with a fixed column layout:
//
//	TASK-PID [TGID] CPU# FLAGS TIMESTAMP: EVENT: maj,min RWBS sector + nr ...
//
// The optional TGID column shifts every subsequent field by one; offset
// compensates and is detected once at startup from the trace header.
type lineParser struct {
	offset int
}

func newLineParser(header string) *lineParser {
	return &lineParser{offset: detectColumnOffset(header)}
}

// detectColumnOffset inspects the one-time trace header for the TGID
// column variant.
func detectColumnOffset(header string) int {
	for _, line := range strings.Split(header, "\n") {
		if strings.HasPrefix(line, "#") && strings.Contains(line, "TASK-PID") {
			if strings.Contains(line, "TGID") {
				return 1
			}
			return 0
		}
	}
	return 0
}

// parse returns a startEvent, endEvent, or lostEvent, or nil for header
// lines and anything else that does not match a recognized shape.
func (p *lineParser) parse(line string) any {
	if strings.HasPrefix(line, "#") {
		return nil
	}
	if n, ok := parseLostMarker(line); ok {
		return lostEvent{count: n}
	}

	fields := strings.Fields(line)
	if len(fields) < 8+p.offset {
		return nil
	}
	name := fields[4+p.offset]
	if name != startMarker && name != endMarker {
		return nil
	}
	// ParseFloat accepts "inf" and "nan"; a timestamp is only valid finite.
	ts, err := strconv.ParseFloat(strings.TrimSuffix(fields[3+p.offset], ":"), 64)
	if err != nil || math.IsInf(ts, 0) || math.IsNaN(ts) {
		return nil
	}
	dev, ok := parseDevice(fields[5+p.offset])
	if !ok {
		return nil
	}
	sector, err := strconv.ParseUint(fields[7+p.offset], 10, 64)
	if err != nil {
		return nil
	}

	key := reqKey{dev: dev, sector: sector}
	if name == startMarker {
		return startEvent{key: key, ts: ts}
	}
	return endEvent{key: key, ts: ts, rwbs: fields[6+p.offset]}
}

// parseLostMarker recognizes ring-buffer overrun lines of the form
// "CPU:2 [LOST 105 EVENTS]".
func parseLostMarker(line string) (uint64, bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 || !strings.HasPrefix(fields[0], "CPU:") ||
		fields[1] != "[LOST" || fields[3] != "EVENTS]" {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
