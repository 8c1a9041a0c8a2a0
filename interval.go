package main

import "math"

// intervalState owns everything that lives for exactly one reporting
// interval: the pending-start table and the latency histogram. Both are
// discarded at every interval boundary, because draining the trace buffer
// resets the kernel-side stream — any start left over from a previous
// interval can never be matched and is stale by definition.
type intervalState struct {
	pending map[reqKey]float64 // start timestamp by request key
	hist    map[int]uint64     // sample count by bucket index
	maxIdx  int                // highest populated bucket this interval

	// Run-lifetime drop diagnostics, surfaced once in the final summary.
	unmatched uint64
	stale     uint64
}

func newIntervalState() *intervalState {
	return &intervalState{
		pending: make(map[reqKey]float64),
		hist:    make(map[int]uint64),
	}
}

// onStart records the issue timestamp for key. A second start for the same
// key before its completion overwrites the first; the old entry is lost,
// matching the at-most-one-in-flight-per-key model of the event stream.
func (s *intervalState) onStart(key reqKey, ts float64) {
	s.pending[key] = ts
}

// onEnd matches a completion against its pending start. It returns the
// request latency in milliseconds, or ok=false when no start was seen this
// interval (missed events, an interval reset, or a concurrent tracer) —
// the completion is dropped without complaint.
func (s *intervalState) onEnd(key reqKey, ts float64) (float64, bool) {
	start, ok := s.pending[key]
	if !ok {
		s.unmatched++
		return 0, false
	}
	delete(s.pending, key)
	return 1000 * (ts - start), true
}

// discard removes a pending start without producing a sample. Used for
// completions excluded by the direction filter: the request did complete,
// so leaving the entry behind would misreport it as stale.
func (s *intervalState) discard(key reqKey) {
	delete(s.pending, key)
}

// record buckets one latency sample.
func (s *intervalState) record(latencyMs float64) {
	i := bucketIndex(latencyMs)
	s.hist[i]++
	if i > s.maxIdx {
		s.maxIdx = i
	}
}

// Highest bucket the histogram can hold: 2^63 ms is beyond any real
// latency and keeps the doubling loop bounded for non-finite inputs.
const maxBucketIndex = 64

// bucketIndex returns the histogram bucket for a latency in milliseconds.
// Bucket 0 covers [0,1) ms and absorbs non-positive values and NaN from
// clock anomalies; bucket i covers [2^(i-1), 2^i) ms, capped at
// maxBucketIndex.
func bucketIndex(latencyMs float64) int {
	if latencyMs < 1 || math.IsNaN(latencyMs) {
		return 0
	}
	i := 1
	for upper := 2.0; latencyMs >= upper; upper *= 2 {
		i++
		if i == maxBucketIndex {
			break
		}
	}
	return i
}

// snapshot returns the interval's bucket counts, indices 0 through the
// highest populated bucket, without mutating any state.
func (s *intervalState) snapshot() []uint64 {
	counts := make([]uint64, s.maxIdx+1)
	for i, c := range s.hist {
		counts[i] = c
	}
	return counts
}

// reset discards all per-interval state. Pending starts that never saw a
// completion are counted as stale and dropped.
func (s *intervalState) reset() {
	s.stale += uint64(len(s.pending))
	s.pending = make(map[reqKey]float64)
	s.hist = make(map[int]uint64)
	s.maxIdx = 0
}
