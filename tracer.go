package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Tracepoint directories relative to the tracefs root.
const (
	startEventDir = "events/bcache/bcache_request_start"
	endEventDir   = "events/bcache/bcache_request_end"
)

var tracefsCandidates = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

// findTracefs locates the tracefs mount, honoring an explicit override.
func findTracefs(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(filepath.Join(override, "trace")); err != nil {
			return "", fmt.Errorf("no tracefs at %s: %w", override, err)
		}
		return override, nil
	}
	for _, dir := range tracefsCandidates {
		if _, err := os.Stat(filepath.Join(dir, "trace")); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("tracefs not found; is it mounted and are you root?")
}

// tracer owns the kernel tracefs instance: enabling the bcache request
// tracepoints, installing kernel-side filters, and draining the ring
// buffer once per reporting interval. Two drain methods are supported and
// the rest of the program never knows which is in use: snapshotting (read
// the trace file, then truncate it) or streaming from trace_pipe.
type tracer struct {
	root     string
	interval time.Duration

	pipe *pipeDrainer // nil in snapshot mode

	closeOnce sync.Once
	closeErr  error
}

func newTracer(root string, interval time.Duration) *tracer {
	return &tracer{root: root, interval: interval}
}

// setup installs the kernel-side filter expression (empty = none) on both
// request events, enables them, and clears the ring buffer. It returns the
// trace file's comment header, read once so the caller can detect the
// column layout before any event is processed.
func (t *tracer) setup(filter string, usePipe bool) (string, error) {
	header, err := t.readHeader()
	if err != nil {
		return "", err
	}
	for _, ev := range []string{startEventDir, endEventDir} {
		if filter != "" {
			if err := t.write(filepath.Join(ev, "filter"), filter); err != nil {
				return "", fmt.Errorf("set filter on %s: %w", ev, err)
			}
		}
		if err := t.write(filepath.Join(ev, "enable"), "1"); err != nil {
			return "", fmt.Errorf("enable %s: %w", ev, err)
		}
	}
	if err := t.write("trace", ""); err != nil {
		return "", fmt.Errorf("clear trace buffer: %w", err)
	}
	if usePipe {
		p, err := startPipeDrainer(filepath.Join(t.root, "trace_pipe"))
		if err != nil {
			return "", fmt.Errorf("open trace_pipe: %w", err)
		}
		t.pipe = p
	}
	return header, nil
}

// readHeader returns the leading comment block of the trace file.
func (t *tracer) readHeader() (string, error) {
	f, err := os.Open(filepath.Join(t.root, "trace"))
	if err != nil {
		return "", fmt.Errorf("read trace header: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "#") {
			break
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// next blocks for one reporting interval, then drains and returns the
// buffered trace lines. On cancellation it drains whatever is already
// buffered and returns it along with the context error, so the caller can
// render one final report before stopping.
func (t *tracer) next(ctx context.Context) ([]string, error) {
	timer := time.NewTimer(t.interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return t.drain()
	case <-ctx.Done():
		lines, _ := t.drain()
		return lines, ctx.Err()
	}
}

func (t *tracer) drain() ([]string, error) {
	if t.pipe != nil {
		return t.pipe.take(), nil
	}
	data, err := os.ReadFile(filepath.Join(t.root, "trace"))
	if err != nil {
		return nil, fmt.Errorf("read trace buffer: %w", err)
	}
	if err := t.write("trace", ""); err != nil {
		return nil, fmt.Errorf("reset trace buffer: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lost := snapshotOverrun(lines); lost > 0 {
		lines = append(lines, fmt.Sprintf("CPU:all [LOST %d EVENTS]", lost))
	}
	return lines, nil
}

// snapshotOverrun derives the lost-event count from the snapshot header
// line "# entries-in-buffer/entries-written: N/M": anything written beyond
// what the buffer still holds was overwritten before we drained.
func snapshotOverrun(lines []string) uint64 {
	for _, line := range lines {
		if !strings.HasPrefix(line, "# entries-in-buffer/entries-written:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return 0
		}
		held, written, ok := strings.Cut(fields[2], "/")
		if !ok {
			return 0
		}
		h, err1 := strconv.ParseUint(held, 10, 64)
		w, err2 := strconv.ParseUint(written, 10, 64)
		if err1 != nil || err2 != nil || w <= h {
			return 0
		}
		return w - h
	}
	return 0
}

// close disables the tracepoints, clears the filters, and empties the ring
// buffer. Safe to call more than once; only the first call does the work.
// Failures are collected rather than aborting, so a partially torn-down
// tracer still gets the remaining cleanup attempts.
func (t *tracer) close() error {
	t.closeOnce.Do(func() {
		if t.pipe != nil {
			t.pipe.stop()
		}
		var errs []string
		for _, ev := range []string{startEventDir, endEventDir} {
			if err := t.write(filepath.Join(ev, "enable"), "0"); err != nil {
				errs = append(errs, err.Error())
			}
			if err := t.write(filepath.Join(ev, "filter"), "0"); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := t.write("trace", ""); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			t.closeErr = fmt.Errorf("trace teardown: %s", strings.Join(errs, "; "))
		}
	})
	return t.closeErr
}

func (t *tracer) write(rel, contents string) error {
	return os.WriteFile(filepath.Join(t.root, rel), []byte(contents+"\n"), 0o644)
}

// pipeDrainer streams trace_pipe in the background, for kernels where
// reading the trace file consumes it or truncation disturbs per-CPU
// buffers. Lines accumulate until the next interval tick takes them.
type pipeDrainer struct {
	f *os.File

	mu    sync.Mutex
	lines []string
}

func startPipeDrainer(path string) (*pipeDrainer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	d := &pipeDrainer{f: f}
	go d.loop()
	return d, nil
}

func (d *pipeDrainer) loop() {
	sc := bufio.NewScanner(d.f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		d.mu.Lock()
		d.lines = append(d.lines, sc.Text())
		d.mu.Unlock()
	}
}

// take returns everything buffered since the previous take.
func (d *pipeDrainer) take() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	lines := d.lines
	d.lines = nil
	return lines
}

func (d *pipeDrainer) stop() {
	d.f.Close()
}
