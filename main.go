// cachelat: Block cache request latency histogram
//
// Traces bcache_request_start/end pairs through the kernel tracefs
// subsystem, correlates them by device and sector, and prints a
// power-of-two latency histogram every interval. Multi-modal
// distributions (cache hits vs. backing-device misses) show up as
// separate peaks in the table.
//
// Usage: cachelat [-T] [-p] [-clear] [-pipe] [-d device] [-i iotype] [-s interval] [count]

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
)

var (
	deviceFlag   = flag.String("d", "", "device filter: major,minor / major:minor / block device name")
	iotypeFlag   = flag.String("i", "", "I/O direction filter, glob over RWBS flags (e.g. \"*R*\")")
	intervalFlag = flag.Duration("s", time.Second, "reporting interval")
	timestamps   = flag.Bool("T", false, "prefix each report with a HH:MM:SS timestamp")
	percentiles  = flag.Bool("p", false, "print a percentile footer under each report")
	clearFlag    = flag.Bool("clear", false, "redraw in place instead of scrolling (terminal only)")
	pipeFlag     = flag.Bool("pipe", false, "drain via trace_pipe instead of snapshotting the trace file")
	tracingDir   = flag.String("tracing", "", "tracefs mount point (default: auto-detect)")
	lockPath     = flag.String("lock", defaultLockPath, "lock file guarding against concurrent tracers")
)

// batchSource delivers one batch of raw trace lines per reporting interval.
// Implemented by the tracefs tracer; tests substitute scripted batches.
type batchSource interface {
	next(ctx context.Context) ([]string, error)
}

// pipeline ties the per-interval components together: parse, correlate,
// bucket, report, reset. Events for one interval are fully processed
// before its report renders; no two intervals overlap.
type pipeline struct {
	parser *lineParser
	state  *intervalState
	stats  *runStats
	rep    *reporter
	filter func(dev device, rwbs string) bool // nil = keep everything
}

// processBatch feeds one interval's raw lines through the parser and
// correlator. Unrecognized lines fall through silently.
func (p *pipeline) processBatch(lines []string) {
	for _, line := range lines {
		switch ev := p.parser.parse(line).(type) {
		case startEvent:
			if p.filter != nil && !p.filter(ev.key.dev, "") {
				continue
			}
			p.state.onStart(ev.key, ev.ts)
		case endEvent:
			if p.filter != nil && !p.filter(ev.key.dev, ev.rwbs) {
				p.state.discard(ev.key)
				continue
			}
			if ms, ok := p.state.onEnd(ev.key, ev.ts); ok {
				p.state.record(ms)
				p.stats.record(ms)
			}
		case lostEvent:
			p.rep.warnLost(ev.count)
		}
	}
}

// report renders the current interval and resets all per-interval state.
func (p *pipeline) report() {
	p.rep.print(p.state.snapshot(), p.stats.footer())
	p.state.reset()
	p.stats.resetInterval()
}

// run is the interval driver: drain a batch, correlate it, report, reset.
// It stops after count reports (0 = unbounded) or on cancellation, in
// which case the in-progress interval is still rendered first.
func run(ctx context.Context, src batchSource, p *pipeline, count int) error {
	var runErr error
	for n := 0; count == 0 || n < count; n++ {
		lines, err := src.next(ctx)
		p.processBatch(lines)
		p.report()
		if err != nil {
			if ctx.Err() == nil {
				runErr = err
			}
			break
		}
	}
	p.stats.printSummary(p.rep.out, p.state.unmatched, p.state.stale)
	return runErr
}

// eventFilter builds the core-side predicate mirroring the kernel filters,
// so the pipeline behaves identically when fed unfiltered events (tests,
// trace_pipe on kernels without filter support). Direction is only known
// on completions, so the iotype glob is applied there; starts are
// filtered by device alone.
func eventFilter(dev *device, iotype string) func(device, string) bool {
	if dev == nil && iotype == "" {
		return nil
	}
	return func(d device, rwbs string) bool {
		if dev != nil && d != *dev {
			return false
		}
		if iotype != "" && rwbs != "" {
			if ok, err := path.Match(iotype, rwbs); err != nil || !ok {
				return false
			}
		}
		return true
	}
}

// kernelFilter renders the tracefs filter expression installed on both
// request events, pushing the filtering into the kernel.
func kernelFilter(dev *device, iotype string) string {
	var terms []string
	if dev != nil {
		terms = append(terms, fmt.Sprintf("dev == %d", dev.kdev()))
	}
	if iotype != "" {
		terms = append(terms, fmt.Sprintf("rwbs ~ %q", iotype))
	}
	return strings.Join(terms, " && ")
}

// resolveDevice accepts "major,minor", "major:minor", or a block device
// name looked up through its sysfs uevent.
func resolveDevice(s string) (device, error) {
	norm := strings.ReplaceAll(s, ":", ",")
	if dev, ok := parseDevice(norm); ok {
		return dev, nil
	}

	data, err := os.ReadFile(fmt.Sprintf("/sys/block/%s/uevent", s))
	if err != nil {
		return device{}, fmt.Errorf("device not found: %s", s)
	}
	var dev device
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "MAJOR="); ok {
			n, _ := strconv.ParseUint(v, 10, 32)
			dev.major = uint32(n)
		}
		if v, ok := strings.CutPrefix(line, "MINOR="); ok {
			n, _ := strconv.ParseUint(v, 10, 32)
			dev.minor = uint32(n)
		}
	}
	return dev, nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: cachelat [options] [count]")
		fmt.Fprintln(os.Stderr, "  count: number of interval reports to print (default: until interrupted)")
		flag.PrintDefaults()
	}
	flag.Parse()

	count := 0
	if flag.NArg() > 0 {
		n, err := strconv.Atoi(flag.Arg(0))
		if err != nil || n < 0 {
			log.Fatalf("invalid count %q", flag.Arg(0))
		}
		count = n
	}

	var filterDev *device
	if *deviceFlag != "" {
		dev, err := resolveDevice(*deviceFlag)
		if err != nil {
			log.Fatalf("invalid device filter: %v", err)
		}
		filterDev = &dev
	}

	lock, err := acquireLock(*lockPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer lock.release()

	root, err := findTracefs(*tracingDir)
	if err != nil {
		log.Fatalf("%v", err)
	}

	tr := newTracer(root, *intervalFlag)
	header, err := tr.setup(kernelFilter(filterDev, *iotypeFlag), *pipeFlag)
	if err != nil {
		log.Fatalf("trace setup: %v", err)
	}
	defer func() {
		if err := tr.close(); err != nil {
			log.Printf("warning: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep := newReporter(os.Stdout, os.Stderr)
	rep.timestamps = *timestamps
	rep.redraw = *clearFlag && term.IsTerminal(int(os.Stdout.Fd()))

	p := &pipeline{
		parser: newLineParser(header),
		state:  newIntervalState(),
		stats:  newRunStats(*percentiles),
		rep:    rep,
		filter: eventFilter(filterDev, *iotypeFlag),
	}

	log.Printf("Tracing block cache request latency (interval %v)... Hit Ctrl-C to end.", *intervalFlag)
	if err := run(ctx, tr, p, count); err != nil {
		log.Printf("warning: %v", err)
	}
}
