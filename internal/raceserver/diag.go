package raceserver

import (
	"log"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

var (
	perfDiagEnabled  bool
	perfDiagInterval = 10 * time.Second

	inFrameCount  atomic.Uint64
	inFrameBytes  atomic.Uint64
	inHandleNanos atomic.Uint64

	outFrameCount atomic.Uint64
	outFrameBytes atomic.Uint64
)

type perfSnapshot struct {
	inFrames  uint64
	inBytes   uint64
	inNanos   uint64
	outFrames uint64
	outBytes  uint64
}

func init() {
	perfDiagEnabled = os.Getenv("PERF_DIAG_ENABLE") == "1"
	if !perfDiagEnabled {
		return
	}
	if v := os.Getenv("PERF_DIAG_INTERVAL_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			perfDiagInterval = time.Duration(sec) * time.Second
		}
	}
	log.Printf("[PERF] enabled=true interval=%s", perfDiagInterval)
	go runPerfDiagReporter(perfDiagInterval)
}

func runPerfDiagReporter(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := currentPerfSnapshot()
	for range ticker.C {
		cur := currentPerfSnapshot()
		logPerfDelta(interval, prev, cur)
		prev = cur
	}
}

func currentPerfSnapshot() perfSnapshot {
	return perfSnapshot{
		inFrames:  inFrameCount.Load(),
		inBytes:   inFrameBytes.Load(),
		inNanos:   inHandleNanos.Load(),
		outFrames: outFrameCount.Load(),
		outBytes:  outFrameBytes.Load(),
	}
}

func logPerfDelta(interval time.Duration, prev, cur perfSnapshot) {
	inFrames := cur.inFrames - prev.inFrames
	inBytes := cur.inBytes - prev.inBytes
	inNanos := cur.inNanos - prev.inNanos
	outFrames := cur.outFrames - prev.outFrames
	outBytes := cur.outBytes - prev.outBytes

	sec := interval.Seconds()
	inKbps := float64(inBytes*8) / 1000.0 / sec
	outKbps := float64(outBytes*8) / 1000.0 / sec

	var handleUs float64
	if inFrames > 0 {
		handleUs = float64(inNanos) / float64(inFrames) / 1000.0
	}

	log.Printf(
		"[PERF] window=%s in{fps=%.0f kbps=%.1f handle_us=%.1f} out{fps=%.0f kbps=%.1f}",
		interval,
		float64(inFrames)/sec, inKbps, handleUs,
		float64(outFrames)/sec, outKbps,
	)
}

func perfObserveInbound(bytes int, d time.Duration) {
	if !perfDiagEnabled {
		return
	}
	inFrameCount.Add(1)
	inFrameBytes.Add(uint64(bytes))
	inHandleNanos.Add(uint64(d.Nanoseconds()))
}

func perfObserveOutbound(bytes int) {
	if !perfDiagEnabled {
		return
	}
	outFrameCount.Add(1)
	outFrameBytes.Add(uint64(bytes))
}
