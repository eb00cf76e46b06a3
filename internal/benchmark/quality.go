// Package benchmark measures per-channel throughput before the pool grows to
// full width and derives per-chunk timeouts from the result.
package benchmark

import (
	"math"
	"time"

	"github.com/BioHazard786/directdrop/internal/loop"
)

// Quality is the classified network quality.
type Quality string

const (
	Excellent Quality = "excellent"
	Good      Quality = "good"
	Fair      Quality = "fair"
	Poor      Quality = "poor"
)

// FallbackSpeed is used for timeouts when no positive speed was measured.
const FallbackSpeed = 0.1

const (
	minTimeout = 5 * time.Second
	jitterLo   = 2 * time.Second
	jitterHi   = 5 * time.Second
)

// Classify maps a speed in MB/s and a failure fraction to a quality.
func Classify(speed, failureFraction float64) Quality {
	switch {
	case speed > 0.6 && failureFraction < 0.10:
		return Excellent
	case speed > 0.4 && failureFraction < 0.30:
		return Good
	case speed > 0.1 && failureFraction < 0.50:
		return Fair
	default:
		return Poor
	}
}

// Result is the outcome of a benchmark run.
type Result struct {
	Speed           float64
	FailureFraction float64
	TimedOut        bool
	Quality         Quality
}

// NewResult classifies a measurement. A timed-out run is always poor.
func NewResult(speed, failureFraction float64, timedOut bool) Result {
	q := Classify(speed, failureFraction)
	if timedOut {
		q = Poor
	}
	return Result{
		Speed:           speed,
		FailureFraction: failureFraction,
		TimedOut:        timedOut,
		Quality:         q,
	}
}

// TimeoutFor returns the time budget for transferring size bytes at speed
// MB/s on its retry-th attempt. jitter is added before the 5 s floor.
func TimeoutFor(size int64, speed float64, retry int, jitter time.Duration) time.Duration {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		speed = FallbackSpeed
	}
	ms := toMB(size) / speed * 1000 * 2 * (1 + 0.5*float64(retry))
	return max(time.Duration(ms*float64(time.Millisecond))+jitter, minTimeout)
}

// Jitter returns a random spread in [2 s, 5 s) for TimeoutFor.
func Jitter() time.Duration {
	return loop.Jitter(jitterLo, jitterHi)
}

// GlobalTimeout is the whole-run budget for a payload of size bytes,
// assuming 0.4 MB/s plus five seconds.
func GlobalTimeout(size int) time.Duration {
	ms := toMB(int64(size))/0.4*1000 + 5000
	return time.Duration(ms * float64(time.Millisecond))
}

func toMB(size int64) float64 {
	return float64(size) / (1024 * 1024)
}
