package ftps

import (
	"strconv"
	"strings"
	"time"
)

// Sentinels for unreadable SIZE replies. They differ so that two failed
// reads never look like a stable file.
const (
	sizeUnknownFirst  int64 = -1
	sizeUnknownSecond int64 = -2
)

// DefaultStabilityInterval is the pause between the two SIZE probes.
const DefaultStabilityInterval = time.Second

// StabilityChecker decides whether a remote file has stopped growing by
// reading its size twice, Interval apart. A file counts as stable only when
// both sizes are equal and not zero.
type StabilityChecker struct {
	Interval time.Duration

	sleep   func(time.Duration)
	metrics MetricsCollector
}

// NewStabilityChecker returns a checker waiting interval between probes.
// A non-positive interval means DefaultStabilityInterval.
func NewStabilityChecker(interval time.Duration) *StabilityChecker {
	if interval <= 0 {
		interval = DefaultStabilityInterval
	}
	return &StabilityChecker{Interval: interval, sleep: time.Sleep, metrics: noopMetrics{}}
}

// Stable probes path on c. Only connection failures are returned as errors;
// any other unreadable reply simply makes the file unstable.
func (sc *StabilityChecker) Stable(c *Client, path string) (bool, error) {
	_, stable, err := sc.check(c, path)
	return stable, err
}

// check is Stable that also returns the second size read.
func (sc *StabilityChecker) check(c *Client, path string) (int64, bool, error) {
	first, err := sc.probe(c, path, sizeUnknownFirst)
	if err != nil {
		return 0, false, err
	}

	sleep := sc.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	sleep(sc.Interval)

	second, err := sc.probe(c, path, sizeUnknownSecond)
	if err != nil {
		return 0, false, err
	}

	stable := first == second && first > 0
	if sc.metrics != nil {
		sc.metrics.RecordStabilityCheck(stable)
	}
	c.logger.Debug("size stability check", "path", path, "first", first, "second", second, "stable", stable)
	return second, stable, nil
}

func (sc *StabilityChecker) probe(c *Client, path string, unknown int64) (int64, error) {
	reply, err := c.SizeReply(path)
	if err != nil {
		if isConnectionError(err) {
			return 0, err
		}
		return unknown, nil
	}
	return parseSizeReply(reply, unknown), nil
}

// parseSizeReply reads the size from a "213 <size>" reply: the last
// whitespace separated token. Anything else yields unknown.
func parseSizeReply(reply string, unknown int64) int64 {
	reply = strings.TrimSpace(reply)
	if !strings.HasPrefix(reply, "213") {
		return unknown
	}
	fields := strings.Fields(reply)
	if len(fields) < 2 {
		return unknown
	}
	n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil || n < 0 {
		return unknown
	}
	return n
}
