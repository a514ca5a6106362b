// Package pipeline provides the worker bases every module is built from:
// sources that produce sample chunks and fan them out over pipes,
// destinations that consume the fan-in of their pipes, and push destinations
// that add buffered chunked delivery to a remote backend.
package pipeline

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/internal/tick"
	"github.com/bucky3/bucky3/logger"
)

// Worker is what the supervisor runs. Run blocks until ctx is cancelled or
// the worker fails; a non-nil error (or panic, which the supervisor
// recovers) counts as a crash.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Input additionally accepts the outbound pipes the supervisor wired for it.
type Input interface {
	Worker
	config.Plugin
	SetDestinations([]*Pipe)
}

// Output additionally accepts the inbound pipes.
type Output interface {
	Worker
	config.Plugin
	SetSources([]*Pipe)
}

const selfReportInterval = 60 * time.Second

var self, _ = process.NewProcess(int32(os.Getpid()))

// base carries what every worker has: its config, logger, uptime baseline,
// flush error count and self-report bookkeeping.
type base struct {
	cfg  config.Common
	log  *logrus.Entry
	born time.Time

	flushErrors  int64
	selfReported time.Time
}

func newBase(cfg config.Common) base {
	return base{cfg: cfg, log: logger.New(cfg.Name()), born: time.Now()}
}

func (b *base) Log() *logrus.Entry { return b.log }

// FlushErrors returns how many flushes have failed so far.
func (b *base) FlushErrors() int64 { return atomic.LoadInt64(&b.flushErrors) }

func (b *base) countFlush(ok bool) {
	if !ok {
		atomic.AddInt64(&b.flushErrors, 1)
	}
}

// selfReportDue reports (and records) whether a self-report should be taken.
func (b *base) selfReportDue(now time.Time) bool {
	if !b.cfg.SelfReport {
		return false
	}
	if !b.selfReported.IsZero() && now.Sub(b.selfReported) < selfReportInterval {
		return false
	}
	b.selfReported = now
	return true
}

// selfStats produces the fields common to every worker's self-report.
func (b *base) selfStats(now time.Time) map[string]interface{} {
	stats := map[string]interface{}{
		"uptime":       round3(now.Sub(b.born).Seconds()),
		"flush_errors": b.FlushErrors(),
	}
	if self != nil {
		if times, err := self.Times(); err == nil {
			stats["cpu"] = round3(times.User + times.System)
		}
		if mem, err := self.MemoryInfo(); err == nil {
			stats["memory"] = int64(mem.RSS)
		}
	}
	return stats
}

func (b *base) loop() *tick.Loop {
	return &tick.Loop{
		Interval:         time.Duration(b.cfg.FlushInterval * float64(time.Second)),
		MaxFlushInterval: time.Duration(b.cfg.MaxFlushInterval * float64(time.Second)),
		Jitter:           b.cfg.RandomizeStartup,
		Log:              b.log,
	}
}

// unixTS converts to the pipeline's wire timestamp: seconds since epoch at
// millisecond resolution.
func unixTS(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
