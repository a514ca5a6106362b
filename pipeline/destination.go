package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/metric"
)

// ErrInputsGone is returned by the receive loop when every inbound pipe has
// reached end-of-stream for longer than the tolerated grace period.
var ErrInputsGone = errors.New("inputs not ready")

// eofGrace is how long a destination tolerates all of its inputs being at
// end-of-stream before giving up.
var eofGrace = 10 * time.Second

// Handler processes one sample on the destination side.
type Handler interface {
	ProcessSample(recvTimestamp float64, bucket string, values map[string]interface{}, timestamp float64, metadata map[string]string)
}

// Destination consumes the fan-in of its inbound pipes.
type Destination struct {
	base
	srcs []*Pipe

	received int64
}

func NewDestination(cfg config.Common, srcs []*Pipe) *Destination {
	return &Destination{base: newBase(cfg), srcs: srcs}
}

// Received returns how many samples have been processed.
func (d *Destination) Received() int64 { return atomic.LoadInt64(&d.received) }

// RunReceive reads chunks from all inbound pipes and hands each sample to h,
// worker metadata filling gaps in the sample metadata. One forwarder
// goroutine per pipe preserves per-pipe ordering; the bounded wait keeps the
// loop responsive to cancellation even when all sources are quiet.
func (d *Destination) RunReceive(ctx context.Context, h Handler) error {
	merged := make(chan []metric.Sample)
	var wg sync.WaitGroup
	for _, pipe := range d.srcs {
		wg.Add(1)
		go func(p *Pipe) {
			defer wg.Done()
			for {
				select {
				case chunk, ok := <-p.C():
					if !ok {
						return
					}
					select {
					case merged <- chunk:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(pipe)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	wait := time.Duration(d.cfg.FlushInterval * float64(time.Second))
	if wait > time.Minute {
		wait = time.Minute
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-merged:
			d.processChunk(h, chunk)
		case <-done:
			// All pipes are at end-of-stream. Tolerate it briefly, the
			// supervisor may still be rewiring, then bail out.
			d.log.Debug("EOF while reading source pipes")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(eofGrace):
				d.log.Error("Inputs not ready, quitting")
				return ErrInputsGone
			}
		case <-timer.C:
		}
	}
}

func (d *Destination) processChunk(h Handler, chunk []metric.Sample) {
	recv := unixTS(time.Now())
	for _, s := range chunk {
		md := metric.MergeMetadata(s.Metadata, d.cfg.Metadata)
		h.ProcessSample(recv, s.Bucket, s.Values, s.Timestamp, md)
		atomic.AddInt64(&d.received, 1)
	}
}

// RunLoop drives the destination's flush ticks, taking self-reports on the
// side. Destinations inject their own health samples into their input path
// so they reach the backend this worker fronts.
func (d *Destination) RunLoop(ctx context.Context, h Handler, flush func(now float64) bool, extra func() map[string]interface{}) {
	l := d.loop()
	l.OnTick = func(now time.Time) {
		if !d.selfReportDue(now) {
			return
		}
		stats := d.selfStats(now)
		stats["metrics_received"] = d.Received()
		if extra != nil {
			for k, v := range extra() {
				stats[k] = v
			}
		}
		md := metric.MergeMetadata(map[string]string{"name": d.cfg.Name()}, d.cfg.Metadata)
		h.ProcessSample(unixTS(now), "bucky3", stats, 0, md)
	}
	l.Run(ctx, func(now time.Time) bool {
		ok := flush(unixTS(now))
		d.countFlush(ok)
		return ok
	})
}
