package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/metric"
)

// Postprocessor can rewrite or drop samples before they enter the outbound
// buffer. Returning nil drops the sample.
type Postprocessor func(s metric.Sample) *metric.Sample

// Source buffers samples and flushes them in chunks to every destination
// pipe the supervisor wired.
type Source struct {
	base
	dsts []*Pipe
	post Postprocessor

	mu  sync.Mutex
	buf []metric.Sample

	produced int64
	dropped  int64

	// Extra supplies plugin-specific self-report fields.
	Extra func() map[string]interface{}
}

func NewSource(cfg config.Common, dsts []*Pipe, post Postprocessor) *Source {
	s := &Source{base: newBase(cfg), dsts: dsts, post: post}
	names := make([]string, 0, len(dsts))
	for _, p := range dsts {
		names = append(names, p.Dest())
	}
	s.log.Infof("Destination modules: %v", names)
	return s
}

// BufferSample merges the worker metadata into the sample (sample keys win),
// honors a bucket override carried in the metadata, runs the postprocessor
// and appends to the outbound buffer.
func (s *Source) BufferSample(bucket string, values map[string]interface{}, timestamp float64, metadata map[string]string) {
	metadata = metric.MergeMetadata(metadata, s.cfg.Metadata)
	if b, ok := metadata["bucket"]; ok {
		bucket = b
		delete(metadata, "bucket")
	}
	sample := metric.Sample{Bucket: bucket, Values: values, Timestamp: timestamp, Metadata: metadata}
	if s.post != nil {
		out := s.post(sample)
		if out == nil {
			atomic.AddInt64(&s.dropped, 1)
			return
		}
		sample = *out
	}
	s.mu.Lock()
	s.buf = append(s.buf, sample)
	s.mu.Unlock()
	atomic.AddInt64(&s.produced, 1)
}

// Flush drains the buffer in chunks of at most chunk_size and sends every
// chunk to every destination pipe.
func (s *Source) Flush(ctx context.Context) bool {
	for {
		s.mu.Lock()
		n := len(s.buf)
		if n == 0 {
			s.mu.Unlock()
			return true
		}
		if n > s.cfg.ChunkSize {
			n = s.cfg.ChunkSize
		}
		chunk := make([]metric.Sample, n)
		copy(chunk, s.buf[:n])
		s.buf = s.buf[n:]
		s.mu.Unlock()

		s.log.Debugf("Flushing %d entries from buffer", len(chunk))
		for _, dst := range s.dsts {
			if !dst.Send(ctx, chunk) {
				return true
			}
		}
	}
}

// RunLoop drives flush ticks until ctx is cancelled. flush receives the wall
// clock timestamp; its result feeds the back-off logic.
func (s *Source) RunLoop(ctx context.Context, flush func(now float64) bool) {
	l := s.loop()
	l.OnTick = func(now time.Time) { s.takeSelfReport(now) }
	l.Run(ctx, func(now time.Time) bool {
		ok := flush(unixTS(now))
		s.countFlush(ok)
		return ok
	})
}

// takeSelfReport routes the worker's own health sample through the normal
// output fan-out.
func (s *Source) takeSelfReport(now time.Time) {
	if !s.selfReportDue(now) {
		return
	}
	stats := s.selfStats(now)
	stats["metrics_produced"] = atomic.LoadInt64(&s.produced)
	stats["metrics_dropped"] = atomic.LoadInt64(&s.dropped)
	if s.Extra != nil {
		for k, v := range s.Extra() {
			stats[k] = v
		}
	}
	s.BufferSample("bucky3", stats, 0, map[string]string{"name": s.cfg.Name()})
}
