package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/metric"
)

// Push extends Destination with a bounded output buffer and chunked delivery
// to a remote backend under time and count budgets.
type Push struct {
	Destination

	// PushChunk ships one chunk. Entries the backend refused come back for
	// re-buffering; an error means the connection is bad and the flush
	// fails.
	PushChunk func(chunk []interface{}) ([]interface{}, error)
	// CloseConn tears down the connection after a push error.
	CloseConn func()

	mu  sync.Mutex
	buf []interface{}

	sent       int64
	rejected   int64
	dropped    int64
	connErrors int64
}

func NewPush(cfg config.Common, srcs []*Pipe) *Push {
	return &Push{Destination: *NewDestination(cfg, srcs)}
}

// BufferOutput appends one encoded entry to the output buffer.
func (p *Push) BufferOutput(entry interface{}) {
	p.mu.Lock()
	p.buf = append(p.buf, entry)
	p.mu.Unlock()
}

// AddRejected counts backend-side partial rejections (e.g. individual bulk
// documents refused upstream) without failing the flush.
func (p *Push) AddRejected(n int64) { atomic.AddInt64(&p.rejected, n) }

// BufferedOutput returns how many entries await delivery.
func (p *Push) BufferedOutput() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Flush pushes buffered entries in chunks until the buffer is empty or one
// of the push budgets is exhausted. Leftovers stay for the next flush.
func (p *Push) Flush(now float64) bool {
	p.mu.Lock()
	buffered := len(p.buf)
	p.mu.Unlock()
	if buffered == 0 {
		return true
	}
	p.log.Debugf("%d entries in buffer to be pushed", buffered)

	start := time.Now()
	timeLimit := time.Duration(p.cfg.PushTimeLimit * float64(time.Second))
	pushCounter := 0
	var rejectedEntries []interface{}

	defer func() {
		if len(rejectedEntries) > 0 {
			p.mu.Lock()
			p.buf = append(rejectedEntries, p.buf...)
			p.mu.Unlock()
		}
		if n := p.BufferedOutput(); n > 0 {
			p.log.Warnf("%d entries left over in buffer", n)
		}
	}()

	for {
		if pushCounter >= p.cfg.PushCountLimit || time.Since(start) >= timeLimit {
			return true
		}
		p.mu.Lock()
		n := len(p.buf)
		if n == 0 {
			p.mu.Unlock()
			return true
		}
		if n > p.cfg.ChunkSize {
			n = p.cfg.ChunkSize
		}
		chunk := make([]interface{}, n)
		copy(chunk, p.buf[:n])
		p.mu.Unlock()

		rejected, err := p.PushChunk(chunk)
		if err != nil {
			p.log.Warnf("Push failed: %v", err)
			if p.CloseConn != nil {
				p.CloseConn()
			}
			atomic.AddInt64(&p.connErrors, 1)
			return false
		}
		rejectedEntries = append(rejectedEntries, rejected...)
		atomic.AddInt64(&p.sent, int64(n-len(rejected)))
		atomic.AddInt64(&p.rejected, int64(len(rejected)))

		p.mu.Lock()
		p.buf = p.buf[n:]
		p.mu.Unlock()
		pushCounter += n
	}
}

// TrimBuffer enforces the buffer limit by dropping the oldest half once the
// limit is exceeded. Runs after every tick.
func (p *Push) TrimBuffer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) <= p.cfg.BufferLimit {
		return
	}
	keep := p.cfg.BufferLimit / 2
	droppedNow := len(p.buf) - keep
	p.buf = append([]interface{}(nil), p.buf[len(p.buf)-keep:]...)
	atomic.AddInt64(&p.dropped, int64(droppedNow))
	p.log.Warnf("Buffer trimmed from %d to %d entries", keep+droppedNow, keep)
}

// RunLoop drives the push flushes with self-reports injected into this
// worker's own input path.
func (p *Push) RunLoop(ctx context.Context, h Handler) {
	l := p.loop()
	l.OnTick = func(now time.Time) {
		p.TrimBuffer()
		if !p.selfReportDue(now) {
			return
		}
		stats := p.selfStats(now)
		stats["metrics_received"] = p.Received()
		stats["metrics_sent"] = atomic.LoadInt64(&p.sent)
		stats["metrics_rejected"] = atomic.LoadInt64(&p.rejected)
		stats["metrics_dropped"] = atomic.LoadInt64(&p.dropped)
		stats["connection_errors"] = atomic.LoadInt64(&p.connErrors)
		md := metric.MergeMetadata(map[string]string{"name": p.cfg.Name()}, p.cfg.Metadata)
		h.ProcessSample(unixTS(now), "bucky3", stats, 0, md)
	}
	l.Run(ctx, func(now time.Time) bool {
		ok := p.Flush(unixTS(now))
		p.countFlush(ok)
		return ok
	})
}
