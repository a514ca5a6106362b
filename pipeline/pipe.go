package pipeline

import (
	"context"

	"github.com/bucky3/bucky3/metric"
)

// pipeDepth bounds how many in-flight chunks a pipe holds. A destination
// that stops draining eventually blocks its sources' flushes, which is the
// intended backpressure.
const pipeDepth = 16

// Pipe is a typed unidirectional channel carrying sample chunks from exactly
// one source to exactly one destination. The supervisor creates one per
// (source, destination) pair; pipes are never shared, so a destination's
// per-pipe chunk ordering always matches production order.
type Pipe struct {
	source string
	dest   string
	ch     chan []metric.Sample
}

func NewPipe(source, dest string) *Pipe {
	return &Pipe{source: source, dest: dest, ch: make(chan []metric.Sample, pipeDepth)}
}

func (p *Pipe) Source() string { return p.source }
func (p *Pipe) Dest() string   { return p.dest }

// Send delivers one chunk, blocking until the destination has room. Returns
// false when ctx is cancelled first.
func (p *Pipe) Send(ctx context.Context, chunk []metric.Sample) bool {
	select {
	case p.ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// C exposes the receive side.
func (p *Pipe) C() <-chan []metric.Sample { return p.ch }

// Close marks end-of-stream. Only the shutdown path and tests close pipes;
// during normal operation pipes outlive worker restarts.
func (p *Pipe) Close() { close(p.ch) }
