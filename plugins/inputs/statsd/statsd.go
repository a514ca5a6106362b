// Package statsd implements the DogStatsD-compatible UDP server and its
// aggregation engine: counters, gauges, sets, timers and histograms rolled
// up per key and flushed on the worker's tick.
package statsd

import (
	"bytes"
	"context"
	"math"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/internal/hostpool"
	"github.com/bucky3/bucky3/metric"
	"github.com/bucky3/bucky3/pipeline"
	"github.com/bucky3/bucky3/plugins/inputs"
)

const (
	// udpMaxPacketSize is the UDP packet limit, see
	// https://en.wikipedia.org/wiki/User_Datagram_Protocol#Packet_structure
	udpMaxPacketSize = 64 * 1024

	defaultPort          = 8125
	defaultWorkerThreads = 2
)

type Statsd struct {
	config.Common

	TimestampWindow      float64   `toml:"timestamp_window"`
	PercentileThresholds []float64 `toml:"percentile_thresholds"`
	WorkerThreads        int       `toml:"worker_threads"`

	TimersBucket     string `toml:"timers_bucket"`
	HistogramsBucket string `toml:"histograms_bucket"`
	SetsBucket       string `toml:"sets_bucket"`
	GaugesBucket     string `toml:"gauges_bucket"`
	CountersBucket   string `toml:"counters_bucket"`

	TimersTimeout     float64 `toml:"timers_timeout"`
	HistogramsTimeout float64 `toml:"histograms_timeout"`
	SetsTimeout       float64 `toml:"sets_timeout"`
	GaugesTimeout     float64 `toml:"gauges_timeout"`
	CountersTimeout   float64 `toml:"counters_timeout"`

	Histograms []HistogramRule `toml:"histograms"`

	// Selector overrides the declarative histogram rules when set by an
	// embedder.
	Selector SelectorFunc `toml:"-"`
	// Post can rewrite or drop outgoing samples.
	Post pipeline.Postprocessor `toml:"-"`

	src  *pipeline.Source
	dsts []*pipeline.Pipe

	conn    *net.UDPConn
	in      chan packet
	bufPool sync.Pool

	thresholds []float64
	selector   SelectorFunc

	countersMu sync.Mutex
	counters   map[string]*counterEntry
	gaugesMu   sync.Mutex
	gauges     map[string]*gaugeEntry
	setsMu     sync.Mutex
	sets       map[string]*setEntry
	timersMu   sync.Mutex
	timers     map[string]*timerEntry
	histsMu    sync.Mutex
	hists      map[string]*histEntry

	lastFlush float64
	received  int64
}

type packet struct {
	buf  *bytes.Buffer
	recv time.Time
}

type counterEntry struct {
	metadata map[string]string
	custTS   float64
	value    float64
	dirty    bool
	lastSeen float64
}

type gaugeEntry struct {
	metadata map[string]string
	custTS   float64
	value    float64
	dirty    bool
	lastSeen float64
}

type setEntry struct {
	metadata map[string]string
	custTS   float64
	values   map[string]struct{}
	dirty    bool
	lastSeen float64
}

type timerEntry struct {
	metadata map[string]string
	custTS   float64
	samples  []float64
	lastSeen float64
}

type histEntry struct {
	metadata map[string]string
	custTS   float64
	selector func(float64) string
	buckets  map[string]*histBucket
	lastSeen float64
}

type histBucket struct {
	count      int64
	sum, sumSq float64
	min, max   float64
}

// SetDestinations wires the outbound pipes.
func (s *Statsd) SetDestinations(dsts []*pipeline.Pipe) { s.dsts = dsts }

func (s *Statsd) setup() error {
	if s.LocalPort == 0 {
		s.LocalPort = defaultPort
	}
	if s.TimestampWindow <= 0 {
		s.TimestampWindow = 600
	}
	if s.WorkerThreads <= 0 {
		s.WorkerThreads = defaultWorkerThreads
	}
	if s.TimersBucket == "" {
		s.TimersBucket = "stats_timers"
	}
	if s.HistogramsBucket == "" {
		s.HistogramsBucket = "stats_histograms"
	}
	if s.SetsBucket == "" {
		s.SetsBucket = "stats_sets"
	}
	if s.GaugesBucket == "" {
		s.GaugesBucket = "stats_gauges"
	}
	if s.CountersBucket == "" {
		s.CountersBucket = "stats_counters"
	}
	if s.TimersTimeout <= 0 {
		s.TimersTimeout = 60
	}
	if s.HistogramsTimeout <= 0 {
		s.HistogramsTimeout = 60
	}
	if s.SetsTimeout <= 0 {
		s.SetsTimeout = 60
	}
	if s.GaugesTimeout <= 0 {
		s.GaugesTimeout = 300
	}
	if s.CountersTimeout <= 0 {
		s.CountersTimeout = 60
	}

	// Thresholds are rounded to two decimals, deduplicated and sorted;
	// values outside (0, 100] are dropped.
	seen := make(map[float64]struct{})
	s.thresholds = nil
	for _, t := range s.PercentileThresholds {
		t = math.Round(t*100) / 100
		if t <= 0 || t > 100 {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		s.thresholds = append(s.thresholds, t)
	}
	sort.Float64s(s.thresholds)

	s.selector = s.Selector
	if s.selector == nil && len(s.Histograms) > 0 {
		sel, err := buildSelector(s.Histograms)
		if err != nil {
			return err
		}
		s.selector = sel
	}

	s.counters = make(map[string]*counterEntry)
	s.gauges = make(map[string]*gaugeEntry)
	s.sets = make(map[string]*setEntry)
	s.timers = make(map[string]*timerEntry)
	s.hists = make(map[string]*histEntry)
	s.in = make(chan packet, 128)
	s.bufPool = sync.Pool{New: func() interface{} { return new(bytes.Buffer) }}
	return nil
}

func (s *Statsd) Run(ctx context.Context) error {
	if err := s.setup(); err != nil {
		return err
	}
	s.src = pipeline.NewSource(s.Common, s.dsts, s.Post)
	s.src.Extra = func() map[string]interface{} {
		return map[string]interface{}{"metrics_received": atomic.LoadInt64(&s.received)}
	}

	connector := hostpool.UDPConnector{}
	connector.Log = s.src.Log()
	conn, err := connector.OpenBound(s.LocalHost, s.LocalPort)
	if err != nil {
		return err
	}
	s.conn = conn
	defer connector.Close()

	s.lastFlush = nowTS()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error { return s.readLoop(gctx) })
	for i := 0; i < s.WorkerThreads; i++ {
		g.Go(func() error { s.parser(gctx); return nil })
	}
	g.Go(func() error {
		s.src.RunLoop(gctx, func(now float64) bool { return s.flush(gctx, now) })
		return nil
	})
	return g.Wait()
}

func (s *Statsd) readLoop(ctx context.Context) error {
	buf := make([]byte, udpMaxPacketSize)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		b := s.bufPool.Get().(*bytes.Buffer)
		b.Reset()
		b.Write(buf[:n])
		select {
		case s.in <- packet{buf: b, recv: time.Now()}:
		case <-ctx.Done():
			return nil
		}
	}
}

// parser drains the packet channel and feeds lines to the aggregator.
func (s *Statsd) parser(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-s.in:
			recv := round3(float64(in.recv.UnixMilli()) / 1000)
			s.handlePacket(recv, in.buf.Bytes())
			s.bufPool.Put(in.buf)
		}
	}
}

func (s *Statsd) handlePacket(recv float64, data []byte) {
	for len(data) > 0 {
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			line, data = data, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			s.handleLine(recv, string(line))
		}
	}
}

// flush rolls up all aggregation maps into output samples and hands the
// buffered output to the destinations.
func (s *Statsd) flush(ctx context.Context, now float64) bool {
	interval := now - s.lastFlush
	if interval <= 0 {
		interval = 0.001
	}
	s.enqueueTimers(now, interval)
	s.enqueueHistograms(now, interval)
	s.enqueueCounters(now, interval)
	s.enqueueGauges(now)
	s.enqueueSets(now)
	s.lastFlush = now
	return s.src.Flush(ctx)
}

// emitTS picks the record timestamp: a custom client timestamp wins, then
// the flush timestamp when add_timestamps is on, else the destination
// timestamps on arrival.
func (s *Statsd) emitTS(custTS, now float64) float64 {
	if custTS != 0 {
		return custTS
	}
	if s.AddTimestamps {
		return now
	}
	return 0
}

type emission struct {
	bucket   string
	values   map[string]interface{}
	ts       float64
	metadata map[string]string
}

// emitAll runs outside the per-kind locks; the lock is held only while the
// map is drained.
func (s *Statsd) emitAll(out []emission) {
	for _, e := range out {
		s.src.BufferSample(e.bucket, e.values, e.ts, e.metadata)
	}
}

func (s *Statsd) enqueueCounters(now, interval float64) {
	var out []emission
	s.countersMu.Lock()
	for key, e := range s.counters {
		if !e.dirty {
			if now-e.lastSeen > s.CountersTimeout {
				delete(s.counters, key)
				continue
			}
			out = append(out, emission{s.CountersBucket,
				map[string]interface{}{"count": 0.0, "rate": 0.0},
				s.emitTS(e.custTS, now), metric.CopyMetadata(e.metadata)})
			continue
		}
		out = append(out, emission{s.CountersBucket,
			map[string]interface{}{"count": e.value, "rate": e.value / interval},
			s.emitTS(e.custTS, now), metric.CopyMetadata(e.metadata)})
		e.value = 0
		e.dirty = false
		e.lastSeen = now
	}
	s.countersMu.Unlock()
	s.emitAll(out)
}

func (s *Statsd) enqueueGauges(now float64) {
	var out []emission
	s.gaugesMu.Lock()
	for key, e := range s.gauges {
		if !e.dirty && now-e.lastSeen > s.GaugesTimeout {
			delete(s.gauges, key)
			continue
		}
		out = append(out, emission{s.GaugesBucket,
			map[string]interface{}{"value": e.value},
			s.emitTS(e.custTS, now), metric.CopyMetadata(e.metadata)})
		if e.dirty {
			e.dirty = false
			e.lastSeen = now
		}
	}
	s.gaugesMu.Unlock()
	s.emitAll(out)
}

func (s *Statsd) enqueueSets(now float64) {
	var out []emission
	s.setsMu.Lock()
	for key, e := range s.sets {
		if !e.dirty {
			if now-e.lastSeen > s.SetsTimeout {
				delete(s.sets, key)
				continue
			}
			out = append(out, emission{s.SetsBucket,
				map[string]interface{}{"count": int64(0)},
				s.emitTS(e.custTS, now), metric.CopyMetadata(e.metadata)})
			continue
		}
		out = append(out, emission{s.SetsBucket,
			map[string]interface{}{"count": int64(len(e.values))},
			s.emitTS(e.custTS, now), metric.CopyMetadata(e.metadata)})
		e.values = make(map[string]struct{})
		e.dirty = false
		e.lastSeen = now
	}
	s.setsMu.Unlock()
	s.emitAll(out)
}

func (s *Statsd) enqueueTimers(now, interval float64) {
	var out []emission
	s.timersMu.Lock()
	for key, e := range s.timers {
		if len(e.samples) == 0 {
			if now-e.lastSeen > s.TimersTimeout {
				delete(s.timers, key)
				continue
			}
			out = append(out, emission{s.TimersBucket,
				map[string]interface{}{"count": int64(0), "count_ps": 0.0},
				s.emitTS(e.custTS, now), metric.CopyMetadata(e.metadata)})
			continue
		}
		out = append(out, s.timerStats(e, now, interval)...)
		e.samples = nil
		e.lastSeen = now
	}
	s.timersMu.Unlock()
	s.emitAll(out)
}

// timerStats computes the percentile-indexed statistics for one timer key in
// a single pass over the sorted samples.
func (s *Statsd) timerStats(e *timerEntry, now, interval float64) []emission {
	v := e.samples
	sort.Float64s(v)
	n := len(v)

	type pct struct {
		idx   int
		label string
	}
	var pcts []pct
	for _, t := range s.thresholds {
		// p == 100 always covers the whole sample set; deriving it from the
		// integer formula would risk dropping the largest sample.
		idx := n
		if t != 100 {
			idx = int(math.Floor(t * float64(n) / 100))
		}
		if idx == 0 {
			continue
		}
		pcts = append(pcts, pct{idx, formatThreshold(t)})
	}

	var out []emission
	ts := s.emitTS(e.custTS, now)
	count, sum, sumSq := 0, 0.0, 0.0
	pi := 0
	for i, x := range v {
		count++
		sum += x
		sumSq += x * x
		for pi < len(pcts) && i >= pcts[pi].idx-1 {
			mean := sum / float64(count)
			stats := map[string]interface{}{
				"count":    int64(count),
				"count_ps": float64(count) / interval,
				"lower":    v[0],
				"upper":    x,
				"mean":     mean,
			}
			if count > 1 {
				// FP rounding can produce a slightly negative variance,
				// e.g. three samples of 0.003.
				variance := (sumSq - 2*mean*sum + float64(count)*mean*mean) / float64(count-1)
				stats["stdev"] = math.Sqrt(math.Max(variance, 0))
			}
			md := metric.CopyMetadata(e.metadata)
			md["percentile"] = pcts[pi].label
			out = append(out, emission{s.TimersBucket, stats, ts, md})
			pi++
		}
	}
	return out
}

func (s *Statsd) enqueueHistograms(now, interval float64) {
	var out []emission
	s.histsMu.Lock()
	for key, e := range s.hists {
		if len(e.buckets) == 0 {
			if now-e.lastSeen > s.HistogramsTimeout {
				delete(s.hists, key)
			}
			continue
		}
		ts := s.emitTS(e.custTS, now)
		for name, b := range e.buckets {
			mean := b.sum / float64(b.count)
			stats := map[string]interface{}{
				"count":    b.count,
				"count_ps": float64(b.count) / interval,
				"lower":    b.min,
				"upper":    b.max,
				"mean":     mean,
			}
			if b.count > 1 {
				variance := (b.sumSq - 2*mean*b.sum + float64(b.count)*mean*mean) / float64(b.count-1)
				stats["stdev"] = math.Sqrt(math.Max(variance, 0))
			}
			md := metric.CopyMetadata(e.metadata)
			md["histogram"] = name
			out = append(out, emission{s.HistogramsBucket, stats, ts, md})
		}
		e.buckets = make(map[string]*histBucket)
		e.lastSeen = now
	}
	s.histsMu.Unlock()
	s.emitAll(out)
}

func formatThreshold(t float64) string {
	return strconv.FormatFloat(t, 'g', -1, 64)
}

func nowTS() float64 {
	return round3(float64(time.Now().UnixMilli()) / 1000)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func init() {
	inputs.Add("statsd_server", func() pipeline.Input {
		return &Statsd{}
	})
}
