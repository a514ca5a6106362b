// Package prometheus exposes received samples on an HTTP scrape endpoint in
// text exposition format 0.0.4. Lines are rendered lazily on scrape and
// records expire after values_timeout.
package prometheus

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/internal/hostpool"
	"github.com/bucky3/bucky3/metric"
	"github.com/bucky3/bucky3/pipeline"
	"github.com/bucky3/bucky3/plugins/outputs"
)

const defaultPort = 9103

type Prometheus struct {
	config.Common

	HttpPath      string  `toml:"http_path"`
	ValuesTimeout float64 `toml:"values_timeout"`

	srcs []*pipeline.Pipe
	dst  *pipeline.Destination

	mu    sync.Mutex
	store map[string]*record
}

type record struct {
	bucket string
	labels []labelPair
	recv   float64
	ts     float64
	value  interface{}
	line   string
}

type labelPair struct {
	key, value string
}

func (p *Prometheus) SetSources(srcs []*pipeline.Pipe) { p.srcs = srcs }

func (p *Prometheus) Run(ctx context.Context) error {
	if p.LocalPort == 0 {
		p.LocalPort = defaultPort
	}
	if p.HttpPath == "" {
		p.HttpPath = "metrics"
	}
	if p.ValuesTimeout <= 0 {
		p.ValuesTimeout = 300
	}
	p.store = make(map[string]*record)
	p.dst = pipeline.NewDestination(p.Common, p.srcs)

	ep, err := hostpool.ResolveLocalHost(p.LocalHost, p.LocalPort)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:        ep.String(),
		Handler:     http.HandlerFunc(p.serveHTTP),
		ReadTimeout: 3 * time.Second,
	}
	p.dst.Log().Infof("Starting server at http://%s/%s", ep, p.HttpPath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := server.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return p.dst.RunReceive(gctx, p) })
	g.Go(func() error {
		p.dst.RunLoop(gctx, p, p.flush, nil)
		return nil
	})
	return g.Wait()
}

// flush only evicts stale records; the output side is pull-based.
func (p *Prometheus) flush(now float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, rec := range p.store {
		if now-rec.recv > p.ValuesTimeout {
			delete(p.store, k)
		}
	}
	return true
}

// ProcessSample indexes one record per value under its bucket and sorted
// metadata; a later sample for the same series replaces the record and
// invalidates its rendered line.
func (p *Prometheus) ProcessSample(recv float64, bucket string, values map[string]interface{}, ts float64, md map[string]string) {
	for k, v := range values {
		labeled := metric.CopyMetadata(md)
		labeled["value"] = k
		labels := make([]labelPair, 0, len(labeled))
		for lk, lv := range labeled {
			labels = append(labels, labelPair{lk, lv})
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i].key < labels[j].key })

		var key strings.Builder
		key.WriteString(bucket)
		for _, l := range labels {
			key.WriteByte(0)
			key.WriteString(l.key)
			key.WriteByte(0)
			key.WriteString(l.value)
		}
		p.mu.Lock()
		p.store[key.String()] = &record{bucket: bucket, labels: labels, recv: recv, ts: ts, value: v}
		p.mu.Unlock()
	}
}

// renderLine produces the exposition line for one record, caching it on the
// record. Non-numeric values render to the empty string and are skipped.
// Every line, the last one included, must end with \n or Prometheus rejects
// the whole scrape.
func renderLine(rec *record) string {
	if rec.line != "" {
		return rec.line
	}
	f, ok := metric.Float(rec.value)
	if !ok {
		return ""
	}
	var b strings.Builder
	b.WriteString(rec.bucket)
	if len(rec.labels) > 0 {
		b.WriteByte('{')
		for i, l := range rec.labels {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(l.key)
			b.WriteString(`="`)
			b.WriteString(l.value)
			b.WriteByte('"')
		}
		b.WriteByte('}')
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	if rec.ts != 0 {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(int64(rec.ts*1000), 10))
	}
	b.WriteByte('\n')
	rec.line = b.String()
	return rec.line
}

func (p *Prometheus) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Trim(r.URL.Path, "/") != p.HttpPath {
		http.NotFound(w, r)
		return
	}
	// Rendered lines are cached on the records, so the snapshot under the
	// lock is cheap on repeat scrapes.
	p.mu.Lock()
	lines := make([]string, 0, len(p.store))
	for _, rec := range p.store {
		if line := renderLine(rec); line != "" {
			lines = append(lines, line)
		}
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	var out io.Writer = w
	var gz *gzip.Writer
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		gz = gzip.NewWriter(w)
		defer gz.Close()
		out = gz
	}
	w.WriteHeader(http.StatusOK)

	var chunk strings.Builder
	for n, line := range lines {
		chunk.WriteString(line)
		if (n+1)%p.ChunkSize == 0 {
			if _, err := io.WriteString(out, chunk.String()); err != nil {
				return
			}
			chunk.Reset()
			if f, ok := w.(http.Flusher); ok && gz == nil {
				f.Flush()
			}
		}
	}
	if chunk.Len() > 0 {
		io.WriteString(out, chunk.String())
	}
}

func init() {
	outputs.Add("prometheus_exporter", func() pipeline.Output {
		return &Prometheus{}
	})
}
