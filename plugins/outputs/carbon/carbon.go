// Package carbon ships samples to Graphite/Carbon as plaintext lines over
// TCP, one "name value timestamp" record per line.
package carbon

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/internal/hostpool"
	"github.com/bucky3/bucky3/metric"
	"github.com/bucky3/bucky3/pipeline"
	"github.com/bucky3/bucky3/plugins/outputs"
)

const defaultPort = 2003

type Carbon struct {
	config.Common

	// NameMapping lists the metadata keys, in order, that lead the dotted
	// metric path. Leftover metadata values follow in sorted-key order.
	NameMapping []string `toml:"name_mapping"`

	srcs []*pipeline.Pipe
	push *pipeline.Push
	conn hostpool.TCPConnector
}

func (c *Carbon) SetSources(srcs []*pipeline.Pipe) { c.srcs = srcs }

func (c *Carbon) Run(ctx context.Context) error {
	c.push = pipeline.NewPush(c.Common, c.srcs)
	c.conn = hostpool.TCPConnector{}
	c.conn.RemoteHosts = c.RemoteHosts
	c.conn.DefaultPort = defaultPort
	c.conn.Log = c.push.Log()
	if c.SocketTimeout > 0 {
		c.conn.SocketTimeout = secs(c.SocketTimeout)
	}
	c.push.PushChunk = c.pushChunk
	c.push.CloseConn = c.conn.Close
	defer c.conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.push.RunReceive(gctx, c) })
	g.Go(func() error { c.push.RunLoop(gctx, c); return nil })
	return g.Wait()
}

func (c *Carbon) pushChunk(chunk []interface{}) ([]interface{}, error) {
	conn, err := c.conn.Open()
	if err != nil {
		return nil, err
	}
	var payload strings.Builder
	for _, entry := range chunk {
		payload.WriteString(entry.(string))
	}
	c.conn.Deadline(conn)
	if _, err := conn.Write([]byte(payload.String())); err != nil {
		return nil, err
	}
	return nil, nil
}

// ProcessSample renders one line per value. Samples whose metadata produces
// no name, or whose value is not numeric, are skipped.
func (c *Carbon) ProcessSample(recv float64, bucket string, values map[string]interface{}, ts float64, md map[string]string) {
	if ts == 0 {
		ts = recv
	}
	tsStr := strconv.FormatInt(int64(ts), 10)
	for k, v := range values {
		f, ok := metric.Float(v)
		if !ok {
			continue
		}
		named := metric.CopyMetadata(md)
		named["bucket"] = bucket
		named["value"] = k
		name := c.buildName(named)
		if name == "" {
			continue
		}
		c.push.BufferOutput(name + " " + formatValue(v, f) + " " + tsStr + "\n")
	}
}

// buildName joins the name_mapping values in configured order, then any
// remaining metadata values in sorted-key order.
func (c *Carbon) buildName(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	buf := make([]string, 0, len(md))
	for _, k := range c.NameMapping {
		if v, ok := md[k]; ok {
			buf = append(buf, v)
			delete(md, k)
		}
	}
	rest := make([]string, 0, len(md))
	for k := range md {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		buf = append(buf, md[k])
	}
	for i, t := range buf {
		buf[i] = translateToken(t)
	}
	return strings.Join(buf, ".")
}

var tokenReplacer = strings.NewReplacer("/", "_", ".", "_", "*", "_", "[", "_", "]", "_")

func translateToken(token string) string {
	return tokenReplacer.Replace(token)
}

func formatValue(v interface{}, f float64) string {
	if i, ok := v.(int64); ok {
		return strconv.FormatInt(i, 10)
	}
	if i, ok := v.(int); ok {
		return strconv.Itoa(i)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func init() {
	outputs.Add("carbon_client", func() pipeline.Output {
		return &Carbon{}
	})
}
