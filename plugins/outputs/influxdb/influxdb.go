// Package influxdb ships samples as InfluxDB line protocol over UDP,
// chunked small enough to fit typical MTUs.
package influxdb

import (
	"context"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
	"golang.org/x/sync/errgroup"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/internal/hostpool"
	"github.com/bucky3/bucky3/pipeline"
	"github.com/bucky3/bucky3/plugins/outputs"
)

const defaultPort = 8086

type InfluxDB struct {
	config.Common

	srcs []*pipeline.Pipe
	push *pipeline.Push
	conn hostpool.UDPConnector
}

func (i *InfluxDB) SetSources(srcs []*pipeline.Pipe) { i.srcs = srcs }

func (i *InfluxDB) Run(ctx context.Context) error {
	// Chunks are shipped as single datagrams; the teacher-sized default of
	// 300 entries would not fit an MTU.
	if i.ChunkSize > 30 {
		i.ChunkSize = 30
	}
	i.push = pipeline.NewPush(i.Common, i.srcs)
	i.conn = hostpool.UDPConnector{}
	i.conn.RemoteHosts = i.RemoteHosts
	i.conn.DefaultPort = defaultPort
	i.conn.Log = i.push.Log()
	i.push.PushChunk = i.pushChunk
	i.push.CloseConn = i.conn.Close
	defer i.conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return i.push.RunReceive(gctx, i) })
	g.Go(func() error { i.push.RunLoop(gctx, i); return nil })
	return g.Wait()
}

func (i *InfluxDB) pushChunk(chunk []interface{}) ([]interface{}, error) {
	conn, err := i.conn.Open()
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, 1024)
	for n, entry := range chunk {
		if n > 0 {
			payload = append(payload, '\n')
		}
		payload = append(payload, entry.(string)...)
	}
	for _, ep := range i.conn.ResolveRemoteHosts() {
		addr := net.UDPAddr{IP: ep.IP, Port: ep.Port}
		if _, err := conn.WriteToUDP(payload, &addr); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// ProcessSample encodes one line-protocol record: the bucket as measurement,
// metadata as sorted tags, values as fields. Empty tag values are dropped,
// the encoder handles all escaping.
func (i *InfluxDB) ProcessSample(recv float64, bucket string, values map[string]interface{}, ts float64, md map[string]string) {
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)
	enc.StartLine(bucket)

	tagKeys := make([]string, 0, len(md))
	for k := range md {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		if md[k] == "" {
			continue
		}
		enc.AddTag(k, md[k])
	}

	fieldKeys := make([]string, 0, len(values))
	for k := range values {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	fields := 0
	for _, k := range fieldKeys {
		v, ok := lineprotocol.NewValue(values[k])
		if !ok {
			continue
		}
		enc.AddField(k, v)
		fields++
	}
	if fields == 0 {
		return
	}

	if ts != 0 {
		sec := int64(ts)
		nsec := int64((ts - float64(sec)) * 1e9)
		enc.EndLine(time.Unix(sec, nsec))
	} else {
		enc.EndLine(time.Time{})
	}
	if err := enc.Err(); err != nil {
		i.push.Log().Debugf("Cannot encode %s: %v", bucket, err)
		return
	}
	// The encoder terminates the line; pushChunk adds the separators.
	i.push.BufferOutput(strings.TrimSuffix(string(enc.Bytes()), "\n"))
}

func init() {
	outputs.Add("influxdb_client", func() pipeline.Output {
		return &InfluxDB{}
	})
}
