// Package jsond is the JSON-over-UDP source: each datagram carries
// newline-delimited JSON objects (http://ndjson.org), optionally compressed.
package jsond

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/errgroup"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/internal/hostpool"
	"github.com/bucky3/bucky3/pipeline"
	"github.com/bucky3/bucky3/plugins/inputs"
)

const (
	udpMaxPacketSize = 65535
	defaultPort      = 8181
)

type JsonD struct {
	config.Common

	TimestampWindow float64 `toml:"timestamp_window"`

	Post pipeline.Postprocessor `toml:"-"`

	src  *pipeline.Source
	dsts []*pipeline.Pipe
	conn *net.UDPConn
}

func (j *JsonD) SetDestinations(dsts []*pipeline.Pipe) { j.dsts = dsts }

func (j *JsonD) Run(ctx context.Context) error {
	if j.LocalPort == 0 {
		j.LocalPort = defaultPort
	}
	if j.TimestampWindow <= 0 {
		j.TimestampWindow = 600
	}
	j.src = pipeline.NewSource(j.Common, j.dsts, j.Post)

	connector := hostpool.UDPConnector{}
	connector.Log = j.src.Log()
	conn, err := connector.OpenBound(j.LocalHost, j.LocalPort)
	if err != nil {
		return err
	}
	j.conn = conn
	defer connector.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error { return j.readLoop(gctx) })
	g.Go(func() error {
		j.src.RunLoop(gctx, func(now float64) bool { return j.src.Flush(gctx) })
		return nil
	})
	return g.Wait()
}

func (j *JsonD) readLoop(ctx context.Context) error {
	buf := make([]byte, udpMaxPacketSize)
	for {
		n, _, err := j.conn.ReadFromUDP(buf)
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
		recv := float64(time.Now().UnixMilli()) / 1000
		j.handlePacket(recv, decompress(buf[:n]))
	}
}

// decompress transparently accepts zlib or gzip payloads, falling back to
// the raw bytes.
func decompress(data []byte) []byte {
	if r, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
		if out, err := io.ReadAll(r); err == nil {
			return out
		}
	}
	if r, err := gzip.NewReader(bytes.NewReader(data)); err == nil {
		if out, err := io.ReadAll(r); err == nil {
			return out
		}
	}
	return data
}

func (j *JsonD) handlePacket(recv float64, data []byte) {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			j.handleLine(recv, line)
		}
	}
}

func (j *JsonD) handleLine(recv float64, line string) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return
	}
	if dec.More() {
		return
	}
	j.handleObject(recv, obj)
}

// handleObject accepts only flat objects with scalar members. A timestamp
// member overrides the sample timestamp, subject to the timestamp window.
func (j *JsonD) handleObject(recv float64, obj map[string]interface{}) {
	values := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		switch x := v.(type) {
		case json.Number:
			if i, err := x.Int64(); err == nil {
				values[k] = i
			} else if f, err := x.Float64(); err == nil {
				values[k] = f
			} else {
				return
			}
		case string, bool, nil:
			values[k] = v
		default:
			// Nested arrays or objects disqualify the whole line.
			return
		}
	}
	custTS := 0.0
	if raw, ok := values["timestamp"]; ok {
		t, ok := toFloat(raw)
		if !ok {
			return
		}
		// Assume millis not secs if the timestamp >= 2^31.
		if math.Abs(t) > 2147483647 {
			t /= 1000
		}
		if math.Abs(recv-t) > j.TimestampWindow {
			return
		}
		custTS = t
		delete(values, "timestamp")
	}
	if custTS == 0 {
		custTS = recv
	}
	j.src.BufferSample("metrics", values, custTS, nil)
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func init() {
	inputs.Add("jsond_server", func() pipeline.Input {
		return &JsonD{}
	})
}
