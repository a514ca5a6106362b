package jsond

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/metric"
	"github.com/bucky3/bucky3/pipeline"
)

func newTestJsonD(t *testing.T) (*JsonD, *pipeline.Pipe) {
	t.Helper()
	common := config.Defaults()
	common.SetName("jsond")
	common.Normalize()
	j := &JsonD{Common: common, TimestampWindow: 600}
	pipe := pipeline.NewPipe("jsond", "test")
	j.src = pipeline.NewSource(j.Common, []*pipeline.Pipe{pipe}, nil)
	return j, pipe
}

func drain(t *testing.T, j *JsonD, pipe *pipeline.Pipe) []metric.Sample {
	t.Helper()
	require.True(t, j.src.Flush(context.Background()))
	var out []metric.Sample
	for {
		select {
		case chunk := <-pipe.C():
			out = append(out, chunk...)
		default:
			return out
		}
	}
}

func TestHandleLineFlatObject(t *testing.T) {
	j, pipe := newTestJsonD(t)
	j.handleLine(1000, `{"cpu": 0.5, "requests": 12, "ok": true, "state": "up", "gone": null}`)
	out := drain(t, j, pipe)
	require.Len(t, out, 1)
	assert.Equal(t, "metrics", out[0].Bucket)
	assert.Equal(t, 0.5, out[0].Values["cpu"])
	assert.Equal(t, int64(12), out[0].Values["requests"])
	assert.Equal(t, true, out[0].Values["ok"])
	assert.Equal(t, "up", out[0].Values["state"])
	assert.Equal(t, 1000.0, out[0].Timestamp)
}

func TestHandleLineRejectsNestedObjects(t *testing.T) {
	j, pipe := newTestJsonD(t)
	j.handleLine(1000, `{"nested": {"a": 1}}`)
	j.handleLine(1000, `{"list": [1, 2]}`)
	assert.Empty(t, drain(t, j, pipe))
}

func TestHandleLineRejectsNonObjects(t *testing.T) {
	j, pipe := newTestJsonD(t)
	j.handleLine(1000, `42`)
	j.handleLine(1000, `"str"`)
	j.handleLine(1000, `[1]`)
	j.handleLine(1000, `{"a": 1} trailing`)
	j.handleLine(1000, `{bad json`)
	assert.Empty(t, drain(t, j, pipe))
}

func TestTimestampMember(t *testing.T) {
	j, pipe := newTestJsonD(t)
	j.handleLine(1000, `{"v": 1, "timestamp": 900.5}`)
	out := drain(t, j, pipe)
	require.Len(t, out, 1)
	assert.Equal(t, 900.5, out[0].Timestamp)
	_, ok := out[0].Values["timestamp"]
	assert.False(t, ok)
}

func TestTimestampMemberMilliseconds(t *testing.T) {
	j, pipe := newTestJsonD(t)
	j.handleLine(2500000000, `{"v": 1, "timestamp": 2500000100000}`)
	out := drain(t, j, pipe)
	require.Len(t, out, 1)
	assert.InDelta(t, 2500000100.0, out[0].Timestamp, 1e-6)
}

func TestTimestampOutsideWindowRejected(t *testing.T) {
	j, pipe := newTestJsonD(t)
	j.handleLine(1000, `{"v": 1, "timestamp": 5000}`)
	assert.Empty(t, drain(t, j, pipe))
}

func TestHandlePacketSplitsLines(t *testing.T) {
	j, pipe := newTestJsonD(t)
	j.handlePacket(1000, []byte("{\"a\": 1}\n\n{\"b\": 2}\n"))
	out := drain(t, j, pipe)
	assert.Len(t, out, 2)
}

func TestDecompressZlib(t *testing.T) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write([]byte(`{"v": 1}`))
	w.Close()
	assert.Equal(t, []byte(`{"v": 1}`), decompress(buf.Bytes()))
}

func TestDecompressGzip(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write([]byte(`{"v": 1}`))
	w.Close()
	assert.Equal(t, []byte(`{"v": 1}`), decompress(buf.Bytes()))
}

func TestDecompressPassthrough(t *testing.T) {
	raw := []byte(`{"v": 1}`)
	assert.Equal(t, raw, decompress(raw))
}
