package carbon

import (
	"bufio"
	"net"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/internal/hostpool"
	"github.com/bucky3/bucky3/pipeline"
)

func newTestCarbon(t *testing.T) *Carbon {
	t.Helper()
	common := config.Defaults()
	common.SetName("carbon")
	common.Normalize()
	c := &Carbon{Common: common, NameMapping: []string{"bucket", "host", "name", "value"}}
	c.push = pipeline.NewPush(c.Common, nil)
	return c
}

func buffered(c *Carbon) []string {
	var out []string
	c.push.PushChunk = func(entries []interface{}) ([]interface{}, error) {
		for _, e := range entries {
			out = append(out, e.(string))
		}
		return nil, nil
	}
	c.push.Flush(0)
	sort.Strings(out)
	return out
}

func TestProcessSampleRendersLines(t *testing.T) {
	c := newTestCarbon(t)
	c.ProcessSample(1000, "stats_counters",
		map[string]interface{}{"count": 5.0, "rate": 2.5},
		1234,
		map[string]string{"host": "h1", "name": "gorm"})
	lines := buffered(c)
	require.Len(t, lines, 2)
	assert.Contains(t, lines, "stats_counters.h1.gorm.count 5 1234\n")
	assert.Contains(t, lines, "stats_counters.h1.gorm.rate 2.5 1234\n")
}

func TestProcessSampleFallsBackToRecvTimestamp(t *testing.T) {
	c := newTestCarbon(t)
	c.ProcessSample(999.7, "b", map[string]interface{}{"v": int64(1)}, 0,
		map[string]string{"name": "x"})
	lines := buffered(c)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], " 999\n"), lines[0])
}

func TestProcessSampleSkipsNonNumeric(t *testing.T) {
	c := newTestCarbon(t)
	c.ProcessSample(0, "b", map[string]interface{}{"msg": "text", "ok": true}, 1,
		map[string]string{"name": "x"})
	lines := buffered(c)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], ".ok 1 1\n")
}

func TestBuildNameMappingOrderAndLeftovers(t *testing.T) {
	c := newTestCarbon(t)
	name := c.buildName(map[string]string{
		"bucket": "system_cpu",
		"name":   "cpu0",
		"zone":   "z1",
		"app":    "api",
	})
	// Mapped keys lead in configured order, leftovers follow sorted by key.
	assert.Equal(t, "system_cpu.cpu0.api.z1", name)
}

func TestBuildNameTranslatesSpecialCharacters(t *testing.T) {
	c := newTestCarbon(t)
	name := c.buildName(map[string]string{"name": "/dev/sda.1[0]*"})
	assert.Equal(t, "_dev_sda_1_0__", name)
}

func TestPushChunkWritesToCarbon(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
	}()

	c := newTestCarbon(t)
	c.conn = hostpool.TCPConnector{}
	c.conn.RemoteHosts = []string{l.Addr().String()}

	rejected, err := c.pushChunk([]interface{}{"gorm.count 5 1234\n"})
	require.NoError(t, err)
	assert.Empty(t, rejected)
	assert.Equal(t, "gorm.count 5 1234\n", <-received)
	c.conn.Close()
}
