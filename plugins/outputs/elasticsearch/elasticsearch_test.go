package elasticsearch

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/internal/hostpool"
	"github.com/bucky3/bucky3/pipeline"
)

func newTestES(t *testing.T) *Elasticsearch {
	t.Helper()
	common := config.Defaults()
	common.SetName("elasticsearch")
	common.Normalize()
	e := &Elasticsearch{Common: common}
	e.push = pipeline.NewPush(e.Common, nil)
	e.client = &http.Client{}
	return e
}

func docs(e *Elasticsearch) []document {
	var out []document
	e.push.PushChunk = func(entries []interface{}) ([]interface{}, error) {
		for _, entry := range entries {
			out = append(out, entry.(document))
		}
		return nil, nil
	}
	e.push.Flush(0)
	return out
}

func TestProcessSampleBuildsDocument(t *testing.T) {
	e := newTestES(t)
	e.ProcessSample(1000, "logs",
		map[string]interface{}{"message": "hi", "severity": "info"},
		1234.5,
		map[string]string{"host": "h1", "severity": "ignored"})
	out := docs(e)
	require.Len(t, out, 1)
	assert.Equal(t, "logs", out[0].index)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out[0].body, &doc))
	// Values win over metadata, metadata fills gaps, timestamp is epoch ms.
	assert.Equal(t, "info", doc["severity"])
	assert.Equal(t, "h1", doc["host"])
	assert.Equal(t, float64(1234500), doc["timestamp"])
}

func TestProcessSampleStaticIndexName(t *testing.T) {
	e := newTestES(t)
	e.IndexName = "bucky3"
	e.ProcessSample(1000, "logs", map[string]interface{}{"v": int64(1)}, 1, nil)
	out := docs(e)
	require.Len(t, out, 1)
	assert.Equal(t, "bucky3", out[0].index)
}

func TestDocumentIdsAreStable(t *testing.T) {
	e := newTestES(t)
	e.ProcessSample(1000, "logs", map[string]interface{}{"v": int64(1)}, 1, nil)
	e.ProcessSample(1000, "logs", map[string]interface{}{"v": int64(1)}, 1, nil)
	e.ProcessSample(1000, "logs", map[string]interface{}{"v": int64(2)}, 1, nil)
	out := docs(e)
	require.Len(t, out, 3)
	assert.Equal(t, out[0].id, out[1].id)
	assert.NotEqual(t, out[0].id, out[2].id)
}

func withTestServer(t *testing.T, e *Elasticsearch, handler http.HandlerFunc) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	e.resolver = hostpool.Resolver{RemoteHosts: []string{u.Host}, DefaultPort: defaultPort}
}

func TestPushChunkSendsBulkRequest(t *testing.T) {
	e := newTestES(t)
	off := false
	e.UseCompression = &off
	e.compress = false

	var gotPath, gotType string
	var gotBody []byte
	withTestServer(t, e, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"errors":false,"items":[]}`))
	})

	chunk := []interface{}{document{index: "logs", id: "id-1", body: []byte(`{"v":1}`)}}
	rejected, err := e.pushChunk(chunk)
	require.NoError(t, err)
	assert.Empty(t, rejected)
	assert.Equal(t, "/_bulk", gotPath)
	assert.Equal(t, "application/x-ndjson", gotType)
	lines := strings.Split(strings.TrimSuffix(string(gotBody), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"index":{"_index":"logs","_id":"id-1"}}`, lines[0])
	assert.JSONEq(t, `{"v":1}`, lines[1])
}

func TestPushChunkDoesNotRequeuePartialRejections(t *testing.T) {
	e := newTestES(t)
	e.compress = false
	withTestServer(t, e, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"errors":true,"items":[
			{"index":{"status":201}},
			{"index":{"status":400}},
			{"index":{"status":429}}
		]}`))
	})

	chunk := []interface{}{
		document{index: "logs", id: "a", body: []byte(`{}`)},
		document{index: "logs", id: "b", body: []byte(`{}`)},
		document{index: "logs", id: "c", body: []byte(`{}`)},
	}
	rejected, err := e.pushChunk(chunk)
	require.NoError(t, err)
	assert.Empty(t, rejected)
}

func TestPushChunkNon200IsError(t *testing.T) {
	e := newTestES(t)
	e.compress = false
	withTestServer(t, e, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := e.pushChunk([]interface{}{document{index: "logs", id: "a", body: []byte(`{}`)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestPushChunkNoHosts(t *testing.T) {
	e := newTestES(t)
	e.compress = false
	_, err := e.pushChunk([]interface{}{document{index: "logs", id: "a", body: []byte(`{}`)}})
	assert.ErrorIs(t, err, hostpool.ErrNoConnection)
}
