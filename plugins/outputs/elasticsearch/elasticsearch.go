// Package elasticsearch ships samples as ndjson bulk requests. The index is
// the sample bucket unless a static name is configured; document ids are
// UUIDv5 over the canonical document serialization, so replayed documents
// dedupe upstream.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/errgroup"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/internal/hostpool"
	"github.com/bucky3/bucky3/pipeline"
	"github.com/bucky3/bucky3/plugins/outputs"
)

const defaultPort = 9200

type Elasticsearch struct {
	config.Common

	IndexName      string `toml:"index_name"`
	UseCompression *bool  `toml:"use_compression"`

	srcs     []*pipeline.Pipe
	push     *pipeline.Push
	resolver hostpool.Resolver
	client   *http.Client
	compress bool
}

type document struct {
	index string
	id    string
	body  []byte
}

func (e *Elasticsearch) SetSources(srcs []*pipeline.Pipe) { e.srcs = srcs }

func (e *Elasticsearch) Run(ctx context.Context) error {
	e.compress = e.UseCompression == nil || *e.UseCompression
	e.push = pipeline.NewPush(e.Common, e.srcs)
	e.resolver = hostpool.Resolver{RemoteHosts: e.RemoteHosts, DefaultPort: defaultPort, Log: e.push.Log()}
	e.client = &http.Client{}
	if e.SocketTimeout > 0 {
		e.client.Timeout = time.Duration(e.SocketTimeout * float64(time.Second))
	}
	e.push.PushChunk = e.pushChunk
	e.push.CloseConn = e.client.CloseIdleConnections

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.push.RunReceive(gctx, e) })
	g.Go(func() error { e.push.RunLoop(gctx, e); return nil })
	return g.Wait()
}

// ProcessSample builds the bulk document: values plus metadata, metadata
// filling gaps, with the timestamp as epoch milliseconds.
func (e *Elasticsearch) ProcessSample(recv float64, bucket string, values map[string]interface{}, ts float64, md map[string]string) {
	doc := make(map[string]interface{}, len(values)+len(md)+1)
	for k, v := range values {
		doc[k] = v
	}
	for k, v := range md {
		if _, ok := doc[k]; !ok {
			doc[k] = v
		}
	}
	if ts == 0 {
		ts = recv
	}
	doc["timestamp"] = int64(ts * 1000)

	// json.Marshal sorts map keys, which keeps the id stable for identical
	// documents.
	body, err := json.Marshal(doc)
	if err != nil {
		return
	}
	index := e.IndexName
	if index == "" {
		index = bucket
	}
	id := uuid.NewSHA1(uuid.NameSpaceDNS, body).String()
	e.push.BufferOutput(document{index: index, id: id, body: body})
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
	} `json:"items"`
}

// https://www.elastic.co/guide/en/elasticsearch/reference/current/docs-bulk.html
// https://github.com/ndjson/ndjson-spec
func (e *Elasticsearch) pushChunk(chunk []interface{}) ([]interface{}, error) {
	var buf bytes.Buffer
	for _, entry := range chunk {
		doc := entry.(document)
		action, err := json.Marshal(map[string]interface{}{
			"index": map[string]string{"_index": doc.index, "_id": doc.id},
		})
		if err != nil {
			continue
		}
		buf.Write(action)
		buf.WriteByte('\n')
		buf.Write(doc.body)
		buf.WriteByte('\n')
	}

	endpoints := e.resolver.ResolveRemoteHosts()
	if len(endpoints) == 0 {
		return nil, hostpool.ErrNoConnection
	}
	ep := endpoints[rand.Intn(len(endpoints))]

	body := buf.Bytes()
	headers := map[string]string{
		// ES complains when it receives the content type with a charset,
		// even though it sends one in its own responses.
		"Content-Type": "application/x-ndjson",
	}
	if e.compress {
		var zbuf bytes.Buffer
		zw := zlib.NewWriter(&zbuf)
		zw.Write(body)
		zw.Close()
		body = zbuf.Bytes()
		headers["Content-Encoding"] = "deflate"
		headers["Accept-Encoding"] = "deflate"
	}

	req, err := http.NewRequest(http.MethodPost, "http://"+ep.String()+"/_bulk", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("elasticsearch error code %d", resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "deflate" {
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		reader = zr
	}
	var bulk bulkResponse
	if err := json.NewDecoder(reader).Decode(&bulk); err != nil {
		return nil, err
	}
	if bulk.Errors {
		var rejected int64
		for _, item := range bulk.Items {
			for _, op := range item {
				if op.Status >= 300 {
					rejected++
				}
			}
		}
		// Schema-level rejections are permanent; count them and move on
		// rather than re-queueing documents the backend will never take.
		e.push.AddRejected(rejected)
	}
	return nil, nil
}

func init() {
	outputs.Add("elasticsearch_client", func() pipeline.Output {
		return &Elasticsearch{}
	})
}
