package httpcall

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeweave/restcall/expression"
)

func newTestBuilder(cfg *Config) *Builder {
	log := testLogger()
	fetcher := newRemoteFetcher(nil, http.DefaultClient, 0, log)
	return NewBuilder(cfg, expression.NewGJSONEvaluator(), fetcher, log)
}

func TestBuilderGetWithoutBody(t *testing.T) {
	cfg := &Config{Reader: ReaderConfig{Method: MethodGet, URL: `"http://x/"`}}
	builder := newTestBuilder(cfg)

	req, err := builder.Build(context.Background(), NewMessage("m1"))
	require.NoError(t, err)
	assert.Equal(t, MethodGet, req.Method)
	assert.Equal(t, "http://x/", req.URL)
	assert.False(t, req.HasBody())
}

func TestBuilderURLExpression(t *testing.T) {
	cfg := &Config{Reader: ReaderConfig{Method: MethodGet, URL: "endpoint"}}
	builder := newTestBuilder(cfg)

	msg := NewMessage("m1")
	msg.Body["endpoint"] = "http://api.example.com/items"

	req, err := builder.Build(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "http://api.example.com/items", req.URL)
}

func TestBuilderURLExpressionMissing(t *testing.T) {
	cfg := &Config{Reader: ReaderConfig{Method: MethodGet, URL: "endpoint"}}
	builder := newTestBuilder(cfg)

	_, err := builder.Build(context.Background(), NewMessage("m1"))
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ConfigError))
}

func TestBuilderHeaders(t *testing.T) {
	cfg := &Config{Reader: ReaderConfig{
		Method: MethodPost,
		URL:    `"http://x/"`,
		Headers: []HeaderConfig{
			{Key: "X-First", Value: `"one"`},
			{Key: "", Value: `"skipped"`},
			{Key: "X-Empty", Value: `""`},
			{Key: "X-Dup", Value: `"a"`},
			{Key: "x-dup", Value: `"b"`},
			{Key: "X-Dynamic", Value: "tenant"},
		},
	}}
	builder := newTestBuilder(cfg)

	msg := NewMessage("m1")
	msg.Body["tenant"] = "acme"

	req, err := builder.Build(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"x-first":   "one",
		"x-dup":     "b",
		"x-dynamic": "acme",
	}, req.Headers)
}

func TestBuilderRawBody(t *testing.T) {
	t.Run("string expression", func(t *testing.T) {
		cfg := &Config{Reader: ReaderConfig{
			Method: MethodPost,
			URL:    `"http://x/"`,
			Body:   &BodyConfig{ContentType: "text/plain", Raw: `"hello"`},
		}}
		req, err := newTestBuilder(cfg).Build(context.Background(), NewMessage("m1"))
		require.NoError(t, err)
		assert.Equal(t, "hello", req.Raw)
		assert.Equal(t, "text/plain", req.Headers["content-type"])
	})

	t.Run("structured expression", func(t *testing.T) {
		cfg := &Config{Reader: ReaderConfig{
			Method: MethodPost,
			URL:    `"http://x/"`,
			Body:   &BodyConfig{ContentType: "application/json", Raw: "payload"},
		}}
		msg := NewMessage("m1")
		msg.Body["payload"] = map[string]any{"a": float64(1)}

		req, err := newTestBuilder(cfg).Build(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": float64(1)}, req.Raw)
	})

	t.Run("GET ignores declared body", func(t *testing.T) {
		cfg := &Config{Reader: ReaderConfig{
			Method: MethodGet,
			URL:    `"http://x/"`,
			Body:   &BodyConfig{ContentType: "text/plain", Raw: `"hello"`},
		}}
		req, err := newTestBuilder(cfg).Build(context.Background(), NewMessage("m1"))
		require.NoError(t, err)
		assert.False(t, req.HasBody())
	})
}

func TestBuilderURLEncoded(t *testing.T) {
	cfg := &Config{Reader: ReaderConfig{
		Method: MethodPost,
		URL:    `"http://x/items"`,
		Body: &BodyConfig{
			ContentType: ContentTypeURLEncoded,
			URLEncoded: []PairConfig{
				{Key: "param1", Value: `"value1"`},
				{Key: "param2", Value: "count"},
			},
		},
	}}
	builder := newTestBuilder(cfg)

	msg := NewMessage("m1")
	msg.Body["count"] = float64(3)

	req, err := builder.Build(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, []FormPair{{Key: "param1", Value: "value1"}, {Key: "param2", Value: "3"}}, req.Params)
	assert.Equal(t, "http://x/items?param1=value1&param2=3", req.RequestURL())
	assert.Nil(t, req.Raw)
}

func TestBuilderURLEncodedAppendsToExistingQuery(t *testing.T) {
	cfg := &Config{Reader: ReaderConfig{
		Method: MethodPost,
		URL:    `"http://x/items?fixed=1"`,
		Body: &BodyConfig{
			ContentType: ContentTypeURLEncoded,
			URLEncoded:  []PairConfig{{Key: "a b", Value: `"c&d"`}},
		},
	}}
	req, err := newTestBuilder(cfg).Build(context.Background(), NewMessage("m1"))
	require.NoError(t, err)
	assert.Equal(t, "http://x/items?fixed=1&a+b=c%26d", req.RequestURL())
}

func TestBuilderMultipart(t *testing.T) {
	cfg := &Config{Reader: ReaderConfig{
		Method: MethodPost,
		URL:    `"http://x/upload"`,
		Body: &BodyConfig{
			ContentType: ContentTypeFormData,
			FormData: []PairConfig{
				{Key: "field1", Value: `"plain"`},
				{Key: "field2", Value: "nested"},
			},
		},
	}}
	builder := newTestBuilder(cfg)

	msg := NewMessage("m1")
	msg.Body["nested"] = map[string]any{"x": float64(1)}

	req, err := builder.Build(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, req.Multipart)
	assert.Equal(t, MultipartBoundary, req.Multipart.Boundary)
	assert.Equal(t,
		fmt.Sprintf("multipart/form-data; charset=utf8; boundary=%s", MultipartBoundary),
		req.Headers["content-type"])

	require.Len(t, req.Multipart.Parts, 2)
	assert.Equal(t, "field1", req.Multipart.Parts[0].Key)
	assert.Equal(t, []byte("plain"), req.Multipart.Parts[0].Content)
	assert.Equal(t, []byte(`{"x":1}`), req.Multipart.Parts[1].Content)

	stream, err := req.Multipart.Encode(context.Background())
	require.NoError(t, err)
	defer stream.Close()
	encoded, err := io.ReadAll(stream)
	require.NoError(t, err)

	body := string(encoded)
	assert.True(t, strings.HasPrefix(body, "--"+MultipartBoundary+"\r\n"))
	assert.Contains(t, body, `Content-Disposition: form-data; name="field1"`)
	assert.Contains(t, body, "plain")
	assert.True(t, strings.HasSuffix(body, "--"+MultipartBoundary+"--\r\n"))
	assert.Equal(t, int64(len(encoded)), req.Multipart.KnownLength())
}

func TestBuilderMultipartRemoteFile(t *testing.T) {
	fileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "file-bytes")
	}))
	defer fileServer.Close()

	cfg := &Config{
		UploadFile: true,
		Reader: ReaderConfig{
			Method: MethodPost,
			URL:    `"http://x/upload"`,
			Body: &BodyConfig{
				ContentType: ContentTypeFormData,
				FormData:    []PairConfig{{Key: "file", Value: "upload"}},
			},
		},
	}
	builder := newTestBuilder(cfg)

	msg := NewMessage("m1")
	msg.Body["upload"] = map[string]any{"url": fileServer.URL, "filename": "report.bin"}

	req, err := builder.Build(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, req.Multipart.Parts, 1)
	part := req.Multipart.Parts[0]
	assert.Equal(t, "file", part.Key)
	assert.Equal(t, "report.bin", part.Filename)
	assert.Equal(t, []byte("file-bytes"), part.Content)
}

func TestBuilderMultipartRemoteFileKnownLength(t *testing.T) {
	payload := "this payload exceeds the buffer guard"
	fileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Flush before writing so the response is chunked and reports no length.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		fmt.Fprint(w, payload)
	}))
	defer fileServer.Close()

	cfg := &Config{
		UploadFile: true,
		Reader: ReaderConfig{
			Method: MethodPost,
			URL:    `"http://x/upload"`,
			Body: &BodyConfig{
				ContentType: ContentTypeFormData,
				FormData:    []PairConfig{{Key: "file", Value: "upload"}},
			},
		},
	}
	log := testLogger()
	fetcher := newRemoteFetcher(nil, http.DefaultClient, 8, log)
	builder := NewBuilder(cfg, expression.NewGJSONEvaluator(), fetcher, log)

	t.Run("declared length fills in for an unreported one", func(t *testing.T) {
		msg := NewMessage("m1")
		msg.Body["upload"] = map[string]any{
			"url":         fileServer.URL,
			"knownLength": float64(len(payload)),
		}

		req, err := builder.Build(context.Background(), msg)
		require.NoError(t, err)
		require.Len(t, req.Multipart.Parts, 1)
		part := req.Multipart.Parts[0]
		assert.Nil(t, part.Content)
		require.NotNil(t, part.Fetch)
		assert.Equal(t, int64(len(payload)), part.Length)

		known := req.Multipart.KnownLength()
		require.Greater(t, known, int64(0))

		stream, err := req.Multipart.Encode(context.Background())
		require.NoError(t, err)
		defer stream.Close()
		encoded, err := io.ReadAll(stream)
		require.NoError(t, err)
		assert.Equal(t, known, int64(len(encoded)))
	})

	t.Run("without a declared length the body length stays unknown", func(t *testing.T) {
		msg := NewMessage("m2")
		msg.Body["upload"] = map[string]any{"url": fileServer.URL}

		req, err := builder.Build(context.Background(), msg)
		require.NoError(t, err)
		require.Len(t, req.Multipart.Parts, 1)
		assert.Equal(t, int64(-1), req.Multipart.Parts[0].Length)
		assert.Equal(t, int64(-1), req.Multipart.KnownLength())
	})
}

func TestBuilderIsDeterministic(t *testing.T) {
	cfg := &Config{Reader: ReaderConfig{
		Method: MethodPost,
		URL:    `"http://x/"`,
		Headers: []HeaderConfig{
			{Key: "X-A", Value: `"1"`},
			{Key: "X-B", Value: `"2"`},
		},
		Body: &BodyConfig{
			ContentType: ContentTypeURLEncoded,
			URLEncoded:  []PairConfig{{Key: "k", Value: `"v"`}},
		},
	}}
	builder := newTestBuilder(cfg)
	msg := NewMessage("m1")

	first, err := builder.Build(context.Background(), msg)
	require.NoError(t, err)
	second, err := builder.Build(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStringifyValue(t *testing.T) {
	assert.Equal(t, "", stringifyValue(nil))
	assert.Equal(t, "text", stringifyValue("text"))
	assert.Equal(t, "42", stringifyValue(float64(42)))
	assert.Equal(t, "1.5", stringifyValue(1.5))
	assert.Equal(t, "true", stringifyValue(true))
	assert.Equal(t, `["a","b"]`, stringifyValue([]any{"a", "b"}))
}
