package httpcall

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeweave/restcall/blob"
)

type fakeBlobStore struct {
	uploads     int
	lastContent []byte
	lastType    string
}

func (s *fakeBlobStore) CreateUploadTarget(context.Context) (*blob.UploadTarget, error) {
	return &blob.UploadTarget{PutURL: "http://store/put", GetURL: "http://store/get"}, nil
}

func (s *fakeBlobStore) Upload(_ context.Context, content io.Reader, size int64, contentType string) (*blob.Reference, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	s.uploads++
	s.lastContent = data
	s.lastType = contentType
	if size < 0 {
		size = int64(len(data))
	}
	return &blob.Reference{URL: "http://store/object-1?storage=maester", Size: size, ContentType: contentType}, nil
}

func (s *fakeBlobStore) Resolve(context.Context, string) (io.ReadCloser, int64, error) {
	return nil, 0, fmt.Errorf("not implemented")
}

func (s *fakeBlobStore) IsReference(url string) bool {
	return url == "http://store/object-1?storage=maester"
}

func rawResponse(status int, contentType string, body string) *RawResponse {
	headers := http.Header{}
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}
	return &RawResponse{
		StatusCode:    status,
		StatusMessage: http.StatusText(status),
		Headers:       headers,
		Body:          []byte(body),
		RequestURL:    "http://api.example.com/data",
	}
}

func TestDecoderJSON(t *testing.T) {
	decoder := NewDecoder(&Config{}, nil, testLogger())

	env, err := decoder.Decode(context.Background(), rawResponse(200, "application/json", `{"id":7,"tags":["a"]}`))
	require.NoError(t, err)
	assert.Equal(t, 200, env.StatusCode)
	assert.Equal(t, map[string]any{"id": float64(7), "tags": []any{"a"}}, env.Body)
	assert.Nil(t, env.Attachments)
}

func TestDecoderMalformedJSONIsFatal(t *testing.T) {
	decoder := NewDecoder(&Config{DontThrowError: true}, nil, testLogger())

	_, err := decoder.Decode(context.Background(), rawResponse(200, "application/json", `{"broken`))
	require.Error(t, err)
	assert.True(t, IsErrorType(err, DecodeError))
}

func TestDecoderXML(t *testing.T) {
	decoder := NewDecoder(&Config{}, nil, testLogger())

	t.Run("text-only root", func(t *testing.T) {
		env, err := decoder.Decode(context.Background(), rawResponse(200, "application/xml", `<xml>foo</xml>`))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"xml": "foo"}, env.Body)
	})

	t.Run("nested with attributes and repeats", func(t *testing.T) {
		payload := `<order id="9"><item>a</item><item>b</item><note>hi</note></order>`
		env, err := decoder.Decode(context.Background(), rawResponse(200, "text/xml", payload))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"order": map[string]any{
				"_attr": map[string]any{"id": "9"},
				"item":  []any{"a", "b"},
				"note":  "hi",
			},
		}, env.Body)
	})

	t.Run("malformed xml is fatal", func(t *testing.T) {
		_, err := decoder.Decode(context.Background(), rawResponse(200, "application/xml", `<a><b></a>`))
		require.Error(t, err)
		assert.True(t, IsErrorType(err, DecodeError))
	})
}

func TestDecoderBinaryOffload(t *testing.T) {
	store := &fakeBlobStore{}
	decoder := NewDecoder(&Config{}, store, testLogger())

	env, err := decoder.Decode(context.Background(), rawResponse(200, "application/pdf", "%PDF-1.4 ..."))
	require.NoError(t, err)
	require.NotNil(t, env.Attachments)
	assert.Nil(t, env.Body)
	assert.Equal(t, 1, store.uploads)
	assert.Equal(t, []byte("%PDF-1.4 ..."), store.lastContent)
	assert.Equal(t, "application/pdf", store.lastType)
	assert.Equal(t, "http://api.example.com/data", env.Attachments.SourceURL)
	assert.Regexp(t, `^[0-9a-f-]{36}_\d+$`, env.AttachmentName)
}

func TestDecoderBinaryWithoutStoreIsFatal(t *testing.T) {
	decoder := NewDecoder(&Config{}, nil, testLogger())

	_, err := decoder.Decode(context.Background(), rawResponse(200, "image/png", "png-bytes"))
	require.Error(t, err)
	assert.True(t, IsErrorType(err, DecodeError))
}

func TestDecoderDownloadAsAttachment(t *testing.T) {
	store := &fakeBlobStore{}
	decoder := NewDecoder(&Config{DownloadAsAttachment: true}, store, testLogger())

	env, err := decoder.Decode(context.Background(), rawResponse(200, "application/json", `{"big":"payload"}`))
	require.NoError(t, err)
	require.NotNil(t, env.Attachments)
	assert.Equal(t, map[string]any{"attachmentUrl": env.Attachments.URL}, env.Body)
	assert.Equal(t, 1, store.uploads)
}

func TestDecoderPlainText(t *testing.T) {
	decoder := NewDecoder(&Config{}, nil, testLogger())

	env, err := decoder.Decode(context.Background(), rawResponse(200, "text/plain", "just text"))
	require.NoError(t, err)
	assert.Equal(t, "just text", env.Body)
}

func TestDecoderMissingContentType(t *testing.T) {
	decoder := NewDecoder(&Config{}, nil, testLogger())

	t.Run("valid JSON decodes", func(t *testing.T) {
		env, err := decoder.Decode(context.Background(), rawResponse(200, "", `{"a":1}`))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": float64(1)}, env.Body)
	})

	t.Run("non-JSON falls back to text", func(t *testing.T) {
		env, err := decoder.Decode(context.Background(), rawResponse(200, "", "plain stuff"))
		require.NoError(t, err)
		assert.Equal(t, "plain stuff", env.Body)
	})
}

func TestDecoderEmptyBody(t *testing.T) {
	decoder := NewDecoder(&Config{}, nil, testLogger())

	env, err := decoder.Decode(context.Background(), rawResponse(204, "application/json", ""))
	require.NoError(t, err)
	assert.Equal(t, 204, env.StatusCode)
	assert.Nil(t, env.Body)
}

func TestDecoderStatusGate(t *testing.T) {
	t.Run("3xx with redirects disabled yields envelope", func(t *testing.T) {
		cfg := &Config{FollowRedirect: "doNotFollowRedirects"}
		decoder := NewDecoder(cfg, nil, testLogger())

		env, err := decoder.Decode(context.Background(), rawResponse(302, "text/plain", "moved"))
		require.NoError(t, err)
		assert.Equal(t, 302, env.StatusCode)
		assert.Equal(t, "moved", env.Body)
	})

	t.Run("3xx with redirects enabled is an error", func(t *testing.T) {
		decoder := NewDecoder(&Config{}, nil, testLogger())

		_, err := decoder.Decode(context.Background(), rawResponse(302, "text/plain", "moved"))
		require.Error(t, err)
		assert.True(t, IsErrorType(err, HTTPStatusError))
	})

	t.Run("4xx without tolerance is an error", func(t *testing.T) {
		decoder := NewDecoder(&Config{}, nil, testLogger())

		_, err := decoder.Decode(context.Background(), rawResponse(404, "text/plain", "missing"))
		require.Error(t, err)
		assert.Equal(t, 404, StatusCodeOf(err))
	})

	t.Run("4xx with dontThrowErrorFlg yields envelope", func(t *testing.T) {
		decoder := NewDecoder(&Config{DontThrowError: true}, nil, testLogger())

		env, err := decoder.Decode(context.Background(), rawResponse(404, "application/json", `{"missing":true}`))
		require.NoError(t, err)
		assert.Equal(t, 404, env.StatusCode)
		assert.Equal(t, "HTTP error.", env.StatusMessage)
		assert.Equal(t, map[string]any{"missing": true}, env.Body)
	})

	t.Run("4xx under emit policy yields envelope", func(t *testing.T) {
		decoder := NewDecoder(&Config{ErrorPolicy: PolicyEmit}, nil, testLogger())

		env, err := decoder.Decode(context.Background(), rawResponse(503, "text/plain", "try later"))
		require.NoError(t, err)
		assert.Equal(t, 503, env.StatusCode)
	})
}

func TestDecoderUTF16Transcoding(t *testing.T) {
	utf16le := func(s string) string {
		out := make([]byte, 0, len(s)*2)
		for _, r := range s {
			out = append(out, byte(r), byte(r>>8))
		}
		return string(out)
	}

	decoder := NewDecoder(&Config{ResponseEncoding: "utf16le"}, nil, testLogger())

	env, err := decoder.Decode(context.Background(), rawResponse(200, "application/json", utf16le(`{"ok":true}`)))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, env.Body)
}
