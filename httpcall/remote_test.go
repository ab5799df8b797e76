package httpcall

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteFetcherBuffersSmallContent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "small-file")
	}))
	defer server.Close()

	fetcher := newRemoteFetcher(nil, http.DefaultClient, 0, testLogger())

	content, fetch, length, err := fetcher.fetchPart(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("small-file"), content)
	assert.Nil(t, fetch)
	assert.Equal(t, int64(10), length)

	// A second fetch of the same URL is served from the buffer.
	content, _, _, err = fetcher.fetchPart(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("small-file"), content)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRemoteFetcherResetDropsBuffers(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "content")
	}))
	defer server.Close()

	fetcher := newRemoteFetcher(nil, http.DefaultClient, 0, testLogger())

	_, _, _, err := fetcher.fetchPart(context.Background(), server.URL)
	require.NoError(t, err)
	fetcher.reset()
	_, _, _, err = fetcher.fetchPart(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRemoteFetcherStreamsOversizedContent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "this content is larger than the limit")
	}))
	defer server.Close()

	fetcher := newRemoteFetcher(nil, http.DefaultClient, 8, testLogger())

	content, fetch, _, err := fetcher.fetchPart(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Nil(t, content)
	require.NotNil(t, fetch)

	// Each attempt re-fetches instead of reusing a buffer.
	for i := 0; i < 2; i++ {
		stream, _, err := fetch(context.Background())
		require.NoError(t, err)
		data, err := io.ReadAll(stream)
		require.NoError(t, err)
		stream.Close()
		assert.Equal(t, "this content is larger than the limit", string(data))
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestRemoteFetcherFailedFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	fetcher := newRemoteFetcher(nil, http.DefaultClient, 0, testLogger())
	_, _, _, err := fetcher.fetchPart(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Can't extract file from provided url")
}
