package httpcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrorCodeRange(t *testing.T) {
	t.Run("single code", func(t *testing.T) {
		codes, err := ParseErrorCodeRange("404")
		require.NoError(t, err)
		assert.Equal(t, ErrorCodeRange{404}, codes)
	})

	t.Run("inclusive range", func(t *testing.T) {
		codes, err := ParseErrorCodeRange("401-404")
		require.NoError(t, err)
		assert.Equal(t, ErrorCodeRange{401, 402, 403, 404}, codes)
	})

	t.Run("mixed list preserves order", func(t *testing.T) {
		codes, err := ParseErrorCodeRange("401, 501-503, 402")
		require.NoError(t, err)
		assert.Equal(t, ErrorCodeRange{401, 501, 502, 503, 402}, codes)
	})

	t.Run("duplicates are kept", func(t *testing.T) {
		codes, err := ParseErrorCodeRange("404, 404")
		require.NoError(t, err)
		assert.Equal(t, ErrorCodeRange{404, 404}, codes)
	})

	t.Run("reversed range fails", func(t *testing.T) {
		_, err := ParseErrorCodeRange("404-401")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "first code should be less than second")
	})

	t.Run("non numeric token fails", func(t *testing.T) {
		_, err := ParseErrorCodeRange("abc")
		require.Error(t, err)
		assert.True(t, IsErrorType(err, ConfigError))
	})

	t.Run("empty spec yields nil range", func(t *testing.T) {
		codes, err := ParseErrorCodeRange("")
		require.NoError(t, err)
		assert.Nil(t, codes)
	})
}

func TestIsRetryEligible(t *testing.T) {
	t.Run("built-in set", func(t *testing.T) {
		assert.True(t, isRetryEligible(408, nil))
		assert.True(t, isRetryEligible(423, nil))
		assert.True(t, isRetryEligible(429, nil))
		assert.True(t, isRetryEligible(500, nil))
		assert.True(t, isRetryEligible(503, nil))
		assert.False(t, isRetryEligible(404, nil))
		assert.False(t, isRetryEligible(401, nil))
	})

	t.Run("custom range replaces built-in set", func(t *testing.T) {
		custom := ErrorCodeRange{404}
		assert.True(t, isRetryEligible(404, custom))
		assert.False(t, isRetryEligible(429, custom))
		assert.False(t, isRetryEligible(500, custom))
	})
}
