package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() map[string]any {
	return map[string]any{
		"url":   "http://api.example.com",
		"count": float64(3),
		"items": []any{"a", "b"},
		"user":  map[string]any{"name": "ann"},
	}
}

func TestGJSONEvaluator(t *testing.T) {
	eval := NewGJSONEvaluator()

	t.Run("quoted string literal", func(t *testing.T) {
		value, err := eval.Evaluate(`"http://fixed/"`, testMessage())
		require.NoError(t, err)
		assert.Equal(t, "http://fixed/", value)
	})

	t.Run("top-level path", func(t *testing.T) {
		value, err := eval.Evaluate("url", testMessage())
		require.NoError(t, err)
		assert.Equal(t, "http://api.example.com", value)
	})

	t.Run("nested path", func(t *testing.T) {
		value, err := eval.Evaluate("user.name", testMessage())
		require.NoError(t, err)
		assert.Equal(t, "ann", value)
	})

	t.Run("array index", func(t *testing.T) {
		value, err := eval.Evaluate("items.1", testMessage())
		require.NoError(t, err)
		assert.Equal(t, "b", value)
	})

	t.Run("numeric literal", func(t *testing.T) {
		value, err := eval.Evaluate("42", testMessage())
		require.NoError(t, err)
		assert.Equal(t, float64(42), value)
	})

	t.Run("boolean literal", func(t *testing.T) {
		value, err := eval.Evaluate("true", testMessage())
		require.NoError(t, err)
		assert.Equal(t, true, value)
	})

	t.Run("object literal", func(t *testing.T) {
		value, err := eval.Evaluate(`{"a":1}`, testMessage())
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": float64(1)}, value)
	})

	t.Run("missing path yields nil", func(t *testing.T) {
		value, err := eval.Evaluate("nope.nothing", testMessage())
		require.NoError(t, err)
		assert.Nil(t, value)
	})

	t.Run("digit-leading path falls back to lookup", func(t *testing.T) {
		msg := testMessage()
		msg["0"] = map[string]any{"sku": "A-1"}
		value, err := eval.Evaluate("0.sku", msg)
		require.NoError(t, err)
		assert.Equal(t, "A-1", value)
	})

	t.Run("unparseable literal without a match yields nil", func(t *testing.T) {
		value, err := eval.Evaluate("0.sku", testMessage())
		require.NoError(t, err)
		assert.Nil(t, value)
	})
}
