package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	b, err := JCS(map[string]any{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_Nested(t *testing.T) {
	b, err := JCS(map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": []any{2, 1},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[2,1],"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"k": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a&b>"}`, string(b))
}

func TestJCS_RawMessageEquivalence(t *testing.T) {
	a, err := JCS(json.RawMessage(`{ "b": 1, "a": 2 }`))
	require.NoError(t, err)
	b, err := JCS(struct {
		A int `json:"a"`
		B int `json:"b"`
	}{A: 2, B: 1})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCanonicalHash_Stable(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"x": 1, "y": "z"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"y": "z", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestJCS_InvalidJSON(t *testing.T) {
	_, err := JCS(json.RawMessage(`{not json`))
	assert.Error(t, err)
}
