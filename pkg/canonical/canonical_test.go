package canonical_test

import (
	"testing"

	"github.com/fooker/adacta/pkg/canonical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"y": true, "x": false}}
	b := map[string]any{"c": map[string]any{"x": false, "y": true}, "a": 1, "b": 2}

	ja, err := canonical.JSON(a)
	require.NoError(t, err)
	jb, err := canonical.JSON(b)
	require.NoError(t, err)

	assert.Equal(t, string(ja), string(jb))
	assert.Equal(t, `{"a":1,"b":2,"c":{"x":false,"y":true}}`, string(ja))
}

func TestDigest_Stable(t *testing.T) {
	v := struct {
		Name  string   `json:"name"`
		Tags  []string `json:"tags"`
		Count int      `json:"count"`
	}{Name: "invoice", Tags: []string{"tax", "2024"}, Count: 3}

	d1, err := canonical.Digest(v)
	require.NoError(t, err)
	d2, err := canonical.Digest(v)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)
}

func TestJSON_RejectsUnserializable(t *testing.T) {
	_, err := canonical.JSON(make(chan int))
	assert.Error(t, err)
}
