package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindFilename(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindSpecimen, "document.pdf"},
		{KindPlaintext, "document.txt"},
		{KindPreview, "preview.png"},
		{KindMetadata, "metadata.json"},
		{Kind("sidecar"), "sidecar"},
		{LogKind("extract-text"), "extract-text.log"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.kind.Filename())
	}
}

func TestLogKind(t *testing.T) {
	assert.Equal(t, Kind("thumbnail.log"), LogKind("thumbnail"))
	assert.True(t, LogKind("thumbnail").IsLog())
	assert.False(t, KindPlaintext.IsLog())
}
