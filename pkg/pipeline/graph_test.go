package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fooker/adacta/pkg/blob"
	"github.com/fooker/adacta/pkg/document"
)

func validSteps() []Step {
	return []Step{
		{
			Name:    "extract-text",
			Image:   "adacta/extract-text:1",
			Inputs:  []document.Kind{document.KindSpecimen},
			Outputs: []document.Kind{document.KindPlaintext},
		},
		{
			Name:    "thumbnail",
			Image:   "adacta/thumbnail:1",
			Inputs:  []document.Kind{document.KindSpecimen},
			Outputs: []document.Kind{document.KindPreview},
		},
		{
			Name:    "classify",
			Image:   "adacta/classify:1",
			Inputs:  []document.Kind{document.KindPlaintext},
			Outputs: []document.Kind{document.KindMetadata},
		},
	}
}

func TestNewGraphValid(t *testing.T) {
	g, err := NewGraph(validSteps())
	require.NoError(t, err)

	assert.Len(t, g.Steps(), 3)

	producer, ok := g.Producer(document.KindPlaintext)
	require.True(t, ok)
	assert.Equal(t, "extract-text", producer)

	_, ok = g.Producer(document.KindSpecimen)
	assert.False(t, ok)
}

func TestNewGraphRejections(t *testing.T) {
	cases := []struct {
		name  string
		steps []Step
		want  string
	}{
		{
			name:  "missing name",
			steps: []Step{{Image: "img", Outputs: []document.Kind{document.KindPreview}}},
			want:  "without a name",
		},
		{
			name:  "missing image",
			steps: []Step{{Name: "s", Outputs: []document.Kind{document.KindPreview}}},
			want:  "no image",
		},
		{
			name:  "unknown runtime",
			steps: []Step{{Name: "s", Image: "img", Runtime: "firecracker", Outputs: []document.Kind{document.KindPreview}}},
			want:  "unknown runtime",
		},
		{
			name:  "no outputs",
			steps: []Step{{Name: "s", Image: "img"}},
			want:  "produces nothing",
		},
		{
			name: "duplicate name",
			steps: []Step{
				{Name: "s", Image: "img", Outputs: []document.Kind{document.KindPreview}},
				{Name: "s", Image: "img", Outputs: []document.Kind{document.KindMetadata}},
			},
			want: "duplicate step",
		},
		{
			name:  "produces specimen",
			steps: []Step{{Name: "s", Image: "img", Outputs: []document.Kind{document.KindSpecimen}}},
			want:  "overwrite the specimen",
		},
		{
			name:  "produces log kind",
			steps: []Step{{Name: "s", Image: "img", Outputs: []document.Kind{document.LogKind("s")}}},
			want:  "reserved for execution logs",
		},
		{
			name: "two producers",
			steps: []Step{
				{Name: "a", Image: "img", Outputs: []document.Kind{document.KindPreview}},
				{Name: "b", Image: "img", Outputs: []document.Kind{document.KindPreview}},
			},
			want: "produced by both",
		},
		{
			name: "unresolvable input",
			steps: []Step{
				{Name: "s", Image: "img", Inputs: []document.Kind{"embeddings"}, Outputs: []document.Kind{document.KindPreview}},
			},
			want: "no producer",
		},
		{
			name: "cycle",
			steps: []Step{
				{Name: "a", Image: "img", Inputs: []document.Kind{"beta"}, Outputs: []document.Kind{"alpha"}},
				{Name: "b", Image: "img", Inputs: []document.Kind{"alpha"}, Outputs: []document.Kind{"beta"}},
			},
			want: "cycle",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGraph(tc.steps)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestGraphReady(t *testing.T) {
	g, err := NewGraph(validSteps())
	require.NoError(t, err)

	available := map[document.Kind]blob.Ref{document.KindSpecimen: "sha256:aa"}

	ready := g.Ready(available, nil)
	require.Len(t, ready, 2)
	assert.Equal(t, "extract-text", ready[0].Name)
	assert.Equal(t, "thumbnail", ready[1].Name)

	// plaintext arrives: classify becomes ready, dispatched steps stay out
	available[document.KindPlaintext] = "sha256:bb"
	ready = g.Ready(available, map[string]bool{"extract-text": true, "thumbnail": true})
	require.Len(t, ready, 1)
	assert.Equal(t, "classify", ready[0].Name)
}

func TestGraphDependentsTransitive(t *testing.T) {
	steps := []Step{
		{Name: "a", Image: "img", Inputs: []document.Kind{document.KindSpecimen}, Outputs: []document.Kind{"alpha"}},
		{Name: "b", Image: "img", Inputs: []document.Kind{"alpha"}, Outputs: []document.Kind{"beta"}},
		{Name: "c", Image: "img", Inputs: []document.Kind{"beta"}, Outputs: []document.Kind{"gamma"}},
		{Name: "d", Image: "img", Inputs: []document.Kind{document.KindSpecimen}, Outputs: []document.Kind{"delta"}},
	}
	g, err := NewGraph(steps)
	require.NoError(t, err)

	// losing alpha poisons b and, through beta, c; d is untouched
	assert.Equal(t, []string{"b", "c"}, g.Dependents("alpha"))
	assert.Empty(t, g.Dependents("delta"))
}

func TestGraphStepLookup(t *testing.T) {
	g, err := NewGraph(validSteps())
	require.NoError(t, err)

	step, ok := g.Step("thumbnail")
	require.True(t, ok)
	assert.Equal(t, "adacta/thumbnail:1", step.Image)

	_, ok = g.Step("nope")
	assert.False(t, ok)
}
