package postprocess

import (
	"testing"

	"github.com/nvr-ai/go-petid/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(class int, conf float32, x1, y1, x2, y2 float32) common.Detection {
	return common.Detection{ClassID: class, Confidence: conf, X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func TestApplyGreedyNMS(t *testing.T) {
	tests := []struct {
		name     string
		in       []common.Detection
		config   *NMSConfig
		expected []float32 // confidences kept, in order
	}{
		{
			name:     "empty",
			in:       nil,
			config:   DefaultNMSConfig(),
			expected: nil,
		},
		{
			name: "overlapping same class keeps the strongest",
			in: []common.Detection{
				det(16, 0.6, 0, 0, 100, 100),
				det(16, 0.9, 5, 5, 105, 105),
			},
			config:   DefaultNMSConfig(),
			expected: []float32{0.9},
		},
		{
			name: "class aware keeps other classes",
			in: []common.Detection{
				det(16, 0.9, 0, 0, 100, 100),
				det(15, 0.8, 0, 0, 100, 100),
			},
			config:   DefaultNMSConfig(),
			expected: []float32{0.9, 0.8},
		},
		{
			name: "class agnostic suppresses across classes",
			in: []common.Detection{
				det(16, 0.9, 0, 0, 100, 100),
				det(15, 0.8, 0, 0, 100, 100),
			},
			config:   &NMSConfig{IoUThreshold: 0.45},
			expected: []float32{0.9},
		},
		{
			name: "disjoint boxes survive",
			in: []common.Detection{
				det(16, 0.7, 0, 0, 50, 50),
				det(16, 0.8, 200, 200, 260, 260),
			},
			config:   DefaultNMSConfig(),
			expected: []float32{0.8, 0.7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ApplyGreedyNMS(tt.in, tt.config)
			var got []float32
			for _, d := range out {
				got = append(got, d.Confidence)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFilters(t *testing.T) {
	dets := []common.Detection{
		{Label: "dog", Confidence: 0.3},
		{Label: "cat", Confidence: 0.9},
		{Label: "dog", Confidence: 0.2},
	}

	kept := FilterByConfidence(dets, 0.25)
	require.Len(t, kept, 2)
	assert.Len(t, dets, 3, "input is not modified")

	dogs := FilterByLabel(dets, "dog")
	assert.Len(t, dogs, 2)
	assert.Empty(t, FilterByLabel(dets, "horse"))

	SortByConfidence(dets)
	assert.Equal(t, "cat", dets[0].Label)
}
