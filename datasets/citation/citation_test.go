// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package citation

import (
	"fmt"
	"os"
	"path"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// flatCopy returns a copy of the flat data of t.
func flatCopy[T interface{ int32 | float32 }](t *tensors.Tensor) []T {
	var result []T
	tensors.MustConstFlatData[T](t, func(flat []T) {
		result = append(result, flat...)
	})
	return result
}

func TestSynthetic(t *testing.T) {
	ds := Synthetic(200, 4, 8, 3, 42)
	require.Equal(t, 200, ds.NumPapers)
	require.Equal(t, 4, ds.NumClasses)
	require.Equal(t, 8, ds.NumFeatures)
	require.NoError(t, ds.Features.Shape().Check(ds.Features.DType(), 200, 8))
	require.NoError(t, ds.Labels.Shape().Check(ds.Labels.DType(), 200, 1))

	labels := flatCopy[int32](ds.Labels)
	for _, label := range labels {
		require.GreaterOrEqual(t, label, int32(0))
		require.Less(t, label, int32(4))
	}

	// Train/validation/test must partition the papers.
	seen := make(map[int32]bool)
	for _, split := range [][]int32{ds.TrainIDs, ds.ValidationIDs, ds.TestIDs} {
		for _, id := range split {
			require.False(t, seen[id], "paper %d in more than one split", id)
			seen[id] = true
		}
	}
	require.Len(t, seen, 200)
	assert.Len(t, ds.TrainIDs, 120)
	assert.Len(t, ds.ValidationIDs, 40)
	assert.Len(t, ds.TestIDs, 40)

	// Citations are in range, have no self-loops, and are mostly homophilous --
	// that is the planted graph signal.
	edges := flatCopy[int32](ds.Edges)
	numEdges := len(edges) / 2
	require.Greater(t, numEdges, 0)
	sameClass := 0
	for e := range numEdges {
		citing, cited := edges[2*e], edges[2*e+1]
		require.GreaterOrEqual(t, citing, int32(0))
		require.Less(t, cited, int32(200))
		require.NotEqual(t, citing, cited)
		if labels[citing] == labels[cited] {
			sameClass++
		}
	}
	assert.Greater(t, float64(sameClass)/float64(numEdges), 0.6)

	// Same seed, same dataset.
	ds2 := Synthetic(200, 4, 8, 3, 42)
	require.True(t, ds.Labels.Equal(ds2.Labels))
	require.True(t, ds.Features.Equal(ds2.Features))
	require.True(t, ds.Edges.Equal(ds2.Edges))
	require.Equal(t, ds.TrainIDs, ds2.TrainIDs)
}

func TestFromCSV(t *testing.T) {
	dir := t.TempDir()
	papersPath := path.Join(dir, "papers.csv")
	edgesPath := path.Join(dir, "edges.csv")
	papersCSV := "paper,label,f0,f1\n"
	for p := range 10 {
		papersCSV += fmt.Sprintf("%d,%d,%g,%g\n", p, p%3, float64(p)/10.0, -float64(p))
	}
	require.NoError(t, os.WriteFile(papersPath, []byte(papersCSV), 0644))
	require.NoError(t, os.WriteFile(edgesPath, []byte("source,target\n0,1\n1,2\n9,0\n"), 0644))

	ds, err := FromCSV("test-csv", papersPath, edgesPath)
	require.NoError(t, err)
	assert.Equal(t, 10, ds.NumPapers)
	assert.Equal(t, 3, ds.NumClasses)
	assert.Equal(t, 2, ds.NumFeatures)
	assert.Equal(t, [][]int32{{0}, {1}, {2}, {0}, {1}, {2}, {0}, {1}, {2}, {0}}, ds.Labels.Value())
	assert.Equal(t, [][]int32{{0, 1}, {1, 2}, {9, 0}}, ds.Edges.Value())
	features := flatCopy[float32](ds.Features)
	assert.InDelta(t, 0.9, features[2*9], 1e-6)
	assert.InDelta(t, -9.0, features[2*9+1], 1e-6)
	assert.Len(t, ds.TrainIDs, 6)

	// Out-of-range edge target.
	require.NoError(t, os.WriteFile(edgesPath, []byte("source,target\n0,10\n"), 0644))
	_, err = FromCSV("test-csv", papersPath, edgesPath)
	require.Error(t, err)
}

func TestNewSamplerAndStrategy(t *testing.T) {
	ds := Synthetic(100, 3, 4, 2, 17)
	dir := t.TempDir()
	s, err := ds.NewSampler(dir)
	require.NoError(t, err)
	require.Equal(t, int32(100), s.NodeTypesToCount["papers"])
	require.NotNil(t, s.EdgeTypes["cites"])
	require.NotNil(t, s.EdgeTypes["citedBy"])

	// Second call must reload the cached sampler.
	s2, err := ds.NewSampler(dir)
	require.NoError(t, err)
	require.Equal(t, s.EdgeTypes["cites"].NumEdges(), s2.EdgeTypes["cites"].NumEdges())

	strategy := ds.NewStrategy(s, 8, ds.TrainIDs, []int{5, 3})
	require.Len(t, strategy.Seeds, 1)
	require.Len(t, strategy.Rules, 5) // seeds, cited, cited1, citing, citing1.
	require.Equal(t, []int{8, 5}, strategy.Rules["cited"].Shape.Dimensions)
	require.Equal(t, []int{8, 5, 3}, strategy.Rules["citing1"].Shape.Dimensions)
	require.True(t, strategy.KeepDegrees)
}

func TestFeaturePreprocessingAndLabels(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds := Synthetic(50, 2, 4, 2, 7)
	s, err := ds.NewSampler("")
	require.NoError(t, err)
	strategy := ds.NewStrategy(s, 4, ds.TestIDs, []int{3})
	sampledDS := strategy.NewDataset("test")
	_, inputs, _, err := sampledDS.Yield()
	require.NoError(t, err)

	ctx := context.New()
	ds.UploadVariables(ctx)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		states := ds.FeaturePreprocessing(ctx, strategy, inputs)
		labels, mask := ds.LabelsFromInputs(ctx, strategy, inputs)
		return []*Node{states["seeds"].Value, states["cited"].Value, labels, mask}
	})
	results := exec.MustExec(inputs)

	seedStates, citedStates, labels, mask := results[0], results[1], results[2], results[3]
	require.NoError(t, seedStates.Shape().Check(ds.Features.DType(), 4, 4))
	require.NoError(t, citedStates.Shape().Check(ds.Features.DType(), 4, 3, 4))
	require.NoError(t, labels.Shape().Check(ds.Labels.DType(), 4, 1))
	require.NoError(t, mask.Shape().Check(dtypes.Bool, 4))

	// The gathered rows must match the feature and label tables.
	seedIndices := flatCopy[int32](inputs[0])
	features := flatCopy[float32](ds.Features)
	dsLabels := flatCopy[int32](ds.Labels)
	gotStates := flatCopy[float32](seedStates)
	gotLabels := flatCopy[int32](labels)
	for ii, paper := range seedIndices {
		require.Equal(t, dsLabels[paper], gotLabels[ii])
		for f := range 4 {
			require.Equal(t, features[int(paper)*4+f], gotStates[ii*4+f])
		}
	}
}
