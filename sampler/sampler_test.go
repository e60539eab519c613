// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGraph builds a small bipartite graph: 10 authors, 5 papers.
func testGraph(t *testing.T) *Sampler {
	s := New()
	s.AddNodeType("paper", 5)
	s.AddNodeType("author", 10)

	authorWritesPapers := tensors.FromValue([][]int32{
		{0, 2}, // Author 0 writes paper 2.
		{3, 2},
		{4, 2},
		{0, 3},
		{0, 4},
		{4, 4},
		{7, 4},
	})
	require.NoError(t, authorWritesPapers.Shape().Check(dtypes.Int32, 7, 2))
	s.AddEdgeType("writes", "author", "paper", authorWritesPapers, false)
	s.AddEdgeType("writtenBy", "author", "paper", authorWritesPapers, true)
	return s
}

func TestSamplerCSR(t *testing.T) {
	s := testGraph(t)

	writes := s.EdgeTypes["writes"]
	assert.EqualValues(t, []int32{3, 3, 3, 4, 6, 6, 6, 7, 7, 7}, writes.Starts)
	assert.EqualValues(t, []int32{2, 3, 4, 2, 2, 4, 4}, writes.Targets)
	assert.EqualValues(t, []int32{2, 4}, writes.TargetsForSource(4))
	assert.Empty(t, writes.TargetsForSource(9))
	assert.Equal(t, 7, writes.NumEdges())

	writtenBy := s.EdgeTypes["writtenBy"]
	assert.EqualValues(t, []int32{0, 0, 3, 4, 7}, writtenBy.Starts)
	assert.EqualValues(t, []int32{0, 3, 4, 0, 0, 4, 7}, writtenBy.Targets)
	assert.EqualValues(t, []int32{0, 4, 7}, writtenBy.TargetsForSource(4))
	assert.Empty(t, writtenBy.TargetsForSource(0))
}

func TestEdgeTypeTensors(t *testing.T) {
	s := testGraph(t)
	writtenBy := s.EdgeTypes["writtenBy"]

	degrees := writtenBy.DegreeTensor()
	assert.Equal(t, [][]int32{{0}, {0}, {3}, {1}, {3}}, degrees.Value())

	pair := writtenBy.EdgePairTensor()
	assert.Equal(t, []int32{2, 2, 2, 3, 4, 4, 4}, pair.SourceIndices.Value())
	assert.Equal(t, []int32{0, 3, 4, 0, 0, 4, 7}, pair.TargetIndices.Value())

	assert.Equal(t, 3, writtenBy.MaxDegree())
	assert.Equal(t, 3, s.EdgeTypes["writes"].MaxDegree())
}

func TestSamplerValidation(t *testing.T) {
	s := testGraph(t)
	edges := tensors.FromValue([][]int32{{0, 0}})
	require.Panics(t, func() { s.AddEdgeType("writes", "author", "paper", edges, false) }) // Duplicate.
	require.Panics(t, func() { s.AddEdgeType("x", "author", "venue", edges, false) })     // Unknown type.
	badEdges := tensors.FromValue([][]int32{{0, 7}}) // Paper 7 doesn't exist.
	require.Panics(t, func() { s.AddEdgeType("x", "author", "paper", badEdges, false) })

	_ = s.NewStrategy()
	require.Panics(t, func() { s.AddNodeType("venue", 3) }) // Frozen.
}

func TestSaveAndLoad(t *testing.T) {
	s := testGraph(t)
	filePath := filepath.Join(t.TempDir(), "sampler.bin")
	require.NoError(t, s.Save(filePath))

	loaded, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, s.NodeTypesToCount, loaded.NodeTypesToCount)
	assert.EqualValues(t, s.EdgeTypes["writes"].Starts, loaded.EdgeTypes["writes"].Starts)
	assert.EqualValues(t, s.EdgeTypes["writes"].Targets, loaded.EdgeTypes["writes"].Targets)
}

func TestStrategy(t *testing.T) {
	s := testGraph(t)
	strategy := s.NewStrategy()
	seeds := strategy.NodesFromSet("seeds", "author", 3, []int32{0, 3, 4, 7})
	papers := seeds.FromEdges("papers", "writes", 5)
	require.Equal(t, []int{3, 5}, papers.Shape.Dimensions)
	require.Equal(t, "gnn:papers", papers.ConvKernelScopeName)

	require.Panics(t, func() { strategy.Nodes("seeds", "author", 3) })       // Duplicate name.
	require.Panics(t, func() { seeds.FromEdges("x", "writtenBy", 2) })      // Wrong source type.
	require.Panics(t, func() { papers.FromEdges("y", "unknownEdges", 2) })  // Unknown edge type.

	_ = strategy.NewDataset("train")
	require.Panics(t, func() { strategy.Nodes("more", "author", 3) }) // Frozen.
}

func TestDatasetYield(t *testing.T) {
	s := testGraph(t)
	strategy := s.NewStrategy().WithKeepDegrees(true)
	seeds := strategy.NodesFromSet("seeds", "author", 3, []int32{0, 3, 4, 7})
	_ = seeds.FromEdges("papers", "writes", 5)

	ds := strategy.NewDataset("test")
	spec, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Nil(t, labels)
	require.Equal(t, strategy, spec)
	require.Len(t, inputs, 5) // seeds, seeds mask, papers, papers mask, degrees.

	// Sequential sampling, and each author has at most 5 papers, so the first
	// batch is fully deterministic. Adjacency lists are sorted, so the sampled
	// paper order is too.
	assert.Equal(t, []int32{0, 3, 4}, inputs[0].Value())
	assert.Equal(t, []bool{true, true, true}, inputs[1].Value())
	assert.Equal(t, [][]int32{
		{2, 3, 4, 0, 0},
		{2, 0, 0, 0, 0},
		{2, 4, 0, 0, 0},
	}, inputs[2].Value())
	assert.Equal(t, [][]bool{
		{true, true, true, false, false},
		{true, false, false, false, false},
		{true, true, false, false, false},
	}, inputs[3].Value())
	assert.Equal(t, [][]int32{{3}, {1}, {2}}, inputs[4].Value())

	graphInputs := MapInputs(strategy, inputs)
	require.Contains(t, graphInputs, "seeds")
	require.Contains(t, graphInputs, "papers")
	require.Contains(t, graphInputs, NameForNodeDependentDegree("seeds", "papers"))
	assert.Same(t, inputs[2], graphInputs["papers"].Value)
	assert.Same(t, inputs[3], graphInputs["papers"].Mask)

	// Second batch holds the one remaining seed (author 7) plus padding, and
	// finishes the single epoch.
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int32{7, 0, 0}, inputs[0].Value())
	assert.Equal(t, []bool{true, false, false}, inputs[1].Value())

	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	// Reset restarts the epoch.
	ds.Reset()
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 3, 4}, inputs[0].Value())
}

func TestDatasetEpochsAndShuffle(t *testing.T) {
	s := testGraph(t)
	strategy := s.NewStrategy()
	_ = strategy.Nodes("seeds", "paper", 5)

	ds := strategy.NewDataset("epochs").Epochs(3)
	numYields := 0
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 2)
		numYields++
		require.Less(t, numYields, 100)
	}
	assert.Equal(t, 3, numYields) // 5 seeds per batch, 5 papers, 3 epochs.

	// A shuffled epoch still visits every node exactly once.
	shuffled := strategy.NewDataset("shuffled").Shuffle()
	_, inputs, _, err := shuffled.Yield()
	require.NoError(t, err)
	seen := inputs[0].Value().([]int32)
	assert.ElementsMatch(t, []int32{0, 1, 2, 3, 4}, seen)

	// WithReplacement never exhausts.
	infinite := strategy.NewDataset("infinite").WithReplacement()
	for range 10 {
		_, inputs, _, err := infinite.Yield()
		require.NoError(t, err)
		for _, idx := range inputs[0].Value().([]int32) {
			require.GreaterOrEqual(t, idx, int32(0))
			require.Less(t, idx, int32(5))
		}
	}
}

func TestIdentitySubRule(t *testing.T) {
	s := testGraph(t)
	strategy := s.NewStrategy()
	seeds := strategy.NodesFromSet("seeds", "author", 2, []int32{0, 4})
	seedsBase := seeds.IdentitySubRule("seedsBase")
	require.True(t, seedsBase.IsIdentitySubRule())
	require.Equal(t, []int{2, 1}, seedsBase.Shape.Dimensions)

	ds := strategy.NewDataset("identity")
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 4)
	assert.Equal(t, []int32{0, 4}, inputs[0].Value())
	assert.Equal(t, [][]int32{{0}, {4}}, inputs[2].Value())
	assert.Equal(t, [][]bool{{true}, {true}}, inputs[3].Value())
}

func TestRandKOfN(t *testing.T) {
	for _, k := range []int{1, 3, 10} {
		for _, n := range []int{10, 100} {
			values := make([]int32, k)
			randKOfN(values, n)
			seen := make(map[int32]bool, k)
			for _, v := range values {
				require.GreaterOrEqual(t, v, int32(0))
				require.Less(t, v, int32(n))
				require.False(t, seen[v], "randKOfN(k=%d, n=%d) repeated value %d", k, n, v)
				seen[v] = true
			}
		}
	}
}
