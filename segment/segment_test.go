// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segment

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func segmentTestInputs(g *graph.Graph) (data, segmentIDs *graph.Node) {
	data = graph.Const(g, [][]float32{{1, 2, 3}, {3, 2, 1}, {4, 5, 6}})
	segmentIDs = graph.Const(g, []int32{0, 0, 1})
	return
}

func TestSum(t *testing.T) {
	graphtest.RunTestGraphFn(t, "segment.Sum",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			data, ids := segmentTestInputs(g)
			inputs = []*graph.Node{data, ids}
			outputs = []*graph.Node{
				Sum(data, ids, 2),
				// An extra trailing segment with no rows sums to 0.
				Sum(data, ids, 3),
			}
			return
		}, []any{
			[][]float32{{4, 4, 4}, {4, 5, 6}},
			[][]float32{{4, 4, 4}, {4, 5, 6}, {0, 0, 0}},
		}, graphtest.Epsilon)
}

func TestMean(t *testing.T) {
	graphtest.RunTestGraphFn(t, "segment.Mean",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			data, ids := segmentTestInputs(g)
			inputs = []*graph.Node{data, ids}
			outputs = []*graph.Node{
				Mean(data, ids, 2),
				Mean(data, ids, 3),
			}
			return
		}, []any{
			[][]float32{{2, 2, 2}, {4, 5, 6}},
			[][]float32{{2, 2, 2}, {4, 5, 6}, {0, 0, 0}},
		}, graphtest.Epsilon)
}

func TestMaxAndMin(t *testing.T) {
	graphtest.RunTestGraphFn(t, "segment.Max/Min",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			data, ids := segmentTestInputs(g)
			inputs = []*graph.Node{data, ids}
			outputs = []*graph.Node{
				Max(data, ids, 2),
				Min(data, ids, 2),
				// Empty segments are zeroed.
				Max(data, ids, 3),
				Min(data, ids, 3),
			}
			return
		}, []any{
			[][]float32{{3, 2, 3}, {4, 5, 6}},
			[][]float32{{1, 2, 1}, {4, 5, 6}},
			[][]float32{{3, 2, 3}, {4, 5, 6}, {0, 0, 0}},
			[][]float32{{1, 2, 1}, {4, 5, 6}, {0, 0, 0}},
		}, graphtest.Epsilon)
}

func TestRank1Data(t *testing.T) {
	graphtest.RunTestGraphFn(t, "segment rank-1 data",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			data := graph.Const(g, []float64{1, 2, 3, 4, 5})
			ids := graph.Const(g, []int32{0, 0, 0, 1, 3})
			inputs = []*graph.Node{data, ids}
			outputs = []*graph.Node{
				Sum(data, ids, 4),
				Mean(data, ids, 4),
				Max(data, ids, 4),
			}
			return
		}, []any{
			[]float64{6, 4, 0, 5},
			[]float64{2, 4, 0, 5},
			[]float64{3, 4, 0, 5},
		}, graphtest.Epsilon)
}

func TestCounts(t *testing.T) {
	graphtest.RunTestGraphFn(t, "segment.Counts",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			ids := graph.Const(g, []int32{0, 0, 0, 1, 3})
			inputs = []*graph.Node{ids}
			outputs = []*graph.Node{Counts(ids, 4)}
			return
		}, []any{
			[]int32{3, 1, 0, 1},
		}, graphtest.Epsilon)
}

func TestInvalidInputs(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := graph.NewGraph(backend, t.Name())
	data := graph.Const(g, [][]float32{{1, 2}, {3, 4}})
	ids := graph.Const(g, []float32{0, 1}) // Wrong dtype.
	require.Panics(t, func() { Sum(data, ids, 2) })

	shortIDs := graph.Const(g, []int32{0}) // Wrong leading dimension.
	require.Panics(t, func() { Sum(data, shortIDs, 2) })

	goodIDs := graph.Const(g, []int32{0, 1})
	require.Panics(t, func() { Sum(data, goodIDs, 0) }) // Invalid numSegments.
	require.NotPanics(t, func() { Sum(data, goodIDs, 2) })
}

func TestSegmentIDsDType(t *testing.T) {
	// Int64 ids must work as well as Int32.
	graphtest.RunTestGraphFn(t, "segment int64 ids",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			data, _ := segmentTestInputs(g)
			ids64 := graph.Const(g, []int64{0, 0, 1})
			require.Equal(t, dtypes.Int64, ids64.DType())
			inputs = []*graph.Node{data, ids64}
			outputs = []*graph.Node{Sum(data, ids64, 2)}
			return
		}, []any{
			[][]float32{{4, 4, 4}, {4, 5, 6}},
		}, graphtest.Epsilon)
}
