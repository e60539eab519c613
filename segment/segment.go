// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package segment implements segment aggregation operators: reductions of the rows
// of a tensor grouped by a vector of segment ids.
//
// They are the building block of message passing in graph neural networks: messages
// computed per edge are summed (or averaged, maxed, ...) into their target nodes in
// one batched operation, instead of looping over nodes bucketed by degree.
//
// The segment ids must be sorted: row j of data belongs to segment segmentIDs[j],
// and rows of the same segment must be contiguous. Example:
//
//	data = {{1, 2, 3}, {3, 2, 1}, {4, 5, 6}}
//	segmentIDs = {0, 0, 1}
//	Sum(data, segmentIDs, 2) = {{4, 4, 4}, {4, 5, 6}}
//
// All operators are differentiable with respect to data -- gradients are provided
// by the underlying scatter/gather operations of the engine.
package segment

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// validateInputs panics if data or segmentIDs are not shaped as the segment
// operators require. It returns segmentIDs reshaped to [numRows, 1], ready to be
// used as scatter indices.
func validateInputs(data, segmentIDs *graph.Node, numSegments int) *graph.Node {
	_ = validateGraphs(data, segmentIDs)
	if data.Rank() < 1 {
		Panicf("segment ops require data with rank >= 1, got data.shape=%s", data.Shape())
	}
	if !data.DType().IsFloat() {
		Panicf("segment ops require float data, got data.shape=%s", data.Shape())
	}
	if !segmentIDs.DType().IsInt() {
		Panicf("segment ops require integer segmentIDs, got segmentIDs.shape=%s", segmentIDs.Shape())
	}
	if segmentIDs.Rank() == 2 && segmentIDs.Shape().Dimensions[1] == 1 {
		segmentIDs = graph.Reshape(segmentIDs, -1)
	}
	if segmentIDs.Rank() != 1 || segmentIDs.Shape().Dimensions[0] != data.Shape().Dimensions[0] {
		Panicf("segmentIDs must be shaped [n] or [n, 1] with n matching the leading axis of data, "+
			"got data.shape=%s, segmentIDs.shape=%s", data.Shape(), segmentIDs.Shape())
	}
	if numSegments <= 0 {
		Panicf("numSegments must be > 0, got %d", numSegments)
	}
	return graph.Reshape(segmentIDs, -1, 1)
}

func validateGraphs(nodes ...*graph.Node) *graph.Graph {
	g := nodes[0].Graph()
	for _, n := range nodes[1:] {
		if n.Graph() != g {
			Panicf("segment ops require all operands to belong to the same graph")
		}
	}
	return g
}

// outputShape of a segment reduction: data with its leading (rows) axis replaced
// by numSegments.
func outputShape(data *graph.Node, numSegments int) shapes.Shape {
	dims := make([]int, data.Rank())
	copy(dims, data.Shape().Dimensions)
	dims[0] = numSegments
	return shapes.Make(data.DType(), dims...)
}

// Sum returns the sum of the rows of data that share the same segment id.
//
// data is shaped [n, ...] and segmentIDs is shaped [n] (or [n, 1]) with sorted
// values in [0, numSegments). The output is shaped [numSegments, ...].
// Segments with no rows are 0.
func Sum(data, segmentIDs *graph.Node, numSegments int) *graph.Node {
	indices := validateInputs(data, segmentIDs, numSegments)
	zeros := graph.Zeros(data.Graph(), outputShape(data, numSegments))
	return graph.ScatterSum(zeros, indices, data, true, false)
}

// Mean returns the mean of the rows of data that share the same segment id.
//
// See Sum for shapes. Segments with no rows are 0.
func Mean(data, segmentIDs *graph.Node, numSegments int) *graph.Node {
	indices := validateInputs(data, segmentIDs, numSegments)
	summed := graph.ScatterSum(graph.Zeros(data.Graph(), outputShape(data, numSegments)), indices, data, true, false)
	counts := rowCounts(data, indices, numSegments)
	return graph.Div(summed, graph.MaxScalar(counts, 1))
}

// Max returns the maximum of the rows of data that share the same segment id.
//
// See Sum for shapes. Segments with no rows are 0 -- use MaxOrInf to keep them
// as -infinity instead.
func Max(data, segmentIDs *graph.Node, numSegments int) *graph.Node {
	return zeroEmptySegments(MaxOrInf(data, segmentIDs, numSegments), data, segmentIDs, numSegments)
}

// MaxOrInf is like Max, but segments with no rows are left as -infinity, the
// identity of the max reduction.
func MaxOrInf(data, segmentIDs *graph.Node, numSegments int) *graph.Node {
	indices := validateInputs(data, segmentIDs, numSegments)
	g := data.Graph()
	shape := outputShape(data, numSegments)
	initial := graph.BroadcastToDims(graph.Infinity(g, data.DType(), -1), shape.Dimensions...)
	return graph.ScatterMax(initial, indices, data, true, false)
}

// Min returns the minimum of the rows of data that share the same segment id.
//
// See Sum for shapes. Segments with no rows are 0 -- use MinOrInf to keep them
// as +infinity instead.
func Min(data, segmentIDs *graph.Node, numSegments int) *graph.Node {
	return zeroEmptySegments(MinOrInf(data, segmentIDs, numSegments), data, segmentIDs, numSegments)
}

// MinOrInf is like Min, but segments with no rows are left as +infinity, the
// identity of the min reduction.
func MinOrInf(data, segmentIDs *graph.Node, numSegments int) *graph.Node {
	indices := validateInputs(data, segmentIDs, numSegments)
	g := data.Graph()
	shape := outputShape(data, numSegments)
	initial := graph.BroadcastToDims(graph.Infinity(g, data.DType(), 1), shape.Dimensions...)
	return graph.ScatterMin(initial, indices, data, true, false)
}

// Counts returns how many rows of data fall in each segment, shaped
// [numSegments] with the given dtype.
func Counts(segmentIDs *graph.Node, numSegments int) *graph.Node {
	if !segmentIDs.DType().IsInt() {
		Panicf("Counts requires integer segmentIDs, got segmentIDs.shape=%s", segmentIDs.Shape())
	}
	if segmentIDs.Rank() == 2 && segmentIDs.Shape().Dimensions[1] == 1 {
		segmentIDs = graph.Reshape(segmentIDs, -1)
	}
	if segmentIDs.Rank() != 1 {
		Panicf("Counts requires segmentIDs shaped [n] or [n, 1], got %s", segmentIDs.Shape())
	}
	g := segmentIDs.Graph()
	n := segmentIDs.Shape().Dimensions[0]
	ones := graph.Ones(g, shapes.Make(segmentIDs.DType(), n))
	zeros := graph.Zeros(g, shapes.Make(segmentIDs.DType(), numSegments))
	return graph.ScatterSum(zeros, graph.Reshape(segmentIDs, -1, 1), ones, true, false)
}

// rowCounts returns the per-segment row count broadcast to the reduction output
// shape: [numSegments, 1, ..., 1] with the dtype of data.
func rowCounts(data, indices *graph.Node, numSegments int) *graph.Node {
	g := data.Graph()
	n := data.Shape().Dimensions[0]
	ones := graph.Ones(g, shapes.Make(data.DType(), n))
	zeros := graph.Zeros(g, shapes.Make(data.DType(), numSegments))
	counts := graph.ScatterSum(zeros, indices, ones, true, false)
	dims := make([]int, data.Rank())
	dims[0] = numSegments
	for ii := 1; ii < len(dims); ii++ {
		dims[ii] = 1
	}
	return graph.Reshape(counts, dims...)
}

// zeroEmptySegments replaces the rows of reduced corresponding to segments with
// no members by 0 -- they hold the reduction identity (±infinity) otherwise.
func zeroEmptySegments(reduced, data, segmentIDs *graph.Node, numSegments int) *graph.Node {
	indices := validateInputs(data, segmentIDs, numSegments)
	counts := rowCounts(data, indices, numSegments)
	empty := graph.Equal(counts, graph.ZerosLike(counts))
	empty = graph.BroadcastToDims(empty, reduced.Shape().Dimensions...)
	return graph.Where(empty, graph.ZerosLike(reduced), reduced)
}
