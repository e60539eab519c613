// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ragged implements a 2D "ragged" representation: a fixed-size batch of
// variable-length sequences, stored compactly as a flat tensor plus the row each
// element belongs to.
//
// In graph neural networks the rows are nodes and the elements are the messages
// arriving from their neighbors: nodes have different degrees, so the per-node
// message lists have different lengths. The ragged representation lets the
// aggregation over neighbors (sum, mean, max, attention softmax, LSTM over the
// padded form) run as a single batched reduction, with no per-degree bucketing.
//
// Because the engine requires static shapes, Dim0 (the number of rows) must be
// known at graph build time, and it is common practice to reserve the last row
// for padding elements.
package ragged

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// Ragged2D represents a batch of Dim0 variable-length sequences. The first axis
// is dense, the second is ragged.
//
// Flat holds the elements of all rows back-to-back, shaped [numEntries] (scalar
// elements) or [numEntries, embeddingDim] (vector elements). RowIDs is shaped
// [numEntries, 1] and gives the row of each element. RowIDs must be sorted, so
// the elements come in row-major order.
//
// Example: Make(4, {1, 2, 3, 4, 5}, {0, 0, 0, 1, 3}) represents
//
//	{ {1, 2, 3},
//	  {4},
//	  {},
//	  {5} }
type Ragged2D struct {
	Dim0         int
	Flat, RowIDs *graph.Node
}

// Make creates a Ragged2D from its flat elements and their row ids.
//
// flat must be rank 1 or 2 (rank 2 meaning one embedding vector per element);
// rowIDs must be an integer tensor shaped [numEntries] or [numEntries, 1], with
// values sorted in ascending order -- many operations display undefined
// behavior otherwise.
func Make(dim0 int, flat, rowIDs *graph.Node) Ragged2D {
	if flat.Graph() != rowIDs.Graph() {
		Panicf("ragged.Make: flat and rowIDs must belong to the same graph")
	}
	if dim0 <= 0 {
		Panicf("ragged.Make: dim0 must be > 0, got %d", dim0)
	}
	if flat.Rank() < 1 || flat.Rank() > 2 {
		Panicf("ragged.Make: flat must be rank 1 or 2, got flat.shape=%s", flat.Shape())
	}
	if !rowIDs.DType().IsInt() {
		Panicf("ragged.Make: rowIDs must be integer, got rowIDs.shape=%s", rowIDs.Shape())
	}
	if rowIDs.Rank() == 1 {
		rowIDs = graph.Reshape(rowIDs, -1, 1)
	}
	if rowIDs.Rank() != 2 || rowIDs.Shape().Dimensions[1] != 1 ||
		rowIDs.Shape().Dimensions[0] != flat.Shape().Dimensions[0] {
		Panicf("ragged.Make: rowIDs must be shaped [numEntries] or [numEntries, 1], with numEntries "+
			"matching flat's leading axis, got flat.shape=%s, rowIDs.shape=%s", flat.Shape(), rowIDs.Shape())
	}
	return Ragged2D{Dim0: dim0, Flat: flat, RowIDs: rowIDs}
}

// DType of the flat elements.
func (r Ragged2D) DType() dtypes.DType { return r.Flat.DType() }

// Graph to which the Flat and RowIDs nodes belong.
func (r Ragged2D) Graph() *graph.Graph { return r.Flat.Graph() }

// NumEntries is the total number of elements over all rows.
func (r Ragged2D) NumEntries() int { return r.Flat.Shape().Dimensions[0] }

// reducedShape is the shape of a column reduction's output:
// [Dim0] for rank-1 flat, [Dim0, embeddingDim] for rank-2.
func (r Ragged2D) reducedShape() shapes.Shape {
	if r.Flat.Rank() == 1 {
		return shapes.Make(r.DType(), r.Dim0)
	}
	return shapes.Make(r.DType(), r.Dim0, r.Flat.Shape().Dimensions[1])
}

// RowLengths returns the number of elements in each row, shaped [Dim0] with
// the dtype of RowIDs.
func (r Ragged2D) RowLengths() *graph.Node {
	g := r.Graph()
	dtype := r.RowIDs.DType()
	ones := graph.Ones(g, shapes.Make(dtype, r.NumEntries()))
	zeros := graph.Zeros(g, shapes.Make(dtype, r.Dim0))
	return graph.ScatterSum(zeros, r.RowIDs, ones, true, false)
}

// ReduceSumCols reduces the ragged axis with a sum. It returns a tensor shaped
// [Dim0] (or [Dim0, embeddingDim] for vector elements). Empty rows are 0.
func (r Ragged2D) ReduceSumCols() *graph.Node {
	initial := graph.Zeros(r.Graph(), r.reducedShape())
	return graph.ScatterSum(initial, r.RowIDs, r.Flat, true, false)
}

// ReduceMeanCols reduces the ragged axis with a mean. Empty rows are 0.
func (r Ragged2D) ReduceMeanCols() *graph.Node {
	summed := r.ReduceSumCols()
	counts := graph.ConvertDType(r.RowLengths(), r.DType())
	if r.Flat.Rank() == 2 {
		counts = graph.InsertAxes(counts, -1)
	}
	return graph.Div(summed, graph.MaxScalar(counts, 1))
}

// ReduceMaxCols reduces the ragged axis with a max.
// Empty rows are left with -infinity, the identity of the reduction.
func (r Ragged2D) ReduceMaxCols() *graph.Node {
	shape := r.reducedShape()
	initial := graph.BroadcastToDims(graph.Infinity(r.Graph(), r.DType(), -1), shape.Dimensions...)
	return graph.ScatterMax(initial, r.RowIDs, r.Flat, true, false)
}

// ReduceMinCols reduces the ragged axis with a min.
// Empty rows are left with +infinity, the identity of the reduction.
func (r Ragged2D) ReduceMinCols() *graph.Node {
	shape := r.reducedShape()
	initial := graph.BroadcastToDims(graph.Infinity(r.Graph(), r.DType(), 1), shape.Dimensions...)
	return graph.ScatterMin(initial, r.RowIDs, r.Flat, true, false)
}

// Softmax converts the elements to probabilities normalized within each row.
// Elements not represented (the tail of each row) do not participate, as if
// they were -infinity.
//
// It is the normalization step of attention-weighted neighbor aggregation.
func (r Ragged2D) Softmax() Ragged2D {
	if !r.DType().IsFloat() {
		Panicf("ragged.Softmax requires float elements, got dtype %s", r.DType())
	}
	normalizingMax := graph.StopGradient(r.ReduceMaxCols())
	normalizingMax = graph.Gather(normalizingMax, r.RowIDs, true)
	numerators := graph.Exp(graph.Sub(r.Flat, normalizingMax))
	denominators := Make(r.Dim0, numerators, r.RowIDs).ReduceSumCols()
	denominators = graph.Gather(denominators, r.RowIDs, true)
	results := graph.Div(numerators, denominators)
	return Ragged2D{Dim0: r.Dim0, Flat: results, RowIDs: r.RowIDs}
}

// positionsInRow returns for each element its 0-based position within its row,
// shaped [numEntries] with the dtype of RowIDs.
func (r Ragged2D) positionsInRow() *graph.Node {
	g := r.Graph()
	dtype := r.RowIDs.DType()
	lengths := r.RowLengths()
	rowStarts := graph.Sub(graph.CumSum(lengths, 0), lengths) // Exclusive cumulative sum.
	starts := graph.Gather(rowStarts, r.RowIDs, true)
	return graph.Sub(graph.Iota(g, shapes.Make(dtype, r.NumEntries()), 0), starts)
}

// ToPadded materializes the ragged representation as a dense, padded batch:
// a tensor shaped [Dim0, maxLen] (or [Dim0, maxLen, embeddingDim]) plus a
// boolean mask shaped [Dim0, maxLen] marking the valid positions. Positions
// beyond each row's length are 0 and masked out.
//
// Rows longer than maxLen are truncated: their elements past maxLen are
// dropped. This is the batch layout consumed by sequence aggregators (e.g. an
// LSTM over the neighbors of each node).
func (r Ragged2D) ToPadded(maxLen int) (padded, mask *graph.Node) {
	if maxLen <= 0 {
		Panicf("ragged.ToPadded: maxLen must be > 0, got %d", maxLen)
	}
	g := r.Graph()
	idsDType := r.RowIDs.DType()
	positions := r.positionsInRow()
	valid := graph.LessThan(positions, graph.Scalar(g, idsDType, float64(maxLen)))
	// Clip overflowing positions and zero their updates, so they land on a
	// masked-out slot instead of out of bounds.
	positions = graph.MinScalar(positions, maxLen-1)
	indices := graph.Concatenate([]*graph.Node{r.RowIDs, graph.InsertAxes(positions, -1)}, -1)

	updates := r.Flat
	validForFlat := valid
	if updates.Rank() == 2 {
		validForFlat = graph.BroadcastToDims(graph.InsertAxes(valid, -1), updates.Shape().Dimensions...)
	}
	updates = graph.Where(validForFlat, updates, graph.ZerosLike(updates))
	paddedDims := []int{r.Dim0, maxLen}
	if r.Flat.Rank() == 2 {
		paddedDims = append(paddedDims, r.Flat.Shape().Dimensions[1])
	}
	padded = graph.Scatter(indices, updates, shapes.Make(r.DType(), paddedDims...), true, false)

	counterShape := shapes.Make(idsDType, valid.Shape().Dimensions...)
	counters := graph.Where(valid, graph.Ones(g, counterShape), graph.Zeros(g, counterShape))
	maskCounts := graph.Scatter(indices, counters, shapes.Make(idsDType, r.Dim0, maxLen), true, false)
	mask = graph.GreaterThan(maskCounts, graph.ZerosLike(maskCounts))
	return
}
