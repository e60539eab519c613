// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gnn

import (
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/gomlx/graphlearn/ragged"
	"github.com/gomlx/graphlearn/segment"
)

// PoolFixedShape aggregates the neighbor axis of sampled messages according to
// [ParamPoolingType].
//
// value is shaped `[d_0, ..., d_{n-1}, d_n, e]`, where e is the embedding
// dimension and d_n the (fixed-size, padded) neighbor axis being reduced; mask
// is shaped `[d_0, ..., d_n]` (it can be nil, meaning all valid). It returns
// `[d_0, ..., d_{n-1}, k*e']`, one pooled part per configured pooling type.
//
// degree is optional: if given, shaped `[d_0, ..., d_{n-1}, 1]`, the "sum" and
// "logsum" pooling rescale the mean by the true degree of each node, undoing
// the bias introduced by sub-sampling at most d_n of its edges.
//
// Only the "attention" and "lstm" pooling types create variables; the others
// use ctx just for the hyperparameters.
func PoolFixedShape(ctx *context.Context, value, mask, degree *Node) *Node {
	poolTypes := context.GetParamOr(ctx, ParamPoolingType, "mean|sum")
	poolTypesList := strings.Split(poolTypes, "|")
	parts := make([]*Node, 0, len(poolTypesList))
	var pooled *Node
	for _, poolType := range poolTypesList {
		reduceAxis := value.Rank() - 2
		switch poolType {
		case "sum", "logsum":
			if degree == nil {
				pooled = MaskedReduceSum(value, mask, reduceAxis)
			} else {
				// mean(value)*degree: the sum the node would have had with all
				// of its edges sampled.
				pooled = MaskedReduceMean(value, mask, reduceAxis)
				pooled = Mul(pooled, ConvertDType(degree, pooled.DType()))
			}
			if poolType == "logsum" {
				pooled = MirroredLog1p(pooled)
			}
		case "mean":
			pooled = MaskedReduceMean(value, mask, reduceAxis)
		case "max":
			pooled = MaskedReduceMax(value, mask, reduceAxis)
			pooled = zeroFullyMaskedRows(pooled, mask)
		case "attention":
			pooled = poolAttention(ctx.In("attention"), value, mask)
		case "lstm":
			pooled = poolLSTM(ctx.In("lstm"), value, mask)
		default:
			Panicf("unknown pooling type %q in %q=%q -- valid values are sum, logsum, mean, max, attention and lstm, or a combination separated by '|'",
				poolType, ParamPoolingType, poolTypes)
		}
		parts = append(parts, pooled)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return Concatenate(parts, -1)
}

// zeroFullyMaskedRows replaces pooled rows whose every input was masked out --
// they hold the reduction identity otherwise.
func zeroFullyMaskedRows(pooled, mask *Node) *Node {
	if mask == nil {
		return pooled
	}
	anyValid := ReduceMax(mask, -1)
	anyValid = BroadcastToDims(InsertAxes(anyValid, -1), pooled.Shape().Dimensions...)
	return Where(anyValid, pooled, ZerosLike(pooled))
}

// poolAttention pools the neighbor axis as an attention-weighted sum: a learned
// kernel scores each message, the scores are softmax-normalized over the valid
// neighbors and used as the mixture weights.
func poolAttention(ctx *context.Context, value, mask *Node) *Node {
	logits := fnn.New(ctx, value, 1).Done()
	logits = Squeeze(logits, -1)
	weights := MaskedSoftmax(logits, mask) // 0 on masked entries and on fully masked rows.
	weighted := Mul(value, InsertAxes(weights, -1))
	return ReduceSum(weighted, value.Rank()-2)
}

// poolLSTM runs an LSTM over each node's neighbor sequence and pools to its
// final hidden state. Neighbor order is the sampling order, so with shuffling
// this is an order-invariant aggregation only in expectation -- same as the
// classic GraphSAGE LSTM aggregator.
func poolLSTM(ctx *context.Context, value, mask *Node) *Node {
	hiddenDim := value.Shape().Dim(-1)
	numNeighbors := value.Shape().Dim(-2)
	prefixDims := value.Shape().Dimensions[:value.Rank()-2]
	batchSize := 1
	for _, dim := range prefixDims {
		batchSize *= dim
	}
	flat := Reshape(value, batchSize, numNeighbors, hiddenDim)

	var lengths *Node
	if mask != nil {
		lengths = ReduceSum(ConvertDType(mask, dtypes.Int32), -1)
		lengths = Reshape(lengths, batchSize)
	}
	builder := lstm.New(ctx, flat, hiddenDim)
	if lengths != nil {
		builder = builder.Ragged(lengths)
	}
	_, lastHidden, _ := builder.Done() // lastHidden: [numDirections=1, batchSize, hiddenDim].

	outDims := make([]int, 0, len(prefixDims)+1)
	outDims = append(outDims, prefixDims...)
	outDims = append(outDims, hiddenDim)
	return Reshape(lastHidden, outDims...)
}

// PoolAdjacency aggregates messages over a full edge set, for layer-wise
// (whole-graph, one node set at a time) evaluation: the counterpart of
// [PoolFixedShape] for when the graph is not sampled.
//
// Args:
//   - source is the message of every source node, shaped
//     `[num_source_nodes, e]`.
//   - edgesSource and edgesTarget give the adjacency, each shaped
//     `[num_edges]` or `[num_edges, 1]` with an integer dtype. edgesTarget
//     indexes the pooled output and must be sorted (edges grouped by target),
//     which holds for [sampler.EdgeType.EdgePairTensor] pooled in the reverse
//     direction of the sampling.
//   - targetSize is the number of target nodes, the leading dimension of the
//     result.
//   - maxDegree is the largest number of edges any target node has (see
//     [sampler.EdgeType.MaxDegree]): only "lstm" pooling uses it, to bound the
//     padded per-node neighbor batch it materializes. Pass 0 when lstm pooling
//     is not configured.
//   - degree is optional, shaped `[targetSize, 1]`: "sum" and "logsum"
//     pooling rescale by it, see [PoolFixedShape].
//
// It returns a tensor shaped `[targetSize, k*e']`, and must stay aligned with
// what [PoolFixedShape] computes for sampled subgraphs.
func PoolAdjacency(ctx *context.Context, source, edgesSource, edgesTarget *Node, targetSize, maxDegree int, degree *Node) *Node {
	poolTypes := context.GetParamOr(ctx, ParamPoolingType, "mean|sum")
	if source.Rank() != 2 {
		Panicf("PoolAdjacency: source must be shaped [num_source_nodes, embedding_dim], got %s", source.Shape())
	}
	if (edgesSource.Rank() != 1 && edgesSource.Rank() != 2) || !edgesSource.Shape().Equal(edgesTarget.Shape()) ||
		(edgesSource.Rank() == 2 && edgesSource.Shape().Dimensions[1] != 1) {
		Panicf("PoolAdjacency: edgesSource and edgesTarget must have the same shape, either [num_edges] or "+
			"[num_edges, 1], got edgesSource.shape=%s, edgesTarget.shape=%s", edgesSource.Shape(), edgesTarget.Shape())
	}
	if degree != nil && (degree.Rank() != 2 || degree.Shape().Dimensions[0] != targetSize || degree.Shape().Dimensions[1] != 1) {
		Panicf("PoolAdjacency: degree must be shaped [targetSize=%d, 1], got %s", targetSize, degree.Shape())
	}
	dtype := source.DType()
	dtypePool := dtype
	if dtype.IsFloat16() {
		// Pool in 32 bits, accumulating many small values in 16 bits loses
		// precision fast.
		dtypePool = dtypes.Float32
	}
	if edgesSource.Rank() == 2 {
		edgesSource = Reshape(edgesSource, -1)
		edgesTarget = Reshape(edgesTarget, -1)
	}

	// A source may contribute to many targets, so its message is gathered once
	// per edge. Shaped [num_edges, e].
	values := Gather(source, InsertAxes(edgesSource, -1))
	if dtypePool != dtype {
		values = ConvertDType(values, dtypePool)
	}

	poolTypesList := strings.Split(poolTypes, "|")
	parts := make([]*Node, 0, len(poolTypesList))
	var pooled *Node
	for _, poolType := range poolTypesList {
		switch poolType {
		case "sum", "logsum":
			if degree == nil {
				pooled = segment.Sum(values, edgesTarget, targetSize)
			} else {
				pooled = segment.Mean(values, edgesTarget, targetSize)
				pooled = Mul(pooled, ConvertDType(degree, dtypePool))
			}
			if poolType == "logsum" {
				pooled = MirroredLog1p(pooled)
			}
		case "mean":
			pooled = segment.Mean(values, edgesTarget, targetSize)
		case "max":
			pooled = segment.Max(values, edgesTarget, targetSize)
		case "attention":
			pooled = poolAdjacencyAttention(ctx.In("attention"), values, edgesTarget, targetSize)
		case "lstm":
			pooled = poolAdjacencyLSTM(ctx.In("lstm"), values, edgesTarget, targetSize, maxDegree)
		default:
			Panicf("unknown pooling type %q in %q=%q for adjacency pooling -- valid values are sum, logsum, mean, max, attention and lstm, or a combination separated by '|'",
				poolType, ParamPoolingType, poolTypes)
		}
		parts = append(parts, pooled)
	}
	var all *Node
	if len(parts) == 1 {
		all = parts[0]
	} else {
		all = Concatenate(parts, -1)
	}
	if all.DType() != dtype {
		all = ConvertDType(all, dtype)
	}
	return all
}

// poolAdjacencyAttention is the adjacency counterpart of poolAttention: the
// per-edge scores are normalized within each target node's (ragged) edge list.
// It shares the attention kernel with the sampled path through the ctx scope.
func poolAdjacencyAttention(ctx *context.Context, values, edgesTarget *Node, targetSize int) *Node {
	logits := fnn.New(ctx, values, 1).Done()
	logits = Squeeze(logits, -1)
	weights := ragged.Make(targetSize, logits, edgesTarget).Softmax()
	weighted := Mul(values, InsertAxes(weights.Flat, -1))
	return ragged.Make(targetSize, weighted, edgesTarget).ReduceSumCols()
}

// poolAdjacencyLSTM is the adjacency counterpart of poolLSTM: each target
// node's (ragged) edge list is materialized as a padded sequence batch fed to
// the LSTM, sharing its kernel with the sampled path through the ctx scope.
// Nodes with no edges pool to the zero initial state.
func poolAdjacencyLSTM(ctx *context.Context, values, edgesTarget *Node, targetSize, maxDegree int) *Node {
	if maxDegree <= 0 {
		Panicf("PoolAdjacency: \"lstm\" pooling requires maxDegree > 0, got %d -- see [sampler.EdgeType.MaxDegree]",
			maxDegree)
	}
	hiddenDim := values.Shape().Dim(-1)
	r := ragged.Make(targetSize, values, edgesTarget)
	padded, _ := r.ToPadded(maxDegree)
	lengths := MinScalar(r.RowLengths(), maxDegree)
	_, lastHidden, _ := lstm.New(ctx, padded, hiddenDim).
		Ragged(ConvertDType(lengths, dtypes.Int32)).
		Done() // lastHidden: [numDirections=1, targetSize, hiddenDim].
	return Reshape(lastHidden, targetSize, hiddenDim)
}
