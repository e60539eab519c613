// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gnn

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/graphlearn/sampler"
	"github.com/pkg/errors"
)

// LayerWise configures layer-wise inference: the same GNN defined by the
// strategy, but evaluated one whole node set (layer) at a time over the full
// graph, instead of over sampled subgraphs. Since every edge participates,
// layer-wise results have no sampling noise; it is the standard way to run the
// final evaluation of a model trained on sampled subgraphs.
//
// It reuses the variables (scopes) created by [NodePrediction], so a
// checkpoint trained with sampling can be loaded and evaluated layer-wise
// as is.
type LayerWise struct {
	ctx      *context.Context
	strategy *sampler.Strategy

	numGraphUpdates       int
	graphUpdateType       string
	dependentsUpdateFirst bool
}

// NewLayerWise creates a [LayerWise] evaluator for the GNN described by
// strategy, with hyperparameters from ctx.
func NewLayerWise(ctx *context.Context, strategy *sampler.Strategy) (*LayerWise, error) {
	lw := &LayerWise{
		ctx:             ctx,
		strategy:        strategy,
		numGraphUpdates: context.GetParamOr(ctx, ParamNumGraphUpdates, 2),
		graphUpdateType: context.GetParamOr(ctx, ParamGraphUpdateType, "tree"),
	}
	lw.dependentsUpdateFirst = lw.graphUpdateType == "tree"
	if lw.graphUpdateType != "tree" && lw.graphUpdateType != "simultaneous" {
		return nil, errors.Errorf("unsupported graph update type %q", lw.graphUpdateType)
	}
	if context.GetParamOr(ctx, ParamUsePathToRootStates, false) {
		return nil, errors.Errorf("layer-wise inference doesn't support %q=true", ParamUsePathToRootStates)
	}
	return lw, nil
}

// NodePrediction computes the GNN layer-wise, in place on graphStates.
//
// graphStates maps node set names (rule names) to their initial states, each
// shaped `[num_nodes, state_dim]` -- any feature preprocessing must already be
// applied. edges maps each edge rule name to the full edge set of its edge
// type, in the sampling direction (see [sampler.EdgeType.EdgePairTensor]).
//
// After it returns, the seed entries of graphStates hold the readout states of
// every node of the seed node type.
func (lw *LayerWise) NodePrediction(ctx *context.Context, graphStates map[string]*Node, edges map[string]sampler.EdgePair[*Node]) {
	for round := range lw.numGraphUpdates {
		for _, rule := range lw.strategy.Seeds {
			lw.recursivelyApplyGraphConvolution(ctxForGraphUpdateRound(ctx, round), rule, graphStates, edges)
		}
	}
	numReadoutLayers := context.GetParamOr(ctx, ParamReadoutHiddenLayers, 0)
	ctxReadout := ctx.In("readout")
	for _, rule := range lw.strategy.Seeds {
		seedState := graphStates[rule.Name]
		for ii := range numReadoutLayers {
			layerCtx := ctxReadout.In(rule.ConvKernelScopeName).In(fmt.Sprintf("hidden_%d", ii))
			seedState = updateState(layerCtx, seedState, seedState, nil)
		}
		graphStates[rule.Name] = seedState
	}
}

func (lw *LayerWise) recursivelyApplyGraphConvolution(ctx *context.Context, rule *sampler.Rule,
	graphStates map[string]*Node, edges map[string]sampler.EdgePair[*Node]) {
	if rule.Name == "" || rule.ConvKernelScopeName == "" {
		Panicf("rule name=%q or kernel scope name=%q are empty, both must be set", rule.Name, rule.ConvKernelScopeName)
	}
	if len(rule.Dependents) == 0 {
		return
	}
	state, found := graphStates[rule.Name]
	if !found {
		Panicf("no state for rule %q in graphStates, states given for: %v", rule.Name, xslices.Keys(graphStates))
	}

	updateInputs := make([]*Node, 0, len(rule.Dependents)+1)
	if state != nil { // Nil for latent node sets at their initial state.
		updateInputs = append(updateInputs, state)
	}

	for _, dependent := range rule.Dependents {
		if lw.dependentsUpdateFirst {
			lw.recursivelyApplyGraphConvolution(ctx, dependent, graphStates, edges)
		}
		dependentState := graphStates[dependent.Name]
		if dependentState != nil {
			convolveCtx := ctx.In(dependent.ConvKernelScopeName).In("conv")
			var pooled *Node
			if dependent.IsIdentitySubRule() {
				// The identity sub-rule is the node set itself: pool over a
				// singleton neighbor axis, so the pooled dimensions (and hence
				// the update kernel shapes) match the sampled path.
				messages, _ := edgeMessageGraph(convolveCtx.In("message"), dependentState, nil)
				pooled = PoolFixedShape(convolveCtx, InsertAxes(messages, -2), nil, nil)
			} else {
				dependentEdges, found := edges[dependent.Name]
				if !found {
					Panicf("no edges for rule %q in edges, given for: %v", dependent.Name, xslices.Keys(edges))
				}
				// Messages flow in the reverse direction of the sampling: the
				// sampled (target) nodes send to the nodes they were sampled
				// from. Pooling groups by the CSR source index, which is
				// sorted.
				pooled = lw.convolveEdgeSet(convolveCtx, dependentState,
					dependentEdges.TargetIndices, dependentEdges.SourceIndices,
					int(rule.NumNodes), dependent.EdgeType.MaxDegree())
			}
			updateInputs = append(updateInputs, pooled)
		}
		if !lw.dependentsUpdateFirst {
			lw.recursivelyApplyGraphConvolution(ctx, dependent, graphStates, edges)
		}
	}

	updateCtx := ctx.In(rule.UpdateKernelScopeName).In("update")
	graphStates[rule.Name] = updateState(updateCtx, state, Concatenate(updateInputs, -1), nil)
}

// convolveEdgeSet computes messages for every source node and pools them over
// the full edge set. It must stay aligned with the sampled convolveEdgeSet.
//
// With the full adjacency there is no sampling bias to undo, so no degree
// rescaling is needed: the plain sum already matches what the sampled path's
// degree-rescaled sum estimates.
func (lw *LayerWise) convolveEdgeSet(ctx *context.Context, sourceState, edgesSource, edgesTarget *Node, numTargetNodes, maxDegree int) *Node {
	messages, _ := edgeMessageGraph(ctx.In("message"), sourceState, nil)
	return PoolAdjacency(ctx, messages, edgesSource, edgesTarget, numTargetNodes, maxDegree, nil)
}
