// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gnn implements message-passing graph neural networks over the
// subgraphs sampled by the sampler package.
//
// A model is a stack of "graph updates": each node set computes messages from
// its sampled neighbors, pools them into a fixed-size aggregate and feeds the
// result into its state update kernel. Pooling is where variable-degree
// neighborhoods are reduced to a fixed-size vector, see [PoolFixedShape] for
// the supported aggregations.
//
// The model is controlled by hyperparameters set in the context -- see the
// `Param...` constants. They can be set globally or scoped per node set under
// each rule's kernel scope (see [sampler.Rule.ConvKernelScopeName]), so
// different node sets can use, for instance, different state dimensions.
package gnn

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/graphlearn/sampler"
)

const (
	// ParamNumGraphUpdates is the number of rounds of message passing.
	// The default is 2.
	ParamNumGraphUpdates = "gnn_num_graph_updates"

	// ParamMessageDim is the dimension of the messages computed per edge.
	// The default is 128.
	ParamMessageDim = "gnn_message_dim"

	// ParamStateDim is the dimension of the updated node states.
	// The default is 128.
	ParamStateDim = "gnn_state_dim"

	// ParamEdgeDropoutRate drops whole edges (by masking them out) during
	// training. Default is 0, no edge dropout.
	ParamEdgeDropoutRate = "gnn_edge_dropout_rate"

	// ParamPoolingType defines how neighbor messages are aggregated: one of
	// "sum", "mean", "max", "logsum", "attention" or "lstm", or a combination
	// separated by "|" (the pooled parts are concatenated).
	// The default is "mean|sum".
	ParamPoolingType = "gnn_pooling_type"

	// ParamUpdateStateType is "residual" (default) or "none".
	ParamUpdateStateType = "gnn_update_state_type"

	// ParamUpdateNumHiddenLayers is the number of hidden layers of the state
	// update kernel. Default is 0.
	ParamUpdateNumHiddenLayers = "gnn_update_num_hidden_layers"

	// ParamUsePathToRootStates, if set, lets each state update see the states
	// of all node sets on its path to the root of the sampling tree.
	// Default is false.
	ParamUsePathToRootStates = "gnn_use_path_to_root"

	// ParamUseRootAsContext, if set, uses only the root (seed) state as
	// context for the updates down the tree. Default is false.
	ParamUseRootAsContext = "gnn_use_root_as_context"

	// ParamGraphUpdateType is "tree" (default) or "simultaneous".
	// Tree updates run from the leaves all the way to the seeds on every
	// round. Simultaneous updates move every state one hop per round, so
	// [ParamNumGraphUpdates] must be at least the depth of the sampling tree
	// for the leaves to influence the seeds.
	ParamGraphUpdateType = "gnn_graph_update_type"

	// ParamReadoutHiddenLayers is the number of extra update layers applied to
	// the seed states after the graph updates. Default is 0.
	ParamReadoutHiddenLayers = "gnn_readout_hidden_layers"
)

// NodePrediction updates the sampled graph states by running
// [ParamNumGraphUpdates] rounds of graph updates, then applies the readout
// layers to the seed states.
//
// After it returns, the seed entries of graphStates hold the final hidden
// state of each seed node, ready to be projected to logits:
//
//	func modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
//		strategy := spec.(*sampler.Strategy)
//		graphStates := featurePreprocessing(ctx, strategy, inputs)
//		gnn.NodePrediction(ctx.In("model"), strategy, graphStates)
//		readout := graphStates["seeds"]
//		logits := fnn.New(ctx.In("logits"), readout.Value, numClasses).Done()
//		return []*Node{logits}
//	}
func NodePrediction(ctx *context.Context, strategy *sampler.Strategy, graphStates map[string]*sampler.ValueMask[*Node]) {
	numGraphUpdates := context.GetParamOr(ctx, ParamNumGraphUpdates, 2)
	graphUpdateType := context.GetParamOr(ctx, ParamGraphUpdateType, "tree")
	for round := range numGraphUpdates {
		switch graphUpdateType {
		case "tree":
			TreeGraphStateUpdate(ctxForGraphUpdateRound(ctx, round), strategy, graphStates)
		case "simultaneous":
			SimultaneousGraphStateUpdate(ctxForGraphUpdateRound(ctx, round), strategy, graphStates)
		default:
			Panicf("invalid value %q for %q: valid values are \"tree\" or \"simultaneous\"",
				graphUpdateType, ParamGraphUpdateType)
		}
	}

	numReadoutLayers := context.GetParamOr(ctx, ParamReadoutHiddenLayers, 0)
	ctxReadout := ctx.In("readout")
	for _, rule := range strategy.Seeds {
		seedState := graphStates[rule.Name]
		for ii := range numReadoutLayers {
			layerCtx := ctxReadout.In(rule.ConvKernelScopeName).In(fmt.Sprintf("hidden_%d", ii))
			seedState.Value = updateState(layerCtx, seedState.Value, seedState.Value, seedState.Mask)
		}
	}
}

func ctxForGraphUpdateRound(ctx *context.Context, round int) *context.Context {
	return ctx.In(fmt.Sprintf("graph_update_%d", round))
}

// TreeGraphStateUpdate runs one round of graph convolutions from the leaves of
// the sampling tree back to the seeds (its roots): by the end of the round the
// seed states have seen the whole sampled subgraph.
//
// It updates the values of all non-leaf entries of graphStates; the masks are
// left unchanged.
func TreeGraphStateUpdate(ctx *context.Context, strategy *sampler.Strategy, graphStates map[string]*sampler.ValueMask[*Node]) {
	for _, rule := range strategy.Seeds {
		recursivelyApplyGraphConvolution(ctx, rule, nil, graphStates, true)
	}
}

// SimultaneousGraphStateUpdate runs one round of graph convolutions where every
// node set is updated from the current (not yet updated) states of its
// dependents. Information moves one hop per round.
func SimultaneousGraphStateUpdate(ctx *context.Context, strategy *sampler.Strategy, graphStates map[string]*sampler.ValueMask[*Node]) {
	for _, rule := range strategy.Seeds {
		recursivelyApplyGraphConvolution(ctx, rule, nil, graphStates, false)
	}
}

func recursivelyApplyGraphConvolution(ctx *context.Context, rule *sampler.Rule,
	pathToRootStates []*Node,
	graphStates map[string]*sampler.ValueMask[*Node],
	dependentsUpdateFirst bool) {
	if rule.Name == "" || rule.ConvKernelScopeName == "" {
		Panicf("rule name=%q or kernel scope name=%q are empty, both must be set", rule.Name, rule.ConvKernelScopeName)
	}
	state, found := graphStates[rule.Name]
	if !found {
		Panicf("no state for sampling rule %q in graphStates, states given: %v", rule.Name, xslices.Keys(graphStates))
	}

	// Leaf node sets have no incoming messages and are never updated.
	if len(rule.Dependents) == 0 {
		return
	}

	var subPathToRootStates []*Node
	useRootAsContext := context.GetParamOr(ctx, ParamUseRootAsContext, false)
	if context.GetParamOr(ctx, ParamUsePathToRootStates, false) || useRootAsContext {
		// The extra axis keeps the embedding axis last, so the context states
		// broadcast against the dependents' one-extra-axis shapes.
		subPathToRootStates = make([]*Node, 0, len(pathToRootStates)+1)
		for _, contextState := range pathToRootStates {
			subPathToRootStates = append(subPathToRootStates, InsertAxes(contextState, -2))
		}
		if state.Value != nil {
			if len(subPathToRootStates) == 0 || !useRootAsContext {
				subPathToRootStates = append(subPathToRootStates, InsertAxes(state.Value, -2))
			}
		}
	}

	var hasNewUpdateInputs bool
	updateInputs := make([]*Node, 0, len(rule.Dependents)+1+len(pathToRootStates))
	if state.Value != nil { // Nil for latent node sets at their initial state.
		updateInputs = append(updateInputs, state.Value)
	}
	for _, contextState := range pathToRootStates {
		dims := make([]int, 0, rule.Shape.Rank()+1)
		dims = append(dims, rule.Shape.Dimensions...)
		dims = append(dims, contextState.Shape().Dim(-1))
		updateInputs = append(updateInputs, BroadcastToDims(contextState, dims...))
		hasNewUpdateInputs = true
	}

	// Depth-first over the dependents, collecting their convolved messages.
	for _, dependent := range rule.Dependents {
		if dependentsUpdateFirst {
			recursivelyApplyGraphConvolution(ctx, dependent, subPathToRootStates, graphStates, dependentsUpdateFirst)
		}
		dependentState, found := graphStates[dependent.Name]
		if !found {
			Panicf("no state for sampling rule %q in graphStates, states given: %v", dependent.Name, xslices.Keys(graphStates))
		}
		var dependentDegree *Node
		if degreePair := graphStates[sampler.NameForNodeDependentDegree(rule.Name, dependent.Name)]; degreePair != nil {
			dependentDegree = degreePair.Value
		}
		convolveCtx := ctx.In(dependent.ConvKernelScopeName).In("conv")
		if dependentState.Value != nil {
			updateInputs = append(updateInputs,
				convolveEdgeSet(convolveCtx, dependentState.Value, dependentState.Mask, dependentDegree))
			hasNewUpdateInputs = true
		}
		if !dependentsUpdateFirst {
			recursivelyApplyGraphConvolution(ctx, dependent, subPathToRootStates, graphStates, dependentsUpdateFirst)
		}
	}

	if hasNewUpdateInputs {
		updateCtx := ctx.In(rule.UpdateKernelScopeName).In("update")
		state.Value = updateState(updateCtx, state.Value, Concatenate(updateInputs, -1), state.Mask)
	}
}

// convolveEdgeSet computes messages from a sampled node set and pools them to
// the prefix shape of their source (target of the messages) node set.
func convolveEdgeSet(ctx *context.Context, value, mask, degree *Node) *Node {
	messages, mask := edgeMessageGraph(ctx.In("message"), value, mask)
	return PoolFixedShape(ctx, messages, mask, degree)
}

// edgeMessageGraph computes the per-edge messages from the gathered neighbor
// states, shaped `[batch_size, ..., num_edges, state_dim]`.
func edgeMessageGraph(ctx *context.Context, gatheredStates, gatheredMask *Node) (messages, mask *Node) {
	messageDim := context.GetParamOr(ctx, ParamMessageDim, 128)
	messages = fnn.New(ctx, gatheredStates, messageDim).Done()
	messages = activations.ApplyFromContext(ctx, messages)

	mask = gatheredMask
	if mask != nil {
		edgeDropoutRate := context.GetParamOr(ctx, ParamEdgeDropoutRate, 0.0)
		if edgeDropoutRate > 0 {
			// Dropout on the mask disables whole edges during training.
			g := mask.Graph()
			dtype := messages.DType()
			kept := layers.DropoutNormalize(ctx, ConvertDType(mask, dtype), Scalar(g, dtype, edgeDropoutRate), false)
			mask = And(mask, GreaterThan(kept, ZerosLike(kept)))
		}
	}
	return
}

// updateState computes the new hidden state of a node set from input, the
// concatenation of its previous state, any context states and all pooled
// messages. prevState is added back residually if shapes allow (see
// [ParamUpdateStateType]).
func updateState(ctx *context.Context, prevState, input, mask *Node) *Node {
	updateType := context.GetParamOr(ctx, ParamUpdateStateType, "residual")
	if updateType != "residual" && updateType != "none" {
		Panicf("invalid value %q for %q: valid values are \"residual\" and \"none\"",
			updateType, ParamUpdateStateType)
	}
	stateDim := context.GetParamOr(ctx, ParamStateDim, 128)
	numHiddenLayers := context.GetParamOr(ctx, ParamUpdateNumHiddenLayers, 0)

	state := fnn.New(ctx, input, stateDim).
		NumHiddenLayers(numHiddenLayers, stateDim).
		Done()
	state = activations.ApplyFromContext(ctx, state)
	if updateType == "residual" && prevState != nil && prevState.Shape().Equal(state.Shape()) {
		state = Add(state, prevState)
	}
	return layers.MaskedNormalizeFromContext(ctx.In("normalization"), state, mask)
}
