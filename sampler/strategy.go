// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Strategy describes how to sample subgraphs from a [Sampler]'s graph: a tree
// of [Rule]s rooted on the Seeds.
//
// Build it with [Strategy.Nodes] or [Strategy.NodesFromSet] for the seeds, then
// [Rule.FromEdges] for each hop of neighbors. A [Sampler] can create multiple
// strategies, typically one each for training, validation and test.
//
// Once a [Dataset] is created from it, the Strategy is frozen and can no longer
// be changed.
type Strategy struct {
	Sampler *Sampler

	// Seeds are the root rules, the entry points of the sampled subgraph tree.
	Seeds []*Rule

	// Rules maps every rule name (seeds included) to its rule.
	Rules map[string]*Rule

	// KeepDegrees makes datasets also yield, for every edge sampling rule, the
	// degree (the true number of edges, before sub-sampling) of each source
	// node, shaped like the source with an extra axis of dimension 1. Degrees
	// are needed by sum-pooling, which rescales means by the true degree.
	KeepDegrees bool

	frozen bool
}

// WithKeepDegrees sets [Strategy.KeepDegrees] and returns the strategy, to
// allow cascading configuration calls.
func (strategy *Strategy) WithKeepDegrees(keep bool) *Strategy {
	strategy.checkNotFrozen("")
	strategy.KeepDegrees = keep
	return strategy
}

func (strategy *Strategy) checkNotFrozen(newRuleName string) {
	if strategy.frozen {
		Panicf("Strategy is frozen -- a Dataset was already created from it -- and can no longer be changed")
	}
	if newRuleName == "" {
		return
	}
	if prevRule, found := strategy.Rules[newRuleName]; found {
		Panicf("rule named %q already exists: %s", newRuleName, prevRule)
	}
}

// Nodes creates a seed rule that samples count nodes of the given node type,
// from all of its nodes. Typically count is the batch size.
func (strategy *Strategy) Nodes(name, nodeTypeName string, count int) *Rule {
	return strategy.NodesFromSet(name, nodeTypeName, count, nil)
}

// NodesFromSet creates a seed rule that samples count nodes of the given node
// type, restricted to the indices in nodeSet. This is how train/validation/test
// splits are expressed: one strategy per split, each seeded on its own set.
//
// A nil nodeSet means all nodes of the type, same as [Strategy.Nodes].
func (strategy *Strategy) NodesFromSet(name, nodeTypeName string, count int, nodeSet []int32) *Rule {
	strategy.checkNotFrozen(name)
	numNodes, found := strategy.Sampler.NodeTypesToCount[nodeTypeName]
	if !found {
		Panicf("unknown node type %q for rule %q", nodeTypeName, name)
	}
	if count <= 0 {
		Panicf("rule %q must sample count > 0 nodes, got %d", name, count)
	}
	r := &Rule{
		Sampler:      strategy.Sampler,
		Strategy:     strategy,
		Name:         name,
		NodeTypeName: nodeTypeName,
		NumNodes:     numNodes,
		NodeSet:      nodeSet,
		Count:        count,
		Shape:        shapes.Make(dtypes.Int32, count),
	}
	r.setDefaultScopeNames()
	strategy.Rules[name] = r
	strategy.Seeds = append(strategy.Seeds, r)
	return r
}

// ExtractSamplingEdgeIndices returns the full edge lists of every edge
// sampling rule of the strategy, keyed by rule name: the adjacency needed for
// layer-wise (whole-graph) evaluation of a model trained on sampled subgraphs.
func (strategy *Strategy) ExtractSamplingEdgeIndices() map[string]EdgePair[*tensors.Tensor] {
	edges := make(map[string]EdgePair[*tensors.Tensor])
	for name, rule := range strategy.Rules {
		if rule.EdgeType == nil {
			continue
		}
		edges[name] = rule.EdgeType.EdgePairTensor()
	}
	return edges
}

// String returns a multi-line description of the strategy rule tree.
func (strategy *Strategy) String() string {
	parts := make([]string, 0, 1+len(strategy.Rules))
	var frozenDesc string
	if strategy.frozen {
		frozenDesc = ", frozen"
	}
	parts = append(parts, fmt.Sprintf("Strategy: %d rules%s", len(strategy.Rules), frozenDesc))
	for _, rule := range strategy.Seeds {
		parts = appendRulesRecursively(parts, rule, 1)
	}
	return strings.Join(parts, "\n")
}

func appendRulesRecursively(parts []string, rule *Rule, indent int) []string {
	parts = append(parts, fmt.Sprintf("%s> %s", strings.Repeat("  ", indent), rule))
	for _, subRule := range rule.Dependents {
		parts = appendRulesRecursively(parts, subRule, indent+1)
	}
	return parts
}
