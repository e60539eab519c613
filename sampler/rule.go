// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Rule is one node of a [Strategy]'s sampling tree: either a seed rule (see
// [Strategy.Nodes]) or an edge sampling rule hanging from another rule (see
// [Rule.FromEdges]).
//
// The fields are exported for reading; change the strategy only through the
// provided methods.
type Rule struct {
	Sampler  *Sampler
	Strategy *Strategy

	// Name of the rule: it keys the sampled tensors yielded by a [Dataset].
	Name string

	// NodeTypeName of the nodes this rule samples.
	NodeTypeName string

	// NumNodes of NodeTypeName, a convenience copy from the Sampler.
	NumNodes int32

	// NodeSet restricts a seed rule to these node indices; nil means all.
	NodeSet []int32

	// SourceRule this rule samples from, nil for seed rules.
	SourceRule *Rule

	// Dependents are the rules sampling from this one.
	Dependents []*Rule

	// EdgeType sampled by this rule, nil for seed rules.
	EdgeType *EdgeType

	// Count of samples: seeds sample Count nodes total, edge rules sample up
	// to Count edges per source node.
	Count int

	// Shape of the sampled values (and of their mask, with dtype Bool): the
	// source rule's shape with Count appended, or just [Count] for seeds.
	Shape shapes.Shape

	// ConvKernelScopeName and UpdateKernelScopeName are the context scopes
	// under which models create this rule's convolution and state update
	// variables. They default to "gnn:"+Name; point different rules to the
	// same scope to share kernels.
	ConvKernelScopeName   string
	UpdateKernelScopeName string
}

func (r *Rule) setDefaultScopeNames() {
	r.ConvKernelScopeName = "gnn:" + r.Name
	r.UpdateKernelScopeName = "gnn:" + r.Name
}

// WithKernelScopeName sets both kernel scope names to the given value and
// returns the rule. Use it to share convolution and update kernels across
// rules sampling the same relation.
func (r *Rule) WithKernelScopeName(name string) *Rule {
	r.ConvKernelScopeName = name
	r.UpdateKernelScopeName = name
	return r
}

// IsNode reports whether this is a seed rule.
func (r *Rule) IsNode() bool { return r.SourceRule == nil }

// IsIdentitySubRule reports whether this rule was created with
// [Rule.IdentitySubRule].
func (r *Rule) IsIdentitySubRule() bool {
	return r.SourceRule != nil && r.EdgeType == nil
}

// FromEdges creates a rule that samples, for each node sampled by r, up to
// count of its edges of the given edge type. If a node has fewer than count
// edges all of them are taken, and the rest of the row is padding; if it has
// more, count are drawn uniformly without replacement.
//
// The new rule samples nodes of the edge type's target node type, shaped as r
// with an extra trailing axis of dimension count.
func (r *Rule) FromEdges(name, edgeTypeName string, count int) *Rule {
	strategy := r.Strategy
	strategy.checkNotFrozen(name)
	edgeType, found := r.Sampler.EdgeTypes[edgeTypeName]
	if !found {
		Panicf("unknown edge type %q for rule %q", edgeTypeName, name)
	}
	if edgeType.SourceNodeType != r.NodeTypeName {
		Panicf("edge type %q connects [%s]->[%s], it cannot sample from rule %q of node type %q",
			edgeTypeName, edgeType.SourceNodeType, edgeType.TargetNodeType, r.Name, r.NodeTypeName)
	}
	if count <= 0 {
		Panicf("rule %q must sample count > 0 edges per node, got %d", name, count)
	}
	newRule := &Rule{
		Sampler:      r.Sampler,
		Strategy:     strategy,
		Name:         name,
		NodeTypeName: edgeType.TargetNodeType,
		NumNodes:     edgeType.NumTargetNodes,
		SourceRule:   r,
		EdgeType:     edgeType,
		Count:        count,
		Shape:        shapes.Make(dtypes.Int32, append(xslices.Copy(r.Shape.Dimensions), count)...),
	}
	newRule.setDefaultScopeNames()
	r.Dependents = append(r.Dependents, newRule)
	strategy.Rules[name] = newRule
	return newRule
}

// IdentitySubRule creates a dependent rule holding the same nodes as r, with an
// extra trailing axis of dimension 1. It lets the seed nodes take part in their
// own convolution as a "neighbor set" of themselves, which is how readout
// layers treat latent seed state.
func (r *Rule) IdentitySubRule(name string) *Rule {
	strategy := r.Strategy
	strategy.checkNotFrozen(name)
	subRule := &Rule{
		Sampler:      r.Sampler,
		Strategy:     strategy,
		Name:         name,
		NodeTypeName: r.NodeTypeName,
		NumNodes:     r.NumNodes,
		SourceRule:   r,
		Count:        1,
		Shape:        shapes.Make(dtypes.Int32, append(xslices.Copy(r.Shape.Dimensions), 1)...),
	}
	subRule.setDefaultScopeNames()
	r.Dependents = append(r.Dependents, subRule)
	strategy.Rules[name] = subRule
	return subRule
}

// String returns a one-line description of the rule.
func (r *Rule) String() string {
	if r.IsNode() {
		var nodeSetDesc string
		if r.NodeSet != nil {
			nodeSetDesc = fmt.Sprintf(", nodeSet.size=%d", len(r.NodeSet))
		}
		return fmt.Sprintf("Rule %q: seed, nodeType=%q, shape=%s%s",
			r.Name, r.NodeTypeName, r.Shape, nodeSetDesc)
	}
	if r.IsIdentitySubRule() {
		return fmt.Sprintf("Rule %q: identity, nodeType=%q, shape=%s, sourceRule=%q",
			r.Name, r.NodeTypeName, r.Shape, r.SourceRule.Name)
	}
	return fmt.Sprintf("Rule %q: edge, nodeType=%q, shape=%s, sourceRule=%q, edgeType=%q",
		r.Name, r.NodeTypeName, r.Shape, r.SourceRule.Name, r.EdgeType.Name)
}
