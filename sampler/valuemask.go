// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	. "github.com/gomlx/exceptions"
)

// ValueMask pairs a sampled tensor with its validity mask. T is typically
// *tensors.Tensor on the data side, or *graph.Node once inside a model.
type ValueMask[T any] struct {
	Value, Mask T
}

// MapInputs maps the flat inputs yielded by a [Dataset] back to the rule names
// of the strategy that sampled them. Degree tensors (see
// [Strategy.KeepDegrees]) are keyed by [NameForNodeDependentDegree], with a
// zero Mask.
//
// It works generically for both sides of the graph executor: tensors before,
// graph nodes after.
func MapInputs[T any](strategy *Strategy, inputs []T) map[string]*ValueMask[T] {
	graphInputs, remaining := MapInputsToStates(strategy, inputs)
	if len(remaining) > 0 {
		Panicf("MapInputs: %d inputs left over after mapping the %d rules of the strategy",
			len(remaining), len(strategy.Rules))
	}
	return graphInputs
}

// MapInputsToStates is like [MapInputs], but tolerates (and returns) extra
// trailing inputs beyond the strategy's own, for models that pack additional
// tensors after the sampled subgraph.
func MapInputsToStates[T any](strategy *Strategy, inputs []T) (graphInputs map[string]*ValueMask[T], remaining []T) {
	graphInputs = make(map[string]*ValueMask[T], len(strategy.Rules))
	pos := 0
	take := func(name string) T {
		if pos >= len(inputs) {
			Panicf("MapInputs: ran out of inputs mapping %q -- got %d inputs for a strategy with %d rules (KeepDegrees=%v)",
				name, len(inputs), len(strategy.Rules), strategy.KeepDegrees)
		}
		v := inputs[pos]
		pos++
		return v
	}
	takePair := func(rule *Rule) {
		graphInputs[rule.Name] = &ValueMask[T]{
			Value: take(rule.Name),
			Mask:  take(rule.Name + ".mask"),
		}
	}
	var mapDependents func(rule *Rule)
	mapDependents = func(rule *Rule) {
		for _, subRule := range rule.Dependents {
			takePair(subRule)
			if strategy.KeepDegrees {
				degreeName := NameForNodeDependentDegree(rule.Name, subRule.Name)
				graphInputs[degreeName] = &ValueMask[T]{Value: take(degreeName)}
			}
			mapDependents(subRule)
		}
	}
	for _, rule := range strategy.Seeds {
		takePair(rule)
		mapDependents(rule)
	}
	return graphInputs, inputs[pos:]
}
