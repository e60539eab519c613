// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"io"
	"math/rand/v2"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// Dataset samples subgraphs according to a [Strategy] and yields them as
// fixed-shape tensors. It implements train.Dataset, so it plugs directly into
// the train loop.
//
// Before the first call to [Dataset.Yield] it can be configured with
// [Dataset.Shuffle], [Dataset.Epochs], [Dataset.Infinite] or
// [Dataset.WithReplacement]. The batch size is not configured here: it is the
// Count of the strategy's seed rules.
//
// Yield is safe for concurrent use, so the Dataset works with parallelized
// pipelines. It yields no labels -- they are typically gathered from the
// sampled seed indices inside the model.
type Dataset struct {
	name     string
	sampler  *Sampler
	strategy *Strategy

	numEpochs                int
	shuffle, withReplacement bool

	mu                      sync.Mutex
	frozen                  bool
	currentEpoch            int
	startOfEpoch, exhausted bool

	// seedsPosition indexes into each seed rule's candidates (or into
	// seedsShuffle when shuffling).
	seedsPosition []int32

	// seedsShuffle holds a permutation of each seed rule's candidates,
	// reshuffled at the start of every epoch.
	seedsShuffle [][]int32
}

// NewDataset creates a [Dataset] from the strategy. Multiple datasets can be
// created from one strategy, but the strategy is frozen from the first one on.
func (strategy *Strategy) NewDataset(name string) *Dataset {
	if len(strategy.Seeds) == 0 {
		Panicf("cannot create a Dataset from a strategy with no seed rules -- see Strategy.Nodes and Strategy.NodesFromSet")
	}
	strategy.frozen = true
	return &Dataset{
		name:          name,
		sampler:       strategy.Sampler,
		strategy:      strategy,
		numEpochs:     1,
		startOfEpoch:  true,
		seedsPosition: make([]int32, len(strategy.Seeds)),
	}
}

func (ds *Dataset) checkNotFrozen() {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
}

// Epochs configures the dataset to yield n epochs before returning io.EOF.
// Default is 1. With multiple seed rules an epoch finishes when the first of
// them is exhausted. It returns the dataset to allow cascading configuration.
func (ds *Dataset) Epochs(n int) *Dataset {
	ds.checkNotFrozen()
	if ds.withReplacement {
		Panicf("cannot configure Epochs for a dataset configured WithReplacement()")
	}
	if n <= 0 {
		Panicf("Dataset.Epochs(n) requires n > 0, got n=%d", n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to loop over epochs indefinitely.
func (ds *Dataset) Infinite() *Dataset {
	ds.checkNotFrozen()
	ds.numEpochs = -1
	return ds
}

// Shuffle configures the dataset to shuffle the seed candidates, reshuffling
// at every epoch: random sampling without replacement.
func (ds *Dataset) Shuffle() *Dataset {
	ds.checkNotFrozen()
	ds.shuffle = true
	return ds
}

// WithReplacement configures the dataset to draw each seed independently at
// random. It implies Shuffle and Infinite.
func (ds *Dataset) WithReplacement() *Dataset {
	ds.checkNotFrozen()
	ds.withReplacement = true
	return ds.Infinite().Shuffle()
}

var _ train.Dataset = &Dataset{}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts an exhausted Dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.frozen = true
	ds.startOfEpoch = true
	ds.exhausted = false
	ds.currentEpoch = 0
}

// Yield implements train.Dataset. The returned spec is the *Strategy, which
// combined with the inputs can be mapped back to named tensors -- see
// [MapInputs]. Labels are always nil.
//
// Inputs are ordered as a pre-order traversal of the strategy tree: for each
// rule its sampled indices then its mask, and after each edge rule's pair its
// degrees if [Strategy.KeepDegrees] is set.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds.strategy

	// Seed sampling tracks epoch progress and needs the lock; edge sampling
	// only reads the frozen graph.
	ds.mu.Lock()
	if ds.exhausted {
		ds.mu.Unlock()
		err = io.EOF
		return
	}
	ds.frozen = true
	if ds.startOfEpoch {
		ds.startEpoch()
	}
	seedSamples := make([]sample, len(ds.strategy.Seeds))
	for ii, rule := range ds.strategy.Seeds {
		seedSamples[ii] = ds.sampleSeeds(ii, rule)
	}
	ds.mu.Unlock()

	numInputs := 2 * len(ds.strategy.Rules)
	if ds.strategy.KeepDegrees {
		numInputs += len(ds.strategy.Rules) - len(ds.strategy.Seeds)
	}
	inputs = make([]*tensors.Tensor, 0, numInputs)
	for ii, rule := range ds.strategy.Seeds {
		inputs = seedSamples[ii].appendTo(inputs, rule)
		inputs = recursivelySampleEdges(rule, seedSamples[ii], inputs)
	}
	return
}

// sample holds one rule's sampled node indices and validity mask as flat
// slices, before they are committed to tensors.
type sample struct {
	indices []int32
	mask    []bool
}

func newSample(size int) sample {
	return sample{indices: make([]int32, size), mask: make([]bool, size)}
}

func (s sample) appendTo(inputs []*tensors.Tensor, rule *Rule) []*tensors.Tensor {
	dims := rule.Shape.Dimensions
	return append(inputs,
		tensors.FromFlatDataAndDimensions(s.indices, dims...),
		tensors.FromFlatDataAndDimensions(s.mask, dims...))
}

// sampleSeeds draws the next batch of seeds for the given seed rule.
// ds.mu must be held.
func (ds *Dataset) sampleSeeds(seedIdx int, rule *Rule) sample {
	s := newSample(rule.Count)
	switch {
	case ds.withReplacement:
		for ii := range rule.Count {
			if len(rule.NodeSet) > 0 {
				s.indices[ii] = rule.NodeSet[rand.IntN(len(rule.NodeSet))]
			} else {
				s.indices[ii] = int32(rand.IntN(int(rule.NumNodes)))
			}
			s.mask[ii] = true
		}

	case ds.shuffle:
		shuffle := ds.seedsShuffle[seedIdx]
		pos := ds.seedsPosition[seedIdx]
		n := int32(min(len(shuffle)-int(pos), rule.Count))
		ds.seedsPosition[seedIdx] += n
		if int(ds.seedsPosition[seedIdx]) >= len(shuffle) {
			ds.epochFinished()
		}
		copy(s.indices, shuffle[pos:pos+n])
		for ii := range n {
			s.mask[ii] = true
		}

	default:
		// Sequential, in the candidates' original order.
		pos := ds.seedsPosition[seedIdx]
		var numCandidates int32
		if len(rule.NodeSet) > 0 {
			numCandidates = int32(len(rule.NodeSet))
		} else {
			numCandidates = rule.NumNodes
		}
		n := min(numCandidates-pos, int32(rule.Count))
		ds.seedsPosition[seedIdx] += n
		if ds.seedsPosition[seedIdx] >= numCandidates {
			ds.epochFinished()
		}
		for ii := range n {
			if len(rule.NodeSet) > 0 {
				s.indices[ii] = rule.NodeSet[pos+ii]
			} else {
				s.indices[ii] = pos + ii
			}
			s.mask[ii] = true
		}
	}
	return s
}

func recursivelySampleEdges(rule *Rule, src sample, inputs []*tensors.Tensor) []*tensors.Tensor {
	for _, subRule := range rule.Dependents {
		subSample, degrees := sampleEdges(subRule, src)
		inputs = subSample.appendTo(inputs, subRule)
		if degrees != nil {
			degreeDims := append(xslices.Copy(rule.Shape.Dimensions), 1)
			inputs = append(inputs, tensors.FromFlatDataAndDimensions(degrees, degreeDims...))
		}
		inputs = recursivelySampleEdges(subRule, subSample, inputs)
	}
	return inputs
}

// sampleEdges draws up to rule.Count edges per valid source node. Rows of
// invalid (padding) source nodes stay fully padded. degrees is nil unless the
// strategy keeps degrees.
func sampleEdges(rule *Rule, src sample) (s sample, degrees []int32) {
	s = newSample(rule.Shape.Size())
	if rule.Strategy.KeepDegrees {
		degrees = make([]int32, len(src.indices))
	}

	if rule.IsIdentitySubRule() {
		// Same data, the sub-rule just carries an extra axis of dimension 1.
		copy(s.indices, src.indices)
		copy(s.mask, src.mask)
		if degrees != nil {
			xslices.FillSlice(degrees, int32(1))
		}
		return
	}

	drawn := make([]int32, rule.Count) // Reused over all source nodes.
	for srcIdx, valid := range src.mask {
		if !valid {
			continue
		}
		edges := rule.EdgeType.TargetsForSource(src.indices[srcIdx])
		if degrees != nil {
			degrees[srcIdx] = int32(len(edges))
		}
		if len(edges) == 0 {
			continue
		}
		base := srcIdx * rule.Count
		if len(edges) <= rule.Count {
			// Not enough edges: take them all.
			for ii, tgt := range edges {
				s.indices[base+ii] = tgt
				s.mask[base+ii] = true
			}
			continue
		}
		randKOfN(drawn, len(edges))
		for ii, edgeIdx := range drawn {
			s.indices[base+ii] = edges[edgeIdx]
			s.mask[base+ii] = true
		}
	}
	return
}

// randKOfN fills values with k=len(values) random draws without replacement
// from 0..n-1.
func randKOfN(values []int32, n int) {
	if len(values)*len(values) < n {
		randKOfNLinear(values, n)
	} else {
		randKOfNReservoir(values, n)
	}
}

// randKOfNLinear draws each value and rejects repeats: O(k^2), fine for the
// small k of per-node edge sampling.
func randKOfNLinear(values []int32, n int) {
	for ii := range values {
		var x int32
	takeANumber:
		for {
			x = int32(rand.IntN(n))
			for jj := range ii {
				if values[jj] == x {
					continue takeANumber
				}
			}
			break
		}
		values[ii] = x
	}
}

func randKOfNReservoir(values []int32, n int) {
	k := len(values)
	for ii := range k {
		values[ii] = int32(ii)
	}
	for ii := k; ii < n; ii++ {
		pos := rand.IntN(ii + 1)
		if pos < k {
			values[pos] = int32(ii)
		}
	}
}

// startEpoch resets the seed positions and reshuffles if needed.
// ds.mu must be held.
func (ds *Dataset) startEpoch() {
	ds.startOfEpoch = false
	if ds.withReplacement {
		return
	}
	for ii := range ds.seedsPosition {
		ds.seedsPosition[ii] = 0
	}
	if !ds.shuffle {
		return
	}
	if ds.seedsShuffle == nil {
		ds.seedsShuffle = make([][]int32, len(ds.seedsPosition))
		for ii, rule := range ds.strategy.Seeds {
			if rule.NodeSet != nil {
				ds.seedsShuffle[ii] = xslices.Copy(rule.NodeSet)
			} else {
				ds.seedsShuffle[ii] = xslices.Iota[int32](0, int(rule.NumNodes))
			}
		}
	}
	for _, shuffle := range ds.seedsShuffle {
		rand.Shuffle(len(shuffle), func(i, j int) {
			shuffle[i], shuffle[j] = shuffle[j], shuffle[i]
		})
	}
}

// epochFinished must be called with ds.mu held.
func (ds *Dataset) epochFinished() {
	ds.startOfEpoch = true
	ds.currentEpoch++
	if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
		ds.exhausted = true
	}
}
