// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sampler holds a heterogeneous graph -- node types with counts and edge
// types stored in compressed sparse row (CSR) form -- and samples fixed-shape
// subgraphs from it for training graph neural networks.
//
// There are three phases to using it:
//
// (1) Define the graph: node types and edge types. E.g. for a citation network:
//
//	s := sampler.New()
//	s.AddNodeType("papers", ds.NumNodes)
//	s.AddEdgeType("cites", "papers", "papers", ds.Edges, false)
//	s.AddEdgeType("citedBy", "papers", "papers", ds.Edges, true)
//
// (2) Create a sampling [Strategy]: a tree of [Rule]s rooted on seed nodes.
//
//	strategy := s.NewStrategy()
//	seeds := strategy.NodesFromSet("seeds", "papers", batchSize, trainIDs)
//	neighbors := seeds.FromEdges("neighbors", "citedBy", 8)
//
// (3) Create a [Dataset] from the strategy and use it with the train loop; it
// implements train.Dataset and yields padded, fixed-shape tensors (required by
// the engine's JIT compilation) plus boolean masks flagging the valid entries.
//
// All sampled node indices are int32, and padded positions take the value
// [PaddingIndex] -- always check the mask, 0 is also a valid node index.
package sampler

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// PaddingIndex is the node index stored in sampled positions that could not be
// fulfilled.
const PaddingIndex = 0

// Sampler holds the graph definition: node types with their cardinalities and
// edge types with their adjacency lists. It is the factory of [Strategy] objects.
//
// All fields are exported for reading (and for gob encoding); use the provided
// methods to change it.
type Sampler struct {
	NodeTypesToCount map[string]int32
	EdgeTypes        map[string]*EdgeType

	// Frozen is set when the first Strategy is created; a frozen Sampler can no
	// longer be changed.
	Frozen bool
}

// New creates an empty Sampler. Populate it with AddNodeType and AddEdgeType.
func New() *Sampler {
	return &Sampler{
		NodeTypesToCount: make(map[string]int32),
		EdgeTypes:        make(map[string]*EdgeType),
	}
}

// EdgeType stores one direction of an edge set in CSR form, ready for sampling.
type EdgeType struct {
	// Name of the edge type, and the node types it connects, after any
	// reversal requested in AddEdgeType.
	Name, SourceNodeType, TargetNodeType string

	// Starts has one entry per source node, shifted by one: the edges of
	// source node i are Targets[Starts[i-1]:Starts[i]], with Starts[-1]
	// taken as 0.
	Starts []int32

	// Targets lists the target node of every edge, grouped by source node as
	// described by Starts.
	Targets []int32

	NumTargetNodes int32
}

// NumSourceNodes of the edge type source node type.
func (et *EdgeType) NumSourceNodes() int { return len(et.Starts) }

// NumEdges of this edge type.
func (et *EdgeType) NumEdges() int { return len(et.Targets) }

// TargetsForSource returns the target nodes connected to the given source node.
// The returned slice aliases the Sampler storage: do not modify it.
func (et *EdgeType) TargetsForSource(srcIdx int32) []int32 {
	if srcIdx < 0 || int(srcIdx) >= len(et.Starts) {
		Panicf("invalid source node index %d for edge type %q: source node type %q has only %d nodes",
			srcIdx, et.Name, et.SourceNodeType, len(et.Starts))
	}
	var start int32
	if srcIdx > 0 {
		start = et.Starts[srcIdx-1]
	}
	return et.Targets[start:et.Starts[srcIdx]]
}

// EdgePair holds the source and target ends of a set of edges, used for
// full-graph (layer-wise) convolutions.
type EdgePair[T any] struct {
	SourceIndices, TargetIndices T
}

// EdgePairTensor expands the CSR representation back to a pair of
// (source, target) index tensors, each shaped [NumEdges].
func (et *EdgeType) EdgePairTensor() EdgePair[*tensors.Tensor] {
	sources := make([]int32, et.NumEdges())
	current := int32(0)
	for srcIdx, last := range et.Starts {
		for ii := current; ii < last; ii++ {
			sources[ii] = int32(srcIdx)
		}
		current = last
	}
	return EdgePair[*tensors.Tensor]{
		SourceIndices: tensors.FromValue(sources),
		TargetIndices: tensors.FromValue(slices.Clone(et.Targets)),
	}
}

// DegreeTensor returns the out-degree of every source node, shaped
// [NumSourceNodes, 1] (Int32), usable as the degree input of pooling ops.
func (et *EdgeType) DegreeTensor() *tensors.Tensor {
	degrees := make([]int32, len(et.Starts))
	var prev int32
	for ii, last := range et.Starts {
		degrees[ii] = last - prev
		prev = last
	}
	return tensors.FromFlatDataAndDimensions(degrees, len(degrees), 1)
}

// MaxDegree returns the largest out-degree over the source nodes. Full-graph
// pooling of sequence aggregations uses it to bound the materialized per-node
// neighbor batch.
func (et *EdgeType) MaxDegree() int {
	var maxDegree, prev int32
	for _, last := range et.Starts {
		if last-prev > maxDegree {
			maxDegree = last - prev
		}
		prev = last
	}
	return int(maxDegree)
}

// AddNodeType registers a node type with the given name and cardinality: node
// indices are dense, from 0 to count-1.
func (s *Sampler) AddNodeType(name string, count int) {
	if s.Frozen {
		Panicf("Sampler is frozen: a Strategy was already created from it, it can no longer be changed")
	}
	if count <= 0 {
		Panicf("node type %q must have count > 0, got %d", name, count)
	}
	if count > math.MaxInt32 {
		Panicf("the Sampler uses int32 indices, node type %q count of %d doesn't fit", name, count)
	}
	s.NodeTypesToCount[name] = int32(count)
}

// AddEdgeType registers an edge type connecting sourceNodeType to
// targetNodeType (both must have been added with AddNodeType first). The edges
// are given as a tensor shaped (Int32)[numEdges, 2] of (source, target) pairs;
// the tensor is only read, not modified.
//
// If reverse is true the edges are interpreted in the opposite direction --
// sourceNodeType, targetNodeType and the pair columns are given before
// reversing. Registering both directions under different names is the usual way
// to allow sampling (and message passing) both ways.
func (s *Sampler) AddEdgeType(name, sourceNodeType, targetNodeType string, edges *tensors.Tensor, reverse bool) {
	if s.Frozen {
		Panicf("Sampler is frozen: a Strategy was already created from it, it can no longer be changed")
	}
	if edges.Rank() != 2 || edges.DType() != dtypes.Int32 ||
		edges.Shape().Dimensions[1] != 2 || edges.Shape().Dimensions[0] == 0 {
		Panicf("invalid edges shape %s for AddEdgeType(%q): it must be shaped (Int32)[numEdges, 2]",
			edges.Shape(), name)
	}
	if _, found := s.EdgeTypes[name]; found {
		Panicf("edge type %q already registered", name)
	}
	countSource, foundSource := s.NodeTypesToCount[sourceNodeType]
	countTarget, foundTarget := s.NodeTypesToCount[targetNodeType]
	if !foundSource || !foundTarget {
		Panicf("edge type %q connects unknown node types (%q -> %q): add them with AddNodeType first",
			name, sourceNodeType, targetNodeType)
	}
	columnSrc, columnTgt := 0, 1
	if reverse {
		columnSrc, columnTgt = 1, 0
		countSource, countTarget = countTarget, countSource
		sourceNodeType, targetNodeType = targetNodeType, sourceNodeType
	}

	et := &EdgeType{
		Name:           name,
		SourceNodeType: sourceNodeType,
		TargetNodeType: targetNodeType,
		NumTargetNodes: countTarget,
	}
	tensors.MustConstFlatData[int32](edges, func(pairs []int32) {
		numEdges := len(pairs) / 2
		// Counting sort on the source column: one pass to take the degrees,
		// one pass to place the targets.
		counts := make([]int32, countSource)
		for row := range numEdges {
			src, tgt := pairs[2*row+columnSrc], pairs[2*row+columnTgt]
			if src < 0 || src >= countSource {
				Panicf("edge type %q row %d has source index %d, out of range for node type %q (%d nodes)",
					name, row, src, sourceNodeType, countSource)
			}
			if tgt < 0 || tgt >= countTarget {
				Panicf("edge type %q row %d has target index %d, out of range for node type %q (%d nodes)",
					name, row, tgt, targetNodeType, countTarget)
			}
			counts[src]++
		}
		et.Starts = make([]int32, countSource)
		var cumulative int32
		for ii, c := range counts {
			cumulative += c
			et.Starts[ii] = cumulative
		}
		et.Targets = make([]int32, numEdges)
		cursors := make([]int32, countSource)
		for row := range numEdges {
			src, tgt := pairs[2*row+columnSrc], pairs[2*row+columnTgt]
			var start int32
			if src > 0 {
				start = et.Starts[src-1]
			}
			et.Targets[start+cursors[src]] = tgt
			cursors[src]++
		}
		// Keep each adjacency list sorted, so samples are deterministic given
		// the random choices.
		var prev int32
		for _, last := range et.Starts {
			sort.Slice(et.Targets[prev:last], func(i, j int) bool {
				return et.Targets[prev+int32(i)] < et.Targets[prev+int32(j)]
			})
			prev = last
		}
	})
	s.EdgeTypes[name] = et
}

// NewStrategy creates a new [Strategy] based on this Sampler's graph. The
// Sampler is frozen from this point on, but any number of strategies can be
// created from it -- typically one each for training, validation and test.
func (s *Sampler) NewStrategy() *Strategy {
	s.Frozen = true
	return &Strategy{
		Sampler: s,
		Rules:   make(map[string]*Rule),
	}
}

// String returns a multi-line description of the graph held by the Sampler.
func (s *Sampler) String() string {
	parts := make([]string, 0, 1+len(s.NodeTypesToCount)+len(s.EdgeTypes))
	var frozenDesc string
	if s.Frozen {
		frozenDesc = ", frozen"
	}
	parts = append(parts, fmt.Sprintf("Sampler: %d node types, %d edge types%s",
		len(s.NodeTypesToCount), len(s.EdgeTypes), frozenDesc))
	for _, name := range sortedKeys(s.NodeTypesToCount) {
		parts = append(parts, fmt.Sprintf("\tNodeType %q: %s nodes",
			name, humanize.Comma(int64(s.NodeTypesToCount[name]))))
	}
	for _, name := range sortedKeys(s.EdgeTypes) {
		et := s.EdgeTypes[name]
		parts = append(parts, fmt.Sprintf("\tEdgeType %q: [%s]->[%s], %s edges",
			name, et.SourceNodeType, et.TargetNodeType, humanize.Comma(int64(et.NumEdges()))))
	}
	return strings.Join(parts, "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func initGob() {
	gob.Register(&EdgeType{})
	gob.Register(&Sampler{})
}

// Save the Sampler, including the adjacency lists, so it can be reloaded
// without rebuilding the CSR representation.
func (s *Sampler) Save(filePath string) (err error) {
	initGob()
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save Sampler", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(s); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "encoding Sampler to %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q after saving Sampler", filePath)
	}
	return nil
}

// Load a Sampler previously saved with [Sampler.Save].
// If filePath doesn't exist, it returns an error that can be checked with
// os.IsNotExist.
func Load(filePath string) (s *Sampler, err error) {
	initGob()
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "opening %q to load Sampler", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	s = &Sampler{}
	if err = dec.Decode(s); err != nil {
		return nil, errors.Wrapf(err, "decoding Sampler from %q", filePath)
	}
	return s, nil
}

// NameForNodeDependentDegree is the key under which the degree tensor of the
// edges from ruleName to dependentName is reported in the sampled inputs (when
// [Strategy.KeepDegrees] is set).
func NameForNodeDependentDegree(ruleName, dependentName string) string {
	return fmt.Sprintf("[%s->%s].degree", ruleName, dependentName)
}
