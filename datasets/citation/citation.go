// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package citation provides citation-network node classification datasets
// (Cora-style): papers with bag-of-words features and a class label, connected
// by citation edges. The task is to predict the class of the papers in the
// test split from their features and their neighborhood.
//
// Datasets can be loaded from CSV files (see [Load]) or generated synthetically
// (see [Synthetic]) -- the synthetic graph plants the class signal both in the
// features and in the citation structure, so it rewards models that actually
// use the graph.
package citation

import (
	"math/rand/v2"
	"os"
	"path"
	"strconv"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/graphlearn/sampler"
	"k8s.io/klog/v2"
)

// Dataset holds a citation network: papers, their features and labels, the
// citation edges and the train/validation/test split of the paper ids.
type Dataset struct {
	Name string

	NumPapers, NumClasses, NumFeatures int

	// Features is shaped (Float32)[NumPapers, NumFeatures].
	Features *tensors.Tensor

	// Labels is shaped (Int32)[NumPapers, 1], values in [0, NumClasses).
	Labels *tensors.Tensor

	// Edges is shaped (Int32)[numEdges, 2], rows of (citing, cited) pairs.
	Edges *tensors.Tensor

	// Split of the paper indices for training, validation and test.
	TrainIDs, ValidationIDs, TestIDs []int32
}

// VariablesScope is the context scope under which [Dataset.UploadVariables]
// stores the frozen dataset tensors.
const VariablesScope = "/citation"

// Synthetic generates a deterministic (given seed) citation network with a
// plantable class structure:
//
//   - each paper gets a class, and features drawn around its class centroid;
//   - each paper cites avgDegree other papers, mostly (80%) of its own class.
//
// The papers are split 60%/20%/20% into train/validation/test.
func Synthetic(numPapers, numClasses, numFeatures, avgDegree int, seed uint64) *Dataset {
	if numPapers < numClasses || numClasses < 2 || numFeatures < 1 || avgDegree < 1 {
		Panicf("invalid synthetic citation dataset sizes: numPapers=%d, numClasses=%d, numFeatures=%d, avgDegree=%d",
			numPapers, numClasses, numFeatures, avgDegree)
	}
	rng := rand.New(rand.NewPCG(seed, seed))

	labels := make([]int32, numPapers)
	for ii := range labels {
		labels[ii] = int32(rng.IntN(numClasses))
	}

	// Class centroids are random ±1 patterns; features are the paper's class
	// centroid plus noise.
	centroids := make([][]float32, numClasses)
	for c := range centroids {
		centroids[c] = make([]float32, numFeatures)
		for ii := range centroids[c] {
			if rng.IntN(2) == 0 {
				centroids[c][ii] = 1
			} else {
				centroids[c][ii] = -1
			}
		}
	}
	features := make([]float32, numPapers*numFeatures)
	for p := range numPapers {
		centroid := centroids[labels[p]]
		for ii := range numFeatures {
			features[p*numFeatures+ii] = centroid[ii] + float32(rng.NormFloat64())
		}
	}

	// Group papers by class, to draw same-class citations from.
	papersPerClass := make([][]int32, numClasses)
	for p, label := range labels {
		papersPerClass[label] = append(papersPerClass[label], int32(p))
	}

	edges := make([]int32, 0, 2*numPapers*avgDegree)
	for p := range numPapers {
		for range avgDegree {
			var cited int32
			if rng.Float64() < 0.8 {
				sameClass := papersPerClass[labels[p]]
				cited = sameClass[rng.IntN(len(sameClass))]
			} else {
				cited = int32(rng.IntN(numPapers))
			}
			if cited == int32(p) {
				continue // No self-citations.
			}
			edges = append(edges, int32(p), cited)
		}
	}

	// Shuffled 60/20/20 split.
	perm := make([]int32, numPapers)
	for ii := range perm {
		perm[ii] = int32(ii)
	}
	rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	trainEnd := numPapers * 6 / 10
	validationEnd := numPapers * 8 / 10

	return &Dataset{
		Name:          "synthetic-citation",
		NumPapers:     numPapers,
		NumClasses:    numClasses,
		NumFeatures:   numFeatures,
		Features:      tensors.FromFlatDataAndDimensions(features, numPapers, numFeatures),
		Labels:        tensors.FromFlatDataAndDimensions(labels, numPapers, 1),
		Edges:         tensors.FromFlatDataAndDimensions(edges, len(edges)/2, 2),
		TrainIDs:      perm[:trainEnd],
		ValidationIDs: perm[trainEnd:validationEnd],
		TestIDs:       perm[validationEnd:],
	}
}

// NewSampler creates a [sampler.Sampler] with the citation graph: node type
// "papers" and edge types "cites" and "citedBy" (the reverse direction).
//
// It caches the built sampler (with its CSR adjacency) under baseDir, and
// reloads it on future calls.
func (ds *Dataset) NewSampler(baseDir string) (*sampler.Sampler, error) {
	samplerPath := path.Join(baseDir, ds.Name+"-sampler.bin")
	if baseDir != "" {
		s, err := sampler.Load(samplerPath)
		if err == nil {
			return s, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	klog.V(1).Infof("building sampler for %s (%d papers, %d edges)",
		ds.Name, ds.NumPapers, ds.Edges.Shape().Dimensions[0])
	s := sampler.New()
	s.AddNodeType("papers", ds.NumPapers)
	s.AddEdgeType("cites", "papers", "papers", ds.Edges, false)
	s.AddEdgeType("citedBy", "papers", "papers", ds.Edges, true)
	if baseDir != "" {
		if err := s.Save(samplerPath); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewStrategy builds a sampling strategy seeded on the given paper set: the
// seeds, then for every hop in fanouts one level of cited papers ("cites") and
// one of citing papers ("citedBy").
//
// Degrees are kept, so sum-pooling can rescale for the sub-sampled edges.
func (ds *Dataset) NewStrategy(s *sampler.Sampler, batchSize int, seedIDs []int32, fanouts []int) *sampler.Strategy {
	strategy := s.NewStrategy().WithKeepDegrees(true)
	seeds := strategy.NodesFromSet("seeds", "papers", batchSize, seedIDs)
	citedFrontier, citingFrontier := seeds, seeds
	for hop, fanout := range fanouts {
		citedFrontier = citedFrontier.FromEdges(ruleName("cited", hop), "cites", fanout)
		citingFrontier = citingFrontier.FromEdges(ruleName("citing", hop), "citedBy", fanout)
	}
	return strategy
}

func ruleName(prefix string, hop int) string {
	if hop == 0 {
		return prefix
	}
	return prefix + strconv.Itoa(hop)
}

// UploadVariables stores the dataset's static tensors (features and labels) as
// frozen variables under [VariablesScope], so model graphs can gather from
// them. Returns ctx to allow cascading calls.
func (ds *Dataset) UploadVariables(ctx *context.Context) *context.Context {
	ctxDataset := ctx.InAbsPath(VariablesScope)
	for name, value := range map[string]*tensors.Tensor{
		"features": ds.Features,
		"labels":   ds.Labels,
	} {
		v := ctxDataset.VariableWithValue(name, value)
		v.Trainable = false
	}
	return ctx
}

func datasetVariable(ctx *context.Context, g *Graph, name string) *Node {
	v := ctx.InspectVariable(VariablesScope, name)
	if v == nil {
		Panicf("missing citation dataset variable %q: call Dataset.UploadVariables(ctx) before building the model", name)
	}
	return v.ValueGraph(g)
}

// FeaturePreprocessing converts the sampled node indices in inputs to the
// initial graph states: every node set gathers its rows of the frozen feature
// table, with masked (padding) rows zeroed.
//
// It is the standard modelFn preamble for this dataset:
//
//	strategy := spec.(*sampler.Strategy)
//	graphStates := citationDS.FeaturePreprocessing(ctx, strategy, inputs)
//	gnn.NodePrediction(ctx, strategy, graphStates)
func (ds *Dataset) FeaturePreprocessing(ctx *context.Context, strategy *sampler.Strategy, inputs []*Node) map[string]*sampler.ValueMask[*Node] {
	g := inputs[0].Graph()
	graphInputs := sampler.MapInputs(strategy, inputs)
	features := datasetVariable(ctx, g, "features")
	for name, rule := range strategy.Rules {
		if rule.NodeTypeName != "papers" {
			continue
		}
		state := graphInputs[name]
		gathered := Gather(features, InsertAxes(state.Value, -1))
		gathered = Where(BroadcastToDims(InsertAxes(state.Mask, -1), gathered.Shape().Dimensions...),
			gathered, ZerosLike(gathered))
		state.Value = gathered
	}
	return graphInputs
}

// LabelsFromInputs gathers the labels of the sampled seed nodes, shaped
// (Int32)[batchSize, 1], with padded seeds labeled 0. Use together with the
// seeds mask to weight the loss.
func (ds *Dataset) LabelsFromInputs(ctx *context.Context, strategy *sampler.Strategy, inputs []*Node) (labels, mask *Node) {
	g := inputs[0].Graph()
	graphInputs := sampler.MapInputs(strategy, inputs)
	seeds := graphInputs[strategy.Seeds[0].Name]
	labelsTable := datasetVariable(ctx, g, "labels")
	labels = Gather(labelsTable, InsertAxes(seeds.Value, -1))
	labels = Where(BroadcastToDims(InsertAxes(seeds.Mask, -1), labels.Shape().Dimensions...),
		labels, ZerosLike(labels))
	return labels, seeds.Mask
}

// NumTrainSteps returns the number of steps needed to go through the training
// split numEpochs times at the given batch size.
func (ds *Dataset) NumTrainSteps(batchSize, numEpochs int) int {
	stepsPerEpoch := (len(ds.TrainIDs) + batchSize - 1) / batchSize
	return stepsPerEpoch * numEpochs
}
