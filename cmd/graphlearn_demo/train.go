// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/graphlearn/datasets/citation"
	"github.com/gomlx/graphlearn/gnn"
	"github.com/gomlx/graphlearn/sampler"
	"github.com/janpfeifer/must"
)

// ParamsExcludedFromLoading are the parameters that shouldn't be overwritten
// when loading a checkpoint, so they can be changed in later sessions.
var ParamsExcludedFromLoading = []string{
	"train_steps", "num_checkpoints",
}

// citationData is the dataset being trained on, set by TrainModel before the
// model graph is first built.
var citationData *citation.Dataset

// CreateDefaultContext sets the context with default hyperparameters to use
// with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":     2000,
		"num_checkpoints": 3,
		"batch_size":      128,

		// Synthetic citation graph parameters, ignored if loading from CSV
		// (see -papers and -edges flags).
		"citation_num_papers":   10_000,
		"citation_num_classes":  8,
		"citation_num_features": 64,
		"citation_avg_degree":   8,

		// Sampling: number of neighbors sampled per hop, for 2 hops.
		"citation_fanout1": 8,
		"citation_fanout2": 4,

		// GNN hyperparameters.
		gnn.ParamNumGraphUpdates:       2,
		gnn.ParamMessageDim:            32,
		gnn.ParamStateDim:              64,
		gnn.ParamPoolingType:           "mean|logsum",
		gnn.ParamUpdateStateType:       "residual",
		gnn.ParamUpdateNumHiddenLayers: 0,
		gnn.ParamGraphUpdateType:       "tree",
		gnn.ParamEdgeDropoutRate:       0.0,
		gnn.ParamReadoutHiddenLayers:   0,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		activations.ParamActivation:  "swish",
		layers.ParamNormalization:    "layer",
		layers.ParamDropoutRate:      0.1,
		regularizers.ParamL2:         0.0,
	})
	return ctx
}

// modelGraph builds the node classification model: feature preprocessing, the
// GNN over the sampled subgraphs and a final dense layer to the class logits.
//
// It returns the logits shaped `[batchSize, numClasses]` and the seeds mask.
func modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	// Scopes are deliberately shared between graph update rounds.
	ctxModel := ctx.In("model").Checked(false)
	strategy := spec.(*sampler.Strategy)
	graphStates := citationData.FeaturePreprocessing(ctxModel, strategy, inputs)
	gnn.NodePrediction(ctxModel, strategy, graphStates)
	readout := graphStates[strategy.Seeds[0].Name]
	logits := fnn.New(ctxModel.In("logits"), readout.Value, citationData.NumClasses).Done()
	return []*Node{logits, readout.Mask}
}

func loadDataset(ctx *context.Context, papersCSV, edgesCSV string) *citation.Dataset {
	if papersCSV != "" || edgesCSV != "" {
		if papersCSV == "" || edgesCSV == "" {
			Panicf("flags -papers and -edges must be given together, got -papers=%q, -edges=%q", papersCSV, edgesCSV)
		}
		return must.M1(citation.FromCSV("csv-citation", papersCSV, edgesCSV))
	}
	return citation.Synthetic(
		context.GetParamOr(ctx, "citation_num_papers", 10_000),
		context.GetParamOr(ctx, "citation_num_classes", 8),
		context.GetParamOr(ctx, "citation_num_features", 64),
		context.GetParamOr(ctx, "citation_avg_degree", 8),
		42)
}

// TrainModel trains the GNN citation model with the hyperparameters in ctx.
func TrainModel(ctx *context.Context, dataDir, checkpointPath, papersCSV, edgesCSV string,
	paramsSet []string, evaluateOnEnd bool, verbosity int) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	citationData = loadDataset(ctx, papersCSV, edgesCSV)
	if verbosity >= 1 {
		printDatasetSummary(citationData)
	}

	backend := backends.MustNew()
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		Panicf("batch_size must be > 0, got %d", batchSize)
	}
	fanouts := []int{
		context.GetParamOr(ctx, "citation_fanout1", 8),
		context.GetParamOr(ctx, "citation_fanout2", 4),
	}

	s := must.M1(citationData.NewSampler(dataDir))
	trainStrategy := citationData.NewStrategy(s, batchSize, citationData.TrainIDs, fanouts)
	validStrategy := citationData.NewStrategy(s, batchSize, citationData.ValidationIDs, fanouts)
	testStrategy := citationData.NewStrategy(s, batchSize, citationData.TestIDs, fanouts)

	perDatasetFn := func(ds train.Dataset) train.Dataset {
		ds = citationData.WithLabels(ds)
		ds = datasets.Parallel(ds)
		ds = datasets.Freeing(ds)
		return ds
	}
	trainDS := perDatasetFn(trainStrategy.NewDataset("train").Infinite().Shuffle())
	trainEvalDS := perDatasetFn(trainStrategy.NewDataset("train").Epochs(1))
	validEvalDS := perDatasetFn(validStrategy.NewDataset("valid").Epochs(1))
	testEvalDS := perDatasetFn(testStrategy.NewDataset("test").Epochs(1))

	citationData.UploadVariables(ctx)

	// Checkpoints: the frozen dataset tables are excluded from saving, they are
	// recreated from the dataset at load time and dominate the size otherwise.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromLoading...)...).
			Done())
		var varsToExclude []*context.Variable
		ctx.InAbsPath(citation.VariablesScope).EnumerateVariablesInScope(func(v *context.Variable) {
			varsToExclude = append(varsToExclude, v)
		})
		checkpoint.ExcludeVarsFromSaving(varsToExclude...)
		fmt.Printf("Checkpoint: %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	trainer := train.NewTrainer(backend, ctx, modelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	if checkpoint != nil {
		period := 3 * time.Minute
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		fmt.Printf("> restarting training from global_step=%d\n", globalStep)
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		reportFinalEval(trainer, trainEvalDS, validEvalDS, testEvalDS)
	}
}
