// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// graphlearn_demo trains a GNN node classifier on a citation network, using
// subgraph sampling for training and evaluation.
//
// By default it trains on a synthetic citation graph (see the citation_*
// hyperparameters); pass -papers and -edges to train on CSV files instead.
//
// Hyperparameters can be set with -set, e.g.:
//
//	graphlearn_demo -set="train_steps=5000;gnn_pooling_type=mean|max;learning_rate=3e-4"
package main

import (
	"flag"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/graphlearn/datasets/citation"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/tmp/graphlearn", "Directory to cache the sampler and checkpoints.")
	flagPapersCSV  = flag.String("papers", "", "CSV file with the papers (columns \"paper\", \"label\" and the features). If empty, a synthetic graph is used.")
	flagEdgesCSV   = flag.String("edges", "", "CSV file with the citations (columns \"source\" and \"target\"). If empty, a synthetic graph is used.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the train/validation/test splits in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

var summaryStyle = lipgloss.NewStyle().
	Border(lipgloss.NormalBorder()).
	Padding(0, 2, 0, 2)

func printDatasetSummary(ds *citation.Dataset) {
	numEdges := ds.Edges.Shape().Dimensions[0]
	fmt.Println(summaryStyle.Render(fmt.Sprintf(
		"Dataset %q\npapers:\t%s\ncitations:\t%s\nclasses:\t%d\nfeatures:\t%d\nsplits:\t%s train / %s validation / %s test",
		ds.Name,
		humanize.Comma(int64(ds.NumPapers)), humanize.Comma(int64(numEdges)),
		ds.NumClasses, ds.NumFeatures,
		humanize.Comma(int64(len(ds.TrainIDs))),
		humanize.Comma(int64(len(ds.ValidationIDs))),
		humanize.Comma(int64(len(ds.TestIDs))))))
}

var evalCellStyle = lipgloss.NewStyle().Padding(0, 1)

// reportFinalEval evaluates the trained model on each dataset and renders the
// results as a benchmark table: one row per dataset, one column per metric.
func reportFinalEval(trainer *train.Trainer, evalDatasets ...train.Dataset) {
	evalMetrics := trainer.EvalMetrics()
	headers := make([]string, 0, len(evalMetrics)+1)
	headers = append(headers, "Dataset")
	for _, metric := range evalMetrics {
		headers = append(headers, metric.Name())
	}
	rows := make([][]string, 0, len(evalDatasets))
	for _, ds := range evalDatasets {
		metricsValues := must.M1(trainer.Eval(ds))
		row := make([]string, 0, len(headers))
		row = append(row, ds.Name())
		for metricIdx, metric := range evalMetrics {
			row = append(row, metric.PrettyPrint(metricsValues[metricIdx]))
		}
		rows = append(rows, row)
		ds.Reset()
	}
	fmt.Println(renderEvalTable(headers, rows))
}

func renderEvalTable(headers []string, rows [][]string) string {
	resultsTable := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(_, _ int) lipgloss.Style { return evalCellStyle }).
		Headers(headers...)
	for _, row := range rows {
		resultsTable.Row(row...)
	}
	return resultsTable.Render()
}

func main() {
	ctx := CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	err := exceptions.TryCatch[error](func() {
		TrainModel(ctx, *flagDataDir, *flagCheckpoint, *flagPapersCSV, *flagEdgesCSV,
			paramsSet, *flagEval, *flagVerbosity)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
