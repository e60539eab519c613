// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package citation

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// labeledDataset attaches the seed papers' labels to a sampled dataset's yields.
type labeledDataset struct {
	sampled train.Dataset
	labels  []int32
}

// WithLabels wraps a sampled dataset (see [Dataset.NewStrategy] and
// [sampler.Strategy.NewDataset]) so each yield also carries the labels of the
// seed papers: labels[0] is shaped (Int32)[batchSize, 1] and labels[1] is the
// seeds mask, to be used as the loss mask.
//
// The label lookup happens on the host, from the dataset's own label table, so
// the wrapped dataset works with any trainer loss out of the box.
func (ds *Dataset) WithLabels(sampled train.Dataset) train.Dataset {
	return &labeledDataset{
		sampled: sampled,
		labels:  flatLabels(ds.Labels),
	}
}

func flatLabels(labels *tensors.Tensor) []int32 {
	result := make([]int32, 0, labels.Shape().Size())
	tensors.MustConstFlatData[int32](labels, func(flat []int32) {
		result = append(result, flat...)
	})
	return result
}

func (lds *labeledDataset) Name() string { return lds.sampled.Name() }

func (lds *labeledDataset) Reset() { lds.sampled.Reset() }

func (lds *labeledDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, _, err = lds.sampled.Yield()
	if err != nil {
		return
	}
	// The seed indices and their mask are always the first two inputs.
	seeds, mask := inputs[0], inputs[1]
	seedsLabels := tensors.FromShape(shapes.Make(dtypes.Int32, seeds.Shape().Size(), 1))
	tensors.MustConstFlatData[int32](seeds, func(seedIndices []int32) {
		tensors.MustMutableFlatData[int32](seedsLabels, func(labelsData []int32) {
			for ii, paper := range seedIndices {
				labelsData[ii] = lds.labels[paper]
			}
		})
	})
	labels = []*tensors.Tensor{seedsLabels, mask}
	return
}
