// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package citation

import (
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// FromCSV loads a citation dataset from two CSV files:
//
//   - papersPath: one row per paper, columns "paper" (the id, rows must be
//     sorted 0, 1, 2, ...), "label" (the class, in [0, numClasses)) and one
//     column per feature (any remaining columns, parsed as floats).
//   - edgesPath: one row per citation, columns "source" (citing paper id) and
//     "target" (cited paper id).
//
// Both files must have a header row.
func FromCSV(name, papersPath, edgesPath string) (*Dataset, error) {
	papersDF, err := readCSVFile(papersPath)
	if err != nil {
		return nil, err
	}
	edgesDF, err := readCSVFile(edgesPath)
	if err != nil {
		return nil, err
	}

	numPapers := papersDF.Nrow()
	if numPapers == 0 {
		return nil, errors.Errorf("papers file %q has no rows", papersPath)
	}
	featureNames := make([]string, 0, papersDF.Ncol()-2)
	for _, colName := range papersDF.Names() {
		if colName == "paper" || colName == "label" {
			continue
		}
		featureNames = append(featureNames, colName)
	}
	if len(featureNames) == 0 {
		return nil, errors.Errorf("papers file %q has no feature columns (columns other than \"paper\" and \"label\")", papersPath)
	}

	ids, err := intColumn(papersDF, "paper", papersPath)
	if err != nil {
		return nil, err
	}
	for row, id := range ids {
		if id != int32(row) {
			return nil, errors.Errorf("papers file %q: row %d has paper id %d, rows must be sorted by id with no gaps",
				papersPath, row, id)
		}
	}
	labels, err := intColumn(papersDF, "label", papersPath)
	if err != nil {
		return nil, err
	}
	numClasses := 0
	for row, label := range labels {
		if label < 0 {
			return nil, errors.Errorf("papers file %q: row %d has negative label %d", papersPath, row, label)
		}
		numClasses = max(numClasses, int(label)+1)
	}

	numFeatures := len(featureNames)
	features := make([]float32, numPapers*numFeatures)
	for col, featureName := range featureNames {
		values := papersDF.Col(featureName).Float()
		for row, value := range values {
			features[row*numFeatures+col] = float32(value)
		}
	}

	sources, err := intColumn(edgesDF, "source", edgesPath)
	if err != nil {
		return nil, err
	}
	targets, err := intColumn(edgesDF, "target", edgesPath)
	if err != nil {
		return nil, err
	}
	edges := make([]int32, 0, 2*len(sources))
	for row := range sources {
		if sources[row] < 0 || sources[row] >= int32(numPapers) || targets[row] < 0 || targets[row] >= int32(numPapers) {
			return nil, errors.Errorf("edges file %q: row %d edge (%d, %d) out of range, only %d papers",
				edgesPath, row, sources[row], targets[row], numPapers)
		}
		edges = append(edges, sources[row], targets[row])
	}

	// Deterministic 60/20/20 split: same files, same split.
	rng := rand.New(rand.NewPCG(uint64(numPapers), uint64(len(edges))))
	perm := make([]int32, numPapers)
	for ii := range perm {
		perm[ii] = int32(ii)
	}
	rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	trainEnd := numPapers * 6 / 10
	validationEnd := numPapers * 8 / 10

	return &Dataset{
		Name:          name,
		NumPapers:     numPapers,
		NumClasses:    numClasses,
		NumFeatures:   numFeatures,
		Features:      tensors.FromFlatDataAndDimensions(features, numPapers, numFeatures),
		Labels:        tensors.FromFlatDataAndDimensions(labels, numPapers, 1),
		Edges:         tensors.FromFlatDataAndDimensions(edges, len(edges)/2, 2),
		TrainIDs:      perm[:trainEnd],
		ValidationIDs: perm[trainEnd:validationEnd],
		TestIDs:       perm[validationEnd:],
	}, nil
}

func readCSVFile(filePath string) (dataframe.DataFrame, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "reading %q", filePath)
	}
	df := dataframe.ReadCSV(strings.NewReader(string(contents)), dataframe.HasHeader(true))
	if df.Error() != nil {
		return dataframe.DataFrame{}, errors.Wrapf(df.Error(), "parsing CSV from %q", filePath)
	}
	return df, nil
}

func intColumn(df dataframe.DataFrame, colName, filePath string) ([]int32, error) {
	col := df.Col(colName)
	if col.Type() != series.Int && col.Type() != series.Float {
		return nil, errors.Errorf("file %q: column %q must be numeric, got type %s", filePath, colName, col.Type())
	}
	values, err := col.Int()
	if err != nil {
		return nil, errors.Wrapf(err, "file %q: parsing column %q as integers", filePath, colName)
	}
	result := make([]int32, len(values))
	for ii, value := range values {
		result[ii] = int32(value)
	}
	return result, nil
}

// DownloadIfMissing downloads the file at the given url to filePath, with a
// progress bar, if filePath doesn't exist yet. It creates the target directory
// as needed.
func DownloadIfMissing(url, filePath string) error {
	if _, err := os.Stat(filePath); err == nil {
		return nil
	}
	if err := os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	klog.V(1).Infof("downloading %s to %s", url, filePath)
	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("downloading %q: %s", url, resp.Status)
	}

	// Download to a temporary file first, so a partial download is never
	// mistaken for the real file.
	f, err := os.Create(filePath + ".tmp")
	if err != nil {
		return errors.Wrapf(err, "creating %q", filePath+".tmp")
	}
	bar := progressbar.NewOptions64(resp.ContentLength,
		progressbar.OptionSetDescription(fmt.Sprintf("%s (%s)",
			path.Base(filePath), humanize.Bytes(uint64(max(resp.ContentLength, 0))))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	_, err = io.Copy(io.MultiWriter(f, bar), resp.Body)
	_ = bar.Close()
	fmt.Println()
	if err != nil {
		_ = f.Close()
		_ = os.Remove(filePath + ".tmp")
		return errors.Wrapf(err, "downloading %q", url)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", filePath+".tmp")
	}
	return errors.Wrapf(os.Rename(filePath+".tmp", filePath), "renaming %q", filePath+".tmp")
}
