// Copyright 2025-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderEvalTable(t *testing.T) {
	rendered := renderEvalTable(
		[]string{"Dataset", "Mean Accuracy"},
		[][]string{
			{"train", "92.3%"},
			{"valid", "88.1%"},
			{"test", "87.5%"},
		})
	for _, want := range []string{"Dataset", "Mean Accuracy", "train", "valid", "test", "92.3%", "88.1%", "87.5%"} {
		require.Containsf(t, rendered, want, "rendered table:\n%s", rendered)
	}
	// Header + 3 dataset rows, plus the border lines.
	require.GreaterOrEqual(t, strings.Count(rendered, "\n"), 5)
}
