// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilegemm/pkg/gemm/kernel"
	"github.com/gomlx/tilegemm/pkg/gemm/tiling"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// newPlainTable creates a table with alternating row styles. Rows listed in reds are highlighted.
func newPlainTable(reds map[int]bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

// planTable renders the tiling decisions of the plan.
func planTable(plan *tiling.BlockPlan) string {
	table := newPlainTable(nil, lipgloss.Right, lipgloss.Left)
	table.Row("problem", plan.Problem.String())
	table.Row("tile (M×N×K)", fmt.Sprintf("%d×%d×%d", plan.BaseM, plan.BaseN, plan.BaseK))
	table.Row("alignments", fmt.Sprintf("M:%d N:%d K:%d", plan.AlignM, plan.AlignN, plan.AlignK))
	table.Row("batch", fmt.Sprintf("%v (%d)", plan.OutBatchDims, plan.BatchCount))
	table.Row("tiles", fmt.Sprintf("%d×%d = %s per batch, %s total",
		plan.TilesM, plan.TilesN, humanize.Comma(int64(plan.TilesM*plan.TilesN)), humanize.Comma(int64(plan.TotalTiles))))
	table.Row("subtiles", strconv.Itoa(plan.NumSubtiles))
	tail := "none"
	if plan.TailSplitM*plan.TailSplitN > 1 {
		tail = fmt.Sprintf("%d tiles split %d×%d into %d×%d fragments",
			plan.TailTiles, plan.TailSplitM, plan.TailSplitN, plan.TailFragM, plan.TailFragN)
	}
	table.Row("tail re-split", tail)
	table.Row("cores / rounds", fmt.Sprintf("%d / %d", plan.Cores, plan.Rounds))
	table.Row("buffer depth", fmt.Sprintf("A:%d B:%d accumulators:%d", plan.DepthA, plan.DepthB, plan.AccumulatorDepth))
	table.Row("staging", fmt.Sprintf("%s of %s", humanize.IBytes(uint64(plan.StagingFootprint)),
		humanize.IBytes(uint64(plan.Budget.StagingBytes))))
	table.Row("accumulators", fmt.Sprintf("%s of %s", humanize.IBytes(uint64(plan.AccumulatorFootprint)),
		humanize.IBytes(uint64(plan.Budget.AccumulatorBytes))))
	return table.Render()
}

// statsTable renders the statistics per core, plus a total row. Cores that computed nothing are
// highlighted.
func statsTable(stats []kernel.Stats) string {
	reds := make(map[int]bool)
	for ii, s := range stats {
		if s.Items == 0 {
			reds[ii] = true
		}
	}
	table := newPlainTable(reds, lipgloss.Right)
	table.Headers("Core", "Items", "Skipped", "Subtiles", "A fetch/reuse", "B fetch/reuse", "Fetched", "Barriers")
	total := kernel.Stats{Core: -1}
	row := func(name string, s kernel.Stats) {
		table.Row(name,
			humanize.Comma(int64(s.Items)), humanize.Comma(int64(s.Skipped)), humanize.Comma(int64(s.Subtiles)),
			fmt.Sprintf("%d/%d", s.Fetches[tiling.OperandA], s.Reuses[tiling.OperandA]),
			fmt.Sprintf("%d/%d", s.Fetches[tiling.OperandB], s.Reuses[tiling.OperandB]),
			humanize.IBytes(uint64(s.BytesFetched)), humanize.Comma(int64(s.Barriers)))
	}
	for _, s := range stats {
		row(strconv.Itoa(s.Core), s)
		total.Add(s)
	}
	row("total", total)
	return table.Render()
}
