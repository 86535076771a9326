package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec-alpha-go/risk"
)

func TestPrintHeatmapSkipsEmptyCells(t *testing.T) {
	hm := risk.Heatmap{
		Instrument:  "BTCUSDT",
		Granularity: 15 * time.Minute,
		Slots: [][]risk.HeatmapCell{
			{{Period: "00:00"}, {Period: "00:15", Count: 4, AvgSlippage: 0.0012, MaxSlippage: 0.003, Level: risk.LevelMedium}},
		},
		HighRiskPeriods: []string{"08:00"},
	}
	var buf bytes.Buffer
	require.NoError(t, printHeatmap(&buf, hm))
	out := buf.String()
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "00:15")
	assert.NotContains(t, out, "00:00 ")
	assert.Contains(t, out, "12.00")
	assert.Contains(t, out, "high risk: 08:00")
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["execute"])
	assert.True(t, names["heatmap"])
}
