// Package reporting renders strategy snapshots for operators: console
// tables and file exports (xlsx, csv, json).
package reporting

import (
	"io"

	"github.com/ducminhle1904/strategy-engine/internal/risk"
	"github.com/ducminhle1904/strategy-engine/internal/strategy"
)

// ConsoleReporter defines interface for console output
type ConsoleReporter interface {
	WriteStrategyTable(w io.Writer, snaps []strategy.Snapshot)
	WriteIntentTable(w io.Writer, snaps []strategy.Snapshot)
	WriteRiskTable(w io.Writer, snap risk.Snapshot)
}

// FileReporter defines interface for file output
type FileReporter interface {
	Export(path string, snaps []strategy.Snapshot) error
}

// ExcelStyles holds Excel formatting styles
type ExcelStyles struct {
	HeaderStyle  int
	BaseStyle    int
	NumberStyle  int
	PriceStyle   int
	TimeStyle    int
	ActiveStyle  int
	DoneStyle    int
	FaultStyle   int
	SummaryStyle int
}
