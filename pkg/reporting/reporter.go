package reporting

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ducminhle1904/strategy-engine/internal/strategy"
)

// DefaultReporter implements console and file reporting
type DefaultReporter struct {
	*DefaultConsoleReporter
	csv   *DefaultCSVReporter
	excel *DefaultExcelReporter
}

// NewDefaultReporter creates a new default reporter with all functionality
func NewDefaultReporter() *DefaultReporter {
	return &DefaultReporter{
		DefaultConsoleReporter: NewDefaultConsoleReporter(),
		csv:                    NewDefaultCSVReporter(),
		excel:                  NewDefaultExcelReporter(),
	}
}

// Export writes snapshots in the format named by the path's extension
func (r *DefaultReporter) Export(path string, snaps []strategy.Snapshot) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx":
		return r.excel.ExportWorkbook(path, snaps)
	case ".csv":
		return r.csv.WriteIntentsCSV(path, snaps)
	case ".json":
		return WriteSnapshotsJSON(path, snaps)
	default:
		return fmt.Errorf("unsupported export format %q, use .xlsx, .csv or .json", ext)
	}
}

var (
	_ ConsoleReporter = (*DefaultReporter)(nil)
	_ FileReporter    = (*DefaultReporter)(nil)
)
