package reporting

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// DefaultExportPath returns results/strategies_<timestamp>.<format>
func DefaultExportPath(format string, now time.Time) string {
	format = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
	if format == "" {
		format = "xlsx"
	}
	return filepath.Join("results", fmt.Sprintf("strategies_%s.%s", now.UTC().Format("20060102T150405"), format))
}
