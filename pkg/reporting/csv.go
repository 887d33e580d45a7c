package reporting

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ducminhle1904/strategy-engine/internal/strategy"
)

// DefaultCSVReporter implements CSV output functionality
type DefaultCSVReporter struct{}

// NewDefaultCSVReporter creates a new CSV reporter
func NewDefaultCSVReporter() *DefaultCSVReporter {
	return &DefaultCSVReporter{}
}

// WriteIntentsCSV writes one line per order intent
func (r *DefaultCSVReporter) WriteIntentsCSV(path string, snaps []strategy.Snapshot) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)

	if err := w.Write([]string{
		"Strategy",
		"Kind",
		"State",
		"Key",
		"Step",
		"Purpose",
		"Symbol",
		"Side",
		"Order_Kind",
		"Size",
		"Price",
		"Status",
		"Venue_Order",
		"Filled",
		"Avg_Fill",
		"Attempts",
		"Last_Error",
		"Updated",
	}); err != nil {
		return err
	}

	for _, s := range snaps {
		if s.Instance == nil {
			continue
		}
		for _, in := range s.Intents {
			rec := []string{
				in.StrategyID,
				string(s.Instance.Kind),
				string(s.Instance.State),
				in.Key,
				strconv.Itoa(in.Step),
				string(in.Purpose),
				in.Symbol,
				string(in.Side),
				string(in.Kind),
				ff(in.Size),
				ff(in.Price),
				string(in.Status),
				in.VenueOrderID,
				ff(in.FilledSize),
				ff(in.AvgFillPrice),
				strconv.Itoa(in.Attempts),
				in.LastError,
				in.UpdatedAt.UTC().Format(time.RFC3339),
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
	}

	w.Flush()
	return w.Error()
}

func ff(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
