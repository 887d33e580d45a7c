package reporting

import (
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/ducminhle1904/strategy-engine/internal/strategy"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FormatSnapshots formats snapshots as indented JSON
func FormatSnapshots(snaps []strategy.Snapshot) ([]byte, error) {
	if snaps == nil {
		snaps = []strategy.Snapshot{}
	}
	return json.MarshalIndent(snaps, "", "  ")
}

// WriteSnapshotsJSON writes snapshots to a JSON file
func WriteSnapshotsJSON(path string, snaps []strategy.Snapshot) error {
	data, err := FormatSnapshots(snaps)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}
