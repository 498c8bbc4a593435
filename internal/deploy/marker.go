package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// markerName is the restart-marker file written to the data dir after a
// deploy pulls new code, so the post-restart supervisor knows to announce
// that the restart completed.
const markerName = "restart-marker.json"

// Marker is the restart-marker payload.
type Marker struct {
	WrittenAt time.Time `json:"written_at"`
	Reason    string    `json:"reason"`
}

// WriteMarker records a pending restart announcement. The write is
// atomic: a crash mid-write must not leave a half-readable marker.
func WriteMarker(dataDir, reason string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(Marker{WrittenAt: time.Now().UTC(), Reason: reason})
	if err != nil {
		return err
	}

	path := filepath.Join(dataDir, markerName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing restart marker: %w", err)
	}
	return nil
}

// ConsumeMarker reads and deletes the marker in one step so each written
// marker produces at most one announcement. It returns (nil, nil) when no
// marker exists; an unreadable marker is deleted and reported as absent so
// a corrupt file cannot wedge the announce path.
func ConsumeMarker(dataDir string) (*Marker, error) {
	path := filepath.Join(dataDir, markerName)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("removing restart marker: %w", err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil
	}
	return &m, nil
}
