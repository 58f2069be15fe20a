// Package metadata persists the per-installation state written on initialize.
package metadata

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/apivpn/apivpn-core/internal/fileutil"
)

// Metadata is stored as JSON in <data_dir>/metadata.json.
type Metadata struct {
	// DeviceID identifies this installation to the control plane. It is
	// generated once and reused across initializations.
	DeviceID      string    `json:"device_id"`
	APIServer     string    `json:"api_server"`
	InitializedAt time.Time `json:"initialized_at"`
}

// Load reads the metadata file. A missing file returns os.ErrNotExist.
func Load(path string) (*Metadata, error) {
	var m Metadata
	if err := fileutil.ReadJSON(path, &m); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(m.DeviceID); err != nil {
		return nil, fmt.Errorf("invalid device id in metadata: %w", err)
	}
	return &m, nil
}

// Save writes the metadata file atomically.
func Save(path string, m *Metadata) error {
	return fileutil.WriteJSON(path, m, 0600)
}

// Refresh loads the existing metadata, stamps it for apiServer and saves it.
// Missing or corrupt metadata is replaced with a new device id.
func Refresh(path, apiServer string, now time.Time) (*Metadata, error) {
	m, err := Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Replacing unreadable metadata", "path", path, "error", err)
		}
		m = &Metadata{DeviceID: uuid.NewString()}
	}

	m.APIServer = apiServer
	m.InitializedAt = now.UTC()

	if err := Save(path, m); err != nil {
		return nil, fmt.Errorf("save metadata: %w", err)
	}
	return m, nil
}
