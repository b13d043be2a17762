// Package registry loads the authorized-device list from a JSON file.
// Devices are provisioned out-of-band; this subsystem never creates them.
package registry

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"publisher-sync/internal/models"
)

type deviceFile struct {
	Devices []models.Device `json:"devices"`
}

// Registry caches the device file in memory and reloads it when the file's
// modification time changes. Any load failure yields an empty list, so a
// corrupt registry fails closed instead of crashing the service.
type Registry struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	loaded  bool
	modTime time.Time
	devices []models.Device
}

func New(path string, log *slog.Logger) *Registry {
	return &Registry{path: path, log: log}
}

// Devices returns the current device list, refreshing from disk when stale.
func (r *Registry) Devices() []models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(r.path)
	if err != nil {
		r.log.Warn("device registry unreadable", "path", r.path, "error", err)
		r.loaded = false
		r.devices = nil
		return nil
	}
	if r.loaded && info.ModTime().Equal(r.modTime) {
		return r.devices
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		r.log.Warn("device registry read failed", "path", r.path, "error", err)
		r.loaded = false
		r.devices = nil
		return nil
	}
	var f deviceFile
	if err := json.Unmarshal(raw, &f); err != nil {
		r.log.Warn("device registry parse failed", "path", r.path, "error", err)
		r.loaded = false
		r.devices = nil
		return nil
	}

	r.loaded = true
	r.modTime = info.ModTime()
	r.devices = f.Devices
	return r.devices
}

// Find returns the device with the given id, or nil.
func (r *Registry) Find(id string) *models.Device {
	if id == "" {
		return nil
	}
	for _, d := range r.Devices() {
		if d.ID == id {
			dev := d
			return &dev
		}
	}
	return nil
}
