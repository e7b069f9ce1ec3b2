// Package state holds the live snapshot of every driver and tag. Exactly
// one runner mutates a given driver record; any number of readers snapshot
// it. Mutations are coarse: a runner replaces the whole tag map or the
// status fields in one critical section, so a reader never observes tags
// from two different scans of the same driver.
package state

import (
	"sync"
	"time"

	"github.com/inlogic/gateway/gateway/structs"
)

// Store is the process-wide device-id → driver record map.
type Store struct {
	mu      sync.RWMutex
	drivers map[string]*structs.DriverRecord
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{drivers: make(map[string]*structs.DriverRecord)}
}

// Reset replaces the whole store with starting records for the given
// devices. Called at supervisor start and on restart.
func (s *Store) Reset(devices []*structs.DeviceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drivers = make(map[string]*structs.DriverRecord, len(devices))
	for _, dev := range devices {
		s.drivers[dev.ID] = &structs.DriverRecord{
			Status:    structs.StateStarting,
			Detail:    "worker starting",
			Timestamp: time.Now(),
			Config:    dev,
			Phase:     dev.Options.Phase,
			Tags:      make(map[string]*structs.TagSample),
		}
	}
}

// Get returns a deep copy of one driver record, or nil when unknown.
func (s *Store) Get(deviceID string) *structs.DriverRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.drivers[deviceID].Copy()
}

// List returns deep copies of every driver record.
func (s *Store) List() map[string]*structs.DriverRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*structs.DriverRecord, len(s.drivers))
	for id, rec := range s.drivers {
		out[id] = rec.Copy()
	}
	return out
}

// IDs returns the configured device ids.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.drivers))
	for id := range s.drivers {
		out = append(out, id)
	}
	return out
}

// SetStatus updates the connection state and detail of one driver.
func (s *Store) SetStatus(deviceID string, status structs.ConnState, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.drivers[deviceID]
	if !ok {
		return
	}
	rec.Status = status
	rec.Detail = detail
	rec.Timestamp = time.Now()
}

// ReplaceTags atomically swaps the driver's tag map with the samples of one
// complete scan. The record carries the scan's stamp so every tag and the
// record itself share one timestamp; a zero stamp falls back to now.
func (s *Store) ReplaceTags(deviceID string, tags map[string]*structs.TagSample, scanLatency time.Duration, stamp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.drivers[deviceID]
	if !ok {
		return
	}
	if stamp.IsZero() {
		stamp = time.Now()
	}
	rec.Tags = tags
	rec.ScanLatencyMS = scanLatency.Milliseconds()
	rec.Timestamp = stamp
}

// MergeTags overlays individual samples without dropping the rest of the
// map. Push-style drivers (MQTT) use this for per-message updates.
func (s *Store) MergeTags(deviceID string, tags map[string]*structs.TagSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.drivers[deviceID]
	if !ok {
		return
	}
	next := make(map[string]*structs.TagSample, len(rec.Tags)+len(tags))
	for id, sample := range rec.Tags {
		next[id] = sample
	}
	for id, sample := range tags {
		next[id] = sample
	}
	rec.Tags = next
	rec.Timestamp = time.Now()
}

// Counts returns totals for the health endpoint: drivers, connected
// drivers, tags, and good-quality tags.
func (s *Store) Counts() (drivers, connected, tags, good int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.drivers {
		drivers++
		if rec.Status == structs.StateConnected {
			connected++
		}
		for _, sample := range rec.Tags {
			tags++
			if sample.Quality == structs.QualityGood {
				good++
			}
		}
	}
	return drivers, connected, tags, good
}
