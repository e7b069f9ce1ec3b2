// Package config loads and validates the gateway configuration document.
// The document arrives already decrypted; this package only parses the JSON,
// fills defaults, and builds the device/tag indexes the supervisor needs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/inlogic/gateway/gateway/structs"
)

const (
	DefaultScanIntervalMS = 1000
	DefaultTimeoutMS      = 5000
	DefaultRetryCount     = 3
)

// Project groups devices and tags the way the studio exports them.
type Project struct {
	Name    string                  `json:"nome"`
	Drivers []*structs.DeviceConfig `json:"drivers"`
	Tags    []*structs.TagConfig    `json:"tags"`
}

// Document is the top-level configuration document.
type Document struct {
	Projects []*Project `json:"projetos"`

	// FanoutIntervalS overrides the ingestion fan-out period (seconds).
	FanoutIntervalS float64 `json:"ia_distribution_interval_s,omitempty"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration %q: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a configuration document, applies defaults, and validates it.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if err := doc.Finalize(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Finalize fills defaults and validates cross-references. Per-driver problems
// (unknown protocol, missing endpoint) are not reported here: they are left
// for the owning runner so one bad driver never blocks the rest.
func (d *Document) Finalize() error {
	var mErr *multierror.Error
	seenDrivers := make(map[string]bool)
	seenTags := make(map[string]bool)

	for _, proj := range d.Projects {
		for _, dev := range proj.Drivers {
			if dev.ID == "" {
				mErr = multierror.Append(mErr, fmt.Errorf("project %q: driver without id", proj.Name))
				continue
			}
			if seenDrivers[dev.ID] {
				mErr = multierror.Append(mErr, fmt.Errorf("duplicate driver id %q", dev.ID))
			}
			seenDrivers[dev.ID] = true

			dev.Type = structs.Protocol(strings.ToLower(string(dev.Type)))
			if dev.Type == "modbus" {
				dev.Type = structs.ProtocolModbusTCP
			}
			if dev.Options.ScanIntervalMS <= 0 {
				dev.Options.ScanIntervalMS = DefaultScanIntervalMS
			}
			if dev.Options.TimeoutMS <= 0 {
				dev.Options.TimeoutMS = DefaultTimeoutMS
			}
			if dev.Options.RetryCount <= 0 {
				dev.Options.RetryCount = DefaultRetryCount
			}
			dev.Options.Phase = normalizePhase(dev.Options.Phase)
		}

		for _, tag := range proj.Tags {
			if tag.ID == "" {
				mErr = multierror.Append(mErr, fmt.Errorf("project %q: tag without id", proj.Name))
				continue
			}
			if seenTags[tag.ID] {
				mErr = multierror.Append(mErr, fmt.Errorf("duplicate tag id %q", tag.ID))
			}
			seenTags[tag.ID] = true
			if tag.DriverID == "" {
				mErr = multierror.Append(mErr, fmt.Errorf("tag %q: missing id_driver", tag.ID))
				continue
			}
			if !seenDrivers[tag.DriverID] {
				mErr = multierror.Append(mErr, fmt.Errorf("tag %q: unknown driver %q", tag.ID, tag.DriverID))
			}
			tag.DataKind = tag.DataKind.Normalize()
		}
	}
	return mErr.ErrorOrNil()
}

func normalizePhase(p structs.OperatingPhase) structs.OperatingPhase {
	switch structs.OperatingPhase(strings.ToLower(string(p))) {
	case structs.PhaseSuggestion, "sugestao":
		return structs.PhaseSuggestion
	case structs.PhaseAutonomous, "autonomo":
		return structs.PhaseAutonomous
	default:
		return structs.PhaseMonitoring
	}
}

// Devices returns every configured device across all projects.
func (d *Document) Devices() []*structs.DeviceConfig {
	var out []*structs.DeviceConfig
	for _, proj := range d.Projects {
		out = append(out, proj.Drivers...)
	}
	return out
}

// Tags returns every configured tag across all projects.
func (d *Document) Tags() []*structs.TagConfig {
	var out []*structs.TagConfig
	for _, proj := range d.Projects {
		out = append(out, proj.Tags...)
	}
	return out
}

// TagsForDevice returns the tags owned by one device.
func (d *Document) TagsForDevice(deviceID string) []*structs.TagConfig {
	var out []*structs.TagConfig
	for _, tag := range d.Tags() {
		if tag.DriverID == deviceID {
			out = append(out, tag)
		}
	}
	return out
}
