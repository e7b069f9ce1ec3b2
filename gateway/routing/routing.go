// Package routing owns the write path between the control plane and the
// driver runners. It keeps the tag-id → device-id table and one bounded FIFO
// queue per device; runners drain their queue at the top of every scan so a
// command is applied before the next read refreshes the snapshot.
package routing

import (
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/inlogic/gateway/gateway/structs"
)

// QueueDepth is the per-device write queue capacity. A full queue rejects
// new commands instead of blocking the HTTP handler.
const QueueDepth = 256

// PolicyGate decides whether a write may proceed. The cognitive layer
// implements it; a nil gate allows everything. tag is nil for batch columns
// that no configured tag covers.
type PolicyGate interface {
	ValidateWrite(tag *structs.TagConfig, dev *structs.DeviceConfig, value any) structs.WriteDecision
}

// Fabric routes write commands to per-device queues.
type Fabric struct {
	logger hclog.Logger
	gate   PolicyGate

	mu      sync.RWMutex
	tags    map[string]*structs.TagConfig
	devices map[string]*structs.DeviceConfig
	queues  map[string]chan *structs.WriteCommand
}

// New builds a fabric for the given configuration.
func New(devices []*structs.DeviceConfig, tags []*structs.TagConfig, gate PolicyGate, logger hclog.Logger) *Fabric {
	f := &Fabric{
		logger: logger.Named("routing"),
		gate:   gate,
	}
	f.rebuild(devices, tags)
	return f
}

func (f *Fabric) rebuild(devices []*structs.DeviceConfig, tags []*structs.TagConfig) {
	f.devices = make(map[string]*structs.DeviceConfig, len(devices))
	f.queues = make(map[string]chan *structs.WriteCommand, len(devices))
	for _, dev := range devices {
		f.devices[dev.ID] = dev
		f.queues[dev.ID] = make(chan *structs.WriteCommand, QueueDepth)
	}
	f.tags = make(map[string]*structs.TagConfig, len(tags))
	for _, tag := range tags {
		f.tags[tag.ID] = tag
	}
}

// Rebuild replaces the routing table after a configuration reload. Commands
// still pending in the old queues are dropped and logged; their devices may
// no longer exist.
func (f *Fabric) Rebuild(devices []*structs.DeviceConfig, tags []*structs.TagConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dropped := 0
	for _, q := range f.queues {
		dropped += len(q)
	}
	if dropped > 0 {
		f.logger.Warn("dropping pending writes across restart", "count", dropped)
	}
	f.rebuild(devices, tags)
}

// Tag resolves a tag id, or nil when unknown.
func (f *Fabric) Tag(tagID string) *structs.TagConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tags[tagID]
}

// Device resolves a device id, or nil when unknown.
func (f *Fabric) Device(deviceID string) *structs.DeviceConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.devices[deviceID]
}

// Queue returns the write queue the runner for deviceID must drain.
func (f *Fabric) Queue(deviceID string) <-chan *structs.WriteCommand {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.queues[deviceID]
}

// Enqueue validates and routes a single-tag write. The value is coerced to
// the tag's declared kind before queueing so a malformed request fails fast
// at the API boundary rather than inside the runner.
func (f *Fabric) Enqueue(tagID string, value any) (*structs.WriteCommand, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tag, ok := f.tags[tagID]
	if !ok {
		return nil, structs.ErrUnknownTag
	}
	dev, ok := f.devices[tag.DriverID]
	if !ok {
		return nil, structs.ErrUnknownDriver
	}
	if !tag.Writable {
		return nil, structs.ErrNotWritable
	}

	coerced, err := structs.Coerce(value, tag.DataKind)
	if err != nil {
		return nil, err
	}

	if f.gate != nil {
		decision := f.gate.ValidateWrite(tag, dev, coerced)
		if !decision.Allow {
			return nil, &structs.PolicyError{TagID: tagID, Reason: decision.Reason, Phase: decision.Phase}
		}
	}

	cmd := &structs.WriteCommand{
		ID:       commandID(),
		TagID:    tagID,
		Value:    coerced,
		Accepted: time.Now(),
	}
	return cmd, f.push(tag.DriverID, cmd)
}

// EnqueueBatch routes a multi-column batch write to a SQL device. Columns
// address table columns directly, but each one still passes the policy gate;
// when a configured tag covers a column, that tag's restrictions apply.
func (f *Fabric) EnqueueBatch(deviceID string, values map[string]any, rowID any) (*structs.WriteCommand, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dev, ok := f.devices[deviceID]
	if !ok {
		return nil, structs.ErrUnknownDriver
	}
	if dev.Type != structs.ProtocolSQL {
		return nil, fmt.Errorf("device %s: batch writes require a sql driver, got %s", deviceID, dev.Type)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("device %s: empty batch", deviceID)
	}

	if f.gate != nil {
		for col, value := range values {
			tag := f.tagByAddress(deviceID, col)
			decision := f.gate.ValidateWrite(tag, dev, value)
			if !decision.Allow {
				id := col
				if tag != nil {
					id = tag.ID
				}
				return nil, &structs.PolicyError{TagID: id, Reason: decision.Reason, Phase: decision.Phase}
			}
		}
	}

	cmd := &structs.WriteCommand{
		ID:       commandID(),
		Batch:    values,
		RowID:    rowID,
		Accepted: time.Now(),
	}
	return cmd, f.push(deviceID, cmd)
}

// tagByAddress finds the configured tag covering one address of a device,
// or nil when none does. Callers hold mu.
func (f *Fabric) tagByAddress(deviceID, address string) *structs.TagConfig {
	for _, tag := range f.tags {
		if tag.DriverID == deviceID && tag.Address == address {
			return tag
		}
	}
	return nil
}

func (f *Fabric) push(deviceID string, cmd *structs.WriteCommand) error {
	q, ok := f.queues[deviceID]
	if !ok {
		return structs.ErrUnknownDriver
	}
	select {
	case q <- cmd:
		metrics.IncrCounter([]string{"gateway", "write", "enqueued"}, 1)
		return nil
	default:
		metrics.IncrCounter([]string{"gateway", "write", "rejected"}, 1)
		f.logger.Warn("write queue full", "device", deviceID, "command", cmd.ID)
		return structs.ErrQueueFull
	}
}

// Depth reports the pending command count for one device queue.
func (f *Fabric) Depth(deviceID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.queues[deviceID])
}

func commandID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return fmt.Sprintf("w-%d", time.Now().UnixNano())
	}
	return id
}
