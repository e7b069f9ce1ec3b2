// Package driver defines the protocol adapter contract shared by every
// protocol family, and the factory that selects a concrete adapter by the
// configuration string `tipo`.
//
// An adapter owns one session to one field device. Runners call Read in
// batches, Write one address at a time, and Alive as a cheap liveness probe
// between scans. Adapters classify failures with structs.ErrorKind so the
// runner can tell a dead session (reconnect) from a bad operand (per-tag
// diagnostic).
package driver

import (
	"context"
	"fmt"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/inlogic/gateway/gateway/structs"
)

// ReadResult is the outcome of reading one address. Order of results always
// matches the order of the requested addresses.
type ReadResult struct {
	Value any
	Kind  structs.DataKind
	Err   error
}

// WriteReceipt reports the result of a single-address write. Adapters that
// verify writes (ControlLogix) fill Confirmed and ReadBack.
type WriteReceipt struct {
	Confirmed bool
	ReadBack  any
}

// Session is an open connection to one field device.
//
// Close is idempotent. Read and Write block no longer than the timeout the
// session was opened with; both return a *structs.DriverError on failure.
type Session interface {
	Read(ctx context.Context, addrs []string) ([]ReadResult, error)
	Write(ctx context.Context, addr string, value any, kind structs.DataKind) (*WriteReceipt, error)
	Alive() bool
	Close() error
}

// Update is one asynchronously delivered sample from a push-style session.
type Update struct {
	Address string
	Value   any
	Err     error
}

// Subscriber is implemented by sessions that deliver data asynchronously
// instead of being polled (MQTT). The runner consumes Updates between scan
// ticks and never calls Read on such sessions.
type Subscriber interface {
	Updates() <-chan Update
}

// BatchWriter is implemented by sessions that accept multi-column batch
// writes (SQL). A nil rowID inserts a new row; a non-nil rowID updates it.
type BatchWriter interface {
	WriteBatch(ctx context.Context, values map[string]any, rowID any) error
}

// OpenFunc opens a session for one configured device. Implementations block
// up to the device's configured connect timeout.
type OpenFunc func(ctx context.Context, dev *structs.DeviceConfig, tags []*structs.TagConfig, logger hclog.Logger) (Session, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[structs.Protocol]OpenFunc)
)

// Register installs the adapter for a protocol family. Adapters register
// themselves from init; tests register fakes over the real ones.
func Register(p structs.Protocol, open OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p] = open
}

// Open dials the device using the adapter registered for its protocol.
func Open(ctx context.Context, dev *structs.DeviceConfig, tags []*structs.TagConfig, logger hclog.Logger) (Session, error) {
	registryMu.RLock()
	open, ok := registry[dev.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, structs.NewDriverError(structs.ErrKindConfig, "open",
			fmt.Errorf("no adapter for protocol %q", dev.Type))
	}
	return open(ctx, dev, tags, logger)
}

// Registered reports whether an adapter exists for the protocol.
func Registered(p structs.Protocol) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[p]
	return ok
}
