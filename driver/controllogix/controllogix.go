// Package controllogix implements the ControlLogix/CompactLogix adapter on
// top of github.com/danomagnum/gologix (EtherNet/IP + CIP). Tag addresses
// are symbolic controller tag paths. Writes are verified: after a write the
// adapter reads the tag back and reports round-trip equality on the receipt.
package controllogix

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danomagnum/gologix"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/inlogic/gateway/driver"
	"github.com/inlogic/gateway/gateway/structs"
)

// confirmDelay gives the controller time to commit a write before the
// verification read.
const confirmDelay = 100 * time.Millisecond

func init() {
	driver.Register(structs.ProtocolControlLogix, Open)
}

type session struct {
	mu     sync.Mutex
	client *gologix.Client
	tags   map[string]*structs.TagConfig // keyed by address
	logger hclog.Logger
	dead   bool
}

// Open establishes a CIP session with the controller.
func Open(ctx context.Context, dev *structs.DeviceConfig, tags []*structs.TagConfig, logger hclog.Logger) (driver.Session, error) {
	if dev.Address() == "" {
		return nil, structs.NewDriverError(structs.ErrKindConfig, "open",
			fmt.Errorf("device %s: no ip configured", dev.ID))
	}

	client := gologix.NewClient(dev.Address())
	client.SocketTimeout = dev.Timeout()

	if err := client.Connect(); err != nil {
		return nil, structs.NewDriverError(structs.ErrKindConnect, "open", err)
	}

	byAddr := make(map[string]*structs.TagConfig, len(tags))
	for _, t := range tags {
		byAddr[strings.TrimSpace(t.Address)] = t
	}

	return &session{client: client, tags: byAddr, logger: logger}, nil
}

func (s *session) Read(ctx context.Context, addrs []string) ([]driver.ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]driver.ReadResult, len(addrs))
	for i, addr := range addrs {
		out[i] = s.readOne(addr)
		if out[i].Err != nil && structs.IsReconnectable(out[i].Err) {
			s.dead = true
			return out, out[i].Err
		}
	}
	return out, nil
}

func (s *session) readOne(addr string) driver.ReadResult {
	kind := structs.KindFloat
	if tag, ok := s.tags[strings.TrimSpace(addr)]; ok {
		kind = tag.DataKind.Normalize()
	}

	switch kind {
	case structs.KindBool:
		var v bool
		if err := s.client.Read(addr, &v); err != nil {
			return driver.ReadResult{Err: classify("read", err)}
		}
		return driver.ReadResult{Value: v, Kind: structs.KindBool}

	case structs.KindInt:
		var v int32
		if err := s.client.Read(addr, &v); err != nil {
			return driver.ReadResult{Err: classify("read", err)}
		}
		return driver.ReadResult{Value: int64(v), Kind: structs.KindInt}

	case structs.KindFloat:
		var v float32
		if err := s.client.Read(addr, &v); err != nil {
			return driver.ReadResult{Err: classify("read", err)}
		}
		return driver.ReadResult{Value: float64(v), Kind: structs.KindFloat}

	case structs.KindString:
		var v string
		if err := s.client.Read(addr, &v); err != nil {
			return driver.ReadResult{Err: classify("read", err)}
		}
		return driver.ReadResult{Value: v, Kind: structs.KindString}
	}

	return driver.ReadResult{Err: structs.NewDriverError(structs.ErrKindProtocol, "read",
		fmt.Errorf("unsupported data kind for tag path %q", addr))}
}

// Write performs one atomic tag write and then re-reads the tag to confirm
// the round trip. The receipt carries the read-back value either way.
func (s *session) Write(ctx context.Context, addr string, value any, kind structs.DataKind) (*driver.WriteReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coerced, err := coerceForLogix(value, kind)
	if err != nil {
		return nil, err
	}
	if err := s.client.Write(addr, coerced); err != nil {
		classified := classify("write", err)
		if structs.IsReconnectable(classified) {
			s.dead = true
		}
		return nil, classified
	}

	time.Sleep(confirmDelay)

	confirm := s.readOne(addr)
	if confirm.Err != nil {
		return &driver.WriteReceipt{Confirmed: false}, nil
	}
	return &driver.WriteReceipt{
		Confirmed: equalValue(confirm.Value, coerced),
		ReadBack:  confirm.Value,
	}, nil
}

func (s *session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil
	}
	s.dead = true
	return s.client.Disconnect()
}

// coerceForLogix converts to the concrete CIP type written on the wire.
func coerceForLogix(value any, kind structs.DataKind) (any, error) {
	v, err := structs.Coerce(value, kind)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case int64:
		return int32(t), nil
	case float64:
		return float32(t), nil
	default:
		return v, nil
	}
}

func equalValue(readBack, written any) bool {
	switch w := written.(type) {
	case float32:
		r, ok := readBack.(float64)
		return ok && float32(r) == w
	case int32:
		r, ok := readBack.(int64)
		return ok && int32(r) == w
	default:
		return readBack == written
	}
}

func classify(op string, err error) error {
	// gologix surfaces CIP-level status failures as plain errors; everything
	// mentioning the socket is treated as a dead session.
	msg := err.Error()
	if strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "EOF") || strings.Contains(msg, "broken pipe") {
		return structs.NewDriverError(structs.ErrKindTransport, op, err)
	}
	return structs.NewDriverError(structs.ErrKindProtocol, op, err)
}
