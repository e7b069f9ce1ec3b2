// Package modbustcp implements the Modbus/TCP adapter on top of
// github.com/grid-x/modbus. Tag addresses are integer register offsets:
// bool tags map to a single coil, int tags to one holding register, float
// tags to two consecutive holding registers holding a big-endian IEEE-754
// single.
package modbustcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/grid-x/modbus"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/inlogic/gateway/driver"
	"github.com/inlogic/gateway/gateway/structs"
)

const defaultPort = 502

func init() {
	driver.Register(structs.ProtocolModbusTCP, Open)
}

type session struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
	tags    map[string]*structs.TagConfig // keyed by address
	timeout time.Duration
	logger  hclog.Logger
	dead    atomic.Bool
}

// Open dials the device and returns a polling session.
func Open(ctx context.Context, dev *structs.DeviceConfig, tags []*structs.TagConfig, logger hclog.Logger) (driver.Session, error) {
	if dev.Address() == "" {
		return nil, structs.NewDriverError(structs.ErrKindConfig, "open",
			fmt.Errorf("device %s: no host configured", dev.ID))
	}

	handler := modbus.NewTCPClientHandler(dev.Endpoint(defaultPort))
	handler.Timeout = dev.Timeout()
	if dev.Options.SlaveID > 0 {
		handler.SetSlave(byte(dev.Options.SlaveID))
	}

	if err := handler.Connect(ctx); err != nil {
		return nil, structs.NewDriverError(structs.ErrKindConnect, "open", err)
	}

	byAddr := make(map[string]*structs.TagConfig, len(tags))
	for _, t := range tags {
		byAddr[strings.TrimSpace(t.Address)] = t
	}

	return &session{
		handler: handler,
		client:  modbus.NewClient(handler),
		tags:    byAddr,
		timeout: dev.Timeout(),
		logger:  logger,
	}, nil
}

func (s *session) Read(ctx context.Context, addrs []string) ([]driver.ReadResult, error) {
	out := make([]driver.ReadResult, len(addrs))
	for i, addr := range addrs {
		out[i] = s.readOne(ctx, addr)
		if out[i].Err != nil && structs.IsReconnectable(out[i].Err) {
			s.dead.Store(true)
			return out, out[i].Err
		}
	}
	return out, nil
}

func (s *session) readOne(ctx context.Context, addr string) driver.ReadResult {
	offset, kind, err := s.resolve(addr)
	if err != nil {
		return driver.ReadResult{Err: err}
	}

	switch kind {
	case structs.KindBool:
		raw, err := s.client.ReadCoils(ctx, offset, 1)
		if err != nil {
			return driver.ReadResult{Err: classify("read coil", err)}
		}
		return driver.ReadResult{Value: raw[0]&0x01 == 0x01, Kind: structs.KindBool}

	case structs.KindInt:
		raw, err := s.client.ReadHoldingRegisters(ctx, offset, 1)
		if err != nil {
			return driver.ReadResult{Err: classify("read register", err)}
		}
		return driver.ReadResult{Value: int64(int16(binary.BigEndian.Uint16(raw))), Kind: structs.KindInt}

	case structs.KindFloat:
		raw, err := s.client.ReadHoldingRegisters(ctx, offset, 2)
		if err != nil {
			return driver.ReadResult{Err: classify("read registers", err)}
		}
		bits := binary.BigEndian.Uint32(raw)
		return driver.ReadResult{Value: float64(math.Float32frombits(bits)), Kind: structs.KindFloat}
	}

	return driver.ReadResult{Err: structs.NewDriverError(structs.ErrKindProtocol, "read",
		fmt.Errorf("data kind %q not supported over modbus", kind))}
}

func (s *session) Write(ctx context.Context, addr string, value any, kind structs.DataKind) (*driver.WriteReceipt, error) {
	offset, err := parseOffset(addr)
	if err != nil {
		return nil, err
	}

	switch kind.Normalize() {
	case structs.KindBool:
		b, err := structs.Coerce(value, structs.KindBool)
		if err != nil {
			return nil, err
		}
		var coil uint16
		if b.(bool) {
			coil = 0xFF00
		}
		if _, err := s.client.WriteSingleCoil(ctx, offset, coil); err != nil {
			return nil, s.writeErr("write coil", err)
		}

	case structs.KindInt:
		n, err := structs.Coerce(value, structs.KindInt)
		if err != nil {
			return nil, err
		}
		if _, err := s.client.WriteSingleRegister(ctx, offset, uint16(n.(int64))); err != nil {
			return nil, s.writeErr("write register", err)
		}

	case structs.KindFloat:
		f, err := structs.Coerce(value, structs.KindFloat)
		if err != nil {
			return nil, err
		}
		raw := make([]byte, 4)
		binary.BigEndian.PutUint32(raw, math.Float32bits(float32(f.(float64))))
		if _, err := s.client.WriteMultipleRegisters(ctx, offset, 2, raw); err != nil {
			return nil, s.writeErr("write registers", err)
		}

	default:
		return nil, structs.NewDriverError(structs.ErrKindCoercion, "write",
			fmt.Errorf("data kind %q not writable over modbus", kind))
	}

	return &driver.WriteReceipt{}, nil
}

func (s *session) Alive() bool { return !s.dead.Load() }

func (s *session) Close() error {
	s.dead.Store(true)
	return s.handler.Close()
}

// resolve maps an address to its register offset and the declared data kind
// of the owning tag. Unknown addresses default to a single holding register.
func (s *session) resolve(addr string) (uint16, structs.DataKind, error) {
	offset, err := parseOffset(addr)
	if err != nil {
		return 0, "", err
	}
	if tag, ok := s.tags[strings.TrimSpace(addr)]; ok {
		return offset, tag.DataKind.Normalize(), nil
	}
	return offset, structs.KindInt, nil
}

func parseOffset(addr string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(addr), 10, 16)
	if err != nil {
		return 0, structs.NewDriverError(structs.ErrKindProtocol, "address",
			fmt.Errorf("%q is not a register offset", addr))
	}
	return uint16(n), nil
}

func (s *session) writeErr(op string, err error) error {
	classified := classify(op, err)
	if structs.IsReconnectable(classified) {
		s.dead.Store(true)
	}
	return classified
}

// classify splits modbus exception responses (the device answered, the
// request was bad) from transport failures (the session is gone).
func classify(op string, err error) error {
	if _, ok := err.(*modbus.Error); ok {
		return structs.NewDriverError(structs.ErrKindProtocol, op, err)
	}
	return structs.NewDriverError(structs.ErrKindTransport, op, err)
}
