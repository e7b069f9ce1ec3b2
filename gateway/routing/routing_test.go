package routing

import (
	"sync"
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/inlogic/gateway/ci"
	"github.com/inlogic/gateway/gateway/structs"
	"github.com/inlogic/gateway/helper/pointer"
	"github.com/inlogic/gateway/helper/testlog"
)

func testFabric(t *testing.T, gate PolicyGate) *Fabric {
	devices := []*structs.DeviceConfig{
		{ID: "plc1", Type: structs.ProtocolModbusTCP},
		{ID: "db1", Type: structs.ProtocolSQL},
	}
	tags := []*structs.TagConfig{
		{ID: "t1", DriverID: "plc1", Address: "100", DataKind: structs.KindInt, Writable: true},
		{ID: "t2", DriverID: "plc1", Address: "101", DataKind: structs.KindFloat},
		{ID: "t3", DriverID: "db1", Address: "setpoint", DataKind: structs.KindFloat, Writable: true},
	}
	return New(devices, tags, gate, testlog.HCLogger(t))
}

func TestFabric_Enqueue(t *testing.T) {
	ci.Parallel(t)

	f := testFabric(t, nil)

	cmd, err := f.Enqueue("t1", "42")
	require.NoError(t, err)
	must.Eq[any](t, int64(42), cmd.Value)
	must.NotEq(t, "", cmd.ID)
	must.Eq(t, 1, f.Depth("plc1"))

	got := <-f.Queue("plc1")
	must.Eq(t, cmd.ID, got.ID)
}

func TestFabric_EnqueueErrors(t *testing.T) {
	ci.Parallel(t)

	f := testFabric(t, nil)

	_, err := f.Enqueue("ghost", 1)
	require.ErrorIs(t, err, structs.ErrUnknownTag)

	_, err = f.Enqueue("t2", 1.5)
	require.ErrorIs(t, err, structs.ErrNotWritable)

	_, err = f.Enqueue("t1", "not-a-number")
	require.Error(t, err)
	require.Equal(t, structs.ErrKindCoercion, structs.KindOf(err))
	must.Eq(t, 0, f.Depth("plc1"))
}

type denyGate struct{}

func (denyGate) ValidateWrite(tag *structs.TagConfig, dev *structs.DeviceConfig, value any) structs.WriteDecision {
	return structs.WriteDecision{Reason: "out of bounds", Phase: structs.PhaseMonitoring}
}

func TestFabric_PolicyDenied(t *testing.T) {
	ci.Parallel(t)

	f := testFabric(t, denyGate{})

	_, err := f.Enqueue("t1", 10)
	require.Error(t, err)

	var policy *structs.PolicyError
	require.ErrorAs(t, err, &policy)
	must.Eq(t, "out of bounds", policy.Reason)
	must.Eq(t, 0, f.Depth("plc1"))
}

func TestFabric_QueueFull(t *testing.T) {
	ci.Parallel(t)

	f := testFabric(t, nil)

	for i := 0; i < QueueDepth; i++ {
		_, err := f.Enqueue("t1", i)
		require.NoError(t, err)
	}
	_, err := f.Enqueue("t1", 1)
	require.ErrorIs(t, err, structs.ErrQueueFull)
	must.Eq(t, QueueDepth, f.Depth("plc1"))
}

func TestFabric_EnqueueBatch(t *testing.T) {
	ci.Parallel(t)

	f := testFabric(t, nil)

	cmd, err := f.EnqueueBatch("db1", map[string]any{"setpoint": 7.5, "turno": "A"}, nil)
	require.NoError(t, err)
	must.True(t, cmd.IsBatch())
	must.Eq(t, 1, f.Depth("db1"))

	_, err = f.EnqueueBatch("plc1", map[string]any{"x": 1}, nil)
	require.Error(t, err)

	_, err = f.EnqueueBatch("db1", nil, nil)
	require.Error(t, err)

	_, err = f.EnqueueBatch("ghost", map[string]any{"x": 1}, nil)
	require.ErrorIs(t, err, structs.ErrUnknownDriver)
}

// countingGate records every consultation so tests can assert the gate saw
// each value.
type countingGate struct {
	mu    sync.Mutex
	calls int
	tags  []*structs.TagConfig
	allow bool
}

func (g *countingGate) ValidateWrite(tag *structs.TagConfig, dev *structs.DeviceConfig, value any) structs.WriteDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.tags = append(g.tags, tag)
	if g.allow {
		return structs.WriteDecision{Allow: true}
	}
	return structs.WriteDecision{Reason: "writes disabled"}
}

func TestFabric_BatchPolicyGate(t *testing.T) {
	ci.Parallel(t)

	gate := &countingGate{}
	f := testFabric(t, gate)

	_, err := f.EnqueueBatch("db1", map[string]any{"setpoint": 7.5}, nil)
	require.Error(t, err)

	var policy *structs.PolicyError
	require.ErrorAs(t, err, &policy)
	must.Eq(t, "writes disabled", policy.Reason)
	must.Eq(t, 0, f.Depth("db1"))

	// The column is covered by tag t3, so the gate saw its config.
	gate.mu.Lock()
	must.Eq(t, 1, gate.calls)
	must.Eq(t, "t3", gate.tags[0].ID)
	gate.mu.Unlock()
	must.Eq(t, "t3", policy.TagID)

	// Columns with no covering tag still pass the gate, with a nil tag.
	allow := &countingGate{allow: true}
	f2 := testFabric(t, allow)
	_, err = f2.EnqueueBatch("db1", map[string]any{"turno": "A"}, nil)
	require.NoError(t, err)

	allow.mu.Lock()
	must.Eq(t, 1, allow.calls)
	must.Nil(t, allow.tags[0])
	allow.mu.Unlock()
	must.Eq(t, 1, f2.Depth("db1"))
}

func TestFabric_Rebuild(t *testing.T) {
	ci.Parallel(t)

	f := testFabric(t, nil)
	_, err := f.Enqueue("t1", 1)
	require.NoError(t, err)

	devices := []*structs.DeviceConfig{{ID: "plc2", Type: structs.ProtocolModbusTCP}}
	tags := []*structs.TagConfig{
		{ID: "t9", DriverID: "plc2", Address: "5", DataKind: structs.KindBool,
			Writable: true, ScanEnabled: pointer.Of(true)},
	}
	f.Rebuild(devices, tags)

	must.Nil(t, f.Tag("t1"))
	must.NotNil(t, f.Tag("t9"))
	must.Nil(t, f.Device("plc1"))

	cmd, err := f.Enqueue("t9", true)
	require.NoError(t, err)
	must.Eq(t, true, cmd.Value)
}
