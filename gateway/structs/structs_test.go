package structs

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/inlogic/gateway/ci"
)

func TestDataKind_Normalize(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, KindInt, DataKind("INT16").Normalize())
	must.Eq(t, KindInt, DataKind("uint16").Normalize())
	must.Eq(t, KindFloat, DataKind("real").Normalize())
	must.Eq(t, KindFloat, DataKind("double").Normalize())
	must.Eq(t, KindBool, DataKind("Boolean").Normalize())
	must.Eq(t, KindString, DataKind("string").Normalize())
}

func TestDeviceConfig_Endpoint(t *testing.T) {
	ci.Parallel(t)

	dev := &DeviceConfig{
		ID:      "plc1",
		Type:    ProtocolModbusTCP,
		Options: DeviceOptions{IP: "10.0.0.5"},
	}
	must.Eq(t, "10.0.0.5", dev.Address())
	must.Eq(t, "10.0.0.5:502", dev.Endpoint(502))

	dev.Options.Porta = 1502
	must.Eq(t, "10.0.0.5:1502", dev.Endpoint(502))

	broker := &DeviceConfig{
		ID:      "mqtt1",
		Type:    ProtocolMQTT,
		Options: DeviceOptions{Host: "broker.local", Port: 8883},
	}
	must.Eq(t, "broker.local:8883", broker.Endpoint(1883))
}

func TestTagConfig_RegisterAddress(t *testing.T) {
	ci.Parallel(t)

	tag := &TagConfig{ID: "t1", Address: " 40001 "}
	addr, err := tag.RegisterAddress()
	must.NoError(t, err)
	must.Eq(t, uint16(40001), addr)

	tag.Address = "Motor.Speed"
	_, err = tag.RegisterAddress()
	must.Error(t, err)
}

func TestTagSample_Equivalent(t *testing.T) {
	ci.Parallel(t)

	a := &TagSample{ID: "t1", Value: int64(10), Quality: QualityGood, Timestamp: time.Now()}
	b := &TagSample{ID: "t1", Value: int64(10), Quality: QualityGood, Timestamp: time.Now().Add(time.Hour)}
	must.True(t, a.Equivalent(b))

	b.Value = int64(11)
	must.False(t, a.Equivalent(b))

	b.Value = int64(10)
	b.Quality = QualityBad
	must.False(t, a.Equivalent(b))

	must.False(t, a.Equivalent(nil))
	var c *TagSample
	must.True(t, c.Equivalent(nil))
}

func TestDriverRecord_Copy(t *testing.T) {
	ci.Parallel(t)

	rec := &DriverRecord{
		Status: StateConnected,
		Config: &DeviceConfig{ID: "d1"},
		Tags: map[string]*TagSample{
			"t1": {ID: "t1", Value: 1.5, Quality: QualityGood},
		},
	}

	dup := rec.Copy()
	dup.Tags["t1"].Value = 99.0
	dup.Status = StateStopped

	must.Eq(t, 1.5, rec.Tags["t1"].Value)
	must.Eq(t, StateConnected, rec.Status)
}

func TestWriteCommand_IsBatch(t *testing.T) {
	ci.Parallel(t)

	single := &WriteCommand{TagID: "t1", Value: 1}
	must.False(t, single.IsBatch())

	batch := &WriteCommand{Batch: map[string]any{"col": 1}}
	must.True(t, batch.IsBatch())
}
