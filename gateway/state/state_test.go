package state

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/inlogic/gateway/ci"
	"github.com/inlogic/gateway/gateway/structs"
)

func testDevices() []*structs.DeviceConfig {
	return []*structs.DeviceConfig{
		{ID: "plc1", Name: "Forno", Type: structs.ProtocolModbusTCP},
		{ID: "db1", Name: "Historiador", Type: structs.ProtocolSQL,
			Options: structs.DeviceOptions{Phase: structs.PhaseAutonomous}},
	}
}

func TestStore_Reset(t *testing.T) {
	ci.Parallel(t)

	s := NewStore()
	s.Reset(testDevices())

	must.Len(t, 2, s.IDs())

	rec := s.Get("plc1")
	must.NotNil(t, rec)
	must.Eq(t, structs.StateStarting, rec.Status)
	must.Eq(t, "plc1", rec.Config.ID)
	must.MapEmpty(t, rec.Tags)

	must.Eq(t, structs.PhaseAutonomous, s.Get("db1").Phase)
	must.Nil(t, s.Get("ghost"))
}

func TestStore_GetReturnsCopy(t *testing.T) {
	ci.Parallel(t)

	s := NewStore()
	s.Reset(testDevices())
	s.ReplaceTags("plc1", map[string]*structs.TagSample{
		"t1": {ID: "t1", Value: int64(5), Quality: structs.QualityGood},
	}, 12*time.Millisecond, time.Time{})

	rec := s.Get("plc1")
	rec.Tags["t1"].Value = int64(999)
	rec.Status = structs.StateStopped

	fresh := s.Get("plc1")
	must.Eq[any](t, int64(5), fresh.Tags["t1"].Value)
	must.NotEq(t, structs.StateStopped, fresh.Status)
	must.Eq(t, int64(12), fresh.ScanLatencyMS)
}

func TestStore_SetStatus(t *testing.T) {
	ci.Parallel(t)

	s := NewStore()
	s.Reset(testDevices())

	s.SetStatus("plc1", structs.StateConnected, "connected")
	rec := s.Get("plc1")
	must.Eq(t, structs.StateConnected, rec.Status)
	must.Eq(t, "connected", rec.Detail)

	// Unknown device is a no-op, not a panic.
	s.SetStatus("ghost", structs.StateConnected, "x")
}

func TestStore_ReplaceTags(t *testing.T) {
	ci.Parallel(t)

	s := NewStore()
	s.Reset(testDevices())

	s.ReplaceTags("plc1", map[string]*structs.TagSample{
		"t1": {ID: "t1", Quality: structs.QualityGood},
		"t2": {ID: "t2", Quality: structs.QualityBad},
	}, 0, time.Time{})
	must.MapLen(t, 2, s.Get("plc1").Tags)

	// A whole-scan swap drops tags absent from the new map.
	s.ReplaceTags("plc1", map[string]*structs.TagSample{
		"t1": {ID: "t1", Quality: structs.QualityGood},
	}, 0, time.Time{})
	must.MapLen(t, 1, s.Get("plc1").Tags)
}

func TestStore_ReplaceTagsStamp(t *testing.T) {
	ci.Parallel(t)

	s := NewStore()
	s.Reset(testDevices())

	stamp := time.Now().Add(-3 * time.Second)
	s.ReplaceTags("plc1", map[string]*structs.TagSample{
		"t1": {ID: "t1", Quality: structs.QualityGood, Timestamp: stamp},
	}, 0, stamp)

	rec := s.Get("plc1")
	must.True(t, rec.Timestamp.Equal(stamp))
	must.True(t, rec.Tags["t1"].Timestamp.Equal(rec.Timestamp))
}

func TestStore_MergeTags(t *testing.T) {
	ci.Parallel(t)

	s := NewStore()
	s.Reset(testDevices())

	s.MergeTags("plc1", map[string]*structs.TagSample{
		"t1": {ID: "t1", Value: int64(1), Quality: structs.QualityGood},
	})
	s.MergeTags("plc1", map[string]*structs.TagSample{
		"t2": {ID: "t2", Value: int64(2), Quality: structs.QualityGood},
	})

	rec := s.Get("plc1")
	must.MapLen(t, 2, rec.Tags)
	must.Eq[any](t, int64(1), rec.Tags["t1"].Value)

	s.MergeTags("plc1", map[string]*structs.TagSample{
		"t1": {ID: "t1", Value: int64(9), Quality: structs.QualityGood},
	})
	rec = s.Get("plc1")
	must.MapLen(t, 2, rec.Tags)
	must.Eq[any](t, int64(9), rec.Tags["t1"].Value)
}

func TestStore_Counts(t *testing.T) {
	ci.Parallel(t)

	s := NewStore()
	s.Reset(testDevices())

	s.SetStatus("plc1", structs.StateConnected, "connected")
	s.ReplaceTags("plc1", map[string]*structs.TagSample{
		"t1": {ID: "t1", Quality: structs.QualityGood},
		"t2": {ID: "t2", Quality: structs.QualityBad},
	}, 0, time.Time{})

	drivers, connected, tags, good := s.Counts()
	must.Eq(t, 2, drivers)
	must.Eq(t, 1, connected)
	must.Eq(t, 2, tags)
	must.Eq(t, 1, good)
}
