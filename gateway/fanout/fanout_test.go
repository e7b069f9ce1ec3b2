package fanout

import (
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/inlogic/gateway/ci"
	"github.com/inlogic/gateway/gateway/state"
	"github.com/inlogic/gateway/gateway/structs"
	"github.com/inlogic/gateway/helper/testlog"
	"github.com/inlogic/gateway/logbus"
	"github.com/inlogic/gateway/testutil"
)

type recordingSink struct {
	mu      sync.Mutex
	drivers []string
	tags    []*structs.TagSample
	procs   []*ProcessSnapshot
}

func (r *recordingSink) IngestDriver(rec *structs.DriverRecord, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers = append(r.drivers, deviceID)
}

func (r *recordingSink) IngestTag(sample *structs.TagSample, dev *structs.DeviceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, sample)
}

func (r *recordingSink) IngestProcess(snap *ProcessSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs = append(r.procs, snap)
}

func (r *recordingSink) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drivers), len(r.tags), len(r.procs)
}

func testStore() *state.Store {
	s := state.NewStore()
	s.Reset([]*structs.DeviceConfig{{ID: "dev1", Type: structs.ProtocolModbusTCP}})
	return s
}

func TestDistributor_ChangeDetection(t *testing.T) {
	ci.Parallel(t)

	store := testStore()
	bus, err := logbus.New(10, "", nil)
	require.NoError(t, err)
	defer bus.Close()

	sink := &recordingSink{}
	d := New(store, bus, 10*time.Millisecond, testlog.HCLogger(t), sink)
	go d.Run()
	defer d.Stop()

	store.SetStatus("dev1", structs.StateConnected, "connected")
	store.ReplaceTags("dev1", map[string]*structs.TagSample{
		"t1": {ID: "t1", DriverID: "dev1", Value: int64(5), Quality: structs.QualityGood},
	}, 0, time.Now())

	testutil.WaitForResult(func() (bool, error) {
		_, tags, procs := sink.counts()
		return tags >= 1 && procs >= 2, nil
	}, func(err error) { t.Fatal("sink never fed") })

	// The unchanged sample must not be re-distributed even though many
	// rounds have passed.
	_, tagsBefore, _ := sink.counts()
	time.Sleep(50 * time.Millisecond)
	_, tagsAfter, _ := sink.counts()
	must.Eq(t, tagsBefore, tagsAfter)

	// A value change triggers exactly one more tag event.
	store.ReplaceTags("dev1", map[string]*structs.TagSample{
		"t1": {ID: "t1", DriverID: "dev1", Value: int64(6), Quality: structs.QualityGood},
	}, 0, time.Now())

	testutil.WaitForResult(func() (bool, error) {
		_, tags, _ := sink.counts()
		return tags == tagsAfter+1, nil
	}, func(err error) { t.Fatal("change not distributed") })
}

func TestDistributor_DriverTransitions(t *testing.T) {
	ci.Parallel(t)

	store := testStore()
	bus, err := logbus.New(10, "", nil)
	require.NoError(t, err)
	defer bus.Close()

	sink := &recordingSink{}
	d := New(store, bus, 10*time.Millisecond, testlog.HCLogger(t), sink)
	go d.Run()
	defer d.Stop()

	// The initial starting state counts as the first transition.
	testutil.WaitForResult(func() (bool, error) {
		drivers, _, _ := sink.counts()
		return drivers >= 1, nil
	}, func(err error) { t.Fatal("initial state not distributed") })

	store.SetStatus("dev1", structs.StateConnected, "connected")

	testutil.WaitForResult(func() (bool, error) {
		drivers, _, _ := sink.counts()
		return drivers >= 2, nil
	}, func(err error) { t.Fatal("transition not distributed") })
}

func TestDistributor_DriverDetailChange(t *testing.T) {
	ci.Parallel(t)

	store := testStore()
	bus, err := logbus.New(10, "", nil)
	require.NoError(t, err)
	defer bus.Close()

	sink := &recordingSink{}
	d := New(store, bus, 10*time.Millisecond, testlog.HCLogger(t), sink)
	go d.Run()
	defer d.Stop()

	store.SetStatus("dev1", structs.StateDisconnected, "dial tcp: refused")

	testutil.WaitForResult(func() (bool, error) {
		drivers, _, _ := sink.counts()
		return drivers >= 1, nil
	}, func(err error) { t.Fatal("state not distributed") })

	// Same status, new detail: the envelope changed, so it re-emits.
	before, _, _ := sink.counts()
	store.SetStatus("dev1", structs.StateDisconnected, "dial tcp: timeout")

	testutil.WaitForResult(func() (bool, error) {
		drivers, _, _ := sink.counts()
		return drivers >= before+1, nil
	}, func(err error) { t.Fatal("detail change not distributed") })
}

func TestDistributor_ProcessSnapshot(t *testing.T) {
	ci.Parallel(t)

	store := testStore()
	bus, err := logbus.New(50, "", nil)
	require.NoError(t, err)
	defer bus.Close()
	bus.Log(logbus.LevelInfo, "test", "breadcrumb", nil)

	store.SetStatus("dev1", structs.StateConnected, "connected")
	store.ReplaceTags("dev1", map[string]*structs.TagSample{
		"t1": {ID: "t1", Quality: structs.QualityGood},
		"t2": {ID: "t2", Quality: structs.QualityBad},
	}, 0, time.Now())

	sink := &recordingSink{}
	d := New(store, bus, 10*time.Millisecond, testlog.HCLogger(t), sink)
	go d.Run()
	defer d.Stop()

	testutil.WaitForResult(func() (bool, error) {
		_, _, procs := sink.counts()
		return procs >= 1, nil
	}, func(err error) { t.Fatal("no process snapshot") })

	sink.mu.Lock()
	snap := sink.procs[0]
	sink.mu.Unlock()

	must.Eq(t, 1, snap.DriversTotal)
	must.Eq(t, 1, snap.DriversConnected)
	must.Eq(t, 2, snap.TagsTotal)
	must.Eq(t, 1, snap.TagsGood)
	must.True(t, snap.Goroutines > 0)
	require.NotEmpty(t, snap.RecentLogs)
	must.Eq(t, "breadcrumb", snap.RecentLogs[len(snap.RecentLogs)-1].Message)
}
