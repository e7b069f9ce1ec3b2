// Package fanout periodically distributes gateway observations to the
// cognitive layer: driver status transitions, changed tag samples, and a
// process-level health snapshot. Distribution is change-driven so a quiet
// plant produces a quiet stream.
package fanout

import (
	"os"
	"runtime"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/inlogic/gateway/gateway/state"
	"github.com/inlogic/gateway/gateway/structs"
	"github.com/inlogic/gateway/logbus"
)

const (
	// DefaultInterval is the distribution period when none is configured.
	DefaultInterval = 2 * time.Second

	// recentLogCount is how many trailing log records ride on each process
	// snapshot.
	recentLogCount = 20
)

// ProcessSnapshot is the gateway-level health observation.
type ProcessSnapshot struct {
	Timestamp        time.Time        `json:"timestamp"`
	CPUPercent       float64          `json:"cpu_percent"`
	MemoryRSSBytes   uint64           `json:"memory_rss_bytes"`
	Goroutines       int              `json:"goroutines"`
	DriversTotal     int              `json:"drivers_total"`
	DriversConnected int              `json:"drivers_connected"`
	TagsTotal        int              `json:"tags_total"`
	TagsGood         int              `json:"tags_good"`
	RecentLogs       []*logbus.Record `json:"recent_logs"`
}

// Ingestor consumes distributed observations. Implementations must not
// retain the passed records beyond the call; everything handed over is
// already a private copy.
type Ingestor interface {
	IngestDriver(rec *structs.DriverRecord, deviceID string)
	IngestTag(sample *structs.TagSample, dev *structs.DeviceConfig)
	IngestProcess(snap *ProcessSnapshot)
}

// driverEnvelope is the last-emitted driver observation: a change to any of
// status, detail, or scan latency re-emits the record.
type driverEnvelope struct {
	status    structs.ConnState
	detail    string
	latencyMS int64
}

// Distributor runs the periodic fan-out loop.
type Distributor struct {
	store    *state.Store
	bus      *logbus.Bus
	sinks    []Ingestor
	interval time.Duration
	logger   hclog.Logger

	proc *process.Process

	lastDriver map[string]driverEnvelope
	lastSample map[string]*structs.TagSample

	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// New builds a distributor. interval <= 0 selects the default period.
func New(store *state.Store, bus *logbus.Bus, interval time.Duration, logger hclog.Logger, sinks ...Ingestor) *Distributor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Distributor{
		store:      store,
		bus:        bus,
		sinks:      sinks,
		interval:   interval,
		logger:     logger.Named("fanout"),
		proc:       proc,
		lastDriver: make(map[string]driverEnvelope),
		lastSample: make(map[string]*structs.TagSample),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Run distributes until Stop is called.
func (d *Distributor) Run() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdownCh:
			return
		case <-ticker.C:
			d.distribute()
		}
	}
}

// Stop signals the loop and waits for it to finish.
func (d *Distributor) Stop() {
	close(d.shutdownCh)
	<-d.doneCh
}

// distribute pushes one round of observations to every sink.
func (d *Distributor) distribute() {
	start := time.Now()
	defer metrics.MeasureSince([]string{"gateway", "fanout", "round"}, start)

	records := d.store.List()

	for id, rec := range records {
		env := driverEnvelope{status: rec.Status, detail: rec.Detail, latencyMS: rec.ScanLatencyMS}
		if d.lastDriver[id] != env {
			d.lastDriver[id] = env
			for _, sink := range d.sinks {
				sink.IngestDriver(rec.Copy(), id)
			}
		}

		for tagID, sample := range rec.Tags {
			if sample.Equivalent(d.lastSample[tagID]) {
				continue
			}
			d.lastSample[tagID] = sample
			for _, sink := range d.sinks {
				sc := *sample
				sink.IngestTag(&sc, rec.Config)
			}
		}
	}

	snap := d.processSnapshot(records)
	for _, sink := range d.sinks {
		sink.IngestProcess(snap)
	}
}

func (d *Distributor) processSnapshot(records map[string]*structs.DriverRecord) *ProcessSnapshot {
	snap := &ProcessSnapshot{
		Timestamp:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
	}

	for _, rec := range records {
		snap.DriversTotal++
		if rec.Status == structs.StateConnected {
			snap.DriversConnected++
		}
		for _, s := range rec.Tags {
			snap.TagsTotal++
			if s.Quality == structs.QualityGood {
				snap.TagsGood++
			}
		}
	}

	if d.proc != nil {
		if cpu, err := d.proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
		if mem, err := d.proc.MemoryInfo(); err == nil && mem != nil {
			snap.MemoryRSSBytes = mem.RSS
		}
	}
	if d.bus != nil {
		snap.RecentLogs = d.bus.Recent(recentLogCount)
	}
	return snap
}
