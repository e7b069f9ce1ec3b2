// Package cognitive is the learning layer fed by the fan-out. It keeps one
// node per tag with streaming statistics, one node per driver with
// availability history, and one process node, and it gates writes with the
// device's operating phase and per-tag bounds. Knowledge survives restarts
// through periodic JSON checkpoints.
package cognitive

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/inlogic/gateway/gateway/fanout"
	"github.com/inlogic/gateway/gateway/structs"
)

const (
	// ewmaAlpha weighs the newest observation in the smoothed value.
	ewmaAlpha = 0.3

	// checkpointInterval is how often knowledge is flushed to disk.
	checkpointInterval = 60 * time.Second

	checkpointFile = "knowledge.json"
)

// TagNode accumulates streaming statistics for one tag. Mean and variance
// use Welford's algorithm so no sample history is retained.
type TagNode struct {
	TagID    string           `json:"tag_id"`
	DriverID string           `json:"driver_id"`
	Name     string           `json:"name"`
	Kind     structs.DataKind `json:"kind"`

	Count    int64   `json:"count"`
	Mean     float64 `json:"mean"`
	M2       float64 `json:"m2"`
	EWMA     float64 `json:"ewma"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	BadCount int64   `json:"bad_count"`

	LastValue   any             `json:"last_value"`
	LastQuality structs.Quality `json:"last_quality"`
	LastChange  time.Time       `json:"last_change"`
}

// Variance returns the running sample variance.
func (n *TagNode) Variance() float64 {
	if n.Count < 2 {
		return 0
	}
	return n.M2 / float64(n.Count-1)
}

// StdDev returns the running sample standard deviation.
func (n *TagNode) StdDev() float64 { return math.Sqrt(n.Variance()) }

// observe folds one numeric observation into the node.
func (n *TagNode) observe(v float64) {
	n.Count++
	delta := v - n.Mean
	n.Mean += delta / float64(n.Count)
	n.M2 += delta * (v - n.Mean)

	if n.Count == 1 {
		n.EWMA = v
		n.Min = v
		n.Max = v
		return
	}
	n.EWMA = ewmaAlpha*v + (1-ewmaAlpha)*n.EWMA
	if v < n.Min {
		n.Min = v
	}
	if v > n.Max {
		n.Max = v
	}
}

// DriverNode tracks the availability history of one driver.
type DriverNode struct {
	DriverID    string                 `json:"driver_id"`
	Status      structs.ConnState      `json:"status"`
	Since       time.Time              `json:"since"`
	Transitions int64                  `json:"transitions"`
	Disconnects int64                  `json:"disconnects"`
	Phase       structs.OperatingPhase `json:"phase"`
}

// ProcessNode smooths the gateway's own resource usage.
type ProcessNode struct {
	CPUPercentEWMA float64   `json:"cpu_percent_ewma"`
	MemoryRSSBytes uint64    `json:"memory_rss_bytes"`
	LastUpdate     time.Time `json:"last_update"`
	Rounds         int64     `json:"rounds"`
}

// Manager is the cognitive layer. It implements fanout.Ingestor and the
// routing policy gate.
type Manager struct {
	logger hclog.Logger
	dir    string

	mu      sync.RWMutex
	started time.Time
	tags    map[string]*TagNode
	drivers map[string]*DriverNode
	process ProcessNode

	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// NewManager builds the cognitive layer. dir, when non-empty, is where
// knowledge checkpoints live; an existing checkpoint is loaded.
func NewManager(dir string, logger hclog.Logger) *Manager {
	m := &Manager{
		logger:     logger.Named("cognitive"),
		dir:        dir,
		started:    time.Now(),
		tags:       make(map[string]*TagNode),
		drivers:    make(map[string]*DriverNode),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if dir != "" {
		if err := m.load(); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("could not load knowledge checkpoint", "error", err)
		}
	}
	return m
}

// Run periodically checkpoints knowledge until Stop is called.
func (m *Manager) Run() {
	defer close(m.doneCh)
	if m.dir == "" {
		<-m.shutdownCh
		return
	}

	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdownCh:
			if err := m.Checkpoint(); err != nil {
				m.logger.Error("final checkpoint failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := m.Checkpoint(); err != nil {
				m.logger.Error("checkpoint failed", "error", err)
			}
		}
	}
}

// Stop signals the checkpoint loop and waits for the final flush.
func (m *Manager) Stop() {
	close(m.shutdownCh)
	<-m.doneCh
}

// IngestDriver implements fanout.Ingestor.
func (m *Manager) IngestDriver(rec *structs.DriverRecord, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.drivers[deviceID]
	if !ok {
		node = &DriverNode{DriverID: deviceID, Since: time.Now()}
		m.drivers[deviceID] = node
	}
	if node.Status != rec.Status {
		node.Transitions++
		if rec.Status == structs.StateDisconnected {
			node.Disconnects++
		}
		node.Status = rec.Status
		node.Since = time.Now()
	}
	node.Phase = rec.Phase
}

// IngestTag implements fanout.Ingestor.
func (m *Manager) IngestTag(sample *structs.TagSample, dev *structs.DeviceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.tags[sample.ID]
	if !ok {
		node = &TagNode{
			TagID:    sample.ID,
			DriverID: sample.DriverID,
			Name:     sample.Name,
			Kind:     sample.DataKind,
		}
		m.tags[sample.ID] = node
	}

	node.LastValue = sample.Value
	node.LastQuality = sample.Quality
	node.LastChange = sample.Timestamp

	if sample.Quality != structs.QualityGood {
		node.BadCount++
		return
	}
	if v, ok := asFloat(sample.Value); ok {
		node.observe(v)
	}
}

// IngestProcess implements fanout.Ingestor.
func (m *Manager) IngestProcess(snap *fanout.ProcessSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.process.Rounds == 0 {
		m.process.CPUPercentEWMA = snap.CPUPercent
	} else {
		m.process.CPUPercentEWMA = ewmaAlpha*snap.CPUPercent + (1-ewmaAlpha)*m.process.CPUPercentEWMA
	}
	m.process.MemoryRSSBytes = snap.MemoryRSSBytes
	m.process.LastUpdate = snap.Timestamp
	m.process.Rounds++
}

// ValidateWrite implements the routing policy gate: per-tag bounds are
// enforced for every caller, regardless of operating phase.
func (m *Manager) ValidateWrite(tag *structs.TagConfig, dev *structs.DeviceConfig, value any) structs.WriteDecision {
	phase := structs.PhaseMonitoring
	if dev != nil && dev.Options.Phase != "" {
		phase = dev.Options.Phase
	}

	if tag != nil && tag.Restrictions != nil {
		if v, ok := asFloat(value); ok {
			if tag.Restrictions.Min != nil && v < *tag.Restrictions.Min {
				return structs.WriteDecision{
					Reason: fmt.Sprintf("value %v below minimum %v", value, *tag.Restrictions.Min),
					Phase:  phase,
				}
			}
			if tag.Restrictions.Max != nil && v > *tag.Restrictions.Max {
				return structs.WriteDecision{
					Reason: fmt.Sprintf("value %v above maximum %v", value, *tag.Restrictions.Max),
					Phase:  phase,
				}
			}
		}
	}

	return structs.WriteDecision{Allow: true, Phase: phase}
}

// Status summarizes the layer for the control plane.
func (m *Manager) Status() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	phases := make(map[string]string, len(m.drivers))
	for id, node := range m.drivers {
		phases[id] = string(node.Phase)
	}
	return map[string]any{
		"ativo":          true,
		"uptime_s":       time.Since(m.started).Seconds(),
		"nos_tag":        len(m.tags),
		"nos_driver":     len(m.drivers),
		"fases":          phases,
		"rodadas":        m.process.Rounds,
		"cpu_percentual": m.process.CPUPercentEWMA,
	}
}

// Metrics exposes the per-tag statistics.
func (m *Manager) Metrics() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tags := make(map[string]any, len(m.tags))
	for id, node := range m.tags {
		tags[id] = map[string]any{
			"contagem":       node.Count,
			"media":          node.Mean,
			"desvio_padrao":  node.StdDev(),
			"ewma":           node.EWMA,
			"minimo":         node.Min,
			"maximo":         node.Max,
			"leituras_ruins": node.BadCount,
			"ultimo_valor":   node.LastValue,
		}
	}
	return map[string]any{"tags": tags}
}

// Knowledge dumps the full knowledge base.
func (m *Manager) Knowledge() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{
		"tags":     m.tags,
		"drivers":  m.drivers,
		"processo": m.process,
	}
}

type checkpoint struct {
	SavedAt time.Time              `json:"saved_at"`
	Tags    map[string]*TagNode    `json:"tags"`
	Drivers map[string]*DriverNode `json:"drivers"`
	Process ProcessNode            `json:"process"`
}

// Checkpoint writes the knowledge base atomically (write then rename).
func (m *Manager) Checkpoint() error {
	m.mu.RLock()
	cp := checkpoint{
		SavedAt: time.Now(),
		Tags:    m.tags,
		Drivers: m.drivers,
		Process: m.process,
	}
	raw, err := json.MarshalIndent(&cp, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(m.dir, checkpointFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(m.dir, checkpointFile))
}

func (m *Manager) load() error {
	raw, err := os.ReadFile(filepath.Join(m.dir, checkpointFile))
	if err != nil {
		return err
	}
	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return fmt.Errorf("corrupt knowledge checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cp.Tags != nil {
		m.tags = cp.Tags
	}
	if cp.Drivers != nil {
		m.drivers = cp.Drivers
	}
	m.process = cp.Process
	m.logger.Info("knowledge checkpoint restored",
		"tags", len(m.tags), "drivers", len(m.drivers), "saved_at", cp.SavedAt)
	return nil
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
