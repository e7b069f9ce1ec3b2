// Package structs holds the shared data model of the gateway: device and tag
// configuration, the per-driver runtime record published to the snapshot, and
// the write commands routed to driver runners.
package structs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/copystructure"
)

// Protocol identifies a driver protocol family. Selection is by the
// configuration string `tipo`.
type Protocol string

const (
	ProtocolControlLogix Protocol = "controllogix"
	ProtocolModbusTCP    Protocol = "modbus_tcp"
	ProtocolMQTT         Protocol = "mqtt"
	ProtocolSQL          Protocol = "sql"
)

// DataKind is the declared kind of a tag value.
type DataKind string

const (
	KindBool   DataKind = "bool"
	KindInt    DataKind = "int"
	KindFloat  DataKind = "float"
	KindString DataKind = "string"
)

// Normalize folds the aliases that appear in real configuration files
// (int16, uint16, real, double) onto the canonical kinds.
func (k DataKind) Normalize() DataKind {
	switch strings.ToLower(string(k)) {
	case "bool", "boolean":
		return KindBool
	case "int", "int16", "uint16", "dint":
		return KindInt
	case "float", "real", "double":
		return KindFloat
	case "string":
		return KindString
	}
	return k
}

// Quality of a tag sample.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// ConnState is the connection state of a driver runner.
type ConnState string

const (
	StateStarting     ConnState = "starting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateStopped      ConnState = "stopped"
)

// OperatingPhase gates how much autonomy the cognitive layer has over a
// device. The default is monitoring: observe, never actuate.
type OperatingPhase string

const (
	PhaseMonitoring OperatingPhase = "monitoring"
	PhaseSuggestion OperatingPhase = "suggestion"
	PhaseAutonomous OperatingPhase = "autonomous"
)

// DeviceOptions is the protocol-specific options block of a device. Field
// names on the wire match the configuration document produced by the studio.
type DeviceOptions struct {
	IP       string `json:"ip,omitempty"`
	Host     string `json:"host,omitempty"`
	Porta    int    `json:"porta,omitempty"`
	Port     int    `json:"port,omitempty"`
	SlaveID  int    `json:"slave_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Login    string `json:"login,omitempty"`
	Senha    string `json:"senha,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	DBType   string `json:"db_type,omitempty"`
	Database string `json:"database,omitempty"`
	Table    string `json:"table_name,omitempty"`

	ScanIntervalMS int            `json:"scan_interval"`
	TimeoutMS      int            `json:"timeout"`
	RetryCount     int            `json:"retry_count"`
	LogEnabled     *bool          `json:"log_enabled,omitempty"`
	Phase          OperatingPhase `json:"fase_operacao,omitempty"`
	Restrictions   map[string]any `json:"restricoes,omitempty"`
}

// DeviceConfig is the immutable configuration of one field device.
type DeviceConfig struct {
	ID      string        `json:"id"`
	Name    string        `json:"nome"`
	Type    Protocol      `json:"tipo"`
	Options DeviceOptions `json:"config"`
}

// Address returns the network endpoint of the device. ControlLogix and
// Modbus configurations use `ip`/`porta`, MQTT and SQL use `host`/`port`.
func (d *DeviceConfig) Address() string {
	host := d.Options.IP
	if host == "" {
		host = d.Options.Host
	}
	return host
}

// Endpoint returns host:port when a port is configured.
func (d *DeviceConfig) Endpoint(defaultPort int) string {
	port := d.Options.Porta
	if port == 0 {
		port = d.Options.Port
	}
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", d.Address(), port)
}

func (d *DeviceConfig) ScanInterval() time.Duration {
	return time.Duration(d.Options.ScanIntervalMS) * time.Millisecond
}

func (d *DeviceConfig) Timeout() time.Duration {
	return time.Duration(d.Options.TimeoutMS) * time.Millisecond
}

// LogEnabled defaults to true when unset.
func (d *DeviceConfig) LogEnabled() bool {
	return d.Options.LogEnabled == nil || *d.Options.LogEnabled
}

// TagRestrictions are optional bounds enforced by the write policy gate.
type TagRestrictions struct {
	Min *float64 `json:"valor_minimo,omitempty"`
	Max *float64 `json:"valor_maximo,omitempty"`
}

// TagConfig is the immutable configuration of one tag. Address is opaque to
// the runtime: a symbolic tag path, a register offset, a topic, or a column
// name depending on the owning device's protocol.
type TagConfig struct {
	ID           string           `json:"id"`
	DriverID     string           `json:"id_driver"`
	Name         string           `json:"nome"`
	Address      string           `json:"endereco"`
	DataKind     DataKind         `json:"tipo_dado"`
	ScanEnabled  *bool            `json:"scan_enabled,omitempty"`
	Writable     bool             `json:"escrita_permitida"`
	DisplayField string           `json:"campo_exibir,omitempty"`
	Restrictions *TagRestrictions `json:"restricoes,omitempty"`
}

// Scanned defaults to true when unset.
func (t *TagConfig) Scanned() bool {
	return t.ScanEnabled == nil || *t.ScanEnabled
}

// RegisterAddress parses the tag address as a Modbus register offset.
func (t *TagConfig) RegisterAddress() (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(t.Address), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("tag %s: address %q is not a register offset", t.ID, t.Address)
	}
	return uint16(n), nil
}

// TagSample is one observed value for a tag.
type TagSample struct {
	ID        string    `json:"id"`
	DriverID  string    `json:"id_driver"`
	Name      string    `json:"nome"`
	Address   string    `json:"endereco"`
	DataKind  DataKind  `json:"tipo_dado"`
	Value     any       `json:"valor"`
	Quality   Quality   `json:"qualidade"`
	Timestamp time.Time `json:"timestamp"`
	Diag      string    `json:"log"`
}

// Equivalent reports whether two samples carry the same observation,
// ignoring the timestamp. The fan-out uses this for change detection.
func (s *TagSample) Equivalent(o *TagSample) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Value == o.Value && s.Quality == o.Quality && s.Diag == o.Diag
}

// DriverRecord is the mutable runtime record of one device. Exactly one
// runner owns writes to it; readers always receive deep copies.
type DriverRecord struct {
	Status        ConnState             `json:"status_conexao"`
	Detail        string                `json:"detalhe"`
	Timestamp     time.Time             `json:"timestamp"`
	Config        *DeviceConfig         `json:"config"`
	Phase         OperatingPhase        `json:"fase_atual"`
	ScanLatencyMS int64                 `json:"scan_latency_ms"`
	Tags          map[string]*TagSample `json:"tags"`
}

// Copy returns a deep copy safe for the caller to traverse.
func (r *DriverRecord) Copy() *DriverRecord {
	if r == nil {
		return nil
	}
	dup, err := copystructure.Copy(r)
	if err != nil {
		// Only reachable with an unexpected type inside Value; fall back to
		// a shallow copy with a fresh tag map.
		c := *r
		c.Tags = make(map[string]*TagSample, len(r.Tags))
		for id, s := range r.Tags {
			sc := *s
			c.Tags[id] = &sc
		}
		return &c
	}
	return dup.(*DriverRecord)
}

// WriteCommand is one queued write for a device. Either TagID/Value is set
// (single-tag write) or Batch is set (SQL column batch, optionally targeting
// an existing row).
type WriteCommand struct {
	ID       string
	TagID    string
	Value    any
	Batch    map[string]any
	RowID    any
	Accepted time.Time
}

// IsBatch reports whether the command is a SQL batch write.
func (w *WriteCommand) IsBatch() bool { return w.Batch != nil }

// WriteDecision is the outcome of the cognitive policy gate.
type WriteDecision struct {
	Allow  bool
	Reason string
	Phase  OperatingPhase
}
