// Package logbus is the gateway's queryable log fabric: a fixed-capacity
// ring of structured records shared by every component, with a colored
// console renderer and a best-effort tee to a daily file. hclog output is
// routed here through a sink adapter so library logging and gateway logging
// land in the same ring.
package logbus

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
	hclog "github.com/hashicorp/go-hclog"
)

// DefaultCapacity is the ring size when none is configured.
const DefaultCapacity = 5000

// Record is one structured log entry.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Log levels. SUCCESS is a presentation level used for lifecycle milestones.
const (
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarn    = "WARN"
	LevelError   = "ERROR"
	LevelFatal   = "FATAL"
	LevelSuccess = "SUCCESS"
)

var levelColors = map[string]*color.Color{
	LevelDebug:   color.New(color.FgCyan),
	LevelInfo:    color.New(color.FgGreen),
	LevelWarn:    color.New(color.FgYellow),
	LevelError:   color.New(color.FgRed),
	LevelFatal:   color.New(color.BgRed, color.FgWhite),
	LevelSuccess: color.New(color.FgGreen, color.Bold),
}

// Bus is safe for concurrent producers and readers.
type Bus struct {
	mu      sync.Mutex
	ring    []*Record
	next    int
	full    bool
	console io.Writer
	file    *os.File
	subs    map[int]chan *Record
	subSeq  int
}

// New creates a bus with the given ring capacity. When logDir is non-empty
// a session file inlogic_<YYYYMMDD_HHMMSS>.log is opened there; file errors
// are reported but never fatal.
func New(capacity int, logDir string, console io.Writer) (*Bus, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		ring:    make([]*Record, capacity),
		console: console,
		subs:    make(map[int]chan *Record),
	}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return b, fmt.Errorf("creating log directory: %w", err)
		}
		name := fmt.Sprintf("inlogic_%s.log", time.Now().Format("20060102_150405"))
		f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return b, fmt.Errorf("opening log file: %w", err)
		}
		b.file = f
	}
	return b, nil
}

// Log appends a record, renders it, and fans it out to subscribers.
func (b *Bus) Log(level, source, message string, details map[string]any) {
	rec := &Record{
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		Details:   details,
	}

	b.mu.Lock()
	b.ring[b.next] = rec
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}

	if b.console != nil {
		b.renderConsole(rec)
	}
	if b.file != nil {
		b.renderFile(rec)
	}
	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default: // slow subscriber, drop
		}
	}
	b.mu.Unlock()
}

// Recent returns up to n records, oldest first. n <= 0 returns everything.
func (b *Bus) Recent(n int) []*Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	all := b.snapshotLocked()
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Since returns records newer than ts, oldest first.
func (b *Bus) Since(ts time.Time) []*Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Record
	for _, rec := range b.snapshotLocked() {
		if rec.Timestamp.After(ts) {
			out = append(out, rec)
		}
	}
	return out
}

// Subscribe returns a channel of live records and a cancel function.
func (b *Bus) Subscribe(buffer int) (<-chan *Record, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.subSeq
	b.subSeq++
	ch := make(chan *Record, buffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Close releases the session file.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}

func (b *Bus) snapshotLocked() []*Record {
	if !b.full {
		out := make([]*Record, b.next)
		copy(out, b.ring[:b.next])
		return out
	}
	out := make([]*Record, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	out = append(out, b.ring[:b.next]...)
	return out
}

func (b *Bus) renderConsole(rec *Record) {
	c, ok := levelColors[rec.Level]
	if !ok {
		c = color.New(color.FgWhite)
	}
	fmt.Fprintf(b.console, "%s | %s | %-25s | %s\n",
		rec.Timestamp.Format("2006-01-02 15:04:05"),
		c.Sprintf("%-8s", rec.Level),
		rec.Source,
		c.Sprint(rec.Message))
	if len(rec.Details) > 0 {
		if raw, err := json.Marshal(rec.Details); err == nil {
			fmt.Fprintf(b.console, "%45s%s\n", "", string(raw))
		}
	}
}

func (b *Bus) renderFile(rec *Record) {
	line := fmt.Sprintf("%s|%s|%s|%s",
		rec.Timestamp.Format("2006-01-02 15:04:05"), rec.Level, rec.Source, rec.Message)
	if len(rec.Details) > 0 {
		if raw, err := json.Marshal(rec.Details); err == nil {
			line += "|" + string(raw)
		}
	}
	fmt.Fprintln(b.file, line)
}

// SinkAdapter returns an hclog sink that mirrors hclog output into the bus.
func (b *Bus) SinkAdapter() hclog.SinkAdapter { return &hclogSink{bus: b} }

type hclogSink struct {
	bus *Bus
}

func (s *hclogSink) Accept(name string, level hclog.Level, msg string, args ...interface{}) {
	details := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		details[fmt.Sprintf("%v", args[i])] = args[i+1]
	}
	if len(details) == 0 {
		details = nil
	}
	if name == "" {
		name = "gateway"
	}
	s.bus.Log(hclogLevel(level), name, msg, details)
}

func hclogLevel(level hclog.Level) string {
	switch level {
	case hclog.Trace, hclog.Debug:
		return LevelDebug
	case hclog.Warn:
		return LevelWarn
	case hclog.Error:
		return LevelError
	default:
		return LevelInfo
	}
}
