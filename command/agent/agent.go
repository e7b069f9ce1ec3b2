// Package agent wires the gateway together: it loads the plant configuration,
// builds the snapshot store, routing fabric, cognitive layer, and one runner
// per device, and exposes the whole thing over HTTP. The agent supervises
// restarts without dropping the control plane.
package agent

import (
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/inlogic/gateway/gateway/cognitive"
	gwconfig "github.com/inlogic/gateway/gateway/config"
	"github.com/inlogic/gateway/gateway/fanout"
	"github.com/inlogic/gateway/gateway/routing"
	"github.com/inlogic/gateway/gateway/runner"
	"github.com/inlogic/gateway/gateway/state"
	"github.com/inlogic/gateway/logbus"
)

// Agent is one gateway process.
type Agent struct {
	config *Config
	logger hclog.Logger
	bus    *logbus.Bus

	store  *state.Store
	brain  *cognitive.Manager
	fabric *routing.Fabric

	httpServer *HTTPServer
	console    *consolePanel
	inmemSink  *metrics.InmemSink

	startedAt time.Time

	// runMu guards the restartable half: document, runners, distributor.
	runMu    sync.Mutex
	doc      *gwconfig.Document
	runners  []*runner.Runner
	dist     *fanout.Distributor
	restarts int

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewAgent builds and starts the gateway.
func NewAgent(config *Config, bus *logbus.Bus, logger hclog.Logger) (*Agent, error) {
	a := &Agent{
		config:     config,
		logger:     logger.Named("agent"),
		bus:        bus,
		store:      state.NewStore(),
		startedAt:  time.Now(),
		shutdownCh: make(chan struct{}),
	}

	if err := a.setupTelemetry(); err != nil {
		return nil, err
	}

	a.brain = cognitive.NewManager(config.DataDir, logger)
	go a.brain.Run()

	doc, err := gwconfig.Load(config.ConfigPath)
	if err != nil {
		a.brain.Stop()
		return nil, err
	}

	a.fabric = routing.New(doc.Devices(), doc.Tags(), a.brain, logger)
	a.startWorkers(doc)

	httpServer, err := NewHTTPServer(a, config, logger)
	if err != nil {
		a.stopWorkers()
		a.brain.Stop()
		return nil, fmt.Errorf("starting control plane: %w", err)
	}
	a.httpServer = httpServer

	if config.Console {
		a.console = newConsolePanel(a, config.StatusInterval)
		go a.console.Run()
	}

	a.logger.Info("gateway started",
		"devices", len(doc.Devices()), "tags", len(doc.Tags()), "http", config.HTTPAddr())
	return a, nil
}

// setupTelemetry installs the in-memory sink served by /api/metrics.
func (a *Agent) setupTelemetry() error {
	a.inmemSink = metrics.NewInmemSink(10*time.Second, time.Minute)

	cfg := metrics.DefaultConfig("inlogic-gateway")
	cfg.EnableHostname = false
	if _, err := metrics.NewGlobal(cfg, a.inmemSink); err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	return nil
}

// startWorkers builds the distributor and one runner per device. Callers
// hold runMu or are the constructor.
func (a *Agent) startWorkers(doc *gwconfig.Document) {
	a.doc = doc
	a.store.Reset(doc.Devices())

	a.runners = a.runners[:0]
	for _, dev := range doc.Devices() {
		r := runner.New(dev, doc.TagsForDevice(dev.ID), a.store, a.fabric, a.logger)
		a.runners = append(a.runners, r)
		go r.Run()
	}

	interval := a.config.FanoutInterval
	if doc.FanoutIntervalS > 0 {
		interval = time.Duration(doc.FanoutIntervalS * float64(time.Second))
	}
	a.dist = fanout.New(a.store, a.bus, interval, a.logger, a.brain)
	go a.dist.Run()
}

func (a *Agent) stopWorkers() {
	if a.dist != nil {
		a.dist.Stop()
		a.dist = nil
	}

	var wg sync.WaitGroup
	for _, r := range a.runners {
		wg.Add(1)
		go func(r *runner.Runner) {
			defer wg.Done()
			r.Stop()
		}(r)
	}
	wg.Wait()
	a.runners = nil
}

// Restart reloads the plant configuration and rebuilds every worker. The
// HTTP listener and the cognitive knowledge base survive.
func (a *Agent) Restart() error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.logger.Info("restart requested")
	start := time.Now()

	doc, err := gwconfig.Load(a.config.ConfigPath)
	if err != nil {
		return fmt.Errorf("reloading configuration: %w", err)
	}

	a.stopWorkers()
	a.fabric.Rebuild(doc.Devices(), doc.Tags())
	a.startWorkers(doc)
	a.restarts++

	metrics.MeasureSince([]string{"gateway", "agent", "restart"}, start)
	a.logger.Info("restart complete", "devices", len(doc.Devices()), "elapsed", time.Since(start).String())
	return nil
}

// Shutdown stops the gateway: control plane first (bounded grace), then
// workers, then the cognitive checkpoint.
func (a *Agent) Shutdown() {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return
	}
	a.shutdown = true
	close(a.shutdownCh)

	a.logger.Info("shutting down")
	if a.console != nil {
		a.console.Stop()
	}
	if a.httpServer != nil {
		a.httpServer.Shutdown()
	}

	a.runMu.Lock()
	a.stopWorkers()
	a.runMu.Unlock()

	a.brain.Stop()
	a.logger.Info("shutdown complete")
}

// Document returns the active plant configuration.
func (a *Agent) Document() *gwconfig.Document {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.doc
}

// Uptime reports how long the agent has been running.
func (a *Agent) Uptime() time.Duration { return time.Since(a.startedAt) }

// Restarts reports how many soft restarts have happened.
func (a *Agent) Restarts() int {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.restarts
}
