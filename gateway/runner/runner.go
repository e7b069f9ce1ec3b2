// Package runner hosts the per-device worker. Each runner owns exactly one
// driver session and is the only writer of its device's snapshot record. The
// lifecycle is a small state machine: connect with a bounded retry budget,
// back off when the budget is spent, then scan until the session dies or the
// gateway stops.
package runner

import (
	"context"
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"

	"github.com/inlogic/gateway/driver"
	"github.com/inlogic/gateway/gateway/routing"
	"github.com/inlogic/gateway/gateway/state"
	"github.com/inlogic/gateway/gateway/structs"
)

const (
	// retryDelay separates connection attempts within one retry budget.
	retryDelay = 2 * time.Second

	// reconnectBackoff is the pause after a whole retry budget is spent.
	reconnectBackoff = 10 * time.Second

	// idleTick is the scan period floor so a zero interval never busy-loops.
	idleTick = 25 * time.Millisecond

	// errorLogInterval rate-limits repeated connection failure logs.
	errorLogInterval = 30 * time.Second
)

// Runner drives one configured device.
type Runner struct {
	dev    *structs.DeviceConfig
	tags   []*structs.TagConfig
	store  *state.Store
	fabric *routing.Fabric
	logger hclog.Logger

	errLog *rate.Sometimes

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// New builds a runner for one device. Call Run from its own goroutine.
func New(dev *structs.DeviceConfig, tags []*structs.TagConfig, store *state.Store, fabric *routing.Fabric, logger hclog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		dev:        dev,
		tags:       tags,
		store:      store,
		fabric:     fabric,
		logger:     logger.Named("runner").With("device", dev.ID, "protocol", dev.Type),
		errLog:     &rate.Sometimes{Interval: errorLogInterval},
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Stop signals the runner and waits for it to finish.
func (r *Runner) Stop() {
	close(r.shutdownCh)
	r.cancel()
	<-r.doneCh
}

// Run executes the runner's lifecycle until Stop is called.
func (r *Runner) Run() {
	defer close(r.doneCh)
	defer func() {
		// A fatal configuration error already parked the record in stopped
		// with its own detail; keep it.
		if rec := r.store.Get(r.dev.ID); rec != nil && rec.Status == structs.StateStopped {
			return
		}
		r.store.SetStatus(r.dev.ID, structs.StateStopped, "worker stopped")
	}()

	if !driver.Registered(r.dev.Type) {
		r.logger.Error("no adapter for configured protocol")
		r.store.SetStatus(r.dev.ID, structs.StateDisconnected,
			fmt.Sprintf("unsupported protocol %q", r.dev.Type))
		<-r.shutdownCh
		return
	}

	for {
		session := r.connect()
		if session == nil {
			return // shutting down
		}

		r.store.SetStatus(r.dev.ID, structs.StateConnected, "connected")
		if r.dev.LogEnabled() {
			r.logger.Info("connected", "endpoint", r.dev.Address())
		}
		metrics.IncrCounter([]string{"gateway", "driver", "connect"}, 1)

		var stopping bool
		if sub, ok := session.(driver.Subscriber); ok {
			stopping = r.consume(session, sub)
		} else {
			stopping = r.scan(session)
		}
		session.Close()
		r.markAllBad("connection lost")

		if stopping {
			return
		}

		r.store.SetStatus(r.dev.ID, structs.StateDisconnected, "reconnecting")
		metrics.IncrCounter([]string{"gateway", "driver", "disconnect"}, 1)
	}
}

// connect attempts to open a session, honoring the retry budget and the
// backoff between budgets. Returns nil only when shutting down.
func (r *Runner) connect() driver.Session {
	budget := r.dev.Options.RetryCount

	for {
		for attempt := 1; attempt <= budget; attempt++ {
			select {
			case <-r.shutdownCh:
				return nil
			default:
			}

			session, err := driver.Open(r.ctx, r.dev, r.tags, r.logger)
			if err == nil {
				return session
			}

			// A configuration error (missing endpoint, bad credentials
			// shape) cannot heal through retries: fail this driver only.
			if structs.KindOf(err) == structs.ErrKindConfig {
				r.logger.Error("configuration error, stopping worker", "error", err)
				r.publishAllBad(err.Error())
				r.store.SetStatus(r.dev.ID, structs.StateStopped, err.Error())
				<-r.shutdownCh
				return nil
			}

			r.errLog.Do(func() {
				r.logger.Error("connection attempt failed",
					"attempt", attempt, "budget", budget, "error", err)
			})
			r.store.SetStatus(r.dev.ID, structs.StateDisconnected, err.Error())

			if attempt < budget && !r.sleep(retryDelay) {
				return nil
			}
		}

		r.errLog.Do(func() {
			r.logger.Warn("retry budget exhausted, backing off",
				"backoff", reconnectBackoff.String())
		})
		if !r.sleep(reconnectBackoff) {
			return nil
		}
	}
}

// scan is the poll loop: drain pending writes, read every scan-enabled tag
// as one batch, publish the snapshot, then sleep out the remainder of the
// period. Returns true when the gateway is shutting down.
func (r *Runner) scan(session driver.Session) bool {
	period := r.dev.ScanInterval()
	if period <= 0 {
		period = idleTick
	}
	queue := r.fabric.Queue(r.dev.ID)

	scanned := make([]*structs.TagConfig, 0, len(r.tags))
	addrs := make([]string, 0, len(r.tags))
	for _, tag := range r.tags {
		if tag.Scanned() {
			scanned = append(scanned, tag)
			addrs = append(addrs, tag.Address)
		}
	}

	for {
		start := time.Now()

		if err := r.drainWrites(session, queue); err != nil {
			return false
		}

		results, err := session.Read(r.ctx, addrs)
		if err != nil && structs.IsReconnectable(err) {
			r.errLog.Do(func() { r.logger.Error("scan failed", "error", err) })
			return false
		}
		r.publish(scanned, results)
		metrics.MeasureSince([]string{"gateway", "driver", "scan"}, start)

		remaining := period - time.Since(start)
		if remaining < idleTick {
			remaining = idleTick
		}

		timer := time.NewTimer(remaining)
		select {
		case <-r.shutdownCh:
			timer.Stop()
			return true
		case cmd := <-queue:
			timer.Stop()
			if err := r.apply(session, cmd); err != nil && structs.IsReconnectable(err) {
				return false
			}
		case <-timer.C:
		}
	}
}

// consume is the push loop for subscriber sessions: record updates as they
// arrive, apply writes immediately, and probe liveness once per period.
// Returns true when the gateway is shutting down.
func (r *Runner) consume(session driver.Session, sub driver.Subscriber) bool {
	period := r.dev.ScanInterval()
	if period <= 0 {
		period = time.Second
	}
	queue := r.fabric.Queue(r.dev.ID)

	byAddr := make(map[string]*structs.TagConfig, len(r.tags))
	seed := make(map[string]*structs.TagSample, len(r.tags))
	for _, tag := range r.tags {
		if !tag.Scanned() {
			continue
		}
		byAddr[tag.Address] = tag
		seed[tag.ID] = r.sample(tag, nil, structs.QualityUncertain, "awaiting publication")
	}
	r.store.MergeTags(r.dev.ID, seed)

	liveness := time.NewTicker(period)
	defer liveness.Stop()

	for {
		select {
		case <-r.shutdownCh:
			return true

		case u := <-sub.Updates():
			tag, ok := byAddr[u.Address]
			if !ok {
				continue
			}
			var s *structs.TagSample
			switch {
			case u.Err != nil:
				s = r.sample(tag, nil, structs.QualityBad, u.Err.Error())
			case u.Value == nil:
				s = r.sample(tag, nil, structs.QualityBad, "empty payload")
			default:
				s = r.coerced(tag, u.Value)
			}
			r.store.MergeTags(r.dev.ID, map[string]*structs.TagSample{tag.ID: s})
			metrics.IncrCounter([]string{"gateway", "driver", "update"}, 1)

		case cmd := <-queue:
			if err := r.apply(session, cmd); err != nil && structs.IsReconnectable(err) {
				return false
			}

		case <-liveness.C:
			if !session.Alive() {
				r.errLog.Do(func() { r.logger.Error("session lost") })
				return false
			}
		}
	}
}

// drainWrites applies every command already queued, oldest first.
func (r *Runner) drainWrites(session driver.Session, queue <-chan *structs.WriteCommand) error {
	for {
		select {
		case cmd := <-queue:
			if err := r.apply(session, cmd); err != nil && structs.IsReconnectable(err) {
				return err
			}
		default:
			return nil
		}
	}
}

// apply executes one write command against the session.
func (r *Runner) apply(session driver.Session, cmd *structs.WriteCommand) error {
	start := time.Now()
	defer metrics.MeasureSince([]string{"gateway", "driver", "write"}, start)

	if cmd.IsBatch() {
		bw, ok := session.(driver.BatchWriter)
		if !ok {
			r.logger.Error("batch write on non-batch session", "command", cmd.ID)
			return nil
		}
		if err := bw.WriteBatch(r.ctx, cmd.Batch, cmd.RowID); err != nil {
			r.logger.Error("batch write failed", "command", cmd.ID, "error", err)
			return err
		}
		if r.dev.LogEnabled() {
			r.logger.Info("batch write applied", "command", cmd.ID, "columns", len(cmd.Batch))
		}
		return nil
	}

	tag := r.fabric.Tag(cmd.TagID)
	if tag == nil {
		r.logger.Warn("write for unknown tag dropped", "tag", cmd.TagID)
		return nil
	}

	receipt, err := session.Write(r.ctx, tag.Address, cmd.Value, tag.DataKind)
	if err != nil {
		r.logger.Error("write failed", "tag", cmd.TagID, "error", err)
		return err
	}
	if r.dev.LogEnabled() {
		if receipt != nil && receipt.Confirmed {
			r.logger.Info("write confirmed", "tag", cmd.TagID, "readback", receipt.ReadBack)
		} else {
			r.logger.Info("write applied", "tag", cmd.TagID)
		}
	}

	// Reflect the written value immediately; the next scan re-reads it.
	r.store.MergeTags(r.dev.ID, map[string]*structs.TagSample{
		tag.ID: r.coerced(tag, cmd.Value),
	})
	return nil
}

// publish converts one batch of read results into the device's tag map.
// Every sample of the batch and the record itself share one scan stamp.
func (r *Runner) publish(tags []*structs.TagConfig, results []driver.ReadResult) {
	start := time.Now()
	out := make(map[string]*structs.TagSample, len(tags))

	for i, tag := range tags {
		var s *structs.TagSample
		switch {
		case i >= len(results):
			s = r.sample(tag, nil, structs.QualityBad, "no result")
		case results[i].Err != nil:
			s = r.sample(tag, nil, structs.QualityBad, results[i].Err.Error())
		case results[i].Value == nil:
			s = r.sample(tag, nil, structs.QualityBad, "null value")
		default:
			s = r.coerced(tag, results[i].Value)
		}
		s.Timestamp = start
		out[tag.ID] = s
	}

	r.store.ReplaceTags(r.dev.ID, out, time.Since(start), start)
}

// coerced folds a raw adapter value onto the tag's declared kind. A value
// that does not fit keeps its raw form with uncertain quality.
func (r *Runner) coerced(tag *structs.TagConfig, value any) *structs.TagSample {
	v, err := structs.Coerce(value, tag.DataKind)
	if err != nil {
		return r.sample(tag, value, structs.QualityUncertain, err.Error())
	}
	return r.sample(tag, v, structs.QualityGood, "")
}

func (r *Runner) sample(tag *structs.TagConfig, value any, q structs.Quality, diag string) *structs.TagSample {
	return &structs.TagSample{
		ID:        tag.ID,
		DriverID:  tag.DriverID,
		Name:      tag.Name,
		Address:   tag.Address,
		DataKind:  tag.DataKind,
		Value:     value,
		Quality:   q,
		Timestamp: time.Now(),
		Diag:      diag,
	}
}

// markAllBad degrades every sample to bad quality, keeping last values so
// operators can still see what the device reported before it went away.
func (r *Runner) markAllBad(diag string) {
	rec := r.store.Get(r.dev.ID)
	if rec == nil {
		return
	}
	stamp := time.Now()
	for _, s := range rec.Tags {
		s.Quality = structs.QualityBad
		s.Diag = diag
		s.Timestamp = stamp
	}
	r.store.ReplaceTags(r.dev.ID, rec.Tags, 0, stamp)
}

// publishAllBad writes a bad sample for every configured tag. Used when the
// driver never produced a scan, so there are no last values to keep.
func (r *Runner) publishAllBad(diag string) {
	stamp := time.Now()
	out := make(map[string]*structs.TagSample, len(r.tags))
	for _, tag := range r.tags {
		s := r.sample(tag, nil, structs.QualityBad, diag)
		s.Timestamp = stamp
		out[tag.ID] = s
	}
	r.store.ReplaceTags(r.dev.ID, out, 0, stamp)
}

// sleep waits for d, returning false when the runner is stopping.
func (r *Runner) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.shutdownCh:
		return false
	case <-timer.C:
		return true
	}
}
