package sinks

import (
	"context"
	"time"

	"market-relay/src/helpers"
	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/metrics"
	"market-relay/src/models"
)

const (
	DefaultQueueSize   = 4096
	sinkTimeout        = 5 * time.Second
	cleanupInterval    = time.Hour
	ruleWriteRetries   = 3
	ruleWriteBaseDelay = 100 * time.Millisecond
)

type jobKind int

const (
	jobSnapshot jobKind = iota
	jobSaveRule
	jobDeleteRule
	jobAlert
)

type job struct {
	kind     jobKind
	snapshot models.MSnapshot
	rule     models.MAlertRule
	trigger  models.MAlertTrigger
}

// -----------------------------------------------------------------------------

// Dispatcher moves side effects (persistence, cache mirror, alert publishing)
// off the hub goroutine. Enqueueing never blocks: when the queue is full the
// job is dropped and counted. Every sink is optional and a nil *Dispatcher
// accepts and discards everything.
type Dispatcher struct {
	db        interfaces.IDatabase
	cache     interfaces.ISnapshotCache
	publisher interfaces.IAlertPublisher
	Logger    *logger.Logger
	metrics   *metrics.Metrics

	queue         chan job
	flushInterval time.Duration
	retention     time.Duration

	// owned by Run
	pending map[string]models.MSnapshot
}

// -----------------------------------------------------------------------------

type Options struct {
	DB            interfaces.IDatabase
	Cache         interfaces.ISnapshotCache
	Publisher     interfaces.IAlertPublisher
	QueueSize     int
	FlushInterval time.Duration
	Retention     time.Duration // snapshots older than this are purged; 0 keeps all
}

func New(opts Options, l *logger.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	return &Dispatcher{
		db:            opts.DB,
		cache:         opts.Cache,
		publisher:     opts.Publisher,
		Logger:        l,
		metrics:       m,
		queue:         make(chan job, opts.QueueSize),
		flushInterval: opts.FlushInterval,
		retention:     opts.Retention,
		pending:       make(map[string]models.MSnapshot),
	}
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) Snapshot(s models.MSnapshot) {
	if d == nil || (d.db == nil && d.cache == nil) {
		return
	}
	d.enqueue(job{kind: jobSnapshot, snapshot: s}, "snapshot")
}

func (d *Dispatcher) SaveRule(r models.MAlertRule) {
	if d == nil || d.db == nil {
		return
	}
	d.enqueue(job{kind: jobSaveRule, rule: r}, "rule")
}

func (d *Dispatcher) DeleteRule(id string) {
	if d == nil || d.db == nil {
		return
	}
	d.enqueue(job{kind: jobDeleteRule, rule: models.MAlertRule{ID: id}}, "rule")
}

func (d *Dispatcher) Alert(t models.MAlertTrigger) {
	if d == nil || d.publisher == nil {
		return
	}
	d.enqueue(job{kind: jobAlert, trigger: t}, "alert")
}

func (d *Dispatcher) enqueue(j job, sink string) {
	select {
	case d.queue <- j:
	default:
		d.metrics.SinkDropped(sink)
		d.Logger.Warning("Sink queue full, dropping %s update", sink)
	}
}

// -----------------------------------------------------------------------------

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	flush := time.NewTicker(d.flushInterval)
	defer flush.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case j := <-d.queue:
			d.handle(ctx, j)

		case <-flush.C:
			d.flush(ctx)

		case <-cleanup.C:
			d.cleanup()

		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	// the parent context is gone; give the final writes their own deadline
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	for {
		select {
		case j := <-d.queue:
			d.handle(ctx, j)
		default:
			d.flush(ctx)
			return
		}
	}
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) handle(ctx context.Context, j job) {
	switch j.kind {
	case jobSnapshot:
		// coalesce: only the newest snapshot per symbol is written
		if prev, ok := d.pending[j.snapshot.Symbol]; !ok || j.snapshot.LastUpdate >= prev.LastUpdate {
			d.pending[j.snapshot.Symbol] = j.snapshot
		}

	case jobSaveRule:
		err := helpers.RetryWithBackoff(ctx, d.Logger, "save alert rule", ruleWriteRetries, ruleWriteBaseDelay, func() error {
			return d.db.SaveAlertRule(j.rule)
		})
		if err != nil {
			d.Logger.Error("Failed to persist alert rule %s: %v", j.rule.ID, err)
		}

	case jobDeleteRule:
		err := helpers.RetryWithBackoff(ctx, d.Logger, "delete alert rule", ruleWriteRetries, ruleWriteBaseDelay, func() error {
			return d.db.DeleteAlertRule(j.rule.ID)
		})
		if err != nil {
			d.Logger.Error("Failed to delete alert rule %s: %v", j.rule.ID, err)
		}

	case jobAlert:
		pctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := d.publisher.PublishAlert(pctx, j.trigger)
		cancel()
		if err != nil {
			d.metrics.SinkDropped("alert")
			d.Logger.Error("Failed to publish alert %s: %v", j.trigger.Rule.ID, err)
		}
	}
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) flush(ctx context.Context) {
	if len(d.pending) == 0 {
		return
	}

	batch := make([]models.MSnapshot, 0, len(d.pending))
	for _, s := range d.pending {
		batch = append(batch, s)
	}
	d.pending = make(map[string]models.MSnapshot)

	if d.db != nil {
		if err := d.db.SaveSnapshotsBulk(batch); err != nil {
			d.Logger.Error("Failed to persist %d snapshot(s): %v", len(batch), err)
		}
	}
	if d.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := d.cache.SaveSnapshots(cctx, batch)
		cancel()
		if err != nil {
			d.Logger.Warning("Failed to mirror %d snapshot(s) to cache: %v", len(batch), err)
		}
	}
}

func (d *Dispatcher) cleanup() {
	if d.db == nil || d.retention <= 0 {
		return
	}
	if err := d.db.CleanupOldData(time.Now().Add(-d.retention)); err != nil {
		d.Logger.Error("Snapshot cleanup failed: %v", err)
	}
}
