package sinks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"market-relay/src/logger"
	"market-relay/src/models"
)

type fakeDB struct {
	mu        sync.Mutex
	snapshots []models.MSnapshot
	saved     []models.MAlertRule
	deleted   []string
	failSaves int
}

func (f *fakeDB) Initialize() error { return nil }
func (f *fakeDB) SaveAlertRule(r models.MAlertRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("database is locked")
	}
	f.saved = append(f.saved, r)
	return nil
}
func (f *fakeDB) DeleteAlertRule(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakeDB) LoadAlertRules() ([]models.MAlertRule, error) { return nil, nil }
func (f *fakeDB) SaveSnapshotsBulk(s []models.MSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, s...)
	return nil
}
func (f *fakeDB) LoadSnapshots() ([]models.MSnapshot, error) { return nil, nil }
func (f *fakeDB) CleanupOldData(time.Time) error              { return nil }
func (f *fakeDB) Close() error                                { return nil }

type fakeCache struct {
	mu    sync.Mutex
	saved []models.MSnapshot
}

func (f *fakeCache) SaveSnapshots(_ context.Context, s []models.MSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, s...)
	return nil
}
func (f *fakeCache) LoadSnapshots(context.Context) ([]models.MSnapshot, error) { return nil, nil }
func (f *fakeCache) Close() error                                              { return nil }

type fakePublisher struct {
	mu        sync.Mutex
	published []models.MAlertTrigger
}

func (f *fakePublisher) PublishAlert(_ context.Context, t models.MAlertTrigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, t)
	return nil
}
func (f *fakePublisher) Close() error { return nil }

// -----------------------------------------------------------------------------

func (f *fakeDB) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

// runUntilCancelled feeds d while it runs, waits for ready (if set), then
// stops it.
func runUntilCancelled(t *testing.T, d *Dispatcher, feed func(), ready func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	feed()
	if ready != nil {
		deadline := time.Now().Add(5 * time.Second)
		for !ready() {
			if time.Now().After(deadline) {
				t.Fatal("dispatcher never reached the expected state")
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	// Run drains and flushes everything queued before returning
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestDispatcherCoalescesSnapshots(t *testing.T) {
	db, cache := &fakeDB{}, &fakeCache{}
	d := New(Options{DB: db, Cache: cache, FlushInterval: time.Hour}, logger.NewLogger(nil, "SinksTest"), nil)

	runUntilCancelled(t, d, func() {
		d.Snapshot(models.MSnapshot{Symbol: "XYZ", Price: 1, LastUpdate: 1})
		d.Snapshot(models.MSnapshot{Symbol: "XYZ", Price: 3, LastUpdate: 3})
		d.Snapshot(models.MSnapshot{Symbol: "XYZ", Price: 2, LastUpdate: 2})
		d.Snapshot(models.MSnapshot{Symbol: "ABC", Price: 9, LastUpdate: 1})
	}, nil)

	sort.Slice(db.snapshots, func(i, j int) bool { return db.snapshots[i].Symbol < db.snapshots[j].Symbol })
	if len(db.snapshots) != 2 || db.snapshots[1].Price != 3 || db.snapshots[0].Price != 9 {
		t.Errorf("db snapshots = %+v", db.snapshots)
	}
	if len(cache.saved) != 2 {
		t.Errorf("cache snapshots = %+v", cache.saved)
	}
}

func TestDispatcherRulesAndAlerts(t *testing.T) {
	db, pub := &fakeDB{failSaves: 1}, &fakePublisher{}
	d := New(Options{DB: db, Publisher: pub}, logger.NewLogger(nil, "SinksTest"), nil)

	runUntilCancelled(t, d, func() {
		d.SaveRule(models.MAlertRule{ID: "r1"})
		d.DeleteRule("r0")
		d.Alert(models.MAlertTrigger{Symbol: "XYZ", Rule: models.MAlertRule{ID: "r1"}})
	}, func() bool { return db.savedCount() == 1 })

	if len(db.saved) != 1 || db.saved[0].ID != "r1" {
		t.Errorf("saved rules = %+v (retry after a failed write expected)", db.saved)
	}
	if len(db.deleted) != 1 || db.deleted[0] != "r0" {
		t.Errorf("deleted = %v", db.deleted)
	}
	if len(pub.published) != 1 || pub.published[0].Symbol != "XYZ" {
		t.Errorf("published = %+v", pub.published)
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	db := &fakeDB{}
	d := New(Options{DB: db, QueueSize: 1}, logger.NewLogger(nil, "SinksTest"), nil)

	// not running: the second enqueue must return immediately
	d.SaveRule(models.MAlertRule{ID: "a"})
	done := make(chan struct{})
	go func() {
		d.SaveRule(models.MAlertRule{ID: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	if len(d.queue) != 1 {
		t.Errorf("queue length = %d, want 1", len(d.queue))
	}
}

func TestNilDispatcherAndMissingSinks(t *testing.T) {
	var d *Dispatcher
	d.Snapshot(models.MSnapshot{Symbol: "XYZ"})
	d.Alert(models.MAlertTrigger{})

	bare := New(Options{}, logger.NewLogger(nil, "SinksTest"), nil)
	bare.Snapshot(models.MSnapshot{Symbol: "XYZ"})
	bare.SaveRule(models.MAlertRule{ID: "r"})
	bare.Alert(models.MAlertTrigger{})
	if len(bare.queue) != 0 {
		t.Errorf("queued %d jobs with no sinks configured", len(bare.queue))
	}
}
