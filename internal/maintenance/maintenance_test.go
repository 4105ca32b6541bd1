package maintenance

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

func quietLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "maintenance-test", Output: io.Discard})
}

type memoryLeaseStore struct {
	values map[string]string
}

func newMemoryLeaseStore() *memoryLeaseStore {
	return &memoryLeaseStore{values: map[string]string{}}
}

func (m *memoryLeaseStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key], _ = value.(string)
	return true, nil
}

func (m *memoryLeaseStore) DelIfEquals(_ context.Context, key, expected string) (bool, error) {
	if v, ok := m.values[key]; ok && v == expected {
		delete(m.values, key)
		return true, nil
	}
	return false, nil
}

type countingTask struct {
	name string
	err  error
	runs int
}

func (c *countingTask) Name() string { return c.name }

func (c *countingTask) Run(context.Context) error {
	c.runs++
	return c.err
}

type recordingObserver struct {
	failures int
	total    int
}

func (r *recordingObserver) ObserveTask(_ string, _ time.Duration, err error) {
	r.total++
	if err != nil {
		r.failures++
	}
}

func TestCycleRunsEveryTaskEvenAfterFailure(t *testing.T) {
	store := newMemoryLeaseStore()
	lease, err := NewRedisLease(store, "maintenance:lock", time.Minute)
	if err != nil {
		t.Fatalf("new lease: %v", err)
	}
	failing := &countingTask{name: "failing", err: errors.New("boom")}
	healthy := &countingTask{name: "healthy"}
	observer := &recordingObserver{}

	scheduler, err := NewScheduler(SchedulerParams{
		Logger:  quietLogger(),
		Tasks:   []Task{failing, nil, healthy},
		Lease:   lease,
		Metrics: observer,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	scheduler.cycle(context.Background())
	if failing.runs != 1 || healthy.runs != 1 {
		t.Fatalf("expected each task once, got failing=%d healthy=%d", failing.runs, healthy.runs)
	}
	if observer.total != 2 || observer.failures != 1 {
		t.Fatalf("unexpected observations %+v", observer)
	}
	if _, held := store.values["maintenance:lock"]; held {
		t.Fatalf("lease should be released after the cycle")
	}
}

func TestCycleSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	store := newMemoryLeaseStore()
	store.values["maintenance:lock"] = "other-replica"
	lease, _ := NewRedisLease(store, "maintenance:lock", time.Minute)
	task := &countingTask{name: "task"}

	scheduler, err := NewScheduler(SchedulerParams{Logger: quietLogger(), Tasks: []Task{task}, Lease: lease})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	scheduler.cycle(context.Background())

	if task.runs != 0 {
		t.Fatalf("task should not run without the lease")
	}
	if store.values["maintenance:lock"] != "other-replica" {
		t.Fatalf("foreign lease must not be released")
	}
}

func TestLeaseReleaseIgnoresForeignOwner(t *testing.T) {
	store := newMemoryLeaseStore()
	lease, _ := NewRedisLease(store, "k", time.Minute)

	ok, err := lease.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected acquire, got ok=%v err=%v", ok, err)
	}
	store.values["k"] = "someone-else"
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.values["k"] != "someone-else" {
		t.Fatalf("release deleted a lease it no longer owned")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	lease, _ := NewRedisLease(newMemoryLeaseStore(), "k", time.Minute)
	scheduler, err := NewScheduler(SchedulerParams{Logger: quietLogger(), Lease: lease, Interval: time.Hour})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := scheduler.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type fakePurger struct {
	cutoff time.Time
	err    error
}

func (f *fakePurger) DeleteDeliveredBefore(_ context.Context, _ *gorm.DB, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, f.err
}

type passthroughTx struct{}

func (passthroughTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func TestOutboxRetentionComputesCutoff(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	purger := &fakePurger{}
	task, err := NewOutboxRetention(OutboxRetentionParams{
		Logger:    quietLogger(),
		DB:        passthroughTx{},
		Outbox:    purger,
		Retention: 48 * time.Hour,
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := now.Add(-48 * time.Hour); !purger.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, purger.cutoff)
	}

	purger.err = errors.New("db down")
	if err := task.Run(context.Background()); err == nil {
		t.Fatalf("expected error to propagate")
	}
}
