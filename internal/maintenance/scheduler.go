package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const defaultInterval = time.Hour

// Task is one unit of periodic cleanup.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type taskObserver interface {
	ObserveTask(task string, elapsed time.Duration, err error)
}

type SchedulerParams struct {
	Logger   *logger.Logger
	Tasks    []Task
	Lease    Lease
	Metrics  taskObserver
	Interval time.Duration
}

// Scheduler runs every task once per interval. Only the replica holding the
// lease does work in a given cycle.
type Scheduler struct {
	logg     *logger.Logger
	tasks    []Task
	lease    Lease
	metrics  taskObserver
	interval time.Duration
}

func NewScheduler(params SchedulerParams) (*Scheduler, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lease == nil {
		return nil, fmt.Errorf("lease required")
	}
	tasks := make([]Task, 0, len(params.Tasks))
	for _, task := range params.Tasks {
		if task != nil {
			tasks = append(tasks, task)
		}
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		logg:     params.Logger,
		tasks:    tasks,
		lease:    params.Lease,
		metrics:  params.Metrics,
		interval: interval,
	}, nil
}

// Run executes a cycle immediately and then on every tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cycle(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	held, err := s.lease.Acquire(ctx)
	if err != nil {
		s.logg.Error(ctx, "maintenance.lease_failed", err)
		return
	}
	if !held {
		s.logg.Debug(ctx, "maintenance.lease_held_elsewhere")
		return
	}
	defer func() {
		if err := s.lease.Release(ctx); err != nil {
			s.logg.Error(ctx, "maintenance.lease_release_failed", err)
		}
	}()

	for _, task := range s.tasks {
		s.runTask(ctx, task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task Task) {
	taskCtx := s.logg.WithField(ctx, "task", task.Name())
	start := time.Now()
	err := task.Run(taskCtx)
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveTask(task.Name(), elapsed, err)
	}

	taskCtx = s.logg.WithField(taskCtx, "duration_ms", elapsed.Milliseconds())
	if err != nil {
		s.logg.Error(taskCtx, "maintenance.task_failed", err)
		return
	}
	s.logg.Info(taskCtx, "maintenance.task_completed")
}
