package scheduler

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// CommWorker is a lower-priority communication task (a Modbus/MQTT stand-in,
// spec §5) that reads/writes Process Images from a host goroutine entirely
// outside the VM scheduling class. Run must return when ctx is cancelled.
type CommWorker struct {
	Name string
	Run  func(ctx context.Context) error
}

// CommGroup bounds and supervises a set of CommWorkers: golang.org/x/sync/semaphore
// caps how many run concurrently on host threads, and golang.org/x/sync/errgroup
// supervises their lifetime so Stop cancels every worker atomically.
type CommGroup struct {
	sem     *semaphore.Weighted
	workers []CommWorker

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewCommGroup creates a group allowing at most maxConcurrent workers to run
// at once.
func NewCommGroup(maxConcurrent int64) *CommGroup {
	return &CommGroup{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Register adds a worker. Call before Start.
func (g *CommGroup) Register(w CommWorker) {
	g.workers = append(g.workers, w)
}

// Start launches every registered worker, acquiring a semaphore slot before
// each runs.
func (g *CommGroup) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	g.cancel = cancel
	g.group = group

	for _, w := range g.workers {
		w := w
		group.Go(func() error {
			if err := g.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer g.sem.Release(1)
			return w.Run(gctx)
		})
	}
}

// Stop cancels every running worker and waits for them to return.
func (g *CommGroup) Stop() error {
	if g.cancel == nil {
		return nil
	}
	g.cancel()
	return g.group.Wait()
}
