package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/clinicapture/mediasync/internal/logging"
	"github.com/clinicapture/mediasync/internal/media/reconcile"
	"github.com/clinicapture/mediasync/internal/media/syncer"
)

// ErrNotStarted is returned by tasks whose runner was stopped before its
// startup pass completed.
var ErrNotStarted = errors.New("runner not started")

// OwnerSync runs one owner's two-phase sync. *syncer.Synchronizer
// implements it.
type OwnerSync interface {
	Sync(ctx context.Context, ownerID int64, opts syncer.Options) (syncer.Result, error)
}

// UploadRepair rolls back assets stranded in UPLOADING.
// *repository.Repository implements it.
type UploadRepair interface {
	RollbackUploading(ctx context.Context) (int, error)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Concurrency bounds how many owners SyncAll runs at once (default: 2)
	Concurrency int
	// Logger (default: no-op)
	Logger *logging.Logger
	// OnReconcile is called once with the startup reconciliation report
	OnReconcile func(reconcile.Report)
}

// Runner is the background execution context for syncs.
//
// Nothing submitted to a Runner runs before Start has finished the
// startup pass: stranded uploads are rolled back and duplicate owners are
// merged first. After that, syncs of different owners may overlap while
// syncs of the same owner run one at a time.
type Runner struct {
	sync   OwnerSync
	repair UploadRepair
	owners reconcile.Store
	config RunnerConfig
	logger *logging.Logger

	startOnce sync.Once
	ready     chan struct{}
	startErr  error

	mu    sync.Mutex
	slots map[int64]chan struct{}
}

// NewRunner creates a Runner. repair may be nil.
func NewRunner(s OwnerSync, repair UploadRepair, owners reconcile.Store, config RunnerConfig) (*Runner, error) {
	if s == nil {
		return nil, fmt.Errorf("sync cannot be nil")
	}
	if owners == nil {
		return nil, fmt.Errorf("owner store cannot be nil")
	}
	if config.Concurrency < 1 {
		config.Concurrency = 2
	}
	return &Runner{
		sync:   s,
		repair: repair,
		owners: owners,
		config: config,
		logger: logging.OrNop(config.Logger),
		ready:  make(chan struct{}),
		slots:  make(map[int64]chan struct{}),
	}, nil
}

// Start runs the startup pass once and then releases queued tasks.
//
// A reconciliation group that fails to merge is logged and does not hold
// the barrier. If the pass cannot run at all, the barrier still opens and
// every task fails with the returned error.
func (r *Runner) Start(ctx context.Context) error {
	r.startOnce.Do(func() {
		defer close(r.ready)
		r.startErr = r.startup(ctx)
	})
	return r.startErr
}

func (r *Runner) startup(ctx context.Context) error {
	if r.repair != nil {
		n, err := r.repair.RollbackUploading(ctx)
		if err != nil {
			return fmt.Errorf("failed to roll back interrupted uploads: %w", err)
		}
		if n > 0 {
			r.logger.Warn("rolled back interrupted uploads", "count", n)
		}
	}

	report, err := reconcile.Run(ctx, r.owners, r.logger)
	if r.config.OnReconcile != nil {
		r.config.OnReconcile(report)
	}
	if err != nil && report.Failed == 0 {
		return fmt.Errorf("owner reconciliation failed: %w", err)
	}
	return nil
}

// Ready is closed once the startup pass has finished.
func (r *Runner) Ready() <-chan struct{} {
	return r.ready
}

// Task is a handle on one submitted sync.
type Task struct {
	OwnerID int64

	cancel context.CancelFunc
	done   chan struct{}
	result syncer.Result
	err    error
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel asks the sync to stop between assets. It does not wait.
func (t *Task) Cancel() {
	t.cancel()
}

// Wait blocks until the task finishes or ctx is done. Giving up on the
// wait does not cancel the task.
func (t *Task) Wait(ctx context.Context) (syncer.Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return syncer.Result{OwnerID: t.OwnerID}, ctx.Err()
	}
}

// Submit schedules a sync of one owner and returns immediately.
//
// The task waits for the startup barrier and for any earlier sync of the
// same owner. Cancelling ctx or the task stops it at the next asset
// boundary, or before it starts.
func (r *Runner) Submit(ctx context.Context, ownerID int64, opts syncer.Options) *Task {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		OwnerID: ownerID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer cancel()
		t.result, t.err = r.run(taskCtx, ownerID, opts)
	}()
	return t
}

func (r *Runner) run(ctx context.Context, ownerID int64, opts syncer.Options) (syncer.Result, error) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return syncer.Result{OwnerID: ownerID}, ctx.Err()
	}
	if r.startErr != nil {
		return syncer.Result{OwnerID: ownerID}, fmt.Errorf("%w: %v", ErrNotStarted, r.startErr)
	}

	release, err := r.acquire(ctx, ownerID)
	if err != nil {
		return syncer.Result{OwnerID: ownerID}, err
	}
	defer release()

	return r.sync.Sync(ctx, ownerID, opts)
}

// acquire takes the owner's slot, waiting for a running sync of the same
// owner to finish.
func (r *Runner) acquire(ctx context.Context, ownerID int64) (func(), error) {
	r.mu.Lock()
	slot, ok := r.slots[ownerID]
	if !ok {
		slot = make(chan struct{}, 1)
		r.slots[ownerID] = slot
	}
	r.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OwnerResult pairs an owner with the outcome of its sync.
type OwnerResult struct {
	OwnerID int64
	Result  syncer.Result
	Err     error
}

// SyncAll syncs every owner, at most Concurrency at a time.
//
// One owner failing does not stop the others. Results are ordered by
// owner id; the returned error joins the per-owner errors. optsFor may be
// nil.
func (r *Runner) SyncAll(ctx context.Context, optsFor func(ownerID int64) syncer.Options) ([]OwnerResult, error) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	owners, err := r.owners.ListOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}

	results := make([]OwnerResult, len(owners))
	var g errgroup.Group
	g.SetLimit(r.config.Concurrency)

	for i, o := range owners {
		ownerID := o.ID
		g.Go(func() error {
			var opts syncer.Options
			if optsFor != nil {
				opts = optsFor(ownerID)
			}
			res, err := r.Submit(ctx, ownerID, opts).Wait(ctx)
			results[i] = OwnerResult{OwnerID: ownerID, Result: res, Err: err}
			if err != nil {
				r.logger.Warn("owner sync failed", "owner_id", ownerID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].OwnerID < results[j].OwnerID })

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("owner %d: %w", res.OwnerID, res.Err))
		}
	}
	return results, errors.Join(errs...)
}
