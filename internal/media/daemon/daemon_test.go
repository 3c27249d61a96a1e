package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clinicapture/mediasync/internal/media/db"
	"github.com/clinicapture/mediasync/internal/media/repository"
	"github.com/clinicapture/mediasync/internal/media/schema"
	"github.com/clinicapture/mediasync/internal/media/syncer"
)

// setupTestDB creates a SQLite store in a temp dir.
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

func insertOwner(t *testing.T, store *db.DB, name string) int64 {
	t.Helper()
	o, err := schema.NewOwner(name, 30, "555-0100", time.Now())
	if err != nil {
		t.Fatalf("NewOwner() failed: %v", err)
	}
	id, err := store.InsertOwner(context.Background(), o)
	if err != nil {
		t.Fatalf("InsertOwner() failed: %v", err)
	}
	return id
}

// fakeSync records calls and optionally blocks until released.
type fakeSync struct {
	mu       sync.Mutex
	calls    []int64
	active   map[int64]int
	maxPer   int
	inFlight int32
	maxAll   int32
	entered  chan int64
	release  chan struct{}
	fail     map[int64]error
	onCall   func(ownerID int64)
}

func newFakeSync() *fakeSync {
	return &fakeSync{active: make(map[int64]int), fail: make(map[int64]error)}
}

func (f *fakeSync) Sync(ctx context.Context, ownerID int64, opts syncer.Options) (syncer.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ownerID)
	f.active[ownerID]++
	if f.active[ownerID] > f.maxPer {
		f.maxPer = f.active[ownerID]
	}
	failErr := f.fail[ownerID]
	f.mu.Unlock()

	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		m := atomic.LoadInt32(&f.maxAll)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxAll, m, n) {
			break
		}
	}
	defer func() {
		atomic.AddInt32(&f.inFlight, -1)
		f.mu.Lock()
		f.active[ownerID]--
		f.mu.Unlock()
	}()

	if f.onCall != nil {
		f.onCall(ownerID)
	}
	if f.entered != nil {
		f.entered <- ownerID
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return syncer.Result{OwnerID: ownerID}, ctx.Err()
		}
	}
	if failErr != nil {
		return syncer.Result{OwnerID: ownerID}, failErr
	}
	return syncer.Result{OwnerID: ownerID, Success: true}, nil
}

func (f *fakeSync) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRepair struct {
	calls int32
	n     int
	err   error
}

func (f *fakeRepair) RollbackUploading(ctx context.Context) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.n, f.err
}

func newTestRunner(t *testing.T, s OwnerSync, repair UploadRepair, store *db.DB) *Runner {
	t.Helper()
	r, err := NewRunner(s, repair, store, RunnerConfig{Concurrency: 2})
	if err != nil {
		t.Fatalf("NewRunner() failed: %v", err)
	}
	return r
}

func waitDone(t *testing.T, task *Task) (syncer.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := task.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatalf("task for owner %d did not finish", task.OwnerID)
	}
	return res, err
}

func TestNewRunner(t *testing.T) {
	store := setupTestDB(t)

	tests := []struct {
		name    string
		sync    OwnerSync
		store   *db.DB
		wantErr bool
	}{
		{name: "valid configuration", sync: newFakeSync(), store: store},
		{name: "nil sync", sync: nil, store: store, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRunner(tt.sync, nil, tt.store, RunnerConfig{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewRunner() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && r.config.Concurrency != 2 {
				t.Errorf("Concurrency = %d, want default 2", r.config.Concurrency)
			}
		})
	}

	if _, err := NewRunner(newFakeSync(), nil, nil, RunnerConfig{}); err == nil {
		t.Error("NewRunner() with nil owner store should fail")
	}
}

func TestRunner_TasksWaitForStartup(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	canonical := insertOwner(t, store, "Jane Doe")
	duplicate := insertOwner(t, store, "Jane Doe")

	fs := newFakeSync()
	var sawDuplicate atomic.Bool
	fs.onCall = func(int64) {
		if _, err := store.GetOwner(ctx, duplicate); err == nil {
			sawDuplicate.Store(true)
		}
	}
	repair := &fakeRepair{n: 1}
	r := newTestRunner(t, fs, repair, store)

	task := r.Submit(ctx, canonical, syncer.Options{})

	select {
	case <-task.Done():
		t.Fatal("task finished before Start")
	case <-time.After(50 * time.Millisecond):
	}
	if fs.callCount() != 0 {
		t.Fatal("sync ran before the startup barrier opened")
	}

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	res, err := waitDone(t, task)
	if err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v, want success", res)
	}
	if sawDuplicate.Load() {
		t.Error("sync observed a duplicate owner; reconciliation did not finish first")
	}
	if atomic.LoadInt32(&repair.calls) != 1 {
		t.Errorf("RollbackUploading calls = %d, want 1", repair.calls)
	}

	// Start is once only.
	if err := r.Start(ctx); err != nil {
		t.Fatalf("second Start() failed: %v", err)
	}
	if atomic.LoadInt32(&repair.calls) != 1 {
		t.Errorf("RollbackUploading calls after second Start = %d, want 1", repair.calls)
	}
}

func TestRunner_SameOwnerSerialized(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ownerID := insertOwner(t, store, "Jane Doe")

	fs := newFakeSync()
	fs.onCall = func(int64) { time.Sleep(20 * time.Millisecond) }
	r := newTestRunner(t, fs, nil, store)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	var tasks []*Task
	for i := 0; i < 3; i++ {
		tasks = append(tasks, r.Submit(ctx, ownerID, syncer.Options{}))
	}
	for _, task := range tasks {
		if _, err := waitDone(t, task); err != nil {
			t.Fatalf("Wait() failed: %v", err)
		}
	}

	if fs.callCount() != 3 {
		t.Errorf("calls = %d, want 3", fs.callCount())
	}
	if fs.maxPer != 1 {
		t.Errorf("max concurrent syncs of one owner = %d, want 1", fs.maxPer)
	}
}

func TestRunner_DifferentOwnersOverlap(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	a := insertOwner(t, store, "Jane Doe")
	b := insertOwner(t, store, "John Roe")

	fs := newFakeSync()
	fs.entered = make(chan int64, 2)
	fs.release = make(chan struct{})
	r := newTestRunner(t, fs, nil, store)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	ta := r.Submit(ctx, a, syncer.Options{})
	tb := r.Submit(ctx, b, syncer.Options{})

	for i := 0; i < 2; i++ {
		select {
		case <-fs.entered:
		case <-time.After(5 * time.Second):
			t.Fatal("syncs of different owners did not run concurrently")
		}
	}
	close(fs.release)

	waitDone(t, ta)
	waitDone(t, tb)
	if atomic.LoadInt32(&fs.maxAll) != 2 {
		t.Errorf("max in flight = %d, want 2", fs.maxAll)
	}
}

func TestRunner_CancelBeforeStart(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ownerID := insertOwner(t, store, "Jane Doe")

	fs := newFakeSync()
	r := newTestRunner(t, fs, nil, store)

	task := r.Submit(ctx, ownerID, syncer.Options{})
	task.Cancel()

	_, err := waitDone(t, task)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if fs.callCount() != 0 {
		t.Error("cancelled task still ran")
	}
}

func TestRunner_CancelRunningTask(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ownerID := insertOwner(t, store, "Jane Doe")

	fs := newFakeSync()
	fs.entered = make(chan int64, 1)
	fs.release = make(chan struct{})
	r := newTestRunner(t, fs, nil, store)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	task := r.Submit(ctx, ownerID, syncer.Options{})
	<-fs.entered
	task.Cancel()

	if _, err := waitDone(t, task); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestRunner_SyncAll(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ids := []int64{
		insertOwner(t, store, "Jane Doe"),
		insertOwner(t, store, "John Roe"),
		insertOwner(t, store, "Ann Poe"),
	}

	fs := newFakeSync()
	fs.fail[ids[1]] = schema.NewError(schema.ErrRemoteFailure, "upload", "x", errors.New("503"))
	fs.onCall = func(int64) { time.Sleep(10 * time.Millisecond) }
	r, err := NewRunner(fs, nil, store, RunnerConfig{Concurrency: 2})
	if err != nil {
		t.Fatalf("NewRunner() failed: %v", err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	var optsMu sync.Mutex
	optsFor := make(map[int64]bool)
	results, err := r.SyncAll(ctx, func(ownerID int64) syncer.Options {
		optsMu.Lock()
		optsFor[ownerID] = true
		optsMu.Unlock()
		return syncer.Options{}
	})
	if err == nil {
		t.Fatal("SyncAll() error = nil with one failing owner")
	}
	if !errors.Is(err, schema.ErrRemoteFailure) {
		t.Errorf("SyncAll() error = %v, want RemoteFailure inside", err)
	}

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, res := range results {
		if res.OwnerID != ids[i] {
			t.Errorf("results[%d].OwnerID = %d, want %d", i, res.OwnerID, ids[i])
		}
		if (res.Err != nil) != (res.OwnerID == ids[1]) {
			t.Errorf("owner %d err = %v", res.OwnerID, res.Err)
		}
	}
	if len(optsFor) != 3 {
		t.Errorf("options requested for %d owners, want 3", len(optsFor))
	}
	if atomic.LoadInt32(&fs.maxAll) > 2 {
		t.Errorf("max in flight = %d, want <= 2", fs.maxAll)
	}
}

// failingOwners fails ListOwners, so the startup pass cannot run.
type failingOwners struct {
	*db.DB
}

func (failingOwners) ListOwners(ctx context.Context) ([]*schema.Owner, error) {
	return nil, errors.New("disk I/O error")
}

func TestRunner_StartupFailureFailsTasks(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	fs := newFakeSync()
	r, err := NewRunner(fs, nil, failingOwners{store}, RunnerConfig{})
	if err != nil {
		t.Fatalf("NewRunner() failed: %v", err)
	}

	task := r.Submit(ctx, 1, syncer.Options{})
	if err := r.Start(ctx); err == nil {
		t.Fatal("Start() error = nil with a failing owner store")
	}

	if _, err := waitDone(t, task); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Wait() error = %v, want ErrNotStarted", err)
	}
	if fs.callCount() != 0 {
		t.Error("sync ran after a failed startup")
	}
}

func TestRunner_RepairFailureFailsStart(t *testing.T) {
	store := setupTestDB(t)
	r := newTestRunner(t, newFakeSync(), &fakeRepair{err: errors.New("locked")}, store)

	if err := r.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil with a failing repair")
	}
	select {
	case <-r.Ready():
	default:
		t.Error("Ready() not closed after a failed start")
	}
}

// newDiskRepo builds a repository on the OS filesystem so fsnotify sees it.
func newDiskRepo(t *testing.T, store *db.DB) *repository.Repository {
	t.Helper()
	repo, err := repository.New(store, repository.Config{MediaDir: filepath.Join(t.TempDir(), "media")})
	if err != nil {
		t.Fatalf("repository.New() failed: %v", err)
	}
	return repo
}

func createAsset(t *testing.T, repo *repository.Repository, ownerID int64) schema.Asset {
	t.Helper()
	a, err := repo.CreateAsset(context.Background(), repository.CreateParams{
		OwnerID:   ownerID,
		MediaType: schema.MediaImage,
		Mode:      schema.ModeNormal,
		Filename:  "capture.jpg",
		Data:      []byte("jpeg bytes"),
	})
	if err != nil {
		t.Fatalf("CreateAsset() failed: %v", err)
	}
	return a
}

func waitForState(t *testing.T, repo *repository.Repository, id string, want schema.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		a, err := repo.GetAsset(context.Background(), id)
		if err == nil && a.State == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	a, _ := repo.GetAsset(context.Background(), id)
	t.Fatalf("asset %s state = %s, want %s", id, a.State, want)
}

func TestHealthWatcher_RemovalAndRestore(t *testing.T) {
	store := setupTestDB(t)
	ownerID := insertOwner(t, store, "Jane Doe")
	repo := newDiskRepo(t, store)
	a := createAsset(t, repo, ownerID)

	var checked atomic.Int32
	hw, err := NewHealthWatcher(repo.MediaDir(), repo, 50*time.Millisecond, nil, func(schema.Asset) {
		checked.Add(1)
	})
	if err != nil {
		t.Fatalf("NewHealthWatcher() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := hw.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer hw.Stop()

	if !hw.IsRunning() {
		t.Error("watcher should be running after Start()")
	}

	data, err := os.ReadFile(a.FilePath)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if err := os.Remove(a.FilePath); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	waitForState(t, repo, a.ID, schema.StateFileMissing)

	if err := os.WriteFile(a.FilePath, data, 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	waitForState(t, repo, a.ID, schema.StateDBCommitted)

	if checked.Load() < 2 {
		t.Errorf("onCheck calls = %d, want >= 2", checked.Load())
	}
}

func TestHealthWatcher_NewOwnerDirectory(t *testing.T) {
	store := setupTestDB(t)
	repo := newDiskRepo(t, store)

	hw, err := NewHealthWatcher(repo.MediaDir(), repo, 50*time.Millisecond, nil, nil)
	if err != nil {
		t.Fatalf("NewHealthWatcher() failed: %v", err)
	}
	ctx := context.Background()
	if err := hw.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer hw.Stop()

	// The owner directory does not exist until the first capture.
	ownerID := insertOwner(t, store, "Jane Doe")
	a := createAsset(t, repo, ownerID)
	time.Sleep(100 * time.Millisecond)

	if err := os.Remove(a.FilePath); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	waitForState(t, repo, a.ID, schema.StateFileMissing)
}

func TestHealthWatcher_IgnoresStrayFiles(t *testing.T) {
	store := setupTestDB(t)
	repo := newDiskRepo(t, store)

	hw, err := NewHealthWatcher(repo.MediaDir(), repo, 20*time.Millisecond, nil, nil)
	if err != nil {
		t.Fatalf("NewHealthWatcher() failed: %v", err)
	}
	if err := hw.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	ownerDir := filepath.Join(repo.MediaDir(), "99")
	if err := os.MkdirAll(ownerDir, 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(ownerDir, "not-an-asset.jpg"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo.MediaDir(), ".staging", "abc.tmp"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hw.pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := hw.pending(); n != 0 {
		t.Errorf("pending = %d after debounce, want 0", n)
	}

	if err := hw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if hw.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
	// Stop twice is safe.
	if err := hw.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestAssetIDFromPath(t *testing.T) {
	tests := []struct {
		path   string
		wantID string
		wantOK bool
	}{
		{"/media/1/0b7c7d4e-1111-4c2a-9b1e-5d1f0a7e9c33.jpg", "0b7c7d4e-1111-4c2a-9b1e-5d1f0a7e9c33", true},
		{"/media/1/abc.mp4", "abc", true},
		{"/media/1/noext", "noext", true},
		{"/media/1/.jpg", "", false},
	}
	for _, tt := range tests {
		id, ok := assetIDFromPath(tt.path)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("assetIDFromPath(%q) = (%q, %v), want (%q, %v)", tt.path, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

type countingOwners struct {
	pulls, pushes atomic.Int32
}

func (c *countingOwners) Pull(ctx context.Context) (syncer.PhaseResult, error) {
	c.pulls.Add(1)
	return syncer.PhaseResult{}, nil
}

func (c *countingOwners) Push(ctx context.Context) (syncer.PhaseResult, error) {
	c.pushes.Add(1)
	return syncer.PhaseResult{}, nil
}

func TestDaemon_New(t *testing.T) {
	store := setupTestDB(t)
	repo := newDiskRepo(t, store)
	r := newTestRunner(t, newFakeSync(), nil, store)

	if _, err := New(nil, repo, nil); err == nil {
		t.Error("New() with nil runner should fail")
	}
	if _, err := New(r, nil, nil); err == nil {
		t.Error("New() with nil health should fail")
	}
	d, err := New(r, repo, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if d.Runner() != r {
		t.Error("Runner() did not return the configured runner")
	}
	d.Stop()
}

func TestDaemon_StartStop(t *testing.T) {
	store := setupTestDB(t)
	ownerID := insertOwner(t, store, "Jane Doe")
	repo := newDiskRepo(t, store)
	createAsset(t, repo, ownerID)

	fs := newFakeSync()
	r := newTestRunner(t, fs, repo, store)
	owners := &countingOwners{}

	var sweeps, rounds atomic.Int32
	d, err := NewWithConfig(r, repo, owners, &Config{
		SyncInterval:     20 * time.Millisecond,
		HealthInterval:   20 * time.Millisecond,
		DebounceInterval: 20 * time.Millisecond,
		Watch:            true,
		OnHealthSweep:    func(repository.HealthReport) { sweeps.Add(1) },
		OnSyncRound:      func([]OwnerResult) { rounds.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for (rounds.Load() == 0 || sweeps.Load() < 2) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	if rounds.Load() == 0 {
		t.Error("no periodic sync round ran")
	}
	if sweeps.Load() < 2 {
		t.Errorf("sweeps = %d, want initial plus periodic", sweeps.Load())
	}
	if owners.pulls.Load() == 0 || owners.pushes.Load() == 0 {
		t.Error("owner exchange did not run")
	}
	if fs.callCount() == 0 {
		t.Error("no owner was synced")
	}
}

func TestDaemon_StartFailureReleasesResources(t *testing.T) {
	assertStopped := func(t *testing.T, d *Daemon) {
		t.Helper()
		select {
		case <-d.ctx.Done():
		default:
			t.Error("daemon context not cancelled after a failed start")
		}
		if d.watcher.IsRunning() {
			t.Error("watcher still running after a failed start")
		}
		if err := d.watcher.watcher.Add(t.TempDir()); err == nil {
			t.Error("fsnotify watcher still open after a failed start")
		}
		if err := d.Stop(); err != nil {
			t.Errorf("Stop() after a failed start = %v", err)
		}
	}

	t.Run("runner", func(t *testing.T) {
		store := setupTestDB(t)
		repo := newDiskRepo(t, store)
		r := newTestRunner(t, newFakeSync(), &fakeRepair{err: errors.New("locked")}, store)

		d, err := NewWithConfig(r, repo, nil, &Config{Watch: true})
		if err != nil {
			t.Fatalf("NewWithConfig() failed: %v", err)
		}
		if err := d.Start(context.Background()); err == nil {
			t.Fatal("Start() error = nil with a failing repair")
		}
		assertStopped(t, d)
	})

	t.Run("watcher", func(t *testing.T) {
		store := setupTestDB(t)
		repo := newDiskRepo(t, store)
		r := newTestRunner(t, newFakeSync(), &fakeRepair{}, store)

		d, err := NewWithConfig(r, repo, nil, &Config{Watch: true})
		if err != nil {
			t.Fatalf("NewWithConfig() failed: %v", err)
		}
		if err := os.RemoveAll(repo.MediaDir()); err != nil {
			t.Fatal(err)
		}
		if err := d.Start(context.Background()); err == nil {
			t.Fatal("Start() error = nil without a media directory")
		}
		assertStopped(t, d)
	})
}
