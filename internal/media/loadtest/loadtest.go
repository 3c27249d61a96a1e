// Package loadtest drives a repository with concurrent captures and
// gallery reads, and checks afterwards that every committed asset has its
// file and no staged bytes were left behind.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/clinicapture/mediasync/internal/logging"
	"github.com/clinicapture/mediasync/internal/media/db"
	"github.com/clinicapture/mediasync/internal/media/repository"
	"github.com/clinicapture/mediasync/internal/media/schema"
)

// Options configures a test bench.
type Options struct {
	// Dir holds the database and, unless InMemoryFiles is set, the media
	Dir string
	// Owners is how many owners captures are spread across
	Owners int
	// InMemoryFiles keeps asset files in memory, isolating database cost
	InMemoryFiles bool
	Logger        *logging.Logger
}

// Bench is a populated store and repository under test.
type Bench struct {
	Store    *db.DB
	Repo     *repository.Repository
	OwnerIDs []int64

	fs       afero.Fs
	mediaDir string
}

// LatencyStats captures per-operation latency of a run.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
	Durations  []time.Duration `json:"-"`
}

// Open creates the database, the repository and the owners.
func Open(ctx context.Context, opts Options) (*Bench, error) {
	if opts.Owners < 1 {
		opts.Owners = 1
	}

	store, err := db.Open(filepath.Join(opts.Dir, "loadtest.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.InitSchema(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	fs := afero.NewOsFs()
	if opts.InMemoryFiles {
		fs = afero.NewMemMapFs()
	}
	mediaDir := filepath.Join(opts.Dir, "media")

	repo, err := repository.New(store, repository.Config{
		MediaDir: mediaDir,
		Fs:       fs,
		Logger:   opts.Logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	b := &Bench{Store: store, Repo: repo, fs: fs, mediaDir: mediaDir}

	base := time.Now().Add(-30 * 24 * time.Hour)
	for i := 0; i < opts.Owners; i++ {
		o, err := schema.NewOwner(fmt.Sprintf("Load Owner %03d", i), 20+i%60, fmt.Sprintf("555-%04d", i), base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		id, err := store.InsertOwner(ctx, o)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to insert owner %d: %w", i, err)
		}
		b.OwnerIDs = append(b.OwnerIDs, id)
	}

	return b, nil
}

// Close closes the database.
func (b *Bench) Close() error {
	if b.Store != nil {
		return b.Store.Close()
	}
	return nil
}

// RunConcurrentCaptures starts workers goroutines, each storing perWorker
// captures of size bytes. Worker i captures for owner i mod len(OwnerIDs),
// so several workers share an owner when workers exceeds the owner count.
func (b *Bench) RunConcurrentCaptures(ctx context.Context, workers, perWorker, size int) (*LatencyStats, error) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}

	return b.run(workers, perWorker, func(worker, n int) error {
		owner := b.OwnerIDs[worker%len(b.OwnerIDs)]
		_, err := b.Repo.CreateAsset(ctx, repository.CreateParams{
			OwnerID:   owner,
			MediaType: schema.MediaImage,
			Mode:      schema.ModeNormal,
			Filename:  fmt.Sprintf("w%d-%d.jpg", worker, n),
			Data:      data,
		})
		return err
	})
}

// RunConcurrentReads starts workers goroutines, each listing an owner's
// gallery perWorker times.
func (b *Bench) RunConcurrentReads(ctx context.Context, workers, perWorker int) (*LatencyStats, error) {
	return b.run(workers, perWorker, func(worker, n int) error {
		owner := b.OwnerIDs[(worker+n)%len(b.OwnerIDs)]
		assets, err := b.Repo.ListVisible(ctx, owner)
		if err != nil {
			return err
		}
		for _, a := range assets {
			if !a.State.IsVisible() {
				return fmt.Errorf("gallery of owner %d returned %s asset %s", owner, a.State, a.ID)
			}
		}
		return nil
	})
}

func (b *Bench) run(workers, perWorker int, op func(worker, n int) error) (*LatencyStats, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		all    []time.Duration
		errors int
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, perWorker)
			failed := 0
			for n := 0; n < perWorker; n++ {
				start := time.Now()
				err := op(worker, n)
				durations = append(durations, time.Since(start))
				if err != nil {
					failed++
				}
			}

			mu.Lock()
			all = append(all, durations...)
			errors += failed
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	if len(all) == 0 {
		return nil, fmt.Errorf("no operations completed")
	}
	stats := computeLatencyStats(all)
	stats.Errors = errors
	return stats, nil
}

// Verify checks the storage invariants after a run: every committed asset
// has a file of the recorded size, and the staging directory is empty.
func (b *Bench) Verify(ctx context.Context) error {
	for _, owner := range b.OwnerIDs {
		assets, err := b.Repo.ListAll(ctx, owner)
		if err != nil {
			return err
		}
		for _, a := range assets {
			if a.State != schema.StateDBCommitted {
				continue
			}
			info, err := b.fs.Stat(a.FilePath)
			if err != nil {
				return fmt.Errorf("committed asset %s has no file: %w", a.ID, err)
			}
			if info.Size() != a.FileSize {
				return fmt.Errorf("asset %s file is %d bytes, recorded %d", a.ID, info.Size(), a.FileSize)
			}
		}
	}

	staged, err := afero.ReadDir(b.fs, filepath.Join(b.mediaDir, ".staging"))
	if err != nil {
		return fmt.Errorf("failed to read staging dir: %w", err)
	}
	if len(staged) > 0 {
		return fmt.Errorf("%d staged files left behind", len(staged))
	}
	return nil
}

// Counts returns the number of assets per state across all owners.
func (b *Bench) Counts(ctx context.Context) (map[schema.State]int, error) {
	return b.Repo.Stats(ctx, 0)
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(sorted)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(sorted),
		Durations:  sorted,
	}
}

// Print writes the statistics in a fixed layout.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "  Operations:   %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:       %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:          %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", s.P95)
	fmt.Fprintf(w, "  P99:          %v\n", s.P99)
	fmt.Fprintf(w, "  Max:          %v\n", s.Max)
}
