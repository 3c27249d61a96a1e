package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/clinicapture/mediasync/internal/media/db"
	"github.com/clinicapture/mediasync/internal/media/repository"
	"github.com/clinicapture/mediasync/internal/media/schema"
	"github.com/clinicapture/mediasync/internal/remote"
)

type testEnv struct {
	store *db.DB
	repo  *repository.Repository
	fs    afero.Fs
	owner *schema.Owner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	owner, err := schema.NewOwner("Jane Doe", 40, "555-0100", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertOwner(ctx, owner); err != nil {
		t.Fatalf("InsertOwner() failed: %v", err)
	}

	fsys := afero.NewMemMapFs()
	repo, err := repository.New(store, repository.Config{MediaDir: "/media", Fs: fsys})
	if err != nil {
		t.Fatalf("repository.New() failed: %v", err)
	}
	return &testEnv{store: store, repo: repo, fs: fsys, owner: owner}
}

func (e *testEnv) capture(t *testing.T, n int) []schema.Asset {
	t.Helper()
	var out []schema.Asset
	for i := 0; i < n; i++ {
		a, err := e.repo.CreateAsset(context.Background(), repository.CreateParams{
			OwnerID:    e.owner.ID,
			MediaType:  schema.MediaImage,
			Mode:       schema.ModeNormal,
			Filename:   "x.jpg",
			Data:       []byte("bytes"),
			CapturedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateAsset() failed: %v", err)
		}
		out = append(out, a)
	}
	return out
}

// spyUploader records uploads and fails the ids listed in fail.
type spyUploader struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (u *spyUploader) UploadAsset(ctx context.Context, code string, a schema.Asset, content io.Reader) (remote.UploadResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, a.ID)
	if u.fail[a.ID] {
		return remote.UploadResult{}, schema.NewError(schema.ErrRemoteFailure, "upload asset", a.ID, errors.New("503"))
	}
	if _, err := io.ReadAll(content); err != nil {
		return remote.UploadResult{}, err
	}
	return remote.UploadResult{Filename: a.ID + ".jpg", URL: "https://cdn/" + a.ID + ".jpg"}, nil
}

// spyDownloader counts invocations.
type spyDownloader struct {
	calls  int
	result PhaseResult
	err    error
}

func (d *spyDownloader) SyncRemoteAssets(ctx context.Context, ownerID int64, code string) (PhaseResult, error) {
	d.calls++
	return d.result, d.err
}

func TestSync_UploadFailureSkipsDownload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	assets := env.capture(t, 3)

	up := &spyUploader{fail: map[string]bool{assets[1].ID: true}}
	down := &spyDownloader{}
	s := NewSynchronizer(env.repo, env.store, up, down, nil)

	res, err := s.Sync(ctx, env.owner.ID, Options{})
	if err == nil {
		t.Fatal("Sync() succeeded with a failed upload")
	}
	if down.calls != 0 {
		t.Errorf("downloader invoked %d times, want 0", down.calls)
	}
	if res.Success || !res.DownloadSkipped {
		t.Errorf("result = %+v", res)
	}
	if res.Upload.Succeeded != 2 || res.Upload.Failed != 1 {
		t.Errorf("upload = %+v, want 2 ok / 1 failed", res.Upload)
	}

	failed, _ := env.repo.GetAsset(ctx, assets[1].ID)
	if failed.State != schema.StateDBCommitted {
		t.Errorf("failed asset state = %s, want DB_COMMITTED", failed.State)
	}
	ok, _ := env.repo.GetAsset(ctx, assets[0].ID)
	if ok.State != schema.StateSynced || ok.Remote == nil {
		t.Errorf("uploaded asset = %s %+v", ok.State, ok.Remote)
	}
}

func TestSync_DownloadFailureStillSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.capture(t, 2)

	down := &spyDownloader{result: PhaseResult{Succeeded: 1, Failed: 1}, err: errors.New("fetch failed")}
	s := NewSynchronizer(env.repo, env.store, &spyUploader{}, down, nil)

	res, err := s.Sync(context.Background(), env.owner.ID, Options{})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !res.Success {
		t.Error("Success = false")
	}
	if res.DownloadErr == nil {
		t.Error("DownloadErr = nil, want the download failure")
	}
	if down.calls != 1 {
		t.Errorf("downloader calls = %d, want 1", down.calls)
	}
	if res.Upload.Succeeded != 2 {
		t.Errorf("upload = %+v", res.Upload)
	}
}

func TestSync_CallbacksAndOrder(t *testing.T) {
	env := newTestEnv(t)
	assets := env.capture(t, 3)

	up := &spyUploader{}
	var phases []Phase
	var progress [][2]int
	s := NewSynchronizer(env.repo, env.store, up, &spyDownloader{}, nil)

	_, err := s.Sync(context.Background(), env.owner.ID, Options{
		OnPhase:    func(p Phase) { phases = append(phases, p) },
		OnProgress: func(c, total int) { progress = append(progress, [2]int{c, total}) },
	})
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	want := []Phase{PhaseUpload, PhaseDownload, PhaseDone}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phases[%d] = %s, want %s", i, phases[i], want[i])
		}
	}
	if len(progress) != 3 || progress[2] != [2]int{3, 3} {
		t.Errorf("progress = %v", progress)
	}

	// Oldest first
	for i, id := range up.calls {
		if id != assets[i].ID {
			t.Errorf("upload %d = %s, want %s", i, id, assets[i].ID)
		}
	}
}

func TestSync_ReconfirmsKnownRemote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, _, err := env.repo.CreateRemoteAsset(ctx, repository.RemoteParams{
		ID:             schema.NewCanonicalID(),
		OwnerID:        env.owner.ID,
		RemoteFilename: "r.jpg",
		RemoteURL:      "https://cdn/r.jpg",
		Data:           []byte("bytes"),
		MediaType:      schema.MediaImage,
		Mode:           schema.ModeNormal,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Lost and recovered: DOWNLOADED -> FILE_MISSING -> DB_COMMITTED
	if _, err := env.repo.TransitionState(ctx, a.ID, schema.StateFileMissing); err != nil {
		t.Fatal(err)
	}
	if _, err := env.repo.TransitionState(ctx, a.ID, schema.StateDBCommitted); err != nil {
		t.Fatal(err)
	}

	before, err := env.repo.GetAsset(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}

	up := &spyUploader{}
	s := NewSynchronizer(env.repo, env.store, up, nil, nil)
	if _, err := s.Sync(ctx, env.owner.ID, Options{}); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if len(up.calls) != 0 {
		t.Errorf("uploader called %d times for an asset with a remote copy", len(up.calls))
	}
	got, _ := env.repo.GetAsset(ctx, a.ID)
	if got.State != schema.StateSynced || got.Remote.Filename != "r.jpg" {
		t.Errorf("state = %s remote = %+v", got.State, got.Remote)
	}
	if !got.Remote.UploadedAt.Equal(before.Remote.UploadedAt) {
		t.Errorf("UploadedAt = %v, want unchanged %v", got.Remote.UploadedAt, before.Remote.UploadedAt)
	}
}

// cancellingUploader cancels the sync during the first upload.
type cancellingUploader struct {
	cancel context.CancelFunc
	calls  int
}

func (u *cancellingUploader) UploadAsset(ctx context.Context, code string, a schema.Asset, content io.Reader) (remote.UploadResult, error) {
	u.calls++
	u.cancel()
	return remote.UploadResult{}, ctx.Err()
}

func TestSync_CancelStopsBetweenItemsAndRollsBack(t *testing.T) {
	env := newTestEnv(t)
	assets := env.capture(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	up := &cancellingUploader{cancel: cancel}
	down := &spyDownloader{}
	s := NewSynchronizer(env.repo, env.store, up, down, nil)

	if _, err := s.Sync(ctx, env.owner.ID, Options{}); err == nil {
		t.Fatal("Sync() succeeded after cancellation")
	}
	if up.calls != 1 {
		t.Errorf("uploads attempted = %d, want 1", up.calls)
	}
	if down.calls != 0 {
		t.Error("downloader invoked after cancellation")
	}
	for _, a := range assets {
		got, _ := env.repo.GetAsset(context.Background(), a.ID)
		if got.State != schema.StateDBCommitted {
			t.Errorf("%s state = %s, want DB_COMMITTED", a.ID, got.State)
		}
	}
}

// fakeSource serves remote assets from memory.
type fakeSource struct {
	items   []remote.Asset
	content map[string][]byte
	fetches int
}

func (f *fakeSource) ListAssets(ctx context.Context, code string) ([]remote.Asset, error) {
	return f.items, nil
}

func (f *fakeSource) FetchBytes(ctx context.Context, a remote.Asset) ([]byte, error) {
	f.fetches++
	data, ok := f.content[a.Filename]
	if !ok {
		return nil, schema.NewError(schema.ErrRemoteFailure, "fetch", a.Filename, errors.New("timeout"))
	}
	return data, nil
}

func (f *fakeSource) FileURL(a remote.Asset) string {
	if a.URL != "" {
		return a.URL
	}
	return "/clinics/c1/files/" + a.Filename
}

func TestDownloader_ItemWithoutURL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const id = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	src := &fakeSource{
		items:   []remote.Asset{{Filename: id + ".jpg", Type: "image"}},
		content: map[string][]byte{id + ".jpg": []byte("remote")},
	}
	d := NewDownloader(src, env.repo, nil)

	res, err := d.SyncRemoteAssets(ctx, env.owner.ID, env.owner.BusinessCode)
	if err != nil || res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("first run = %+v, %v", res, err)
	}
	a, err := env.repo.GetAsset(ctx, id)
	if err != nil {
		t.Fatalf("GetAsset() failed: %v", err)
	}
	if a.State != schema.StateDownloaded || a.Remote.URL != "/clinics/c1/files/"+id+".jpg" {
		t.Errorf("asset = %s %+v", a.State, a.Remote)
	}

	res, err = d.SyncRemoteAssets(ctx, env.owner.ID, env.owner.BusinessCode)
	if err != nil || res.Failed != 0 {
		t.Errorf("second run = %+v, %v", res, err)
	}
	if src.fetches != 1 {
		t.Errorf("fetches = %d, want 1", src.fetches)
	}
}

func TestDownloader_InvalidMetadataIsNotFetched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	src := &fakeSource{
		items:   []remote.Asset{{ID: "3fa85f64-5717-4562-b3fc-2c963f66afa6", Filename: "  ", URL: "u/a"}},
		content: map[string][]byte{"  ": []byte("x")},
	}
	d := NewDownloader(src, env.repo, nil)

	res, err := d.SyncRemoteAssets(ctx, env.owner.ID, env.owner.BusinessCode)
	if !errors.Is(err, schema.ErrInvalidArgument) || res.Failed != 1 {
		t.Errorf("blank filename = %+v, %v", res, err)
	}

	src.items = []remote.Asset{{Filename: "b.jpg", URL: "u/b"}}
	src.content = map[string][]byte{"b.jpg": []byte("b")}
	res, err = d.SyncRemoteAssets(ctx, 9999, "nobody")
	if !errors.Is(err, schema.ErrNotFound) || res.Failed != 1 {
		t.Errorf("unknown owner = %+v, %v", res, err)
	}

	if src.fetches != 0 {
		t.Errorf("fetches = %d, want 0", src.fetches)
	}
}

func TestDownloader_DedupAndBestEffort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seq := 1

	src := &fakeSource{
		items: []remote.Asset{
			{ID: "3fa85f64-5717-4562-b3fc-2c963f66afa6", Filename: "a.jpg", Type: "photo", Mode: "uv", CapturedAt: "2024-03-01T10:00:00Z", URL: "u/a"},
			{Filename: "9b2f4c1e-0d7a-4f7e-8f35-3c2b7d9e1a10.mp4", Type: "", Mode: "normal", CapturedAt: "garbage", URL: "u/b", Arch: "upper", Sequence: &seq},
			{Filename: "missing.jpg", Type: "image", URL: "u/c"},
		},
		content: map[string][]byte{
			"a.jpg": []byte("a"),
			"9b2f4c1e-0d7a-4f7e-8f35-3c2b7d9e1a10.mp4": []byte("b"),
		},
	}
	d := NewDownloader(src, env.repo, nil)

	res, err := d.SyncRemoteAssets(ctx, env.owner.ID, env.owner.BusinessCode)
	if err == nil {
		t.Error("SyncRemoteAssets() error = nil with a failing item")
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Errorf("result = %+v, want 2 ok / 1 failed", res)
	}

	a, err := env.repo.GetAsset(ctx, "3fa85f64-5717-4562-b3fc-2c963f66afa6")
	if err != nil {
		t.Fatalf("GetAsset(remote id) failed: %v", err)
	}
	if a.State != schema.StateDownloaded || a.Mode != schema.ModeFluorescence {
		t.Errorf("asset = %s %s", a.State, a.Mode)
	}
	if a.CapturedAt.Year() != 2024 {
		t.Errorf("CapturedAt = %v", a.CapturedAt)
	}

	b, err := env.repo.GetAsset(ctx, "9b2f4c1e-0d7a-4f7e-8f35-3c2b7d9e1a10")
	if err != nil {
		t.Fatalf("GetAsset(filename id) failed: %v", err)
	}
	if b.MediaType != schema.MediaVideo || b.Guided == nil || *b.Guided.Arch != schema.ArchUpper {
		t.Errorf("asset b = %+v", b)
	}
	if time.Since(b.CapturedAt) > time.Minute {
		t.Errorf("unparsable capture time not replaced by now: %v", b.CapturedAt)
	}

	// Second run downloads nothing new.
	src.fetches = 0
	res, _ = d.SyncRemoteAssets(ctx, env.owner.ID, env.owner.BusinessCode)
	if src.fetches != 1 {
		t.Errorf("second run fetched %d items, want 1 (only the failing one)", src.fetches)
	}
	if res.Succeeded != 2 {
		t.Errorf("second run = %+v", res)
	}
}

func TestDownloader_LegacyMatchedByFilename(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	src := &fakeSource{
		items:   []remote.Asset{{Filename: "photo123.jpg", Type: "image", URL: "u"}},
		content: map[string][]byte{"photo123.jpg": []byte("x")},
	}
	d := NewDownloader(src, env.repo, nil)

	for i := 0; i < 2; i++ {
		if _, err := d.SyncRemoteAssets(ctx, env.owner.ID, env.owner.BusinessCode); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}
	if src.fetches != 1 {
		t.Errorf("fetches = %d, want 1", src.fetches)
	}
	all, _ := env.repo.ListAll(ctx, env.owner.ID)
	if len(all) != 1 {
		t.Errorf("assets = %d, want 1", len(all))
	}
}

func TestDownloader_EmptyList(t *testing.T) {
	env := newTestEnv(t)
	d := NewDownloader(&fakeSource{}, env.repo, nil)
	res, err := d.SyncRemoteAssets(context.Background(), env.owner.ID, env.owner.BusinessCode)
	if err != nil || res.Total() != 0 {
		t.Errorf("SyncRemoteAssets() = %+v, %v", res, err)
	}
}

func TestSync_EndToEndWithRemoteClient(t *testing.T) {
	env := newTestEnv(t)
	env.capture(t, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /clinics/c1/owners/{code}/assets", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("filename")
		json.NewEncoder(w).Encode(remote.UploadResult{Filename: name, URL: "https://cdn/" + name})
	})
	mux.HandleFunc("GET /clinics/c1/owners/{code}/assets", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"assets": []remote.Asset{
			{ID: "3fa85f64-5717-4562-b3fc-2c963f66afa6", Filename: "r.jpg", Type: "image", Mode: "normal", URL: "/blobs/r.jpg"},
		}})
	})
	mux.HandleFunc("GET /blobs/r.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := remote.New(remote.Config{BaseURL: srv.URL, ClinicID: "c1"})
	if err != nil {
		t.Fatal(err)
	}

	s := NewSynchronizer(env.repo, env.store, client, NewDownloader(client, env.repo, nil), nil)
	res, err := s.Sync(context.Background(), env.owner.ID, Options{})
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if res.Upload.Succeeded != 1 || res.Download.Succeeded != 1 || res.DownloadErr != nil {
		t.Errorf("result = %+v", res)
	}

	stats, _ := env.repo.Stats(context.Background(), env.owner.ID)
	if stats[schema.StateSynced] != 1 || stats[schema.StateDownloaded] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestParseRemoteTime(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		year int
	}{
		{"2024-03-01T10:00:00Z", true, 2024},
		{"2024-03-01 10:00:00", true, 2024},
		{"2023:12:31 23:59:59", true, 2023},
		{"1700000000000", true, 2023},
		{"yesterday", false, 0},
		{"", false, 0},
	}
	for _, tt := range tests {
		got, ok := ParseRemoteTime(tt.in)
		if ok != tt.ok || (ok && got.Year() != tt.year) {
			t.Errorf("ParseRemoteTime(%q) = %v, %v", tt.in, got, ok)
		}
	}
}

func TestMapRemoteVocabulary(t *testing.T) {
	if MapRemoteMode("UV") != schema.ModeFluorescence || MapRemoteMode("white") != schema.ModeNormal {
		t.Error("MapRemoteMode() mismatch")
	}
	if MapRemoteMediaType("", "clip.MOV") != schema.MediaVideo || MapRemoteMediaType("photo", "x.mp4") != schema.MediaImage {
		t.Error("MapRemoteMediaType() mismatch")
	}
}
