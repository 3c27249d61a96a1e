package schema

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validAsset() Asset {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return Asset{
		ID:         "3fa85f64-5717-4562-b3fc-2c963f66afa6",
		OwnerID:    1,
		State:      StateDBCommitted,
		FilePath:   "/data/media/1/3fa85f64-5717-4562-b3fc-2c963f66afa6.jpg",
		FileSize:   10,
		MediaType:  MediaImage,
		Mode:       ModeNormal,
		CreatedAt:  now,
		UpdatedAt:  now,
		CapturedAt: now,
	}
}

func archPtr(a Arch) *Arch { return &a }
func intPtr(i int) *int    { return &i }

func TestAssetValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *Asset)
		origin  Origin
		wantErr string
	}{
		{"valid", func(a *Asset) {}, OriginLocal, ""},
		{"bad id", func(a *Asset) { a.ID = "photo123" }, OriginLocal, "canonical id"},
		{"zero owner", func(a *Asset) { a.OwnerID = 0 }, OriginLocal, "owner id"},
		{"negative session", func(a *Asset) { s := int64(-1); a.SessionID = &s }, OriginLocal, "session id"},
		{"unknown media type", func(a *Asset) { a.MediaType = "gif" }, OriginLocal, "media type"},
		{"unknown mode", func(a *Asset) { a.Mode = "uv" }, OriginLocal, "capture mode"},
		{"partial remote", func(a *Asset) { a.Remote = &RemoteInfo{Filename: "x.jpg"} }, OriginLocal, "remote url"},
		{"arch without session local", func(a *Asset) {
			a.Guided = &GuidedMeta{Arch: archPtr(ArchUpper)}
		}, OriginLocal, "guided session id"},
		{"sequence without session local", func(a *Asset) {
			a.Guided = &GuidedMeta{Sequence: intPtr(2)}
		}, OriginLocal, "guided session id"},
		{"arch without session remote", func(a *Asset) {
			a.Guided = &GuidedMeta{Arch: archPtr(ArchUpper), Sequence: intPtr(2)}
		}, OriginRemote, ""},
		{"arch with session local", func(a *Asset) {
			a.Guided = &GuidedMeta{Arch: archPtr(ArchLower), Sequence: intPtr(1), SessionID: "g-1"}
		}, OriginLocal, ""},
		{"unknown arch", func(a *Asset) {
			a.Guided = &GuidedMeta{Arch: archPtr("molar"), SessionID: "g-1"}
		}, OriginLocal, "dental arch"},
		{"missing capture time", func(a *Asset) { a.CapturedAt = time.Time{} }, OriginLocal, "captured_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAsset()
			tt.mutate(&a)
			err := a.Validate(tt.origin)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAssetWithState_CopyOnWrite(t *testing.T) {
	a := validAsset()
	later := a.UpdatedAt.Add(time.Minute)

	b, err := a.WithState(StateUploading, later)
	if err != nil {
		t.Fatalf("WithState() error = %v", err)
	}
	if a.State != StateDBCommitted {
		t.Errorf("original state changed to %s", a.State)
	}
	if b.State != StateUploading || !b.UpdatedAt.Equal(later) {
		t.Errorf("copy = %s at %v", b.State, b.UpdatedAt)
	}

	if _, err := a.WithState(StateSynced, later); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("WithState(SYNCED) error = %v, want ErrInvalidTransition", err)
	}
}

func TestAssetClone_DeepCopiesPointers(t *testing.T) {
	a := validAsset()
	a.Guided = &GuidedMeta{Arch: archPtr(ArchUpper), Sequence: intPtr(3), SessionID: "g"}
	a.Remote = &RemoteInfo{Filename: "f.jpg", URL: "https://x/f.jpg", UploadedAt: a.CreatedAt}

	b := a.Clone()
	*b.Guided.Arch = ArchLower
	*b.Guided.Sequence = 9
	b.Remote.URL = "changed"

	if *a.Guided.Arch != ArchUpper || *a.Guided.Sequence != 3 || a.Remote.URL != "https://x/f.jpg" {
		t.Error("Clone() shares pointer fields with the original")
	}
}

func TestAssetWithRemoteAndOwner(t *testing.T) {
	a := validAsset()
	now := a.UpdatedAt.Add(time.Hour)

	r := a.WithRemote(RemoteInfo{Filename: "f.jpg", URL: "u", UploadedAt: now}, now)
	if a.Remote != nil {
		t.Error("WithRemote mutated the receiver")
	}
	if r.Remote == nil || r.Remote.Filename != "f.jpg" {
		t.Errorf("WithRemote() remote = %+v", r.Remote)
	}

	o := a.WithOwner(7, now)
	if a.OwnerID != 1 || o.OwnerID != 7 {
		t.Errorf("WithOwner: original=%d copy=%d", a.OwnerID, o.OwnerID)
	}
}

func TestMediaTypeFromFilename(t *testing.T) {
	tests := map[string]MediaType{
		"a.jpg":  MediaImage,
		"a.JPEG": MediaImage,
		"a.mp4":  MediaVideo,
		"a.MOV":  MediaVideo,
		"noext":  MediaImage,
	}
	for name, want := range tests {
		if got := MediaTypeFromFilename(name); got != want {
			t.Errorf("MediaTypeFromFilename(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestParseEnums(t *testing.T) {
	if m, err := ParseMode(" Fluorescence "); err != nil || m != ModeFluorescence {
		t.Errorf("ParseMode = %q, %v", m, err)
	}
	if _, err := ParseMode("uv"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ParseMode(uv) error = %v", err)
	}
	if mt, err := ParseMediaType("VIDEO"); err != nil || mt != MediaVideo {
		t.Errorf("ParseMediaType = %q, %v", mt, err)
	}
	if _, err := ParseArch("molar"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ParseArch(molar) error = %v", err)
	}
}
