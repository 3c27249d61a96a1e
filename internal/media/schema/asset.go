// Package schema provides the data model of the media core: the asset
// state machine, asset and owner records, and the error taxonomy.
package schema

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// MediaType tags an asset as a photo or a video.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Valid reports whether t is a known media type.
func (t MediaType) Valid() bool {
	return t == MediaImage || t == MediaVideo
}

// Mode is the capture mode of the camera.
type Mode string

const (
	ModeNormal       Mode = "normal"
	ModeFluorescence Mode = "fluorescence"
)

// Valid reports whether m is a known capture mode.
func (m Mode) Valid() bool {
	return m == ModeNormal || m == ModeFluorescence
}

// Arch is the dental arch or view tag of a guided capture.
type Arch string

const (
	ArchUpper Arch = "upper"
	ArchLower Arch = "lower"
	ArchFront Arch = "front"
	ArchLeft  Arch = "left"
	ArchRight Arch = "right"
)

// Valid reports whether a is a known arch tag.
func (a Arch) Valid() bool {
	switch a {
	case ArchUpper, ArchLower, ArchFront, ArchLeft, ArchRight:
		return true
	default:
		return false
	}
}

// Origin says where an asset came from. Validation rules differ.
type Origin int

const (
	// OriginLocal is an asset captured on this device.
	OriginLocal Origin = iota
	// OriginRemote is an asset pulled from the remote store.
	OriginRemote
)

// RemoteInfo links an asset to its copy in the remote store.
// It is either entirely present or absent on an Asset.
type RemoteInfo struct {
	Filename   string    `json:"filename"`
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Validate checks that every field is populated.
func (r *RemoteInfo) Validate() error {
	if strings.TrimSpace(r.Filename) == "" {
		return fmt.Errorf("remote filename is required")
	}
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("remote url is required")
	}
	if r.UploadedAt.IsZero() {
		return fmt.Errorf("upload timestamp is required")
	}
	return nil
}

// GuidedMeta is the metadata attached by the guided-capture flow.
type GuidedMeta struct {
	Arch      *Arch  `json:"arch,omitempty"`
	Sequence  *int   `json:"sequence,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// IsZero reports whether no guided field is set.
func (g *GuidedMeta) IsZero() bool {
	return g == nil || (g.Arch == nil && g.Sequence == nil && g.SessionID == "")
}

// Validate checks the guided fields. Local captures require a guided
// session id whenever arch or sequence is set; remote data may omit it.
func (g *GuidedMeta) Validate(origin Origin) error {
	if g == nil {
		return nil
	}
	if g.Arch != nil && !g.Arch.Valid() {
		return fmt.Errorf("unknown dental arch %q", *g.Arch)
	}
	if g.Sequence != nil && *g.Sequence < 0 {
		return fmt.Errorf("sequence must be non-negative (got %d)", *g.Sequence)
	}
	if origin == OriginLocal && (g.Arch != nil || g.Sequence != nil) && strings.TrimSpace(g.SessionID) == "" {
		return fmt.Errorf("arch or sequence requires a guided session id")
	}
	return nil
}

// Asset is one captured or downloaded photo or video.
//
// Asset is a value type. The With* methods return modified copies and
// leave the receiver untouched.
type Asset struct {
	ID        string `json:"id"`
	OwnerID   int64  `json:"owner_id"`
	SessionID *int64 `json:"session_id,omitempty"`
	State     State  `json:"state"`

	FilePath string `json:"file_path,omitempty"`
	FileSize int64  `json:"file_size"`
	Checksum string `json:"checksum,omitempty"` // reserved for integrity checks

	MediaType MediaType `json:"media_type"`
	Mode      Mode      `json:"mode"`

	Remote *RemoteInfo `json:"remote,omitempty"`
	Guided *GuidedMeta `json:"guided,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	CapturedAt time.Time `json:"captured_at"`
}

// Validate checks the record's invariants.
func (a Asset) Validate(origin Origin) error {
	if _, err := ParseCanonicalID(a.ID); err != nil {
		return err
	}
	if a.OwnerID <= 0 {
		return fmt.Errorf("owner id must be positive (got %d)", a.OwnerID)
	}
	if a.SessionID != nil && *a.SessionID <= 0 {
		return fmt.Errorf("session id must be positive (got %d)", *a.SessionID)
	}
	if !a.State.Valid() {
		return fmt.Errorf("unknown state %q", a.State)
	}
	if !a.MediaType.Valid() {
		return fmt.Errorf("unknown media type %q", a.MediaType)
	}
	if !a.Mode.Valid() {
		return fmt.Errorf("unknown capture mode %q", a.Mode)
	}
	if a.FileSize < 0 {
		return fmt.Errorf("file size must be non-negative (got %d)", a.FileSize)
	}
	if a.Remote != nil {
		if err := a.Remote.Validate(); err != nil {
			return err
		}
	}
	if err := a.Guided.Validate(origin); err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if a.CapturedAt.IsZero() {
		return fmt.Errorf("captured_at is required")
	}
	return nil
}

// Clone returns a deep copy so that pointer fields are not shared.
func (a Asset) Clone() Asset {
	out := a
	if a.SessionID != nil {
		v := *a.SessionID
		out.SessionID = &v
	}
	if a.Remote != nil {
		r := *a.Remote
		out.Remote = &r
	}
	if a.Guided != nil {
		g := *a.Guided
		if a.Guided.Arch != nil {
			v := *a.Guided.Arch
			g.Arch = &v
		}
		if a.Guided.Sequence != nil {
			v := *a.Guided.Sequence
			g.Sequence = &v
		}
		out.Guided = &g
	}
	return out
}

// WithState returns a copy moved to next, validated against the state machine.
func (a Asset) WithState(next State, now time.Time) (Asset, error) {
	if _, err := Transition(a.State, next); err != nil {
		return a, &Error{Kind: ErrInvalidTransition, Op: "transition", ID: a.ID, Err: err}
	}
	out := a.Clone()
	out.State = next
	out.UpdatedAt = now
	return out, nil
}

// WithRemote returns a copy carrying the given remote linkage.
func (a Asset) WithRemote(info RemoteInfo, now time.Time) Asset {
	out := a.Clone()
	out.Remote = &info
	out.UpdatedAt = now
	return out
}

// WithOwner returns a copy re-parented to ownerID.
func (a Asset) WithOwner(ownerID int64, now time.Time) Asset {
	out := a.Clone()
	out.OwnerID = ownerID
	out.UpdatedAt = now
	return out
}

// WithFile returns a copy pointing at a new on-disk file.
func (a Asset) WithFile(path string, size int64, checksum string, now time.Time) Asset {
	out := a.Clone()
	out.FilePath = path
	out.FileSize = size
	out.Checksum = checksum
	out.UpdatedAt = now
	return out
}

// Ext returns the file extension used for the asset's bytes.
func (a Asset) Ext() string {
	if ext := filepath.Ext(a.FilePath); ext != "" {
		return ext
	}
	if a.MediaType == MediaVideo {
		return ".mp4"
	}
	return ".jpg"
}

// ParseMediaType accepts the local vocabulary only.
func ParseMediaType(s string) (MediaType, error) {
	t := MediaType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", Invalidf("parse media type", "unknown media type %q", s)
	}
	return t, nil
}

// ParseMode accepts the local vocabulary only.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", Invalidf("parse mode", "unknown capture mode %q", s)
	}
	return m, nil
}

// ParseArch accepts the local vocabulary only.
func ParseArch(s string) (Arch, error) {
	a := Arch(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", Invalidf("parse arch", "unknown dental arch %q", s)
	}
	return a, nil
}

// MediaTypeFromFilename guesses the media type from a file extension.
func MediaTypeFromFilename(name string) MediaType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".mov", ".avi", ".mkv", ".webm", ".3gp":
		return MediaVideo
	default:
		return MediaImage
	}
}
