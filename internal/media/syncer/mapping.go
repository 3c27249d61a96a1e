package syncer

import (
	"strconv"
	"strings"
	"time"

	"github.com/clinicapture/mediasync/internal/media/schema"
)

// remoteTimeLayouts are tried in order when parsing a remote capture time.
var remoteTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006:01:02 15:04:05",
	"2006-01-02",
}

// ParseRemoteTime parses a remote capture time. Unix epoch values in
// seconds or milliseconds are accepted too. ok is false if nothing matched.
func ParseRemoteTime(s string) (t time.Time, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range remoteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	return time.Time{}, false
}

// MapRemoteMode maps the remote capture-mode vocabulary onto local modes.
// Anything not recognized as fluorescence is normal.
func MapRemoteMode(s string) schema.Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fluorescence", "fluorescent", "fluo", "fluor", "uv", "qlf":
		return schema.ModeFluorescence
	default:
		return schema.ModeNormal
	}
}

// MapRemoteMediaType maps the remote type vocabulary onto local media
// types, falling back to the filename extension.
func MapRemoteMediaType(s, filename string) schema.MediaType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "photo", "picture", "jpg", "jpeg", "png":
		return schema.MediaImage
	case "video", "movie", "mp4", "mov":
		return schema.MediaVideo
	default:
		return schema.MediaTypeFromFilename(filename)
	}
}

// remoteGuided converts remote guided-capture fields. An arch outside the
// local vocabulary is dropped.
func remoteGuided(arch string, sequence *int, sessionID string) (*schema.GuidedMeta, bool) {
	g := &schema.GuidedMeta{Sequence: sequence, SessionID: strings.TrimSpace(sessionID)}
	dropped := false
	if strings.TrimSpace(arch) != "" {
		if a, err := schema.ParseArch(arch); err == nil {
			g.Arch = &a
		} else {
			dropped = true
		}
	}
	if g.Sequence != nil && *g.Sequence < 0 {
		g.Sequence = nil
		dropped = true
	}
	if g.IsZero() {
		return nil, dropped
	}
	return g, dropped
}
