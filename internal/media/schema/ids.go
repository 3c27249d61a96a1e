package schema

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// NewCanonicalID generates a fresh random canonical identifier.
func NewCanonicalID() string {
	return uuid.NewString()
}

// ParseCanonicalID validates id and returns it in canonical lower-case form.
func ParseCanonicalID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", Invalidf("parse canonical id", "malformed canonical id %q: %v", id, err)
	}
	return u.String(), nil
}

// CanonicalIDFromFilename derives the canonical id of a remote asset that
// arrives without one.
//
// If the filename stem is a UUID it becomes the id, so downloading the
// same file twice yields the same id. Otherwise a fresh random id is
// returned and deterministic is false; such legacy files are not
// deduplicated by id.
func CanonicalIDFromFilename(filename string) (id string, deterministic bool) {
	base := filepath.Base(strings.TrimSpace(filename))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if u, err := uuid.Parse(stem); err == nil {
		return u.String(), true
	}
	return NewCanonicalID(), false
}

// StorageName is the on-disk file name for an asset's bytes.
func StorageName(id, ext string) string {
	if ext == "" {
		ext = ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s%s", id, strings.ToLower(ext))
}
