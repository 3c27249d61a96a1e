package schema

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCanonicalIDFromFilename_UUID(t *testing.T) {
	id, deterministic := CanonicalIDFromFilename("3fa85f64-5717-4562-b3fc-2c963f66afa6.jpg")
	if id != "3fa85f64-5717-4562-b3fc-2c963f66afa6" {
		t.Errorf("id = %q", id)
	}
	if !deterministic {
		t.Error("deterministic = false for a UUID filename")
	}

	again, _ := CanonicalIDFromFilename("3fa85f64-5717-4562-b3fc-2c963f66afa6.jpg")
	if again != id {
		t.Errorf("second derivation = %q, want %q", again, id)
	}
}

func TestCanonicalIDFromFilename_UpperCaseUUID(t *testing.T) {
	id, deterministic := CanonicalIDFromFilename("3FA85F64-5717-4562-B3FC-2C963F66AFA6.MP4")
	if !deterministic || id != "3fa85f64-5717-4562-b3fc-2c963f66afa6" {
		t.Errorf("id = %q deterministic = %v", id, deterministic)
	}
}

func TestCanonicalIDFromFilename_Legacy(t *testing.T) {
	id, deterministic := CanonicalIDFromFilename("photo123.jpg")
	if deterministic {
		t.Error("deterministic = true for a legacy filename")
	}
	if _, err := ParseCanonicalID(id); err != nil {
		t.Errorf("generated id %q is not a valid canonical id: %v", id, err)
	}

	other, _ := CanonicalIDFromFilename("photo123.jpg")
	if other == id {
		t.Error("legacy filenames produced the same id twice")
	}
}

func TestParseCanonicalID(t *testing.T) {
	if _, err := ParseCanonicalID("not-a-uuid"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ParseCanonicalID error = %v, want ErrInvalidArgument", err)
	}
	id := NewCanonicalID()
	got, err := ParseCanonicalID(strings.ToUpper(id))
	if err != nil || got != id {
		t.Errorf("ParseCanonicalID(upper) = %q, %v; want %q", got, err, id)
	}
}

func TestStorageName(t *testing.T) {
	tests := []struct{ id, ext, want string }{
		{"abc", ".JPG", "abc.jpg"},
		{"abc", "mp4", "abc.mp4"},
		{"abc", "", "abc.bin"},
	}
	for _, tt := range tests {
		if got := StorageName(tt.id, tt.ext); got != tt.want {
			t.Errorf("StorageName(%q, %q) = %q, want %q", tt.id, tt.ext, got, tt.want)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := fmt.Errorf("create asset: %w", NewError(ErrIOFailure, "write staging", "id-1", cause))

	if !errors.Is(err, ErrIOFailure) {
		t.Error("errors.Is(ErrIOFailure) = false through wrapping")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(cause) = false")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("errors.Is(ErrNotFound) = true for an I/O error")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false for I/O failure")
	}
	if IsValidation(err) {
		t.Error("IsValidation() = true for I/O failure")
	}
	if !strings.Contains(err.Error(), "write staging: i/o failure (id-1): disk full") {
		t.Errorf("Error() = %q", err.Error())
	}
}
