package schema

import (
	"bytes"
	"sync"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/mknote"
)

var registerParsers sync.Once

// CaptureTimeFromEXIF reads the DateTime tag from image bytes.
// ok is false for videos, images without EXIF, or unparsable dates.
func CaptureTimeFromEXIF(data []byte) (t time.Time, ok bool) {
	if len(data) == 0 {
		return time.Time{}, false
	}
	registerParsers.Do(func() {
		exif.RegisterParsers(mknote.All...)
	})

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return time.Time{}, false
	}
	tm, err := x.DateTime()
	if err != nil || tm.IsZero() {
		return time.Time{}, false
	}
	return tm, true
}
