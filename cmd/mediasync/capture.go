package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/clinicapture/mediasync/internal/media/repository"
	"github.com/clinicapture/mediasync/internal/media/schema"
	"github.com/clinicapture/mediasync/internal/ui"
)

// createAttempts bounds retries of a capture whose fresh id collided.
const createAttempts = 3

var captureCmd = &cobra.Command{
	Use:     "capture <file>",
	GroupID: "media",
	Short:   "Store a captured photo or video for an owner",
	Long: `Store the bytes of a capture for an owner.

The file is copied into the media directory and recorded in one step:
either both happen or neither does. The capture time is taken from
--taken, else from the image's EXIF DateTime, else the current time.

--taken accepts RFC 3339 or natural language ("yesterday 3pm",
"last friday at 10:30").

Guided captures carry --arch and --sequence together.

Examples:
  mediasync capture IMG_0001.jpg --owner 3
  mediasync capture scan.jpg --owner 3 --mode fluorescence --arch upper --sequence 2
  mediasync capture clip.mp4 --owner 3 --taken "yesterday 4pm"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ownerID, _ := cmd.Flags().GetInt64("owner")
		sessionID, _ := cmd.Flags().GetInt64("session")
		typeFlag, _ := cmd.Flags().GetString("type")
		modeFlag, _ := cmd.Flags().GetString("mode")
		taken, _ := cmd.Flags().GetString("taken")
		archFlag, _ := cmd.Flags().GetString("arch")
		guidedSession, _ := cmd.Flags().GetString("guided-session")

		if ownerID <= 0 {
			fatal("--owner is required")
		}

		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			fatal("failed to read %s: %v", path, err)
		}

		p := repository.CreateParams{
			OwnerID:  ownerID,
			Filename: filepath.Base(path),
			Data:     data,
		}

		if typeFlag != "" {
			if p.MediaType, err = schema.ParseMediaType(typeFlag); err != nil {
				fatal("%v", err)
			}
		} else {
			p.MediaType = schema.MediaTypeFromFilename(path)
		}
		if p.Mode, err = schema.ParseMode(modeFlag); err != nil {
			fatal("%v", err)
		}
		if cmd.Flags().Changed("session") {
			p.SessionID = &sessionID
		}
		if taken != "" {
			if p.CapturedAt, err = parseTaken(taken, time.Now()); err != nil {
				fatal("%v", err)
			}
		}

		if archFlag != "" || cmd.Flags().Changed("sequence") || guidedSession != "" {
			g := &schema.GuidedMeta{SessionID: guidedSession}
			if archFlag != "" {
				arch, err := schema.ParseArch(archFlag)
				if err != nil {
					fatal("%v", err)
				}
				g.Arch = &arch
			}
			if cmd.Flags().Changed("sequence") {
				seq, _ := cmd.Flags().GetInt("sequence")
				g.Sequence = &seq
			}
			p.Guided = g
		}

		ctx := context.Background()
		a := mustOpenApp(ctx)
		defer a.Close()

		asset, err := createWithRetry(ctx, a.repo, p)
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			printJSON(asset)
			return
		}
		fmt.Printf("%s Stored %s %s\n", ui.RenderPass("✓"), asset.MediaType, ui.RenderAccent(asset.ID))
		fmt.Printf("   State:    %s\n", ui.RenderState(asset.State))
		fmt.Printf("   Captured: %s\n", asset.CapturedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("   Size:     %s\n", formatSize(asset.FileSize))
	},
}

// assetCreator is the part of the repository capture needs.
type assetCreator interface {
	CreateAsset(ctx context.Context, p repository.CreateParams) (schema.Asset, error)
}

// createWithRetry retries a capture whose generated id collided with an
// existing asset. Other errors are returned at once.
func createWithRetry(ctx context.Context, repo assetCreator, p repository.CreateParams) (schema.Asset, error) {
	var err error
	for i := 0; i < createAttempts; i++ {
		var asset schema.Asset
		asset, err = repo.CreateAsset(ctx, p)
		if err == nil {
			return asset, nil
		}
		if !errors.Is(err, schema.ErrCollision) {
			return schema.Asset{}, err
		}
		logger.Warn("asset id collision, retrying", "attempt", i+1)
	}
	return schema.Asset{}, err
}

// parseTaken reads a capture time as RFC 3339, a plain date-time, or
// natural language relative to now.
func parseTaken(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --taken %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --taken %q", s)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("--taken %q is in the future (%s)", s, r.Time.Format(time.RFC3339))
	}
	return r.Time, nil
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	captureCmd.Flags().Int64("owner", 0, "Owner id")
	captureCmd.Flags().Int64("session", 0, "Capture session id")
	captureCmd.Flags().String("type", "", "Media type: image or video (default: from the file extension)")
	captureCmd.Flags().String("mode", "normal", "Capture mode: normal or fluorescence")
	captureCmd.Flags().String("taken", "", "Capture time (RFC 3339 or natural language)")
	captureCmd.Flags().String("arch", "", "Guided capture dental arch: upper, lower, front, left, right")
	captureCmd.Flags().Int("sequence", 0, "Guided capture sequence number")
	captureCmd.Flags().String("guided-session", "", "Guided capture session id")
	rootCmd.AddCommand(captureCmd)
}
