package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/clinicapture/mediasync/internal/logging"
	"github.com/clinicapture/mediasync/internal/media/daemon"
	"github.com/clinicapture/mediasync/internal/media/reconcile"
	"github.com/clinicapture/mediasync/internal/media/repository"
	"github.com/clinicapture/mediasync/internal/media/syncer"
)

// SyncPhaseData reports the phase an owner sync entered
type SyncPhaseData struct {
	OwnerID int64        `json:"owner_id"`
	Phase   syncer.Phase `json:"phase"`
}

// SyncProgressData reports upload progress
type SyncProgressData struct {
	OwnerID int64 `json:"owner_id"`
	Current int   `json:"current"`
	Total   int   `json:"total"`
}

// SyncCompleteData contains the outcome of one owner sync
type SyncCompleteData struct {
	OwnerID         int64  `json:"owner_id"`
	Success         bool   `json:"success"`
	Uploaded        int    `json:"uploaded"`
	UploadFailed    int    `json:"upload_failed"`
	Downloaded      int    `json:"downloaded"`
	DownloadFailed  int    `json:"download_failed"`
	DownloadSkipped bool   `json:"download_skipped"`
	Error           string `json:"error,omitempty"`
	DurationMS      int64  `json:"duration_ms,omitempty"`
}

// AssetStateData contains one asset state change
type AssetStateData struct {
	AssetID string `json:"asset_id"`
	OwnerID int64  `json:"owner_id"`
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
}

// ReconcileData summarizes the owner reconciliation pass
type ReconcileData struct {
	Groups      int   `json:"groups"`
	Merged      int   `json:"merged"`
	AssetsMoved int64 `json:"assets_moved"`
	Failed      int   `json:"failed"`
}

// HealthSweepData summarizes a file health sweep
type HealthSweepData struct {
	Checked   int `json:"checked"`
	Missing   int `json:"missing"`
	Recovered int `json:"recovered"`
	Corrupt   int `json:"corrupt"`
	Failed    int `json:"failed"`
}

// StatsData contains running totals since the process started
type StatsData struct {
	SyncsSucceeded int            `json:"syncs_succeeded"`
	SyncsFailed    int            `json:"syncs_failed"`
	Uploaded       int            `json:"uploaded"`
	Downloaded     int            `json:"downloaded"`
	Transitions    map[string]int `json:"transitions"`
	LastSyncAt     *time.Time     `json:"last_sync_at,omitempty"`
}

// Handler turns sync, repository and daemon callbacks into dashboard
// messages. Its methods are safe for concurrent use.
type Handler struct {
	server *Server
	logger *logging.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server.
// It installs the stats message as the server's welcome message.
func NewHandler(server *Server, logger *logging.Logger) *Handler {
	h := &Handler{
		server: server,
		logger: logging.OrNop(logger),
		stats:  StatsData{Transitions: make(map[string]int)},
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// SyncOptions returns callbacks that report one owner's sync phases and
// progress. Pass it as daemon.Config.SyncOptions or to Runner.Submit.
func (h *Handler) SyncOptions(ownerID int64) syncer.Options {
	return syncer.Options{
		OnPhase: func(p syncer.Phase) {
			h.server.Publish(MessageTypeSyncPhase, SyncPhaseData{OwnerID: ownerID, Phase: p})
		},
		OnProgress: func(current, total int) {
			h.server.Publish(MessageTypeSyncProgress, SyncProgressData{OwnerID: ownerID, Current: current, Total: total})
		},
	}
}

// OnSyncComplete handles the end of one owner sync
func (h *Handler) OnSyncComplete(res syncer.Result, err error, duration time.Duration) {
	data := SyncCompleteData{
		OwnerID:         res.OwnerID,
		Success:         err == nil && res.Success,
		Uploaded:        res.Upload.Succeeded,
		UploadFailed:    res.Upload.Failed,
		Downloaded:      res.Download.Succeeded,
		DownloadFailed:  res.Download.Failed,
		DownloadSkipped: res.DownloadSkipped,
		DurationMS:      duration.Milliseconds(),
	}
	if err != nil {
		data.Error = err.Error()
	} else if res.DownloadErr != nil {
		data.Error = res.DownloadErr.Error()
	}

	h.mu.Lock()
	if data.Success {
		h.stats.SyncsSucceeded++
	} else {
		h.stats.SyncsFailed++
	}
	h.stats.Uploaded += data.Uploaded
	h.stats.Downloaded += data.Downloaded
	now := time.Now()
	h.stats.LastSyncAt = &now
	h.mu.Unlock()

	h.server.Publish(MessageTypeSyncComplete, data)
	h.broadcastStats()
}

// OnSyncRound handles the end of a daemon sync round
func (h *Handler) OnSyncRound(results []daemon.OwnerResult) {
	for _, r := range results {
		h.OnSyncComplete(r.Result, r.Err, 0)
	}
}

// OnStateChange handles an asset state change. Pass it to
// Repository.SetStateObserver.
func (h *Handler) OnStateChange(c repository.StateChange) {
	h.mu.Lock()
	h.stats.Transitions[string(c.To)]++
	h.mu.Unlock()

	h.server.Publish(MessageTypeAssetState, AssetStateData{
		AssetID: c.AssetID,
		OwnerID: c.OwnerID,
		From:    string(c.From),
		To:      string(c.To),
	})
}

// OnReconcile handles the end of the owner reconciliation pass
func (h *Handler) OnReconcile(r reconcile.Report) {
	h.logger.Debug("reconcile complete", "groups", r.Groups, "merged", len(r.Merges))
	h.server.Publish(MessageTypeReconcileComplete, ReconcileData{
		Groups:      r.Groups,
		Merged:      len(r.Merges),
		AssetsMoved: r.AssetsMoved(),
		Failed:      r.Failed,
	})
}

// OnHealthSweep handles the end of a file health sweep
func (h *Handler) OnHealthSweep(r repository.HealthReport) {
	h.server.Publish(MessageTypeHealthSweep, HealthSweepData{
		Checked:   r.Checked,
		Missing:   r.Missing,
		Recovered: r.Recovered,
		Corrupt:   r.Corrupt,
		Failed:    r.Failed,
	})
}

// GetStats returns a copy of the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := h.stats
	out.Transitions = make(map[string]int, len(h.stats.Transitions))
	for k, v := range h.stats.Transitions {
		out.Transitions[k] = v
	}
	return out
}

func (h *Handler) statsMessage() Message {
	raw, err := json.Marshal(h.GetStats())
	if err != nil {
		h.logger.Warn("failed to marshal stats", "error", err)
		return Message{Type: MessageTypeStats, Timestamp: time.Now()}
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: raw}
}

func (h *Handler) broadcastStats() {
	h.server.Broadcast(h.statsMessage())
}
