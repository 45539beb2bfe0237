package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ironlog/setsync/internal/autosave"
	"github.com/ironlog/setsync/internal/logging"
	"github.com/ironlog/setsync/internal/syncer"
)

// DirtyData reports one key entering or leaving the unsynced state
type DirtyData struct {
	ExerciseID string `json:"exerciseId"`
	SetID      string `json:"setId"`
	Field      string `json:"field"`
	Dirty      bool   `json:"dirty"`
}

// SyncCompleteData summarizes one answered batch
type SyncCompleteData struct {
	Exercises []string `json:"exercises"`
	Confirmed int      `json:"confirmed"`
	// Entries counts the cache entries refreshed by reconciliation
	Entries  int `json:"entries"`
	Rejected int `json:"rejected"`
}

// RejectedData carries the server's reason for refusing one record
type RejectedData struct {
	ExerciseID string `json:"exerciseId"`
	SetID      string `json:"setId"`
	Error      string `json:"error"`
}

// ConnectivityData reports the connectivity signal
type ConnectivityData struct {
	Online bool `json:"online"`
}

// StatsData contains queue and sync statistics
type StatsData struct {
	Pending int          `json:"pending"`
	Dirty   int          `json:"dirty"`
	Online  bool         `json:"online"`
	Sync    syncer.Stats `json:"sync"`
}

// Handler turns engine events into dashboard messages. Its On* methods are
// safe to register directly as controller and scheduler observers.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	dirty map[autosave.Key]bool
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = logging.Component(nil, "dashboard")
	}
	return &Handler{
		server: server,
		logger: logger,
		dirty:  make(map[autosave.Key]bool),
	}
}

// OnDirty handles dirty-indicator transitions from the autosave controller
func (h *Handler) OnDirty(ev autosave.DirtyEvent) {
	h.mu.Lock()
	if ev.Dirty {
		h.dirty[ev.Key] = true
	} else {
		delete(h.dirty, ev.Key)
	}
	h.stats.Dirty = len(h.dirty)
	h.mu.Unlock()

	h.send(MessageTypeDirty, DirtyData{
		ExerciseID: ev.Key.ExerciseID,
		SetID:      ev.Key.SetID,
		Field:      string(ev.Key.Field),
		Dirty:      ev.Dirty,
	})
}

// OnSyncComplete handles scheduler completion events
func (h *Handler) OnSyncComplete(ev syncer.CompletionEvent) {
	h.logger.Debug("sync complete", "confirmed", len(ev.ConfirmedOps), "rejected", len(ev.Rejected))

	exercises := ev.ExerciseIDs
	if exercises == nil {
		exercises = []string{}
	}
	h.send(MessageTypeSyncComplete, SyncCompleteData{
		Exercises: exercises,
		Confirmed: len(ev.ConfirmedOps),
		Entries:   len(ev.Entries),
		Rejected:  len(ev.Rejected),
	})

	for _, rej := range ev.Rejected {
		h.send(MessageTypeRejected, RejectedData{
			ExerciseID: rej.Payload.ExerciseID,
			SetID:      rej.Payload.SetID,
			Error:      rej.Error,
		})
	}
}

// OnConnectivity handles online/offline transitions
func (h *Handler) OnConnectivity(online bool) {
	h.mu.Lock()
	changed := h.stats.Online != online
	h.stats.Online = online
	h.mu.Unlock()

	if !changed {
		return
	}
	h.send(MessageTypeConnectivity, ConnectivityData{Online: online})
	h.broadcastStats()
}

// UpdateStats replaces the queue and sync counters and broadcasts them
func (h *Handler) UpdateStats(st syncer.Stats, pending int) {
	h.mu.Lock()
	h.stats.Sync = st
	h.stats.Pending = pending
	h.mu.Unlock()

	h.broadcastStats()
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) broadcastStats() {
	h.send(MessageTypeStats, h.GetStats())
}

func (h *Handler) send(typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal message data", "type", typ, "err", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
