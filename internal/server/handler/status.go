package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/engine"
)

// EngineStatus exposes the search engine's progress.
type EngineStatus interface {
	Status() engine.Status
}

// BookCounter reports how many local books are usable.
type BookCounter interface {
	Pairs() []domain.Pair
	CalibratedCount() int
}

// StatusHandler serves the process mode, engine progress and book readiness.
type StatusHandler struct {
	mode      string
	engine    EngineStatus // nil in monitor mode
	books     BookCounter  // nil when books live in another process
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler. engine and books may be nil.
func NewStatusHandler(mode string, eng EngineStatus, books BookCounter) *StatusHandler {
	return &StatusHandler{mode: mode, engine: eng, books: books, startedAt: time.Now().UTC()}
}

type statusResponse struct {
	Mode           string         `json:"mode"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	Engine         *engine.Status `json:"engine,omitempty"`
	Pairs          int            `json:"pairs"`
	CalibratedBook int            `json:"calibrated_books"`
}

// GetStatus responds with the current mode, engine status and book counts.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	if h.engine != nil {
		st := h.engine.Status()
		resp.Engine = &st
	}
	if h.books != nil {
		resp.Pairs = len(h.books.Pairs())
		resp.CalibratedBook = h.books.CalibratedCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
