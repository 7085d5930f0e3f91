package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// ArchiveHandler lists archived JSONL objects in blob storage.
type ArchiveHandler struct {
	reader domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(reader domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{reader: reader, logger: logHandler(logger, "archives")}
}

// ListArchives lists archive objects, optionally narrowed by kind
// ("executions" or "audit").
// GET /api/archives?kind=executions
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	prefix := "archive/"
	switch kind := strings.TrimSpace(r.URL.Query().Get("kind")); kind {
	case "":
	case "executions", "audit":
		prefix += kind + "/"
	default:
		writeError(w, http.StatusBadRequest, "kind must be executions or audit")
		return
	}

	objects, err := h.reader.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}
	if objects == nil {
		objects = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects})
}
