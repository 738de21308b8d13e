package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// VolumeReader serves rolling swap volume.
type VolumeReader interface {
	Volume(entityID string, window domain.WindowKind, now time.Time) (domain.VolumeWindow, error)
}

// VolumeHandler serves the volume endpoint.
type VolumeHandler struct {
	volume VolumeReader
	now    func() time.Time
	logger *slog.Logger
}

// NewVolumeHandler creates a VolumeHandler.
func NewVolumeHandler(volume VolumeReader, logger *slog.Logger) *VolumeHandler {
	return &VolumeHandler{volume: volume, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// GetVolume returns the volume of a pool or token over a window (default 24h).
// GET /api/volume/{id}?window=24h
func (h *VolumeHandler) GetVolume(w http.ResponseWriter, r *http.Request) {
	id, ok := addressParam(w, r, "id")
	if !ok {
		return
	}
	raw := r.URL.Query().Get("window")
	if raw == "" {
		raw = string(domain.Window24h)
	}
	window, err := domain.ParseWindow(raw)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get volume")
		return
	}
	vw, err := h.volume.Volume(id, window, h.now())
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get volume")
		return
	}
	writeJSON(w, http.StatusOK, vw)
}
