package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/dexpricer/internal/domain"
	"github.com/alanyoungcy/dexpricer/internal/notifier"
)

// ChangeFeed registers in-process notification subscribers.
type ChangeFeed interface {
	Subscribe(entityType domain.EntityType, entityID string, metric domain.MetricKind, cb notifier.Callback) string
	Unsubscribe(id string) bool
}

const (
	streamBuffer    = 64
	streamHeartbeat = 15 * time.Second
)

// StreamHandler serves change notifications as server-sent events.
type StreamHandler struct {
	feed      ChangeFeed
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(feed ChangeFeed, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{feed: feed, heartbeat: streamHeartbeat, logger: logger}
}

// Stream holds the connection open and writes one SSE event per matching
// notification. Empty filters match everything. A client that cannot keep
// up loses notifications rather than slowing delivery to others.
// GET /api/stream?entity_type=token&entity_id=0x...&metric=price
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	et := domain.EntityType(q.Get("entity_type"))
	switch et {
	case "", domain.EntityToken, domain.EntityPool, domain.EntityProtocol:
	default:
		writeError(w, http.StatusBadRequest, "invalid entity_type")
		return
	}
	mk := domain.MetricKind(q.Get("metric"))
	switch mk {
	case "", domain.MetricPrice, domain.MetricVolume, domain.MetricTVL, domain.MetricState:
	default:
		writeError(w, http.StatusBadRequest, "invalid metric")
		return
	}
	entityID := q.Get("entity_id")
	if entityID != "" && et != domain.EntityProtocol {
		addr, err := domain.NormalizeAddress(entityID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid entity_id")
			return
		}
		entityID = addr
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	events := make(chan domain.ChangeNotification, streamBuffer)
	subID := h.feed.Subscribe(et, entityID, mk, func(n domain.ChangeNotification) {
		select {
		case events <- n:
		default:
		}
	})
	defer h.feed.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", subID)
	if err := rc.Flush(); err != nil {
		h.logger.WarnContext(r.Context(), "sse flush unsupported", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case n := <-events:
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", n.ID, n.Channel(), data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
