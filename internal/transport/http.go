package transport

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/soddygo/kode-acp/internal/protocol"
	"github.com/soddygo/kode-acp/internal/sse"
)

// MaxBodySize bounds one POST /message body.
const MaxBodySize = 8 * 1024 * 1024

// HealthFunc reports extra health fields, such as live session counts.
type HealthFunc func() map[string]interface{}

// NewHTTPHandler builds the HTTP surface: POST /message handles one record,
// GET /events streams session events, GET /health reports liveness.
// b and health may be nil.
func NewHTTPHandler(h Handler, b *sse.Broadcaster, health HealthFunc) http.Handler {
	started := time.Now()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Post("/message", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, MaxBodySize+1))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"type": protocol.TypeError, "error": err.Error()})
			return
		}
		if len(body) > MaxBodySize {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"type": protocol.TypeError, "error": "message too large"})
			return
		}
		resp, ok := h.HandleRaw(req.Context(), body)
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	if b != nil {
		r.Get("/events", b.HandleSSE)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		status := map[string]interface{}{
			"status": "ok",
			"uptime": time.Since(started).Round(time.Second).String(),
		}
		if health != nil {
			for k, v := range health() {
				status[k] = v
			}
		}
		writeJSON(w, http.StatusOK, status)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode HTTP response")
	}
}
