package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/tessen/flowcore/pkg/schema"
)

// MaxBodyBytes caps inbound delivery size.
const MaxBodyBytes = 1 << 20

// Handler exposes the dispatcher over HTTP.
type Handler struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewHandler wraps a dispatcher.
func NewHandler(d *Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dispatcher: d, logger: logger}
}

// Routes returns the webhook HTTP routes.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{id}", h.handleDeliver)
	return mux
}

func (h *Handler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
		return
	}

	exec, err := h.dispatcher.Dispatch(r.Context(), Delivery{
		WebhookID: r.PathValue("id"),
		SourceIP:  clientIP(r),
		Headers:   r.Header,
		Body:      body,
	})
	if err != nil {
		code := schema.CodeOf(err)
		writeJSON(w, statusFor(code), map[string]any{"error": code})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"executionId": exec.ID})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeForbidden:
		return http.StatusForbidden
	case schema.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
