package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/emily-flambe/orca-sub001/internal/eventbus"
	"github.com/emily-flambe/orca-sub001/internal/model"
)

const eventsKeepalive = 30 * time.Second

// handleEvents streams task/invocation/status updates over SSE for
// GET /api/events.
func (h *apiHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := h.bus.Subscribe(32)
	defer h.bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(eventsKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			name, payload := h.renderEvent(ev)
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
			flusher.Flush()
		}
	}
}

// renderEvent maps an internal bus event onto the wire SSE event names
// (task:updated, invocation:started, invocation:completed, status:updated).
func (h *apiHandler) renderEvent(ev eventbus.Event) (string, any) {
	switch ev.Kind {
	case eventbus.KindTaskUpdated:
		return "task:updated", map[string]any{"taskId": ev.Payload}
	case eventbus.KindInvocationUpdated:
		invocationID, _ := ev.Payload.(int64)
		name := "invocation:completed"
		if inv, err := h.store.GetInvocation(invocationID); err == nil && inv.Status == model.InvocationRunning {
			name = "invocation:started"
		}
		return name, map[string]any{"invocationId": invocationID}
	case eventbus.KindStatus:
		return "status:updated", ev.Payload
	default:
		return string(ev.Kind), ev.Payload
	}
}

// handleInvocationLogs serves GET /api/invocations/:id/logs: SSE tail while
// the invocation is running, else the full parsed NDJSON lines as a JSON
// array.
func (h *apiHandler) handleInvocationLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "invocation_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invocation id")
		return
	}
	inv, err := h.store.GetInvocation(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "invocation not found")
		return
	}

	if inv.Status != model.InvocationRunning {
		lines, err := readNDJSONLines(inv.LogPath)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read log")
			return
		}
		writeJSON(w, http.StatusOK, lines)
		return
	}

	h.streamLogTail(w, r, inv.LogPath)
}

func (h *apiHandler) streamLogTail(w http.ResponseWriter, r *http.Request, logPath string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	tail := newLogTailer(logPath)
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-poll.C:
			lines, err := tail.poll()
			if err != nil {
				continue
			}
			for _, line := range lines {
				fmt.Fprintf(w, "data: %s\n\n", line)
			}
			if len(lines) > 0 {
				flusher.Flush()
			}
		}
	}
}
