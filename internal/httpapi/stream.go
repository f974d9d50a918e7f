package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"tokengate.org/internal/audit"
)

const streamKeepAlive = 15 * time.Second

// handleRevocationEvents serves revocations as Server-Sent Events.
func (a *API) handleRevocationEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	rc := http.NewResponseController(w)
	// the server write timeout would otherwise cut long-lived streams
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.events.Subscribe(r.Context())

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		logWarn(r, err, "streaming unsupported")
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventStreamOpened, nil)

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: revoked\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
