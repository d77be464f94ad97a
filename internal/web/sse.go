package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// streamPollInterval governs how often streamSession re-reads a
// session's state. sessions.Store has no subscribe/notify mechanism
// (§4.1 is a plain replay-on-read store), so this polls the same way
// process.ScreenWatcher polls tmux pane state rather than waiting on a
// channel — the one poll-based idiom this module already establishes.
const streamPollInterval = 500 * time.Millisecond

// streamSession serves a session's conversation as Server-Sent Events,
// emitting one event each time the message count or status changes.
func (h *Handler) streamSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sess, err := h.cfg.Store.Load(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastCount := 0
	lastStatus := sess.Status

	emit := func(sess any) {
		data, err := json.Marshal(sess)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: session\ndata: %s\n\n", data)
		flusher.Flush()
	}

	emitSnapshot := func() {
		emit(sess)
		lastCount = len(sess.Conversation)
		lastStatus = sess.Status
	}
	emitSnapshot()

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := h.cfg.Store.Load(ctx, id)
			if err != nil {
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", "session load failed")
				flusher.Flush()
				return
			}
			if len(next.Conversation) == lastCount && next.Status == lastStatus {
				continue
			}
			sess = next
			emitSnapshot()
		}
	}
}
