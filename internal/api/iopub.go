package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/wire"
)

// iopubEvent is the data payload of one side-channel SSE event.
type iopubEvent struct {
	Topic        string          `json:"topic"`
	Header       wire.Header     `json:"header"`
	ParentHeader *wire.Header    `json:"parent_header,omitempty"`
	Content      json.RawMessage `json:"content"`
}

// handleStreamIOPub streams side-channel messages whose topic starts with
// the topic query parameter, or every message from this engine by default.
func (s *Server) handleStreamIOPub(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("topic")
	if prefix == "" {
		prefix = fmt.Sprintf("engine.%d.", s.engine.ID())
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before the headers go out so a client that has seen the
	// response cannot miss a message published after it.
	ch, unsub := s.engine.Broker().Subscribe(prefix)
	defer unsub()
	iopubSubscribers.Inc()
	defer iopubSubscribers.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Engine shut down; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeIOPubEvent(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func writeIOPubEvent(w http.ResponseWriter, ev engine.Event) error {
	data, err := json.Marshal(iopubEvent{
		Topic:        ev.Topic,
		Header:       ev.Message.Header,
		ParentHeader: ev.Message.ParentHeader,
		Content:      ev.Message.Content,
	})
	if err != nil {
		return err
	}
	if err := writeSSEEvent(w, ev.Message.Header.MsgType, string(data)); err != nil {
		return err
	}
	iopubEventsTotal.WithLabelValues(ev.Message.Header.MsgType).Inc()
	return nil
}

// writeSSEData writes data as an SSE data block. Multi-line strings are
// split so that each segment gets its own "data:" prefix, per the SSE spec.
func writeSSEData(w http.ResponseWriter, data string) error {
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	return writeSSEData(w, data)
}
