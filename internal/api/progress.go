package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/seantiz/vidscope/internal/model"
	"github.com/seantiz/vidscope/internal/store"
)

// statusDeleted is reported in the done event of a job deleted while streamed.
const statusDeleted = "deleted"

// doneEvent is the payload of the final "done" SSE event.
type doneEvent struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// handleStreamProgress streams a job's progress as server-sent events: one
// "data: <n>" event per observed value and a final "done" event carrying the
// terminal status.
func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	j := s.lookupJob(w, r)
	if j == nil {
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	// The job is read again after subscribing: a job that finished before
	// Subscribe has no topic left to close, so its outcome comes from the
	// store. Events carry absolute progress, so one missed in between is
	// harmless.
	ch, unsub := s.broker.Subscribe(j.ID)
	defer unsub()

	progressStreams.Inc()
	defer progressStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	cur, err := s.store.GetJob(r.Context(), j.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = writeDone(w, doneEvent{Status: statusDeleted, Progress: j.Progress})
		flush()
		return
	case err == nil:
		j = cur
	default:
		s.logger.Warn("reread job for stream", "job_id", j.ID, "error", err)
	}

	if model.IsTerminal(j.Status) {
		_ = writeDone(w, doneEvent{Status: j.Status, Progress: j.Progress, Error: j.Error})
		flush()
		return
	}

	last := j.Progress
	if err := writeSSEData(w, strconv.Itoa(last)); err != nil {
		return
	}
	flush()

	final := doneEvent{Status: j.Status, Progress: last}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				s.finishStream(w, r, j.ID, final)
				flush()
				return
			}
			if model.IsTerminal(ev.Status) {
				final = doneEvent{Status: ev.Status, Progress: ev.Progress, Error: ev.Error}
			}
			if ev.Progress <= last {
				continue
			}
			last = ev.Progress
			if err := writeSSEData(w, strconv.Itoa(last)); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// finishStream writes the done event. If the terminal event was dropped, the
// final state is read back from the store; a job deleted meanwhile ends the
// stream without a status.
func (s *Server) finishStream(w http.ResponseWriter, r *http.Request, id string, final doneEvent) {
	if !model.IsTerminal(final.Status) {
		if j, err := s.store.GetJob(r.Context(), id); err == nil {
			final = doneEvent{Status: j.Status, Progress: j.Progress, Error: j.Error}
		} else {
			final = doneEvent{Status: statusDeleted, Progress: final.Progress}
		}
	}
	_ = writeDone(w, final)
}

func writeDone(w http.ResponseWriter, ev doneEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, "done", string(b))
}

// writeSSEData writes a single-line SSE data event.
func writeSSEData(w http.ResponseWriter, data string) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
