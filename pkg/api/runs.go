package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/forge/bridge/pkg/history"
)

const defaultRunLimit = 50

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		respondJSON(w, map[string]any{"runs": []history.Run{}}, http.StatusOK)
		return
	}
	limit := queryInt(r, "limit", defaultRunLimit)
	runs, err := s.opts.History.List(r.Context(), limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list runs", "error", err)
		respondError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	respondJSON(w, map[string]any{"runs": runs}, http.StatusOK)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	run, err := s.opts.History.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.historyError(w, r, err)
		return
	}
	respondJSON(w, run, http.StatusOK)
}

// handleRunEvents returns recorded events as JSON, or as a server-sent
// event stream that follows the run until it finishes when the client
// asks for text/event-stream.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !wantsStream(r) {
		if s.opts.History == nil {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		entries, err := s.opts.History.Events(r.Context(), id, queryInt(r, "limit", 0))
		if err != nil {
			s.historyError(w, r, err)
			return
		}
		if entries == nil {
			entries = []history.Entry{}
		}
		respondJSON(w, map[string]any{"events": entries}, http.StatusOK)
		return
	}

	backlog, live, cancel, err := s.subscribe(r, id)
	if err != nil {
		s.historyError(w, r, err)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writer := bufio.NewWriter(w)
	send := func(e history.Entry) error {
		if err := WriteEvent(writer, e); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for _, e := range backlog {
		if err := send(e); err != nil {
			return
		}
	}
	if live == nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-live:
			if !ok {
				return
			}
			if err := send(e); err != nil {
				return
			}
		}
	}
}

// subscribe follows a live run in memory, falling back to a replay from
// the history store.
func (s *Server) subscribe(r *http.Request, id string) ([]history.Entry, <-chan history.Entry, func(), error) {
	if s.opts.Follow != nil {
		backlog, live, cancel, err := s.opts.Follow.Subscribe(id)
		if err == nil {
			return backlog, live, cancel, nil
		}
		if !errors.Is(err, history.ErrNotFound) {
			return nil, nil, nil, err
		}
	}
	if s.opts.History == nil {
		return nil, nil, nil, history.ErrNotFound
	}
	entries, err := s.opts.History.Events(r.Context(), id, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(entries) == 0 {
		if _, err := s.opts.History.Get(r.Context(), id); err != nil {
			return nil, nil, nil, err
		}
	}
	return entries, nil, func() {}, nil
}

// WriteEvent writes one history entry in server-sent event framing.
func WriteEvent(w *bufio.Writer, e history.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Event.Type, payload)
	return err
}

func (s *Server) historyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, history.ErrNotFound) {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	s.logger.ErrorContext(r.Context(), "history lookup", "error", err)
	respondError(w, http.StatusInternalServerError, "history lookup failed")
}

func wantsStream(r *http.Request) bool {
	if v := r.URL.Query().Get("follow"); v == "1" || v == "true" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
