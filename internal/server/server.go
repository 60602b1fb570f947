// Package server exposes the agent's HTTP surface: recording ingest and
// retrieval, replay control, and a websocket stream of replay events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"retrace/internal/page"
	"retrace/internal/replay"
	"retrace/internal/store"
	"retrace/internal/trace"
)

// PageProvider hands the server a live page to replay against. The
// release func tears the page's connection down once the replay is
// finished with it; it may be nil when there is nothing to release.
type PageProvider interface {
	AcquirePage(ctx context.Context) (page.Page, func(), error)
}

// ProviderFunc adapts a function to PageProvider.
type ProviderFunc func(ctx context.Context) (page.Page, func(), error)

func (f ProviderFunc) AcquirePage(ctx context.Context) (page.Page, func(), error) { return f(ctx) }

// Server routes the agent API over one store and one page provider.
type Server struct {
	db       *store.Store
	pages    PageProvider
	defaults replay.Options
	address  string
	server   *http.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	runs map[string]*run
}

// run is a live replay session with its event fan-out.
type run struct {
	session *replay.Session
	release func()

	mu   sync.Mutex
	subs map[chan replay.Event]struct{}
}

func (r *run) subscribe() chan replay.Event {
	ch := make(chan replay.Event, 64)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		close(ch)
		return ch
	}
	r.subs[ch] = struct{}{}
	return ch
}

func (r *run) unsubscribe(ch chan replay.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
}

func (r *run) broadcast(ev replay.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
			// Drop if subscriber is full
		}
	}
}

func (r *run) closeSubs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}

// NewServer wires the agent API.
func NewServer(db *store.Store, pages PageProvider, defaults replay.Options, address string) *Server {
	return &Server{
		db:       db,
		pages:    pages,
		defaults: defaults,
		address:  address,
		runs:     map[string]*run{},
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /recordings", s.handleCreateRecording)
	mux.HandleFunc("GET /recordings", s.handleListRecordings)
	mux.HandleFunc("GET /recordings/{id}", s.handleGetRecording)
	mux.HandleFunc("DELETE /recordings/{id}", s.handleDeleteRecording)
	mux.HandleFunc("POST /recordings/{id}/replay", s.handleStartReplay)
	mux.HandleFunc("GET /replays/{id}", s.handleGetReplay)
	mux.HandleFunc("POST /replays/{id}/pause", s.handleControl)
	mux.HandleFunc("POST /replays/{id}/resume", s.handleControl)
	mux.HandleFunc("POST /replays/{id}/cancel", s.handleControl)
	mux.HandleFunc("POST /replays/{id}/seek", s.handleSeek)
	mux.HandleFunc("GET /replays/{id}/events", s.handleReplayEvents)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.address,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("retrace agent listening on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleCreateRecording(w http.ResponseWriter, r *http.Request) {
	var rec trace.Recording
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	rec.ID = ""
	if err := s.db.SaveRecording(&rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": rec.ID})
}

func (s *Server) handleListRecordings(w http.ResponseWriter, _ *http.Request) {
	metas, err := s.db.ListRecordings()
	if err != nil {
		log.Printf("listing recordings: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.db.GetRecording(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		log.Printf("loading recording: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load recording")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	err := s.db.DeleteRecording(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		log.Printf("deleting recording: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete recording")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// replayRequest overrides the configured session defaults per field.
type replayRequest struct {
	SpeedMultiplier *float64 `json:"speedMultiplier,omitempty"`
	StopOnError     *bool    `json:"stopOnError,omitempty"`
	MaxRetries      *int     `json:"maxRetries,omitempty"`
	MinConfidence   *float64 `json:"minConfidence,omitempty"`
}

func (s *Server) handleStartReplay(w http.ResponseWriter, r *http.Request) {
	rec, err := s.db.GetRecording(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		log.Printf("loading recording: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load recording")
		return
	}

	opts := s.defaults
	if r.ContentLength != 0 {
		var req replayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if req.SpeedMultiplier != nil {
			opts.SpeedMultiplier = *req.SpeedMultiplier
		}
		if req.StopOnError != nil {
			opts.StopOnError = *req.StopOnError
		}
		if req.MaxRetries != nil {
			opts.MaxRetries = *req.MaxRetries
		}
		if req.MinConfidence != nil {
			opts.MinConfidence = *req.MinConfidence
		}
	}

	p, release, err := s.pages.AcquirePage(r.Context())
	if err != nil {
		log.Printf("acquiring page: %v", err)
		writeError(w, http.StatusBadGateway, "no page available: "+err.Error())
		return
	}

	session, err := replay.Start(p, rec, opts)
	if err != nil {
		if release != nil {
			release()
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.db.InsertReplay(session.ID(), rec.ID, replay.StatusRunning); err != nil {
		session.Cancel()
		<-session.Done()
		if release != nil {
			release()
		}
		log.Printf("persisting replay: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to persist replay")
		return
	}

	rn := &run{session: session, release: release, subs: map[chan replay.Event]struct{}{}}
	s.mu.Lock()
	s.runs[session.ID()] = rn
	s.mu.Unlock()

	go s.pump(rn)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     session.ID(),
		"status": string(replay.StatusRunning),
	})
}

// pump is the sole consumer of a session's event channel: it fans events
// out to websocket subscribers and persists progress on each one.
func (s *Server) pump(rn *run) {
	id := rn.session.ID()
	for ev := range rn.session.Events() {
		rn.broadcast(ev)
		snap := rn.session.Snapshot()
		if err := s.db.UpdateReplay(id, snap.Status, snap.Results); err != nil {
			log.Printf("persisting replay %s: %v", id, err)
		}
	}

	snap := rn.session.Snapshot()
	if err := s.db.UpdateReplay(id, snap.Status, snap.Results); err != nil {
		log.Printf("persisting replay %s: %v", id, err)
	}
	rn.closeSubs()

	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()

	if rn.release != nil {
		rn.release()
	}
}

func (s *Server) liveRun(id string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Server) handleGetReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if rn := s.liveRun(id); rn != nil {
		writeJSON(w, http.StatusOK, rn.session.Snapshot())
		return
	}

	stored, err := s.db.GetReplay(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		log.Printf("loading replay: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load replay")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rn := s.liveRun(id)
	if rn == nil {
		writeError(w, http.StatusNotFound, "no live replay "+id)
		return
	}

	var err error
	switch {
	case strings.HasSuffix(r.URL.Path, "/pause"):
		err = rn.session.Pause()
	case strings.HasSuffix(r.URL.Path, "/resume"):
		err = rn.session.Resume()
	default:
		err = rn.session.Cancel()
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rn.session.Snapshot())
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	rn := s.liveRun(r.PathValue("id"))
	if rn == nil {
		writeError(w, http.StatusNotFound, "no live replay")
		return
	}

	var req struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := rn.session.Seek(req.Index); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rn.session.Snapshot())
}

func (s *Server) handleReplayEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rn := s.liveRun(id)
	if rn == nil {
		// Finished runs get a single terminal status frame.
		stored, err := s.db.GetReplay(id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load replay")
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(replay.Event{Type: replay.EventStatus, Status: stored.Status, Cursor: len(stored.Results)})
		return
	}

	ch := rn.subscribe()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rn.unsubscribe(ch)
		return
	}
	defer conn.Close()
	defer rn.unsubscribe(ch)

	// Open with the current state so late subscribers always see at
	// least one frame.
	snap := rn.session.Snapshot()
	if err := conn.WriteJSON(replay.Event{Type: replay.EventStatus, Status: snap.Status, Cursor: snap.Cursor}); err != nil {
		return
	}

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
