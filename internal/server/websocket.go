package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/taskforge/internal/variant"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type     string            `json:"type"`
	Progress *variant.Progress `json:"progress,omitempty"`
	Seed     *int64            `json:"seed,omitempty"`
	Count    int               `json:"count,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Failure  *executionError   `json:"failure,omitempty"`
	Content  string            `json:"content,omitempty"`
}

func regenerateFromQuery(r *http.Request) (regenerateRequest, error) {
	q := r.URL.Query()
	req := regenerateRequest{Reseed: q.Get("reseed") == "true"}
	if c := q.Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil {
			return req, errors.New("count must be an integer")
		}
		req.Count = n
	}
	if sd := q.Get("seed"); sd != "" {
		n, err := strconv.ParseInt(sd, 10, 64)
		if err != nil {
			return req, errors.New("seed must be an integer")
		}
		req.Seed = &n
	}
	return req, nil
}

// handleVariantsWebSocket regenerates an assignment's variants and streams a
// progress event per completed variant, then a done or error event. Closing
// the connection cancels the run and nothing is stored.
func (s *Server) handleVariantsWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := regenerateFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetAssignment(r.Context(), id); err != nil {
		http.Error(w, "assignment not found", http.StatusNotFound)
		return
	}

	// The request context is not canceled for hijacked connections; the
	// read loop below owns cancellation instead.
	jobCtx, done, err := s.jobs.Begin(context.Background(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer done()
	ctx, cancel := context.WithCancel(jobCtx)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	// Mutex for thread-safe writes to the WebSocket connection
	var wsMu sync.Mutex
	send := func(msg wsOutgoing) {
		wsMu.Lock()
		defer wsMu.Unlock()
		wsWriteJSON(conn, msg)
	}

	progress := variant.WithProgress(func(p variant.Progress) {
		send(wsOutgoing{Type: "progress", Progress: &p})
	})

	a, set, err := s.regenerate(ctx, id, req, progress)
	if err != nil {
		if ctx.Err() != nil {
			send(wsOutgoing{Type: "error", Content: "interrupted"})
			return
		}
		f := newExecutionError(err)
		send(wsOutgoing{Type: "error", Content: err.Error(), Failure: &f})
		return
	}

	send(wsOutgoing{Type: "done", Seed: a.Seed, Count: len(set.Variants), Warnings: set.Warnings})
	wsMu.Lock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	wsMu.Unlock()
}

func wsWriteJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("websocket marshal error: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("websocket write error: %v", err)
	}
}
