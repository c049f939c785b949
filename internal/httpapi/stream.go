package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/agentline/internal/observe"
	"github.com/MrWong99/agentline/internal/transcript"
)

// writeTimeout bounds one event frame.
const writeTimeout = 10 * time.Second

// streamTranscript upgrades to a WebSocket and pushes every transcript event
// after since as one JSON text frame. The server closes with a normal
// closure once the session has ended and every event was sent.
func (s *Server) streamTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Resolve the session before upgrading so unknown ids get a plain 404.
	if _, err := s.o.Transcript(r.Context(), id, since, 0); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Debug("websocket accept failed", "session_id", id, "err", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames and cancels ctx when the client goes
	// away.
	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))
	log := observe.SessionLogger(ctx, id)
	log.Debug("transcript stream opened", "since", since)

	err = s.o.Follow(ctx, id, since, func(e transcript.Event) error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, e)
	})
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "session ended")
	case errors.Is(err, context.Canceled):
		log.Debug("transcript stream closed by client")
	default:
		log.Debug("transcript stream aborted", "err", err)
		conn.Close(websocket.StatusInternalError, "stream failed")
	}
}
