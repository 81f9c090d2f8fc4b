package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ahrav/go-grader/internal/store"
	"github.com/ahrav/go-grader/pkg/logger"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleJobEvents streams a job's progress events over a WebSocket.
// ?last_sequence=N replays buffered events after N before live ones, so a
// reconnecting client resumes without gaps as long as the replay window
// still covers its position.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	job, err := s.jobs.Load(ctx, jobID)
	if err != nil {
		writeError(w, statusForStoreErr(err), err)
		return
	}

	var lastSeq uint64
	if raw := r.URL.Query().Get("last_sequence"); raw != "" {
		lastSeq, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest,
				errors.New("last_sequence must be a non-negative integer"))
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log.Warn(ctx, "websocket upgrade failed",
			logger.String("job_id", jobID), logger.Error(err))
		return
	}
	defer conn.Close()

	// A terminal job has no live stream; send the final state and close.
	if job.State.IsTerminal() {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = conn.WriteJSON(map[string]any{
			"job_id": job.ID,
			"state":  job.State,
			"final":  true,
		})
		return
	}

	sub := s.bus.Subscribe(jobID, lastSeq)
	defer s.bus.Unsubscribe(sub)

	// Reader goroutine: surfaces client disconnects. Inbound payloads are
	// ignored.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-clientGone:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				// Job completed; tell the client where to fetch the outcome.
				s.writeFinal(context.Background(), jobID, conn)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug(ctx, "websocket write failed, dropping subscriber",
					logger.String("job_id", jobID), logger.Error(err))
				return
			}
		}
	}
}

// writeFinal sends the job's terminal state as the stream's last frame.
func (s *Server) writeFinal(ctx context.Context, jobID string, conn *websocket.Conn) {
	job, err := s.jobs.Load(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrJobNotFound) {
			s.log.Warn(ctx, "load after completion failed",
				logger.String("job_id", jobID), logger.Error(err))
		}
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteJSON(map[string]any{
		"job_id": job.ID,
		"state":  job.State,
		"final":  true,
	})
}
