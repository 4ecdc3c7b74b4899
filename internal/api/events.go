package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"cattle-orchestrator/internal/telemetry"
)

const (
	streamBatch      = 200
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// handleEventStream upgrades to a websocket and pushes job events as they
// are written. ?after=<id> resumes after a known event id; without it the
// stream starts at the newest event.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = n
	} else {
		latest, err := s.engine.LatestEventID(ctx)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		after = latest
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	telemetry.EventStreamClient.Inc()
	defer telemetry.EventStreamClient.Dec()

	// Reads only serve pongs and close frames.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(s.streamPoll)
	defer poll.Stop()
	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		events, err := s.engine.EventsAfter(ctx, after, streamBatch)
		if err != nil {
			s.logger.Error("event stream query failed", "error", err)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "query failed"), time.Now().Add(streamWriteWait))
			return
		}
		for _, ev := range events {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			after = ev.ID
		}
		if len(events) == streamBatch {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-poll.C:
		}
	}
}
