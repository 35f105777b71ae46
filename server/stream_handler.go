package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	EventTypeConnected = "connected"
	EventTypeEvent     = "event"
	EventTypeHeartbeat = "heartbeat"
)

// StreamHandler streams live pool events over SSE and WebSocket.
type StreamHandler struct {
	app             *App
	logger          zerolog.Logger
	heartbeatPeriod time.Duration
	upgrader        websocket.Upgrader
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(app *App) *StreamHandler {
	return &StreamHandler{
		app:             app,
		logger:          app.logger.With().Str("handler", "stream").Logger(),
		heartbeatPeriod: 30 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// StreamResponse is one frame delivered to stream clients.
type StreamResponse struct {
	Type      string            `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Event     *settlement.Event `json:"event,omitempty"`
}

// StreamEvents opens an SSE connection and streams pool events.
// Route: GET /api/pools/{pool_id}/events
func (h *StreamHandler) StreamEvents(c *gin.Context) {
	poolID := c.Param("pool_id")
	scope := GetScope(c)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
	c.Writer.WriteHeader(http.StatusOK)

	sender := &sseSender{writer: c.Writer}
	h.streamEvents(c, poolID, scope, sender, nil)
}

// StreamEventsWebSocket opens a WebSocket connection and streams pool events.
// Route: GET /api/pools/{pool_id}/events/ws
func (h *StreamHandler) StreamEventsWebSocket(c *gin.Context) {
	poolID := c.Param("pool_id")
	scope := GetScope(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close() //nolint:errcheck

	writeDeadline := 10 * time.Second
	conn.SetWriteDeadline(time.Now().Add(writeDeadline)) //nolint:errcheck

	done := make(chan struct{})

	// Detect connection close
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(10 * time.Minute)) //nolint:errcheck
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket connection closed unexpectedly")
			} else {
				h.logger.Debug().Err(err).Msg("WebSocket closed normally")
			}
		}
	}()

	// Keep the connection alive with pings
	pingTicker := time.NewTicker(30 * time.Second)
	go func() {
		defer pingTicker.Stop()
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
					h.logger.Debug().Err(err).Msg("Failed to send ping")
					return
				}
			}
		}
	}()

	sender := &wsSender{
		conn:          conn,
		done:          done,
		logger:        h.logger,
		writeDeadline: writeDeadline,
	}
	h.streamEvents(c, poolID, scope, sender, done)
}

func (h *StreamHandler) streamEvents(c *gin.Context, poolID, scope string, sender messageSender, done <-chan struct{}) {
	broadcaster := h.app.settlementService.Broadcaster()
	if broadcaster == nil {
		ErrorWithMessage(c, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	events, cancel := broadcaster.Listen(c.Request.Context())
	defer cancel()

	if err := sender.Send(&StreamResponse{
		Type:      EventTypeConnected,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send connected event, stopping stream")
		return
	}

	heartbeat := time.NewTicker(h.heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-done:
			h.logger.Debug().Msg("WebSocket connection closed, stopping stream")
			return
		case <-heartbeat.C:
			if err := sender.Send(&StreamResponse{
				Type:      EventTypeHeartbeat,
				Timestamp: time.Now().Unix(),
			}); err != nil {
				h.logger.Warn().Err(err).Msg("Failed to send heartbeat, stopping stream")
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.PoolID != poolID || event.Scope != scope {
				continue
			}
			if err := sender.Send(&StreamResponse{
				Type:      EventTypeEvent,
				Timestamp: event.Timestamp.Unix(),
				Event:     &event,
			}); err != nil {
				h.logger.Warn().
					Err(err).
					Str("event_type", string(event.Type)).
					Msg("Failed to send event, stopping stream")
				return
			}
		}
	}
}

// messageSender abstracts the transport (SSE or WebSocket).
type messageSender interface {
	Send(*StreamResponse) error
}

type sseSender struct {
	writer http.ResponseWriter
}

func (s *sseSender) Send(resp *StreamResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err = s.writer.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
		return err
	}
	s.writer.(http.Flusher).Flush()
	return nil
}

type wsSender struct {
	conn          *websocket.Conn
	done          <-chan struct{}
	logger        zerolog.Logger
	writeDeadline time.Duration
}

func (s *wsSender) Send(resp *StreamResponse) error {
	select {
	case <-s.done:
		s.logger.Debug().Str("event_type", resp.Type).Msg("Connection already closed, skipping send")
		return io.EOF
	default:
	}

	deadline := time.Now().Add(s.writeDeadline)
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to set write deadline")
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.logger.Warn().
				Err(err).
				Str("event_type", resp.Type).
				Msg("WebSocket write failed: connection closed")
		} else {
			s.logger.Warn().
				Err(err).
				Str("event_type", resp.Type).
				Msg("WebSocket write failed")
		}
		return err
	}
	return nil
}
