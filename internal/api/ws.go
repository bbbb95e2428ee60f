package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/uridolan77/llmgateway/internal/pipeline"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
	"github.com/uridolan77/llmgateway/pkg/types"
)

// Websocket frame types.
const (
	wsTypeCompletion         = "completion"
	wsTypePing               = "ping"
	wsTypePong               = "pong"
	wsTypeError              = "error"
	wsTypeCompletionChunk    = "completion_chunk"
	wsTypeCompletionStarted  = "completion_started"
	wsTypeCompletionFinished = "completion_finished"
)

const wsWriteTimeout = 10 * time.Second

// wsFrame is the uniform envelope in both directions.
type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are expected; the origin policy is CORS-wide anyway.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn serializes frame writes; completions stream from their own
// goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(frameType, requestID string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = b
	}
	payload, err := json.Marshal(wsFrame{Type: frameType, RequestID: requestID, Data: raw})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) sendError(requestID string, err error) {
	ge := gwerr.AsGateway(err)
	_ = c.send(wsTypeError, requestID, map[string]any{"error": ge})
}

// WebSocket handles GET /api/v1/ws. Frames carry {type, requestId, data};
// a completion frame starts a stream answered by completion_started,
// completion_chunk*, completion_finished. Errors keep the socket open.
func (s *Server) WebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer raw.Close()

	conn := &wsConn{conn: raw}
	caller := s.caller(r)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var streams sync.WaitGroup
	defer streams.Wait()

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			conn.sendError("", gwerr.Newf(gwerr.KindBadRequest, "invalid frame: %v", err))
			continue
		}

		switch frame.Type {
		case wsTypePing:
			_ = conn.send(wsTypePong, frame.RequestID, nil)

		case wsTypeCompletion:
			var req types.ChatRequest
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				conn.sendError(frame.RequestID, gwerr.Newf(gwerr.KindBadRequest, "invalid completion payload: %v", err))
				continue
			}
			streams.Add(1)
			go func(requestID string, req *types.ChatRequest) {
				defer streams.Done()
				s.streamToSocket(ctx, conn, requestID, req, caller)
			}(frame.RequestID, &req)

		default:
			conn.sendError(frame.RequestID, gwerr.Newf(gwerr.KindBadRequest, "unknown frame type %q", frame.Type))
		}
	}
}

func (s *Server) streamToSocket(ctx context.Context, conn *wsConn, requestID string, req *types.ChatRequest, caller pipeline.Caller) {
	chunks, err := s.pipeline.CompleteStream(ctx, req, caller)
	if err != nil {
		conn.sendError(requestID, err)
		return
	}

	_ = conn.send(wsTypeCompletionStarted, requestID, map[string]string{"model": req.Model})
	for chunk := range chunks {
		if err := conn.send(wsTypeCompletionChunk, requestID, chunk); err != nil {
			// Writer is gone; drain so the pipeline records the stream.
			for range chunks {
			}
			return
		}
	}
	_ = conn.send(wsTypeCompletionFinished, requestID, nil)
}
