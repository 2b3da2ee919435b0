package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/opta-lmx/lmx/pkg/schema"
)

// wsUpgrader mirrors the teacher's per-connection Upgrader usage, sized to
// match the chat streaming frame rate rather than a generic default.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checking is a deliberate allow-all here: Opta-LMX's WebSocket
	// surface sits behind the same trust boundary as its HTTP surface
	// (inferenceAuthMiddleware runs upstream of the upgrade), and a local
	// single-operator deployment has no browser-origin notion to validate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes writes to one connection (gorilla/websocket allows only
// one concurrent writer) and tracks the in-flight chat.request goroutines a
// connection may have open, keyed by request_id so chat.cancel can target
// one of several concurrent generations.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (wc *wsConn) writeJSON(v any) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	return wc.conn.WriteJSON(v)
}

func (wc *wsConn) track(requestID string, cancel context.CancelFunc) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.cancels[requestID] = cancel
}

func (wc *wsConn) untrack(requestID string) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	delete(wc.cancels, requestID)
}

func (wc *wsConn) cancel(requestID string) bool {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	cancel, ok := wc.cancels[requestID]
	if ok {
		cancel()
	}
	return ok
}

// handleChatStreamWS serves GET /v1/chat/stream: a WebSocket alternative to
// the SSE streaming path, carrying chat.request/chat.cancel from the
// client and chat.token/chat.done/chat.error back, one goroutine per
// request_id so a single connection can have several generations running
// at once.
func (s *Server) handleChatStreamWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wc := &wsConn{conn: conn, cancels: make(map[string]context.CancelFunc)}
	ctx := c.Request.Context()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			wc.writeJSON(wsChatError{Type: "chat.error", Error: "malformed message envelope"})
			continue
		}

		switch envelope.Type {
		case "chat.request":
			var req wsChatRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				wc.writeJSON(wsChatError{Type: "chat.error", Error: "malformed chat.request"})
				continue
			}
			go s.runWSChat(ctx, wc, req)
		case "chat.cancel":
			var cancelMsg wsChatCancel
			if err := json.Unmarshal(raw, &cancelMsg); err != nil {
				continue
			}
			wc.cancel(cancelMsg.RequestID)
		default:
			wc.writeJSON(wsChatError{Type: "chat.error", Error: "unknown message type: " + envelope.Type})
		}
	}
}

// runWSChat resolves and streams one chat.request to completion, emitting
// chat.token frames as deltas arrive and a terminal chat.done or
// chat.error. It owns a cancellable context registered under RequestID so
// a later chat.cancel on the same connection can stop it early.
func (s *Server) runWSChat(parent context.Context, wc *wsConn, req wsChatRequest) {
	runCtx, cancel := context.WithCancel(parent)
	wc.track(req.RequestID, cancel)
	defer func() {
		cancel()
		wc.untrack(req.RequestID)
	}()

	chatReq := schema.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      true,
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, schema.ChatMessage{
			Role:    m.Role,
			Content: schema.MessageContent{Text: m.Content},
		})
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, schema.Tool{Type: t.Type, Function: t.Function})
	}

	chatReq, modelID, err := s.resolveModel(chatReq)
	if err != nil {
		wc.writeJSON(wsChatError{Type: "chat.error", RequestID: req.RequestID, Error: err.Error()})
		return
	}

	genReq := toGenerateRequest(chatReq, modelID, wsClientID(req))
	events, err := s.engine.StreamGenerate(runCtx, s.concurrency, genReq)
	if err != nil {
		wc.writeJSON(wsChatError{Type: "chat.error", RequestID: req.RequestID, Error: err.Error()})
		return
	}

	var content string
	for ev := range events {
		if ev.Err != nil {
			wc.writeJSON(wsChatError{Type: "chat.error", RequestID: req.RequestID, Error: ev.Err.Error()})
			return
		}
		if ev.ContentDelta != "" {
			content += ev.ContentDelta
			if err := wc.writeJSON(wsChatToken{Type: "chat.token", RequestID: req.RequestID, Content: ev.ContentDelta}); err != nil {
				return
			}
		}
		if ev.Done {
			finish := "stop"
			if ev.FinishReason != nil {
				finish = *ev.FinishReason
			}
			wc.writeJSON(wsChatDone{
				Type:         "chat.done",
				RequestID:    req.RequestID,
				FinishReason: finish,
				Content:      content,
				Usage:        ev.Usage,
			})
		}
	}
}

func wsClientID(req wsChatRequest) string {
	if req.RequestID != "" {
		return req.RequestID
	}
	return "ws-" + time.Now().String()
}
