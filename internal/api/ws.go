package api

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/dealdesk/internal/observe"
	"github.com/MrWong99/dealdesk/pkg/types"
)

// handleChatWS serves one chat run over a WebSocket. The client sends a
// single [ChatRequest] as a text message; the server answers with one text
// message per event and closes the connection after the terminal event.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		// Accept already wrote the HTTP error.
		observe.Logger(r.Context()).Debug("api: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(MaxBodyBytes)

	ctx := r.Context()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	if typ != websocket.MessageText {
		conn.Close(websocket.StatusUnsupportedData, "expected a text message")
		return
	}

	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.rejectWS(r, conn, "invalid request: "+err.Error())
		return
	}
	if err := types.ValidateConversation(req.Messages); err != nil {
		s.rejectWS(r, conn, "invalid conversation: "+err.Error())
		return
	}

	// The client sends nothing further; CloseRead ends ctx when it leaves.
	ctx = conn.CloseRead(ctx)
	defer s.trackStream(ctx)()

	var writeErr error
	s.runChat(ctx, req, func(v any) {
		if writeErr != nil {
			return
		}
		data, err := json.Marshal(v)
		if err != nil {
			writeErr = err
			return
		}
		writeErr = conn.Write(ctx, websocket.MessageText, data)
	})
	if writeErr != nil {
		observe.Logger(ctx).Debug("api: websocket write failed", "err", writeErr)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) rejectWS(r *http.Request, conn *websocket.Conn, msg string) {
	data, _ := json.Marshal(ErrorEvent{Type: EventError, Error: msg, Code: CodeBadRequest})
	if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
		return
	}
	conn.Close(websocket.StatusPolicyViolation, "bad request")
}
