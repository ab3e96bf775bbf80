package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chorusinsights/chorus-ai/internal/faults"
	"github.com/chorusinsights/chorus-ai/internal/interview"
	"github.com/chorusinsights/chorus-ai/internal/metrics"
)

// WebSocket message types
const (
	wsTypeMessage   = "message"
	wsTypeReply     = "reply"
	wsTypeError     = "error"
	wsTypeCompleted = "completed"
)

// wsInbound is what the participant's client sends.
type wsInbound struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// wsOutbound is what the server sends back.
type wsOutbound struct {
	Type      string             `json:"type"`
	Reply     string             `json:"reply,omitempty"`
	Error     string             `json:"error,omitempty"`
	Retryable bool               `json:"retryable,omitempty"`
	Session   *interview.Session `json:"session,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (s *Server) upgrader() websocket.Upgrader {
	allowed := s.cfg.Server.AllowedOrigins
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser client
			}
			for _, a := range allowed {
				if a == "*" || a == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleInterviewSocket runs the conversational loop over one WebSocket. The
// session must already exist (created via the REST start endpoint).
func (s *Server) handleInterviewSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()
	s.logger.Info("websocket connected", zap.String("session_id", sessionID))

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if in.Type != wsTypeMessage {
			_ = conn.WriteJSON(wsOutbound{
				Type: wsTypeError, Error: "unsupported message type", Timestamp: time.Now().UTC(),
			})
			continue
		}

		reply, sess, err := s.interviews.SubmitMessage(r.Context(), sessionID, in.Text)
		if err != nil && sess == nil {
			_ = conn.WriteJSON(wsOutbound{
				Type:      wsTypeError,
				Error:     faults.UserMessage(err),
				Retryable: faults.Retryable(err),
				Timestamp: time.Now().UTC(),
			})
			continue
		}
		if err != nil {
			s.logger.Error("turn committed with billing error",
				zap.String("session_id", sessionID), zap.Error(err))
		}

		out := wsOutbound{Type: wsTypeReply, Reply: reply, Session: sess, Timestamp: time.Now().UTC()}
		if sess.Completed {
			out.Type = wsTypeCompleted
			if s.audit != nil {
				_ = s.audit.LogInterviewCompleted(r.Context(), sess.ID, sess.CampaignID, string(sess.CompletionReason))
			}
		}
		if err := conn.WriteJSON(out); err != nil {
			s.logger.Warn("websocket write error", zap.Error(err))
			return
		}
		if sess.Completed {
			return
		}
	}
}
