package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/centrum-dating/centrum/internal/session"
	"github.com/coder/websocket"
)

// Client notification types.
const (
	MsgReady           = "ready"
	MsgUserTranscript  = "user_transcript"
	MsgAgentResponse   = "agent_response"
	MsgProfileUpdated  = "profile_updated"
	MsgSessionEnded    = "session_ended"
	MsgError           = "error"
	MsgEndConversation = "end_conversation"
)

// clientWriteTimeout bounds a single write to the client socket.
const clientWriteTimeout = 10 * time.Second

type readyMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type userTranscriptMsg struct {
	Type           string `json:"type"`
	UserTranscript string `json:"user_transcript"`
}

type agentResponseMsg struct {
	Type          string `json:"type"`
	AgentResponse string `json:"agent_response"`
}

type profileUpdatedMsg struct {
	Type          string          `json:"type"`
	Profile       session.Profile `json:"profile"`
	UpdatedFields []string        `json:"updated_fields"`
}

// Summary is the terminal frame sent to the client after finalization.
type Summary struct {
	Type         string          `json:"type"`
	SessionID    string          `json:"session_id"`
	MessageCount int             `json:"message_count"`
	Profile      session.Profile `json:"profile"`
	JSONPath     string          `json:"json_path,omitempty"`
	AudioPath    string          `json:"audio_path,omitempty"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// controlMsg is the minimal shape of a client text frame.
type controlMsg struct {
	Type string `json:"type"`
}

// writeClientJSON sends v as a text frame. ctx should not be a pump context:
// cancelling a write's context closes the socket, and the client must stay
// writable for the summary.
func writeClientJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, clientWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func writeClient(ctx context.Context, conn *websocket.Conn, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, clientWriteTimeout)
	defer cancel()
	return conn.Write(ctx, typ, data)
}
