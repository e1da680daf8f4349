package convai

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Upstream event types.
const (
	EventPing               = "ping"
	EventUserTranscript     = "user_transcript"
	EventAgentResponse      = "agent_response"
	EventClientToolCall     = "client_tool_call"
	EventAudio              = "audio"
	EventInitiationMetadata = "conversation_initiation_metadata"
)

// embeddedKeys maps the nested payload key of each event to its type. It
// classifies frames whose "type" is missing or unknown, and the key itself is
// accepted as a type spelling ("audio_event").
var embeddedKeys = []struct{ key, typ string }{
	{"ping_event", EventPing},
	{"user_transcription_event", EventUserTranscript},
	{"agent_response_event", EventAgentResponse},
	{"client_tool_call", EventClientToolCall},
	{"audio_event", EventAudio},
	{"conversation_initiation_metadata_event", EventInitiationMetadata},
}

// ── Outgoing messages ─────────────────────────────────────────────────────────

// InitiationData is the first frame sent on a new conversation.
type InitiationData struct {
	Type     string         `json:"type"`
	Override ConfigOverride `json:"conversation_config_override"`
}

// ConfigOverride carries per-conversation agent overrides.
type ConfigOverride struct {
	Agent AgentOverride `json:"agent"`
}

// AgentOverride overrides the agent prompt and, optionally, its opening line.
type AgentOverride struct {
	Prompt       PromptOverride `json:"prompt"`
	FirstMessage string         `json:"first_message,omitempty"`
}

// PromptOverride holds the system prompt text.
type PromptOverride struct {
	Prompt string `json:"prompt"`
}

// NewInitiationData builds the initiation frame for prompt. firstMessage may
// be empty to keep the agent's configured greeting.
func NewInitiationData(prompt, firstMessage string) InitiationData {
	return InitiationData{
		Type: "conversation_initiation_client_data",
		Override: ConfigOverride{Agent: AgentOverride{
			Prompt:       PromptOverride{Prompt: prompt},
			FirstMessage: firstMessage,
		}},
	}
}

// UserAudioChunk is the envelope for captured user audio.
type UserAudioChunk struct {
	Audio string `json:"user_audio_chunk"` // base64-encoded PCM
}

// Pong answers a ping event.
type Pong struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// NewPong builds the reply to a ping with the given event id.
func NewPong(eventID int64) Pong {
	return Pong{Type: "pong", EventID: eventID}
}

// ToolResult answers a client tool call.
type ToolResult struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

// NewToolResult builds the reply for tool call id.
func NewToolResult(id, result string, isError bool) ToolResult {
	return ToolResult{Type: "client_tool_result", ToolCallID: id, Result: result, IsError: isError}
}

// ── Incoming events ───────────────────────────────────────────────────────────

// ToolCall is a client tool invocation requested by the agent.
type ToolCall struct {
	Name       string          `json:"tool_name"`
	ID         string          `json:"tool_call_id"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Metadata is the payload of the conversation initiation metadata event.
type Metadata struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format,omitempty"`
	UserInputAudioFormat   string `json:"user_input_audio_format,omitempty"`
}

// Event is a decoded upstream text frame. Accessors read the nested event
// object first and fall back to the flat top-level key.
type Event struct {
	Type string
	Raw  []byte

	fields map[string]json.RawMessage
}

// DecodeEvent parses a text frame. The type comes from the "type" field, or
// from whichever known nested event key is present.
func DecodeEvent(data []byte) (*Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("convai: decode event: %w", err)
	}
	if fields == nil {
		return nil, errors.New("convai: decode event: not a JSON object")
	}
	evt := &Event{Raw: data, fields: fields}
	if raw, ok := fields["type"]; ok {
		_ = json.Unmarshal(raw, &evt.Type)
	}
	if !knownType(evt.Type) {
		for _, ek := range embeddedKeys {
			if evt.Type == ek.key {
				evt.Type = ek.typ
				return evt, nil
			}
		}
		for _, ek := range embeddedKeys {
			if _, ok := fields[ek.key]; ok {
				evt.Type = ek.typ
				break
			}
		}
	}
	return evt, nil
}

func knownType(t string) bool {
	for _, ek := range embeddedKeys {
		if t == ek.typ {
			return true
		}
	}
	return false
}

// nested returns the named nested object, or nil.
func (e *Event) nested(key string) map[string]json.RawMessage {
	raw, ok := e.fields[key]
	if !ok {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// lookup finds key inside the nested object, then at the top level.
func (e *Event) lookup(nestedKey, key string) (json.RawMessage, bool) {
	if m := e.nested(nestedKey); m != nil {
		if raw, ok := m[key]; ok {
			return raw, true
		}
	}
	raw, ok := e.fields[key]
	return raw, ok
}

func (e *Event) lookupString(nestedKey, key string) string {
	raw, ok := e.lookup(nestedKey, key)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// PingEventID returns the id to echo in the pong.
func (e *Event) PingEventID() (int64, bool) {
	raw, ok := e.lookup("ping_event", "event_id")
	if !ok {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

// UserTranscript returns the recognised user text.
func (e *Event) UserTranscript() string {
	return e.lookupString("user_transcription_event", "user_transcript")
}

// AgentResponse returns the agent's reply text.
func (e *Event) AgentResponse() string {
	return e.lookupString("agent_response_event", "agent_response")
}

// Audio decodes the base64 audio payload of an audio event.
func (e *Event) Audio() ([]byte, error) {
	s := e.lookupString("audio_event", "audio_base_64")
	if s == "" {
		return nil, errors.New("convai: audio event without payload")
	}
	pcm, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("convai: decode audio: %w", err)
	}
	return pcm, nil
}

// ToolCall returns the tool invocation carried by a client_tool_call event.
func (e *Event) ToolCall() (ToolCall, error) {
	var tc ToolCall
	raw, ok := e.fields["client_tool_call"]
	if !ok {
		raw = e.Raw
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return ToolCall{}, fmt.Errorf("convai: decode tool call: %w", err)
	}
	if tc.Name == "" {
		return ToolCall{}, errors.New("convai: tool call without tool_name")
	}
	return tc, nil
}

// Metadata returns the conversation initiation metadata.
func (e *Event) Metadata() Metadata {
	var md Metadata
	raw, ok := e.fields["conversation_initiation_metadata_event"]
	if !ok {
		raw = e.Raw
	}
	_ = json.Unmarshal(raw, &md)
	return md
}
