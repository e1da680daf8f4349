// Package profiletool handles client tool calls issued by the voice agent to
// record profile attributes on a session.
//
// Tool calls never fail with a Go error: unknown tools and malformed
// arguments produce a [Result] with Success=false that is echoed back to the
// agent, so a bad call cannot interrupt the relay.
package profiletool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/centrum-dating/centrum/internal/session"
)

// Tool names understood by the handler.
const (
	ToolUpdateDatingProfile = "update_dating_profile"
	ToolUpdateProfile       = "update_profile"
)

// Result is the acknowledgment returned for every tool call.
type Result struct {
	Success       bool             `json:"success"`
	Message       string           `json:"message"`
	UpdatedFields []string         `json:"updated_fields,omitempty"`
	IgnoredFields []string         `json:"ignored_fields,omitempty"`
	Profile       *session.Profile `json:"profile,omitempty"`
}

// JSON renders r as the string payload of a client_tool_result frame.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"message":%q}`, err.Error())
	}
	return string(data)
}

// Handler applies profile tool calls to sessions. The zero value is ready to
// use.
type Handler struct{}

// New returns a Handler.
func New() *Handler { return &Handler{} }

// Handle dispatches a tool call by name. params is either a decoded JSON
// object or a JSON-encoded string of one.
func (h *Handler) Handle(sess *session.Session, toolName string, params any) Result {
	switch toolName {
	case ToolUpdateDatingProfile, ToolUpdateProfile:
	default:
		slog.Warn("unknown tool call", "session_id", sess.ID(), "tool", toolName)
		return Result{Success: false, Message: fmt.Sprintf("unknown tool %q", toolName)}
	}

	args, err := decodeParams(params)
	if err != nil {
		slog.Warn("malformed tool arguments", "session_id", sess.ID(), "tool", toolName, "err", err)
		return Result{Success: false, Message: "invalid arguments: " + err.Error()}
	}

	updated, ignored := sess.UpdateProfile(args)
	profile := sess.Profile()

	res := Result{
		Success:       true,
		UpdatedFields: updated,
		IgnoredFields: ignored,
		Profile:       &profile,
	}
	if len(updated) == 0 {
		res.Message = "no profile fields updated"
	} else {
		res.Message = "updated " + strings.Join(updated, ", ")
	}
	slog.Debug("profile updated", "session_id", sess.ID(), "updated", updated, "ignored", ignored)
	return res
}

func decodeParams(params any) (map[string]any, error) {
	switch p := params.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	case string:
		return unmarshalObject([]byte(p))
	case json.RawMessage:
		return unmarshalObject(p)
	case []byte:
		return unmarshalObject(p)
	}
	return nil, fmt.Errorf("unsupported parameter type %T", params)
}

func unmarshalObject(data []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
