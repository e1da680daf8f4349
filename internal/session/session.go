// Package session holds the per-conversation state shared by the relay pumps
// and the finalizer, and the process-wide [Store] that maps session ids to
// live sessions.
//
// A [Session] is owned by exactly one relay invocation at a time. Its
// methods are nevertheless guarded by a mutex because the client pump, the
// upstream pump, and the finalizer all touch the same object.
package session

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a [Turn].
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleSystem:
		return true
	}
	return false
}

// Status is the lifecycle state of a [Session]. The only transition is
// StatusInProgress → StatusCompleted.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Turn is a single utterance. Turns are immutable once appended.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	AudioFile string    `json:"audio_file,omitempty"`
}

// Transcript is the serialisable view of a session written by the finalizer
// and served by the REST API.
type Transcript struct {
	SessionID          string     `json:"session_id"`
	UserID             string     `json:"user_id,omitempty"`
	ConversationID     string     `json:"conversation_id,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at"`
	Messages           []Turn     `json:"messages"`
	Profile            *Profile   `json:"profile"`
	AudioRecordingPath string     `json:"audio_recording_path,omitempty"`
	Status             Status     `json:"status"`
}

// Session is the mutable record of one conversation.
type Session struct {
	id        string
	userID    string
	startedAt time.Time

	mu             sync.Mutex
	endedAt        *time.Time
	status         Status
	conversationID string
	turns          []Turn
	audio          [][]byte
	audioBytes     int
	profile        Profile
	audioPath      string
}

// New creates a session with a fresh UUID, status in_progress, and empty
// turns, audio, and profile. userID may be empty.
func New(userID string) *Session {
	return &Session{
		id:        uuid.NewString(),
		userID:    userID,
		startedAt: time.Now().UTC(),
		status:    StatusInProgress,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the owning user reference, or "" when none was given.
func (s *Session) UserID() string { return s.userID }

// StartedAt returns the creation time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// EndedAt returns the completion time, or nil while the session is active.
func (s *Session) EndedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt == nil {
		return nil
	}
	t := *s.endedAt
	return &t
}

// SetConversationID records the upstream conversation identifier.
func (s *Session) SetConversationID(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

// AddTurn appends a turn stamped with the current time and returns it.
func (s *Session) AddTurn(role Role, content string) Turn {
	t := Turn{Role: role, Content: content, Timestamp: time.Now().UTC()}
	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
	return t
}

// Turns returns a copy of the turns in arrival order.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// TurnCount returns the number of recorded turns.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// AppendAudio buffers a copy of chunk. Chunks are ignored once the session
// has completed.
func (s *Session) AppendAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusCompleted {
		return
	}
	s.audio = append(s.audio, c)
	s.audioBytes += len(c)
}

// AudioChunks returns the number of buffered audio chunks.
func (s *Session) AudioChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// Audio returns the buffered chunks concatenated in arrival order. It returns
// nil when no audio was captured.
func (s *Session) Audio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.audio) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(s.audioBytes)
	for _, c := range s.audio {
		buf.Write(c)
	}
	return buf.Bytes()
}

// SetAudioPath records where the finalized recording was written.
func (s *Session) SetAudioPath(path string) {
	s.mu.Lock()
	s.audioPath = path
	s.mu.Unlock()
}

// UpdateProfile merge-patches the profile with args. See [Profile.Apply].
func (s *Session) UpdateProfile(args map[string]any) (updated, ignored []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile.Apply(args)
}

// Profile returns a copy of the current profile.
func (s *Session) Profile() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile.Clone()
}

// Complete marks the session completed and stamps the end time. It returns
// false, leaving the session untouched, if the session was already
// completed.
func (s *Session) Complete(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusCompleted {
		return false
	}
	t := now.UTC()
	s.endedAt = &t
	s.status = StatusCompleted
	return true
}

// Transcript returns a point-in-time snapshot suitable for JSON encoding.
func (s *Session) Transcript() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := Transcript{
		SessionID:          s.id,
		UserID:             s.userID,
		ConversationID:     s.conversationID,
		StartedAt:          s.startedAt,
		Messages:           make([]Turn, len(s.turns)),
		AudioRecordingPath: s.audioPath,
		Status:             s.status,
	}
	copy(tr.Messages, s.turns)
	if s.endedAt != nil {
		t := *s.endedAt
		tr.EndedAt = &t
	}
	if !s.profile.IsEmpty() {
		p := s.profile.Clone()
		tr.Profile = &p
	}
	return tr
}
