// Package relay bridges a client WebSocket to an upstream voice agent
// conversation. Each accepted connection runs two pumps, one per direction,
// that record the conversation into its [session.Session]; when either side
// ends, both pumps unwind and the session is finalized exactly once.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/centrum-dating/centrum/internal/observe"
	"github.com/centrum-dating/centrum/internal/profilestore"
	"github.com/centrum-dating/centrum/internal/profiletool"
	"github.com/centrum-dating/centrum/internal/session"
	"github.com/centrum-dating/centrum/internal/storage"
	"github.com/centrum-dating/centrum/pkg/provider/convai"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

// CloseSessionNotFound is the close code sent when the path names no live
// session.
const CloseSessionNotFound websocket.StatusCode = 4004

// CloseSessionInUse is the close code sent when another connection already
// drives the session.
const CloseSessionInUse websocket.StatusCode = 4009

const (
	dialTimeout     = 15 * time.Second
	clientReadLimit = 1 << 20
)

// State is a relay lifecycle state. States only move forward.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingReady
	StateStreaming
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingReady:
		return "awaiting-upstream-ready"
	case StateStreaming:
		return "streaming"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Dialer opens upstream conversations. *convai.Client satisfies it.
type Dialer interface {
	Dial(ctx context.Context, agentID string) (*convai.Conn, error)
}

// Config wires a [Handler] to its collaborators.
type Config struct {
	Sessions *session.Store
	Dialer   Dialer
	AgentID  string
	Storage  storage.Storage

	// Profiles receives profile upserts at session end. Nil disables them.
	Profiles profilestore.Store

	// Tools handles client tool calls. Nil means a default handler.
	Tools *profiletool.Handler

	// Metrics records relay metrics. Nil means [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// UpsertTimeout bounds the profile upsert. Zero means 10s.
	UpsertTimeout time.Duration

	// OriginPatterns is passed to websocket.AcceptOptions.
	OriginPatterns []string

	Prompt       string
	FirstMessage string
}

type agentSettings struct {
	prompt       string
	firstMessage string
}

// Handler serves the client WebSocket endpoint. Mount it on a pattern with
// an {id} wildcard.
type Handler struct {
	sessions      *session.Store
	dialer        Dialer
	agentID       string
	storage       storage.Storage
	profiles      profilestore.Store
	tools         *profiletool.Handler
	metrics       *observe.Metrics
	upsertTimeout time.Duration
	accept        *websocket.AcceptOptions

	agent atomic.Pointer[agentSettings]

	// ctx is cancelled by Shutdown to end every live relay.
	ctx    context.Context
	cancel context.CancelFunc
	active sync.WaitGroup
}

// New creates a Handler from cfg.
func New(cfg Config) *Handler {
	h := &Handler{
		sessions:      cfg.Sessions,
		dialer:        cfg.Dialer,
		agentID:       cfg.AgentID,
		storage:       cfg.Storage,
		profiles:      cfg.Profiles,
		tools:         cfg.Tools,
		metrics:       cfg.Metrics,
		upsertTimeout: cfg.UpsertTimeout,
		accept:        &websocket.AcceptOptions{OriginPatterns: cfg.OriginPatterns},
	}
	if h.profiles == nil {
		h.profiles = profilestore.Noop{}
	}
	if h.tools == nil {
		h.tools = profiletool.New()
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	if h.upsertTimeout <= 0 {
		h.upsertTimeout = 10 * time.Second
	}
	h.SetAgent(cfg.Prompt, cfg.FirstMessage)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// SetAgent replaces the prompt and first message used for new relays.
func (h *Handler) SetAgent(prompt, firstMessage string) {
	h.agent.Store(&agentSettings{prompt: prompt, firstMessage: firstMessage})
}

// Shutdown ends all live relays and waits for their finalizers, or for ctx.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: shutdown: %w", ctx.Err())
	}
}

// ServeHTTP accepts the client WebSocket and runs the relay for the session
// named by the {id} path value.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := observe.WithSession(observe.Logger(r.Context()), id)

	client, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	client.SetReadLimit(clientReadLimit)

	sess, ok := h.sessions.Claim(id)
	switch {
	case sess == nil:
		log.Info("websocket for unknown session")
		client.Close(CloseSessionNotFound, "session not found")
		return
	case !ok:
		log.Warn("websocket for session already in use")
		client.Close(CloseSessionInUse, "session already connected")
		return
	}

	h.active.Add(1)
	defer h.active.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	rl := &relay{
		h:       h,
		sess:    sess,
		client:  client,
		log:     log,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	rl.run(ctx)
}

// clientFrame is one frame read from the client socket.
type clientFrame struct {
	typ  websocket.MessageType
	data []byte
}

// relay is the per-connection state machine.
type relay struct {
	h        *Handler
	sess     *session.Session
	client   *websocket.Conn
	upstream *convai.Conn
	log      *slog.Logger
	started  time.Time

	state    atomic.Int32
	finalize sync.Once

	// done is closed when the relay returns, releasing the client reader.
	done chan struct{}
}

func (rl *relay) setState(to State) {
	for {
		from := State(rl.state.Load())
		if to <= from {
			return
		}
		if rl.state.CompareAndSwap(int32(from), int32(to)) {
			rl.log.Debug("relay state", "from", from.String(), "to", to.String())
			return
		}
	}
}

func (rl *relay) State() State { return State(rl.state.Load()) }

// run drives the relay to completion. The finalizer always runs, including
// after a panic in this goroutine or in either pump.
func (rl *relay) run(ctx context.Context) {
	// Writes and finalization outlive ctx so that a shutdown or pump
	// cancellation still persists the session and reaches the client.
	bg := context.WithoutCancel(ctx)

	rl.h.metrics.SessionOpened(bg)
	rl.log.Info("relay started", "user_id", rl.sess.UserID())

	defer func() {
		close(rl.done)
		rl.client.Close(websocket.StatusNormalClosure, "session ended")
	}()
	defer rl.finalizeOnce(bg)
	defer func() {
		if p := recover(); p != nil {
			rl.log.Error("relay panic", "panic", p)
			rl.notifyError(bg, "internal error")
		}
	}()

	if err := rl.connectUpstream(ctx); err != nil {
		rl.log.Error("upstream connect failed", "err", err)
		rl.notifyError(bg, "failed to connect to conversation service")
		return
	}
	rl.setState(StateAwaitingReady)

	frames := rl.readClient(bg)

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(rl.guard("client pump", func() error {
		defer cancel()
		return rl.clientPump(pumpCtx, bg, frames)
	}))
	g.Go(rl.guard("upstream pump", func() error {
		defer cancel()
		return rl.upstreamPump(pumpCtx, bg)
	}))
	if err := g.Wait(); err != nil {
		rl.log.Error("relay pump failed", "err", err)
		rl.notifyError(bg, "internal error")
	}
	rl.setState(StateTerminated)
}

// guard converts a panic in fn into an error.
func (rl *relay) guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("relay: %s panic: %v", name, p)
			}
		}()
		return fn()
	}
}

func (rl *relay) connectUpstream(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	start := time.Now()
	up, err := rl.h.dialer.Dial(dialCtx, rl.h.agentID)
	rl.h.metrics.UpstreamDialDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return err
	}
	rl.upstream = up

	agent := rl.h.agent.Load()
	if err := up.Send(dialCtx, convai.NewInitiationData(agent.prompt, agent.firstMessage)); err != nil {
		return fmt.Errorf("relay: send initiation: %w", err)
	}
	return nil
}

// readClient reads client frames on its own goroutine until the socket
// closes. Reading with a context that pump cancellation cannot reach keeps
// the socket open for the final summary.
func (rl *relay) readClient(ctx context.Context) <-chan clientFrame {
	out := make(chan clientFrame)
	go func() {
		defer close(out)
		for {
			typ, data, err := rl.client.Read(ctx)
			if err != nil {
				if status := websocket.CloseStatus(err); status == -1 {
					rl.log.Debug("client read ended", "err", err)
				} else {
					rl.log.Debug("client closed", "status", status)
				}
				return
			}
			select {
			case out <- clientFrame{typ: typ, data: data}:
			case <-rl.done:
				return
			}
		}
	}()
	return out
}

// clientPump forwards client frames upstream until the client ends the
// conversation, disconnects, or ctx is cancelled.
func (rl *relay) clientPump(ctx, bg context.Context, frames <-chan clientFrame) error {
	defer rl.setState(StateTerminating)
	for {
		var f clientFrame
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case f, ok = <-frames:
			if !ok {
				rl.log.Info("client disconnected")
				return nil
			}
		}

		if f.typ == websocket.MessageBinary {
			rl.sess.AppendAudio(f.data)
			rl.h.metrics.AudioBytes.Add(bg, int64(len(f.data)))
			rl.h.metrics.RecordFrame(bg, observe.DirClientToUpstream, "audio")
			if err := rl.upstream.SendAudio(ctx, f.data); err != nil {
				rl.log.Debug("upstream audio write failed", "err", err)
				return nil
			}
			continue
		}

		if !json.Valid(f.data) {
			rl.log.Warn("dropping malformed client message", "bytes", len(f.data))
			continue
		}
		// Only objects carry a control type; other JSON values pass through.
		var ctl controlMsg
		_ = json.Unmarshal(f.data, &ctl)
		if ctl.Type == MsgEndConversation {
			rl.log.Info("client ended conversation")
			return nil
		}
		rl.h.metrics.RecordFrame(bg, observe.DirClientToUpstream, "text")
		if err := rl.upstream.SendRaw(ctx, f.data); err != nil {
			rl.log.Debug("upstream write failed", "err", err)
			return nil
		}
	}
}

// upstreamPump dispatches upstream frames until the upstream closes or ctx
// is cancelled.
func (rl *relay) upstreamPump(ctx, bg context.Context) error {
	defer rl.setState(StateTerminating)
	for {
		f, err := rl.upstream.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				rl.log.Info("upstream closed", "status", websocket.CloseStatus(err))
			}
			return nil
		}
		if f.Binary {
			rl.h.metrics.RecordFrame(bg, observe.DirUpstreamToClient, "binary")
			if err := writeClient(bg, rl.client, websocket.MessageBinary, f.Data); err != nil {
				rl.log.Debug("client write failed", "err", err)
				return nil
			}
			continue
		}
		if err := rl.handleUpstreamText(ctx, bg, f.Data); err != nil {
			rl.log.Debug("client write failed", "err", err)
			return nil
		}
	}
}

// handleUpstreamText dispatches one upstream JSON event. A returned error
// means the client socket is no longer writable.
func (rl *relay) handleUpstreamText(ctx, bg context.Context, data []byte) error {
	evt, err := convai.DecodeEvent(data)
	if err != nil {
		rl.log.Warn("dropping malformed upstream message", "err", err)
		return nil
	}

	switch evt.Type {
	case convai.EventPing:
		id, ok := evt.PingEventID()
		if !ok {
			return nil
		}
		if err := rl.upstream.Send(ctx, convai.NewPong(id)); err != nil {
			rl.log.Debug("pong failed", "err", err)
		}
		return nil

	case convai.EventInitiationMetadata:
		md := evt.Metadata()
		rl.sess.SetConversationID(md.ConversationID)
		if State(rl.state.Load()) != StateAwaitingReady {
			return nil
		}
		rl.setState(StateStreaming)
		rl.log.Info("upstream ready", "conversation_id", md.ConversationID)
		return writeClientJSON(bg, rl.client, readyMsg{Type: MsgReady, SessionID: rl.sess.ID()})

	case convai.EventUserTranscript:
		text := evt.UserTranscript()
		if text == "" {
			return nil
		}
		rl.sess.AddTurn(session.RoleUser, text)
		rl.h.metrics.RecordFrame(bg, observe.DirUpstreamToClient, "user_transcript")
		return writeClientJSON(bg, rl.client, userTranscriptMsg{Type: MsgUserTranscript, UserTranscript: text})

	case convai.EventAgentResponse:
		text := evt.AgentResponse()
		if text == "" {
			return nil
		}
		rl.sess.AddTurn(session.RoleAgent, text)
		rl.h.metrics.RecordFrame(bg, observe.DirUpstreamToClient, "agent_response")
		return writeClientJSON(bg, rl.client, agentResponseMsg{Type: MsgAgentResponse, AgentResponse: text})

	case convai.EventAudio:
		pcm, err := evt.Audio()
		if err != nil {
			rl.log.Warn("dropping undecodable agent audio", "err", err)
			return nil
		}
		rl.h.metrics.RecordFrame(bg, observe.DirUpstreamToClient, "audio")
		return writeClient(bg, rl.client, websocket.MessageBinary, pcm)

	case convai.EventClientToolCall:
		return rl.handleToolCall(ctx, bg, evt)
	}

	rl.h.metrics.RecordFrame(bg, observe.DirUpstreamToClient, "passthrough")
	if err := writeClient(bg, rl.client, websocket.MessageText, data); err != nil {
		rl.log.Debug("passthrough to client failed", "type", evt.Type, "err", err)
	}
	return nil
}

func (rl *relay) handleToolCall(ctx, bg context.Context, evt *convai.Event) error {
	tc, err := evt.ToolCall()
	if err != nil {
		rl.log.Warn("dropping malformed tool call", "err", err)
		return nil
	}

	res := rl.h.tools.Handle(rl.sess, tc.Name, tc.Parameters)
	status := "ok"
	if !res.Success {
		status = "error"
	}
	rl.h.metrics.RecordToolCall(bg, tc.Name, status)

	if err := rl.upstream.Send(ctx, convai.NewToolResult(tc.ID, res.JSON(), !res.Success)); err != nil {
		rl.log.Debug("tool result write failed", "tool_call_id", tc.ID, "err", err)
	}
	if !res.Success {
		return nil
	}
	return writeClientJSON(bg, rl.client, profileUpdatedMsg{
		Type:          MsgProfileUpdated,
		Profile:       *res.Profile,
		UpdatedFields: nonNil(res.UpdatedFields),
	})
}

// notifyError sends an error notification, ignoring write failures.
func (rl *relay) notifyError(ctx context.Context, msg string) {
	if err := writeClientJSON(ctx, rl.client, errorMsg{Type: MsgError, Message: msg}); err != nil {
		rl.log.Debug("error notification not delivered", "err", err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
