package convai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/centrum-dating/centrum/pkg/provider/convai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startAgentServer launches a test WebSocket server standing in for the
// upstream agent. The server is automatically closed when the test finishes.
func startAgentServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("read: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("unmarshal %s: %v", data, err)
	}
}

func dialTest(t *testing.T, srv *httptest.Server) *convai.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c := convai.New("key", convai.WithWebSocketURL(wsURL(srv)))
	conn, err := c.Dial(ctx, "agent")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// ── SignedURL ─────────────────────────────────────────────────────────────────

func TestSignedURL_SendsKeyAndAgent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/convai/conversation/get_signed_url" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("xi-api-key"); got != "secret" {
			t.Errorf("xi-api-key = %q", got)
		}
		if got := r.URL.Query().Get("agent_id"); got != "agent_1" {
			t.Errorf("agent_id = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"signed_url":"wss://example.test/conv?token=abc"}`))
	}))
	defer srv.Close()

	c := convai.New("secret", convai.WithBaseURL(srv.URL+"/"), convai.WithHTTPClient(srv.Client()))
	got, err := c.SignedURL(context.Background(), "agent_1")
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if got != "wss://example.test/conv?token=abc" {
		t.Errorf("SignedURL = %q", got)
	}
}

func TestSignedURL_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("agent_id") {
		case "forbidden":
			http.Error(w, "no", http.StatusUnauthorized)
		case "empty":
			w.Write([]byte(`{}`))
		default:
			w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		apiKey  string
		agentID string
	}{
		{"missing key", "", "a"},
		{"missing agent", "k", ""},
		{"non-200", "k", "forbidden"},
		{"empty url", "k", "empty"},
		{"bad body", "k", "garbage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := convai.New(tt.apiKey, convai.WithBaseURL(srv.URL))
			if _, err := c.SignedURL(context.Background(), tt.agentID); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDial_UsesSignedURL(t *testing.T) {
	t.Parallel()

	agent := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"hello"}`))
		conn.Read(context.Background())
	})
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"signed_url": wsURL(agent)})
	}))
	defer rest.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := convai.New("k", convai.WithBaseURL(rest.URL)).Dial(ctx, "agent")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	f, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Binary || string(f.Data) != `{"type":"hello"}` {
		t.Errorf("frame = %+v", f)
	}
}

func TestDial_SignedURLFailure(t *testing.T) {
	t.Parallel()
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer rest.Close()

	if _, err := convai.New("k", convai.WithBaseURL(rest.URL)).Dial(context.Background(), "a"); err == nil {
		t.Fatal("expected error")
	}
}

// ── Conn ──────────────────────────────────────────────────────────────────────

func TestSendAudio_WrapsInEnvelope(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]string, 1)
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			t.Errorf("audio sent as %v, want text", typ)
		}
		var m map[string]string
		json.Unmarshal(data, &m)
		got <- m
	})

	conn := dialTest(t, srv)
	pcm := []byte{1, 2, 3, 4, 5}
	if err := conn.SendAudio(context.Background(), pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case m := <-got:
		want := base64.StdEncoding.EncodeToString(pcm)
		if m["user_audio_chunk"] != want {
			t.Errorf("user_audio_chunk = %q, want %q", m["user_audio_chunk"], want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}

func TestSend_InitiationData(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var m map[string]any
		readJSON(t, conn, &m)
		got <- m
	})

	conn := dialTest(t, srv)
	if err := conn.Send(context.Background(), convai.NewInitiationData("be kind", "")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	m := <-got
	if m["type"] != "conversation_initiation_client_data" {
		t.Errorf("type = %v", m["type"])
	}
	agent := m["conversation_config_override"].(map[string]any)["agent"].(map[string]any)
	if agent["prompt"].(map[string]any)["prompt"] != "be kind" {
		t.Errorf("prompt = %v", agent["prompt"])
	}
	if _, ok := agent["first_message"]; ok {
		t.Error("empty first_message should be omitted")
	}
}

func TestSendRaw_Verbatim(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, data, err := conn.Read(context.Background())
		if err == nil {
			got <- string(data)
		}
	})

	conn := dialTest(t, srv)
	raw := `{"type":"user_activity", "extra" : 1}`
	if err := conn.SendRaw(context.Background(), []byte(raw)); err != nil {
		t.Fatal(err)
	}
	if s := <-got; s != raw {
		t.Errorf("got %q, want %q", s, raw)
	}
}

func TestRead_BinaryFrame(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Write(context.Background(), websocket.MessageBinary, []byte{9, 8, 7})
		conn.Read(context.Background())
	})
	conn := dialTest(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	f, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Binary || len(f.Data) != 3 {
		t.Errorf("frame = %+v", f)
	}
}

func TestClose_IdempotentAndRejectsWrites(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Read(context.Background())
	})
	conn := dialTest(t, srv)

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := conn.Send(context.Background(), convai.NewPong(1)); !errors.Is(err, convai.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}
