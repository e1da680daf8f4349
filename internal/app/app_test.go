package app_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/centrum-dating/centrum/internal/app"
	"github.com/centrum-dating/centrum/internal/config"
	"github.com/centrum-dating/centrum/internal/observe"
	"github.com/centrum-dating/centrum/internal/profilestore"
	"github.com/centrum-dating/centrum/pkg/provider/convai"
	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const testTimeout = 5 * time.Second

// testConfig returns a config with credentials, a temp data dir, and a
// SQLite profile store.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Upstream: config.UpstreamConfig{
			APIKey:  "key",
			AgentID: "agent_test",
			Prompt:  "Be warm.",
		},
		Storage: config.StorageConfig{DataDir: filepath.Join(dir, "data")},
		Profiles: config.ProfilesConfig{
			Backend:    config.ProfileBackendSQLite,
			SQLitePath: filepath.Join(dir, "profiles.db"),
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// startAgent runs a fake upstream agent that reports readiness, records one
// profile field, says one line, and hangs up.
func startAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
		defer cancel()

		if _, _, err := conn.Read(ctx); err != nil { // initiation data
			return
		}
		frames := []string{
			`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv_9"}}`,
			`{"type":"client_tool_call","client_tool_call":{"tool_name":"update_dating_profile","tool_call_id":"t1","parameters":{"name":"Sam","interests":["climbing","jazz"]}}}`,
		}
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		if _, _, err := conn.Read(ctx); err != nil { // tool result
			return
		}
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"agent_response","agent_response_event":{"agent_response":"Nice to meet you, Sam!"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startSignedURLService serves the signed-URL endpoint, pointing every
// conversation at agent.
func startSignedURLService(t *testing.T, agent *httptest.Server) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/convai/conversation/get_signed_url" || r.Header.Get("xi-api-key") != "key" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"signed_url": "ws" + strings.TrimPrefix(agent.URL, "http") + "?agent_id=" + r.URL.Query().Get("agent_id"),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type running struct {
	app  *app.App
	base string
}

func startApp(t *testing.T, cfg *config.Config, opts ...app.Option) *running {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts = append([]app.Option{app.WithListener(ln), app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error: %v", err)
		}
		sctx, scancel := context.WithTimeout(context.Background(), testTimeout)
		defer scancel()
		if err := a.Shutdown(sctx); err != nil {
			t.Errorf("Shutdown() error: %v", err)
		}
	})
	return &running{app: a, base: "http://" + ln.Addr().String()}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestApp_EndToEndConversation(t *testing.T) {
	t.Parallel()
	agent := startAgent(t)
	cfg := testConfig(t)
	cfg.Upstream.BaseURL = startSignedURLService(t, agent).URL
	r := startApp(t, cfg)

	// Start a session.
	resp, err := http.Post(r.base+"/api/conversation/start", "application/json", strings.NewReader(`{"user_id":"user-7"}`))
	if err != nil {
		t.Fatal(err)
	}
	var start struct {
		SessionID    string `json:"session_id"`
		WebsocketURL string `json:"websocket_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&start); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// Stream until the agent hangs up.
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(r.base, "http")+start.WebsocketURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	var types []string
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Errorf("relay closed with %v", err)
			}
			break
		}
		var m struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		types = append(types, m.Type)
	}
	want := []string{"ready", "profile_updated", "agent_response", "session_ended"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("client saw %v, want %v", types, want)
	}

	// Saved transcript.
	var tr struct {
		SessionID      string `json:"session_id"`
		ConversationID string `json:"conversation_id"`
		Status         string `json:"status"`
		Messages       []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if code := getJSON(t, r.base+"/api/conversation/"+start.SessionID, &tr); code != http.StatusOK {
		t.Fatalf("GET conversation status = %d", code)
	}
	if tr.ConversationID != "conv_9" || tr.Status != "completed" || len(tr.Messages) != 1 || tr.Messages[0].Role != "agent" {
		t.Errorf("transcript = %+v", tr)
	}

	var list struct {
		Conversations []struct {
			SessionID string `json:"session_id"`
		} `json:"conversations"`
	}
	getJSON(t, r.base+"/api/conversations", &list)
	if len(list.Conversations) != 1 || list.Conversations[0].SessionID != start.SessionID {
		t.Errorf("list = %+v", list)
	}

	// No audio was sent, so there is no recording.
	if code := getJSON(t, r.base+"/api/conversation/"+start.SessionID+"/audio", nil); code != http.StatusNotFound {
		t.Errorf("audio status = %d, want 404", code)
	}

	// Profile landed in the SQLite store.
	store, err := profilestore.NewSQLite(cfg.Profiles.SQLitePath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	rec, err := store.Get(context.Background(), "user-7")
	if err != nil || rec == nil {
		t.Fatalf("Get profile = %v, %v", rec, err)
	}
	if rec.Profile.Name == nil || *rec.Profile.Name != "Sam" || len(rec.Profile.Interests) != 2 {
		t.Errorf("stored profile = %+v", rec.Profile)
	}
	if r.app.Sessions().Len() != 0 {
		t.Error("session not removed")
	}
}

func TestApp_UnreachableUpstreamReportsError(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	r := startApp(t, cfg, app.WithDialer(convai.New("key", convai.WithWebSocketURL("ws://127.0.0.1:1/unreachable"))))

	resp, err := http.Post(r.base+"/api/conversation/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var start struct {
		WebsocketURL string `json:"websocket_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&start); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(r.base, "http")+start.WebsocketURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	var types []string
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			break
		}
		var m struct {
			Type string `json:"type"`
		}
		json.Unmarshal(data, &m)
		types = append(types, m.Type)
	}
	if strings.Join(types, ",") != "error,session_ended" {
		t.Errorf("client saw %v, want [error session_ended]", types)
	}
}

func TestApp_ProbesAndMetrics(t *testing.T) {
	t.Parallel()
	r := startApp(t, testConfig(t))

	for path, want := range map[string]int{
		"/":        http.StatusOK,
		"/health":  http.StatusOK,
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/metrics": http.StatusOK,
	} {
		resp, err := http.Get(r.base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestApp_DefaultOriginsAdmitLocalWebClient(t *testing.T) {
	t.Parallel()
	r := startApp(t, testConfig(t))

	for _, origin := range []string{"http://localhost:3000", "http://127.0.0.1:3000"} {
		req, err := http.NewRequest(http.MethodOptions, r.base+"/api/conversation/start", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != origin {
			t.Errorf("preflight from %s = %d, allow %q", origin, resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
		}
	}
}

func TestApp_StartWithoutCredentials(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Upstream.APIKey = ""
	r := startApp(t, cfg)

	resp, err := http.Post(r.base+"/api/conversation/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	level := new(slog.LevelVar)
	a, err := app.New(context.Background(), cfg,
		app.WithLogLevel(level),
		app.WithMetrics(testMetrics(t)),
		app.WithProfileStore(profilestore.Noop{}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	updated := *cfg
	updated.Server.LogLevel = config.LogDebug
	updated.Upstream.Prompt = "Be brief."
	a.Reload(cfg, &updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(t), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestNew_InvalidBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Profiles.Backend = config.ProfileBackendPostgres
	cfg.Profiles.PostgresDSN = "://not a dsn"
	if _, err := app.New(context.Background(), cfg, app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("expected error for unusable postgres dsn")
	}
}
