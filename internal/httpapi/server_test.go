package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/commands"
	"github.com/ent0n29/threadbot/internal/completion"
	"github.com/ent0n29/threadbot/internal/config"
	"github.com/ent0n29/threadbot/internal/conversation"
	"github.com/ent0n29/threadbot/internal/delivery"
	"github.com/ent0n29/threadbot/internal/nodecache"
	"github.com/ent0n29/threadbot/internal/observability"
	"github.com/ent0n29/threadbot/internal/pipeline"
	"github.com/ent0n29/threadbot/internal/policy"
	"github.com/ent0n29/threadbot/internal/protocol"
	"github.com/ent0n29/threadbot/internal/session"
	"github.com/ent0n29/threadbot/internal/surface"
)

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	cache *nodecache.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		CompletionMode:           "mock",
		Model:                    "mock/echo",
	}
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry(), "test")
	hub, err := surface.NewHub(surface.Config{BotID: "bot", Capacity: 100, Metrics: metrics})
	require.NoError(t, err)
	cache := nodecache.New(10, metrics)
	persister := nodecache.NewPersister(cache, nodecache.NewFileStore(filepath.Join(t.TempDir(), "msg_nodes.json")), nodecache.PersisterConfig{TTL: time.Hour, MaxMessages: 10})

	handler := pipeline.New(pipeline.Config{
		BotID:     "bot",
		Surface:   hub,
		Assembler: conversation.New(conversation.Config{BotID: "bot", Cache: cache}),
		Client:    completion.NewMockClient(),
		Engine:    delivery.NewEngine(delivery.Config{Surface: hub, Mode: delivery.ModeProgressive}),
		Cache:     cache,
		AI:        chat.AIConfig{Provider: "mock", Model: "echo", MaxText: 1000, MaxImages: 1, MaxMessages: 10},
		Metrics:   metrics,
	})
	router := commands.NewRouter(commands.Config{BotID: "bot", Surface: hub, Permissions: permissiveDMs()})
	commands.RegisterDefaults(router, handler)

	srv := New(cfg, Deps{
		Sessions:   session.NewManager(cfg.SessionInactivityTimeout),
		Hub:        hub,
		Dispatcher: router,
		Cache:      cache,
		Persister:  persister,
		Metrics:    metrics,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, cache: cache}
}

func (e *testEnv) createSession(t *testing.T, req map[string]string) map[string]any {
	t.Helper()
	body, _ := json.Marshal(req)
	res, err := http.Post(e.ts.URL+"/v1/chat/session", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	return created
}

func TestCreateAndEndSession(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t, map[string]string{"user_id": "user-1", "channel_id": "general"})
	sessionID, _ := created["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "general", created["channel_id"])

	endRes, err := http.Post(env.ts.URL+"/v1/chat/session/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer endRes.Body.Close()
	assert.Equal(t, http.StatusOK, endRes.StatusCode)

	missing, err := http.Post(env.ts.URL+"/v1/chat/session/nope/end", "application/json", nil)
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestUIRoutes(t *testing.T) {
	env := newTestEnv(t)
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	rootRes, err := client.Get(env.ts.URL + "/")
	require.NoError(t, err)
	defer rootRes.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, rootRes.StatusCode)
	assert.Equal(t, "/ui/", rootRes.Header.Get("Location"))

	uiRes, err := http.Get(env.ts.URL + "/ui/")
	require.NoError(t, err)
	defer uiRes.Body.Close()
	require.Equal(t, http.StatusOK, uiRes.StatusCode)

	var body bytes.Buffer
	_, err = body.ReadFrom(uiRes.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `id="log"`)
}

func TestChatOverWebSocketCachesConversation(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t, map[string]string{"user_id": "alice"})
	sessionID := created["session_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/chat/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.MessageCreate{
		Type:      protocol.TypeMessageCreate,
		SessionID: sessionID,
		Content:   "!c hello there",
	}))

	var botReply protocol.MessageCreated
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var envelope protocol.Envelope
		require.NoError(t, json.Unmarshal(data, &envelope))
		if envelope.Type != protocol.TypeMessageCreated {
			continue
		}
		var created protocol.MessageCreated
		require.NoError(t, json.Unmarshal(data, &created))
		if created.Message.AuthorID == "bot" {
			botReply = created
			break
		}
	}

	assert.Equal(t, "I heard you: hello there", botReply.Content.Text)
	assert.Equal(t, chat.StateComplete, botReply.Content.State)

	env.srv.Wait()
	assert.Equal(t, 1, env.cache.Len())
	_, ok := env.cache.Get(botReply.Message.ID)
	assert.True(t, ok)
}

func TestWebSocketRejectsInvalidMessages(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t, map[string]string{"user_id": "alice"})
	sessionID := created["session_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/chat/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev protocol.ErrorEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == protocol.TypeErrorEvent {
			assert.Equal(t, "invalid_client_message", ev.Code)
			return
		}
	}
}

func TestCloseEndsConnectionsAndRefusesDispatch(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t, map[string]string{"user_id": "alice"})
	sessionID := created["session_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/chat/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var hello protocol.SystemEvent
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "connected", hello.Code)

	env.srv.Close()
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	ok := env.srv.dispatch(context.Background(), chat.Message{ID: "late", ChannelID: "c", AuthorID: "alice", Content: "!c hi"})
	assert.False(t, ok)
	env.srv.Wait()
	assert.Equal(t, 0, env.cache.Len())
}

func TestCacheEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.cache.Put("a1", []chat.Node{{ID: "a1", Role: chat.RoleAssistant, Timestamp: time.Now().UTC()}})

	res, err := http.Get(env.ts.URL + "/v1/cache")
	require.NoError(t, err)
	defer res.Body.Close()
	var status cacheStatus
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	assert.Equal(t, 1, status.Entries)
	assert.Equal(t, 10, status.Capacity)
	assert.Equal(t, []string{"a1"}, status.Anchors)

	snap, err := http.Post(env.ts.URL+"/v1/cache/snapshot", "application/json", nil)
	require.NoError(t, err)
	defer snap.Body.Close()
	assert.Equal(t, http.StatusOK, snap.StatusCode)
}

func TestPerfLatency(t *testing.T) {
	env := newTestEnv(t)
	res, err := http.Get(env.ts.URL + "/v1/perf/latency")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	assert.Contains(t, payload, "stages")
}

func permissiveDMs() policy.Permissions {
	return policy.Permissions{AllowDMs: true}
}
