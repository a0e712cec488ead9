package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/andon/internal/engine"
	"github.com/nao1215/andon/internal/fanout"
	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/pkg/logx"
	"github.com/nao1215/andon/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	url      string
	store    *notification.SQLiteStore
	registry *fanout.Registry
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := notification.NewSQLiteStore(ctx, notification.Options{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := fanout.NewRegistry()
	bc := fanout.NewBroadcaster(registry, logx.Nop())
	ack := engine.NewAcknowledger(store, bc, logx.Nop())
	pub := engine.NewPublisher(store, bc, 16, logx.Nop())
	pub.Start(ctx)
	t.Cleanup(func() { _ = pub.Stop(context.Background()) })

	deps := Deps{
		Store:        store,
		Registry:     registry,
		Publisher:    pub,
		Acknowledger: ack,
		Sessions:     engine.NewSessionHandler(store, registry, ack, engine.SessionOptions{}, logx.Nop()),
	}
	srv := httptest.NewServer(NewServer(ctx, deps, opts, logx.Nop()).Handler())
	t.Cleanup(srv.Close)

	return &testServer{url: srv.URL, store: store, registry: registry}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.url+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.url, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func machinePayload(id int64, status string) map[string]any {
	return map[string]any{
		"machine_id":   id,
		"machine_make": "OKUMA",
		"status_name":  status,
		"updated_at":   time.Now().UTC().Format(time.RFC3339),
	}
}

const publishMachine = "/api/v1/internal/notifications/machine_status"

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})
	code, body := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestPublishAndList(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})

	code, rec := ts.do(t, http.MethodPost, publishMachine, "", machinePayload(7, "OFF"))
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "設備ステータス更新 - OKUMA", rec["title"])

	code, _ = ts.do(t, http.MethodPost, publishMachine, "", machinePayload(8, "RUNNING"))
	require.Equal(t, http.StatusCreated, code)

	t.Run("新しい順に返すこと", func(t *testing.T) {
		code, body := ts.do(t, http.MethodGet, "/api/v1/notifications/machine_status/unacknowledged", "", nil)
		require.Equal(t, http.StatusOK, code)
		assert.EqualValues(t, 2, body["total_notifications"])
		list := body["notifications"].([]any)
		require.Len(t, list, 2)
		assert.EqualValues(t, 8, list[0].(map[string]any)["source_id"])
	})

	t.Run("絞り込みが効くこと", func(t *testing.T) {
		code, body := ts.do(t, http.MethodGet, "/api/v1/notifications/machine_status/unacknowledged?source_id=7&limit=10", "", nil)
		require.Equal(t, http.StatusOK, code)
		assert.EqualValues(t, 1, body["total_notifications"])
	})

	t.Run("不正なクエリは400になること", func(t *testing.T) {
		for _, q := range []string{"limit=0", "limit=1001", "since=yesterday", "source_id=abc", "acknowledged=maybe"} {
			code, _ := ts.do(t, http.MethodGet, "/api/v1/notifications/machine_status/unacknowledged?"+q, "", nil)
			assert.Equal(t, http.StatusBadRequest, code, q)
		}
	})

	t.Run("未知のカテゴリは空の一覧になること", func(t *testing.T) {
		code, body := ts.do(t, http.MethodGet, "/api/v1/notifications/unknown/unacknowledged", "", nil)
		require.Equal(t, http.StatusOK, code)
		assert.EqualValues(t, 0, body["total_notifications"])
		assert.Empty(t, body["notifications"])
	})

	t.Run("詳細を取得できること", func(t *testing.T) {
		id := int64(rec["id"].(float64))
		code, body := ts.do(t, http.MethodGet, "/api/v1/notifications/machine_status/"+itoa(id), "", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, rec["title"], body["title"])

		code, _ = ts.do(t, http.MethodGet, "/api/v1/notifications/machine_status/99999", "", nil)
		assert.Equal(t, http.StatusNotFound, code)
		code, _ = ts.do(t, http.MethodGet, "/api/v1/notifications/machine_status/abc", "", nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})

	code, _ := ts.do(t, http.MethodPost, "/api/v1/internal/notifications/unknown", "", machinePayload(1, "OFF"))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPost, publishMachine, "", map[string]any{"machine_id": 1})
	assert.Equal(t, http.StatusBadRequest, code)

	due := map[string]any{"machine_id": 3, "machine_name": "旋盤", "due_date": "2026-01-01"}
	code, _ = ts.do(t, http.MethodPost, "/api/v1/internal/notifications/machine_calibration", "", due)
	require.Equal(t, http.StatusCreated, code)
	code, _ = ts.do(t, http.MethodPost, "/api/v1/internal/notifications/machine_calibration", "", due)
	assert.Equal(t, http.StatusConflict, code)
}

func TestAcknowledge(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})
	_, rec := ts.do(t, http.MethodPost, publishMachine, "", machinePayload(1, "OFF"))
	id := itoa(int64(rec["id"].(float64)))
	base := "/api/v1/notifications/machine_status/"

	code, body := ts.do(t, http.MethodPost, base+id+"/acknowledge", "", map[string]any{"user_id": "sup-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])
	n := body["notification"].(map[string]any)
	assert.Equal(t, true, n["is_acknowledged"])
	assert.Equal(t, "sup-1", n["acknowledged_by"])

	code, body = ts.do(t, http.MethodPost, base+"acknowledge", "", map[string]any{"notification_id": rec["id"], "user_id": "sup-2"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "already_acknowledged", body["status"])

	code, body = ts.do(t, http.MethodPost, base+"99999/acknowledge", "", map[string]any{"user_id": "sup-1"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["status"])

	// 操作者が不明
	code, body = ts.do(t, http.MethodPost, base+id+"/acknowledge", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid", body["status"])

	code, body = ts.do(t, http.MethodGet, base+"unacknowledged", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["total_notifications"])
}

func TestWebSocketSession(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})
	_, existing := ts.do(t, http.MethodPost, publishMachine, "", machinePayload(1, "OFF"))

	a := ts.dial(t, "/ws/notifications/machine_status")
	b := ts.dial(t, "/ws/machine-notifications")

	for _, conn := range []*websocket.Conn{a, b} {
		snap := readFrame(t, conn)
		require.Equal(t, "initial_notifications", snap["type"])
		assert.EqualValues(t, 1, snap["total_notifications"])
	}

	_, created := ts.do(t, http.MethodPost, publishMachine, "", machinePayload(2, "ALARM"))
	for _, conn := range []*websocket.Conn{a, b} {
		msg := readFrame(t, conn)
		require.Equal(t, "new_notification", msg["type"])
		assert.Equal(t, created["id"], msg["notification_id"])
	}

	require.NoError(t, a.WriteJSON(map[string]any{
		"type":            "acknowledge",
		"notification_id": existing["id"],
		"user_id":         "sup-a",
	}))

	// 送信者には結果と確認通知の両方が届く。順序は問わない
	got := map[string]map[string]any{}
	for range 2 {
		m := readFrame(t, a)
		got[m["type"].(string)] = m
	}
	require.Contains(t, got, "acknowledge_result")
	require.Contains(t, got, "notification_acknowledged")
	assert.Equal(t, "success", got["acknowledge_result"]["status"])
	assert.Equal(t, "sup-a", got["notification_acknowledged"]["acknowledged_by"])

	msg := readFrame(t, b)
	assert.Equal(t, "notification_acknowledged", msg["type"])
	assert.Equal(t, existing["id"], msg["notification_id"])

	t.Run("不正なコマンドでも接続が維持されること", func(t *testing.T) {
		require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte("not json")))
		res := readFrame(t, b)
		assert.Equal(t, "acknowledge_result", res["type"])
		assert.Equal(t, "invalid", res["status"])

		require.NoError(t, b.WriteJSON(map[string]any{"type": "acknowledge", "notification_id": existing["id"], "user_id": "sup-b"}))
		res = readFrame(t, b)
		assert.Equal(t, "already_acknowledged", res["status"])
	})
}

func TestWebSocketUnknownCategory(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})
	_, rec := ts.do(t, http.MethodPost, publishMachine, "", machinePayload(1, "OFF"))

	conn := ts.dial(t, "/ws/notifications/bogus")
	snap := readFrame(t, conn)
	assert.Equal(t, "initial_notifications", snap["type"])
	assert.Equal(t, "bogus", snap["category"])
	assert.EqualValues(t, 0, snap["total_notifications"])
	assert.Equal(t, []any{}, snap["notifications"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "acknowledge", "notification_id": rec["id"], "user_id": "sup-1"}))
	res := readFrame(t, conn)
	assert.Equal(t, "acknowledge_result", res["type"])
	assert.Equal(t, "invalid", res["status"])

	code, body := ts.do(t, http.MethodGet, "/api/v1/notifications/machine_status/unacknowledged", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total_notifications"])
}

func TestAcknowledgeAll(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})
	for i := int64(1); i <= 3; i++ {
		code, _ := ts.do(t, http.MethodPost, publishMachine, "", machinePayload(i, "OFF"))
		require.Equal(t, http.StatusCreated, code)
	}
	conn := ts.dial(t, "/ws/notifications/machine_status")
	require.Equal(t, "initial_notifications", readFrame(t, conn)["type"])

	code, body := ts.do(t, http.MethodPost, "/api/v1/notifications/machine_status/acknowledge-all", "", map[string]any{"user_id": "sup-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])
	assert.EqualValues(t, 3, body["acknowledged"])
	assert.Len(t, body["notification_ids"], 3)

	for range 3 {
		msg := readFrame(t, conn)
		assert.Equal(t, "notification_acknowledged", msg["type"])
		assert.Equal(t, "sup-1", msg["acknowledged_by"])
	}

	code, body = ts.do(t, http.MethodGet, "/api/v1/notifications/machine_status/unacknowledged", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["total_notifications"])

	t.Run("未確認がなければ0件で成功すること", func(t *testing.T) {
		code, body := ts.do(t, http.MethodPost, "/api/v1/notifications/machine_status/acknowledge-all", "", map[string]any{"user_id": "sup-2"})
		require.Equal(t, http.StatusOK, code)
		assert.EqualValues(t, 0, body["acknowledged"])
	})

	t.Run("確認者がいなければ400になること", func(t *testing.T) {
		code, body := ts.do(t, http.MethodPost, "/api/v1/notifications/machine_status/acknowledge-all", "", nil)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "invalid", body["status"])
	})

	t.Run("未知のカテゴリは400になること", func(t *testing.T) {
		code, _ := ts.do(t, http.MethodPost, "/api/v1/notifications/bogus/acknowledge-all", "", map[string]any{"user_id": "sup-1"})
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestStatus(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})
	ts.do(t, http.MethodPost, publishMachine, "", machinePayload(1, "OFF"))
	conn := ts.dial(t, "/ws/notifications/machine_status")
	readFrame(t, conn)

	code, body := ts.do(t, http.MethodGet, "/api/v1/notifications/status", "", nil)
	require.Equal(t, http.StatusOK, code)
	cats := body["categories"].([]any)
	require.Len(t, cats, len(notification.Categories()))
	first := cats[0].(map[string]any)
	assert.Equal(t, "machine_status", first["category"])
	assert.EqualValues(t, 1, first["connections"])
	assert.EqualValues(t, 1, first["unacknowledged"])
}

func TestAuth(t *testing.T) {
	t.Parallel()

	const secret = "test-secret"
	ts := newTestServer(t, Options{JWTSecret: secret})
	token, err := middleware.GenerateJWT(secret, "sup-jwt", "班長", time.Hour)
	require.NoError(t, err)

	t.Run("トークンがなければ401になること", func(t *testing.T) {
		code, _ := ts.do(t, http.MethodGet, "/api/v1/notifications/status", "", nil)
		assert.Equal(t, http.StatusUnauthorized, code)

		url := "ws" + strings.TrimPrefix(ts.url, "http") + "/ws/notifications/machine_status"
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("ヘルスチェックは認証不要であること", func(t *testing.T) {
		code, _ := ts.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("トークンの利用者が確認者になること", func(t *testing.T) {
		code, rec := ts.do(t, http.MethodPost, publishMachine, token, machinePayload(1, "OFF"))
		require.Equal(t, http.StatusCreated, code)

		code, body := ts.do(t, http.MethodPost, "/api/v1/notifications/machine_status/"+itoa(int64(rec["id"].(float64)))+"/acknowledge", token, nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "sup-jwt", body["notification"].(map[string]any)["acknowledged_by"])
	})

	t.Run("websocketはクエリのトークンで接続できること", func(t *testing.T) {
		conn := ts.dial(t, "/ws/notifications/raw_material_status?token="+token)
		snap := readFrame(t, conn)
		assert.Equal(t, "initial_notifications", snap["type"])
	})
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, Options{})
	resp, err := http.Get(ts.url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "go_goroutines")
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
