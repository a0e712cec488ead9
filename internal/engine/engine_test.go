package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/andon/internal/fanout"
	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/pkg/event"
	"github.com/nao1215/andon/pkg/logx"
)

// fakeSession はテスト用のSessionConn。Activate前に積まれたフレームは保留し、
// Activate時に最初のフレームの後ろへ流す。
type fakeSession struct {
	id     string
	in     chan []byte
	frames chan []byte

	mu        sync.Mutex
	active    bool
	pending   [][]byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		id:     uuid.NewString(),
		in:     make(chan []byte, 16),
		frames: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return fanout.ErrClosed
	default:
	}
	if !s.active {
		s.pending = append(s.pending, frame)
		return nil
	}
	s.frames <- frame
	return nil
}

func (s *fakeSession) Activate(first []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames <- first
	for _, f := range s.pending {
		s.frames <- f
	}
	s.pending = nil
	s.active = true
	return nil
}

func (s *fakeSession) Read() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// next は次に届いたフレームをデコードして返す。
func (s *fakeSession) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-s.frames:
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("フレームが届かない")
		return nil
	}
}

type testEnv struct {
	store     *notification.SQLiteStore
	registry  *fanout.Registry
	bc        *fanout.Broadcaster
	ack       *Acknowledger
	publisher *Publisher
	sessions  *SessionHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := notification.NewSQLiteStore(context.Background(), notification.Options{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := fanout.NewRegistry()
	bc := fanout.NewBroadcaster(registry, logx.Nop())
	ack := NewAcknowledger(store, bc, logx.Nop())
	pub := NewPublisher(store, bc, 16, logx.Nop())
	pub.Start(context.Background())
	t.Cleanup(func() { _ = pub.Stop(context.Background()) })

	return &testEnv{
		store:     store,
		registry:  registry,
		bc:        bc,
		ack:       ack,
		publisher: pub,
		sessions:  NewSessionHandler(store, registry, ack, SessionOptions{}, logx.Nop()),
	}
}

// serve はセッションを別goroutineで開始し、スナップショットを読んで返す。
func (e *testEnv) serve(t *testing.T, c notification.Category, actor string) (*fakeSession, map[string]any, <-chan error) {
	t.Helper()
	conn := newFakeSession()
	done := make(chan error, 1)
	go func() { done <- e.sessions.Serve(context.Background(), c, conn, actor) }()
	snapshot := conn.next(t)
	require.Equal(t, string(event.TypeInitialNotifications), snapshot["type"])
	return conn, snapshot, done
}

func machineOff(id int64) notification.MachineStatus {
	return notification.MachineStatus{MachineID: id, MachineMake: fmt.Sprintf("M-%d", id), StatusName: "OFF"}
}

func TestAcknowledger(t *testing.T) {
	t.Parallel()

	t.Run("不正な要求はストアに触れずinvalidになること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		ctx := context.Background()
		rec, err := e.store.Create(ctx, machineOff(1))
		require.NoError(t, err)

		tests := []struct {
			name     string
			category notification.Category
			id       int64
			actor    string
		}{
			{name: "未知のカテゴリ", category: "hvac", id: rec.ID, actor: "a"},
			{name: "IDが0", category: notification.CategoryMachineStatus, id: 0, actor: "a"},
			{name: "確認者が空", category: notification.CategoryMachineStatus, id: rec.ID, actor: "  "},
		}
		for _, tt := range tests {
			res, err := e.ack.Acknowledge(ctx, tt.category, tt.id, tt.actor)
			require.NoError(t, err, tt.name)
			assert.Equal(t, OutcomeInvalid, res.Outcome, tt.name)
		}

		got, err := e.store.Get(ctx, notification.CategoryMachineStatus, rec.ID)
		require.NoError(t, err)
		assert.False(t, got.IsAcknowledged)
	})

	t.Run("存在しない通知はnot_foundになること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		res, err := e.ack.Acknowledge(context.Background(), notification.CategoryMachineStatus, 42, "a")
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotFound, res.Outcome)
		assert.Nil(t, res.Record)
	})

	t.Run("同時に確認しても成功と配信は1回だけであること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		ctx := context.Background()
		rec, err := e.store.Create(ctx, machineOff(1))
		require.NoError(t, err)
		observer, _, _ := e.serve(t, notification.CategoryMachineStatus, "observer")

		const n = 16
		outcomes := make(chan Outcome, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func(actor string) {
				defer wg.Done()
				res, err := e.ack.Acknowledge(ctx, notification.CategoryMachineStatus, rec.ID, actor)
				assert.NoError(t, err)
				outcomes <- res.Outcome
			}(fmt.Sprintf("user-%d", i))
		}
		wg.Wait()
		close(outcomes)

		counts := map[Outcome]int{}
		for o := range outcomes {
			counts[o]++
		}
		assert.Equal(t, 1, counts[OutcomeSuccess])
		assert.Equal(t, n-1, counts[OutcomeAlreadyAcknowledged])

		msg := observer.next(t)
		assert.Equal(t, string(event.TypeNotificationAcknowledged), msg["type"])
		select {
		case extra := <-observer.frames:
			t.Errorf("確認メッセージが2回以上配信された: %s", extra)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("更新後に要求元がキャンセルしても他の購読者に確認が届くこと", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		rec, err := e.store.Create(context.Background(), machineOff(1))
		require.NoError(t, err)
		observer, _, _ := e.serve(t, notification.CategoryMachineStatus, "observer")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ack := NewAcknowledger(&cancelAfterAckStore{Store: e.store, cancel: cancel}, e.bc, logx.Nop())

		res, err := ack.Acknowledge(ctx, notification.CategoryMachineStatus, rec.ID, "sup-1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuccess, res.Outcome)
		require.NotNil(t, res.Record)
		assert.Error(t, ctx.Err())

		msg := observer.next(t)
		assert.Equal(t, string(event.TypeNotificationAcknowledged), msg["type"])
		assert.Equal(t, float64(rec.ID), msg["notification_id"])
	})
}

// cancelAfterAckStore は確認の更新が確定した直後に呼び出し元のコンテキストをキャンセルする。
type cancelAfterAckStore struct {
	notification.Store
	cancel context.CancelFunc
}

func (s *cancelAfterAckStore) Acknowledge(ctx context.Context, c notification.Category, id int64, actor string, at time.Time) (notification.AckResult, *notification.Record, error) {
	res, rec, err := s.Store.Acknowledge(ctx, c, id, actor, at)
	s.cancel()
	return res, rec, err
}

func TestAcknowledger_AcknowledgeAll(t *testing.T) {
	t.Parallel()

	t.Run("未確認の通知がすべて確認され1件ずつ配信されること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		ctx := context.Background()
		var ids []int64
		for i := int64(1); i <= 3; i++ {
			rec, err := e.store.Create(ctx, machineOff(i))
			require.NoError(t, err)
			ids = append(ids, rec.ID)
		}
		_, err := e.ack.Acknowledge(ctx, notification.CategoryMachineStatus, ids[0], "early")
		require.NoError(t, err)
		other, err := e.store.Create(ctx, notification.RawMaterialStatus{MaterialID: 1, PartNumber: "P-1", StatusName: "LOW"})
		require.NoError(t, err)
		observer, _, _ := e.serve(t, notification.CategoryMachineStatus, "observer")

		res, err := e.ack.AcknowledgeAll(ctx, notification.CategoryMachineStatus, "sup-1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuccess, res.Outcome)
		assert.ElementsMatch(t, ids[1:], res.Acknowledged)
		assert.Equal(t, 0, res.Skipped)

		got := map[float64]bool{}
		for range 2 {
			msg := observer.next(t)
			assert.Equal(t, string(event.TypeNotificationAcknowledged), msg["type"])
			got[msg["notification_id"].(float64)] = true
		}
		assert.Len(t, got, 2)

		n, err := e.store.CountUnacknowledged(ctx, notification.CategoryMachineStatus)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		first, err := e.store.Get(ctx, notification.CategoryMachineStatus, ids[0])
		require.NoError(t, err)
		assert.Equal(t, "early", *first.AcknowledgedBy, "確認済みの通知は上書きしない")
		material, err := e.store.Get(ctx, notification.CategoryRawMaterialStatus, other.ID)
		require.NoError(t, err)
		assert.False(t, material.IsAcknowledged, "別カテゴリは対象外")

		again, err := e.ack.AcknowledgeAll(ctx, notification.CategoryMachineStatus, "sup-2")
		require.NoError(t, err)
		assert.Empty(t, again.Acknowledged)
	})

	t.Run("未知のカテゴリや確認者なしはinvalidになること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		res, err := e.ack.AcknowledgeAll(context.Background(), "hvac", "sup-1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeInvalid, res.Outcome)

		res, err = e.ack.AcknowledgeAll(context.Background(), notification.CategoryMachineStatus, " ")
		require.NoError(t, err)
		assert.Equal(t, OutcomeInvalid, res.Outcome)
	})
}

func TestPublisher(t *testing.T) {
	t.Parallel()

	t.Run("発行した通知が作成順に配信されること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		observer, _, _ := e.serve(t, notification.CategoryMachineStatus, "observer")

		var ids []float64
		for i := int64(1); i <= 5; i++ {
			rec, err := e.publisher.Publish(context.Background(), machineOff(i))
			require.NoError(t, err)
			ids = append(ids, float64(rec.ID))
		}
		for _, id := range ids {
			msg := observer.next(t)
			assert.Equal(t, string(event.TypeNewNotification), msg["type"])
			assert.Equal(t, id, msg["notification_id"])
		}
	})

	t.Run("不正なペイロードは保存されないこと", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		_, err := e.publisher.Publish(context.Background(), notification.MachineStatus{})
		assert.ErrorIs(t, err, notification.ErrInvalidPayload)
		_, err = e.publisher.Publish(context.Background(), nil)
		assert.ErrorIs(t, err, notification.ErrInvalidPayload)

		n, err := e.store.CountUnacknowledged(context.Background(), notification.CategoryMachineStatus)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("重複排除キーの重複はErrDuplicateを返すこと", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		p := notification.InstrumentCalibrationDue{InstrumentID: 2, DueDate: "2026-10-10"}
		_, err := e.publisher.Publish(context.Background(), p)
		require.NoError(t, err)
		_, err = e.publisher.Publish(context.Background(), p)
		assert.True(t, errors.Is(err, notification.ErrDuplicate))
	})

	t.Run("キューが一杯でも発行はエラーにならず通知は保存されること", func(t *testing.T) {
		t.Parallel()

		store, err := notification.NewSQLiteStore(context.Background(), notification.Options{Path: ":memory:"}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		// 起動していないのでキューは消費されない
		pub := NewPublisher(store, fanout.NewBroadcaster(fanout.NewRegistry(), logx.Nop()), 1, logx.Nop())

		for i := int64(1); i <= 3; i++ {
			_, err := pub.Publish(context.Background(), machineOff(i))
			require.NoError(t, err)
		}
		n, err := store.CountUnacknowledged(context.Background(), notification.CategoryMachineStatus)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("Stopはキューに残った配信を済ませること", func(t *testing.T) {
		t.Parallel()

		store, err := notification.NewSQLiteStore(context.Background(), notification.Options{Path: ":memory:"}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		registry := fanout.NewRegistry()
		conn := newFakeSession()
		require.NoError(t, conn.Activate([]byte(`{}`)))
		_ = conn.next(t)
		registry.Register(notification.CategoryMachineStatus, conn)

		pub := NewPublisher(store, fanout.NewBroadcaster(registry, logx.Nop()), 8, logx.Nop())
		for i := int64(1); i <= 3; i++ {
			_, err := pub.Publish(context.Background(), machineOff(i))
			require.NoError(t, err)
		}
		pub.Start(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, pub.Stop(ctx))

		assert.Len(t, conn.frames, 3)

		// 停止後の発行は保存されるが配信されない
		_, err = pub.Publish(context.Background(), machineOff(9))
		require.NoError(t, err)
		assert.Len(t, conn.frames, 3)
	})
}

func TestSessionHandler(t *testing.T) {
	t.Parallel()

	t.Run("未確認がない場合も空のスナップショットが送られること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		_, snapshot, _ := e.serve(t, notification.CategoryRawMaterialStatus, "u")
		assert.Equal(t, float64(0), snapshot["total_notifications"])
		assert.Equal(t, []any{}, snapshot["notifications"])
		assert.Equal(t, "raw_material_status", snapshot["category"])
	})

	t.Run("接続前の未確認通知がすべてスナップショットに含まれること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		ctx := context.Background()
		var want []float64
		for i := int64(1); i <= 3; i++ {
			rec, err := e.publisher.Publish(ctx, machineOff(i))
			require.NoError(t, err)
			want = append([]float64{float64(rec.ID)}, want...)
		}
		acked, err := e.publisher.Publish(ctx, machineOff(4))
		require.NoError(t, err)
		_, err = e.ack.Acknowledge(ctx, notification.CategoryMachineStatus, acked.ID, "a")
		require.NoError(t, err)

		_, snapshot, _ := e.serve(t, notification.CategoryMachineStatus, "u")
		assert.Equal(t, float64(3), snapshot["total_notifications"])
		list, ok := snapshot["notifications"].([]any)
		require.True(t, ok)
		var got []float64
		for _, item := range list {
			got = append(got, item.(map[string]any)["id"].(float64))
		}
		assert.Equal(t, want, got, "新しい順")
	})

	t.Run("確認コマンドの結果は送信元だけに返り確認は全員に届くこと", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		ctx := context.Background()
		supervisor1, _, _ := e.serve(t, notification.CategoryMachineStatus, "s1")
		supervisor2, _, _ := e.serve(t, notification.CategoryMachineStatus, "s2")

		rec, err := e.publisher.Publish(ctx, machineOff(7))
		require.NoError(t, err)
		for _, s := range []*fakeSession{supervisor1, supervisor2} {
			msg := s.next(t)
			assert.Equal(t, string(event.TypeNewNotification), msg["type"])
		}

		supervisor1.in <- []byte(fmt.Sprintf(`{"type":"acknowledge","notification_id":%d,"user_id":"supervisor-a"}`, rec.ID))

		// 送信元には配信と結果の両方が届く（順序は問わない）
		types := map[string]map[string]any{}
		for range 2 {
			msg := supervisor1.next(t)
			types[msg["type"].(string)] = msg
		}
		require.Contains(t, types, string(event.TypeAcknowledgeResult))
		assert.Equal(t, "success", types[string(event.TypeAcknowledgeResult)]["status"])
		require.Contains(t, types, string(event.TypeNotificationAcknowledged))
		assert.Equal(t, "supervisor-a", types[string(event.TypeNotificationAcknowledged)]["acknowledged_by"])

		other := supervisor2.next(t)
		assert.Equal(t, string(event.TypeNotificationAcknowledged), other["type"])
		assert.Equal(t, float64(rec.ID), other["notification_id"])

		// 2回目は already_acknowledged で、配信はない
		supervisor2.in <- []byte(fmt.Sprintf(`{"type":"acknowledge","notification_id":%d,"user_id":"supervisor-b"}`, rec.ID))
		res := supervisor2.next(t)
		assert.Equal(t, string(event.TypeAcknowledgeResult), res["type"])
		assert.Equal(t, "already_acknowledged", res["status"])
		select {
		case extra := <-supervisor1.frames:
			t.Errorf("余分な配信: %s", extra)
		case <-time.After(100 * time.Millisecond):
		}

		got, err := e.store.Get(ctx, notification.CategoryMachineStatus, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "supervisor-a", *got.AcknowledgedBy)

		// 以降の接続のスナップショットには含まれない
		_, snapshot, _ := e.serve(t, notification.CategoryMachineStatus, "late")
		assert.Equal(t, float64(0), snapshot["total_notifications"])
	})

	t.Run("不正なコマンドにはinvalidを返し接続を維持すること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		conn, _, done := e.serve(t, notification.CategoryChecklistCompleted, "u")

		conn.in <- []byte(`hello`)
		res := conn.next(t)
		assert.Equal(t, "invalid", res["status"])

		conn.in <- []byte(`{"type":"acknowledge","notification_id":0}`)
		res = conn.next(t)
		assert.Equal(t, "invalid", res["status"])

		select {
		case err := <-done:
			t.Fatalf("セッションが終了した: %v", err)
		default:
		}
		assert.Equal(t, 1, e.registry.Count(notification.CategoryChecklistCompleted))
	})

	t.Run("user_idがない場合は既定の確認者を使うこと", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		ctx := context.Background()
		rec, err := e.store.Create(ctx, machineOff(3))
		require.NoError(t, err)
		conn, _, _ := e.serve(t, notification.CategoryMachineStatus, "jwt-user")

		conn.in <- []byte(fmt.Sprintf(`{"type":"mark_read","id":%d}`, rec.ID))
		for range 2 {
			_ = conn.next(t)
		}
		got, err := e.store.Get(ctx, notification.CategoryMachineStatus, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, got.AcknowledgedBy)
		assert.Equal(t, "jwt-user", *got.AcknowledgedBy)
	})

	t.Run("切断すると登録が解除されること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		conn, _, done := e.serve(t, notification.CategoryMachineStatus, "u")
		assert.Equal(t, 1, e.registry.Count(notification.CategoryMachineStatus))

		require.NoError(t, conn.Close())
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("セッションが終了しない")
		}
		assert.Equal(t, 0, e.registry.Count(notification.CategoryMachineStatus))
	})

	t.Run("コンテキストがキャンセルされるとセッションが終了すること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		ctx, cancel := context.WithCancel(context.Background())
		conn := newFakeSession()
		done := make(chan error, 1)
		go func() { done <- e.sessions.Serve(ctx, notification.CategoryMachineStatus, conn, "u") }()
		_ = conn.next(t)

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("セッションが終了しない")
		}
		assert.Equal(t, 0, e.registry.Count(notification.CategoryMachineStatus))
	})

	t.Run("未知のカテゴリは空のスナップショットを受け取り確認はinvalidになること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		rec, err := e.store.Create(context.Background(), machineOff(1))
		require.NoError(t, err)

		conn, snapshot, done := e.serve(t, "hvac", "u")
		assert.Equal(t, float64(0), snapshot["total_notifications"])
		assert.Equal(t, []any{}, snapshot["notifications"])
		assert.Equal(t, "hvac", snapshot["category"])
		for _, c := range notification.Categories() {
			assert.Equal(t, 0, e.registry.Count(c))
		}

		conn.in <- []byte(fmt.Sprintf(`{"type":"acknowledge","notification_id":%d,"user_id":"u"}`, rec.ID))
		res := conn.next(t)
		assert.Equal(t, string(event.TypeAcknowledgeResult), res["type"])
		assert.Equal(t, "invalid", res["status"])

		_ = conn.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("セッションが終了しない")
		}
	})

	t.Run("一覧の既定件数を超える未確認通知もすべてスナップショットに含まれること", func(t *testing.T) {
		t.Parallel()

		e := newTestEnv(t)
		ctx := context.Background()
		const n = notification.DefaultLimit + 50
		for i := int64(1); i <= n; i++ {
			_, err := e.store.Create(ctx, machineOff(i))
			require.NoError(t, err)
		}

		_, snapshot, _ := e.serve(t, notification.CategoryMachineStatus, "late")
		assert.Equal(t, float64(n), snapshot["total_notifications"])
		list, ok := snapshot["notifications"].([]any)
		require.True(t, ok)
		assert.Len(t, list, n)
	})
}
