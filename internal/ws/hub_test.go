package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sidethreads/internal/model"
	"github.com/sidethreads/internal/service"
	"github.com/sidethreads/internal/storage/memory"
	"github.com/sidethreads/internal/stream"
	"github.com/sidethreads/internal/thread"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wsFixture struct {
	svc  *service.ThreadService
	hub  *Hub
	srv  *httptest.Server
	stop context.CancelFunc
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	mem := memory.New()
	mem.PutParentMessage(model.ParentMessage{ID: "m1", ChannelID: "c1", AuthorID: "A", Text: "lunch at noon?"})
	mem.SetServerMembers("s1", "A", "B", "C")
	svc := service.NewThreadService(mem, mem, mem, mem, stream.NewLocalBroker(), service.ThreadConfig{})

	hub := NewHub(svc, 10, Limits{})
	srv, cancel := serveHub(t, hub)
	return &wsFixture{svc: svc, hub: hub, srv: srv, stop: cancel}
}

// serveHub запускает hub и httptest-сервер, апгрейдящий каждое соединение в клиента.
func serveHub(t *testing.T, hub *Hub) (*httptest.Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		c := NewClient(hub, conn, r.URL.Query().Get("uid"), r.URL.Query().Get("name"))
		c.Start(cctx, ccancel)
		hub.Register(c)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, cancel
}

func dialServer(t *testing.T, srv *httptest.Server, uid string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?uid=" + uid + "&name=" + uid
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *wsFixture) dial(t *testing.T, uid string) *websocket.Conn {
	t.Helper()
	return dialServer(t, f.srv, uid)
}

// await reads events until match returns true or the deadline passes.
func await(t *testing.T, conn *websocket.Conn, match func(rawEvent) bool) rawEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev rawEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if match(ev) {
			return ev
		}
	}
}

func ofType(typ EventType) func(rawEvent) bool {
	return func(ev rawEvent) bool { return ev.Type == typ }
}

func (f *wsFixture) createThread(t *testing.T) string {
	t.Helper()
	id, err := f.svc.CreateThread(context.Background(), service.CreateThreadInput{
		ServerID: "s1", ChannelID: "c1", SourceMessageID: "m1", Creator: "A",
	})
	require.NoError(t, err)
	return id
}

func TestHubSubscribeAndPost(t *testing.T) {
	f := newWSFixture(t)
	threadID := f.createThread(t)
	conn := f.dial(t, "B")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe_messages", "thread_id": threadID}))
	ev := await(t, conn, ofType(EventMessagesSnapshot))
	var snap MessagesSnapshotPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &snap))
	assert.Equal(t, stream.MessagesTopic(threadID), snap.Topic)
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsSystem(model.SystemKindCreated))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "post_message",
		"thread_id": threadID,
		"message":   map[string]any{"type": "text", "text": "<b>count me in</b>"},
	}))

	ev = await(t, conn, ofType(EventMessagePosted))
	var posted MessagePostedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &posted))
	assert.Equal(t, []string{"B"}, posted.Admitted)
	assert.Equal(t, model.Text{Text: "count me in"}, posted.Message.Payload)
	assert.Equal(t, "B", posted.Message.AuthorName)

	await(t, conn, func(ev rawEvent) bool {
		if ev.Type != EventMessagesSnapshot {
			return false
		}
		var s MessagesSnapshotPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &s))
		for _, m := range s.Messages {
			if txt, ok := m.Payload.(model.Text); ok && txt.Text == "count me in" {
				return true
			}
		}
		return false
	})
}

func TestHubThreadsStream(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "A")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe_threads", "channel_id": "c1"}))
	ev := await(t, conn, ofType(EventThreadsSnapshot))
	var snap ThreadsSnapshotPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &snap))
	assert.Empty(t, snap.Threads)

	threadID := f.createThread(t)
	await(t, conn, func(ev rawEvent) bool {
		if ev.Type != EventThreadsSnapshot {
			return false
		}
		var s ThreadsSnapshotPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &s))
		return len(s.Threads) == 1 && s.Threads[0].ID == threadID
	})

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "unsubscribe", "topic": snap.Topic}))
	ev = await(t, conn, ofType(EventUnsubscribed))
	var un UnsubscribedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &un))
	assert.Equal(t, stream.ThreadsTopic("c1"), un.Topic)
}

func TestHubErrors(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "A")

	cases := []struct {
		name  string
		msg   map[string]any
		want  string
		field string
	}{
		{"unknown event", map[string]any{"type": "dance"}, "unknown event type", ""},
		{"unknown thread", map[string]any{"type": "subscribe_messages", "thread_id": "nope"}, "not found", ""},
		{"missing message", map[string]any{"type": "post_message", "thread_id": "x"}, "validation error: message: message is required", "message"},
		{"not subscribed", map[string]any{"type": "unsubscribe", "topic": "threads:c9"}, "not subscribed", ""},
		{"bad mark_read", map[string]any{"type": "mark_read"}, "validation error: thread_id: thread id is required", "thread_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, conn.WriteJSON(tc.msg))
			ev := await(t, conn, ofType(EventError))
			var p ErrorPayload
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			assert.Equal(t, tc.want, p.Error)
			assert.Equal(t, tc.field, p.Field)
		})
	}
}

func TestHubConnectionLimit(t *testing.T) {
	f := newWSFixture(t)
	f.hub.mu.Lock()
	f.hub.maxConns = 1
	f.hub.mu.Unlock()

	f.dial(t, "A")
	require.Eventually(t, func() bool { return f.hub.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	second := f.dial(t, "B")
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, f.hub.Connections())
}

// endingThreads отдаёт поток тредов, который тест закрывает сам.
type endingThreads struct {
	Threads
	snapshots chan []model.Thread
}

func (e endingThreads) StreamThreads(context.Context, string, int) (<-chan []model.Thread, error) {
	return e.snapshots, nil
}

func TestHubStreamClosedByServer(t *testing.T) {
	threads := endingThreads{snapshots: make(chan []model.Thread, 1)}
	srv, _ := serveHub(t, NewHub(threads, 10, Limits{}))
	conn := dialServer(t, srv, "A")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe_threads", "channel_id": "c1"}))
	threads.snapshots <- []model.Thread{{ID: "t1", ParentChannelID: "c1", MemberUIDs: []string{"A"}}}
	await(t, conn, ofType(EventThreadsSnapshot))

	close(threads.snapshots)
	ev := await(t, conn, ofType(EventUnsubscribed))
	var un UnsubscribedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &un))
	assert.Equal(t, stream.ThreadsTopic("c1"), un.Topic)
	assert.Equal(t, "stream closed", un.Reason)

	// подписка снята и больше не занимает слот
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "unsubscribe", "topic": stream.ThreadsTopic("c1")}))
	ev = await(t, conn, ofType(EventError))
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, "not subscribed", p.Error)
}

func TestErrorTextPrefersCreationStep(t *testing.T) {
	err := &thread.CreationError{Step: thread.StepSystemMessage, ThreadID: "t1", Err: thread.ErrNotFound}
	assert.Equal(t, "thread creation incomplete", errorText(err))
	assert.Equal(t, "not found", errorText(fmt.Errorf("load: %w", thread.ErrNotFound)))
}
