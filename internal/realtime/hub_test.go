package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"family-care-go/internal/config"
	"family-care-go/internal/model"
	"family-care-go/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPrincipals = map[uint]model.Principal{
	1: model.PatientPrincipal{ID: 1, Name: "Pat"},
	2: model.FamilyMemberPrincipal{ID: 2, Name: "Mia", Relation: "daughter", AssociatedPatientID: 1},
	3: model.PatientPrincipal{ID: 3, Name: "Sam"},
}

// fakeAccess 允许所属家庭组读取会话，并返回固定的已持久化消息。
type fakeAccess struct {
	owners   map[string]uint
	messages map[string]model.MessageView
}

func (f *fakeAccess) AuthorizeRead(ctx context.Context, principal model.Principal, conversationID string) error {
	owner, ok := f.owners[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, service.ErrNotFound)
	}
	if owner != principal.PatientID() {
		return service.ErrAccessDenied
	}
	return nil
}

func (f *fakeAccess) GetMessage(ctx context.Context, principal model.Principal, conversationID, messageID string) (*model.MessageView, error) {
	if err := f.AuthorizeRead(ctx, principal, conversationID); err != nil {
		return nil, err
	}
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, service.ErrNotFound
	}
	return &msg, nil
}

func newTestAccess() *fakeAccess {
	return &fakeAccess{
		owners: map[string]uint{"c1": 1},
		messages: map[string]model.MessageView{
			"m1": {ID: "m1", Sender: model.UserSummary{ID: 1, FullName: "Pat"}, Content: "persisted"},
		},
	}
}

func testRealtimeConfig() config.RealtimeConfig {
	return config.RealtimeConfig{PingTimeoutSeconds: 5, SendBuffer: 16}
}

func newTestServer(t *testing.T, hub *Hub) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(r.URL.Query().Get("user"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(r.Context(), conn, testPrincipals[uint(id)])
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, userID uint) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?user=%d", url, userID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: raw}))
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// setup 发送 setup 并返回会话 ID；入站事件按序处理，因此也可用来等待之前的事件完成。
func setup(t *testing.T, conn *websocket.Conn, userID uint) string {
	t.Helper()
	send(t, conn, EventSetup, userID)
	env := read(t, conn)
	require.Equal(t, EventConnected, env.Event)
	var p connectedPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, userID, p.UserID)
	return p.SessionID
}

// expectSilence 断言一段时间内没有新帧；之后连接不可再读。
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var env Envelope
	err := conn.ReadJSON(&env)
	assert.Error(t, err, "unexpected event %q", env.Event)
}

func decodeMessageEvent(t *testing.T, env Envelope) model.MessageEvent {
	t.Helper()
	var ev model.MessageEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	return ev
}

func TestHub_RoomsAndEvents(t *testing.T) {
	hub := NewHub(newTestAccess(), testRealtimeConfig())
	url := newTestServer(t, hub)

	patient := dial(t, url, 1)
	member := dial(t, url, 2)
	patientSession := setup(t, patient, 1)
	setup(t, member, 2)

	send(t, patient, EventJoinChat, "c1")
	send(t, member, EventJoinChat, map[string]string{"chatId": "c1"})
	setup(t, patient, 1)
	setup(t, member, 2)

	// 服务端广播跳过发起请求的会话
	conv := &model.Conversation{ID: "c1"}
	hub.BroadcastCreated(conv, model.MessageView{ID: "m9", Content: "from rest"}, patientSession)
	env := read(t, member)
	assert.Equal(t, EventMessageReceived, env.Event)
	ev := decodeMessageEvent(t, env)
	assert.Equal(t, "c1", ev.ConversationID)
	assert.Equal(t, "m9", ev.ID)

	send(t, member, EventTyping, "c1")
	env = read(t, patient)
	assert.Equal(t, EventTyping, env.Event)
	var typing typingPayload
	require.NoError(t, json.Unmarshal(env.Data, &typing))
	assert.Equal(t, typingPayload{ConversationID: "c1", UserID: 2}, typing)

	// 客户端通知的消息以已持久化的内容转发
	send(t, patient, EventNewMessage, map[string]string{"chatId": "c1", "_id": "m1", "content": "spoofed"})
	env = read(t, member)
	assert.Equal(t, EventMessageReceived, env.Event)
	assert.Equal(t, "persisted", decodeMessageEvent(t, env).Content)

	send(t, patient, EventEditMessage, map[string]string{"chatId": "c1", "_id": "m1"})
	env = read(t, member)
	assert.Equal(t, EventMessageEdited, env.Event)

	send(t, member, EventLeaveChat, "c1")
	setup(t, member, 2)
	hub.BroadcastStopTyping("c1", 1, "")
	assert.Equal(t, EventStopTyping, read(t, patient).Event)

	expectSilence(t, member)
	expectSilence(t, patient)
}

func TestHub_RejectsUnauthorizedEvents(t *testing.T) {
	hub := NewHub(newTestAccess(), testRealtimeConfig())
	url := newTestServer(t, hub)
	stranger := dial(t, url, 3)

	send(t, stranger, EventSetup, 1)
	env := read(t, stranger)
	assert.Equal(t, EventError, env.Event)

	send(t, stranger, EventJoinChat, "c1")
	env = read(t, stranger)
	require.Equal(t, EventError, env.Event)
	var p errorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, EventJoinChat, p.Event)
	assert.Equal(t, "access denied", p.Message)

	send(t, stranger, EventTyping, "c1")
	assert.Equal(t, EventError, read(t, stranger).Event)

	send(t, stranger, EventNewMessage, map[string]string{"chatId": "c1"})
	assert.Equal(t, EventError, read(t, stranger).Event)

	require.NoError(t, stranger.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, EventError, read(t, stranger).Event)

	send(t, stranger, "shout", "c1")
	assert.Equal(t, EventError, read(t, stranger).Event)

	hub.BroadcastCreated(&model.Conversation{ID: "c1"}, model.MessageView{ID: "m2"}, "")
	expectSilence(t, stranger)
}

func TestHub_FullQueueDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(nil, config.RealtimeConfig{SendBuffer: 1})
	c := newClient(hub, nil, testPrincipals[1], 1)
	hub.join(c, chatRoom("c1"))

	done := make(chan struct{})
	go func() {
		hub.BroadcastTyping("c1", 2, "")
		hub.BroadcastTyping("c1", 2, "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full queue")
	}
	assert.Len(t, c.send, 1)

	hub.unregister(c)
	hub.BroadcastTyping("c1", 2, "")
	hub.unregister(c)
	assert.Empty(t, hub.rooms)
}

func TestHub_CloseConversationEvictsRoom(t *testing.T) {
	hub := NewHub(nil, testRealtimeConfig())
	a := newClient(hub, nil, testPrincipals[1], 4)
	b := newClient(hub, nil, testPrincipals[2], 4)
	hub.join(a, chatRoom("c1"))
	hub.join(a, chatRoom("c2"))
	hub.join(b, chatRoom("c1"))

	hub.CloseConversation("c1")
	hub.BroadcastCreated(&model.Conversation{ID: "c1"}, model.MessageView{ID: "m1"}, "")
	assert.Empty(t, a.send)
	assert.Empty(t, b.send)
	assert.False(t, hub.inRoom(a, chatRoom("c1")))
	assert.False(t, hub.inRoom(b, chatRoom("c1")))
	assert.NotContains(t, hub.rooms, chatRoom("c1"))

	// 其他房间不受影响
	hub.BroadcastTyping("c2", 2, "")
	assert.Len(t, a.send, 1)
}

func TestHub_DisconnectUserClosesSockets(t *testing.T) {
	hub := NewHub(newTestAccess(), testRealtimeConfig())
	url := newTestServer(t, hub)

	patient := dial(t, url, 1)
	member := dial(t, url, 2)
	setup(t, patient, 1)
	setup(t, member, 2)
	send(t, patient, EventJoinChat, "c1")
	send(t, member, EventJoinChat, "c1")
	setup(t, patient, 1)
	setup(t, member, 2)

	hub.DisconnectUser(2)

	require.NoError(t, member.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := member.ReadMessage()
	var closeErr *websocket.CloseError
	assert.ErrorAs(t, err, &closeErr)

	hub.BroadcastCreated(&model.Conversation{ID: "c1"}, model.MessageView{ID: "m2"}, "")
	assert.Equal(t, EventMessageReceived, read(t, patient).Event)
}

func TestRedisRelay_ForwardsControlEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	const channel = "test:realtime:control"
	hubA := NewHub(nil, testRealtimeConfig())
	hubB := NewHub(nil, testRealtimeConfig())
	relayA := NewRedisRelay(rdb, channel)
	relayB := NewRedisRelay(rdb, channel)
	hubA.SetRelay(relayA)
	hubB.SetRelay(relayB)
	go relayA.Run(ctx, hubA.Deliver)
	go relayB.Run(ctx, hubB.Deliver)

	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(ctx, channel).Result()
		return err == nil && n[channel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	patient := newClient(hubB, nil, testPrincipals[1], 4)
	member := newClient(hubB, nil, testPrincipals[2], 4)
	hubB.register(patient)
	hubB.register(member)
	hubB.join(patient, chatRoom("c1"))
	hubB.join(member, chatRoom("c1"))

	hubA.CloseConversation("c1")
	require.Eventually(t, func() bool {
		return !hubB.inRoom(patient, chatRoom("c1")) && !hubB.inRoom(member, chatRoom("c1"))
	}, 2*time.Second, 10*time.Millisecond)

	hubA.DisconnectUser(2)
	require.Eventually(t, func() bool {
		hubB.mu.RLock()
		defer hubB.mu.RUnlock()
		return member.closed && !patient.closed
	}, 2*time.Second, 10*time.Millisecond)

	// 控制事件不会作为帧发给客户端
	assert.Empty(t, patient.send)
}

func TestRedisRelay_ForwardsBetweenHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	const channel = "test:realtime"
	hubA := NewHub(nil, testRealtimeConfig())
	hubB := NewHub(nil, testRealtimeConfig())
	relayA := NewRedisRelay(rdb, channel)
	relayB := NewRedisRelay(rdb, channel)
	hubA.SetRelay(relayA)
	hubB.SetRelay(relayB)
	go relayA.Run(ctx, hubA.Deliver)
	go relayB.Run(ctx, hubB.Deliver)

	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(ctx, channel).Result()
		return err == nil && n[channel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	local := newClient(hubA, nil, testPrincipals[1], 4)
	remote := newClient(hubB, nil, testPrincipals[2], 4)
	hubA.join(local, chatRoom("c1"))
	hubB.join(remote, chatRoom("c1"))

	hubA.BroadcastCreated(&model.Conversation{ID: "c1"}, model.MessageView{ID: "m1", Content: "hi"}, "")

	var frame []byte
	select {
	case frame = <-remote.send:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not deliver to the other hub")
	}
	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, EventMessageReceived, env.Event)

	// 本实例只收到一次，不会被自己的 relay 再投递
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, local.send, 1)
}

func TestParsers(t *testing.T) {
	id, err := parseUserID(json.RawMessage(`7`))
	require.NoError(t, err)
	assert.Equal(t, uint(7), id)
	id, err = parseUserID(json.RawMessage(`"8"`))
	require.NoError(t, err)
	assert.Equal(t, uint(8), id)
	id, err = parseUserID(json.RawMessage(`{"_id": 9}`))
	require.NoError(t, err)
	assert.Equal(t, uint(9), id)
	_, err = parseUserID(json.RawMessage(`"abc"`))
	assert.ErrorIs(t, err, errBadPayload)

	conv, err := parseConversationID(json.RawMessage(`{"chatId":"c1"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", conv)
	_, err = parseConversationID(json.RawMessage(`""`))
	assert.ErrorIs(t, err, errBadPayload)

	_, err = parseMessageRef(json.RawMessage(`{"chatId":"c1"}`))
	assert.ErrorIs(t, err, errBadPayload)
}
