package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"family-care-go/internal/model"
	"family-care-go/internal/service"
	"family-care-go/pkg/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	eventTimeout   = 10 * time.Second
)

// Client 是一个 socket 会话。rooms 与 closed 由 hub.mu 保护。
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	principal model.Principal
	rooms     map[string]struct{}
	closed    bool
}

func newClient(hub *Hub, conn *websocket.Conn, principal model.Principal, buffer int) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, buffer),
		sessionID: uuid.NewString(),
		principal: principal,
		rooms:     make(map[string]struct{}),
	}
}

// reply 只发给当前会话。
func (c *Client) reply(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("failed to encode realtime reply: %v", err)
		return
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Warnw("socket send queue full, dropping reply", "event", event, "sessionId", c.sessionID)
	}
}

func (c *Client) replyError(event string, err error) {
	msg := service.PublicMessage(err)
	if errors.Is(err, errBadPayload) {
		msg = "malformed " + event + " payload"
	}
	c.reply(EventError, errorPayload{Event: event, Message: msg})
}

// readPump 读取入站事件直到连接断开，pongWait 内没有任何帧视为超时。
func (c *Client) readPump(ctx context.Context, pongWait time.Duration) {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.reply(EventError, errorPayload{Message: "malformed event"})
			continue
		}
		c.handle(ctx, env)
	}
}

// writePump 把发送队列写入连接，并按 pongWait 的九成周期发送 ping。
func (c *Client) writePump(pongWait time.Duration) {
	ticker := time.NewTicker(pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(parent context.Context, env Envelope) {
	ctx, cancel := context.WithTimeout(parent, eventTimeout)
	defer cancel()

	switch env.Event {
	case EventSetup:
		c.handleSetup(env)
	case EventJoinChat:
		c.handleJoin(ctx, env)
	case EventLeaveChat:
		conversationID, err := parseConversationID(env.Data)
		if err != nil {
			c.replyError(env.Event, err)
			return
		}
		c.hub.leave(c, chatRoom(conversationID))
	case EventTyping, EventStopTyping:
		c.handleTyping(env)
	case EventNewMessage, EventEditMessage:
		c.handleMessage(ctx, env)
	default:
		c.reply(EventError, errorPayload{Event: env.Event, Message: "unknown event"})
	}
}

func (c *Client) handleSetup(env Envelope) {
	userID, err := parseUserID(env.Data)
	if err != nil {
		c.replyError(env.Event, err)
		return
	}
	if userID != c.principal.UserID() {
		c.reply(EventError, errorPayload{Event: env.Event, Message: "setup does not match the authenticated user"})
		return
	}
	c.hub.join(c, userRoom(userID))
	c.reply(EventConnected, connectedPayload{UserID: userID, SessionID: c.sessionID})
}

func (c *Client) handleJoin(ctx context.Context, env Envelope) {
	conversationID, err := parseConversationID(env.Data)
	if err != nil {
		c.replyError(env.Event, err)
		return
	}
	access := c.hub.conversationAccess()
	if access == nil {
		c.reply(EventError, errorPayload{Event: env.Event, Message: "conversations unavailable"})
		return
	}
	if err := access.AuthorizeRead(ctx, c.principal, conversationID); err != nil {
		c.replyError(env.Event, err)
		return
	}
	c.hub.join(c, chatRoom(conversationID))
	log.Infow("socket joined chat", "userId", c.principal.UserID(), "conversationId", conversationID)
}

// requireJoined 入站广播只允许发往已加入（即已通过授权）的房间。
func (c *Client) requireJoined(event, conversationID string) bool {
	if c.hub.inRoom(c, chatRoom(conversationID)) {
		return true
	}
	c.reply(EventError, errorPayload{Event: event, Message: "join the chat before sending events to it"})
	return false
}

func (c *Client) handleTyping(env Envelope) {
	conversationID, err := parseConversationID(env.Data)
	if err != nil {
		c.replyError(env.Event, err)
		return
	}
	if !c.requireJoined(env.Event, conversationID) {
		return
	}
	if env.Event == EventTyping {
		c.hub.BroadcastTyping(conversationID, c.principal.UserID(), c.sessionID)
	} else {
		c.hub.BroadcastStopTyping(conversationID, c.principal.UserID(), c.sessionID)
	}
}

// handleMessage 转发客户端通知的消息。载荷只用于定位消息，
// 推送的内容取自会话中已持久化的版本。
func (c *Client) handleMessage(ctx context.Context, env Envelope) {
	ref, err := parseMessageRef(env.Data)
	if err != nil {
		c.replyError(env.Event, err)
		return
	}
	if !c.requireJoined(env.Event, ref.ConversationID) {
		return
	}
	access := c.hub.conversationAccess()
	if access == nil {
		c.reply(EventError, errorPayload{Event: env.Event, Message: "conversations unavailable"})
		return
	}
	msg, err := access.GetMessage(ctx, c.principal, ref.ConversationID, ref.MessageID)
	if err != nil {
		c.replyError(env.Event, err)
		return
	}

	event := EventMessageReceived
	if env.Event == EventEditMessage {
		event = EventMessageEdited
	}
	c.hub.emit(chatRoom(ref.ConversationID), c.sessionID, event, model.MessageEvent{MessageView: *msg, ConversationID: ref.ConversationID})
}
