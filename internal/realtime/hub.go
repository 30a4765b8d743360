package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"family-care-go/internal/config"
	"family-care-go/internal/metrics"
	"family-care-go/internal/model"
	"family-care-go/pkg/log"

	"github.com/gorilla/websocket"
)

const relayPublishTimeout = 2 * time.Second

// ConversationAccess 是 Hub 处理入站事件时需要的会话读取能力。
type ConversationAccess interface {
	AuthorizeRead(ctx context.Context, principal model.Principal, conversationID string) error
	GetMessage(ctx context.Context, principal model.Principal, conversationID, messageID string) (*model.MessageView, error)
}

// Relay 把本实例的广播转发给其他实例。
type Relay interface {
	Publish(ctx context.Context, b Broadcast) error
}

// Hub 维护房间成员关系并向房间广播事件，投递为尽力而为。
// 在 main 中构造一次，注入到 handler 和 service。
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}
	access  ConversationAccess
	relay   Relay
	cfg     config.RealtimeConfig
}

// NewHub 创建一个新的 Hub。
func NewHub(access ConversationAccess, cfg config.RealtimeConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
		access:  access,
		cfg:     cfg,
	}
}

// SetAccess 在 Hub 构造之后注入会话服务，用于打破 Hub 与会话服务之间的构造依赖。
func (h *Hub) SetAccess(access ConversationAccess) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.access = access
}

// SetRelay 启用跨实例转发。
func (h *Hub) SetRelay(relay Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = relay
}

func (h *Hub) conversationAccess() ConversationAccess {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.access
}

// Serve 接管一个已升级的连接，阻塞直到连接断开。
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, principal model.Principal) {
	c := newClient(h, conn, principal, h.cfg.SendBuffer)
	h.register(c)
	metrics.ConnectedSockets.Inc()
	defer metrics.ConnectedSockets.Dec()

	log.Infow("socket connected", "userId", principal.UserID(), "sessionId", c.sessionID)
	go c.writePump(h.cfg.PingTimeout())
	c.readPump(ctx, h.cfg.PingTimeout())
	log.Infow("socket disconnected", "userId", principal.UserID(), "sessionId", c.sessionID)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, room)
}

func (h *Hub) removeLocked(c *Client, room string) {
	delete(c.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) inRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// unregister 把客户端移出所有房间并关闭发送队列。
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(c)
}

// closeLocked 关闭发送队列后 writePump 会发出 close 帧并关闭连接。
func (h *Hub) closeLocked(c *Client) {
	if c.closed {
		return
	}
	for room := range c.rooms {
		h.removeLocked(c, room)
	}
	delete(h.clients, c)
	c.closed = true
	close(c.send)
}

// evictRoom 清空房间，成员需重新 join（并重新鉴权）才能再收到事件。
func (h *Hub) evictRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[room] {
		delete(c.rooms, room)
	}
	delete(h.rooms, room)
}

func (h *Hub) disconnectUser(userID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.principal.UserID() == userID {
			log.Infow("disconnecting socket", "userId", userID, "sessionId", c.sessionID)
			h.closeLocked(c)
		}
	}
}

// Deliver 把广播投递给本实例内的房间成员。
// 发送队列已满的客户端会丢弃本次事件，不阻塞广播方。
func (h *Hub) Deliver(b Broadcast) {
	switch b.Event {
	case controlCloseRoom:
		h.evictRoom(b.Room)
		return
	case controlDisconnectUser:
		var userID uint
		if err := json.Unmarshal(b.Data, &userID); err != nil {
			log.Warnw("discarding malformed disconnect control", "error", err)
			return
		}
		h.disconnectUser(userID)
		return
	}

	frame, err := json.Marshal(Envelope{Event: b.Event, Data: b.Data})
	if err != nil {
		log.Errorf("failed to encode realtime frame: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[b.Room] {
		if b.ExcludeSession != "" && c.sessionID == b.ExcludeSession {
			continue
		}
		select {
		case c.send <- frame:
			metrics.FanoutDeliveries.WithLabelValues(b.Event).Inc()
		default:
			metrics.FanoutDrops.WithLabelValues(b.Event).Inc()
			log.Warnw("socket send queue full, dropping event", "event", b.Event, "sessionId", c.sessionID)
		}
	}
}

// emit 本地投递后再交给 relay 转发。
func (h *Hub) emit(room, excludeSession, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("failed to encode realtime payload: %v", err)
		return
	}
	b := Broadcast{Room: room, ExcludeSession: excludeSession, Event: event, Data: data}
	h.Deliver(b)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	if err := relay.Publish(ctx, b); err != nil {
		log.Warnw("failed to relay realtime event", "event", event, "room", room, "error", err)
	}
}

func (h *Hub) BroadcastCreated(conv *model.Conversation, msg model.MessageView, excludeSession string) {
	h.emit(chatRoom(conv.ID), excludeSession, EventMessageReceived, model.MessageEvent{MessageView: msg, ConversationID: conv.ID})
}

func (h *Hub) BroadcastEdited(conv *model.Conversation, msg model.MessageView, excludeSession string) {
	h.emit(chatRoom(conv.ID), excludeSession, EventMessageEdited, model.MessageEvent{MessageView: msg, ConversationID: conv.ID})
}

func (h *Hub) BroadcastTyping(conversationID string, principalID uint, excludeSession string) {
	h.emit(chatRoom(conversationID), excludeSession, EventTyping, typingPayload{ConversationID: conversationID, UserID: principalID})
}

func (h *Hub) BroadcastStopTyping(conversationID string, principalID uint, excludeSession string) {
	h.emit(chatRoom(conversationID), excludeSession, EventStopTyping, typingPayload{ConversationID: conversationID, UserID: principalID})
}

// CloseConversation 在所有实例上清空已删除会话的房间。
func (h *Hub) CloseConversation(conversationID string) {
	h.emit(chatRoom(conversationID), "", controlCloseRoom, nil)
}

// DisconnectUser 在所有实例上断开该用户的连接。
func (h *Hub) DisconnectUser(userID uint) {
	h.emit(userRoom(userID), "", controlDisconnectUser, userID)
}
