// Package realtime 实现了基于 WebSocket 的房间广播。
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// 客户端发送的事件
const (
	EventSetup       = "setup"
	EventJoinChat    = "join chat"
	EventLeaveChat   = "leave chat"
	EventTyping      = "typing"
	EventStopTyping  = "stop typing"
	EventNewMessage  = "new message"
	EventEditMessage = "edit message"
)

// 服务端推送的事件
const (
	EventConnected       = "connected"
	EventMessageReceived = "message received"
	EventMessageEdited   = "message edited"
	EventError           = "error"
)

// 实例间的控制事件，只经 Deliver 处理，不会发给客户端
const (
	controlCloseRoom      = "$close room"
	controlDisconnectUser = "$disconnect user"
)

// Envelope 是 socket 上传输的帧：{"event": name, "data": payload}。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Broadcast 是一次房间广播，也是跨实例转发的载荷。
type Broadcast struct {
	Origin         string          `json:"origin,omitempty"`
	Room           string          `json:"room"`
	ExcludeSession string          `json:"excludeSession,omitempty"`
	Event          string          `json:"event"`
	Data           json.RawMessage `json:"data"`
}

type connectedPayload struct {
	UserID    uint   `json:"_id"`
	SessionID string `json:"sessionId"`
}

type typingPayload struct {
	ConversationID string `json:"chatId"`
	UserID         uint   `json:"userId"`
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// messageRef 指向一条已持久化的消息。
type messageRef struct {
	ConversationID string `json:"chatId"`
	MessageID      string `json:"_id"`
}

var errBadPayload = errors.New("malformed payload")

func userRoom(userID uint) string {
	return fmt.Sprintf("user:%d", userID)
}

func chatRoom(conversationID string) string {
	return "chat:" + conversationID
}

// parseUserID 接受数字、数字字符串或 {"_id": ...}。
func parseUserID(data json.RawMessage) (uint, error) {
	var n uint
	if err := json.Unmarshal(data, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, errBadPayload
		}
		return uint(v), nil
	}
	var obj struct {
		ID uint `json:"_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil || obj.ID == 0 {
		return 0, errBadPayload
	}
	return obj.ID, nil
}

// parseConversationID 接受会话 ID 字符串或 {"chatId": ...}。
func parseConversationID(data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		return s, nil
	}
	var obj struct {
		ConversationID string `json:"chatId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil || obj.ConversationID == "" {
		return "", errBadPayload
	}
	return obj.ConversationID, nil
}

func parseMessageRef(data json.RawMessage) (messageRef, error) {
	var ref messageRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.ConversationID == "" || ref.MessageID == "" {
		return messageRef{}, errBadPayload
	}
	return ref, nil
}
