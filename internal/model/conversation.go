package model

import "time"

// ConversationKind 区分家庭群聊与 AI 助手会话。
type ConversationKind string

const (
	KindFamily ConversationKind = "family"
	KindAI     ConversationKind = "ai"
)

// Message 是会话中的单条消息，只归属于其父会话，没有独立的生命周期。
// AI 回复的 SenderID 为触发该轮对话的用户 ID，并标记 IsAI。
type Message struct {
	ID        string    `json:"_id"`
	SenderID  uint      `json:"sender"`
	Content   string    `json:"content"`
	IsAI      bool      `json:"isAI"`
	IsEdited  bool      `json:"isEdited"`
	Pending   bool      `json:"pending,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FamilyContext 是会话创建（或使用）时的家庭成员快照，用于构造 AI 提示词。
type FamilyContext struct {
	PatientID       uint   `json:"patientId"`
	FamilyMemberIDs []uint `json:"familyMembers"`
}

// Conversation 代表以 JSON 文档形式存储在 Redis 中的一个会话。
type Conversation struct {
	ID             string           `json:"_id"`
	Kind           ConversationKind `json:"chatType"`
	OwnerPatientID uint             `json:"ownerPatientId"`
	CreatedBy      uint             `json:"createdBy"`
	Title          string           `json:"title"`
	Messages       []Message        `json:"messages"`
	LastMessageAt  time.Time        `json:"lastMessageAt"`
	FamilyContext  FamilyContext    `json:"familyContext"`
	// PendingTurn 为等待助手回复的用户消息 ID；为空表示没有进行中的 AI 轮次。
	PendingTurn string    `json:"pendingTurn,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MessageIndex 返回指定消息在会话中的位置，不存在时返回 -1。
func (c *Conversation) MessageIndex(messageID string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// Clone 返回会话的深拷贝，调用方可以安全修改。
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = append([]Message(nil), c.Messages...)
	cp.FamilyContext.FamilyMemberIDs = append([]uint(nil), c.FamilyContext.FamilyMemberIDs...)
	return &cp
}

// MessageView 是消息的读侧投影，发送者被展开为用户摘要。
type MessageView struct {
	ID        string      `json:"_id"`
	Sender    UserSummary `json:"sender"`
	Content   string      `json:"content"`
	IsAI      bool        `json:"isAI"`
	IsEdited  bool        `json:"isEdited"`
	Pending   bool        `json:"pending,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// FamilyContextView 是家庭上下文的读侧投影。
type FamilyContextView struct {
	Patient       UserSummary   `json:"patientId"`
	FamilyMembers []UserSummary `json:"familyMembers"`
}

// ConversationView 是会话的读侧投影，用于 HTTP 响应和实时推送。
type ConversationView struct {
	ID             string            `json:"_id"`
	Kind           ConversationKind  `json:"chatType"`
	OwnerPatientID uint              `json:"ownerPatientId"`
	CreatedBy      UserSummary       `json:"createdBy"`
	Title          string            `json:"title"`
	Messages       []MessageView     `json:"messages"`
	LastMessageAt  time.Time         `json:"lastMessageAt"`
	FamilyContext  FamilyContextView `json:"familyContext"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// MessageEvent 是实时推送的载荷：REST 消息结构加上所属会话 ID。
type MessageEvent struct {
	MessageView
	ConversationID string `json:"chatId"`
}
