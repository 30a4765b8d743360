package model

import "time"

// MessageDocument 定义了存储在 Elasticsearch 中的消息文档结构。
type MessageDocument struct {
	MessageID      string    `json:"message_id"` // 文档唯一标识
	ConversationID string    `json:"conversation_id"`
	OwnerPatientID uint      `json:"owner_patient_id"`
	ChatType       string    `json:"chat_type"`
	SenderID       uint      `json:"sender_id"`
	IsAI           bool      `json:"is_ai"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// SearchHit 定义了返回给前端的消息搜索结果结构。
type SearchHit struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	ChatType       string    `json:"chatType"`
	SenderID       uint      `json:"senderId"`
	IsAI           bool      `json:"isAI"`
	Content        string    `json:"content"`
	Score          float64   `json:"score"`
	CreatedAt      LocalTime `json:"createdAt"`
}
