// Package tasks 定义了通过 Kafka 传递的异步任务结构。
package tasks

import "time"

// IndexOp 标识索引任务的类型。
type IndexOp string

const (
	// OpUpsert 写入或覆盖一条消息的索引文档。
	OpUpsert IndexOp = "upsert"
	// OpDeleteConversation 删除某个会话的全部索引文档。
	OpDeleteConversation IndexOp = "delete_conversation"
)

// MessageIndexTask 是消息检索索引的同步任务。
type MessageIndexTask struct {
	Op             IndexOp   `json:"op"`
	ConversationID string    `json:"conversation_id"`
	OwnerPatientID uint      `json:"owner_patient_id"`
	ChatType       string    `json:"chat_type"`
	MessageID      string    `json:"message_id,omitempty"`
	SenderID       uint      `json:"sender_id,omitempty"`
	IsAI           bool      `json:"is_ai,omitempty"`
	Content        string    `json:"content,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}
