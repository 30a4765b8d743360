package service

import (
	"context"
	"strings"
	"time"

	"family-care-go/internal/metrics"
	"family-care-go/internal/model"
	"family-care-go/internal/repository"

	"github.com/google/uuid"
)

// now 返回去掉单调时钟读数的 UTC 时间，保证持久化前后可比较。
var now = func() time.Time { return time.Now().UTC() }

// MessageEngine 负责消息的追加与编辑，每个操作都是一次原子的文档写入。
type MessageEngine interface {
	Append(ctx context.Context, conversationID string, senderID uint, content string, isAI bool) (*model.Message, *model.Conversation, error)
	Edit(ctx context.Context, conversationID, messageID string, editorID uint, newContent string) (*model.Message, error)
}

type messageEngine struct {
	repo   repository.ConversationRepository
	locker *ConversationLocker
}

// NewMessageEngine 创建一个新的 MessageEngine。
func NewMessageEngine(repo repository.ConversationRepository, locker *ConversationLocker) MessageEngine {
	return &messageEngine{repo: repo, locker: locker}
}

// buildMessage 校验内容并生成一条新消息。
func buildMessage(senderID uint, content string, isAI bool, at time.Time) (model.Message, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return model.Message{}, newError(ErrValidation, "message content is required")
	}
	return model.Message{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Content:   trimmed,
		IsAI:      isAI,
		CreatedAt: at,
		UpdatedAt: at,
	}, nil
}

// appendMessage 把消息追加到末尾并推进 lastMessageAt。
func appendMessage(conv *model.Conversation, msg model.Message) {
	conv.Messages = append(conv.Messages, msg)
	conv.LastMessageAt = msg.CreatedAt
	conv.UpdatedAt = msg.CreatedAt
}

// editMessage 原地修改消息内容，其他字段与顺序保持不变。
func editMessage(conv *model.Conversation, messageID string, editorID uint, content string, at time.Time) (*model.Message, error) {
	idx := conv.MessageIndex(messageID)
	if idx < 0 {
		return nil, newError(ErrNotFound, "message not found")
	}
	msg := &conv.Messages[idx]
	if msg.IsAI || msg.SenderID != editorID {
		return nil, newError(ErrForbidden, "you can only edit your own messages")
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, newError(ErrValidation, "message content is required")
	}
	msg.Content = trimmed
	msg.IsEdited = true
	msg.UpdatedAt = at
	conv.UpdatedAt = at
	edited := *msg
	return &edited, nil
}

func senderLabel(isAI bool) string {
	if isAI {
		return "ai"
	}
	return "human"
}

func (e *messageEngine) Append(ctx context.Context, conversationID string, senderID uint, content string, isAI bool) (*model.Message, *model.Conversation, error) {
	msg, err := buildMessage(senderID, content, isAI, now())
	if err != nil {
		return nil, nil, err
	}

	unlock := e.locker.Lock(conversationID)
	defer unlock()

	conv, err := e.repo.Update(ctx, conversationID, func(conv *model.Conversation) error {
		appendMessage(conv, msg)
		return nil
	})
	if err != nil {
		return nil, nil, storeError(err)
	}
	metrics.MessagesAppended.WithLabelValues(string(conv.Kind), senderLabel(isAI)).Inc()
	return &msg, conv, nil
}

func (e *messageEngine) Edit(ctx context.Context, conversationID, messageID string, editorID uint, newContent string) (*model.Message, error) {
	unlock := e.locker.Lock(conversationID)
	defer unlock()

	var edited *model.Message
	_, err := e.repo.Update(ctx, conversationID, func(conv *model.Conversation) error {
		var err error
		edited, err = editMessage(conv, messageID, editorID, newContent, now())
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}
	return edited, nil
}
