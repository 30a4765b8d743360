// Package pipeline 定义了消息检索索引的异步处理流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"family-care-go/internal/model"
	"family-care-go/pkg/log"
	"family-care-go/pkg/tasks"
)

// ErrUnknownOp 表示任务类型无法识别，这类任务不会被重试成功。
var ErrUnknownOp = errors.New("unknown index op")

// MessageIndex 是 Indexer 写入的检索索引，生产实现为 es.MessageIndex。
type MessageIndex interface {
	IndexMessage(ctx context.Context, doc model.MessageDocument) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Indexer 消费 Kafka 中的索引任务，把消息同步到 Elasticsearch。
type Indexer struct {
	index MessageIndex
}

// NewIndexer 创建一个新的 Indexer 实例。
func NewIndexer(index MessageIndex) *Indexer {
	return &Indexer{index: index}
}

// Process 处理单个任务；返回错误时由消费者决定是否重试。
func (p *Indexer) Process(ctx context.Context, task tasks.MessageIndexTask) error {
	switch task.Op {
	case tasks.OpUpsert:
		return p.upsert(ctx, task)
	case tasks.OpDeleteConversation:
		if task.ConversationID == "" {
			return errors.New("delete task without conversation id")
		}
		if err := p.index.DeleteConversation(ctx, task.ConversationID); err != nil {
			log.Errorf("[Indexer] 删除会话 %s 的索引失败: %v", task.ConversationID, err)
			return fmt.Errorf("删除会话索引失败: %w", err)
		}
		log.Infof("[Indexer] 会话 %s 的索引已删除", task.ConversationID)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, task.Op)
	}
}

func (p *Indexer) upsert(ctx context.Context, task tasks.MessageIndexTask) error {
	if task.MessageID == "" || task.ConversationID == "" {
		return errors.New("upsert task without message or conversation id")
	}
	// 空内容没有检索价值
	if strings.TrimSpace(task.Content) == "" {
		log.Warnf("[Indexer] 消息 %s 内容为空, 跳过", task.MessageID)
		return nil
	}

	doc := model.MessageDocument{
		MessageID:      task.MessageID,
		ConversationID: task.ConversationID,
		OwnerPatientID: task.OwnerPatientID,
		ChatType:       task.ChatType,
		SenderID:       task.SenderID,
		IsAI:           task.IsAI,
		Content:        task.Content,
		CreatedAt:      task.CreatedAt,
	}
	if err := p.index.IndexMessage(ctx, doc); err != nil {
		log.Errorf("[Indexer] 索引消息 %s 失败: %v", task.MessageID, err)
		return fmt.Errorf("索引消息失败: %w", err)
	}
	return nil
}
