package service

import (
	"context"
	"time"

	"family-care-go/internal/model"
	"family-care-go/pkg/log"
	"family-care-go/pkg/tasks"
)

const (
	indexQueueSize    = 256
	indexPublishLimit = 5 * time.Second
)

// MessageIndexPublisher 在消息写入后异步投递检索索引任务，尽力而为。
type MessageIndexPublisher interface {
	PublishUpsert(conv *model.Conversation, msg model.Message)
	PublishConversationDeleted(conv *model.Conversation)
}

// ProduceFunc 发送一个索引任务，通常是 kafka.ProduceIndexTask。
type ProduceFunc func(ctx context.Context, task tasks.MessageIndexTask) error

// QueuedIndexPublisher 把任务放入有界队列，由 Run 顺序发送。
type QueuedIndexPublisher struct {
	produce ProduceFunc
	queue   chan tasks.MessageIndexTask
}

// NewMessageIndexPublisher 创建一个按顺序投递任务的发布器，需要调用 Run 启动。
// produce 为 nil 时返回一个丢弃所有任务的发布器。
func NewMessageIndexPublisher(produce ProduceFunc) *QueuedIndexPublisher {
	return &QueuedIndexPublisher{
		produce: produce,
		queue:   make(chan tasks.MessageIndexTask, indexQueueSize),
	}
}

func (p *QueuedIndexPublisher) enqueue(task tasks.MessageIndexTask) {
	if p.produce == nil {
		return
	}
	select {
	case p.queue <- task:
	default:
		log.Warnw("index queue full, dropping task", "op", task.Op, "conversationId", task.ConversationID)
	}
}

func (p *QueuedIndexPublisher) PublishUpsert(conv *model.Conversation, msg model.Message) {
	p.enqueue(tasks.MessageIndexTask{
		Op:             tasks.OpUpsert,
		ConversationID: conv.ID,
		OwnerPatientID: conv.OwnerPatientID,
		ChatType:       string(conv.Kind),
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		IsAI:           msg.IsAI,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	})
}

func (p *QueuedIndexPublisher) PublishConversationDeleted(conv *model.Conversation) {
	p.enqueue(tasks.MessageIndexTask{
		Op:             tasks.OpDeleteConversation,
		ConversationID: conv.ID,
		OwnerPatientID: conv.OwnerPatientID,
		ChatType:       string(conv.Kind),
	})
}

// Run 单协程顺序发送，保证同一消息的写入与编辑按序到达。ctx 取消后退出。
func (p *QueuedIndexPublisher) Run(ctx context.Context) {
	if p.produce == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.queue:
			sendCtx, cancel := context.WithTimeout(context.Background(), indexPublishLimit)
			if err := p.produce(sendCtx, task); err != nil {
				log.Errorw("failed to publish index task", "op", task.Op, "conversationId", task.ConversationID, "error", err)
			}
			cancel()
		}
	}
}
