// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"family-care-go/internal/config"
	"family-care-go/pkg/database"
	"family-care-go/pkg/log"
	"family-care-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// maxAttempts 达到后提交 offset，放弃该任务。
const maxAttempts = 3

// TaskProcessor 解耦 Kafka 消费者与具体的索引实现。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.MessageIndexTask) error
}

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceIndexTask 发送一个消息索引任务；同一会话的任务按会话 ID 分区以保持顺序。
func ProduceIndexTask(ctx context.Context, task tasks.MessageIndexTask) error {
	if producer == nil {
		return errors.New("kafka producer not initialized")
	}
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.ConversationID),
		Value: taskBytes,
	})
}

// CloseProducer 关闭生产者，刷新缓冲的消息。
func CloseProducer() {
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
}

func attemptsKey(task tasks.MessageIndexTask) string {
	return fmt.Sprintf("kafka:attempts:%s:%s:%s", task.Op, task.ConversationID, task.MessageID)
}

// StartConsumer 启动消费者循环，ctx 取消时退出。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		var task tasks.MessageIndexTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 格式错误直接提交，避免阻塞队列
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		if err := processor.Process(ctx, task); err != nil {
			log.Errorf("处理索引任务失败: op=%s conversation=%s err=%v", task.Op, task.ConversationID, err)
			key := attemptsKey(task)
			attempts, incErr := database.RDB.Incr(ctx, key).Result()
			if incErr != nil {
				// Redis 异常时不提交 offset，让 Kafka 重试
				continue
			}
			_ = database.RDB.Expire(ctx, key, 24*time.Hour).Err()
			if attempts >= maxAttempts {
				log.Errorf("索引任务多次失败(>=%d)，提交 offset 终止重试: conversation=%s", maxAttempts, task.ConversationID)
				if err := r.CommitMessages(ctx, m); err != nil {
					log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
				}
			}
			continue
		}

		_ = database.RDB.Del(ctx, attemptsKey(task)).Err()
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}
