package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"family-care-go/internal/model"

	"github.com/go-redis/redis/v8"
)

var (
	// ErrConversationNotFound 表示会话文档不存在。
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationExists 表示以相同 ID 创建了重复的会话。
	ErrConversationExists = errors.New("conversation already exists")
	// ErrTxConflict 表示乐观事务在重试次数内仍未成功提交。
	ErrTxConflict = errors.New("conversation update conflict")
)

// ConversationRepository 定义了会话文档的持久化操作。
// 每个会话是一个 JSON 文档；Update 提供原子的读-改-写语义。
type ConversationRepository interface {
	Create(ctx context.Context, conv *model.Conversation) error
	Get(ctx context.Context, conversationID string) (*model.Conversation, error)
	// ListByOwnerOrCreator 返回属于该家庭组或由该用户创建的会话，按 lastMessageAt 倒序。
	ListByOwnerOrCreator(ctx context.Context, patientID, userID uint) ([]*model.Conversation, error)
	// Update 在乐观事务中加载文档并调用 fn 修改；fn 返回错误时不写入。
	// 发生写冲突时 fn 会在最新文档上被重新调用，因此 fn 只能依赖传入的文档。
	Update(ctx context.Context, conversationID string, fn func(conv *model.Conversation) error) (*model.Conversation, error)
	Delete(ctx context.Context, conversationID string) (*model.Conversation, error)
	// GetOrCreateFamily 返回家庭组唯一的家庭会话，不存在时用 build 创建。
	GetOrCreateFamily(ctx context.Context, patientID uint, build func() *model.Conversation) (*model.Conversation, bool, error)
	// GetFamily 通过家庭指针键读取家庭会话，尚未创建时返回 ErrConversationNotFound。
	GetFamily(ctx context.Context, patientID uint) (*model.Conversation, error)
}

type redisConversationRepository struct {
	redisClient *redis.Client
	maxRetries  int
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(redisClient *redis.Client, maxRetries int) ConversationRepository {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &redisConversationRepository{redisClient: redisClient, maxRetries: maxRetries}
}

func conversationKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s", conversationID)
}

func patientIndexKey(patientID uint) string {
	return fmt.Sprintf("patient:%d:conversations", patientID)
}

func userIndexKey(userID uint) string {
	return fmt.Sprintf("user:%d:conversations", userID)
}

func familyPointerKey(patientID uint) string {
	return fmt.Sprintf("patient:%d:family_conversation", patientID)
}

func indexScore(conv *model.Conversation) float64 {
	if !conv.LastMessageAt.IsZero() {
		return float64(conv.LastMessageAt.UnixMilli())
	}
	return float64(conv.CreatedAt.UnixMilli())
}

// writeDocument 在事务管道中写入文档并刷新两个索引。
func writeDocument(ctx context.Context, pipe redis.Pipeliner, conv *model.Conversation, data []byte) {
	score := indexScore(conv)
	pipe.Set(ctx, conversationKey(conv.ID), data, 0)
	pipe.ZAdd(ctx, patientIndexKey(conv.OwnerPatientID), &redis.Z{Score: score, Member: conv.ID})
	pipe.ZAdd(ctx, userIndexKey(conv.CreatedBy), &redis.Z{Score: score, Member: conv.ID})
}

// Create 写入一个新的会话文档。
func (r *redisConversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	key := conversationKey(conv.ID)
	err = r.redisClient.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConversationExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writeDocument(ctx, pipe, conv, data)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrConversationExists) {
			return err
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// Get 从 Redis 读取会话文档。
func (r *redisConversationRepository) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	return loadConversation(ctx, r.redisClient, conversationID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadConversation(ctx context.Context, g getter, conversationID string) (*model.Conversation, error) {
	data, err := g.Get(ctx, conversationKey(conversationID)).Bytes()
	if err == redis.Nil {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

// ListByOwnerOrCreator 合并两个索引并批量读取文档。
func (r *redisConversationRepository) ListByOwnerOrCreator(ctx context.Context, patientID, userID uint) ([]*model.Conversation, error) {
	owned, err := r.redisClient.ZRevRange(ctx, patientIndexKey(patientID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read patient index: %w", err)
	}
	created, err := r.redisClient.ZRevRange(ctx, userIndexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user index: %w", err)
	}

	seen := make(map[string]struct{}, len(owned)+len(created))
	keys := make([]string, 0, len(owned)+len(created))
	for _, id := range append(owned, created...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, conversationKey(id))
	}
	if len(keys) == 0 {
		return []*model.Conversation{}, nil
	}

	values, err := r.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}
	result := make([]*model.Conversation, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// 索引中残留的已删除会话
			continue
		}
		var conv model.Conversation
		if err := json.Unmarshal([]byte(raw), &conv); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation %s: %w", keys[i], err)
		}
		result = append(result, &conv)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].LastMessageAt.After(result[j].LastMessageAt)
	})
	return result, nil
}

// Update 使用 WATCH/MULTI 实现乐观并发控制，冲突时重试。
func (r *redisConversationRepository) Update(ctx context.Context, conversationID string, fn func(conv *model.Conversation) error) (*model.Conversation, error) {
	key := conversationKey(conversationID)
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		var updated *model.Conversation
		err := r.redisClient.Watch(ctx, func(tx *redis.Tx) error {
			conv, err := loadConversation(ctx, tx, conversationID)
			if err != nil {
				return err
			}
			if err := fn(conv); err != nil {
				return err
			}
			data, err := json.Marshal(conv)
			if err != nil {
				return fmt.Errorf("failed to marshal conversation: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				writeDocument(ctx, pipe, conv, data)
				return nil
			})
			if err == nil {
				updated = conv
			}
			return err
		}, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, ErrTxConflict
}

// Delete 删除会话文档及其索引，返回被删除的文档。
func (r *redisConversationRepository) Delete(ctx context.Context, conversationID string) (*model.Conversation, error) {
	key := conversationKey(conversationID)
	var deleted *model.Conversation
	err := r.redisClient.Watch(ctx, func(tx *redis.Tx) error {
		conv, err := loadConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, patientIndexKey(conv.OwnerPatientID), conv.ID)
			pipe.ZRem(ctx, userIndexKey(conv.CreatedBy), conv.ID)
			if conv.Kind == model.KindFamily {
				pipe.Del(ctx, familyPointerKey(conv.OwnerPatientID))
			}
			return nil
		})
		if err == nil {
			deleted = conv
		}
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to delete conversation: %w", err)
	}
	return deleted, nil
}

func (r *redisConversationRepository) GetFamily(ctx context.Context, patientID uint) (*model.Conversation, error) {
	conversationID, err := r.redisClient.Get(ctx, familyPointerKey(patientID)).Result()
	if err == redis.Nil {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read family pointer: %w", err)
	}
	return r.Get(ctx, conversationID)
}

// GetOrCreateFamily 通过家庭指针键保证每个家庭组只有一个家庭会话。
func (r *redisConversationRepository) GetOrCreateFamily(ctx context.Context, patientID uint, build func() *model.Conversation) (*model.Conversation, bool, error) {
	pointer := familyPointerKey(patientID)
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		var (
			result  *model.Conversation
			created bool
		)
		err := r.redisClient.Watch(ctx, func(tx *redis.Tx) error {
			existingID, err := tx.Get(ctx, pointer).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil {
				result, err = loadConversation(ctx, tx, existingID)
				return err
			}

			conv := build()
			data, err := json.Marshal(conv)
			if err != nil {
				return fmt.Errorf("failed to marshal conversation: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, pointer, conv.ID, 0)
				writeDocument(ctx, pipe, conv, data)
				return nil
			})
			if err == nil {
				result, created = conv, true
			}
			return err
		}, pointer)
		if err == nil {
			return result, created, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}
	return nil, false, ErrTxConflict
}
