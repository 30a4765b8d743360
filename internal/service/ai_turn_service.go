package service

import (
	"context"
	"strings"
	"time"

	"family-care-go/internal/config"
	"family-care-go/internal/metrics"
	"family-care-go/internal/model"
	"family-care-go/internal/repository"
	"family-care-go/pkg/llm"
	"family-care-go/pkg/log"

	"github.com/google/uuid"
)

// pendingGrace 是 pending 轮次在两次补全超时之外额外保留的时间，覆盖提交写入。
const pendingGrace = 10 * time.Second

// TurnResult 是一次 AI 轮次提交后的结果：最新会话与新增的用户、助手两条消息。
type TurnResult struct {
	Conversation *model.Conversation
	NewMessages  []model.Message
}

// AITurnService 驱动 AI 会话的一轮问答：
// Idle → UserAppended → AssistantRequested → Committed | RolledBack。
type AITurnService interface {
	SendAIMessage(ctx context.Context, principal model.Principal, conversationID, content, senderName string) (*TurnResult, error)
}

// UserLookup 用于把家庭上下文中的 ID 解析为姓名。
type UserLookup interface {
	FindByIDs(userIDs []uint) ([]model.User, error)
}

type aiTurnService struct {
	repo    repository.ConversationRepository
	locker  *ConversationLocker
	llm     llm.Client
	users   UserLookup
	llmCfg  config.LLMConfig
	chatCfg config.ChatConfig
}

// NewAITurnService 创建一个新的 AITurnService。
func NewAITurnService(
	repo repository.ConversationRepository,
	locker *ConversationLocker,
	llmClient llm.Client,
	users UserLookup,
	llmCfg config.LLMConfig,
	chatCfg config.ChatConfig,
) AITurnService {
	return &aiTurnService{
		repo:    repo,
		locker:  locker,
		llm:     llmClient,
		users:   users,
		llmCfg:  llmCfg,
		chatCfg: chatCfg,
	}
}

func (s *aiTurnService) SendAIMessage(ctx context.Context, principal model.Principal, conversationID, content, senderName string) (*TurnResult, error) {
	userMsg, err := buildMessage(principal.UserID(), content, false, now())
	if err != nil {
		return nil, err
	}
	userMsg.Pending = true

	unlock := s.locker.Lock(conversationID)
	defer unlock()

	// 阶段一：用户消息带 pending 标记持久化
	var prevLastMessageAt, prevUpdatedAt time.Time
	conv, err := s.repo.Update(ctx, conversationID, func(conv *model.Conversation) error {
		if conv.Kind != model.KindAI {
			return newError(ErrValidation, "conversation is not an AI conversation")
		}
		if err := Authorize(ActionWrite, principal, conv); err != nil {
			return err
		}
		if conv.PendingTurn != "" {
			if !pendingTurnExpired(conv, now(), s.pendingTTL()) {
				return newError(ErrConflict, "an AI reply is already in progress for this conversation")
			}
			dropStalePendingTurn(conv)
		}
		prevLastMessageAt, prevUpdatedAt = conv.LastMessageAt, conv.UpdatedAt
		appendMessage(conv, userMsg)
		conv.PendingTurn = userMsg.ID
		return nil
	})
	if err != nil {
		return nil, storeError(err)
	}

	// 阶段二：请求助手回复
	prompt := s.buildPrompt(conv, principal, senderName)
	reply, err := s.complete(ctx, "reply", prompt, llm.Params(s.llmCfg.Generation.Temperature, s.llmCfg.Generation.MaxTokens))
	if err != nil {
		s.rollback(ctx, conversationID, userMsg, prevLastMessageAt, prevUpdatedAt)
		metrics.AITurns.WithLabelValues(metrics.TurnRolledBack).Inc()
		return nil, wrapError(ErrUpstream, err, "error getting AI response")
	}

	var title string
	if conv.Title == s.chatCfg.PlaceholderTitle && len(conv.Messages) == 1 {
		title = s.inferTitle(ctx, userMsg.Content)
	}

	aiMsg := model.Message{
		ID:        uuid.NewString(),
		SenderID:  principal.UserID(),
		Content:   reply,
		IsAI:      true,
		CreatedAt: now(),
	}
	aiMsg.UpdatedAt = aiMsg.CreatedAt

	// 提交：清除 pending 标记、追加助手消息、必要时设置标题，一次写入
	var committedUser model.Message
	committed, err := s.repo.Update(context.WithoutCancel(ctx), conversationID, func(conv *model.Conversation) error {
		idx := conv.MessageIndex(userMsg.ID)
		if idx < 0 {
			return newError(ErrPersistence, "pending message disappeared before commit")
		}
		conv.Messages[idx].Pending = false
		committedUser = conv.Messages[idx]
		conv.PendingTurn = ""
		appendMessage(conv, aiMsg)
		if title != "" && conv.Title == s.chatCfg.PlaceholderTitle && len(conv.Messages) == 2 {
			conv.Title = title
		}
		return nil
	})
	if err != nil {
		log.Errorw("AI turn commit failed", "conversationId", conversationID, "error", err)
		s.rollback(ctx, conversationID, userMsg, prevLastMessageAt, prevUpdatedAt)
		metrics.AITurns.WithLabelValues(metrics.TurnRolledBack).Inc()
		return nil, storeError(err)
	}

	metrics.AITurns.WithLabelValues(metrics.TurnCommitted).Inc()
	metrics.MessagesAppended.WithLabelValues(string(model.KindAI), senderLabel(false)).Inc()
	metrics.MessagesAppended.WithLabelValues(string(model.KindAI), senderLabel(true)).Inc()

	return &TurnResult{
		Conversation: committed,
		NewMessages:  []model.Message{committedUser, aiMsg},
	}, nil
}

// complete 在超时内调用补全服务，空白输出视为失败。
func (s *aiTurnService) complete(ctx context.Context, purpose string, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.llmCfg.AITimeout())
	defer cancel()

	start := time.Now()
	out, err := s.llm.Complete(callCtx, messages, gen)
	metrics.AICompletionDuration.WithLabelValues(purpose).Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", llm.ErrEmptyCompletion
	}
	return out, nil
}

// rollback 按 ID 删除 pending 消息；只有该消息仍是最新消息时才恢复时间戳，
// 避免覆盖其他实例在此期间的写入。失败只记录日志。
func (s *aiTurnService) rollback(ctx context.Context, conversationID string, userMsg model.Message, lastMessageAt, updatedAt time.Time) {
	_, err := s.repo.Update(context.WithoutCancel(ctx), conversationID, func(conv *model.Conversation) error {
		removed := removeMessage(conv, userMsg.ID)
		if conv.PendingTurn == userMsg.ID {
			conv.PendingTurn = ""
		}
		if removed && conv.LastMessageAt.Equal(userMsg.CreatedAt) {
			conv.LastMessageAt = lastMessageAt
			conv.UpdatedAt = updatedAt
		}
		return nil
	})
	if err != nil {
		log.Errorw("AI turn rollback failed", "conversationId", conversationID, "messageId", userMsg.ID, "error", err)
		return
	}
	log.Warnw("AI turn rolled back", "conversationId", conversationID, "messageId", userMsg.ID)
}

func removeMessage(conv *model.Conversation, messageID string) bool {
	idx := conv.MessageIndex(messageID)
	if idx < 0 {
		return false
	}
	conv.Messages = append(conv.Messages[:idx], conv.Messages[idx+1:]...)
	return true
}

// pendingTTL 是一轮问答最长的存活时间：回复与标题两次补全，再加提交。
func (s *aiTurnService) pendingTTL() time.Duration {
	return 2*s.llmCfg.AITimeout() + pendingGrace
}

// pendingTurnExpired 判断遗留的 pending 轮次是否已超过存活时间。
// 会话锁只在进程内有效，未过期的标记可能属于另一个实例上正在进行的轮次。
func pendingTurnExpired(conv *model.Conversation, at time.Time, ttl time.Duration) bool {
	idx := conv.MessageIndex(conv.PendingTurn)
	if idx < 0 {
		return true
	}
	return at.Sub(conv.Messages[idx].CreatedAt) > ttl
}

// dropStalePendingTurn 清理进程崩溃后遗留的 pending 消息。
func dropStalePendingTurn(conv *model.Conversation) {
	if conv.PendingTurn == "" {
		return
	}
	log.Warnw("dropping stale pending AI turn", "conversationId", conv.ID, "messageId", conv.PendingTurn)
	removeMessage(conv, conv.PendingTurn)
	conv.PendingTurn = ""
}

func (s *aiTurnService) buildPrompt(conv *model.Conversation, principal model.Principal, senderName string) []llm.Message {
	patientName, familyNames := s.familyNames(conv.FamilyContext)
	userName := strings.TrimSpace(senderName)
	if userName == "" {
		userName = principal.DisplayName()
	}
	system := renderSystemPrompt(s.llmCfg.Prompt.SystemTemplate, patientName, familyNames, userName, string(principal.Role()))

	messages := make([]llm.Message, 0, len(conv.Messages)+1)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	return append(messages, projectHistory(conv.Messages, s.chatCfg.HistoryLimit)...)
}

// familyNames 返回患者姓名与逗号连接的家庭成员姓名。
func (s *aiTurnService) familyNames(fc model.FamilyContext) (string, string) {
	patientName := "the patient"
	familyNames := "None"

	ids := append([]uint{fc.PatientID}, fc.FamilyMemberIDs...)
	users, err := s.users.FindByIDs(ids)
	if err != nil {
		log.Warnw("failed to resolve family context names", "patientId", fc.PatientID, "error", err)
		return patientName, familyNames
	}
	byID := make(map[uint]model.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	if p, ok := byID[fc.PatientID]; ok && p.FullName != "" {
		patientName = p.FullName
	}
	names := make([]string, 0, len(fc.FamilyMemberIDs))
	for _, id := range fc.FamilyMemberIDs {
		if u, ok := byID[id]; ok && u.FullName != "" {
			names = append(names, u.FullName)
		}
	}
	if len(names) > 0 {
		familyNames = strings.Join(names, ", ")
	}
	return patientName, familyNames
}

func renderSystemPrompt(template, patient, family, user, role string) string {
	return strings.NewReplacer(
		"{{patient}}", patient,
		"{{family}}", family,
		"{{user}}", user,
		"{{role}}", role,
	).Replace(template)
}

// projectHistory 把消息映射为补全接口的角色消息，只保留最近 limit 条。
func projectHistory(messages []model.Message, limit int) []llm.Message {
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.IsAI {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// inferTitle 根据首条用户消息生成标题，失败时返回空字符串保留占位标题。
func (s *aiTurnService) inferTitle(ctx context.Context, question string) string {
	messages := []llm.Message{
		{Role: "system", Content: s.llmCfg.Prompt.TitleSystem},
		{Role: "user", Content: question},
	}
	title, err := s.complete(ctx, "title", messages, llm.Params(s.llmCfg.Title.Temperature, s.llmCfg.Title.MaxTokens))
	if err != nil {
		log.Warnw("title inference failed, keeping placeholder", "error", err)
		return ""
	}
	return clampTitle(title, s.llmCfg.Title.MaxLength)
}

// clampTitle 去掉首尾空白与引号，并按字符数截断。
func clampTitle(title string, maxLength int) string {
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"'`))
	if maxLength <= 0 {
		return title
	}
	runes := []rune(title)
	if len(runes) > maxLength {
		title = strings.TrimSpace(string(runes[:maxLength]))
	}
	return title
}
