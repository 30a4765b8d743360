package service

import (
	"context"
	"errors"
	"sort"
	"strings"

	"family-care-go/internal/config"
	"family-care-go/internal/model"
	"family-care-go/internal/repository"
	"family-care-go/pkg/log"

	"github.com/google/uuid"
)

// Broadcaster 是实时推送组件对业务层暴露的接口，投递为尽力而为。
// excludeSession 非空时跳过发起请求的那个连接。
type Broadcaster interface {
	BroadcastCreated(conv *model.Conversation, msg model.MessageView, excludeSession string)
	BroadcastEdited(conv *model.Conversation, msg model.MessageView, excludeSession string)
	BroadcastTyping(conversationID string, principalID uint, excludeSession string)
	BroadcastStopTyping(conversationID string, principalID uint, excludeSession string)
	// CloseConversation 把所有连接移出已删除会话的房间。
	CloseConversation(conversationID string)
	// DisconnectUser 断开该用户的全部连接，重连时按最新的家庭关系鉴权。
	DisconnectUser(userID uint)
}

// SendResult 是发送消息接口的响应体。
type SendResult struct {
	Conversation *model.ConversationView `json:"conversation"`
	NewMessages  []model.MessageView     `json:"newMessages"`
}

// ConversationService 定义了会话相关的业务操作。
type ConversationService interface {
	List(ctx context.Context, principal model.Principal) ([]model.ConversationView, error)
	CreateAI(ctx context.Context, principal model.Principal) (*model.ConversationView, error)
	Get(ctx context.Context, principal model.Principal, conversationID string) (*model.ConversationView, error)
	GetMessages(ctx context.Context, principal model.Principal, conversationID string) ([]model.MessageView, error)
	GetMessage(ctx context.Context, principal model.Principal, conversationID, messageID string) (*model.MessageView, error)
	AuthorizeRead(ctx context.Context, principal model.Principal, conversationID string) error
	SendMessage(ctx context.Context, principal model.Principal, conversationID, content, senderName, excludeSession string) (*SendResult, error)
	EditMessage(ctx context.Context, principal model.Principal, conversationID, messageID, content, excludeSession string) (*model.MessageView, error)
	Delete(ctx context.Context, principal model.Principal, conversationID string) error
	UpdateTitle(ctx context.Context, principal model.Principal, conversationID, title string) (*model.ConversationView, error)
	EnsureFamilyConversation(ctx context.Context, patientID uint) (*model.Conversation, error)
	// RefreshFamilyContext 在家庭成员变化后刷新家庭会话中的成员快照。
	RefreshFamilyContext(ctx context.Context, patientID uint) error
	// RevokeMemberSessions 在家庭成员被移除后断开其实时连接。
	RevokeMemberSessions(memberID uint)
}

type conversationService struct {
	repo        repository.ConversationRepository
	locker      *ConversationLocker
	engine      MessageEngine
	ai          AITurnService
	family      FamilyService
	broadcaster Broadcaster
	indexer     MessageIndexPublisher
	chatCfg     config.ChatConfig
	project     projector
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(
	repo repository.ConversationRepository,
	locker *ConversationLocker,
	engine MessageEngine,
	ai AITurnService,
	family FamilyService,
	users UserLookup,
	broadcaster Broadcaster,
	indexer MessageIndexPublisher,
	chatCfg config.ChatConfig,
) ConversationService {
	return &conversationService{
		repo:        repo,
		locker:      locker,
		engine:      engine,
		ai:          ai,
		family:      family,
		broadcaster: broadcaster,
		indexer:     indexer,
		chatCfg:     chatCfg,
		project:     projector{users: users},
	}
}

// load 读取会话并检查访问权限。
func (s *conversationService) load(ctx context.Context, action Action, principal model.Principal, conversationID string) (*model.Conversation, error) {
	conv, err := s.repo.Get(ctx, conversationID)
	if err != nil {
		return nil, storeError(err)
	}
	if err := Authorize(action, principal, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// List 返回家庭会话（如有）以及家庭组或本人创建的 AI 会话，按最近消息倒序。
func (s *conversationService) List(ctx context.Context, principal model.Principal) ([]model.ConversationView, error) {
	convs, err := s.repo.ListByOwnerOrCreator(ctx, principal.PatientID(), principal.UserID())
	if err != nil {
		return nil, storeError(err)
	}
	visible := make([]*model.Conversation, 0, len(convs))
	for _, c := range convs {
		if CanRead(principal, c) {
			visible = append(visible, c)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool {
		if visible[i].Kind != visible[j].Kind {
			return visible[i].Kind == model.KindFamily
		}
		return visible[i].LastMessageAt.After(visible[j].LastMessageAt)
	})
	return s.project.conversations(visible), nil
}

func (s *conversationService) familySnapshot(ctx context.Context, patientID uint) (model.FamilyContext, error) {
	members, err := s.family.MembersOf(ctx, patientID)
	if err != nil {
		return model.FamilyContext{}, err
	}
	ids := make([]uint, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return model.FamilyContext{PatientID: patientID, FamilyMemberIDs: ids}, nil
}

// CreateAI 创建一个新的 AI 会话，标题为占位文本。
func (s *conversationService) CreateAI(ctx context.Context, principal model.Principal) (*model.ConversationView, error) {
	patientID := s.family.PatientOf(principal)
	fc, err := s.familySnapshot(ctx, patientID)
	if err != nil {
		return nil, err
	}
	at := now()
	conv := &model.Conversation{
		ID:             uuid.NewString(),
		Kind:           model.KindAI,
		OwnerPatientID: patientID,
		CreatedBy:      principal.UserID(),
		Title:          s.chatCfg.PlaceholderTitle,
		Messages:       []model.Message{},
		LastMessageAt:  at,
		FamilyContext:  fc,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	if err := s.repo.Create(ctx, conv); err != nil {
		return nil, storeError(err)
	}
	log.Infow("AI conversation created", "conversationId", conv.ID, "patientId", patientID, "createdBy", principal.UserID())
	return s.project.conversation(conv), nil
}

func (s *conversationService) Get(ctx context.Context, principal model.Principal, conversationID string) (*model.ConversationView, error) {
	conv, err := s.load(ctx, ActionRead, principal, conversationID)
	if err != nil {
		return nil, err
	}
	return s.project.conversation(conv), nil
}

// GetMessages 返回会话消息，顺序即追加顺序。
func (s *conversationService) GetMessages(ctx context.Context, principal model.Principal, conversationID string) ([]model.MessageView, error) {
	conv, err := s.load(ctx, ActionRead, principal, conversationID)
	if err != nil {
		return nil, err
	}
	return s.project.messages(conv.Messages), nil
}

func (s *conversationService) GetMessage(ctx context.Context, principal model.Principal, conversationID, messageID string) (*model.MessageView, error) {
	conv, err := s.load(ctx, ActionRead, principal, conversationID)
	if err != nil {
		return nil, err
	}
	idx := conv.MessageIndex(messageID)
	if idx < 0 {
		return nil, newError(ErrNotFound, "message not found")
	}
	view := s.project.messages(conv.Messages[idx : idx+1])[0]
	return &view, nil
}

func (s *conversationService) AuthorizeRead(ctx context.Context, principal model.Principal, conversationID string) error {
	_, err := s.load(ctx, ActionRead, principal, conversationID)
	return err
}

// SendMessage 追加一条用户消息；AI 会话会继续完成一轮助手回复。
func (s *conversationService) SendMessage(ctx context.Context, principal model.Principal, conversationID, content, senderName, excludeSession string) (*SendResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, newError(ErrValidation, "message content is required")
	}
	conv, err := s.load(ctx, ActionWrite, principal, conversationID)
	if err != nil {
		return nil, err
	}

	var (
		updated  *model.Conversation
		appended []model.Message
	)
	switch conv.Kind {
	case model.KindAI:
		result, err := s.ai.SendAIMessage(ctx, principal, conversationID, content, senderName)
		if err != nil {
			return nil, err
		}
		updated, appended = result.Conversation, result.NewMessages
	default:
		msg, conv, err := s.engine.Append(ctx, conversationID, principal.UserID(), content, false)
		if err != nil {
			return nil, err
		}
		updated, appended = conv, []model.Message{*msg}
	}

	views := s.project.messages(appended)
	for i := range appended {
		s.broadcaster.BroadcastCreated(updated, views[i], excludeSession)
		s.indexer.PublishUpsert(updated, appended[i])
	}
	return &SendResult{
		Conversation: s.project.conversation(updated),
		NewMessages:  views,
	}, nil
}

// EditMessage 编辑本人发送的消息并推送编辑事件。
func (s *conversationService) EditMessage(ctx context.Context, principal model.Principal, conversationID, messageID, content, excludeSession string) (*model.MessageView, error) {
	conv, err := s.load(ctx, ActionWrite, principal, conversationID)
	if err != nil {
		return nil, err
	}
	edited, err := s.engine.Edit(ctx, conversationID, messageID, principal.UserID(), content)
	if err != nil {
		return nil, err
	}
	view := s.project.messages([]model.Message{*edited})[0]
	s.broadcaster.BroadcastEdited(conv, view, excludeSession)
	s.indexer.PublishUpsert(conv, *edited)
	return &view, nil
}

// Delete 删除整个 AI 会话，只允许创建者或家庭组的患者；家庭会话不可删除。
func (s *conversationService) Delete(ctx context.Context, principal model.Principal, conversationID string) error {
	unlock := s.locker.Lock(conversationID)
	defer unlock()

	conv, err := s.load(ctx, ActionDelete, principal, conversationID)
	if err != nil {
		return err
	}
	if conv.Kind == model.KindFamily {
		return newError(ErrForbidden, "the family conversation cannot be deleted")
	}
	deleted, err := s.repo.Delete(ctx, conversationID)
	if err != nil {
		return storeError(err)
	}
	s.broadcaster.CloseConversation(conversationID)
	s.indexer.PublishConversationDeleted(deleted)
	log.Infow("conversation deleted", "conversationId", conversationID, "by", principal.UserID())
	return nil
}

// UpdateTitle 手动修改会话标题。
func (s *conversationService) UpdateTitle(ctx context.Context, principal model.Principal, conversationID, title string) (*model.ConversationView, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, newError(ErrValidation, "chat title is required")
	}

	unlock := s.locker.Lock(conversationID)
	defer unlock()

	conv, err := s.repo.Update(ctx, conversationID, func(conv *model.Conversation) error {
		if err := Authorize(ActionWrite, principal, conv); err != nil {
			return err
		}
		conv.Title = title
		conv.UpdatedAt = now()
		return nil
	})
	if err != nil {
		return nil, storeError(err)
	}
	return s.project.conversation(conv), nil
}

// EnsureFamilyConversation 幂等地返回家庭组唯一的家庭会话。
func (s *conversationService) EnsureFamilyConversation(ctx context.Context, patientID uint) (*model.Conversation, error) {
	fc, err := s.familySnapshot(ctx, patientID)
	if err != nil {
		return nil, err
	}
	conv, created, err := s.repo.GetOrCreateFamily(ctx, patientID, func() *model.Conversation {
		at := now()
		return &model.Conversation{
			ID:             uuid.NewString(),
			Kind:           model.KindFamily,
			OwnerPatientID: patientID,
			CreatedBy:      patientID,
			Title:          s.chatCfg.FamilyTitle,
			Messages:       []model.Message{},
			LastMessageAt:  at,
			FamilyContext:  fc,
			CreatedAt:      at,
			UpdatedAt:      at,
		}
	})
	if err != nil {
		return nil, storeError(err)
	}
	if created {
		log.Infow("family conversation created", "conversationId", conv.ID, "patientId", patientID)
	}
	return conv, nil
}

func (s *conversationService) RefreshFamilyContext(ctx context.Context, patientID uint) error {
	conv, err := s.repo.GetFamily(ctx, patientID)
	if errors.Is(err, repository.ErrConversationNotFound) {
		// 家庭会话尚未创建，创建时会读取最新成员
		return nil
	}
	if err != nil {
		return storeError(err)
	}
	fc, err := s.familySnapshot(ctx, patientID)
	if err != nil {
		return err
	}

	unlock := s.locker.Lock(conv.ID)
	defer unlock()

	_, err = s.repo.Update(ctx, conv.ID, func(conv *model.Conversation) error {
		conv.FamilyContext = fc
		return nil
	})
	return storeError(err)
}

func (s *conversationService) RevokeMemberSessions(memberID uint) {
	s.broadcaster.DisconnectUser(memberID)
	log.Infow("family member sessions revoked", "memberId", memberID)
}
