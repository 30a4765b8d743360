package service

import (
	"family-care-go/internal/model"
	"family-care-go/pkg/log"
)

// projector 在原子读取之后把用户 ID 展开为用户摘要，与写路径分离。
type projector struct {
	users UserLookup
}

// summaries 批量解析用户；查询失败时退化为只含 ID 的摘要。
func (p projector) summaries(ids map[uint]struct{}) map[uint]model.UserSummary {
	out := make(map[uint]model.UserSummary, len(ids))
	list := make([]uint, 0, len(ids))
	for id := range ids {
		out[id] = model.UserSummary{ID: id}
		list = append(list, id)
	}
	if len(list) == 0 {
		return out
	}
	users, err := p.users.FindByIDs(list)
	if err != nil {
		log.Warnw("failed to resolve users for projection", "error", err)
		return out
	}
	for i := range users {
		out[users[i].ID] = users[i].Summary()
	}
	return out
}

func collectConversationIDs(conv *model.Conversation, ids map[uint]struct{}) {
	ids[conv.CreatedBy] = struct{}{}
	ids[conv.FamilyContext.PatientID] = struct{}{}
	for _, id := range conv.FamilyContext.FamilyMemberIDs {
		ids[id] = struct{}{}
	}
	for _, m := range conv.Messages {
		ids[m.SenderID] = struct{}{}
	}
}

func messageView(m model.Message, users map[uint]model.UserSummary) model.MessageView {
	return model.MessageView{
		ID:        m.ID,
		Sender:    users[m.SenderID],
		Content:   m.Content,
		IsAI:      m.IsAI,
		IsEdited:  m.IsEdited,
		Pending:   m.Pending,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func conversationView(conv *model.Conversation, users map[uint]model.UserSummary) model.ConversationView {
	members := make([]model.UserSummary, 0, len(conv.FamilyContext.FamilyMemberIDs))
	for _, id := range conv.FamilyContext.FamilyMemberIDs {
		members = append(members, users[id])
	}
	messages := make([]model.MessageView, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		messages = append(messages, messageView(m, users))
	}
	return model.ConversationView{
		ID:             conv.ID,
		Kind:           conv.Kind,
		OwnerPatientID: conv.OwnerPatientID,
		CreatedBy:      users[conv.CreatedBy],
		Title:          conv.Title,
		Messages:       messages,
		LastMessageAt:  conv.LastMessageAt,
		FamilyContext: model.FamilyContextView{
			Patient:       users[conv.FamilyContext.PatientID],
			FamilyMembers: members,
		},
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
}

func (p projector) conversation(conv *model.Conversation) *model.ConversationView {
	ids := make(map[uint]struct{})
	collectConversationIDs(conv, ids)
	view := conversationView(conv, p.summaries(ids))
	return &view
}

func (p projector) conversations(convs []*model.Conversation) []model.ConversationView {
	ids := make(map[uint]struct{})
	for _, c := range convs {
		collectConversationIDs(c, ids)
	}
	users := p.summaries(ids)
	out := make([]model.ConversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationView(c, users))
	}
	return out
}

func (p projector) messages(msgs []model.Message) []model.MessageView {
	ids := make(map[uint]struct{}, len(msgs))
	for _, m := range msgs {
		ids[m.SenderID] = struct{}{}
	}
	users := p.summaries(ids)
	out := make([]model.MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView(m, users))
	}
	return out
}
