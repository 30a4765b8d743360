package service

import "family-care-go/internal/model"

// Action 是访问策略所区分的操作。
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// CanRead 判断主体能否读取会话：同一家庭组或会话创建者。
// 家庭会话与 AI 会话使用同一规则。
func CanRead(p model.Principal, conv *model.Conversation) bool {
	if p == nil || conv == nil {
		return false
	}
	return p.PatientID() == conv.OwnerPatientID || p.UserID() == conv.CreatedBy
}

// CanWrite 与 CanRead 规则相同。
func CanWrite(p model.Principal, conv *model.Conversation) bool {
	return CanRead(p, conv)
}

// CanDelete 只允许创建者或所属家庭组的患者本人删除。
func CanDelete(p model.Principal, conv *model.Conversation) bool {
	if p == nil || conv == nil {
		return false
	}
	if p.UserID() == conv.CreatedBy {
		return true
	}
	return p.Role() == model.RolePatient && p.UserID() == conv.OwnerPatientID
}

// Authorize 检查指定操作，拒绝时返回 ErrAccessDenied。
func Authorize(action Action, p model.Principal, conv *model.Conversation) error {
	var ok bool
	switch action {
	case ActionRead:
		ok = CanRead(p, conv)
	case ActionWrite:
		ok = CanWrite(p, conv)
	case ActionDelete:
		ok = CanDelete(p, conv)
	}
	if !ok {
		return newError(ErrAccessDenied, "access denied to this conversation")
	}
	return nil
}
