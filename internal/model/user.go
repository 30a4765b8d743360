// Package model 定义了与存储结构对应的 Go 结构体。
package model

import "time"

// Role 标识用户在家庭中的身份。
type Role string

const (
	RolePatient      Role = "patient"
	RoleFamilyMember Role = "family_member"
)

// Valid 判断角色是否为已知取值。
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleFamilyMember
}

// HealthStage 是患者的健康阶段。
type HealthStage string

var healthStages = map[HealthStage]struct{}{
	"critical": {}, "serious": {}, "stable": {}, "normal": {}, "good": {}, "excellent": {},
}

// Valid 判断健康阶段是否为已知取值。
func (s HealthStage) Valid() bool {
	_, ok := healthStages[s]
	return ok
}

// User 对应于数据库中的 users 表。
// 患者是家庭组的根；家庭成员通过 AssociatedPatientID 指向所属患者。
type User struct {
	ID                   uint        `gorm:"primaryKey" json:"id"`
	Email                string      `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Password             string      `gorm:"type:varchar(255);not null" json:"-"`
	FullName             string      `gorm:"type:varchar(100)" json:"fullName"`
	MobileNumber         string      `gorm:"type:varchar(32)" json:"mobileNumber"`
	Role                 Role        `gorm:"type:varchar(20);not null;default:patient" json:"role"`
	Relation             string      `gorm:"type:varchar(50)" json:"relation,omitempty"`
	HealthStage          HealthStage `gorm:"type:varchar(20)" json:"healthStage,omitempty"`
	IsProfileComplete    bool        `gorm:"not null;default:false" json:"isProfileComplete"`
	AssociatedPatientID  *uint       `gorm:"index" json:"associatedPatient,omitempty"`
	FamilyConversationID string      `gorm:"type:varchar(64)" json:"familyChatId,omitempty"`
	CreatedAt            time.Time   `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt            time.Time   `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}

// Summary 返回用于读侧投影的精简用户信息。
func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, FullName: u.FullName, Email: u.Email}
}

// UserSummary 是嵌入到会话视图中的用户信息（不含敏感字段）。
type UserSummary struct {
	ID       uint   `json:"_id"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}
