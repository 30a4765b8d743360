package model

import (
	"errors"
	"fmt"
)

// Principal 是已认证的操作者。按角色区分为两种变体，各自只携带适用字段。
type Principal interface {
	UserID() uint
	Role() Role
	// PatientID 对患者返回其自身 ID，对家庭成员返回所属患者的 ID。
	PatientID() uint
	DisplayName() string
	principal()
}

// PatientPrincipal 是患者身份，家庭组的根。
type PatientPrincipal struct {
	ID    uint
	Name  string
	Email string
}

func (p PatientPrincipal) UserID() uint        { return p.ID }
func (p PatientPrincipal) Role() Role          { return RolePatient }
func (p PatientPrincipal) PatientID() uint     { return p.ID }
func (p PatientPrincipal) DisplayName() string { return displayName(p.Name, p.Email) }
func (PatientPrincipal) principal()            {}

// FamilyMemberPrincipal 是家庭成员身份，恰好关联一个患者。
type FamilyMemberPrincipal struct {
	ID                  uint
	Name                string
	Email               string
	Relation            string
	AssociatedPatientID uint
}

func (f FamilyMemberPrincipal) UserID() uint        { return f.ID }
func (f FamilyMemberPrincipal) Role() Role          { return RoleFamilyMember }
func (f FamilyMemberPrincipal) PatientID() uint     { return f.AssociatedPatientID }
func (f FamilyMemberPrincipal) DisplayName() string { return displayName(f.Name, f.Email) }
func (FamilyMemberPrincipal) principal()            {}

var ErrInvalidPrincipal = errors.New("invalid principal")

// NewPrincipal 根据用户记录构造对应的身份变体，并在构造时校验角色相关字段。
func NewPrincipal(u *User) (Principal, error) {
	if u == nil || u.ID == 0 {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidPrincipal)
	}
	switch u.Role {
	case RolePatient:
		if u.AssociatedPatientID != nil {
			return nil, fmt.Errorf("%w: patient %d must not have an associated patient", ErrInvalidPrincipal, u.ID)
		}
		return PatientPrincipal{ID: u.ID, Name: u.FullName, Email: u.Email}, nil
	case RoleFamilyMember:
		if u.AssociatedPatientID == nil || *u.AssociatedPatientID == 0 {
			return nil, fmt.Errorf("%w: family member %d has no associated patient", ErrInvalidPrincipal, u.ID)
		}
		if u.Relation == "" {
			return nil, fmt.Errorf("%w: family member %d has no relation", ErrInvalidPrincipal, u.ID)
		}
		return FamilyMemberPrincipal{
			ID:                  u.ID,
			Name:                u.FullName,
			Email:               u.Email,
			Relation:            u.Relation,
			AssociatedPatientID: *u.AssociatedPatientID,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidPrincipal, u.Role)
	}
}

func displayName(name, email string) string {
	if name != "" {
		return name
	}
	return email
}
