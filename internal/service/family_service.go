package service

import (
	"context"
	"errors"
	"strings"

	"family-care-go/internal/model"
	"family-care-go/internal/repository"
	"family-care-go/pkg/hash"
	"family-care-go/pkg/log"

	"gorm.io/gorm"
)

// AddFamilyMemberRequest 是患者添加家庭成员时提交的数据。
type AddFamilyMemberRequest struct {
	FullName        string `json:"name"`
	Relation        string `json:"relationship"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// FamilyService 维护以患者为根的家庭关系图。
type FamilyService interface {
	PatientOf(principal model.Principal) uint
	MembersOf(ctx context.Context, patientID uint) ([]model.User, error)
	AddFamilyMember(ctx context.Context, patient model.Principal, req AddFamilyMemberRequest) (*model.User, error)
	RemoveFamilyMember(ctx context.Context, patient model.Principal, memberID uint) error
	ListFamilyMembers(ctx context.Context, principal model.Principal) ([]model.User, error)
}

type familyService struct {
	userRepo repository.UserRepository
}

// NewFamilyService 创建一个新的 FamilyService 实例。
func NewFamilyService(userRepo repository.UserRepository) FamilyService {
	return &familyService{userRepo: userRepo}
}

// PatientOf 返回主体所属家庭组的患者 ID。
func (s *familyService) PatientOf(principal model.Principal) uint {
	return principal.PatientID()
}

// MembersOf 返回家庭组内的家庭成员（不含患者本人）。
func (s *familyService) MembersOf(ctx context.Context, patientID uint) ([]model.User, error) {
	members, err := s.userRepo.FindFamilyMembers(patientID)
	if err != nil {
		return nil, wrapError(ErrPersistence, err, "failed to load family members")
	}
	return members, nil
}

func (s *familyService) AddFamilyMember(ctx context.Context, patient model.Principal, req AddFamilyMemberRequest) (*model.User, error) {
	if patient.Role() != model.RolePatient {
		return nil, newError(ErrForbidden, "only patients can add family members")
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.FullName)
	relation := strings.TrimSpace(req.Relation)
	if name == "" || email == "" || req.Password == "" || req.ConfirmPassword == "" {
		return nil, newError(ErrValidation, "please provide name, email, password, and confirm password for the family member")
	}
	if relation == "" {
		return nil, newError(ErrValidation, "relationship is required for a family member")
	}
	if req.Password != req.ConfirmPassword {
		return nil, newError(ErrValidation, "passwords for the family member do not match")
	}
	if len(req.Password) < minPasswordLength {
		return nil, newError(ErrValidation, "password must be at least %d characters long", minPasswordLength)
	}

	if _, err := s.userRepo.FindByEmail(email); err == nil {
		return nil, newError(ErrConflict, "a user with this email already exists")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, wrapError(ErrPersistence, err, "failed to look up user")
	}

	hashed, err := hash.HashPassword(req.Password)
	if err != nil {
		return nil, wrapError(ErrPersistence, err, "failed to hash password")
	}
	patientID := patient.UserID()
	member := &model.User{
		Email:               email,
		Password:            hashed,
		FullName:            name,
		Role:                model.RoleFamilyMember,
		Relation:            relation,
		AssociatedPatientID: &patientID,
	}
	if err := s.userRepo.Create(member); err != nil {
		return nil, wrapError(ErrPersistence, err, "could not create family member")
	}
	log.Infow("family member added", "patientId", patientID, "memberId", member.ID)
	return member, nil
}

func (s *familyService) RemoveFamilyMember(ctx context.Context, patient model.Principal, memberID uint) error {
	if patient.Role() != model.RolePatient {
		return newError(ErrForbidden, "only patients can remove family members")
	}
	member, err := s.userRepo.FindByID(memberID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newError(ErrNotFound, "family member not found")
		}
		return wrapError(ErrPersistence, err, "failed to look up family member")
	}
	if member.Role != model.RoleFamilyMember || member.AssociatedPatientID == nil || *member.AssociatedPatientID != patient.UserID() {
		return newError(ErrNotFound, "family member not found")
	}
	if err := s.userRepo.Delete(memberID); err != nil {
		return wrapError(ErrPersistence, err, "failed to remove family member")
	}
	log.Infow("family member removed", "patientId", patient.UserID(), "memberId", memberID)
	return nil
}

func (s *familyService) ListFamilyMembers(ctx context.Context, principal model.Principal) ([]model.User, error) {
	return s.MembersOf(ctx, principal.PatientID())
}
