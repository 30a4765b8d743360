// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"family-care-go/internal/model"
	"family-care-go/internal/repository"
	"family-care-go/pkg/hash"
	"family-care-go/pkg/log"
	"family-care-go/pkg/token"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const minPasswordLength = 6

func blacklistKey(tokenString string) string {
	return "blacklist:" + tokenString
}

// ProfileUpdate 是资料补全/修改请求。密码字段只在修改密码时提供。
type ProfileUpdate struct {
	FullName        string            `json:"fullName"`
	MobileNumber    string            `json:"mobileNumber"`
	HealthStage     model.HealthStage `json:"healthStage"`
	CurrentPassword string            `json:"currentPassword"`
	Password        string            `json:"password"`
	ConfirmPassword string            `json:"confirmPassword"`
}

// FamilyConversationEnsurer 在资料补全后为家庭组懒创建家庭会话。
type FamilyConversationEnsurer interface {
	EnsureFamilyConversation(ctx context.Context, patientID uint) (*model.Conversation, error)
}

// UserService 接口定义了身份认证与用户资料相关的业务操作。
type UserService interface {
	Register(email, password, confirmPassword string) (*model.User, error)
	Login(email, password string) (accessToken, refreshToken string, user *model.User, err error)
	RefreshToken(refreshTokenString string) (newAccessToken, newRefreshToken string, err error)
	Logout(ctx context.Context, tokenString string) error
	// CurrentPrincipal 把 access token 解析为已认证的主体。
	CurrentPrincipal(ctx context.Context, tokenString string) (model.Principal, *model.User, error)
	GetProfile(userID uint) (*model.User, error)
	CompleteProfile(ctx context.Context, userID uint, update ProfileUpdate) (*model.User, error)
}

type userService struct {
	userRepo    repository.UserRepository
	jwtManager  *token.JWTManager
	redisClient *redis.Client
	families    FamilyConversationEnsurer
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository, jwtManager *token.JWTManager, redisClient *redis.Client, families FamilyConversationEnsurer) UserService {
	return &userService{
		userRepo:    userRepo,
		jwtManager:  jwtManager,
		redisClient: redisClient,
		families:    families,
	}
}

// Register 注册一个新的患者账户，资料在登录后补全。
func (s *userService) Register(email, password, confirmPassword string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" || confirmPassword == "" {
		return nil, newError(ErrValidation, "please add all fields")
	}
	if password != confirmPassword {
		return nil, newError(ErrValidation, "passwords do not match")
	}
	if len(password) < minPasswordLength {
		return nil, newError(ErrValidation, "password must be at least %d characters long", minPasswordLength)
	}

	_, err := s.userRepo.FindByEmail(email)
	if err == nil {
		return nil, newError(ErrConflict, "user already exists")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, wrapError(ErrPersistence, err, "failed to look up user")
	}

	hashedPassword, err := hash.HashPassword(password)
	if err != nil {
		return nil, wrapError(ErrPersistence, err, "failed to hash password")
	}
	newUser := &model.User{
		Email:    email,
		Password: hashedPassword,
		Role:     model.RolePatient,
	}
	if err := s.userRepo.Create(newUser); err != nil {
		return nil, wrapError(ErrPersistence, err, "failed to create user")
	}
	return newUser, nil
}

// Login 校验邮箱和密码，签发 access/refresh token。
func (s *userService) Login(email, password string) (string, string, *model.User, error) {
	user, err := s.userRepo.FindByEmail(strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", nil, newError(ErrUnauthorized, "invalid email or password")
		}
		return "", "", nil, wrapError(ErrPersistence, err, "failed to look up user")
	}
	if !hash.CheckPasswordHash(password, user.Password) {
		return "", "", nil, newError(ErrUnauthorized, "invalid email or password")
	}

	accessToken, refreshToken, err := s.issueTokens(user)
	if err != nil {
		return "", "", nil, err
	}
	return accessToken, refreshToken, user, nil
}

func (s *userService) issueTokens(user *model.User) (string, string, error) {
	accessToken, err := s.jwtManager.GenerateToken(user.ID, user.Email, string(user.Role))
	if err != nil {
		return "", "", wrapError(ErrPersistence, err, "failed to sign token")
	}
	refreshToken, err := s.jwtManager.GenerateRefreshToken(user.ID, user.Email, string(user.Role))
	if err != nil {
		return "", "", wrapError(ErrPersistence, err, "failed to sign token")
	}
	return accessToken, refreshToken, nil
}

// RefreshToken 验证 refresh token 并签发新的 access token 和 refresh token。
func (s *userService) RefreshToken(refreshTokenString string) (string, string, error) {
	claims, err := s.jwtManager.VerifyRefreshToken(refreshTokenString)
	if err != nil {
		return "", "", newError(ErrUnauthorized, "invalid refresh token")
	}
	user, err := s.userRepo.FindByID(claims.UserID)
	if err != nil {
		return "", "", newError(ErrUnauthorized, "user not found")
	}
	return s.issueTokens(user)
}

// Logout 将 token 加入 Redis 黑名单，过期时间为 token 的剩余有效期。
func (s *userService) Logout(ctx context.Context, tokenString string) error {
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		return newError(ErrUnauthorized, "invalid token")
	}
	expiration := time.Until(claims.ExpiresAt.Time)
	if expiration <= 0 {
		return nil
	}
	if err := s.redisClient.Set(ctx, blacklistKey(tokenString), "true", expiration).Err(); err != nil {
		return wrapError(ErrPersistence, err, "failed to revoke token")
	}
	return nil
}

func (s *userService) CurrentPrincipal(ctx context.Context, tokenString string) (model.Principal, *model.User, error) {
	claims, err := s.jwtManager.VerifyAccessToken(tokenString)
	if err != nil {
		return nil, nil, newError(ErrUnauthorized, "invalid or expired token")
	}
	revoked, err := s.redisClient.Exists(ctx, blacklistKey(tokenString)).Result()
	if err != nil {
		return nil, nil, wrapError(ErrPersistence, err, "failed to check token status")
	}
	if revoked > 0 {
		return nil, nil, newError(ErrUnauthorized, "token has been revoked")
	}

	user, err := s.GetProfile(claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	principal, err := model.NewPrincipal(user)
	if err != nil {
		return nil, nil, wrapError(ErrUnauthorized, err, "invalid user record")
	}
	return principal, user, nil
}

// GetProfile 根据用户 ID 获取用户详细信息。
func (s *userService) GetProfile(userID uint) (*model.User, error) {
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrNotFound, "user not found")
		}
		return nil, wrapError(ErrPersistence, err, "failed to load user")
	}
	return user, nil
}

// CompleteProfile 更新资料；资料首次完整时为家庭组创建家庭会话。
func (s *userService) CompleteProfile(ctx context.Context, userID uint, update ProfileUpdate) (*model.User, error) {
	user, err := s.GetProfile(userID)
	if err != nil {
		return nil, err
	}

	if name := strings.TrimSpace(update.FullName); name != "" {
		user.FullName = name
	}
	if mobile := strings.TrimSpace(update.MobileNumber); mobile != "" {
		user.MobileNumber = mobile
	}
	if update.HealthStage != "" {
		if user.Role != model.RolePatient {
			return nil, newError(ErrValidation, "only patients have a health stage")
		}
		if !update.HealthStage.Valid() {
			return nil, newError(ErrValidation, "invalid health stage %q", update.HealthStage)
		}
		user.HealthStage = update.HealthStage
	}
	if err := applyPasswordChange(user, update); err != nil {
		return nil, err
	}

	user.IsProfileComplete = user.FullName != "" && user.MobileNumber != "" &&
		(user.Role != model.RolePatient || user.HealthStage != "")

	if user.IsProfileComplete && user.FamilyConversationID == "" {
		principal, err := model.NewPrincipal(user)
		if err != nil {
			return nil, wrapError(ErrValidation, err, "invalid user record")
		}
		conv, err := s.families.EnsureFamilyConversation(ctx, principal.PatientID())
		if err != nil {
			return nil, err
		}
		user.FamilyConversationID = conv.ID
	}

	if err := s.userRepo.Update(user); err != nil {
		return nil, wrapError(ErrPersistence, err, "failed to update profile")
	}
	log.Infow("profile updated", "userId", user.ID, "complete", user.IsProfileComplete)
	return user, nil
}

func applyPasswordChange(user *model.User, update ProfileUpdate) error {
	if update.Password == "" {
		if update.CurrentPassword != "" {
			return newError(ErrValidation, "please provide a new password if you intend to change it")
		}
		return nil
	}
	if update.CurrentPassword == "" {
		return newError(ErrValidation, "please provide your current password to change it")
	}
	if !hash.CheckPasswordHash(update.CurrentPassword, user.Password) {
		return newError(ErrUnauthorized, "incorrect current password")
	}
	if update.Password != update.ConfirmPassword {
		return newError(ErrValidation, "new passwords do not match")
	}
	if len(update.Password) < minPasswordLength {
		return newError(ErrValidation, "new password must be at least %d characters long", minPasswordLength)
	}
	hashed, err := hash.HashPassword(update.Password)
	if err != nil {
		return wrapError(ErrPersistence, err, "failed to hash password")
	}
	user.Password = hashed
	return nil
}
