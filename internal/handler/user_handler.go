package handler

import (
	"net/http"

	"family-care-go/internal/middleware"
	"family-care-go/internal/service"
	"family-care-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// UserHandler 负责处理账户与个人资料相关的 API 请求。
type UserHandler struct {
	userService service.UserService
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(userService service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// RegisterRequest 定义了用户注册 API 的请求体结构。
type RegisterRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// Register 处理患者注册请求，成功后直接签发 token。
func (h *UserHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Register: Invalid request payload, error: %v", err)
		badRequest(c, "invalid request payload")
		return
	}

	if _, err := h.userService.Register(req.Email, req.Password, req.ConfirmPassword); err != nil {
		writeError(c, "Register", err)
		return
	}
	accessToken, refreshToken, user, err := h.userService.Login(req.Email, req.Password)
	if err != nil {
		writeError(c, "Register", err)
		return
	}

	log.Infof("User '%s' registered successfully", user.Email)
	success(c, http.StatusCreated, gin.H{
		"user":         user,
		"token":        accessToken,
		"refreshToken": refreshToken,
	})
}

// LoginRequest 定义了用户登录 API 的请求体结构。
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 处理用户登录请求。
func (h *UserHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login: Invalid request payload, error: %v", err)
		badRequest(c, "please provide email and password")
		return
	}

	accessToken, refreshToken, user, err := h.userService.Login(req.Email, req.Password)
	if err != nil {
		writeError(c, "Login", err)
		return
	}

	log.Infof("User '%s' logged in successfully", user.Email)
	success(c, http.StatusOK, gin.H{
		"user":         user,
		"token":        accessToken,
		"refreshToken": refreshToken,
	})
}

// GetProfile 获取当前登录用户的个人信息。
func (h *UserHandler) GetProfile(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	user, err := h.userService.GetProfile(principal.UserID())
	if err != nil {
		writeError(c, "GetProfile", err)
		return
	}
	success(c, http.StatusOK, user)
}

// UpdateProfile 补全或修改个人资料；首次补全时会创建家庭会话。
func (h *UserHandler) UpdateProfile(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req service.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request payload")
		return
	}

	user, err := h.userService.CompleteProfile(c.Request.Context(), principal.UserID(), req)
	if err != nil {
		writeError(c, "UpdateProfile", err)
		return
	}
	success(c, http.StatusOK, user)
}

// Logout 处理用户登出逻辑。
func (h *UserHandler) Logout(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	if err := h.userService.Logout(c.Request.Context(), c.GetString(middleware.TokenKey)); err != nil {
		writeError(c, "Logout", err)
		return
	}
	log.Infof("User %d logged out successfully", principal.UserID())
	success(c, http.StatusOK, nil)
}
