// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"family-care-go/internal/model"
	"family-care-go/internal/service"
	"family-care-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// 上下文中的键
const (
	PrincipalKey = "principal"
	UserKey      = "user"
	TokenKey     = "token"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从请求头中提取 token，解析为 Principal 并连同完整的 User 对象存入 Gin 的上下文中。
func AuthMiddleware(userService service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, "not authorized, no token")
			return
		}

		// Token 以 "Bearer <token>" 的形式提供
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			abort(c, http.StatusUnauthorized, "invalid authorization header format")
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		principal, user, err := userService.CurrentPrincipal(c.Request.Context(), tokenString)
		if err != nil {
			status := http.StatusUnauthorized
			switch {
			case errors.Is(err, service.ErrNotFound):
				// 用户已被删除
				status = http.StatusNotFound
			case errors.Is(err, service.ErrPersistence):
				status = http.StatusInternalServerError
				log.Errorf("解析登录用户失败: %v", err)
			}
			abort(c, status, service.PublicMessage(err))
			return
		}

		c.Set(PrincipalKey, principal)
		c.Set(UserKey, user)
		c.Set(TokenKey, tokenString)
		c.Next()
	}
}

// RequireRole 只允许指定角色访问，必须在 AuthMiddleware 之后使用。
func RequireRole(role model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get(PrincipalKey)
		if !exists {
			abort(c, http.StatusInternalServerError, "unable to resolve the current user")
			return
		}
		principal, ok := value.(model.Principal)
		if !ok {
			abort(c, http.StatusInternalServerError, "unexpected principal type")
			return
		}
		if principal.Role() != role {
			abort(c, http.StatusForbidden, "only "+string(role)+" accounts can perform this action")
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "message": message, "data": nil})
}
