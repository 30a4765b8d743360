// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"family-care-go/internal/middleware"
	"family-care-go/internal/model"
	"family-care-go/internal/service"
	"family-care-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// statusOf 把业务错误映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAccessDenied), errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError 输出统一的错误响应；服务端错误记录完整原因。
func writeError(c *gin.Context, action string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Errorw(action+" failed", "path", c.Request.URL.Path, "error", err)
	} else {
		log.Warnf("%s: %v", action, err)
	}
	c.JSON(status, gin.H{
		"code":    status,
		"message": service.PublicMessage(err),
		"data":    nil,
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    http.StatusBadRequest,
		"message": message,
		"data":    nil,
	})
}

func success(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"code": status, "message": "success", "data": data})
}

// currentPrincipal 读取 AuthMiddleware 注入的主体。
func currentPrincipal(c *gin.Context) (model.Principal, bool) {
	value, exists := c.Get(middleware.PrincipalKey)
	if !exists {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "unable to resolve the current user", "data": nil})
		return nil, false
	}
	principal, ok := value.(model.Principal)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "unexpected principal type", "data": nil})
		return nil, false
	}
	return principal, true
}
