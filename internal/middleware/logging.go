package middleware

import (
	"bytes"
	"io"
	"time"

	"family-care-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// bodyLogWriter 用于捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 实现了 io.Writer 接口，将响应写入 gin.ResponseWriter 和一个内部的 buffer
func (w bodyLogWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// 密码等敏感字段出现在这些路径的请求体中，不记录。
var redactedBodies = map[string]struct{}{
	"/api/v1/users/register":       {},
	"/api/v1/users/login":          {},
	"/api/v1/users/profile":        {},
	"/api/v1/users/family-members": {},
	"/api/v1/auth/refreshToken":    {},
}

// RequestLogger 是一个 Gin 中间件，用于记录详细的请求和响应日志。
// WebSocket 升级请求只记录元信息。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		if c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			log.Infow("WebSocket Request Log",
				"statusCode", c.Writer.Status(),
				"clientIP", c.ClientIP(),
				"path", c.FullPath(),
				"duration", time.Since(startTime).String(),
			)
			return
		}

		// 读取并重新缓存请求体
		var requestBody []byte
		if c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))

		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		path := c.Request.URL.Path
		reqBody, respBody := string(requestBody), blw.body.String()
		if _, ok := redactedBodies[path]; ok {
			reqBody, respBody = "[redacted]", "[redacted]"
		}
		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"requestBody", reqBody,
			"responseBody", respBody,
		)
	}
}
