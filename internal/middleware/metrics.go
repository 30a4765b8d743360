package middleware

import (
	"strconv"
	"time"

	"family-care-go/internal/metrics"

	"github.com/gin-gonic/gin"
)

// Metrics 记录 HTTP 请求的 Prometheus 指标。
// 使用路由模板作为 path 标签，避免会话 ID 造成高基数。
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}
