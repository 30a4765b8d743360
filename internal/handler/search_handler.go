package handler

import (
	"net/http"
	"strconv"

	"family-care-go/internal/service"
	"family-care-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SearchHandler 结构体定义了消息检索相关的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{
		searchService: searchService,
	}
}

// SearchMessages 在当前家庭组的消息中做全文检索。
func (h *SearchHandler) SearchMessages(c *gin.Context) {
	query := c.Query("query")
	log.Infof("[SearchHandler] 收到消息检索请求, query: %s", query)

	topK, err := strconv.Atoi(c.DefaultQuery("topK", "10"))
	if err != nil || topK <= 0 {
		topK = 10
	}

	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}

	results, err := h.searchService.SearchMessages(c.Request.Context(), principal, query, topK)
	if err != nil {
		writeError(c, "SearchMessages", err)
		return
	}

	log.Infof("[SearchHandler] 检索成功, query: '%s', 返回 %d 条结果", query, len(results))
	success(c, http.StatusOK, results)
}
