package handler

import (
	"net/http"

	"family-care-go/internal/realtime"
	"family-care-go/internal/service"
	"family-care-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ChatHandler 负责处理实时推送的 WebSocket 连接。
type ChatHandler struct {
	hub         *realtime.Hub
	userService service.UserService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(hub *realtime.Hub, userService service.UserService) *ChatHandler {
	return &ChatHandler{hub: hub, userService: userService}
}

// Handle 校验路径中的 token 后升级连接，并交给 Hub 处理。
func (h *ChatHandler) Handle(c *gin.Context) {
	principal, _, err := h.userService.CurrentPrincipal(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeError(c, "WebSocket", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	h.hub.Serve(c.Request.Context(), conn, principal)
}
