package handler

import (
	"net/http"

	"family-care-go/internal/service"

	"github.com/gin-gonic/gin"
)

// SocketSessionHeader 携带发起请求的 socket 会话 ID，推送时跳过该会话。
const SocketSessionHeader = "X-Socket-Session"

// ConversationHandler 处理与会话相关的 API 请求。
type ConversationHandler struct {
	service     service.ConversationService
	transcripts service.TranscriptService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService, transcripts service.TranscriptService) *ConversationHandler {
	return &ConversationHandler{service: service, transcripts: transcripts}
}

// GetConversations 返回当前用户可见的家庭会话与 AI 会话。
func (h *ConversationHandler) GetConversations(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	conversations, err := h.service.List(c.Request.Context(), principal)
	if err != nil {
		writeError(c, "GetConversations", err)
		return
	}
	success(c, http.StatusOK, conversations)
}

// CreateConversation 创建一个新的 AI 会话。
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	conversation, err := h.service.CreateAI(c.Request.Context(), principal)
	if err != nil {
		writeError(c, "CreateConversation", err)
		return
	}
	success(c, http.StatusCreated, conversation)
}

func (h *ConversationHandler) GetMessages(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	messages, err := h.service.GetMessages(c.Request.Context(), principal, c.Param("id"))
	if err != nil {
		writeError(c, "GetMessages", err)
		return
	}
	success(c, http.StatusOK, messages)
}

// SendMessageRequest 是发送消息的请求体。
type SendMessageRequest struct {
	Content    string `json:"content"`
	SenderName string `json:"senderName"`
}

// SendMessage 追加一条消息；AI 会话会同步等待助手回复。
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "message content is required")
		return
	}

	result, err := h.service.SendMessage(c.Request.Context(), principal, c.Param("id"), req.Content, req.SenderName, c.GetHeader(SocketSessionHeader))
	if err != nil {
		writeError(c, "SendMessage", err)
		return
	}
	success(c, http.StatusOK, result)
}

// EditMessageRequest 是编辑消息的请求体。
type EditMessageRequest struct {
	Content string `json:"content"`
}

func (h *ConversationHandler) EditMessage(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "message content is required")
		return
	}

	message, err := h.service.EditMessage(c.Request.Context(), principal, c.Param("id"), c.Param("msgId"), req.Content, c.GetHeader(SocketSessionHeader))
	if err != nil {
		writeError(c, "EditMessage", err)
		return
	}
	success(c, http.StatusOK, message)
}

func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.service.Delete(c.Request.Context(), principal, id); err != nil {
		writeError(c, "DeleteConversation", err)
		return
	}
	success(c, http.StatusOK, gin.H{"id": id})
}

// UpdateTitleRequest 是修改会话标题的请求体。
type UpdateTitleRequest struct {
	Title string `json:"title"`
}

func (h *ConversationHandler) UpdateTitle(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req UpdateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "chat title is required")
		return
	}

	conversation, err := h.service.UpdateTitle(c.Request.Context(), principal, c.Param("id"), req.Title)
	if err != nil {
		writeError(c, "UpdateTitle", err)
		return
	}
	success(c, http.StatusOK, conversation)
}

// ExportTranscript 导出会话记录并返回临时下载链接。
func (h *ConversationHandler) ExportTranscript(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	export, err := h.transcripts.Export(c.Request.Context(), principal, c.Param("id"))
	if err != nil {
		writeError(c, "ExportTranscript", err)
		return
	}
	success(c, http.StatusOK, export)
}
