package handler

import (
	"net/http"
	"strconv"

	"family-care-go/internal/model"
	"family-care-go/internal/service"
	"family-care-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// FamilyHandler 处理家庭成员管理相关的请求。
type FamilyHandler struct {
	familyService       service.FamilyService
	conversationService service.ConversationService
}

// NewFamilyHandler 创建一个新的 FamilyHandler。
func NewFamilyHandler(familyService service.FamilyService, conversationService service.ConversationService) *FamilyHandler {
	return &FamilyHandler{familyService: familyService, conversationService: conversationService}
}

func (h *FamilyHandler) ListFamilyMembers(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	members, err := h.familyService.ListFamilyMembers(c.Request.Context(), principal)
	if err != nil {
		writeError(c, "ListFamilyMembers", err)
		return
	}
	success(c, http.StatusOK, members)
}

// AddFamilyMember 为当前患者创建一个家庭成员账户。
func (h *FamilyHandler) AddFamilyMember(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	var req service.AddFamilyMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request payload")
		return
	}

	member, err := h.familyService.AddFamilyMember(c.Request.Context(), principal, req)
	if err != nil {
		writeError(c, "AddFamilyMember", err)
		return
	}
	h.refreshFamilyContext(c, principal)
	success(c, http.StatusCreated, member)
}

// RemoveFamilyMember 删除当前患者的一个家庭成员。
func (h *FamilyHandler) RemoveFamilyMember(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		return
	}
	memberID, err := strconv.ParseUint(c.Param("memberId"), 10, 64)
	if err != nil {
		badRequest(c, "invalid family member id")
		return
	}

	if err := h.familyService.RemoveFamilyMember(c.Request.Context(), principal, uint(memberID)); err != nil {
		writeError(c, "RemoveFamilyMember", err)
		return
	}
	h.refreshFamilyContext(c, principal)
	h.conversationService.RevokeMemberSessions(uint(memberID))
	success(c, http.StatusOK, gin.H{"id": memberID})
}

// refreshFamilyContext 同步家庭会话的成员快照，失败不影响本次请求。
func (h *FamilyHandler) refreshFamilyContext(c *gin.Context, principal model.Principal) {
	if err := h.conversationService.RefreshFamilyContext(c.Request.Context(), principal.PatientID()); err != nil {
		log.Warnw("failed to refresh family context", "patientId", principal.PatientID(), "error", err)
	}
}
