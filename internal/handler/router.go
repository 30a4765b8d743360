package handler

import (
	"family-care-go/internal/middleware"
	"family-care-go/internal/model"
	"family-care-go/internal/realtime"
	"family-care-go/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Services 汇总路由需要的所有业务组件，由 main 负责组装。
type Services struct {
	Users         service.UserService
	Family        service.FamilyService
	Conversations service.ConversationService
	Transcripts   service.TranscriptService
	Search        service.SearchService
	Hub           *realtime.Hub
}

// NewRouter 创建 Gin 引擎并注册全部路由。
func NewRouter(s Services) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), middleware.Metrics(), gin.Recovery())

	userHandler := NewUserHandler(s.Users)
	familyHandler := NewFamilyHandler(s.Family, s.Conversations)
	conversationHandler := NewConversationHandler(s.Conversations, s.Transcripts)
	authed := middleware.AuthMiddleware(s.Users)

	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", NewAuthHandler(s.Users).RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			me := users.Group("")
			me.Use(authed)
			{
				me.GET("/profile", userHandler.GetProfile)
				me.PUT("/profile", userHandler.UpdateProfile)
				me.POST("/logout", userHandler.Logout)

				me.GET("/family-members", familyHandler.ListFamilyMembers)
				// 只有患者可以管理家庭成员
				me.POST("/family-members", middleware.RequireRole(model.RolePatient), familyHandler.AddFamilyMember)
				me.DELETE("/family-members/:memberId", middleware.RequireRole(model.RolePatient), familyHandler.RemoveFamilyMember)
			}
		}

		conversations := apiV1.Group("/conversations")
		conversations.Use(authed)
		{
			conversations.GET("", conversationHandler.GetConversations)
			conversations.POST("", conversationHandler.CreateConversation)
			conversations.GET("/:id/messages", conversationHandler.GetMessages)
			conversations.POST("/:id/message", conversationHandler.SendMessage)
			conversations.PUT("/:id/messages/:msgId", conversationHandler.EditMessage)
			conversations.DELETE("/:id", conversationHandler.DeleteConversation)
			conversations.PUT("/:id/title", conversationHandler.UpdateTitle)
			conversations.GET("/:id/export", conversationHandler.ExportTranscript)
		}

		search := apiV1.Group("/search")
		search.Use(authed)
		{
			search.GET("/messages", NewSearchHandler(s.Search).SearchMessages)
		}
	}

	// WebSocket 无法携带 Authorization 头，token 放在路径中
	r.GET("/ws/:token", NewChatHandler(s.Hub, s.Users).Handle)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
