// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"family-care-go/internal/config"
	"family-care-go/internal/handler"
	"family-care-go/internal/pipeline"
	"family-care-go/internal/realtime"
	"family-care-go/internal/repository"
	"family-care-go/internal/service"
	"family-care-go/pkg/database"
	"family-care-go/pkg/es"
	"family-care-go/pkg/kafka"
	"family-care-go/pkg/llm"
	"family-care-go/pkg/log"
	"family-care-go/pkg/storage"
	"family-care-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 与外部组件
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)
	defer kafka.CloseProducer()

	// 后台任务统一由 bgCtx 控制
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// 4. 初始化 Repository
	userRepository := repository.NewUserRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.RDB, cfg.Chat.TxRetries)

	// 5. 初始化实时推送，会话服务创建后再注入
	hub := realtime.NewHub(nil, cfg.Realtime)
	relay := realtime.NewRedisRelay(database.RDB, cfg.Realtime.RelayChannel)
	hub.SetRelay(relay)
	go relay.Run(bgCtx, hub.Deliver)

	// 6. 初始化 Service (依赖注入)
	indexPublisher := service.NewMessageIndexPublisher(kafka.ProduceIndexTask)
	go indexPublisher.Run(bgCtx)

	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	llmClient := llm.NewClient(cfg.LLM)
	locker := service.NewConversationLocker()
	engine := service.NewMessageEngine(conversationRepo, locker)
	aiTurns := service.NewAITurnService(conversationRepo, locker, llmClient, userRepository, cfg.LLM, cfg.Chat)
	familyService := service.NewFamilyService(userRepository)
	conversationService := service.NewConversationService(
		conversationRepo,
		locker,
		engine,
		aiTurns,
		familyService,
		userRepository,
		hub,
		indexPublisher,
		cfg.Chat,
	)
	hub.SetAccess(conversationService)
	userService := service.NewUserService(userRepository, jwtManager, database.RDB, conversationService)
	transcriptService := service.NewTranscriptService(conversationService, storage.NewObjectStore(storage.MinioClient, cfg.MinIO.BucketName))
	searchService := service.NewSearchService(es.ESClient, cfg.Elasticsearch.IndexName)

	// 7. 启动后台 Kafka 消费者，同步消息检索索引
	indexer := pipeline.NewIndexer(es.NewMessageIndex(es.ESClient, cfg.Elasticsearch.IndexName))
	go kafka.StartConsumer(bgCtx, cfg.Kafka, indexer)

	// 8. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.Services{
		Users:         userService,
		Family:        familyService,
		Conversations: conversationService,
		Transcripts:   transcriptService,
		Search:        searchService,
		Hub:           hub,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器；已升级的 WebSocket 连接不受 Shutdown 管理，随进程退出
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止 relay、索引发布器与 Kafka 消费者
	stopBackground()
	log.Info("服务已优雅关闭")
}
