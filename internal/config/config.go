// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf = Default()

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Chat          ChatConfig          `mapstructure:"chat"`
	Realtime      RealtimeConfig      `mapstructure:"realtime"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// LLMConfig 存储 AI 补全服务相关的配置。
type LLMConfig struct {
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	Model          string              `mapstructure:"model"`
	TimeoutSeconds int                 `mapstructure:"timeout_seconds"`
	Generation     LLMGenerationConfig `mapstructure:"generation"`
	Title          LLMTitleConfig      `mapstructure:"title"`
	Prompt         LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 控制助手回复的生成参数。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMTitleConfig 控制会话标题推断。
type LLMTitleConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	MaxLength   int     `mapstructure:"max_length"`
}

// LLMPromptConfig 配置系统提示词。
// SystemTemplate 中可使用 {{patient}}、{{family}}、{{user}}、{{role}} 占位符。
type LLMPromptConfig struct {
	SystemTemplate string `mapstructure:"system_template"`
	TitleSystem    string `mapstructure:"title_system"`
}

// ChatConfig 存储会话核心的配置。
type ChatConfig struct {
	PlaceholderTitle string `mapstructure:"placeholder_title"`
	FamilyTitle      string `mapstructure:"family_title"`
	HistoryLimit     int    `mapstructure:"history_limit"`
	TxRetries        int    `mapstructure:"tx_retries"`
}

// RealtimeConfig 存储实时推送相关的配置。
type RealtimeConfig struct {
	PingTimeoutSeconds int    `mapstructure:"ping_timeout_seconds"`
	RelayChannel       string `mapstructure:"relay_channel"`
	SendBuffer         int    `mapstructure:"send_buffer"`
}

const (
	DefaultSystemTemplate = `You are a helpful healthcare assistant for a family.

Family Context:
- Patient: {{patient}}
- Family Members: {{family}}
- Current User: {{user}} ({{role}})

Provide clear, accurate, and empathetic responses to health-related questions. Consider the family context when giving advice. Be supportive and informative while maintaining medical accuracy.`

	DefaultTitleSystem = "Generate a short, descriptive title (max 50 characters) for this healthcare conversation. Return only the title, nothing else."
)

// Default 返回生产环境的默认配置，配置文件中的值会覆盖它们。
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "5000", Mode: "release"},
		JWT:    JWTConfig{AccessTokenExpireHours: 24, RefreshTokenExpireDays: 7},
		Log:    LogConfig{Level: "info", Format: "json"},
		Kafka:  KafkaConfig{Topic: "chat-message-index", GroupID: "family-care-indexer"},
		Elasticsearch: ElasticsearchConfig{
			IndexName: "chat_messages",
		},
		LLM: LLMConfig{
			Model:          "gpt-3.5-turbo",
			TimeoutSeconds: 30,
			Generation:     LLMGenerationConfig{Temperature: 0.7, MaxTokens: 1000},
			Title:          LLMTitleConfig{Temperature: 0.3, MaxTokens: 20, MaxLength: 50},
			Prompt: LLMPromptConfig{
				SystemTemplate: DefaultSystemTemplate,
				TitleSystem:    DefaultTitleSystem,
			},
		},
		Chat: ChatConfig{
			PlaceholderTitle: "New Conversation",
			FamilyTitle:      "Family Chat",
			HistoryLimit:     50,
			TxRetries:        5,
		},
		Realtime: RealtimeConfig{
			PingTimeoutSeconds: 60,
			RelayChannel:       "family-care:realtime",
			SendBuffer:         64,
		},
	}
}

// AITimeout 返回单次 AI 补全调用的超时时间。
func (c LLMConfig) AITimeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PingTimeout 返回 WebSocket 心跳超时。
func (c RealtimeConfig) PingTimeout() time.Duration {
	if c.PingTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.PingTimeoutSeconds) * time.Second
}

// Load 读取指定路径的 YAML 文件，并在默认配置之上解析。
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 初始化配置加载，失败时直接 panic，仅用于启动阶段。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
