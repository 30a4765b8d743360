// Package database 负责初始化 MySQL 与 Redis 连接。
package database

import (
	"time"

	"family-care-go/internal/model"
	"family-care-go/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *gorm.DB

// InitMySQL 初始化 MySQL 连接并迁移用户表。
func InitMySQL(dsn string) {
	var err error
	DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect database", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("failed to get sql.DB", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 家庭关系（associated_patient_id）和会话指针都落在 users 表上
	if err := DB.AutoMigrate(&model.User{}); err != nil {
		log.Fatal("failed to migrate users table", err)
	}

	log.Info("MySQL database connected successfully")
}
