package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apk-analysis/apk-feature-go/internal/config"
	"github.com/apk-analysis/apk-feature-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB 初始化数据库连接
func InitDB(cfg *config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	if err := OptimizePool(db, cfg.Type); err != nil {
		return nil, err
	}

	if err := AutoMigrate(db, log); err != nil {
		return nil, err
	}

	return db, nil
}

// Open 只建立连接，不迁移
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	if cfg.Type == "mysql" {
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
		dialector = mysql.Open(dsn)
	} else {
		path := cfg.Path
		if path == "" {
			path = "./data/features.db"
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create sqlite dir: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // 关闭 SQL 日志
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}
	return db, nil
}

// OptimizePool 设置连接池；sqlite 只允许单写连接
func OptimizePool(db *gorm.DB, dbType string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	if dbType != "mysql" {
		sqlDB.SetMaxOpenConns(1)
		return nil
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	return nil
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(db *gorm.DB, log *logrus.Logger) error {
	log.Info("Running database migrations...")

	if err := db.AutoMigrate(&domain.FeatureReport{}); err != nil {
		return err
	}

	log.Info("Database migrations completed")
	return nil
}
