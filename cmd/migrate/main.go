package main

import (
	"fmt"
	"log"

	"github.com/apk-analysis/apk-feature-go/internal/config"
	"github.com/apk-analysis/apk-feature-go/internal/repository"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "./configs/config.yaml", "配置文件路径")
	pflag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	db, err := repository.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// 迁移 feature_reports 表
	if err := repository.AutoMigrate(db, logger); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	fmt.Println("✓ Migration completed successfully")
}
