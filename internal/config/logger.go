package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// InitLogger 输出到标准输出
func InitLogger(cfg *LogConfig) *logrus.Logger {
	return NewLogger(cfg, os.Stdout)
}

// NewLogger 按配置创建日志器；CLI 使用 stderr，避免污染 CSV 输出
func NewLogger(cfg *LogConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// 启用调用者信息（文件名和行号）
	logger.SetReportCaller(true)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  "2006-01-02 15:04:05",
			CallerPrettyfier: callerFile,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  "2006/01/02 15:04:05",
			CallerPrettyfier: callerFile,
		})
	}

	logger.SetOutput(out)
	return logger
}

// callerFile 只保留包目录和文件名，类似 GORM 的输出
func callerFile(f *runtime.Frame) (string, string) {
	dir := filepath.Base(filepath.Dir(f.File))
	return "", fmt.Sprintf("%s/%s:%d", dir, filepath.Base(f.File), f.Line)
}
