package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Log        LogConfig        `mapstructure:"log"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
}

type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`          // debug, release
	MaxUploadMB   int    `mapstructure:"max_upload_mb"` // 上传文件大小上限
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	APIToken      string `mapstructure:"api_token"` // 为空时写接口不鉴权
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// FeaturesConfig 特征提取配置
type FeaturesConfig struct {
	SchemaFile      string `mapstructure:"schema_file"`      // 为空时使用内置 drebin 特征表
	ManifestBackend string `mapstructure:"manifest_backend"` // apkparser / aapt2
	AaptPath        string `mapstructure:"aapt_path"`
	OutputDir       string `mapstructure:"output_dir"`  // CSV 输出目录
	InboundDir      string `mapstructure:"inbound_dir"` // 监听目录，为空不启用
	UploadDir       string `mapstructure:"upload_dir"`
	MaxDexSize      int64  `mapstructure:"max_dex_size"` // bytes
}

// ClassifierConfig 模型服务配置
type ClassifierConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ServerURL  string `mapstructure:"server_url"`
	Model      string `mapstructure:"model"`
	Timeout    int    `mapstructure:"timeout"`     // seconds
	MaxRetries int    `mapstructure:"max_retries"` // 最大重试次数
	RetryDelay int    `mapstructure:"retry_delay"` // 重试间隔(毫秒)
}

// TimeoutDuration 请求超时
func (c ClassifierConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// RetryDelayDuration 重试间隔
func (c ClassifierConfig) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_upload_mb", 200)
	v.SetDefault("server.enable_metrics", true)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/features.db")

	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "apk_feature_tasks")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("features.manifest_backend", "apkparser")
	v.SetDefault("features.aapt_path", "aapt2")
	v.SetDefault("features.output_dir", "./data/results")
	v.SetDefault("features.upload_dir", "./data/uploads")
	v.SetDefault("features.max_dex_size", 256<<20)

	v.SetDefault("classifier.model", "drebin")
	v.SetDefault("classifier.timeout", 30)
	v.SetDefault("classifier.max_retries", 2)
	v.SetDefault("classifier.retry_delay", 500)
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	// 环境变量覆盖（支持嵌套配置）
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// 模型服务
	v.BindEnv("classifier.server_url", "CLASSIFIER_URL")
	v.BindEnv("server.api_token", "API_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
