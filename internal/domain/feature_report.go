package domain

import (
	"encoding/json"
	"time"
)

// ReportStatus 提取任务状态
type ReportStatus string

const (
	ReportStatusQueued     ReportStatus = "queued"
	ReportStatusExtracting ReportStatus = "extracting"
	ReportStatusCompleted  ReportStatus = "completed"
	ReportStatusFailed     ReportStatus = "failed"
)

// IsTerminal 是否已结束
func (s ReportStatus) IsTerminal() bool {
	return s == ReportStatusCompleted || s == ReportStatusFailed
}

// ReportSource 任务来源
type ReportSource string

const (
	SourceUpload  ReportSource = "upload"  // POST /api/extract 同步上传
	SourceQueue   ReportSource = "queue"   // POST /api/tasks 异步队列
	SourceInbound ReportSource = "inbound" // 监听目录
)

// FeatureReport 特征提取报告表
type FeatureReport struct {
	ID     uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID string `gorm:"type:varchar(36);uniqueIndex:uk_task_id;not null" json:"task_id"`

	Status ReportStatus `gorm:"type:varchar(20);default:'queued';index:idx_status" json:"status"`
	Source ReportSource `gorm:"type:varchar(20)" json:"source"`

	// 文件信息
	APKName  string `gorm:"type:varchar(255)" json:"apk_name"`
	APKPath  string `gorm:"type:varchar(1024)" json:"-"`
	FileSize int64  `json:"file_size,omitempty"`
	MD5      string `gorm:"type:varchar(32)" json:"md5,omitempty"`
	SHA256   string `gorm:"type:varchar(64);index:idx_sha256" json:"sha256,omitempty"`
	DexCount int    `gorm:"default:0" json:"dex_count"`

	// 清单信息
	PackageName string `gorm:"type:varchar(255);index:idx_package_name" json:"package_name,omitempty"`
	VersionName string `gorm:"type:varchar(50)" json:"version_name,omitempty"`
	VersionCode string `gorm:"type:varchar(20)" json:"version_code,omitempty"`

	// 特征向量
	SchemaVersion string `gorm:"type:varchar(64)" json:"schema_version,omitempty"`
	VectorJSON    string `gorm:"type:text" json:"-"`
	MatchedJSON   string `gorm:"type:text" json:"-"`
	MatchedCount  int    `gorm:"default:0" json:"matched_count"`
	StatsJSON     string `gorm:"type:text" json:"-"`
	CSVPath       string `gorm:"type:varchar(1024)" json:"-"`

	// 模型判定（未启用分类器时为空）
	Label             string  `gorm:"type:varchar(20);index:idx_label" json:"label,omitempty"`
	Probability       float64 `json:"probability,omitempty"`
	Model             string  `gorm:"type:varchar(64)" json:"model,omitempty"`
	ContributionsJSON string  `gorm:"type:text" json:"-"`

	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`

	// 时间戳
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (FeatureReport) TableName() string {
	return "feature_reports"
}

// Vector 解析特征向量
func (r *FeatureReport) Vector() ([]int, error) {
	if r.VectorJSON == "" {
		return nil, nil
	}
	var v []int
	if err := json.Unmarshal([]byte(r.VectorJSON), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Matched 解析命中的特征名
func (r *FeatureReport) Matched() ([]string, error) {
	if r.MatchedJSON == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(r.MatchedJSON), &names); err != nil {
		return nil, err
	}
	return names, nil
}

// ReportFilter 列表查询条件
type ReportFilter struct {
	Status      ReportStatus
	Label       string
	PackageName string
	Limit       int
	Offset      int
}
