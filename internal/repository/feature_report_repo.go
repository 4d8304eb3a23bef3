package repository

import (
	"context"
	"errors"
	"time"

	"github.com/apk-analysis/apk-feature-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrReportNotFound 报告不存在
var ErrReportNotFound = errors.New("feature report not found")

// FeatureReportRepository 特征提取报告 Repository
type FeatureReportRepository interface {
	Create(ctx context.Context, report *domain.FeatureReport) error
	Upsert(ctx context.Context, report *domain.FeatureReport) error
	FindByTaskID(ctx context.Context, taskID string) (*domain.FeatureReport, error)
	FindLatestBySHA256(ctx context.Context, sha256 string) (*domain.FeatureReport, error)
	List(ctx context.Context, filter domain.ReportFilter) ([]*domain.FeatureReport, int64, error)
	UpdateStatus(ctx context.Context, taskID string, status domain.ReportStatus) error
	MarkFailed(ctx context.Context, taskID string, errorMessage string) error
	FailByStatus(ctx context.Context, status domain.ReportStatus, errorMessage string) (int64, error)
	ResetToQueued(ctx context.Context, taskID string) error
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	Delete(ctx context.Context, taskID string) error
}

type featureReportRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewFeatureReportRepository 创建特征提取报告 Repository
func NewFeatureReportRepository(db *gorm.DB, logger *logrus.Logger) FeatureReportRepository {
	return &featureReportRepo{db: db, logger: logger}
}

func (r *featureReportRepo) Create(ctx context.Context, report *domain.FeatureReport) error {
	return r.db.WithContext(ctx).Create(report).Error
}

// Upsert 按 task_id 插入或覆盖提取结果
func (r *featureReportRepo) Upsert(ctx context.Context, report *domain.FeatureReport) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "apk_name", "file_size", "md5", "sha256", "dex_count",
				"package_name", "version_name", "version_code",
				"schema_version", "vector_json", "matched_json", "matched_count", "stats_json", "csv_path",
				"label", "probability", "model", "contributions_json",
				"error_message", "duration_ms", "completed_at",
			}),
		}).
		Create(report).Error
}

func (r *featureReportRepo) FindByTaskID(ctx context.Context, taskID string) (*domain.FeatureReport, error) {
	var report domain.FeatureReport
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// FindLatestBySHA256 最近一次成功提取的同一文件
func (r *featureReportRepo) FindLatestBySHA256(ctx context.Context, sha256 string) (*domain.FeatureReport, error) {
	var report domain.FeatureReport
	err := r.db.WithContext(ctx).
		Where("sha256 = ? AND status = ?", sha256, domain.ReportStatusCompleted).
		Order("created_at DESC").
		First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// List 按条件分页查询，返回当前页和总数
func (r *featureReportRepo) List(ctx context.Context, filter domain.ReportFilter) ([]*domain.FeatureReport, int64, error) {
	query := r.db.WithContext(ctx).Model(&domain.FeatureReport{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Label != "" {
		query = query.Where("label = ?", filter.Label)
	}
	if filter.PackageName != "" {
		query = query.Where("package_name LIKE ?", "%"+filter.PackageName+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var reports []*domain.FeatureReport
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Offset(filter.Offset).
		Limit(limit).
		Find(&reports).Error
	return reports, total, err
}

func (r *featureReportRepo) UpdateStatus(ctx context.Context, taskID string, status domain.ReportStatus) error {
	result := r.db.WithContext(ctx).
		Model(&domain.FeatureReport{}).
		Where("task_id = ?", taskID).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrReportNotFound
	}
	return nil
}

// MarkFailed 记录失败原因并结束任务
func (r *featureReportRepo) MarkFailed(ctx context.Context, taskID string, errorMessage string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&domain.FeatureReport{}).
		Where("task_id = ?", taskID).
		Updates(map[string]interface{}{
			"status":        domain.ReportStatusFailed,
			"error_message": errorMessage,
			"completed_at":  &now,
		})
	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", taskID).Error("Failed to mark report failed")
		return result.Error
	}

	r.logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"error":   errorMessage,
	}).Warn("Extraction marked as failed")
	return nil
}

// FailByStatus 批量结束某一状态的任务，用于清理服务重启时中断的提取
func (r *featureReportRepo) FailByStatus(ctx context.Context, status domain.ReportStatus, errorMessage string) (int64, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&domain.FeatureReport{}).
		Where("status = ?", status).
		Updates(map[string]interface{}{
			"status":        domain.ReportStatusFailed,
			"error_message": errorMessage,
			"completed_at":  &now,
		})
	return result.RowsAffected, result.Error
}

// ResetToQueued 重新入队前清空失败信息
func (r *featureReportRepo) ResetToQueued(ctx context.Context, taskID string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.FeatureReport{}).
		Where("task_id = ?", taskID).
		Updates(map[string]interface{}{
			"status":        domain.ReportStatusQueued,
			"error_message": "",
			"completed_at":  nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrReportNotFound
	}
	return nil
}

// GetStatusCounts 各状态数量统计
func (r *featureReportRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}

	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&domain.FeatureReport{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		return nil, 0, err
	}

	counts := map[string]int64{
		string(domain.ReportStatusQueued):     0,
		string(domain.ReportStatusExtracting): 0,
		string(domain.ReportStatusCompleted):  0,
		string(domain.ReportStatusFailed):     0,
	}
	var total int64
	for _, c := range results {
		counts[c.Status] = c.Count
		total += c.Count
	}
	return counts, total, nil
}

func (r *featureReportRepo) Delete(ctx context.Context, taskID string) error {
	return r.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&domain.FeatureReport{}).Error
}
