package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/apk-analysis/apk-feature-go/internal/domain"
	"github.com/apk-analysis/apk-feature-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// TaskDispatcher 把排队中的任务交给后台执行（RabbitMQ 或本地 Worker Pool）
type TaskDispatcher interface {
	Dispatch(ctx context.Context, report *domain.FeatureReport) error
}

const recoveryPageSize = 200

// Recovery 任务恢复：服务重启后以数据库为准重建队列
type Recovery struct {
	repo       repository.FeatureReportRepository
	dispatcher TaskDispatcher
	logger     *logrus.Logger
}

func NewRecovery(repo repository.FeatureReportRepository, dispatcher TaskDispatcher, logger *logrus.Logger) *Recovery {
	return &Recovery{repo: repo, dispatcher: dispatcher, logger: logger}
}

// FailInterrupted 上次运行中断的 extracting 任务标记为失败；queued 任务保留
func (r *Recovery) FailInterrupted(ctx context.Context) (int64, error) {
	n, err := r.repo.FailByStatus(ctx, domain.ReportStatusExtracting, "服务重启，任务中断")
	if err != nil {
		return 0, fmt.Errorf("清理中断任务失败: %w", err)
	}
	if n > 0 {
		r.logger.WithField("count", n).Warn("Marked interrupted extractions as failed")
	}
	return n, nil
}

// Requeue 重新投递指定状态的任务，按创建时间先进先出；failed 任务会先重置为 queued
func (r *Recovery) Requeue(ctx context.Context, status domain.ReportStatus) (int, error) {
	if status != domain.ReportStatusQueued && status != domain.ReportStatusFailed {
		return 0, fmt.Errorf("不支持重新入队的状态: %s", status)
	}

	reports, err := r.collect(ctx, status)
	if err != nil {
		return 0, err
	}
	if len(reports) == 0 {
		r.logger.WithField("status", status).Info("No tasks to requeue")
		return 0, nil
	}

	success := 0
	for _, report := range reports {
		if err := ctx.Err(); err != nil {
			return success, err
		}
		logger := r.logger.WithField("task_id", report.TaskID)

		if report.Status == domain.ReportStatusFailed {
			if err := r.repo.ResetToQueued(ctx, report.TaskID); err != nil {
				logger.WithError(err).Error("Failed to reset task")
				continue
			}
			report.Status = domain.ReportStatusQueued
			report.ErrorMessage = ""
			report.CompletedAt = nil
		}

		if err := r.dispatcher.Dispatch(ctx, report); err != nil {
			logger.WithError(err).Error("Failed to requeue task")
			continue
		}
		success++
	}

	logger := r.logger.WithFields(logrus.Fields{
		"status":  status,
		"total":   len(reports),
		"success": success,
		"failed":  len(reports) - success,
	})
	if success < len(reports) {
		// 未投递的任务保持原状态，下次恢复时再处理
		logger.Warn("Some tasks were not requeued")
	} else {
		logger.Info("Tasks requeued")
	}
	return success, nil
}

// collect 分页读取全部任务；列表按创建时间倒序，返回前翻转
func (r *Recovery) collect(ctx context.Context, status domain.ReportStatus) ([]*domain.FeatureReport, error) {
	var all []*domain.FeatureReport
	for offset := 0; ; offset += recoveryPageSize {
		page, total, err := r.repo.List(ctx, domain.ReportFilter{
			Status: status,
			Limit:  recoveryPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("查询任务失败: %w", err)
		}
		all = append(all, page...)
		if len(page) < recoveryPageSize || int64(len(all)) >= total {
			break
		}
	}
	slices.Reverse(all)
	return all, nil
}
