package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/apk-analysis/apk-feature-go/internal/apk"
	"github.com/apk-analysis/apk-feature-go/internal/classifier"
	"github.com/apk-analysis/apk-feature-go/internal/domain"
	"github.com/apk-analysis/apk-feature-go/internal/features"
	"github.com/apk-analysis/apk-feature-go/internal/repository"
	"github.com/apk-analysis/apk-feature-go/internal/sink"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNotFound 报告不存在
var ErrNotFound = repository.ErrReportNotFound

// PackageOpener 打开 APK
type PackageOpener interface {
	Open(ctx context.Context, path string) (*apk.Package, error)
}

// Recorder 提取过程的指标上报
type Recorder interface {
	RecordExtractionStarted()
	RecordExtraction(source string, status string, duration time.Duration, stats features.Stats)
	RecordPrediction(label string)
	RecordClassifierError()
}

type nopRecorder struct{}

func (nopRecorder) RecordExtractionStarted()                                     {}
func (nopRecorder) RecordExtraction(string, string, time.Duration, features.Stats) {}
func (nopRecorder) RecordPrediction(string)                                       {}
func (nopRecorder) RecordClassifierError()                                        {}

// ExtractRequest 一次提取请求
type ExtractRequest struct {
	TaskID  string // 为空时生成
	APKPath string
	APKName string
	Source  domain.ReportSource
}

// Outcome 提取结果
type Outcome struct {
	Report     *domain.FeatureReport
	Info       apk.Info
	Manifest   *apk.Manifest
	Vector     features.Vector
	Matched    []string
	Stats      features.Stats
	Prediction *classifier.Prediction
}

// ExtractionService 特征提取服务接口
type ExtractionService interface {
	// 当前使用的特征表
	Schema() *features.Schema

	// 创建排队中的任务记录（异步路径）
	CreateTask(ctx context.Context, apkName, apkPath string, source domain.ReportSource) (*domain.FeatureReport, error)

	// 同步提取：打开 APK、生成向量、写 CSV、可选判定、保存报告
	Extract(ctx context.Context, req ExtractRequest) (*Outcome, error)

	// 任务未能投递时标记失败
	MarkFailed(ctx context.Context, taskID, reason string) error

	GetReport(ctx context.Context, taskID string) (*domain.FeatureReport, error)
	ListReports(ctx context.Context, filter domain.ReportFilter) ([]*domain.FeatureReport, int64, error)
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
}

type extractionService struct {
	opener     PackageOpener
	extractor  *features.Extractor
	classifier classifier.Classifier // 可为 nil
	repo       repository.FeatureReportRepository
	recorder   Recorder
	outputDir  string
	logger     *logrus.Logger
}

// Option 可选依赖
type Option func(*extractionService)

// WithClassifier 提取后调用模型服务
func WithClassifier(c classifier.Classifier) Option {
	return func(s *extractionService) { s.classifier = c }
}

// WithRecorder 设置指标上报
func WithRecorder(r Recorder) Option {
	return func(s *extractionService) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewExtractionService 创建特征提取服务
func NewExtractionService(
	opener PackageOpener,
	extractor *features.Extractor,
	repo repository.FeatureReportRepository,
	outputDir string,
	logger *logrus.Logger,
	opts ...Option,
) ExtractionService {
	s := &extractionService{
		opener:    opener,
		extractor: extractor,
		repo:      repo,
		recorder:  nopRecorder{},
		outputDir: outputDir,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *extractionService) Schema() *features.Schema {
	return s.extractor.Schema()
}

func (s *extractionService) CreateTask(ctx context.Context, apkName, apkPath string, source domain.ReportSource) (*domain.FeatureReport, error) {
	report := &domain.FeatureReport{
		TaskID:    uuid.New().String(),
		Status:    domain.ReportStatusQueued,
		Source:    source,
		APKName:   apkName,
		APKPath:   apkPath,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, report); err != nil {
		s.logger.WithError(err).WithField("apk_name", apkName).Error("Failed to create task")
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":  report.TaskID,
		"apk_name": apkName,
		"source":   source,
	}).Info("Task created successfully")
	return report, nil
}

func (s *extractionService) Extract(ctx context.Context, req ExtractRequest) (*Outcome, error) {
	start := time.Now()
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}
	if req.APKName == "" {
		req.APKName = filepath.Base(req.APKPath)
	}
	logger := s.logger.WithFields(logrus.Fields{
		"task_id":  req.TaskID,
		"apk_name": req.APKName,
	})

	report := &domain.FeatureReport{
		TaskID:    req.TaskID,
		Status:    domain.ReportStatusExtracting,
		Source:    req.Source,
		APKName:   req.APKName,
		APKPath:   req.APKPath,
		CreatedAt: start.UTC(),
	}
	if err := s.repo.Upsert(ctx, report); err != nil {
		return nil, fmt.Errorf("保存任务失败: %w", err)
	}
	s.recorder.RecordExtractionStarted()
	logger.Info("Extraction started")

	out, err := s.extract(ctx, report)
	duration := time.Since(start)
	if err != nil {
		s.fail(ctx, report, err, duration)
		return nil, err
	}

	out.Report.DurationMs = duration.Milliseconds()
	now := time.Now().UTC()
	out.Report.CompletedAt = &now
	out.Report.Status = domain.ReportStatusCompleted
	if err := s.repo.Upsert(ctx, out.Report); err != nil {
		err = fmt.Errorf("保存报告失败: %w", err)
		s.fail(ctx, report, err, duration)
		return nil, err
	}

	s.recorder.RecordExtraction(string(req.Source), string(domain.ReportStatusCompleted), duration, out.Stats)
	logger.WithFields(logrus.Fields{
		"package_name": out.Report.PackageName,
		"matched":      len(out.Matched),
		"methods":      out.Stats.Methods,
		"label":        out.Report.Label,
		"duration_ms":  out.Report.DurationMs,
	}).Info("Extraction completed")
	return out, nil
}

// extract 实际的提取步骤，report 会被就地填充
func (s *extractionService) extract(ctx context.Context, report *domain.FeatureReport) (*Outcome, error) {
	pkg, err := s.opener.Open(ctx, report.APKPath)
	if err != nil {
		return nil, fmt.Errorf("打开 APK 失败: %w", err)
	}

	res, err := s.extractor.ExtractContext(ctx, pkg)
	if err != nil {
		return nil, fmt.Errorf("特征提取失败: %w", err)
	}

	schema := s.extractor.Schema()
	csvPath := filepath.Join(s.outputDir, report.TaskID+".csv")
	if err := sink.WriteCSVFile(csvPath, schema, res.Vector); err != nil {
		return nil, fmt.Errorf("写入 CSV 失败: %w", err)
	}

	m := pkg.Descriptor()
	matched := res.Vector.Matched(schema)
	out := &Outcome{
		Report:   report,
		Info:     pkg.Info,
		Manifest: m,
		Vector:   res.Vector,
		Matched:  matched,
		Stats:    res.Stats,
	}

	report.FileSize = pkg.Info.FileSize
	report.MD5 = pkg.Info.MD5
	report.SHA256 = pkg.Info.SHA256
	report.DexCount = pkg.Info.DexCount
	report.PackageName = m.Package
	report.VersionName = m.VersionName
	report.VersionCode = m.VersionCode
	report.SchemaVersion = schema.Version()
	report.MatchedCount = len(matched)
	report.CSVPath = csvPath
	report.VectorJSON = mustJSON(res.Vector)
	report.MatchedJSON = mustJSON(matched)
	report.StatsJSON = mustJSON(res.Stats)

	if s.classifier != nil {
		s.classify(ctx, out)
	}
	return out, nil
}

// classify 模型服务不可用不影响特征结果
func (s *extractionService) classify(ctx context.Context, out *Outcome) {
	pred, err := s.classifier.Predict(ctx, s.extractor.Schema(), out.Vector)
	if err != nil {
		s.recorder.RecordClassifierError()
		s.logger.WithError(err).WithField("task_id", out.Report.TaskID).Warn("Classifier unavailable, skipping prediction")
		return
	}

	out.Prediction = pred
	out.Report.Label = pred.Label
	out.Report.Probability = pred.Probability
	out.Report.Model = pred.Model
	if len(pred.Contributions) > 0 {
		out.Report.ContributionsJSON = mustJSON(pred.Contributions)
	}
	s.recorder.RecordPrediction(pred.Label)
}

func (s *extractionService) fail(ctx context.Context, report *domain.FeatureReport, cause error, duration time.Duration) {
	// 请求被取消时仍要落库失败状态
	ctx = context.WithoutCancel(ctx)
	if err := s.repo.MarkFailed(ctx, report.TaskID, cause.Error()); err != nil {
		s.logger.WithError(err).WithField("task_id", report.TaskID).Error("Failed to persist failure")
	}
	s.recorder.RecordExtraction(string(report.Source), string(domain.ReportStatusFailed), duration, features.Stats{})
	s.logger.WithError(cause).WithFields(logrus.Fields{
		"task_id":  report.TaskID,
		"apk_name": report.APKName,
	}).Error("Extraction failed")
}

func (s *extractionService) MarkFailed(ctx context.Context, taskID, reason string) error {
	if err := s.repo.MarkFailed(ctx, taskID, reason); err != nil {
		return fmt.Errorf("更新任务状态失败: %w", err)
	}
	return nil
}

func (s *extractionService) GetReport(ctx context.Context, taskID string) (*domain.FeatureReport, error) {
	report, err := s.repo.FindByTaskID(ctx, taskID)
	if err != nil {
		if !errors.Is(err, repository.ErrReportNotFound) {
			s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to get report")
		}
		return nil, fmt.Errorf("获取报告失败: %w", err)
	}
	return report, nil
}

func (s *extractionService) ListReports(ctx context.Context, filter domain.ReportFilter) ([]*domain.FeatureReport, int64, error) {
	reports, total, err := s.repo.List(ctx, filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list reports")
		return nil, 0, fmt.Errorf("获取报告列表失败: %w", err)
	}
	return reports, total, nil
}

func (s *extractionService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	return s.repo.GetStatusCounts(ctx)
}

// mustJSON 只用于本包内可序列化的类型
func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return string(data)
}
