package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apk-analysis/apk-feature-go/internal/apk"
	"github.com/apk-analysis/apk-feature-go/internal/classifier"
	"github.com/apk-analysis/apk-feature-go/internal/dex"
	"github.com/apk-analysis/apk-feature-go/internal/dex/dextest"
	"github.com/apk-analysis/apk-feature-go/internal/domain"
	"github.com/apk-analysis/apk-feature-go/internal/features"
	"github.com/apk-analysis/apk-feature-go/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockReportRepository Mock Repository
type MockReportRepository struct {
	mock.Mock
}

func (m *MockReportRepository) Create(ctx context.Context, report *domain.FeatureReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func (m *MockReportRepository) Upsert(ctx context.Context, report *domain.FeatureReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func (m *MockReportRepository) FindByTaskID(ctx context.Context, taskID string) (*domain.FeatureReport, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FeatureReport), args.Error(1)
}

func (m *MockReportRepository) FindLatestBySHA256(ctx context.Context, sha256 string) (*domain.FeatureReport, error) {
	args := m.Called(ctx, sha256)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FeatureReport), args.Error(1)
}

func (m *MockReportRepository) List(ctx context.Context, filter domain.ReportFilter) ([]*domain.FeatureReport, int64, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.FeatureReport), args.Get(1).(int64), args.Error(2)
}

func (m *MockReportRepository) UpdateStatus(ctx context.Context, taskID string, status domain.ReportStatus) error {
	args := m.Called(ctx, taskID, status)
	return args.Error(0)
}

func (m *MockReportRepository) MarkFailed(ctx context.Context, taskID string, errorMessage string) error {
	args := m.Called(ctx, taskID, errorMessage)
	return args.Error(0)
}

func (m *MockReportRepository) FailByStatus(ctx context.Context, status domain.ReportStatus, errorMessage string) (int64, error) {
	args := m.Called(ctx, status, errorMessage)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockReportRepository) ResetToQueued(ctx context.Context, taskID string) error {
	args := m.Called(ctx, taskID)
	return args.Error(0)
}

func (m *MockReportRepository) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockReportRepository) Delete(ctx context.Context, taskID string) error {
	args := m.Called(ctx, taskID)
	return args.Error(0)
}

// MockOpener Mock APK 打开器
type MockOpener struct {
	mock.Mock
}

func (m *MockOpener) Open(ctx context.Context, path string) (*apk.Package, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apk.Package), args.Error(1)
}

// MockClassifier Mock 分类器
type MockClassifier struct {
	mock.Mock
}

func (m *MockClassifier) Predict(ctx context.Context, schema *features.Schema, v features.Vector) (*classifier.Prediction, error) {
	args := m.Called(ctx, schema, v)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*classifier.Prediction), args.Error(1)
}

// countingRecorder 记录指标调用
type countingRecorder struct {
	mu               sync.Mutex
	started          int
	statuses         []string
	labels           []string
	classifierErrors int
}

func (r *countingRecorder) RecordExtractionStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) RecordExtraction(source, status string, _ time.Duration, _ features.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, source+"/"+status)
}

func (r *countingRecorder) RecordPrediction(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, label)
}

func (r *countingRecorder) RecordClassifierError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifierErrors++
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// smsPackage 声明短信权限并调用 Runtime.exec 的安装包
func smsPackage(t *testing.T) *apk.Package {
	t.Helper()
	b := dextest.New()
	exec := b.Method("Ljava/lang/Runtime;", "exec", "Ljava/lang/Process;", "Ljava/lang/String;")
	action := b.String("android.intent.action.BOOT_COMPLETED")
	b.AddMethod("Lcom/example/sms/Main;", "run", dextest.Code(
		dextest.ConstString(0, action),
		dextest.Invoke(dex.OpInvokeVirtual, exec, 0, 1),
		dextest.ReturnVoid(),
	))

	m := &apk.Manifest{
		Package:     "com.example.sms",
		VersionName: "1.0",
		VersionCode: "3",
		Permissions: []string{"android.permission.READ_SMS", "android.permission.INTERNET"},
		Activities:  []string{"com.example.sms.MainActivity"},
	}
	pkg, err := apk.NewPackage(m, b.Bytes())
	require.NoError(t, err)
	pkg.Info.FileName = "sms.apk"
	pkg.Info.SHA256 = "deadbeef"
	return pkg
}

type fixture struct {
	repo     *MockReportRepository
	opener   *MockOpener
	recorder *countingRecorder
	outDir   string
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		repo:     new(MockReportRepository),
		opener:   new(MockOpener),
		recorder: &countingRecorder{},
		outDir:   t.TempDir(),
	}
}

func (f *fixture) service(opts ...Option) ExtractionService {
	opts = append(opts, WithRecorder(f.recorder))
	return NewExtractionService(f.opener, features.NewExtractor(features.Drebin()), f.repo, f.outDir, quietLogger(), opts...)
}

// TestExtract_Success 测试同步提取完整流程
func TestExtract_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.opener.On("Open", ctx, "/tmp/sms.apk").Return(smsPackage(t), nil)
	f.repo.On("Upsert", ctx, mock.AnythingOfType("*domain.FeatureReport")).Return(nil).Twice()

	out, err := f.service().Extract(ctx, ExtractRequest{APKPath: "/tmp/sms.apk", Source: domain.SourceUpload})
	require.NoError(t, err)

	assert.NotEmpty(t, out.Report.TaskID)
	assert.Equal(t, "sms.apk", out.Report.APKName)
	assert.Equal(t, domain.ReportStatusCompleted, out.Report.Status)
	assert.Equal(t, "com.example.sms", out.Report.PackageName)
	assert.Equal(t, features.DrebinVersion, out.Report.SchemaVersion)
	assert.Equal(t, "deadbeef", out.Report.SHA256)
	assert.NotNil(t, out.Report.CompletedAt)
	assert.Nil(t, out.Prediction)
	assert.Empty(t, out.Report.Label)

	assert.Equal(t, []string{"READ_SMS", "android.intent.action.BOOT_COMPLETED", "INTERNET", "Ljava.lang.Runtime->exec"}, out.Matched)
	assert.Equal(t, len(out.Matched), out.Report.MatchedCount)
	assert.Equal(t, features.Drebin().Len(), len(out.Vector))
	assert.Equal(t, 1, out.Stats.Methods)

	v, err := out.Report.Vector()
	require.NoError(t, err)
	assert.Equal(t, []int(out.Vector), v)

	csvPath := filepath.Join(f.outDir, out.Report.TaskID+".csv")
	assert.Equal(t, csvPath, out.Report.CSVPath)
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "transact,"))

	assert.Equal(t, 1, f.recorder.started)
	assert.Equal(t, []string{"upload/completed"}, f.recorder.statuses)
	f.repo.AssertExpectations(t)
	f.opener.AssertExpectations(t)
}

// TestExtract_WithClassifier 测试提取后模型判定
func TestExtract_WithClassifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.opener.On("Open", ctx, "a.apk").Return(smsPackage(t), nil)
	f.repo.On("Upsert", ctx, mock.Anything).Return(nil)

	clf := new(MockClassifier)
	clf.On("Predict", ctx, features.Drebin(), mock.AnythingOfType("features.Vector")).Return(&classifier.Prediction{
		Class:       1,
		Label:       classifier.LabelMalicious,
		Probability: 0.93,
		Model:       "drebin",
		Contributions: []classifier.Contribution{
			{Feature: "READ_SMS", Value: 1, Weight: 0.4},
		},
	}, nil)

	out, err := f.service(WithClassifier(clf)).Extract(ctx, ExtractRequest{TaskID: "task-1", APKPath: "a.apk", Source: domain.SourceQueue})
	require.NoError(t, err)

	assert.Equal(t, "task-1", out.Report.TaskID)
	require.NotNil(t, out.Prediction)
	assert.Equal(t, classifier.LabelMalicious, out.Report.Label)
	assert.InDelta(t, 0.93, out.Report.Probability, 1e-9)
	assert.Contains(t, out.Report.ContributionsJSON, "READ_SMS")
	assert.Equal(t, []string{classifier.LabelMalicious}, f.recorder.labels)
	clf.AssertExpectations(t)
}

// TestExtract_ClassifierUnavailable 模型服务失败不影响提取结果
func TestExtract_ClassifierUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.opener.On("Open", ctx, "a.apk").Return(smsPackage(t), nil)
	f.repo.On("Upsert", ctx, mock.Anything).Return(nil)

	clf := new(MockClassifier)
	clf.On("Predict", ctx, mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	out, err := f.service(WithClassifier(clf)).Extract(ctx, ExtractRequest{APKPath: "a.apk"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusCompleted, out.Report.Status)
	assert.Nil(t, out.Prediction)
	assert.Empty(t, out.Report.Label)
	assert.Equal(t, 1, f.recorder.classifierErrors)
}

// TestExtract_OpenFailed 打开失败时记录失败状态
func TestExtract_OpenFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.opener.On("Open", ctx, "broken.apk").Return(nil, apk.ErrNoManifest)
	f.repo.On("Upsert", ctx, mock.Anything).Return(nil).Once()
	f.repo.On("MarkFailed", mock.Anything, "task-broken", mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, "AndroidManifest.xml")
	})).Return(nil).Once()

	_, err := f.service().Extract(ctx, ExtractRequest{TaskID: "task-broken", APKPath: "broken.apk", Source: domain.SourceInbound})
	assert.ErrorIs(t, err, apk.ErrNoManifest)
	assert.Equal(t, []string{"inbound/failed"}, f.recorder.statuses)
	f.repo.AssertExpectations(t)

	entries, _ := os.ReadDir(f.outDir)
	assert.Empty(t, entries, "no CSV for failed extraction")
}

// TestExtract_Canceled 取消的请求不写出结果
func TestExtract_Canceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.opener.On("Open", ctx, "a.apk").Return(smsPackage(t), nil)
	f.repo.On("Upsert", ctx, mock.Anything).Return(nil).Once()
	f.repo.On("MarkFailed", mock.Anything, "task-c", mock.Anything).Return(nil).Once()

	_, err := f.service().Extract(ctx, ExtractRequest{TaskID: "task-c", APKPath: "a.apk"})
	assert.ErrorIs(t, err, context.Canceled)
	f.repo.AssertExpectations(t)
}

// TestExtract_RepositoryError 任务无法落库时直接返回
func TestExtract_RepositoryError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.On("Upsert", ctx, mock.Anything).Return(errors.New("database is locked"))

	_, err := f.service().Extract(ctx, ExtractRequest{APKPath: "a.apk"})
	assert.Error(t, err)
	f.opener.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
	assert.Zero(t, f.recorder.started)
}

// TestCreateTask 测试创建排队任务
func TestCreateTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.On("Create", ctx, mock.MatchedBy(func(r *domain.FeatureReport) bool {
		return r.Status == domain.ReportStatusQueued && r.APKName == "x.apk" && r.Source == domain.SourceQueue
	})).Return(nil)

	report, err := f.service().CreateTask(ctx, "x.apk", "/data/uploads/x.apk", domain.SourceQueue)
	require.NoError(t, err)
	assert.Len(t, report.TaskID, 36)
	assert.Equal(t, "/data/uploads/x.apk", report.APKPath)
}

// TestGetReport_NotFound 测试报告不存在
func TestGetReport_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.On("FindByTaskID", ctx, "missing").Return(nil, repository.ErrReportNotFound)

	_, err := f.service().GetReport(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestListReports 测试列表透传
func TestListReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	filter := domain.ReportFilter{Label: classifier.LabelBenign, Limit: 10}
	f.repo.On("List", ctx, filter).Return([]*domain.FeatureReport{{TaskID: "a"}}, int64(7), nil)

	reports, total, err := f.service().ListReports(ctx, filter)
	require.NoError(t, err)
	assert.EqualValues(t, 7, total)
	assert.Len(t, reports, 1)
}
