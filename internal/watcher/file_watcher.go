package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Options 监控参数
type Options struct {
	Pattern        string        // 文件匹配模式，默认 "*.apk"
	Debounce       time.Duration // 同一文件的事件合并窗口，默认 2 秒
	StableInterval time.Duration // 判断写入完成的两次 stat 间隔，默认 500ms
	ScanExisting   bool          // 启动时处理目录中已有的文件
}

// FileWatcher 投递目录监控器：新出现的 APK 写入完成后交给 handler
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	opts     Options
	handler  FileHandler
	logger   *logrus.Logger

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	stopped    bool
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewFileWatcher 创建文件监控器，目录不存在时自动创建
func NewFileWatcher(watchDir string, opts Options, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	if opts.Pattern == "" {
		opts.Pattern = "*.apk"
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.StableInterval <= 0 {
		opts.StableInterval = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:    watcher,
		watchDir:   watchDir,
		opts:       opts,
		handler:    handler,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   opts.Pattern,
	}).Info("File watcher created")
	return fw, nil
}

// Start 启动事件循环
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.opts.ScanExisting {
		if err := fw.scanExistingFiles(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	go fw.eventLoop(ctx)
	fw.logger.Info("File watcher started")
	return nil
}

func (fw *FileWatcher) scanExistingFiles(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !fw.matchPattern(entry.Name()) {
			continue
		}
		fw.logger.WithField("file", entry.Name()).Info("Found existing file")
		fw.schedule(ctx, filepath.Join(fw.watchDir, entry.Name()))
	}
	return nil
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("File watcher context done")
			return
		case <-fw.stopChan:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			// 只处理创建和写入事件
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fw.matchPattern(filepath.Base(event.Name)) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("File event detected")
			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：同一文件在窗口内多次触发只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, exists := fw.timers[path]; exists {
		timer.Stop()
	}
	fw.timers[path] = time.AfterFunc(fw.opts.Debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, path)
		if fw.stopped {
			fw.mu.Unlock()
			return
		}
		fw.wg.Add(1)
		fw.mu.Unlock()
		defer fw.wg.Done()
		fw.handleFile(ctx, path)
	})
}

func (fw *FileWatcher) handleFile(ctx context.Context, filePath string) {
	fw.mu.Lock()
	if fw.processing[filePath] {
		fw.mu.Unlock()
		fw.logger.WithField("file", filePath).Debug("File is already being processed")
		return
	}
	fw.processing[filePath] = true
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		delete(fw.processing, filePath)
		fw.mu.Unlock()
	}()

	if err := fw.waitForFileReady(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("File not ready")
		return
	}

	fw.logger.WithField("file", filePath).Info("Processing file")
	if err := fw.handler(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("Failed to process file")
		return
	}
	fw.logger.WithField("file", filePath).Info("File handed off successfully")
}

// waitForFileReady 文件大小在两次检查间保持不变且非空视为写入完成
func (fw *FileWatcher) waitForFileReady(ctx context.Context, filePath string) error {
	const maxAttempts = 10
	var last int64 = -1
	for i := 0; i < maxAttempts; i++ {
		info, err := os.Stat(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			return err
		}
		if info.Size() > 0 && info.Size() == last {
			return nil
		}
		last = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fw.stopChan:
			return fmt.Errorf("watcher stopped")
		case <-time.After(fw.opts.StableInterval):
		}
	}
	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

// matchPattern glob 匹配，忽略大小写
func (fw *FileWatcher) matchPattern(fileName string) bool {
	ok, err := filepath.Match(strings.ToLower(fw.opts.Pattern), strings.ToLower(fileName))
	return err == nil && ok
}

// Stop 停止监控，等待正在处理的文件结束
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)

		fw.mu.Lock()
		fw.stopped = true
		for path, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, path)
		}
		fw.mu.Unlock()

		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}

// GetWatchDir 获取监控目录
func (fw *FileWatcher) GetWatchDir() string {
	return fw.watchDir
}
