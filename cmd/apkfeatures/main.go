package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/apk-analysis/apk-feature-go/internal/apk"
	"github.com/apk-analysis/apk-feature-go/internal/config"
	"github.com/apk-analysis/apk-feature-go/internal/features"
	"github.com/apk-analysis/apk-feature-go/internal/service"
	"github.com/apk-analysis/apk-feature-go/internal/sink"
	"github.com/apk-analysis/apk-feature-go/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const usage = `Usage:
  apkfeatures extract <apk>... [-o out.csv|dir] [--schema file] [--json] [-j workers]
  apkfeatures schema [--schema file]
`

// 退出码
const (
	exitOK     = 0
	exitFailed = 1 // 至少一个 APK 提取失败
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil))
}

// run opener 为 nil 时按命令行参数创建
func run(ctx context.Context, args []string, stdout, stderr io.Writer, opener service.PackageOpener) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	switch args[0] {
	case "extract":
		return runExtract(ctx, args[1:], stdout, stderr, opener)
	case "schema":
		return runSchema(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}
}

func loadSchema(path string) (*features.Schema, error) {
	if path == "" {
		return features.Drebin(), nil
	}
	return features.LoadSchemaFile(path)
}

func runSchema(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("schema", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	schemaPath := fs.String("schema", "", "特征表 YAML 文件，默认内置 drebin")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	schema, err := loadSchema(*schemaPath)
	if err != nil {
		fmt.Fprintf(stderr, "load schema: %v\n", err)
		return exitUsage
	}

	fmt.Fprintf(stdout, "# %s (%d features)\n", schema.Version(), schema.Len())
	for i, name := range schema.Names() {
		fmt.Fprintf(stdout, "%d\t%s\n", i, name)
	}
	return exitOK
}

// extractResult 单个 APK 的结果，JSON 输出时逐行打印
type extractResult struct {
	APK         string          `json:"apk"`
	PackageName string          `json:"package_name,omitempty"`
	SHA256      string          `json:"sha256,omitempty"`
	Vector      features.Vector `json:"vector,omitempty"`
	Matched     []string        `json:"matched,omitempty"`
	Stats       *features.Stats `json:"stats,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func runExtract(ctx context.Context, args []string, stdout, stderr io.Writer, opener service.PackageOpener) int {
	fs := pflag.NewFlagSet("extract", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	output := fs.StringP("output", "o", "", "CSV 输出文件；多个 APK 时为输出目录")
	schemaPath := fs.String("schema", "", "特征表 YAML 文件，默认内置 drebin")
	asJSON := fs.Bool("json", false, "每个 APK 输出一行 JSON")
	workers := fs.IntP("workers", "j", runtime.NumCPU(), "并发提取数")
	backend := fs.String("backend", apk.BackendAPKParser, "Manifest 解析方式: apkparser / aapt2")
	aaptPath := fs.String("aapt", "aapt2", "aapt2 路径")
	verbose := fs.BoolP("verbose", "v", false, "输出调试日志")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(stderr, "no APK given\n\n%s", usage)
		return exitUsage
	}
	if len(paths) > 1 && *output == "" && !*asJSON {
		fmt.Fprintln(stderr, "multiple APKs require -o <dir> or --json")
		return exitUsage
	}
	var names []string
	if len(paths) > 1 && !*asJSON {
		var err error
		if names, err = csvNames(paths); err != nil {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := config.NewLogger(&config.LogConfig{Level: level, Format: "text"}, stderr)

	schema, err := loadSchema(*schemaPath)
	if err != nil {
		fmt.Fprintf(stderr, "load schema: %v\n", err)
		return exitUsage
	}
	if opener == nil {
		opener = apk.NewOpener(apk.Options{Backend: *backend, AaptPath: *aaptPath}, logger)
	}

	results := extractAll(ctx, paths, *workers, opener, features.NewExtractor(schema), logger)

	code := exitOK
	for _, res := range results {
		if res.Error != "" {
			code = exitFailed
			if !*asJSON {
				fmt.Fprintf(stderr, "%s: %s\n", res.APK, res.Error)
			}
		}
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		for _, res := range results {
			if err := enc.Encode(res); err != nil {
				fmt.Fprintf(stderr, "write json: %v\n", err)
				return exitFailed
			}
		}
		return code
	}

	if err := writeCSVs(results, names, schema, *output, stdout); err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailed
	}
	return code
}

// extractAll 通过 Worker Pool 并发提取，结果保持输入顺序
func extractAll(ctx context.Context, paths []string, workers int, opener service.PackageOpener, extractor *features.Extractor, logger *logrus.Logger) []*extractResult {
	results := make([]*extractResult, len(paths))
	for i, p := range paths {
		results[i] = &extractResult{APK: p}
	}

	exec := worker.ExecutorFunc(func(ctx context.Context, task *worker.Task) error {
		i, _ := strconv.Atoi(task.ID)
		res := results[i]

		pkg, err := opener.Open(ctx, task.APKPath)
		if err != nil {
			res.Error = err.Error()
			return err
		}
		out, err := extractor.ExtractContext(ctx, pkg)
		if err != nil {
			res.Error = err.Error()
			return err
		}
		res.PackageName = pkg.Descriptor().Package
		res.SHA256 = pkg.Info.SHA256
		res.Vector = out.Vector
		res.Matched = out.Vector.Matched(extractor.Schema())
		res.Stats = &out.Stats
		return nil
	})

	pool := worker.NewPool(workers, len(paths), exec, logger)
	pool.Start(ctx)
	for i, p := range paths {
		if err := pool.Submit(&worker.Task{ID: strconv.Itoa(i), APKPath: p, APKName: filepath.Base(p)}); err != nil {
			results[i].Error = err.Error()
		}
	}
	pool.Stop()

	// 取消时仍在排队的任务不会执行
	if err := ctx.Err(); err != nil {
		for _, res := range results {
			if res.Vector == nil && res.Error == "" {
				res.Error = err.Error()
			}
		}
	}
	return results
}

// csvNames 批量输出时每个 APK 对应的文件名；不同目录下的同名 APK 会互相覆盖，直接拒绝
func csvNames(paths []string) ([]string, error) {
	names := make([]string, len(paths))
	seen := make(map[string]string, len(paths))
	for i, p := range paths {
		name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)) + ".csv"
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("%s and %s would both write %s", prev, p, name)
		}
		seen[name] = p
		names[i] = name
	}
	return names, nil
}

// writeCSVs 单个 APK 写到 output 或标准输出；多个 APK 时 output 为目录，文件名取自 names
func writeCSVs(results []*extractResult, names []string, schema *features.Schema, output string, stdout io.Writer) error {
	if len(results) == 1 {
		res := results[0]
		if res.Error != "" {
			return nil
		}
		if output == "" {
			return sink.WriteCSV(stdout, schema, res.Vector)
		}
		return sink.WriteCSVFile(output, schema, res.Vector)
	}

	if err := os.MkdirAll(output, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for i, res := range results {
		if res.Error != "" {
			continue
		}
		if err := sink.WriteCSVFile(filepath.Join(output, names[i]), schema, res.Vector); err != nil {
			return err
		}
	}
	return nil
}
