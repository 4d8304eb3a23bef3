// Package apk 打开 APK，读取 Manifest 和 classes*.dex，产出可供特征提取的安装包句柄
package apk

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/avast/apkparser"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-feature-go/internal/dex"
	"github.com/apk-analysis/apk-feature-go/internal/features"
)

// Manifest 解析后端
const (
	BackendAPKParser = "apkparser"
	BackendAapt2     = "aapt2"
)

// DefaultMaxDexSize 单个 dex 的读取上限
const DefaultMaxDexSize = 256 << 20

var (
	// ErrNoManifest APK 中没有 AndroidManifest.xml
	ErrNoManifest = errors.New("AndroidManifest.xml not found in APK")
	// ErrDexTooLarge dex 超过读取上限
	ErrDexTooLarge = errors.New("dex entry exceeds size limit")
)

var dexEntryRe = regexp.MustCompile(`^classes(\d*)\.dex$`)

// Options 打开 APK 的参数
type Options struct {
	Backend    string // apkparser / aapt2
	AaptPath   string
	MaxDexSize int64
}

// Opener APK 打开器
type Opener struct {
	opts    Options
	useAapt bool
	logger  *logrus.Logger
}

// NewOpener 创建打开器；选择 aapt2 但不可用时回退到 apkparser
func NewOpener(opts Options, logger *logrus.Logger) *Opener {
	if opts.AaptPath == "" {
		opts.AaptPath = "aapt2"
	}
	if opts.MaxDexSize <= 0 {
		opts.MaxDexSize = DefaultMaxDexSize
	}
	o := &Opener{opts: opts, logger: logger}

	if opts.Backend == BackendAapt2 {
		if err := checkAapt(opts.AaptPath); err != nil {
			logger.WithError(err).Warn("aapt2 not available, falling back to apkparser")
		} else {
			o.useAapt = true
		}
	}
	return o
}

// Info 文件信息
type Info struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MD5      string `json:"md5"`
	SHA256   string `json:"sha256"`
	DexCount int    `json:"dex_count"`
}

// Package 已打开的 APK，实现 features.Package
//
// dex 在打开时全部解析完成，之后只读，Methods 可反复调用。
type Package struct {
	Info     Info
	manifest *Manifest
	dexFiles []*dex.File
}

// NewPackage 由已解析的 Manifest 和 dex 数据构造安装包
func NewPackage(m *Manifest, dexData ...[]byte) (*Package, error) {
	p := &Package{manifest: m}
	for i, data := range dexData {
		f, err := dex.Open(data)
		if err != nil {
			return nil, fmt.Errorf("dex #%d: %w", i+1, err)
		}
		p.dexFiles = append(p.dexFiles, f)
	}
	p.Info.DexCount = len(p.dexFiles)
	return p, nil
}

// Manifest 清单视图
func (p *Package) Manifest() features.ManifestView {
	return p.manifest.View()
}

// Descriptor 完整的 Manifest 信息
func (p *Package) Descriptor() *Manifest {
	return p.manifest
}

// Methods 按 classes.dex、classes2.dex … 的顺序产出所有方法体
func (p *Package) Methods() iter.Seq[features.MethodBody] {
	return func(yield func(features.MethodBody) bool) {
		for _, f := range p.dexFiles {
			for m := range f.Methods() {
				if !yield(m.Instructions()) {
					return
				}
			}
		}
	}
}

// Open 打开并解析 APK；压缩包、Manifest 或 dex 损坏都在这里返回错误
func (o *Opener) Open(ctx context.Context, path string) (*Package, error) {
	logger := o.logger.WithField("apk_path", path)

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat APK file: %w", err)
	}

	zip, err := apkparser.OpenZip(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zip.Close()

	if _, ok := zip.File["AndroidManifest.xml"]; !ok {
		return nil, ErrNoManifest
	}

	var m *Manifest
	if o.useAapt {
		m, err = parseManifestWithAapt2(ctx, o.opts.AaptPath, path)
		if err != nil {
			logger.WithError(err).Warn("aapt2 failed, falling back to apkparser")
		}
	}
	if m == nil {
		m, err = parseManifestWithZip(zip, logger)
		if err != nil {
			return nil, err
		}
	}

	dexData, err := readDexEntries(zip, o.opts.MaxDexSize)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pkg, err := NewPackage(m, dexData...)
	if err != nil {
		return nil, err
	}

	hashes, err := calculateHashes(path)
	if err != nil {
		return nil, fmt.Errorf("hash APK: %w", err)
	}
	pkg.Info.FileName = filepath.Base(path)
	pkg.Info.FileSize = stat.Size()
	pkg.Info.MD5 = hashes["md5"]
	pkg.Info.SHA256 = hashes["sha256"]

	logger.WithFields(logrus.Fields{
		"package_name": m.Package,
		"permissions":  len(m.Permissions),
		"dex_count":    pkg.Info.DexCount,
	}).Debug("APK opened")
	return pkg, nil
}

// parseManifestWithZip 使用 apkparser 解码二进制 Manifest
func parseManifestWithZip(zip *apkparser.ZipReader, logger *logrus.Entry) (*Manifest, error) {
	buf := new(bytes.Buffer)
	enc := xml.NewEncoder(buf)
	resErr, manErr := apkparser.ParseApkWithZip(zip, enc)
	if manErr != nil {
		return nil, fmt.Errorf("parse manifest: %w", manErr)
	}
	if resErr != nil {
		// 缺少 resources.arsc 只影响 @string 引用的解析
		logger.WithError(resErr).Warn("Failed to parse resources.arsc")
	}
	return decodeManifestXML(buf.Bytes())
}

// dexEntryNames 按 multidex 顺序排列的 dex 条目名
func dexEntryNames(names []string) []string {
	type entry struct {
		name string
		n    int
	}
	var entries []entry
	for _, name := range names {
		m := dexEntryRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		n := 1
		if m[1] != "" {
			v, err := strconv.Atoi(m[1])
			if err != nil || v < 2 {
				continue
			}
			n = v
		}
		entries = append(entries, entry{name: name, n: n})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].n < entries[j].n })

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.name
	}
	return out
}

func readDexEntries(zip *apkparser.ZipReader, limit int64) ([][]byte, error) {
	names := make([]string, 0, len(zip.File))
	for name := range zip.File {
		names = append(names, name)
	}

	var out [][]byte
	for _, name := range dexEntryNames(names) {
		data, err := readEntry(zip.File[name], limit)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out = append(out, data)
	}
	return out, nil
}

func readEntry(f *apkparser.ZipReaderFile, limit int64) ([]byte, error) {
	if err := f.Open(); err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrDexTooLarge, limit)
	}
	return data, nil
}

// calculateHashes 一次读取同时计算 MD5 和 SHA256
func calculateHashes(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	md5Hash := md5.New()
	sha256Hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(md5Hash, sha256Hash), file); err != nil {
		return nil, err
	}

	return map[string]string{
		"md5":    fmt.Sprintf("%x", md5Hash.Sum(nil)),
		"sha256": fmt.Sprintf("%x", sha256Hash.Sum(nil)),
	}, nil
}
