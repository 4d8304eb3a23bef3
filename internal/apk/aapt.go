package apk

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

var (
	xmltreeElementRe = regexp.MustCompile(`^\s*E: (\S+)`)
	// 兼容 aapt ("android:name(0x01010003)") 和 aapt2 ("http://schemas.android.com/apk/res/android:name(0x01010003)")
	xmltreeAttrRe = regexp.MustCompile(`^\s*A: (\S+?)(?:\(0x[0-9a-f]+\))?=(.*)$`)
	typedIntRe    = regexp.MustCompile(`^\(type 0x1[0-1]\)0x([0-9a-f]+)`)
)

// checkAapt 检查 aapt2 是否可用
func checkAapt(path string) error {
	cmd := exec.Command(path, "version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("aapt2 not found: %w", err)
	}
	return nil
}

// parseManifestWithAapt2 使用 aapt2 dump xmltree 解析 Manifest
func parseManifestWithAapt2(ctx context.Context, aaptPath, apkPath string) (*Manifest, error) {
	cmd := exec.CommandContext(ctx, aaptPath, "dump", "xmltree", "--file", "AndroidManifest.xml", apkPath)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("aapt2 command failed: %w", err)
	}
	return parseXmltree(string(output))
}

// parseXmltree 解析 xmltree 文本输出
//
// 属性行紧跟所属元素行，只需记住最近一个元素即可。
func parseXmltree(output string) (*Manifest, error) {
	var (
		x       xmlManifest
		element string
		current *xmlNamed
		found   bool
	)

	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := xmltreeElementRe.FindStringSubmatch(line); m != nil {
			element = m[1]
			current = nil
			switch element {
			case "manifest":
				found = true
			case "uses-permission":
				current = appendNamed(&x.UsesPermissions)
			case "uses-permission-sdk-23":
				current = appendNamed(&x.UsesPermissionsSdk23)
			case "activity":
				current = appendNamed(&x.Application.Activities)
			case "service":
				current = appendNamed(&x.Application.Services)
			case "receiver":
				current = appendNamed(&x.Application.Receivers)
			case "provider":
				current = appendNamed(&x.Application.Providers)
			}
			continue
		}

		m := xmltreeAttrRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1]
		if i := strings.LastIndexByte(name, ':'); i >= 0 {
			name = name[i+1:]
		}
		value := xmltreeValue(m[2])

		switch {
		case current != nil && name == "name":
			current.Name = value
		case element == "manifest" && name == "package":
			x.Package = value
		case element == "manifest" && name == "versionCode":
			x.VersionCode = value
		case element == "manifest" && name == "versionName":
			x.VersionName = value
		case element == "uses-sdk" && name == "minSdkVersion":
			x.UsesSdk.MinSdkVersion = value
		case element == "uses-sdk" && name == "targetSdkVersion":
			x.UsesSdk.TargetSdkVersion = value
		case element == "application" && name == "label":
			x.Application.Label = value
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan xmltree: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("no manifest element in xmltree output")
	}
	return x.resolve(), nil
}

func appendNamed(list *[]xmlNamed) *xmlNamed {
	*list = append(*list, xmlNamed{})
	return &(*list)[len(*list)-1]
}

// xmltreeValue 取属性值：字符串带引号，整数为 "(type 0x10)0x1f"（转十进制）
func xmltreeValue(raw string) string {
	if strings.HasPrefix(raw, `"`) {
		if end := strings.IndexByte(raw[1:], '"'); end >= 0 {
			return raw[1 : end+1]
		}
		return strings.TrimPrefix(raw, `"`)
	}
	if m := typedIntRe.FindStringSubmatch(raw); m != nil {
		if n, err := strconv.ParseUint(m[1], 16, 64); err == nil {
			return strconv.FormatUint(n, 10)
		}
	}
	if i := strings.IndexByte(raw, ' '); i >= 0 {
		raw = raw[:i]
	}
	return raw
}
