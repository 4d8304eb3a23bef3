package apk

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/apk-analysis/apk-feature-go/internal/features"
)

// Manifest 解析后的 AndroidManifest.xml，组件名已补全为完整类名
type Manifest struct {
	Package     string `json:"package"`
	VersionName string `json:"version_name"`
	VersionCode string `json:"version_code"`
	MinSDK      string `json:"min_sdk"`
	TargetSDK   string `json:"target_sdk"`
	Label       string `json:"label"`

	Permissions []string `json:"permissions"`
	Activities  []string `json:"activities"`
	Services    []string `json:"services"`
	Receivers   []string `json:"receivers"`
	Providers   []string `json:"providers"`
}

// View 特征提取使用的清单视图
func (m *Manifest) View() features.ManifestView {
	return features.ManifestView{
		Permissions: m.Permissions,
		Activities:  m.Activities,
		Services:    m.Services,
		Receivers:   m.Receivers,
		Providers:   m.Providers,
	}
}

// xmlNamed 只关心 android:name 的元素
type xmlNamed struct {
	Name string `xml:"name,attr"`
}

// xmlManifest 文本形式 Manifest 的 XML 映射，属性按本地名匹配（忽略 android 命名空间）
type xmlManifest struct {
	XMLName     xml.Name `xml:"manifest"`
	Package     string   `xml:"package,attr"`
	VersionCode string   `xml:"versionCode,attr"`
	VersionName string   `xml:"versionName,attr"`
	UsesSdk     struct {
		MinSdkVersion    string `xml:"minSdkVersion,attr"`
		TargetSdkVersion string `xml:"targetSdkVersion,attr"`
	} `xml:"uses-sdk"`
	UsesPermissions      []xmlNamed `xml:"uses-permission"`
	UsesPermissionsSdk23 []xmlNamed `xml:"uses-permission-sdk-23"`
	Application          struct {
		Label      string     `xml:"label,attr"`
		Activities []xmlNamed `xml:"activity"`
		Services   []xmlNamed `xml:"service"`
		Receivers  []xmlNamed `xml:"receiver"`
		Providers  []xmlNamed `xml:"provider"`
	} `xml:"application"`
}

// decodeManifestXML 解析 apkparser 输出的文本 XML
func decodeManifestXML(data []byte) (*Manifest, error) {
	var x xmlManifest
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return x.resolve(), nil
}

func (x *xmlManifest) resolve() *Manifest {
	m := &Manifest{
		Package:     x.Package,
		VersionName: x.VersionName,
		VersionCode: x.VersionCode,
		MinSDK:      x.UsesSdk.MinSdkVersion,
		TargetSDK:   x.UsesSdk.TargetSdkVersion,
		Label:       x.Application.Label,
	}

	seen := make(map[string]struct{})
	for _, list := range [][]xmlNamed{x.UsesPermissions, x.UsesPermissionsSdk23} {
		for _, p := range list {
			if p.Name == "" {
				continue
			}
			if _, ok := seen[p.Name]; ok {
				continue
			}
			seen[p.Name] = struct{}{}
			m.Permissions = append(m.Permissions, p.Name)
		}
	}

	m.Activities = componentNames(x.Package, x.Application.Activities)
	m.Services = componentNames(x.Package, x.Application.Services)
	m.Receivers = componentNames(x.Package, x.Application.Receivers)
	m.Providers = componentNames(x.Package, x.Application.Providers)
	return m
}

func componentNames(pkg string, items []xmlNamed) []string {
	var names []string
	for _, it := range items {
		if it.Name == "" {
			continue
		}
		names = append(names, ResolveComponentName(pkg, it.Name))
	}
	return names
}

// ResolveComponentName 补全 Manifest 中的相对组件名
//
//	".MainActivity" -> "com.example.MainActivity"
//	"MainActivity"  -> "com.example.MainActivity"
//	"a.b.Receiver"  -> "a.b.Receiver"
func ResolveComponentName(pkg, name string) string {
	if name == "" || pkg == "" {
		return name
	}
	if strings.HasPrefix(name, ".") {
		return pkg + name
	}
	if !strings.Contains(name, ".") {
		return pkg + "." + name
	}
	return name
}
