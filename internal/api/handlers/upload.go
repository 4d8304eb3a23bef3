package handlers

import (
	"errors"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	errNotAPK       = errors.New("只支持 .apk 文件")
	errFileTooLarge = errors.New("文件超过大小限制")
)

// saveUpload 保存上传文件到 uploadDir/<taskID>_<name>，返回保存路径与原始文件名
func saveUpload(c *gin.Context, header *multipart.FileHeader, uploadDir, taskID string, maxBytes int64) (string, string, error) {
	name := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(name), ".apk") {
		return "", "", errNotAPK
	}
	if maxBytes > 0 && header.Size > maxBytes {
		return "", "", errFileTooLarge
	}

	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return "", "", fmt.Errorf("创建上传目录失败: %w", err)
	}
	dst := filepath.Join(uploadDir, taskID+"_"+name)
	if err := c.SaveUploadedFile(header, dst); err != nil {
		return "", "", fmt.Errorf("保存上传文件失败: %w", err)
	}
	return dst, name, nil
}
