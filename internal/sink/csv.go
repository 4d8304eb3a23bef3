// Package sink 将特征向量写成两行表格：表头为特征名，数据行为向量
package sink

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/apk-analysis/apk-feature-go/internal/features"
)

// WriteCSV 写出表头 + 一行数据，行尾为 \r\n，与模型侧读取的文件逐字节一致
func WriteCSV(w io.Writer, schema *features.Schema, v features.Vector) error {
	if err := v.Validate(schema); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	if err := cw.Write(schema.Names()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(v))
	for i, x := range v {
		row[i] = strconv.Itoa(x)
	}
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile 写入文件；先写临时文件再改名，读者不会看到半截内容
func WriteCSVFile(path string, schema *features.Schema, v features.Vector) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".features-*.csv")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, schema, v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

// ReadCSV 读回两行表格，校验表头与特征表一致
func ReadCSV(r io.Reader, schema *features.Schema) (features.Vector, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) != 2 {
		return nil, fmt.Errorf("expected 2 rows, got %d", len(records))
	}

	header, row := records[0], records[1]
	if len(header) != schema.Len() {
		return nil, fmt.Errorf("header has %d columns, schema %s has %d", len(header), schema.Version(), schema.Len())
	}
	for i, name := range header {
		if name != schema.Name(i) {
			return nil, fmt.Errorf("column %d: got %q, want %q", i, name, schema.Name(i))
		}
	}

	v := features.NewVector(len(row))
	for i, cell := range row {
		x, err := strconv.Atoi(cell)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", header[i], err)
		}
		v[i] = x
	}
	if err := v.Validate(schema); err != nil {
		return nil, err
	}
	return v, nil
}
