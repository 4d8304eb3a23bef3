package sink

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-feature-go/internal/features"
)

func testSchema(t *testing.T) *features.Schema {
	t.Helper()
	s, err := features.NewSchema("test", []string{"READ_SMS", "INTERNET", "Ljava.lang.Class->getMethods", "a,b"})
	require.NoError(t, err)
	return s
}

// TestWriteCSV 测试两行输出格式
func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, testSchema(t), features.Vector{1, 0, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, "READ_SMS,INTERNET,Ljava.lang.Class->getMethods,\"a,b\"\r\n1,0,1,0\r\n", buf.String())
}

// TestWriteCSV_CRLF 每行都以 \r\n 结尾，没有裸 \n
func TestWriteCSV_CRLF(t *testing.T) {
	s, err := features.NewSchema("test", []string{"READ_SMS", "INTERNET", "Ljava.lang.Class->getMethods"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, s, features.Vector{1, 0, 0}))
	assert.Equal(t, "READ_SMS,INTERNET,Ljava.lang.Class->getMethods\r\n1,0,0\r\n", buf.String())
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
	assert.Equal(t, 2, strings.Count(buf.String(), "\r\n"))
}

// TestWriteCSV_LengthMismatch 长度不一致时拒绝写出
func TestWriteCSV_LengthMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, testSchema(t), features.Vector{1, 0})
	assert.Error(t, err)
	assert.Zero(t, buf.Len())
}

// TestWriteCSVFile 测试写文件与读回
func TestWriteCSVFile(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "out", "features.csv")
	want := features.Vector{0, 1, 1, 0}
	require.NoError(t, WriteCSVFile(path, s, want))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	got, err := ReadCSV(f, s)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestReadCSV_Invalid 测试表头或数据不合法
func TestReadCSV_Invalid(t *testing.T) {
	s := testSchema(t)
	cases := map[string]string{
		"one row":      "READ_SMS,INTERNET,Ljava.lang.Class->getMethods,\"a,b\"\n",
		"wrong header": "READ_SMS,SEND_SMS,Ljava.lang.Class->getMethods,\"a,b\"\n1,0,0,0\n",
		"not a number": "READ_SMS,INTERNET,Ljava.lang.Class->getMethods,\"a,b\"\n1,x,0,0\n",
		"out of range": "READ_SMS,INTERNET,Ljava.lang.Class->getMethods,\"a,b\"\n1,2,0,0\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(in), s)
			assert.Error(t, err)
		})
	}
}
