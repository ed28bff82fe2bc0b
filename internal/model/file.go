package model

import (
	"bytes"
	"io"
	"net/http"
	"path/filepath"
	"strings"
)

// File はアップロード対象のファイル1件を表す。
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Reader はファイル内容を読み出すReaderを返す。呼び出しごとに先頭から読み出す。
func (f File) Reader() io.Reader {
	return bytes.NewReader(f.Data)
}

// DetectedContentType はContentTypeを返す。未設定の場合は内容から判定する。
func (f File) DetectedContentType() string {
	if f.ContentType != "" {
		return f.ContentType
	}
	return http.DetectContentType(f.Data)
}

// Ext はファイル名の拡張子（ドットなし）を返す。拡張子がない場合は空文字列を返す。
func (f File) Ext() string {
	return strings.TrimPrefix(filepath.Ext(f.Name), ".")
}
