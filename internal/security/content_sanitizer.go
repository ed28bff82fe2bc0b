// Package security はアプリケーションのセキュリティ機能を提供する。
//
// DisplayNameSanitizer はユーザーが入力した表示名からHTMLを除去し、
// プレーンテキストとして保存できる形に正規化する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength は表示名の最大文字数（rune数）。
const MaxDisplayNameLength = 100

// DisplayNameSanitizer は表示名のサニタイズ機能のインターフェースを定義する。
type DisplayNameSanitizer interface {
	// Sanitize はタグを除去し、空白を1つにまとめ、前後の空白を取り除く。
	// MaxDisplayNameLengthを超える部分は切り詰める。
	// 結果が空文字列の場合、呼び出し側は入力を拒否する。
	Sanitize(raw string) string
}

// displayNameSanitizer はDisplayNameSanitizerの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type displayNameSanitizer struct {
	policy *bluemonday.Policy
}

// NewDisplayNameSanitizer はDisplayNameSanitizerの新しいインスタンスを生成する。
// 全てのタグを除去するStrictPolicyを使う。
func NewDisplayNameSanitizer() *displayNameSanitizer {
	return &displayNameSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は表示名をサニタイズする。
func (s *displayNameSanitizer) Sanitize(raw string) string {
	// StrictPolicyは&などをエスケープするため、プレーンテキストに戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > MaxDisplayNameLength {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return text
}
