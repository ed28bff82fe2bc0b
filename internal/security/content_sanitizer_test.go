package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// TestSanitize_DisplayNames は表示名のサニタイズ結果を検証する。
func TestSanitize_DisplayNames(t *testing.T) {
	sanitizer := NewDisplayNameSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "プレーンテキストはそのまま", input: "Jane", want: "Jane"},
		{name: "日本語はそのまま", input: "山田 太郎", want: "山田 太郎"},
		{name: "前後の空白を除去する", input: "  Jane Doe  ", want: "Jane Doe"},
		{name: "連続する空白を1つにまとめる", input: "Jane \t\n  Doe", want: "Jane Doe"},
		{name: "タグを除去する", input: "<b>Jane</b>", want: "Jane"},
		{name: "scriptタグは中身ごと除去する", input: "<script>alert(1)</script>Jane", want: "Jane"},
		{name: "イベント属性付きタグを除去する", input: `<img src=x onerror="alert(1)">Jane`, want: "Jane"},
		{name: "アンパサンドはエスケープしない", input: "Tom & Jerry", want: "Tom & Jerry"},
		{name: "タグだけの入力は空になる", input: "<p></p>", want: ""},
		{name: "空白だけの入力は空になる", input: "   ", want: ""},
		{name: "空文字列", input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			if got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitize_TruncatesLongNames は最大長を超える表示名が切り詰められることを検証する。
func TestSanitize_TruncatesLongNames(t *testing.T) {
	sanitizer := NewDisplayNameSanitizer()

	input := strings.Repeat("あ", MaxDisplayNameLength+20)
	got := sanitizer.Sanitize(input)

	if n := utf8.RuneCountInString(got); n != MaxDisplayNameLength {
		t.Errorf("rune count = %d, want %d", n, MaxDisplayNameLength)
	}
}

// TestSanitize_Idempotent は同一入力に対して同一出力を返すことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewDisplayNameSanitizer()

	input := "<em>Jane</em>   Doe"
	first := sanitizer.Sanitize(input)
	second := sanitizer.Sanitize(first)

	if first != second {
		t.Errorf("Sanitize is not idempotent: %q -> %q", first, second)
	}
}

// TestDisplayNameSanitizerInterface はインターフェースを正しく実装していることを検証する。
func TestDisplayNameSanitizerInterface(t *testing.T) {
	var _ DisplayNameSanitizer = NewDisplayNameSanitizer()
}
