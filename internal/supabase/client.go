// Package supabase はBaaS（Supabase互換のAuth、PostgREST、Storage API）への
// HTTP呼び出しに共通する処理を提供する。
// SDKが扱わない呼び出しのためのリクエスト組み立てとエラーレスポンスの変換、
// コンテキストを受け取らないSDK呼び出しの打ち切りを担う。
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBodySize はエラーレスポンスとして読み取る最大バイト数。
const maxErrorBodySize = 64 << 10

// Endpoint はBaaSの接続先を表す。
type Endpoint struct {
	BaseURL string // 例: https://xyzcompany.supabase.co
	AnonKey string // 公開APIキー
}

// URL はベースURLにパスを連結したURLを返す。
func (e Endpoint) URL(path string) string {
	return strings.TrimRight(e.BaseURL, "/") + path
}

// Error はBaaSが返したエラーレスポンスを表す。
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (status %d, code %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// errorBody はAuth/PostgREST/Storageのエラーボディの和集合。
// サービスごとにフィールド名が異なるため、すべて受け取ってから優先順位で選ぶ。
type errorBody struct {
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	StatusCode       string `json:"statusCode"`
}

// NewRequest はAPIキーと認可ヘッダーを付与したリクエストを生成する。
// accessTokenが空の場合は公開APIキーをBearerトークンとして使う。
// bodyがio.Readerの場合はそのまま、それ以外はJSONにエンコードして送る。
func (e Endpoint) NewRequest(ctx context.Context, method, path string, body any, accessToken string) (*http.Request, error) {
	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, e.URL(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	token := accessToken
	if token == "" {
		token = e.AnonKey
	}
	req.Header.Set("apikey", e.AnonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// Do はリクエストを実行し、2xxの場合はレスポンスボディをoutにデコードする。
// outがnilの場合はボディを読み捨てる。2xx以外は*Errorを返す。
func Do(client *http.Client, req *http.Request, out any) error {
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request failed: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// decodeError は非2xxレスポンスを*Errorに変換する。
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	apiErr := &Error{StatusCode: resp.StatusCode}

	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		apiErr.Message = firstNonEmpty(eb.Message, eb.Msg, eb.ErrorDescription, eb.Error)
		apiErr.Code = firstNonEmpty(eb.ErrorCode, codeString(eb.Code), eb.Error)
		if eb.StatusCode != "" {
			apiErr.Code = firstNonEmpty(apiErr.Code, eb.StatusCode)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// codeString はcodeフィールド（文字列または数値）を文字列に変換する。
func codeString(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case float64:
		return fmt.Sprintf("%.0f", c)
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// StatusCode はerrがBaaSのエラーの場合にHTTPステータスコードを返す。
// それ以外の場合は0を返す。
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsConflict はerrが既存リソースとの衝突（重複キー）を表すかを判定する。
// Storage APIは重複時に409、または400と"Duplicate"コードを返す。
func IsConflict(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusConflict {
		return true
	}
	return strings.EqualFold(apiErr.Code, "Duplicate") || strings.EqualFold(apiErr.Code, "409") ||
		strings.Contains(strings.ToLower(apiErr.Message), "already exists")
}

// Call はコンテキストを受け取らないSDK呼び出しを実行する。
// ctxが先に終わった場合は完了を待たずにctxのエラーを返す。
// 打ち切られた呼び出しはHTTPクライアント側のタイムアウトで終わる。
func Call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
