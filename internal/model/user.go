// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// User はIdPが発行したセッションに紐づくユーザー情報を表す。
// Metadataには外部IdP（Google等）から渡されたuser_metadataがそのまま入る。
type User struct {
	ID       string
	Email    string
	Provider string
	Metadata map[string]any
}

// MetadataString はuser_metadataから文字列値を取り出す。
// キーが存在しない、または文字列でない場合は空文字列を返す。
func (u User) MetadataString(key string) string {
	if u.Metadata == nil {
		return ""
	}
	v, ok := u.Metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Session はIdPが発行した認証済みセッションを表す。
// 同時に保持されるセッションは高々1つで、nilは未認証を意味する。
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
}

// SameAs は2つのセッションが同一の値かを判定する。
// 同一ユーザーかつ同一アクセストークンの場合に同一とみなす。
func (s *Session) SameAs(other *Session) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	return s.User.ID == other.User.ID && s.AccessToken == other.AccessToken
}

// Profile はprofilesテーブルの1行を表す。
// IDはセッションのユーザーIDと一致し、変更されない。
type Profile struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Email       string     `json:"email"`
	PhotoURL    *string    `json:"photo_url"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// Clone はProfileのディープコピーを返す。
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.PhotoURL != nil {
		u := *p.PhotoURL
		c.PhotoURL = &u
	}
	if p.UpdatedAt != nil {
		t := *p.UpdatedAt
		c.UpdatedAt = &t
	}
	return &c
}

// ProfileUpdate はprofilesテーブルの部分更新内容を表す。
// nilフィールドは更新しない。
type ProfileUpdate struct {
	DisplayName *string
	PhotoURL    *string
	UpdatedAt   time.Time
}
