// Package model はドメインモデルを定義する。
package model

import "time"

// StoredObject はオブジェクトストレージのlist結果の1件を表す。
type StoredObject struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// ImageEntry はギャラリーに表示する画像1件を表す。
// PublicURLは短時間（既定60秒）で失効する署名付きURLで、永続化もシリアライズもしない。
type ImageEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PublicURL string `json:"-"`
}
