package repository

import (
	"database/sql"
	"testing"
	"time"

	"github.com/hitoshi/photodump/internal/model"
)

// PostgresProfileRepoはProfileRepositoryインターフェースを満たすことを検証
func TestPostgresProfileRepo_ImplementsInterface(t *testing.T) {
	var _ ProfileRepository = (*PostgresProfileRepo)(nil)
}

// NewPostgresProfileRepoが正しく初期化されることを検証
func TestNewPostgresProfileRepo_Initializes(t *testing.T) {
	repo := NewPostgresProfileRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// NULL許容カラムがポインタに変換されることを検証
func TestApplyNullable_SetsPointersOnlyForValidValues(t *testing.T) {
	now := time.Date(2025, 8, 9, 14, 41, 0, 0, time.UTC)

	profile := &model.Profile{ID: "user-1"}
	applyNullable(profile, sql.NullString{}, sql.NullTime{})
	if profile.PhotoURL != nil {
		t.Errorf("PhotoURL = %v, want nil", *profile.PhotoURL)
	}
	if profile.UpdatedAt != nil {
		t.Errorf("UpdatedAt = %v, want nil", *profile.UpdatedAt)
	}

	applyNullable(profile,
		sql.NullString{String: "https://example.com/a.png", Valid: true},
		sql.NullTime{Time: now, Valid: true},
	)
	if profile.PhotoURL == nil || *profile.PhotoURL != "https://example.com/a.png" {
		t.Errorf("PhotoURL = %v, want https://example.com/a.png", profile.PhotoURL)
	}
	if profile.UpdatedAt == nil || !profile.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", profile.UpdatedAt, now)
	}
}

func TestNullString(t *testing.T) {
	if ns := nullString(nil); ns.Valid {
		t.Error("nullString(nil) should be invalid")
	}
	s := "x"
	if ns := nullString(&s); !ns.Valid || ns.String != "x" {
		t.Errorf("nullString(&x) = %+v, want valid x", ns)
	}
}
