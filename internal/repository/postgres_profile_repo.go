package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/photodump/internal/model"
)

// PostgresProfileRepo はPostgreSQLに直接接続するプロフィールリポジトリ。
// DATABASE_URLが設定されている場合にPostgRESTの代わりに使用する。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	profile := &model.Profile{}
	var photoURL sql.NullString
	var updatedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, photo_url, updated_at FROM profiles WHERE id = $1`,
		id,
	).Scan(&profile.ID, &profile.DisplayName, &profile.Email, &photoURL, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}

	applyNullable(profile, photoURL, updatedAt)
	return profile, nil
}

// Upsert はIDをキーにプロフィールを挿入または更新し、保存後の行を返す。
func (r *PostgresProfileRepo) Upsert(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	saved := &model.Profile{}
	var photoURL sql.NullString
	var updatedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO profiles (id, display_name, email, photo_url, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (id) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   email = EXCLUDED.email,
		   photo_url = EXCLUDED.photo_url,
		   updated_at = EXCLUDED.updated_at
		 RETURNING id, display_name, email, photo_url, updated_at`,
		p.ID, p.DisplayName, p.Email, nullString(p.PhotoURL),
	).Scan(&saved.ID, &saved.DisplayName, &saved.Email, &photoURL, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}

	applyNullable(saved, photoURL, updatedAt)
	return saved, nil
}

// Update は指定IDのプロフィールを部分更新する。
// 更新対象の行が存在しない場合はエラーを返す。
func (r *PostgresProfileRepo) Update(ctx context.Context, id string, update model.ProfileUpdate) error {
	sets := []string{"updated_at = $2"}
	args := []any{id, update.UpdatedAt}

	if update.DisplayName != nil {
		args = append(args, *update.DisplayName)
		sets = append(sets, fmt.Sprintf("display_name = $%d", len(args)))
	}
	if update.PhotoURL != nil {
		args = append(args, *update.PhotoURL)
		sets = append(sets, fmt.Sprintf("photo_url = $%d", len(args)))
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET `+strings.Join(sets, ", ")+` WHERE id = $1`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("profile not found: %s", id)
	}
	return nil
}

func applyNullable(p *model.Profile, photoURL sql.NullString, updatedAt sql.NullTime) {
	if photoURL.Valid {
		u := photoURL.String
		p.PhotoURL = &u
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		p.UpdatedAt = &t
	}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
