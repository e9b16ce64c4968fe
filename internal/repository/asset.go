package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/isostore/internal/domain/model"
)

// Pool — пул подключений: запросы и ping. Реализуется *pgxpool.Pool.
type Pool interface {
	DBTX
	Ping(ctx context.Context) error
}

// assetColumns — порядок столбцов в SELECT и scanAsset.
const assetColumns = `id, name, filename, category, os_family, edition, file_format, version,
	architecture, description, tags, is_favorite, add_method, source_url,
	sha256, sha512, md5, expected_checksum, checksum_type, checksum_verified,
	upstream_sha256, update_available, last_update_check,
	status, download_progress, error_message, size_bytes, file_path, http_url,
	created_at, updated_at`

// pgAssetRepo — реализация AssetRepository на PostgreSQL.
type pgAssetRepo struct {
	db Pool
}

var _ Maintainer = (*pgAssetRepo)(nil)

// NewPostgresRepository создаёт репозиторий образов на PostgreSQL.
func NewPostgresRepository(db Pool) AssetRepository {
	return &pgAssetRepo{db: db}
}

func (r *pgAssetRepo) Insert(ctx context.Context, a *model.Asset) error {
	query := `
		INSERT INTO assets (name, filename, category, os_family, edition, file_format, version,
			architecture, description, tags, is_favorite, add_method, source_url,
			sha256, sha512, md5, expected_checksum, checksum_type, checksum_verified,
			status, download_progress, error_message, size_bytes, file_path, http_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		RETURNING id, created_at, updated_at`

	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}

	err := r.db.QueryRow(ctx, query,
		a.Name, a.Filename, a.Category, a.OSFamily, a.Edition, a.FileFormat, a.Version,
		a.Architecture, a.Description, tags, a.IsFavorite, string(a.AddMethod), a.SourceURL,
		a.SHA256, a.SHA512, a.MD5, a.ExpectedChecksum, a.ChecksumType, a.ChecksumVerified,
		string(a.Status), a.DownloadProgress, a.ErrorMessage, a.SizeBytes, a.FilePath, a.HTTPURL,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл %s уже отслеживается", ErrConflict, a.Filename)
		}
		return fmt.Errorf("ошибка создания записи образа: %w", err)
	}
	return nil
}

func (r *pgAssetRepo) GetByID(ctx context.Context, id int64) (*model.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1`
	a, err := scanAsset(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения образа: %w", err)
	}
	return a, nil
}

func (r *pgAssetRepo) GetByFilename(ctx context.Context, filename string) (*model.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE filename = $1`
	a, err := scanAsset(r.db.QueryRow(ctx, query, filename))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения образа: %w", err)
	}
	return a, nil
}

func (r *pgAssetRepo) TrackedFilenames(ctx context.Context, filenames []string) (map[string]int64, error) {
	result := make(map[string]int64)
	if len(filenames) == 0 {
		return result, nil
	}

	rows, err := r.db.Query(ctx, `SELECT filename, id FROM assets WHERE filename = ANY($1)`, filenames)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки имён файлов: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования имени файла: %w", err)
		}
		result[name] = id
	}
	return result, rows.Err()
}

// buildSet строит SET-часть UPDATE; аргументы начинаются с startArg.
func buildSet(fields Fields, startArg int) (string, []any) {
	names := fields.sortedNames()
	parts := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names))
	for i, name := range names {
		parts = append(parts, fmt.Sprintf("%s = $%d", name, startArg+i))
		args = append(args, sqlValue(fields[name]))
	}
	parts = append(parts, "updated_at = now()")
	return strings.Join(parts, ", "), args
}

func (r *pgAssetRepo) UpdateFields(ctx context.Context, id int64, fields Fields) error {
	norm, err := fields.normalize()
	if err != nil {
		return err
	}

	set, args := buildSet(norm, 2)
	query := fmt.Sprintf(`UPDATE assets SET %s WHERE id = $1`, set)

	tag, err := r.db.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("ошибка обновления образа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgAssetRepo) UpdateFieldsIf(ctx context.Context, id int64, expected model.AssetStatus, fields Fields) (bool, error) {
	norm, err := fields.normalize()
	if err != nil {
		return false, err
	}

	set, args := buildSet(norm, 3)
	query := fmt.Sprintf(`UPDATE assets SET %s WHERE id = $1 AND status = $2`, set)

	tag, err := r.db.Exec(ctx, query, append([]any{id, string(expected)}, args...)...)
	if err != nil {
		return false, fmt.Errorf("ошибка условного обновления образа: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgAssetRepo) ListWhere(ctx context.Context, pred StatusPredicate) ([]*model.Asset, error) {
	var conditions []string
	var args []any
	if len(pred.In) > 0 {
		args = append(args, statusStrings(pred.In))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(pred.NotIn) > 0 {
		args = append(args, statusStrings(pred.NotIn))
		conditions = append(conditions, fmt.Sprintf("status <> ALL($%d)", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	query := `SELECT ` + assetColumns + ` FROM assets ` + where + ` ORDER BY id`
	return r.queryAssets(ctx, query, args...)
}

// buildAssetWhere строит WHERE-условие и аргументы для фильтрации списка.
func buildAssetWhere(filters model.ListFilters, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	add := func(cond string, v any) {
		conditions = append(conditions, fmt.Sprintf(cond, argNum))
		args = append(args, v)
		argNum++
	}

	if filters.Category != "" {
		add("category = $%d", filters.Category)
	}
	if filters.OSFamily != "" {
		add("os_family = $%d", filters.OSFamily)
	}
	if filters.Architecture != "" {
		add("architecture = $%d", filters.Architecture)
	}
	if filters.Edition != "" {
		add("edition = $%d", filters.Edition)
	}
	if filters.Status != "" {
		add("status = $%d", string(filters.Status))
	}
	if filters.FavoritesOnly {
		conditions = append(conditions, "is_favorite")
	}
	if filters.Query != "" {
		pattern := "%" + escapeLike(filters.Query) + "%"
		conditions = append(conditions, fmt.Sprintf(
			"(name ILIKE $%d OR filename ILIKE $%d OR COALESCE(description, '') ILIKE $%d)",
			argNum, argNum, argNum))
		args = append(args, pattern)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *pgAssetRepo) List(ctx context.Context, filters model.ListFilters, limit, offset int) ([]*model.Asset, error) {
	where, args := buildAssetWhere(filters, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`SELECT %s FROM assets %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, assetColumns, where, argNum, argNum+1)
	args = append(args, limit, offset)

	return r.queryAssets(ctx, query, args...)
}

func (r *pgAssetRepo) Count(ctx context.Context, filters model.ListFilters) (int, error) {
	where, args := buildAssetWhere(filters, 1)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM assets %s`, where)

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта образов: %w", err)
	}
	return count, nil
}

func (r *pgAssetRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления образа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgAssetRepo) Stats(ctx context.Context) (*model.Stats, error) {
	query := `
		SELECT status, COUNT(*), COALESCE(SUM(size_bytes), 0),
			COUNT(*) FILTER (WHERE is_favorite)
		FROM assets
		GROUP BY status`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики: %w", err)
	}
	defer rows.Close()

	stats := &model.Stats{ByStatus: make(map[model.AssetStatus]int)}
	for rows.Next() {
		var status string
		var count, favorites int
		var size int64
		if err := rows.Scan(&status, &count, &size, &favorites); err != nil {
			return nil, fmt.Errorf("ошибка сканирования статистики: %w", err)
		}
		stats.ByStatus[model.AssetStatus(status)] = count
		stats.Total += count
		stats.TotalBytes += size
		stats.Favorites += favorites
	}
	return stats, rows.Err()
}

func (r *pgAssetRepo) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// Vacuum выполняет VACUUM (ANALYZE). VACUUM нельзя выполнять в блоке
// транзакции, поэтому запрос идёт простым протоколом.
func (r *pgAssetRepo) Vacuum(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, `VACUUM (ANALYZE) assets`, pgx.QueryExecModeSimpleProtocol); err != nil {
		return fmt.Errorf("VACUUM assets: %w", err)
	}
	return nil
}

func (r *pgAssetRepo) Reindex(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, `REINDEX TABLE assets`); err != nil {
		return fmt.Errorf("REINDEX assets: %w", err)
	}
	return nil
}

func (r *pgAssetRepo) queryAssets(ctx context.Context, query string, args ...any) ([]*model.Asset, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка образов: %w", err)
	}
	defer rows.Close()

	var result []*model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования образа: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// scanAsset читает строку в порядке assetColumns.
func scanAsset(row pgx.Row) (*model.Asset, error) {
	a := &model.Asset{}
	var addMethod, status string
	err := row.Scan(
		&a.ID, &a.Name, &a.Filename, &a.Category, &a.OSFamily, &a.Edition, &a.FileFormat, &a.Version,
		&a.Architecture, &a.Description, &a.Tags, &a.IsFavorite, &addMethod, &a.SourceURL,
		&a.SHA256, &a.SHA512, &a.MD5, &a.ExpectedChecksum, &a.ChecksumType, &a.ChecksumVerified,
		&a.UpstreamSHA256, &a.UpdateAvailable, &a.LastUpdateCheck,
		&status, &a.DownloadProgress, &a.ErrorMessage, &a.SizeBytes, &a.FilePath, &a.HTTPURL,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.AddMethod = model.AddMethod(addMethod)
	a.Status = model.AssetStatus(status)
	return a, nil
}

func statusStrings(list []model.AssetStatus) []string {
	result := make([]string, len(list))
	for i, st := range list {
		result[i] = string(st)
	}
	return result
}

// escapeLike экранирует спецсимволы LIKE (экранирующий символ по умолчанию — \).
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
