// Пакет repository — хранение записей об образах.
//
// AssetRepository реализован дважды: PostgreSQL (pgx, чистый SQL без ORM)
// для рабочего режима и in-memory для разработки и тестов. Обе реализации
// обновляют записи только точечными наборами полей (Fields), без
// read-modify-write всей записи.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/isostore/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (файл с таким именем уже отслеживается).
	ErrConflict = errors.New("конфликт — запись уже существует")
)

// AssetRepository — операции над записями образов.
type AssetRepository interface {
	// Insert создаёт запись; заполняет ID, CreatedAt, UpdatedAt.
	// ErrConflict — имя файла уже занято.
	Insert(ctx context.Context, a *model.Asset) error
	// GetByID возвращает запись по идентификатору.
	GetByID(ctx context.Context, id int64) (*model.Asset, error)
	// GetByFilename возвращает запись по имени файла.
	GetByFilename(ctx context.Context, filename string) (*model.Asset, error)
	// TrackedFilenames возвращает отображение имя → ID для отслеживаемых имён из списка.
	TrackedFilenames(ctx context.Context, filenames []string) (map[string]int64, error)
	// UpdateFields атомарно выставляет набор полей и updated_at.
	UpdateFields(ctx context.Context, id int64, fields Fields) error
	// UpdateFieldsIf — то же, но только если текущее состояние равно expected.
	// Возвращает false, если запись в другом состоянии.
	UpdateFieldsIf(ctx context.Context, id int64, expected model.AssetStatus, fields Fields) (bool, error)
	// ListWhere возвращает записи, удовлетворяющие предикату по состоянию.
	ListWhere(ctx context.Context, pred StatusPredicate) ([]*model.Asset, error)
	// List возвращает страницу записей по фильтрам, новые первыми.
	List(ctx context.Context, filters model.ListFilters, limit, offset int) ([]*model.Asset, error)
	// Count возвращает число записей по фильтрам.
	Count(ctx context.Context, filters model.ListFilters) (int, error)
	// Delete удаляет запись.
	Delete(ctx context.Context, id int64) error
	// Stats возвращает сводку по каталогу.
	Stats(ctx context.Context) (*model.Stats, error)
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
}

// Maintainer — обслуживание физического хранилища каталога.
type Maintainer interface {
	// Vacuum освобождает место после удалений и обновляет статистику планировщика.
	Vacuum(ctx context.Context) error
	// Reindex перестраивает индексы каталога.
	Reindex(ctx context.Context) error
}

// StatusPredicate — фильтр по состоянию. Пустые списки не ограничивают.
type StatusPredicate struct {
	In    []model.AssetStatus
	NotIn []model.AssetStatus
}

// NotActive — записи, которыми не владеет незавершённая операция.
func NotActive() StatusPredicate {
	return StatusPredicate{NotIn: model.ActiveStatuses}
}

// Match проверяет запись на соответствие предикату.
func (p StatusPredicate) Match(st model.AssetStatus) bool {
	if len(p.In) > 0 && !containsStatus(p.In, st) {
		return false
	}
	return !containsStatus(p.NotIn, st)
}

func containsStatus(list []model.AssetStatus, st model.AssetStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
