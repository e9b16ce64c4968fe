package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/isostore/internal/domain/model"
)

// MemoryRepository — потокобезопасный in-memory репозиторий.
// Используется при ISO_DB_DRIVER=memory и в тестах. Не персистентный:
// после рестарта каталог восстанавливается автоимпортом.
// Наружу отдаются только копии записей.
type MemoryRepository struct {
	mu     sync.RWMutex
	assets map[int64]*model.Asset // id → запись
	byName map[string]int64       // filename → id
	nextID int64
	now    func() time.Time
}

// NewMemoryRepository создаёт пустой репозиторий.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		assets: make(map[int64]*model.Asset),
		byName: make(map[string]int64),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ AssetRepository = (*MemoryRepository)(nil)
	_ Maintainer      = (*MemoryRepository)(nil)
)

func (m *MemoryRepository) Insert(_ context.Context, a *model.Asset) error {
	if !a.Status.Valid() {
		return fmt.Errorf("недопустимое состояние %q", a.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[a.Filename]; exists {
		return fmt.Errorf("%w: файл %s уже отслеживается", ErrConflict, a.Filename)
	}

	m.nextID++
	now := m.now()
	a.ID = m.nextID
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Tags == nil {
		a.Tags = []string{}
	}

	m.assets[a.ID] = a.Clone()
	m.byName[a.Filename] = a.ID
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id int64) (*model.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryRepository) GetByFilename(_ context.Context, filename string) (*model.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byName[filename]
	if !ok {
		return nil, ErrNotFound
	}
	return m.assets[id].Clone(), nil
}

func (m *MemoryRepository) TrackedFilenames(_ context.Context, filenames []string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]int64)
	for _, name := range filenames {
		if id, ok := m.byName[name]; ok {
			result[name] = id
		}
	}
	return result, nil
}

func (m *MemoryRepository) UpdateFields(_ context.Context, id int64, fields Fields) error {
	norm, err := fields.normalize()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok {
		return ErrNotFound
	}
	norm.apply(a)
	a.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) UpdateFieldsIf(_ context.Context, id int64, expected model.AssetStatus, fields Fields) (bool, error) {
	norm, err := fields.normalize()
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok || a.Status != expected {
		return false, nil
	}
	norm.apply(a)
	a.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryRepository) ListWhere(_ context.Context, pred StatusPredicate) ([]*model.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*model.Asset, 0, len(m.assets))
	for _, a := range m.assets {
		if pred.Match(a.Status) {
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// filtered возвращает записи по фильтрам, новые первыми. Вызывать под mu.
func (m *MemoryRepository) filtered(filters model.ListFilters) []*model.Asset {
	q := strings.ToLower(filters.Query)
	result := make([]*model.Asset, 0)
	for _, a := range m.assets {
		if filters.Category != "" && a.Category != filters.Category {
			continue
		}
		if filters.OSFamily != "" && (a.OSFamily == nil || *a.OSFamily != filters.OSFamily) {
			continue
		}
		if filters.Architecture != "" && (a.Architecture == nil || *a.Architecture != filters.Architecture) {
			continue
		}
		if filters.Edition != "" && (a.Edition == nil || *a.Edition != filters.Edition) {
			continue
		}
		if filters.Status != "" && a.Status != filters.Status {
			continue
		}
		if filters.FavoritesOnly && !a.IsFavorite {
			continue
		}
		if q != "" && !matchesQuery(a, q) {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result
}

func matchesQuery(a *model.Asset, q string) bool {
	if strings.Contains(strings.ToLower(a.Name), q) || strings.Contains(strings.ToLower(a.Filename), q) {
		return true
	}
	return a.Description != nil && strings.Contains(strings.ToLower(*a.Description), q)
}

func (m *MemoryRepository) List(_ context.Context, filters model.ListFilters, limit, offset int) ([]*model.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.filtered(filters)
	if offset >= len(all) {
		return []*model.Asset{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}

	result := make([]*model.Asset, 0, end-offset)
	for _, a := range all[offset:end] {
		result = append(result, a.Clone())
	}
	return result, nil
}

func (m *MemoryRepository) Count(_ context.Context, filters model.ListFilters) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filtered(filters)), nil
}

func (m *MemoryRepository) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byName, a.Filename)
	delete(m.assets, id)
	return nil
}

func (m *MemoryRepository) Stats(_ context.Context) (*model.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &model.Stats{ByStatus: make(map[model.AssetStatus]int)}
	for _, a := range m.assets {
		stats.Total++
		stats.ByStatus[a.Status]++
		stats.TotalBytes += a.SizeBytes
		if a.IsFavorite {
			stats.Favorites++
		}
	}
	return stats, nil
}

// Ping всегда успешен.
func (m *MemoryRepository) Ping(context.Context) error { return nil }

// Vacuum и Reindex — пустые операции: in-memory каталогу нечего сжимать.
func (m *MemoryRepository) Vacuum(context.Context) error  { return nil }
func (m *MemoryRepository) Reindex(context.Context) error { return nil }
