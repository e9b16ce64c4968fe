package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/isostore/internal/domain/model"
)

// newTestAsset возвращает запись, готовую к Insert.
func newTestAsset(filename string, status model.AssetStatus) *model.Asset {
	return &model.Asset{
		Name:       filename,
		Filename:   filename,
		Category:   "linux",
		FileFormat: model.FileFormatOf(filename),
		AddMethod:  model.AddMethodURL,
		SourceURL:  model.StringPtr("https://mirror.example.com/" + filename),
		Status:     status,
		FilePath:   "/data/" + filename,
	}
}

// runRepositoryContract прогоняет общий набор проверок для любой
// реализации AssetRepository. newRepo должен возвращать пустой репозиторий.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) AssetRepository) {
	t.Run("InsertGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		a := newTestAsset("ubuntu-24.04.iso", model.StatusDownloading)
		a.Tags = []string{"lts", "server"}
		if err := repo.Insert(ctx, a); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if a.ID == 0 {
			t.Fatal("ожидался ненулевой ID после Insert")
		}
		if a.CreatedAt.IsZero() {
			t.Error("ожидалось заполненное created_at")
		}

		got, err := repo.GetByID(ctx, a.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Filename != "ubuntu-24.04.iso" || got.Status != model.StatusDownloading {
			t.Errorf("получено %s/%s", got.Filename, got.Status)
		}
		if len(got.Tags) != 2 || got.Tags[0] != "lts" {
			t.Errorf("теги: ожидалось [lts server], получено %v", got.Tags)
		}
		if got.FileFormat == nil || *got.FileFormat != "iso" {
			t.Errorf("file_format: ожидалось iso, получено %v", got.FileFormat)
		}

		byName, err := repo.GetByFilename(ctx, "ubuntu-24.04.iso")
		if err != nil {
			t.Fatalf("GetByFilename: %v", err)
		}
		if byName.ID != a.ID {
			t.Errorf("ожидался ID %d, получено %d", a.ID, byName.ID)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		if _, err := repo.GetByID(ctx, 999); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByID: ожидалось ErrNotFound, получено %v", err)
		}
		if _, err := repo.GetByFilename(ctx, "nope.iso"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByFilename: ожидалось ErrNotFound, получено %v", err)
		}
		if err := repo.Delete(ctx, 999); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete: ожидалось ErrNotFound, получено %v", err)
		}
		err := repo.UpdateFields(ctx, 999, Fields{FieldIsFavorite: true})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateFields: ожидалось ErrNotFound, получено %v", err)
		}
	})

	t.Run("DuplicateFilename", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		if err := repo.Insert(ctx, newTestAsset("dup.iso", model.StatusAvailable)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		err := repo.Insert(ctx, newTestAsset("dup.iso", model.StatusVerifying))
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("ожидалось ErrConflict, получено %v", err)
		}
		n, _ := repo.Count(ctx, model.ListFilters{})
		if n != 1 {
			t.Errorf("ожидалась 1 запись, получено %d", n)
		}
	})

	t.Run("UpdateFields", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		a := newTestAsset("debian.iso", model.StatusDownloading)
		if err := repo.Insert(ctx, a); err != nil {
			t.Fatalf("Insert: %v", err)
		}

		now := time.Now().UTC().Truncate(time.Second)
		err := repo.UpdateFields(ctx, a.ID, Fields{
			FieldStatus:           model.StatusAvailable,
			FieldDownloadProgress: 100,
			FieldSizeBytes:        int64(4096),
			FieldSHA256:           "abc",
			FieldChecksumVerified: true,
			FieldLastUpdateCheck:  now,
			FieldErrorMessage:     nil,
		})
		if err != nil {
			t.Fatalf("UpdateFields: %v", err)
		}

		got, _ := repo.GetByID(ctx, a.ID)
		if got.Status != model.StatusAvailable || got.DownloadProgress != 100 || got.SizeBytes != 4096 {
			t.Errorf("получено %s/%d/%d", got.Status, got.DownloadProgress, got.SizeBytes)
		}
		if got.SHA256 == nil || *got.SHA256 != "abc" {
			t.Errorf("sha256: получено %v", got.SHA256)
		}
		if got.ChecksumVerified == nil || !*got.ChecksumVerified {
			t.Errorf("checksum_verified: получено %v", got.ChecksumVerified)
		}
		if got.LastUpdateCheck == nil || !got.LastUpdateCheck.Equal(now) {
			t.Errorf("last_update_check: ожидалось %v, получено %v", now, got.LastUpdateCheck)
		}
		if got.ErrorMessage != nil {
			t.Errorf("error_message: ожидалось NULL, получено %q", *got.ErrorMessage)
		}
		// Неизменённые поля сохраняются
		if got.SourceURL == nil || *got.SourceURL != "https://mirror.example.com/debian.iso" {
			t.Errorf("source_url изменился: %v", got.SourceURL)
		}
	})

	t.Run("UpdateFieldsIf", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		a := newTestAsset("rocky.iso", model.StatusAvailable)
		if err := repo.Insert(ctx, a); err != nil {
			t.Fatalf("Insert: %v", err)
		}

		ok, err := repo.UpdateFieldsIf(ctx, a.ID, model.StatusAvailable, Fields{FieldStatus: model.StatusMissing})
		if err != nil || !ok {
			t.Fatalf("ожидался успешный переход, получено ok=%v err=%v", ok, err)
		}
		// Запись уже в missing — условие не выполняется
		ok, err = repo.UpdateFieldsIf(ctx, a.ID, model.StatusAvailable, Fields{FieldStatus: model.StatusMissing})
		if err != nil || ok {
			t.Fatalf("ожидался отказ, получено ok=%v err=%v", ok, err)
		}
		got, _ := repo.GetByID(ctx, a.ID)
		if got.Status != model.StatusMissing {
			t.Errorf("ожидалось missing, получено %s", got.Status)
		}
	})

	t.Run("InvalidFields", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		a := newTestAsset("alpine.iso", model.StatusAvailable)
		if err := repo.Insert(ctx, a); err != nil {
			t.Fatalf("Insert: %v", err)
		}

		cases := []Fields{
			{},
			{Field("filename"): "other.iso"},
			{FieldStatus: model.AssetStatus("bogus")},
			{FieldDownloadProgress: "50"},
		}
		for _, f := range cases {
			if err := repo.UpdateFields(ctx, a.ID, f); err == nil {
				t.Errorf("ожидалась ошибка для %v", f)
			}
		}
	})

	t.Run("ListWhereAndFilters", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		seed := []struct {
			name   string
			status model.AssetStatus
			fav    bool
		}{
			{"a.iso", model.StatusAvailable, true},
			{"b.iso", model.StatusDownloading, false},
			{"c.img", model.StatusMissing, false},
			{"d.iso", model.StatusError, true},
			{"e.qcow2", model.StatusVerifying, false},
		}
		for _, s := range seed {
			a := newTestAsset(s.name, s.status)
			a.IsFavorite = s.fav
			a.SizeBytes = 10
			if err := repo.Insert(ctx, a); err != nil {
				t.Fatalf("Insert %s: %v", s.name, err)
			}
		}

		inactive, err := repo.ListWhere(ctx, NotActive())
		if err != nil {
			t.Fatalf("ListWhere: %v", err)
		}
		if len(inactive) != 3 {
			t.Errorf("ожидалось 3 неактивных записи, получено %d", len(inactive))
		}
		for _, a := range inactive {
			if a.Status.Active() {
				t.Errorf("активная запись %s в выборке NotActive", a.Filename)
			}
		}

		onlyMissing, _ := repo.ListWhere(ctx, StatusPredicate{In: []model.AssetStatus{model.StatusMissing}})
		if len(onlyMissing) != 1 || onlyMissing[0].Filename != "c.img" {
			t.Errorf("ожидалась только c.img, получено %d записей", len(onlyMissing))
		}

		favs, _ := repo.List(ctx, model.ListFilters{FavoritesOnly: true}, 10, 0)
		if len(favs) != 2 {
			t.Errorf("ожидалось 2 избранных, получено %d", len(favs))
		}

		found, _ := repo.List(ctx, model.ListFilters{Query: "QCOW"}, 10, 0)
		if len(found) != 1 || found[0].Filename != "e.qcow2" {
			t.Errorf("поиск без учёта регистра: ожидалась e.qcow2, получено %d записей", len(found))
		}

		// Пагинация: новые первыми
		page1, _ := repo.List(ctx, model.ListFilters{}, 2, 0)
		page3, _ := repo.List(ctx, model.ListFilters{}, 2, 4)
		if len(page1) != 2 || len(page3) != 1 {
			t.Fatalf("страницы: ожидалось 2 и 1, получено %d и %d", len(page1), len(page3))
		}
		if page1[0].Filename != "e.qcow2" || page3[0].Filename != "a.iso" {
			t.Errorf("порядок: получено %s ... %s", page1[0].Filename, page3[0].Filename)
		}

		tracked, _ := repo.TrackedFilenames(ctx, []string{"a.iso", "zzz.iso", "c.img"})
		if len(tracked) != 2 {
			t.Errorf("ожидалось 2 отслеживаемых имени, получено %v", tracked)
		}

		stats, err := repo.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Total != 5 || stats.Favorites != 2 || stats.TotalBytes != 50 {
			t.Errorf("статистика: %+v", stats)
		}
		if stats.ByStatus[model.StatusAvailable] != 1 {
			t.Errorf("available: ожидалось 1, получено %d", stats.ByStatus[model.StatusAvailable])
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		a := newTestAsset("gone.iso", model.StatusAvailable)
		if err := repo.Insert(ctx, a); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := repo.Delete(ctx, a.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		// Имя освобождается
		if err := repo.Insert(ctx, newTestAsset("gone.iso", model.StatusVerifying)); err != nil {
			t.Errorf("повторный Insert после Delete: %v", err)
		}
	})

	t.Run("Maintenance", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		m, ok := repo.(Maintainer)
		if !ok {
			t.Fatal("репозиторий должен поддерживать обслуживание")
		}
		a := newTestAsset("kept.iso", model.StatusAvailable)
		if err := repo.Insert(ctx, a); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := m.Vacuum(ctx); err != nil {
			t.Fatalf("Vacuum: %v", err)
		}
		if err := m.Reindex(ctx); err != nil {
			t.Fatalf("Reindex: %v", err)
		}
		if _, err := repo.GetByFilename(ctx, "kept.iso"); err != nil {
			t.Errorf("запись после обслуживания: %v", err)
		}
	})
}
