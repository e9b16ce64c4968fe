package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/repository"
)

func strPtr(s string) *string { return &s }

func TestCatalog_ListPagination(t *testing.T) {
	env := newTestEnv(t)
	for i := range 25 {
		env.insert(t, fmt.Sprintf("img-%02d.iso", i), model.StatusAvailable)
	}

	page, err := env.catalog.List(context.Background(), model.ListFilters{}, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Limit != DefaultPageLimit || len(page.Items) != DefaultPageLimit {
		t.Errorf("лимит по умолчанию: ожидалось %d, получено %d/%d", DefaultPageLimit, page.Limit, len(page.Items))
	}
	if page.Total != 25 {
		t.Errorf("total: ожидалось 25, получено %d", page.Total)
	}
	if page.Items[0].Filename != "img-24.iso" {
		t.Errorf("новые первыми: получено %s", page.Items[0].Filename)
	}

	page, err = env.catalog.List(context.Background(), model.ListFilters{}, 10, 20)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 5 {
		t.Errorf("последняя страница: ожидалось 5, получено %d", len(page.Items))
	}
}

func TestCatalog_ListValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.catalog.List(ctx, model.ListFilters{}, MaxPageLimit+1, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("limit сверх максимума: ожидалась ErrValidation, получено %v", err)
	}
	if _, err := env.catalog.List(ctx, model.ListFilters{}, 10, -1); !errors.Is(err, ErrValidation) {
		t.Errorf("отрицательный offset: ожидалась ErrValidation, получено %v", err)
	}
	if _, err := env.catalog.List(ctx, model.ListFilters{Status: "broken"}, 10, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("неизвестное состояние: ожидалась ErrValidation, получено %v", err)
	}
}

func TestCatalog_Update(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.insert(t, "u.iso", model.StatusAvailable)
	if err := env.repo.UpdateFields(ctx, a.ID, repository.Fields{
		repository.FieldEdition:          "server",
		repository.FieldChecksumVerified: true,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	tags := []string{"lab", "x86"}
	got, err := env.catalog.Update(ctx, a.ID, MetadataPatch{
		Name:             strPtr("  Новое имя "),
		Edition:          strPtr(""),
		Version:          strPtr("24.04"),
		Tags:             &tags,
		ExpectedChecksum: strPtr("ABCDEF"),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Name != "Новое имя" {
		t.Errorf("name: получено %q", got.Name)
	}
	if got.Edition != nil {
		t.Errorf("edition: пустая строка очищает значение, получено %q", *got.Edition)
	}
	if got.Version == nil || *got.Version != "24.04" {
		t.Errorf("version: получено %v", got.Version)
	}
	if len(got.Tags) != 2 {
		t.Errorf("tags: получено %v", got.Tags)
	}
	if got.ExpectedChecksum == nil || *got.ExpectedChecksum != "abcdef" {
		t.Errorf("expected_checksum: получено %v", got.ExpectedChecksum)
	}
	if got.ChecksumVerified != nil {
		t.Errorf("checksum_verified сбрасывается при смене ожидаемой суммы, получено %v", *got.ChecksumVerified)
	}
}

func TestCatalog_UpdateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.insert(t, "v.iso", model.StatusAvailable)

	for name, patch := range map[string]MetadataPatch{
		"пустое имя":           {Name: strPtr(" ")},
		"пустая категория":     {Category: strPtr("")},
		"неизвестный алгоритм": {ChecksumType: strPtr("crc32")},
	} {
		if _, err := env.catalog.Update(ctx, a.ID, patch); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: ожидалась ErrValidation, получено %v", name, err)
		}
	}
	if _, err := env.catalog.Update(ctx, 999, MetadataPatch{Version: strPtr("1")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("неизвестный ID: ожидалась ErrNotFound, получено %v", err)
	}
}

func TestCatalog_Delete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeFile(t, "keep.iso", []byte("k"))
	keep := env.insert(t, "keep.iso", model.StatusAvailable)
	env.writeFile(t, "drop.iso", []byte("d"))
	drop := env.insert(t, "drop.iso", model.StatusAvailable)
	busy := env.insert(t, "busy.iso", model.StatusUploading)

	if err := env.catalog.Delete(ctx, keep.ID, false); err != nil {
		t.Fatalf("Delete без файла: %v", err)
	}
	if !env.store.FileExists("keep.iso") {
		t.Error("файл keep.iso не должен удаляться")
	}

	if err := env.catalog.Delete(ctx, drop.ID, true); err != nil {
		t.Fatalf("Delete с файлом: %v", err)
	}
	if env.store.FileExists("drop.iso") {
		t.Error("файл drop.iso должен быть удалён")
	}

	if err := env.catalog.Delete(ctx, busy.ID, true); !errors.Is(err, ErrConflict) {
		t.Errorf("активная запись: ожидалась ErrConflict, получено %v", err)
	}
	if err := env.catalog.Delete(ctx, keep.ID, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторное удаление: ожидалась ErrNotFound, получено %v", err)
	}
}

func TestCatalog_ToggleFavorite(t *testing.T) {
	env := newTestEnv(t)
	a := env.insert(t, "f.iso", model.StatusAvailable)

	got, err := env.catalog.ToggleFavorite(context.Background(), a.ID)
	if err != nil || !got.IsFavorite {
		t.Fatalf("первое переключение: %v/%v", got, err)
	}
	got, err = env.catalog.ToggleFavorite(context.Background(), a.ID)
	if err != nil || got.IsFavorite {
		t.Fatalf("второе переключение: %v/%v", got, err)
	}
}

func TestCatalog_ProgressAndActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dl := env.insert(t, "dl.iso", model.StatusDownloading)
	if err := env.repo.UpdateFields(ctx, dl.ID, repository.Fields{repository.FieldDownloadProgress: 42}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	env.insert(t, "ready.iso", model.StatusAvailable)
	env.insert(t, "hash.iso", model.StatusVerifying)

	p, err := env.catalog.Progress(ctx, dl.ID)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.DownloadProgress != 42 || p.Status != model.StatusDownloading {
		t.Errorf("прогресс: получено %+v", p)
	}

	active, err := env.catalog.ActiveDownloads(ctx)
	if err != nil {
		t.Fatalf("ActiveDownloads: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("активных: ожидалось 2, получено %d", len(active))
	}
}

func TestCatalog_Browse(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "tracked.iso", []byte("t"))
	tracked := env.insert(t, "tracked.iso", model.StatusAvailable)
	env.writeFile(t, "loose.IMG", []byte("l"))
	env.writeFile(t, "readme.md", []byte("r"))
	env.writeFile(t, "pending.iso.part", []byte("p"))

	res, err := env.catalog.Browse(context.Background())
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if res.Total != 2 || res.Untracked != 1 {
		t.Fatalf("ожидалось total=2 untracked=1, получено %d/%d", res.Total, res.Untracked)
	}
	for _, f := range res.Files {
		switch f.Filename {
		case "tracked.iso":
			if !f.Tracked || f.AssetID == nil || *f.AssetID != tracked.ID {
				t.Errorf("tracked.iso: получено %+v", f)
			}
		case "loose.IMG":
			if f.Tracked || f.Extension != ".img" {
				t.Errorf("loose.IMG: получено %+v", f)
			}
		default:
			t.Errorf("лишний файл в листинге: %s", f.Filename)
		}
	}
}

func TestCatalog_Stats(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, "a.iso", model.StatusAvailable)
	env.insert(t, "b.iso", model.StatusError)

	stats, err := env.catalog.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 || stats.ByStatus[model.StatusAvailable] != 1 || stats.ByStatus[model.StatusError] != 1 {
		t.Errorf("stats: получено %+v", stats)
	}
}
