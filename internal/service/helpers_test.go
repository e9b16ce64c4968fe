package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/fetcher"
	"github.com/bigkaa/isostore/internal/repository"
	"github.com/bigkaa/isostore/internal/storage/filestore"
	"github.com/bigkaa/isostore/internal/storage/hashing"
)

const testBaseURL = "http://isostore.test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// allowAll пропускает любой URL: тестовые источники слушают 127.0.0.1.
type allowAll struct{}

func (allowAll) Validate(context.Context, string) error { return nil }

// testEnv — набор сервисов поверх in-memory репозитория и временного каталога.
type testEnv struct {
	repo     *repository.MemoryRepository
	store    *filestore.FileStore
	tasks    *TaskRunner
	verifier *VerifyService
	acquire  *AcquireService
	importer *ImportService
	upload   *UploadService
	catalog  *CatalogService
	update   *UpdateService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	repo := repository.NewMemoryRepository()
	tasks := NewTaskRunner(logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = tasks.Shutdown(ctx)
	})

	client := fetcher.New(fetcher.Options{ConnectTimeout: 2 * time.Second, MaxRedirects: 5}, logger)
	verifier := NewVerifyService(repo, store, hashing.NewEngine(2, logger), testBaseURL, logger)

	return &testEnv{
		repo:     repo,
		store:    store,
		tasks:    tasks,
		verifier: verifier,
		acquire: NewAcquireService(repo, store, verifier, client, allowAll{}, tasks, AcquireOptions{
			IdleTimeout:      5 * time.Second,
			ProgressInterval: time.Millisecond,
			MaxConcurrent:    2,
		}, logger),
		importer: NewImportService(repo, store, verifier, tasks, testBaseURL, logger),
		upload:   NewUploadService(repo, store, verifier, tasks, 0, 0, logger),
		catalog:  NewCatalogService(repo, store, []string{".iso", ".img"}, logger),
		update:   NewUpdateService(repo, client, allowAll{}, NewManifestCache(16, time.Minute), logger),
	}
}

// writeFile кладёт файл прямо в каталог хранения.
func (e *testEnv) writeFile(t *testing.T, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.store.Dir(), name), data, 0o640); err != nil {
		t.Fatalf("запись %s: %v", name, err)
	}
}

// insert создаёт запись в заданном состоянии.
func (e *testEnv) insert(t *testing.T, filename string, status model.AssetStatus) *model.Asset {
	t.Helper()
	a := &model.Asset{
		Name:      filename,
		Filename:  filename,
		Category:  "other",
		Tags:      []string{},
		AddMethod: model.AddMethodImport,
		Status:    status,
		FilePath:  e.store.FullPath(filename),
	}
	if err := e.repo.Insert(context.Background(), a); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return a
}

// waitSettled ждёт, пока запись не покинет активные состояния.
func (e *testEnv) waitSettled(t *testing.T, id int64) *model.Asset {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		a, err := e.repo.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("GetByID(%d): %v", id, err)
		}
		if !a.Status.Active() {
			return a
		}
		if time.Now().After(deadline) {
			t.Fatalf("образ %d не вышел из состояния %s", id, a.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func sha256Of(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
