package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/isostore/internal/config"
	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/fetcher"
	"github.com/bigkaa/isostore/internal/repository"
	"github.com/bigkaa/isostore/internal/service"
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

// testAPI — роутер со всеми handlers поверх in-memory репозитория.
type testAPI struct {
	router *chi.Mux
	repo   *repository.MemoryRepository
	store  *filestore.FileStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := testLogger()

	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	repo := repository.NewMemoryRepository()
	tasks := service.NewTaskRunner(logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = tasks.Shutdown(ctx)
	})

	client := fetcher.New(fetcher.Options{ConnectTimeout: 2 * time.Second, MaxRedirects: 5}, logger)
	verifier := service.NewVerifyService(repo, store, hashing.NewEngine(2, logger), testBaseURL, logger)
	importer := service.NewImportService(repo, store, verifier, tasks, testBaseURL, logger)
	reconcile := service.NewReconcileService(repo, store, importer, service.ReconcileOptions{
		Interval:          time.Hour,
		AutoImportEnabled: true,
	}, logger)
	cfg := &config.Config{DBDriver: config.DBDriverMemory, MaxDiskUsagePct: 100, AutoImportEnabled: true}
	maintenance := service.NewMaintenanceService(cfg, repo, store, reconcile, logger)

	assets := NewAssetsHandler(
		service.NewCatalogService(repo, store, []string{".iso", ".img"}, logger),
		service.NewAcquireService(repo, store, verifier, client, allowAll{}, tasks, service.AcquireOptions{
			IdleTimeout:      5 * time.Second,
			ProgressInterval: time.Millisecond,
			MaxConcurrent:    2,
		}, logger),
		service.NewUploadService(repo, store, verifier, tasks, 1<<20, 0, logger),
		importer,
		verifier,
		service.NewUpdateService(repo, client, allowAll{}, service.NewManifestCache(16, time.Minute), logger),
		logger,
	)

	api := NewAPIHandler(
		assets,
		NewFilesHandler(store, logger),
		NewSystemHandler(maintenance, logger),
		NewMaintenanceHandler(maintenance, logger),
		NewHealthHandler(repo, store, nil),
	)
	router := chi.NewRouter()
	api.Register(router)

	return &testAPI{router: router, repo: repo, store: store}
}

// do выполняет запрос к роутеру.
func (a *testAPI) do(t *testing.T, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// doJSON отправляет тело в JSON.
func (a *testAPI) doJSON(t *testing.T, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("json.Marshal: %v", err)
		}
		body = bytes.NewReader(data)
	}
	return a.do(t, method, target, body, http.Header{"Content-Type": {"application/json"}})
}

func (a *testAPI) writeFile(t *testing.T, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(a.store.Dir(), name), data, 0o640); err != nil {
		t.Fatalf("запись %s: %v", name, err)
	}
}

func (a *testAPI) insert(t *testing.T, filename string, status model.AssetStatus) *model.Asset {
	t.Helper()
	asset := &model.Asset{
		Name:      filename,
		Filename:  filename,
		Category:  "other",
		Tags:      []string{},
		AddMethod: model.AddMethodImport,
		Status:    status,
		FilePath:  a.store.FullPath(filename),
	}
	if err := a.repo.Insert(context.Background(), asset); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return asset
}

// waitSettled ждёт, пока запись не покинет активные состояния.
func (a *testAPI) waitSettled(t *testing.T, id int64) *model.Asset {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		asset, err := a.repo.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("GetByID(%d): %v", id, err)
		}
		if !asset.Status.Active() {
			return asset
		}
		if time.Now().After(deadline) {
			t.Fatalf("образ %d не вышел из состояния %s", id, asset.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// decode разбирает JSON-ответ.
func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("разбор ответа %q: %v", rec.Body.String(), err)
	}
	return v
}

// errorCode извлекает error.code из ответа ошибки.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}](t, rec)
	return body.Error.Code
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("ожидался статус %d, получен %d: %s", want, rec.Code, rec.Body.String())
	}
}
