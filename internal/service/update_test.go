package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/netguard"
)

var (
	upstreamDigest = strings.Repeat("abc123", 10) + "abcd"
	localDigest    = strings.Repeat("0", 64)
)

// mirror — тестовое зеркало: файлы по путям и счётчик запросов.
type mirror struct {
	mu       sync.Mutex
	files    map[string]string
	status   map[string]int
	requests map[string]int
	length   string
}

func newMirror() *mirror {
	return &mirror{
		files:    map[string]string{},
		status:   map[string]int{},
		requests: map[string]int{},
	}
}

func (m *mirror) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests[r.Method+" "+r.URL.Path]++
	body, ok := m.files[r.URL.Path]
	code := m.status[r.URL.Path]
	length := m.length
	m.mu.Unlock()

	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if r.Method == http.MethodHead && strings.HasSuffix(r.URL.Path, ".iso") {
		w.Header().Set("Content-Length", length)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte(body))
}

func (m *mirror) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[key]
}

func TestCheck_ChecksumFileDiffers(t *testing.T) {
	env := newTestEnv(t)
	m := newMirror()
	m.files["/pub/SHA256SUMS"] = upstreamDigest + "  image.iso\n" + localDigest + "  other.iso\n"
	srv := httptest.NewServer(m)
	defer srv.Close()

	res := env.update.Check(context.Background(), srv.URL+"/pub/image.iso", &localDigest, nil)
	if res.Method != model.UpdateMethodChecksumFile {
		t.Fatalf("method: ожидалось checksum_file, получено %s", res.Method)
	}
	if res.UpdateAvailable == nil || !*res.UpdateAvailable {
		t.Errorf("update_available: ожидалось true, получено %v", res.UpdateAvailable)
	}
	if res.UpstreamSHA256 == nil || *res.UpstreamSHA256 != upstreamDigest {
		t.Errorf("upstream_sha256: получено %v", res.UpstreamSHA256)
	}
	if res.Error != nil {
		t.Errorf("error: ожидалось nil, получено %q", *res.Error)
	}
}

func TestCheck_ChecksumFileMatchesIgnoringCase(t *testing.T) {
	env := newTestEnv(t)
	m := newMirror()
	m.files["/pub/sha256sums"] = strings.ToUpper(upstreamDigest) + " *image.iso\n"
	srv := httptest.NewServer(m)
	defer srv.Close()

	local := upstreamDigest
	res := env.update.Check(context.Background(), srv.URL+"/pub/image.iso", &local, nil)
	if res.Method != model.UpdateMethodChecksumFile {
		t.Fatalf("method: ожидалось checksum_file, получено %s", res.Method)
	}
	if res.UpdateAvailable == nil || *res.UpdateAvailable {
		t.Errorf("update_available: ожидалось false, получено %v", res.UpdateAvailable)
	}
	if m.count("GET /pub/SHA256SUMS") != 1 {
		t.Errorf("SHA256SUMS должен проверяться первым")
	}
}

func TestCheck_ChecksumFileWithoutLocalHash(t *testing.T) {
	env := newTestEnv(t)
	m := newMirror()
	m.files["/pub/SHA256SUMS"] = upstreamDigest + "  image.iso\n"
	srv := httptest.NewServer(m)
	defer srv.Close()

	res := env.update.Check(context.Background(), srv.URL+"/pub/image.iso", nil, nil)
	if res.UpdateAvailable != nil {
		t.Errorf("update_available без локальной суммы: ожидалось nil, получено %v", *res.UpdateAvailable)
	}
	if res.UpstreamSHA256 == nil {
		t.Error("upstream_sha256 должна быть заполнена")
	}
}

func TestCheck_HTTPMetaSizeDiffers(t *testing.T) {
	env := newTestEnv(t)
	m := newMirror()
	m.length = "2048"
	srv := httptest.NewServer(m)
	defer srv.Close()

	size := int64(1024)
	res := env.update.Check(context.Background(), srv.URL+"/pub/image.iso", &localDigest, &size)
	if res.Method != model.UpdateMethodHTTPMeta {
		t.Fatalf("method: ожидалось http_meta, получено %s", res.Method)
	}
	if res.UpdateAvailable == nil || !*res.UpdateAvailable {
		t.Errorf("update_available: ожидалось true, получено %v", res.UpdateAvailable)
	}
	if res.UpstreamSHA256 != nil {
		t.Errorf("upstream_sha256: ожидалось nil, получено %q", *res.UpstreamSHA256)
	}
}

func TestCheck_HTTPMetaInconclusive(t *testing.T) {
	env := newTestEnv(t)
	m := newMirror()
	m.length = "1024"
	srv := httptest.NewServer(m)
	defer srv.Close()

	size := int64(1024)
	res := env.update.Check(context.Background(), srv.URL+"/pub/image.iso", &localDigest, &size)
	if res.Method != model.UpdateMethodHTTPMeta {
		t.Fatalf("method: ожидалось http_meta, получено %s", res.Method)
	}
	if res.UpdateAvailable != nil {
		t.Errorf("совпадение размера ничего не доказывает: получено %v", *res.UpdateAvailable)
	}
	if res.Error == nil || *res.Error != msgInconclusive {
		t.Errorf("error: получено %v", res.Error)
	}
}

func TestCheck_SourceUnreachable(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/pub/image.iso"
	srv.Close()

	res := env.update.Check(context.Background(), url, &localDigest, nil)
	if res.Method != model.UpdateMethodHTTPMeta {
		t.Fatalf("method: ожидалось http_meta, получено %s", res.Method)
	}
	if res.UpdateAvailable != nil {
		t.Errorf("update_available: ожидалось nil, получено %v", *res.UpdateAvailable)
	}
	if res.Error == nil || !strings.HasPrefix(*res.Error, msgSourceUnreachable) {
		t.Errorf("error: получено %v", res.Error)
	}
}

func TestCheck_UnsafeURL(t *testing.T) {
	env := newTestEnv(t)
	svc := NewUpdateService(env.repo, nil, netguard.New(nil), nil, testLogger())

	res := svc.Check(context.Background(), "http://169.254.169.254/latest/meta-data", nil, nil)
	if res.Method != model.UpdateMethodNone {
		t.Errorf("method: ожидалось none, получено %s", res.Method)
	}
	if res.Error == nil || res.UpdateAvailable != nil {
		t.Errorf("ожидалась ошибка без вывода, получено %+v", res)
	}
}

func TestCheck_ManifestCached(t *testing.T) {
	env := newTestEnv(t)
	m := newMirror()
	m.files["/pub/SHA256SUMS"] = upstreamDigest + "  a.iso\n" + localDigest + "  b.iso\n"
	srv := httptest.NewServer(m)
	defer srv.Close()

	resA := env.update.Check(context.Background(), srv.URL+"/pub/a.iso", nil, nil)
	resB := env.update.Check(context.Background(), srv.URL+"/pub/b.iso", nil, nil)

	if resA.UpstreamSHA256 == nil || *resA.UpstreamSHA256 != upstreamDigest {
		t.Errorf("a.iso: получено %v", resA.UpstreamSHA256)
	}
	if resB.UpstreamSHA256 == nil || *resB.UpstreamSHA256 != localDigest {
		t.Errorf("b.iso: получено %v", resB.UpstreamSHA256)
	}
	if n := m.count("GET /pub/SHA256SUMS"); n != 1 {
		t.Errorf("запросов SHA256SUMS: ожидалось 1, получено %d", n)
	}
}

func TestCheck_MissingManifestCachedServerErrorNot(t *testing.T) {
	env := newTestEnv(t)
	m := newMirror()
	m.length = "1"
	m.status["/pub/sha256sums"] = http.StatusInternalServerError
	srv := httptest.NewServer(m)
	defer srv.Close()

	for range 2 {
		env.update.Check(context.Background(), srv.URL+"/pub/image.iso", nil, nil)
	}

	if n := m.count("GET /pub/SHA256SUMS"); n != 1 {
		t.Errorf("404 кэшируется: ожидался 1 запрос, получено %d", n)
	}
	if n := m.count("GET /pub/sha256sums"); n != 2 {
		t.Errorf("5xx не кэшируется: ожидалось 2 запроса, получено %d", n)
	}
	if n := m.count("HEAD /pub/image.iso"); n != 2 {
		t.Errorf("HEAD: ожидалось 2 запроса, получено %d", n)
	}
}

func TestParseManifest(t *testing.T) {
	data := []byte(strings.Join([]string{
		upstreamDigest + "  image.iso",
		strings.ToUpper(localDigest) + " *binary.img",
		localDigest + "  image.iso",
		"# комментарий",
		"",
		"zzzz  broken.iso",
		"abc  short.iso",
		"SHA256 (bsd.iso) = " + upstreamDigest,
	}, "\n"))

	got := ParseManifest(data)

	if got["image.iso"] != upstreamDigest {
		t.Errorf("image.iso: побеждает первая строка, получено %q", got["image.iso"])
	}
	if got["binary.img"] != localDigest {
		t.Errorf("binary.img: префикс * и нижний регистр, получено %q", got["binary.img"])
	}
	for _, name := range []string{"broken.iso", "short.iso", "bsd.iso"} {
		if _, ok := got[name]; ok {
			t.Errorf("%s не должен разбираться", name)
		}
	}
	if len(got) != 2 {
		t.Errorf("записей: ожидалось 2, получено %d (%v)", len(got), got)
	}
}

func TestCheckAsset_PersistsResult(t *testing.T) {
	env := newTestEnv(t)
	m := newMirror()
	m.files["/pub/SHA256SUMS"] = upstreamDigest + "  image.iso\n"
	srv := httptest.NewServer(m)
	defer srv.Close()

	a := &model.Asset{
		Name:      "image",
		Filename:  "image.iso",
		Category:  "other",
		Tags:      []string{},
		AddMethod: model.AddMethodURL,
		SourceURL: model.StringPtr(srv.URL + "/pub/image.iso"),
		SHA256:    model.StringPtr(localDigest),
		SizeBytes: 1024,
		Status:    model.StatusAvailable,
	}
	if err := env.repo.Insert(context.Background(), a); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	before := time.Now().UTC().Add(-time.Second)
	updated, res, err := env.update.CheckAsset(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("CheckAsset: %v", err)
	}
	if res.Method != model.UpdateMethodChecksumFile {
		t.Errorf("method: получено %s", res.Method)
	}
	if updated.UpdateAvailable == nil || !*updated.UpdateAvailable {
		t.Errorf("update_available в записи: получено %v", updated.UpdateAvailable)
	}
	if updated.UpstreamSHA256 == nil || *updated.UpstreamSHA256 != upstreamDigest {
		t.Errorf("upstream_sha256 в записи: получено %v", updated.UpstreamSHA256)
	}
	if updated.LastUpdateCheck == nil || updated.LastUpdateCheck.Before(before) {
		t.Errorf("last_update_check: получено %v", updated.LastUpdateCheck)
	}
}

func TestCheckAsset_Errors(t *testing.T) {
	env := newTestEnv(t)
	local := env.insert(t, "local.iso", model.StatusAvailable)

	if _, _, err := env.update.CheckAsset(context.Background(), local.ID); !errors.Is(err, ErrValidation) {
		t.Errorf("без source_url: ожидалась ErrValidation, получено %v", err)
	}
	if _, _, err := env.update.CheckAsset(context.Background(), 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("неизвестный ID: ожидалась ErrNotFound, получено %v", err)
	}
}

func TestLoadManifest_CancelledCallerDoesNotAbortOthers(t *testing.T) {
	env := newTestEnv(t)
	hit, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(hit) })
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(upstreamDigest + "  image.iso\n"))
	}))
	defer srv.Close()
	manifestURL := srv.URL + "/pub/SHA256SUMS"

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := env.update.loadManifest(ctx, manifestURL)
		firstErr <- err
	}()
	<-hit

	type result struct {
		m   manifest
		err error
	}
	second := make(chan result, 1)
	go func() {
		m, err := env.update.loadManifest(context.Background(), manifestURL)
		second <- result{m, err}
	}()
	// Второй вызывающий присоединяется к уже идущей загрузке
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("первый вызов: ожидалась context.Canceled, получено %v", err)
	}
	close(release)

	select {
	case res := <-second:
		if res.err != nil {
			t.Fatalf("второй вызов: %v", res.err)
		}
		if res.m["image.iso"] != upstreamDigest {
			t.Errorf("ожидалась сумма %s, получено %q", upstreamDigest, res.m["image.iso"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("второй вызов не завершился")
	}
}
