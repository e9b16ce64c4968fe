package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// denyPath — валидатор, отклоняющий URL с заданной подстрокой.
type denyPath string

var errDenied = errors.New("запрещено")

func (d denyPath) Validate(_ context.Context, rawURL string) error {
	if strings.Contains(rawURL, string(d)) {
		return errDenied
	}
	return nil
}

func newClient(guard URLValidator, maxRedirects int) *Client {
	return New(Options{
		ConnectTimeout: 2 * time.Second,
		Timeout:        5 * time.Second,
		MaxRedirects:   maxRedirects,
		Guard:          guard,
	}, testLogger())
}

func TestGet_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "isostore/") {
			t.Errorf("User-Agent: получено %q", r.Header.Get("User-Agent"))
		}
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	resp, err := newClient(nil, 5).Get(context.Background(), srv.URL+"/a.iso")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "payload" {
		t.Errorf("тело: получено %q", body)
	}
}

func TestGet_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newClient(nil, 5).Get(context.Background(), srv.URL+"/missing.iso")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("ожидалась StatusError, получено %v", err)
	}
	if se.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode: получено %d", se.StatusCode)
	}
}

func TestGet_GuardRejectsInitialURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, err := newClient(denyPath("/secret"), 5).Get(context.Background(), srv.URL+"/secret")
	if !errors.Is(err, errDenied) {
		t.Fatalf("ожидалась ошибка валидатора, получено %v", err)
	}
	if hits.Load() != 0 {
		t.Error("запрос не должен уходить на сервер")
	}
}

func TestGet_RedirectRevalidated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/internal", http.StatusFound)
		case "/internal":
			t.Error("перенаправление на запрещённый адрес не должно выполняться")
		}
	}))
	defer srv.Close()

	_, err := newClient(denyPath("/internal"), 5).Get(context.Background(), srv.URL+"/start")
	if !errors.Is(err, errDenied) {
		t.Fatalf("ожидалась ошибка валидатора на перенаправлении, получено %v", err)
	}
}

func TestGet_RedirectLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(r.URL.Path, "/hop/%d", &n)
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n+1), http.StatusFound)
	}))
	defer srv.Close()

	_, err := newClient(nil, 2).Get(context.Background(), srv.URL+"/hop/0")
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("ожидалась ErrTooManyRedirects, получено %v", err)
	}
}

func TestHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("метод: получено %s", r.Method)
		}
		w.Header().Set("Content-Length", "4096")
	}))
	defer srv.Close()

	resp, err := newClient(nil, 5).Head(context.Background(), srv.URL+"/a.iso")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if resp.ContentLength != 4096 {
		t.Errorf("ContentLength: получено %d", resp.ContentLength)
	}
}

func TestReadCapped(t *testing.T) {
	data, truncated, err := ReadCapped(strings.NewReader("0123456789"), 4)
	if err != nil || !truncated || string(data) != "0123" {
		t.Errorf("ReadCapped(limit=4) = %q, %v, %v", data, truncated, err)
	}
	data, truncated, err = ReadCapped(strings.NewReader("0123"), 4)
	if err != nil || truncated || string(data) != "0123" {
		t.Errorf("ReadCapped(ровно limit) = %q, %v, %v", data, truncated, err)
	}
}

func TestIdleReader_FiresOnStall(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	fired := make(chan struct{})
	ir := NewIdleReader(pr, 50*time.Millisecond, func() {
		close(fired)
		pr.CloseWithError(errors.New("простой"))
	})
	defer ir.Stop()

	go func() { _, _ = pw.Write([]byte("abc")) }()
	buf := make([]byte, 3)
	if _, err := io.ReadFull(ir, buf); err != nil {
		t.Fatalf("чтение: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("onIdle не сработал при простое")
	}
	if _, err := ir.Read(buf); err == nil {
		t.Error("после простоя чтение должно завершаться ошибкой")
	}
}

func TestIdleReader_DisabledWithZeroTimeout(t *testing.T) {
	ir := NewIdleReader(strings.NewReader("x"), 0, func() { t.Error("onIdle не должен вызываться") })
	defer ir.Stop()
	if _, err := io.ReadAll(ir); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
}

func TestGet_DialFilterChecksConnectedAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	// URL уже прошёл проверку, но имя разрешилось в запрещённый адрес
	var dialed atomic.Int32
	c := New(Options{
		ConnectTimeout: 2 * time.Second,
		Timeout:        5 * time.Second,
		DialFilter: func(addr netip.Addr) error {
			dialed.Add(1)
			if addr.IsLoopback() {
				return errDenied
			}
			return nil
		},
	}, testLogger())

	_, err := c.Get(context.Background(), srv.URL+"/a.iso")
	if !errors.Is(err, errDenied) {
		t.Fatalf("ожидалась errDenied, получено %v", err)
	}
	if dialed.Load() == 0 {
		t.Error("фильтр соединений не вызывался")
	}

	allow := New(Options{
		ConnectTimeout: 2 * time.Second,
		Timeout:        5 * time.Second,
		DialFilter:     func(netip.Addr) error { return nil },
	}, testLogger())
	resp, err := allow.Get(context.Background(), srv.URL+"/a.iso")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
}
