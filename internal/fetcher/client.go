// Пакет fetcher — HTTP-клиент для исходящих запросов к источникам образов.
// Ограничивает время соединения и число перенаправлений, проверяет
// каждый адрес перенаправления через URLValidator, читает тела ответов
// потоково (скачивание) или с жёстким лимитом (файлы контрольных сумм).
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"github.com/bigkaa/isostore/internal/config"
)

// ErrTooManyRedirects — превышен лимит перенаправлений.
var ErrTooManyRedirects = errors.New("слишком много перенаправлений")

// URLValidator проверяет URL перед запросом. Реализуется netguard.Guard.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// StatusError — источник ответил кодом вне 2xx.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
}

// Options — параметры клиента.
type Options struct {
	// ConnectTimeout — таймаут TCP-соединения и TLS handshake
	ConnectTimeout time.Duration
	// ResponseHeaderTimeout — ожидание заголовков ответа (0 — без ограничения)
	ResponseHeaderTimeout time.Duration
	// Timeout — общий таймаут запроса включая чтение тела (0 — без ограничения)
	Timeout time.Duration
	// MaxRedirects — максимум перенаправлений
	MaxRedirects int
	// Guard проверяет исходный URL и каждый адрес перенаправления (nil — без проверки)
	Guard URLValidator
	// DialFilter проверяет адрес каждого устанавливаемого соединения уже
	// после разрешения имени (nil — без проверки). С фильтром прокси из
	// окружения не используется: имя за прокси разрешал бы сам прокси.
	DialFilter func(addr netip.Addr) error
}

// Client — HTTP-клиент исходящих запросов.
type Client struct {
	httpClient *http.Client
	guard      URLValidator
	userAgent  string
	logger     *slog.Logger
}

// New создаёт клиент с собственным транспортом.
func New(opts Options, logger *slog.Logger) *Client {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	proxy := http.ProxyFromEnvironment
	if opts.DialFilter != nil {
		dialer.Control = dialControl(opts.DialFilter)
		proxy = nil
	}
	transport := &http.Transport{
		Proxy:                 proxy,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}

	c := &Client{
		guard:     opts.Guard,
		userAgent: "isostore/" + config.Version,
		logger:    logger.With(slog.String("component", "fetcher")),
	}
	c.httpClient = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > opts.MaxRedirects {
				return fmt.Errorf("%w: лимит %d", ErrTooManyRedirects, opts.MaxRedirects)
			}
			if c.guard != nil {
				if err := c.guard.Validate(req.Context(), req.URL.String()); err != nil {
					return err
				}
			}
			c.logger.Debug("Перенаправление",
				slog.String("from", via[len(via)-1].URL.String()),
				slog.String("to", req.URL.String()),
			)
			return nil
		},
	}
	return c
}

// dialControl проверяет фактический адрес соединения. Защищает от
// подмены DNS между проверкой URL и установкой соединения.
func dialControl(filter func(netip.Addr) error) func(network, address string, _ syscall.RawConn) error {
	return func(network, address string, _ syscall.RawConn) error {
		ap, err := netip.ParseAddrPort(address)
		if err != nil {
			return fmt.Errorf("адрес соединения %q: %w", address, err)
		}
		return filter(ap.Addr())
	}
}

// Get выполняет GET и возвращает ответ с кодом 2xx.
// Вызывающий код ОБЯЗАН закрыть resp.Body.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, rawURL)
}

// Head выполняет HEAD и возвращает ответ с кодом 2xx.
func (c *Client) Head(ctx context.Context, rawURL string) (*http.Response, error) {
	resp, err := c.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	if c.guard != nil {
		if err := c.guard.Validate(ctx, rawURL); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса %s: %w", method, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Дочитываем немного тела, чтобы соединение вернулось в пул
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		resp.Body.Close()
		return nil, &StatusError{Method: method, URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// ReadCapped читает не больше limit байт. truncated == true, если
// данные ещё оставались.
func ReadCapped(r io.Reader, limit int64) (data []byte, truncated bool, err error) {
	data, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
