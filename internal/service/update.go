package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/isostore/internal/domain/model"
	"github.com/bigkaa/isostore/internal/fetcher"
	"github.com/bigkaa/isostore/internal/repository"
)

// MaxManifestBytes — предел чтения файла контрольных сумм.
const MaxManifestBytes = 1 << 20

// manifestFetchTimeout ограничивает общую загрузку манифеста, которая
// не зависит от отмены отдельных ожидающих.
const manifestFetchTimeout = time.Minute

// ManifestNames — имена файлов контрольных сумм, проверяемые рядом с образом, по порядку.
var ManifestNames = []string{
	"SHA256SUMS",
	"sha256sums",
	"SHA256SUMS.txt",
	"CHECKSUMS",
	"checksums.txt",
}

var sha256Hex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Сообщения результата проверки обновлений.
const (
	msgSourceUnreachable = "не удалось обратиться к исходному URL"
	msgInconclusive      = "файл контрольных сумм не найден; метаданных HTTP недостаточно для однозначного сравнения"
)

var updateChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "isostore_update_checks_total",
	Help: "Количество проверок обновлений по методу и результату",
}, []string{"method", "result"})

// UpstreamClient — исходящие запросы проверки обновлений. Реализуется fetcher.Client.
type UpstreamClient interface {
	Get(ctx context.Context, rawURL string) (*http.Response, error)
	Head(ctx context.Context, rawURL string) (*http.Response, error)
}

// UpdateService — проверка наличия обновлений образа у источника.
type UpdateService struct {
	repo   repository.AssetRepository
	client UpstreamClient
	guard  fetcher.URLValidator
	cache  *ManifestCache
	group  singleflight.Group
	logger *slog.Logger
}

// NewUpdateService создаёт сервис. cache может быть nil.
func NewUpdateService(
	repo repository.AssetRepository,
	client UpstreamClient,
	guard fetcher.URLValidator,
	cache *ManifestCache,
	logger *slog.Logger,
) *UpdateService {
	return &UpdateService{
		repo:   repo,
		client: client,
		guard:  guard,
		cache:  cache,
		logger: logger.With(slog.String("component", "update_check")),
	}
}

// Check сравнивает локальное состояние образа с источником.
//
// Сначала ищется файл контрольных сумм рядом с образом: найденная сумма
// авторитетна. Без него выполняется HEAD и сравнивается Content-Length:
// расхождение означает обновление, совпадение ничего не доказывает.
// Ошибки не возвращаются, а записываются в результат.
func (s *UpdateService) Check(ctx context.Context, sourceURL string, localSHA256 *string, localSize *int64) model.UpdateCheckResult {
	result := s.check(ctx, sourceURL, localSHA256, localSize)
	updateChecksTotal.WithLabelValues(string(result.Method), triState(result.UpdateAvailable)).Inc()
	return result
}

func (s *UpdateService) check(ctx context.Context, sourceURL string, localSHA256 *string, localSize *int64) model.UpdateCheckResult {
	result := model.UpdateCheckResult{Method: model.UpdateMethodNone}

	if err := s.guard.Validate(ctx, sourceURL); err != nil {
		result.Error = model.StringPtr(err.Error())
		return result
	}
	u, err := url.Parse(sourceURL)
	if err != nil {
		result.Error = model.StringPtr(err.Error())
		return result
	}
	filename := path.Base(u.Path)

	// 1. Файл контрольных сумм рядом с образом
	if digest, ok := s.findUpstreamDigest(ctx, u, filename); ok {
		result.Method = model.UpdateMethodChecksumFile
		result.UpstreamSHA256 = model.StringPtr(digest)
		if localSHA256 != nil && *localSHA256 != "" {
			result.UpdateAvailable = model.BoolPtr(!strings.EqualFold(digest, *localSHA256))
		}
		return result
	}

	// 2. HEAD и сравнение размера
	result.Method = model.UpdateMethodHTTPMeta
	resp, err := s.client.Head(ctx, sourceURL)
	if err != nil {
		result.Error = model.StringPtr(fmt.Sprintf("%s: %v", msgSourceUnreachable, err))
		return result
	}
	resp.Body.Close()

	if length, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil &&
		localSize != nil && *localSize > 0 && length != *localSize {
		result.UpdateAvailable = model.BoolPtr(true)
		return result
	}

	result.Error = model.StringPtr(msgInconclusive)
	return result
}

// findUpstreamDigest перебирает ManifestNames в каталоге образа и
// возвращает первую sha256, записанную для filename.
func (s *UpdateService) findUpstreamDigest(ctx context.Context, source *url.URL, filename string) (string, bool) {
	for _, name := range ManifestNames {
		candidate := source.ResolveReference(&url.URL{Path: name}).String()
		m, err := s.loadManifest(ctx, candidate)
		if err != nil {
			s.logger.Debug("Файл контрольных сумм недоступен",
				slog.String("url", candidate),
				slog.String("error", err.Error()),
			)
			continue
		}
		if digest, ok := m[filename]; ok {
			return digest, true
		}
	}
	return "", false
}

// loadManifest возвращает разобранный манифест из кэша или скачивает его.
// Одновременные запросы одного URL объединяются; отмена ctx освобождает
// только этого вызывающего, загрузка продолжается для остальных.
func (s *UpdateService) loadManifest(ctx context.Context, manifestURL string) (manifest, error) {
	if m, ok := s.cache.Get(manifestURL); ok {
		return m, nil
	}

	ch := s.group.DoChan(manifestURL, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), manifestFetchTimeout)
		defer cancel()

		m, err := s.fetchManifest(fetchCtx, manifestURL)
		if err != nil {
			var statusErr *fetcher.StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
				// Отсутствие файла кэшируется, временные сбои — нет
				s.cache.Set(manifestURL, nil)
			}
			return nil, err
		}
		s.cache.Set(manifestURL, m)
		return m, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(manifest), nil
	}
}

func (s *UpdateService) fetchManifest(ctx context.Context, manifestURL string) (manifest, error) {
	// Отдельная проверка адреса кандидата; перенаправления проверяет клиент
	if err := s.guard.Validate(ctx, manifestURL); err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, truncated, err := fetcher.ReadCapped(resp.Body, MaxManifestBytes)
	if err != nil {
		return nil, fmt.Errorf("чтение %s: %w", manifestURL, err)
	}
	if truncated {
		// Последняя строка могла оборваться на границе
		if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
			data = data[:i]
		}
		s.logger.Warn("Файл контрольных сумм усечён",
			slog.String("url", manifestURL),
			slog.Int("limit", MaxManifestBytes),
		)
	}
	return ParseManifest(data), nil
}

// ParseManifest разбирает строки вида "<hex>  <имя>" и "<hex> *<имя>".
// Учитываются только 64-символьные hex-суммы; для повторяющегося имени
// побеждает первая строка. Суммы приводятся к нижнему регистру.
func ParseManifest(data []byte) map[string]string {
	result := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), MaxManifestBytes)
	for sc.Scan() {
		parts := strings.Fields(sc.Text())
		if len(parts) < 2 {
			continue
		}
		digest := parts[0]
		name := strings.TrimPrefix(parts[len(parts)-1], "*")
		if !sha256Hex.MatchString(digest) {
			continue
		}
		if _, seen := result[name]; !seen {
			result[name] = strings.ToLower(digest)
		}
	}
	return result
}

// CheckAsset проверяет обновление образа и сохраняет результат в записи.
func (s *UpdateService) CheckAsset(ctx context.Context, id int64) (*model.Asset, model.UpdateCheckResult, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, model.UpdateCheckResult{}, classify(err)
	}
	if a.SourceURL == nil || *a.SourceURL == "" {
		return nil, model.UpdateCheckResult{}, fmt.Errorf("%w: у образа нет source_url", ErrValidation)
	}

	var localSize *int64
	if a.SizeBytes > 0 {
		localSize = &a.SizeBytes
	}
	result := s.Check(ctx, *a.SourceURL, a.SHA256, localSize)

	err = s.repo.UpdateFields(ctx, id, repository.Fields{
		repository.FieldUpstreamSHA256:  result.UpstreamSHA256,
		repository.FieldUpdateAvailable: result.UpdateAvailable,
		repository.FieldLastUpdateCheck: time.Now().UTC(),
	})
	if err != nil {
		return nil, result, classify(err)
	}

	s.logger.Info("Проверка обновления выполнена",
		slog.Int64("asset_id", id),
		slog.String("method", string(result.Method)),
		slog.String("update_available", triState(result.UpdateAvailable)),
	)

	updated, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, result, classify(err)
	}
	return updated, result, nil
}

// triState — строковое представление трёхзначного значения для меток и логов.
func triState(b *bool) string {
	switch {
	case b == nil:
		return "unknown"
	case *b:
		return "true"
	default:
		return "false"
	}
}
