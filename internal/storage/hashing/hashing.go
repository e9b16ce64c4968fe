// Пакет hashing — вычисление контрольных сумм файлов.
//
// Файл читается блоками по 1 MiB, память не зависит от размера образа.
// Одновременных вычислений не больше, чем задано workers: хэширование
// многогигабайтных образов упирается в диск и CPU, и без ограничения
// фоновые импорты вытеснили бы обработку запросов.
package hashing

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 поддерживается только для сверки с опубликованными суммами
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

// BlockSize — размер блока чтения.
const BlockSize = 1 << 20

// Algorithm — алгоритм контрольной суммы.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
	MD5    Algorithm = "md5"
)

// Ошибки движка.
var (
	// ErrFileNotFound — файла нет на диске.
	ErrFileNotFound = errors.New("файл не найден")
	// ErrRead — ошибка чтения файла.
	ErrRead = errors.New("ошибка чтения файла")
	// ErrUnsupportedAlgorithm — алгоритм не поддерживается.
	ErrUnsupportedAlgorithm = errors.New("алгоритм не поддерживается")
)

var hashDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "isostore_hash_duration_seconds",
	Help:    "Длительность вычисления контрольных сумм файла",
	Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
}, []string{"algorithms"})

// ParseAlgorithm разбирает имя алгоритма без учёта регистра.
func ParseAlgorithm(s string) (Algorithm, bool) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case SHA256:
		return SHA256, true
	case SHA512:
		return SHA512, true
	case MD5:
		return MD5, true
	default:
		return "", false
	}
}

func newHash(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case MD5:
		return md5.New(), nil //nolint:gosec
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// Engine — пул вычисления контрольных сумм.
type Engine struct {
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewEngine создаёт движок с ограничением одновременных вычислений.
func NewEngine(workers int, logger *slog.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		sem:    semaphore.NewWeighted(int64(workers)),
		logger: logger.With(slog.String("component", "hashing")),
	}
}

// Digest вычисляет одну контрольную сумму файла (hex в нижнем регистре).
func (e *Engine) Digest(ctx context.Context, path string, alg Algorithm) (string, error) {
	sums, err := e.DigestMany(ctx, path, alg)
	if err != nil {
		return "", err
	}
	return sums[alg], nil
}

// DigestMany вычисляет несколько контрольных сумм за один проход по файлу.
// Повторяющиеся алгоритмы считаются один раз.
func (e *Engine) DigestMany(ctx context.Context, path string, algs ...Algorithm) (map[Algorithm]string, error) {
	hashers := make(map[Algorithm]hash.Hash, len(algs))
	writers := make([]io.Writer, 0, len(algs))
	names := make([]string, 0, len(algs))
	for _, alg := range algs {
		if _, dup := hashers[alg]; dup {
			continue
		}
		h, err := newHash(alg)
		if err != nil {
			return nil, err
		}
		hashers[alg] = h
		writers = append(writers, h)
		names = append(names, string(alg))
	}
	if len(hashers) == 0 {
		return nil, fmt.Errorf("%w: не указан ни один алгоритм", ErrUnsupportedAlgorithm)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrRead, path, err)
	}
	defer f.Close()

	start := time.Now()
	buf := make([]byte, BlockSize)
	dst := io.MultiWriter(writers...)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			_, _ = dst.Write(buf[:n]) // hash.Hash.Write не возвращает ошибок
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRead, path, readErr)
		}
	}

	elapsed := time.Since(start)
	hashDuration.WithLabelValues(strings.Join(names, "+")).Observe(elapsed.Seconds())
	e.logger.Debug("Контрольные суммы вычислены",
		slog.String("path", path),
		slog.String("algorithms", strings.Join(names, ",")),
		slog.Duration("duration", elapsed),
	)

	result := make(map[Algorithm]string, len(hashers))
	for alg, h := range hashers {
		result[alg] = hex.EncodeToString(h.Sum(nil))
	}
	return result, nil
}

// Verify сравнивает контрольную сумму файла с ожидаемой без учёта регистра.
// Несовпадение и неподдерживаемый алгоритм дают false без ошибки;
// ошибки чтения файла возвращаются вызывающему.
func (e *Engine) Verify(ctx context.Context, path, expected, algorithm string) (bool, error) {
	alg, ok := ParseAlgorithm(algorithm)
	if !ok {
		return false, nil
	}
	actual, err := e.Digest(ctx, path, alg)
	if err != nil {
		return false, err
	}
	return Equal(actual, expected), nil
}

// Equal сравнивает hex-строки без учёта регистра и пробелов по краям.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
