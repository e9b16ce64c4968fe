package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики кэша файлов контрольных сумм.
var (
	manifestCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isostore_manifest_cache_hits_total",
		Help: "Количество попаданий в кэш файлов контрольных сумм",
	})
	manifestCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isostore_manifest_cache_misses_total",
		Help: "Количество промахов кэша файлов контрольных сумм",
	})
)

// manifest — разобранный файл контрольных сумм: имя файла → sha256.
// nil — файла по адресу нет (ответ 4xx), такой результат тоже кэшируется.
type manifest map[string]string

// ManifestCache — LRU-кэш разобранных файлов контрольных сумм с TTL.
// Соседние образы одного зеркала делят один SHA256SUMS, поэтому
// повторные проверки обновлений не скачивают его заново.
type ManifestCache struct {
	cache *expirable.LRU[string, manifest]
}

// NewManifestCache создаёт кэш. ttl <= 0 или size <= 0 — кэш отключён (nil).
func NewManifestCache(size int, ttl time.Duration) *ManifestCache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &ManifestCache{cache: expirable.NewLRU[string, manifest](size, nil, ttl)}
}

// Get возвращает манифест по URL. Безопасен для nil-кэша.
func (c *ManifestCache) Get(manifestURL string) (manifest, bool) {
	if c == nil {
		return nil, false
	}
	val, ok := c.cache.Get(manifestURL)
	if ok {
		manifestCacheHitsTotal.Inc()
		return val, true
	}
	manifestCacheMissesTotal.Inc()
	return nil, false
}

// Set сохраняет манифест. Безопасен для nil-кэша.
func (c *ManifestCache) Set(manifestURL string, m manifest) {
	if c == nil {
		return
	}
	c.cache.Add(manifestURL, m)
}

// Len — число записей в кэше.
func (c *ManifestCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
