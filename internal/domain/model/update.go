package model

// UpdateMethod — способ, которым определялось наличие обновления.
type UpdateMethod string

const (
	// UpdateMethodNone — проверка не дошла до запросов (например, небезопасный URL)
	UpdateMethodNone UpdateMethod = "none"
	// UpdateMethodChecksumFile — найдена запись в файле контрольных сумм рядом с образом
	UpdateMethodChecksumFile UpdateMethod = "checksum_file"
	// UpdateMethodHTTPMeta — сравнение Content-Length из HEAD-запроса
	UpdateMethodHTTPMeta UpdateMethod = "http_meta"
)

// UpdateCheckResult — результат проверки обновления источника.
// UpdateAvailable == nil означает «неизвестно»: отсутствие различий
// не доказывает, что обновления нет.
type UpdateCheckResult struct {
	UpdateAvailable *bool        `json:"update_available"`
	UpstreamSHA256  *string      `json:"upstream_sha256"`
	Method          UpdateMethod `json:"method"`
	Error           *string      `json:"error"`
}

// ListFilters — фильтры списка образов. Пустые значения не фильтруют.
type ListFilters struct {
	Category      string
	OSFamily      string
	Architecture  string
	Edition       string
	Status        AssetStatus
	Query         string
	FavoritesOnly bool
}

// Stats — сводка по каталогу.
type Stats struct {
	Total      int                 `json:"total"`
	ByStatus   map[AssetStatus]int `json:"by_status"`
	TotalBytes int64               `json:"total_bytes"`
	Favorites  int                 `json:"favorites"`
}
